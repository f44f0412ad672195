package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

type Basic struct {
	Enabled  bool
	Username string
	Password string
}

// Challenge is the header value sent with 407 responses.
const Challenge = `Basic realm="terasu-mitm"`

// credentials parses Proxy-Authorization, which r.BasicAuth does not look at.
func credentials(r *http.Request) (string, string, bool) {
	h := r.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	u, p, ok := strings.Cut(string(raw), ":")
	return u, p, ok
}

func (b Basic) Check(r *http.Request) bool {
	if !b.Enabled {
		return true
	}
	u, p, ok := credentials(r)
	if !ok {
		return false
	}
	if b.Username == "" && b.Password == "" {
		return true
	}
	userOK := subtle.ConstantTimeCompare([]byte(u), []byte(b.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(p), []byte(b.Password)) == 1
	return userOK && passOK
}

// Deny writes the 407 challenge.
func Deny(w http.ResponseWriter) {
	w.Header().Set("Proxy-Authenticate", Challenge)
	http.Error(w, "proxy auth required", http.StatusProxyAuthRequired)
}
