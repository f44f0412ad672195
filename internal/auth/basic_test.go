package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func request(header string) *http.Request {
	r := httptest.NewRequest(http.MethodConnect, "http://example.com:443", nil)
	if header != "" {
		r.Header.Set("Proxy-Authorization", header)
	}
	return r
}

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestCheck(t *testing.T) {
	b := Basic{Enabled: true, Username: "alice", Password: "pw"}
	assert.True(t, b.Check(request(basic("alice", "pw"))))
	assert.True(t, b.Check(request("basic "+base64.StdEncoding.EncodeToString([]byte("alice:pw")))))
	assert.False(t, b.Check(request(basic("alice", "nope"))))
	assert.False(t, b.Check(request(basic("bob", "pw"))))
	assert.False(t, b.Check(request("")))
	assert.False(t, b.Check(request("Basic !!!")))
	assert.False(t, b.Check(request("Bearer token")))

	// Authorization is meant for the origin, not the proxy
	r := request("")
	r.SetBasicAuth("alice", "pw")
	assert.False(t, b.Check(r))
}

func TestCheckDisabledOrOpen(t *testing.T) {
	assert.True(t, Basic{}.Check(request("")))
	open := Basic{Enabled: true}
	assert.True(t, open.Check(request(basic("anyone", "anything"))))
	assert.False(t, open.Check(request("")))
}

func TestDeny(t *testing.T) {
	rec := httptest.NewRecorder()
	Deny(rec)
	assert.Equal(t, http.StatusProxyAuthRequired, rec.Code)
	assert.Equal(t, Challenge, rec.Header().Get("Proxy-Authenticate"))
}
