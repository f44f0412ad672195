package rules

import (
	"net"
	"strings"
)

type Mode string

const (
	ModeAll  Mode = "all"
	ModeList Mode = "list"
)

// Engine decides which CONNECT targets get impersonated. Bypass entries win
// over everything else so pinned or sensitive hosts can always be tunneled.
type Engine struct {
	Mode   Mode
	Suffix []string
	Bypass []string
}

func normalizeList(list []string) []string {
	var out []string
	for _, d := range list {
		s := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		s = strings.TrimPrefix(s, "*.")
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func New(mode string, intercept, bypass []string) *Engine {
	return &Engine{
		Mode:   Mode(strings.ToLower(mode)),
		Suffix: normalizeList(intercept),
		Bypass: normalizeList(bypass),
	}
}

func matches(host string, list []string) bool {
	for _, suf := range list {
		if host == suf || strings.HasSuffix(host, "."+suf) {
			return true
		}
	}
	return false
}

// ShouldIntercept decides whether a host:port should be MITM-ed.
func (e *Engine) ShouldIntercept(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || matches(host, e.Bypass) {
		return false
	}
	switch e.Mode {
	case ModeAll:
		return true
	case ModeList:
		return matches(host, e.Suffix)
	default:
		return false
	}
}
