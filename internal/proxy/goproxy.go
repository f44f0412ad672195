package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"github.com/elazarl/goproxy"

	"terasu-mitm/internal/auth"
	"terasu-mitm/internal/metrics"
)

// goproxyHandler serves the same rules and certificates through goproxy.
func (s *Server) goproxyHandler() http.Handler {
	gp := goproxy.NewProxyHttpServer()
	gp.Logger = s.log.WithField("engine", "goproxy")
	gp.Tr = s.dialer.Transport()
	gp.ConnectDial = func(network, addr string) (net.Conn, error) {
		return s.dialer.DialContext(context.Background(), network, addr)
	}

	intercept := s.factory.MitmConnect()
	impersonate := intercept.TLSConfig
	intercept.TLSConfig = func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
		cfg, err := impersonate(host, ctx)
		if err != nil {
			s.stats.HandshakeFailed()
			return nil, err
		}
		s.stats.Connect(true)
		return cfg, nil
	}

	gp.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if s.rules.ShouldIntercept(host) {
			return intercept, host
		}
		s.stats.Connect(false)
		return goproxy.OkConnect, host
	})

	counted := &metrics.Transport{Base: gp.Tr, Agg: s.stats}
	gp.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		req.Header.Del("Proxy-Authorization")
		ctx.RoundTripper = goproxy.RoundTripperFunc(func(req *http.Request, _ *goproxy.ProxyCtx) (*http.Response, error) {
			return counted.RoundTrip(req)
		})
		return req, nil
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Check(r) {
			auth.Deny(w)
			return
		}
		gp.ServeHTTP(w, r)
	})
}
