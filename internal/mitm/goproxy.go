package mitm

import (
	"crypto/tls"

	"github.com/elazarl/goproxy"
)

// GoproxyTLSConfig adapts the factory to goproxy's ConnectAction.TLSConfig.
// host arrives as "name:port" from the CONNECT line. goproxy reads
// intercepted traffic as HTTP/1.1, so h2 is not offered.
func (f *ContextFactory) GoproxyTLSConfig() func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
	return func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
		cfg, err := f.ServerContextFor(host)
		if err != nil {
			if ctx != nil {
				ctx.Warnf("impersonation for %s failed: %v", host, err)
			}
			return nil, err
		}
		cfg.NextProtos = []string{"http/1.1"}
		return cfg, nil
	}
}

// MitmConnect is a goproxy ConnectAction that intercepts with the factory's
// certificates.
func (f *ContextFactory) MitmConnect() *goproxy.ConnectAction {
	return &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: f.GoproxyTLSConfig()}
}
