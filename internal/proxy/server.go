package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/netutil"

	"terasu-mitm/internal/auth"
	"terasu-mitm/internal/config"
	"terasu-mitm/internal/egress"
	"terasu-mitm/internal/metrics"
	"terasu-mitm/internal/mitm"
	"terasu-mitm/internal/rules"
)

const probeTimeout = 10 * time.Second

type Server struct {
	srv     *http.Server
	cfg     *config.Config
	log     logrus.FieldLogger
	rules   *rules.Engine
	factory *mitm.ContextFactory
	dialer  *egress.Dialer
	rp      *httputil.ReverseProxy
	auth    auth.Basic
	stats   *metrics.Aggregator

	mu sync.Mutex
	ln net.Listener
}

// NewServer wires the proxy front end. Intercepted connections are answered
// with certificates from factory; upstream traffic leaves through dialer.
func NewServer(cfg *config.Config, factory *mitm.ContextFactory, dialer *egress.Dialer, log logrus.FieldLogger) (*Server, error) {
	if factory == nil || dialer == nil {
		return nil, errors.New("proxy: factory and dialer are required")
	}
	agg := metrics.NewAggregator()
	s := &Server{
		cfg:     cfg,
		log:     log,
		rules:   rules.New(cfg.Mode, cfg.InterceptList, cfg.BypassList),
		factory: factory,
		dialer:  dialer,
		auth: auth.Basic{
			Enabled:  cfg.Security.BasicAuth.Enabled,
			Username: cfg.Security.BasicAuth.Username,
			Password: cfg.Security.BasicAuth.Password,
		},
		stats: agg,
	}
	s.rp = &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			if r.URL.Scheme == "" {
				r.URL.Scheme = "https"
			}
			r.Host = r.URL.Host
			r.Header.Del("Proxy-Connection")
			r.Header.Del("Proxy-Authorization")
		},
		Transport:     &metrics.Transport{Base: dialer.Transport(), Agg: agg},
		FlushInterval: 50 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithError(err).WithField("url", r.URL.String()).Warn("upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	var handler http.Handler = http.HandlerFunc(s.handle)
	if cfg.Engine == "goproxy" {
		handler = s.goproxyHandler()
	}
	s.srv = &http.Server{
		Addr:           cfg.Listen,
		Handler:        handler,
		ReadTimeout:    cfg.Limits.ReadTimeout,
		WriteTimeout:   cfg.Limits.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s, nil
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts proxy clients on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.cfg.Limits.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Limits.MaxConns)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.WithField("engine", s.cfg.Engine).Infof("listening on %s", ln.Addr())
	return s.srv.Serve(ln)
}

// Addr is the bound address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Stats exposes metrics aggregator for external services
func (s *Server) Stats() *metrics.Aggregator { return s.stats }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Check(r) {
		auth.Deny(w)
		return
	}
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	// absolute-form request for proxy
	if r.URL.Host == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.rp.ServeHTTP(w, r)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if target == "" {
		target = r.URL.Host
	}
	if target == "" {
		http.Error(w, "bad connect", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	log := s.log.WithFields(logrus.Fields{"conn": xid.New().String(), "target": target})
	if !s.rules.ShouldIntercept(target) {
		s.tunnel(w, r, target, log)
		return
	}
	s.mitm(w, r, target, log)
}

func (s *Server) tunnel(w http.ResponseWriter, r *http.Request, target string, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	serverConn, err := s.dialer.DialContext(ctx, "tcp", target)
	cancel()
	if err != nil {
		log.WithError(err).Warn("tunnel dial failed")
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer serverConn.Close()

	clientConn, err := hijack(w)
	if err != nil {
		log.WithError(err).Debug("hijack failed")
		return
	}
	defer clientConn.Close()
	s.stats.Connect(false)
	log.Debug("tunneling")

	start := time.Now()
	var up, down int64 // up: client->server, down: server->client
	done := make(chan struct{}, 2)
	go func() {
		up, _ = io.Copy(serverConn, clientConn)
		closeWrite(serverConn)
		done <- struct{}{}
	}()
	go func() {
		down, _ = io.Copy(clientConn, serverConn)
		closeWrite(clientConn)
		done <- struct{}{}
	}()
	<-done
	<-done
	host, _, _ := net.SplitHostPort(target)
	s.stats.Add(metrics.RequestEvent{
		Ts:       time.Now().UTC(),
		Host:     host,
		Method:   http.MethodConnect,
		Path:     "/",
		Code:     http.StatusOK,
		Ms:       time.Since(start).Milliseconds(),
		BytesIn:  down,
		BytesOut: up,
	})
}

// serverConfig picks the impersonated certificate for target. In mirror mode
// the upstream is probed first so its names and key substitution carry over.
func (s *Server) serverConfig(ctx context.Context, target string, log logrus.FieldLogger) (*tls.Config, error) {
	if s.cfg.Upstream.Mirror {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		orig, err := s.dialer.PeerCertificate(pctx, target)
		cancel()
		if err == nil {
			return s.factory.ServerContextForOriginal(target, orig)
		}
		log.WithError(err).Warn("upstream probe failed, impersonating by name")
	}
	return s.factory.ServerContextFor(target)
}

func (s *Server) mitm(w http.ResponseWriter, r *http.Request, target string, log logrus.FieldLogger) {
	tlsCfg, err := s.serverConfig(r.Context(), target, log)
	if err != nil {
		// only this connection fails; the proxy keeps serving
		log.WithError(err).Error("impersonation failed")
		s.stats.HandshakeFailed()
		http.Error(w, "certificate generation failed", http.StatusBadGateway)
		return
	}
	clientConn, err := hijack(w)
	if err != nil {
		log.WithError(err).Debug("hijack failed")
		return
	}

	tlsConn := tls.Server(clientConn, tlsCfg)
	timeout := s.cfg.Limits.ReadTimeout
	if timeout <= 0 {
		timeout = probeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err = tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		log.WithError(err).Info("client rejected impersonated certificate")
		s.stats.HandshakeFailed()
		_ = clientConn.Close()
		return
	}
	s.stats.Connect(true)
	log.WithField("proto", tlsConn.ConnectionState().NegotiatedProtocol).Debug("intercepting")

	// serve a single connection as HTTP server
	go func() {
		httpSrv := &http.Server{
			Handler:     s.mitmHandler(target),
			IdleTimeout: 120 * time.Second,
		}
		_ = http2.ConfigureServer(httpSrv, &http2.Server{})
		_ = httpSrv.Serve(&singleUseListener{conn: tlsConn})
	}()
}

func (s *Server) mitmHandler(target string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// rebuild absolute URL for reverse proxy
		r.URL.Scheme = "https"
		if r.URL.Host == "" {
			r.URL.Host = target
		}
		r.Host = r.URL.Host
		r.Header.Del("Proxy-Connection")
		s.rp.ServeHTTP(w, r)
	})
}

// hijack takes over the client connection and acknowledges the CONNECT.
func hijack(w http.ResponseWriter) (net.Conn, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "not supported", http.StatusInternalServerError)
		return nil, errors.New("response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

type singleUseListener struct {
	mu   sync.Mutex
	conn net.Conn
}

func (l *singleUseListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, fmt.Errorf("closed")
	}
	c := l.conn
	l.conn = nil
	return c, nil
}
func (l *singleUseListener) Close() error   { return nil }
func (l *singleUseListener) Addr() net.Addr { return dummyAddr("mitm") }

type dummyAddr string

func (d dummyAddr) Network() string { return string(d) }
func (d dummyAddr) String() string  { return string(d) }
