package egress

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fumiama/terasu"
	"github.com/fumiama/terasu/dns"
	"github.com/sirupsen/logrus"
)

// TLSPolicy hands out the client config for an upstream host.
type TLSPolicy interface {
	UpstreamConfig(host string, port int) *tls.Config
}

const defaultTimeout = 10 * time.Second

// Dialer opens upstream connections: name resolution according to the dns
// mode, and a TLS handshake whose first ClientHello record is split into
// FragmentLen bytes. A fragmented handshake that fails is retried plainly.
type Dialer struct {
	DNSMode     string // terasu | system | auto
	FragmentLen uint8
	Policy      TLSPolicy
	Timeout     time.Duration
	Log         logrus.FieldLogger

	dialer net.Dialer
}

func New(dnsMode string, fragmentLen int, policy TLSPolicy, log logrus.FieldLogger) *Dialer {
	if fragmentLen < 0 || fragmentLen > 255 {
		fragmentLen = int(terasu.DefaultFirstFragmentLen)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Dialer{
		DNSMode:     dnsMode,
		FragmentLen: uint8(fragmentLen),
		Policy:      policy,
		Timeout:     defaultTimeout,
		Log:         log,
	}
	d.dialer.Timeout = d.Timeout
	return d
}

func (d *Dialer) lookup(ctx context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	switch d.DNSMode {
	case "system":
		return net.DefaultResolver.LookupHost(ctx, host)
	case "terasu":
		return dns.LookupHost(ctx, host)
	default:
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err == nil && len(addrs) > 0 {
			return addrs, nil
		}
		return dns.LookupHost(ctx, host)
	}
}

// DialContext dials plain TCP, trying every resolved address in turn.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := d.lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	var errs []error
	for _, a := range addrs {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(a, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (d *Dialer) config(host, port string) *tls.Config {
	p, _ := strconv.Atoi(port)
	if d.Policy != nil {
		return d.Policy.UpstreamConfig(host, p)
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func (d *Dialer) handshake(ctx context.Context, network, addr string, cfg *tls.Config, fragment uint8) (*tls.Conn, error) {
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	conn := tls.Client(raw, cfg)
	if fragment > 0 {
		err = terasu.Use(conn).HandshakeContext(hctx, fragment)
	} else {
		err = conn.HandshakeContext(hctx)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// DialTLS returns a handshaken connection to addr.
func (d *Dialer) DialTLS(ctx context.Context, network, addr string) (*tls.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	cfg := d.config(host, port)
	if d.FragmentLen > 0 {
		conn, err := d.handshake(ctx, network, addr, cfg.Clone(), d.FragmentLen)
		if err == nil {
			return conn, nil
		}
		var verr *tls.CertificateVerificationError
		if errors.As(err, &verr) {
			return nil, err
		}
		d.Log.WithError(err).WithField("upstream", addr).Debug("fragmented handshake failed, retrying")
	}
	return d.handshake(ctx, network, addr, cfg, 0)
}

// Transport is an http.Transport dialing through d.
func (d *Dialer) Transport() *http.Transport {
	return &http.Transport{
		Proxy:       nil,
		DialContext: d.DialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.DialTLS(ctx, network, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   d.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// PeerCertificate connects to addr and returns the leaf the upstream
// presents. Used to mirror the real certificate's names and key.
func (d *Dialer) PeerCertificate(ctx context.Context, addr string) (*x509.Certificate, error) {
	conn, err := d.DialTLS(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, fmt.Errorf("%s presented no certificate", addr)
	}
	return peers[0], nil
}
