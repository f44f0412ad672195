package mitm

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/FloatTech/ttl"
	"github.com/sirupsen/logrus"

	"terasu-mitm/internal/keystore"
	"terasu-mitm/internal/pki"
)

// DefaultContextTTL is how long an assembled server certificate stays cached
// after its last use before it is rebuilt from the keystore.
const DefaultContextTTL = 5 * time.Minute

var errNoServerName = errors.New("mitm: client sent no server name and no default host is set")

type FactoryOption func(*ContextFactory)

func WithContextTTL(d time.Duration) FactoryOption {
	return func(f *ContextFactory) { f.lifetime = d }
}

// WithTrustAllUpstream sets the default used by UpstreamConfig.
func WithTrustAllUpstream(on bool) FactoryOption {
	return func(f *ContextFactory) { f.trustAll = on }
}

// WithRootCAs replaces the platform pool for upstream verification.
func WithRootCAs(pool *x509.CertPool) FactoryOption {
	return func(f *ContextFactory) { f.rootCAs = pool }
}

// WithDefaultHost names the certificate served to clients without SNI.
func WithDefaultHost(host string) FactoryOption {
	return func(f *ContextFactory) { f.defaultHost = host }
}

func WithFactoryLogger(l logrus.FieldLogger) FactoryOption {
	return func(f *ContextFactory) { f.log = l }
}

// ContextFactory builds the TLS configurations for both legs of an
// intercepted connection.
type ContextFactory struct {
	cache       *Cache
	root        *x509.Certificate
	lifetime    time.Duration
	trustAll    bool
	rootCAs     *x509.CertPool
	defaultHost string
	log         logrus.FieldLogger
	warnOnce    sync.Once

	// certsMu guards certs. ttl.Cache.Get refreshes an item's expiry
	// outside the cache's own lock.
	certsMu sync.Mutex
	certs   *ttl.Cache[string, *tls.Certificate]
}

func NewContextFactory(cache *Cache, opts ...FactoryOption) *ContextFactory {
	f := &ContextFactory{
		cache:    cache,
		root:     cache.store.SigningCertificate(),
		lifetime: DefaultContextTTL,
		log:      cache.log,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.lifetime <= 0 {
		f.lifetime = DefaultContextTTL
	}
	f.certs = ttl.NewCache[string, *tls.Certificate](f.lifetime)
	return f
}

// ServerContextFor returns a new server config presenting the impersonated
// certificate for hostname. The chain stops below the root.
func (f *ContextFactory) ServerContextFor(hostname string) (*tls.Config, error) {
	return f.serverConfig(hostname, nil)
}

// ServerContextForOriginal mirrors the upstream certificate's names and
// reuses the substitute key registered for its public key.
func (f *ContextFactory) ServerContextForOriginal(hostname string, original *x509.Certificate) (*tls.Config, error) {
	return f.serverConfig(hostname, original)
}

func (f *ContextFactory) serverConfig(hostname string, original *x509.Certificate) (*tls.Config, error) {
	cert, err := f.certificate(hostname, original)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// GetCertificate serves as tls.Config.GetCertificate, choosing the
// certificate from SNI.
func (f *ContextFactory) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		host = f.defaultHost
	}
	if host == "" {
		return nil, errNoServerName
	}
	return f.certificate(host, nil)
}

func (f *ContextFactory) certificate(hostname string, original *x509.Certificate) (*tls.Certificate, error) {
	host, err := pki.NormalizeHostname(hostname)
	if err != nil {
		return nil, generationError(hostname, err)
	}
	if c := f.cached(host); c != nil && pki.ValidAt(c.Leaf, f.cache.now()) {
		return c, nil
	}

	var entry *keystore.Entry
	if original != nil {
		entry, err = f.cache.CertificateForOriginal(host, original)
	} else {
		entry, err = f.cache.CertificateFor(host)
	}
	if err != nil {
		return nil, err
	}
	c := f.assemble(entry)
	f.certsMu.Lock()
	f.certs.Set(host, c)
	f.certsMu.Unlock()
	return c, nil
}

func (f *ContextFactory) cached(host string) *tls.Certificate {
	f.certsMu.Lock()
	defer f.certsMu.Unlock()
	return f.certs.Get(host)
}

func (f *ContextFactory) assemble(e *keystore.Entry) *tls.Certificate {
	chain := [][]byte{e.Certificate.Raw}
	for _, c := range e.Chain {
		if bytes.Equal(c.Raw, f.root.Raw) {
			continue
		}
		chain = append(chain, c.Raw)
	}
	return &tls.Certificate{Certificate: chain, PrivateKey: e.PrivateKey, Leaf: e.Certificate}
}

// ClientContextFor returns the config for dialing the real upstream. With
// trustAllUpstream the upstream certificate is not verified at all, which is
// only fit for testing.
func (f *ContextFactory) ClientContextFor(host string, port int, trustAllUpstream bool) *tls.Config {
	cfg := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		RootCAs:    f.rootCAs,
		NextProtos: []string{"h2", "http/1.1"},
	}
	if trustAllUpstream {
		f.warnOnce.Do(func() {
			f.log.WithField("upstream", host+":"+strconv.Itoa(port)).
				Warn("upstream certificate validation is disabled; do not use outside testing")
		})
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// UpstreamConfig is ClientContextFor with the factory's trust-all default.
func (f *ContextFactory) UpstreamConfig(host string, port int) *tls.Config {
	return f.ClientContextFor(host, port, f.trustAll)
}

// TrustAllUpstream reports the factory's default upstream policy.
func (f *ContextFactory) TrustAllUpstream() bool { return f.trustAll }

// Cache exposes the certificate cache behind the factory.
func (f *ContextFactory) Cache() *Cache { return f.cache }
