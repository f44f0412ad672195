package mitm

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"terasu-mitm/internal/keystore"
	"terasu-mitm/internal/pki"
)

// ErrCertificateGeneration wraps every failure to produce an impersonated
// certificate. Existing state is never touched by a failed generation.
var ErrCertificateGeneration = errors.New("mitm: certificate generation failed")

func generationError(host string, err error) error {
	return fmt.Errorf("%w for %q: %w", ErrCertificateGeneration, host, err)
}

// Keystore is the slice of *keystore.Store the cache works against.
type Keystore interface {
	Lookup(hostname string) *keystore.Entry
	Put(hostname string, cert *x509.Certificate, key crypto.Signer) (*keystore.Entry, error)
	SigningCertificate() *x509.Certificate
	SigningPrivateKey() crypto.Signer
	Root() *keystore.RootAuthority
	RememberKeyPair(pub crypto.PublicKey, priv crypto.Signer) error
	PrivateKeyFor(pub crypto.PublicKey) (crypto.Signer, bool)
	MapSubstitute(original, sub crypto.PublicKey) (crypto.PublicKey, error)
	SubstituteFor(original crypto.PublicKey) (crypto.PublicKey, bool)
}

// InfoGenerator turns the names of one logical host into certificate subject
// material. names[0] is the hostname being impersonated.
type InfoGenerator func(names []string, now time.Time) (pki.CertificateInfo, error)

type Option func(*Cache)

// WithKeyGenerator sets the leaf key source, e.g. a *pki.KeyPool.
func WithKeyGenerator(g pki.KeyGenerator) Option { return func(c *Cache) { c.keys = g } }

// WithDigest sets the leaf signature digest. The root's digest is the default.
func WithDigest(digest string) Option { return func(c *Cache) { c.digest = digest } }

func WithInfoGenerator(f InfoGenerator) Option { return func(c *Cache) { c.info = f } }

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func WithLogger(l logrus.FieldLogger) Option { return func(c *Cache) { c.log = l } }

// Cache hands out impersonated certificates per hostname, generating each
// at most once at a time.
type Cache struct {
	store  Keystore
	keys   pki.KeyGenerator
	digest string
	info   InfoGenerator
	now    func() time.Time
	log    logrus.FieldLogger

	flights singleflight.Group
	stats   statsRecorder
}

func NewCache(store Keystore, opts ...Option) (*Cache, error) {
	c := &Cache{
		store: store,
		info:  pki.HostnameInfo,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.log = c.log.WithField("component", "mitm")
	if c.digest == "" {
		c.digest = store.Root().Digest
	}
	if c.keys == nil {
		gen, err := pki.NewKeyGenerator(pki.KeySpec{})
		if err != nil {
			return nil, err
		}
		c.keys = gen
	}
	// fail at startup rather than on the first handshake
	if _, err := pki.SignatureAlgorithm(store.SigningCertificate().PublicKey, c.digest); err != nil {
		return nil, err
	}
	return c, nil
}

// CertificateFor returns a currently valid certificate for hostname,
// generating one if the index has none or only an expired one.
func (c *Cache) CertificateFor(hostname string) (*keystore.Entry, error) {
	return c.certificate(hostname, nil)
}

// CertificateForOriginal is CertificateFor for a host whose upstream
// certificate is known. The leaf also carries the upstream names, and its
// key is the substitute registered for the upstream public key.
func (c *Cache) CertificateForOriginal(hostname string, original *x509.Certificate) (*keystore.Entry, error) {
	return c.certificate(hostname, original)
}

func (c *Cache) certificate(hostname string, original *x509.Certificate) (*keystore.Entry, error) {
	host, err := pki.NormalizeHostname(hostname)
	if err != nil {
		return nil, generationError(hostname, err)
	}
	if e := c.fresh(host); e != nil {
		c.stats.hit()
		return e, nil
	}
	v, err, _ := c.flights.Do(host, func() (any, error) {
		// a flight that just finished may have stored it
		if e := c.fresh(host); e != nil {
			c.stats.hit()
			return e, nil
		}
		return c.generate(host, original)
	})
	if err != nil {
		return nil, err
	}
	return v.(*keystore.Entry), nil
}

func (c *Cache) fresh(host string) *keystore.Entry {
	e := c.store.Lookup(host)
	if e == nil || !pki.ValidAt(e.Certificate, c.now()) {
		return nil
	}
	return e
}

func (c *Cache) generate(host string, original *x509.Certificate) (*keystore.Entry, error) {
	start := time.Now()
	names := []string{host}
	var (
		key crypto.Signer
		err error
	)
	if original != nil {
		names = pki.MergeNames(names, pki.OriginalNames(original)...)
		key, err = c.substituteKey(original.PublicKey)
	} else {
		key, err = c.keys.Generate()
	}
	if err != nil {
		return nil, generationError(host, err)
	}

	info, err := c.info(names, c.now())
	if err != nil {
		return nil, generationError(host, err)
	}
	tmpl, err := pki.NewLeafTemplate(info)
	if err != nil {
		return nil, generationError(host, err)
	}
	cert, err := pki.Sign(tmpl, c.store.SigningCertificate(), key.Public(), c.store.SigningPrivateKey(), c.digest)
	if err != nil {
		return nil, generationError(host, err)
	}
	entry, err := c.store.Put(host, cert, key)
	if err != nil {
		return nil, generationError(host, err)
	}

	took := time.Since(start)
	c.stats.generated(took, c.now())
	c.log.WithFields(logrus.Fields{
		"host":       host,
		"thumbprint": entry.Alias,
		"took":       took,
	}).Debug("generated impersonated certificate")
	return entry, nil
}

// substituteKey returns the key pair standing in for original, creating and
// registering one if none exists yet.
func (c *Cache) substituteKey(original crypto.PublicKey) (crypto.Signer, error) {
	if sub, ok := c.store.SubstituteFor(original); ok {
		if priv, ok := c.store.PrivateKeyFor(sub); ok {
			return priv, nil
		}
	}
	key, err := c.keys.Generate()
	if err != nil {
		return nil, err
	}
	if err := c.store.RememberKeyPair(key.Public(), key); err != nil {
		return nil, err
	}
	sub, err := c.store.MapSubstitute(original, key.Public())
	if err != nil {
		return nil, err
	}
	if pki.PublicKeysEqual(sub, key.Public()) {
		return key, nil
	}
	// another host with the same upstream key registered first
	priv, ok := c.store.PrivateKeyFor(sub)
	if !ok {
		return nil, errors.New("registered substitute key has no remembered private key")
	}
	return priv, nil
}

// Stats reports generation statistics since the cache was created.
func (c *Cache) Stats() Statistics { return c.stats.snapshot() }
