// Package keystore owns the root CA, every impersonated certificate and the
// hostname and key maps that go with them, and persists all of it under one
// directory.
package keystore

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"terasu-mitm/internal/pki"
	"terasu-mitm/internal/record"
)

const (
	// RootAlias is the keystore alias of the CA entry.
	RootAlias       = "key"
	DefaultPassword = "password"

	KeystoreFile    = "keystore.tmks"
	HostIndexFile   = "hosts.tmrf"
	KeyPairsFile    = "keypairs.tmrf"
	SubstitutesFile = "substitutes.tmrf"
)

var auxFiles = []string{HostIndexFile, KeyPairsFile, SubstitutesFile}

// Policy selects when mutations reach the disk.
type Policy int

const (
	// Immediate persists synchronously after every mutation.
	Immediate Policy = iota
	// Batched leaves persistence to explicit PersistAll calls.
	Batched
)

func (p Policy) String() string {
	if p == Batched {
		return "batched"
	}
	return "immediate"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "immediate":
		return Immediate, nil
	case "batched":
		return Batched, nil
	}
	return Immediate, fmt.Errorf("unknown persist policy %q", s)
}

// RootOptions parameterize a freshly bootstrapped root. They are ignored
// when a keystore already exists.
type RootOptions struct {
	CommonName   string
	Organization string
	Key          pki.KeySpec
	Digest       string
	Validity     time.Duration
}

func (o RootOptions) withDefaults() RootOptions {
	if o.CommonName == "" {
		o.CommonName = "terasu-mitm Root CA"
	}
	if o.Organization == "" {
		o.Organization = "terasu-mitm"
	}
	if o.Digest == "" {
		o.Digest = pki.DefaultDigest
	}
	if o.Validity <= 0 {
		o.Validity = 10 * 365 * 24 * time.Hour
	}
	return o
}

type Options struct {
	Dir      string
	Password string
	Root     RootOptions
	Persist  Policy
	Logger   logrus.FieldLogger
	// OnPersistError receives persistence errors raised by mutations in
	// immediate mode. The mutation itself still succeeds.
	OnPersistError func(error)
}

// Entry is one stored certificate with its private key. Entries are
// immutable and safe to share.
type Entry struct {
	Alias       string
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	// Chain holds the issuing certificates stored with the entry, root last.
	Chain []*x509.Certificate

	blob []byte
}

// RootAuthority describes the signing root without its private key.
type RootAuthority struct {
	Certificate        *x509.Certificate
	SignatureAlgorithm x509.SignatureAlgorithm
	Digest             string
	Key                pki.KeySpec
}

type keyPair struct {
	key     crypto.Signer
	privDER []byte
}

type substitute struct {
	pub crypto.PublicKey
	der []byte
}

// Store is the single owner of all key material. Every method is safe for
// concurrent use.
type Store struct {
	dir            string
	password       string
	log            logrus.FieldLogger
	onPersistError func(error)

	// root is set once in Open and never replaced.
	root      *Entry
	authority RootAuthority

	mu        sync.Mutex
	entries   map[string]*Entry
	hosts     map[string]string
	pairs     map[string]keyPair
	subs      map[string]substitute
	immediate bool
	version   uint64
	persisted uint64

	// writeMu serializes PersistAll so snapshots reach the disk in order.
	writeMu sync.Mutex
}

// Open loads the store under opts.Dir, or bootstraps a new root when the
// directory holds no store at all.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("keystore: no directory configured")
	}
	if opts.Password == "" {
		opts.Password = DefaultPassword
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Store{
		dir:            opts.Dir,
		password:       opts.Password,
		log:            opts.Logger.WithField("component", "keystore"),
		onPersistError: opts.OnPersistError,
		entries:        make(map[string]*Entry),
		hosts:          make(map[string]string),
		pairs:          make(map[string]keyPair),
		subs:           make(map[string]substitute),
		immediate:      opts.Persist == Immediate,
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create %s: %w", s.dir, err)
	}

	recs, ok, err := record.ReadFile(s.path(KeystoreFile), record.KindKeystore)
	if err != nil {
		if errors.Is(err, record.ErrMalformed) {
			return nil, fmt.Errorf("%w: %w", ErrStoreCorrupt, err)
		}
		return nil, fmt.Errorf("keystore: read: %w", err)
	}
	if !ok {
		for _, name := range auxFiles {
			if _, err := os.Stat(s.path(name)); err == nil {
				return nil, corrupt("%s exists but %s is missing", name, KeystoreFile)
			}
		}
		if err := s.bootstrap(opts.Root.withDefaults()); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := s.load(recs); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"entries": len(s.entries),
		"hosts":   len(s.hosts),
	}).Info("keystore loaded")
	return s, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// Dir is the directory holding the store's files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) bootstrap(opts RootOptions) error {
	gen, err := pki.NewKeyGenerator(opts.Key)
	if err != nil {
		return fmt.Errorf("keystore: bootstrap: %w", err)
	}
	key, err := gen.Generate()
	if err != nil {
		return fmt.Errorf("keystore: bootstrap: generate root key: %w", err)
	}
	subject := pkix.Name{CommonName: opts.CommonName, Organization: []string{opts.Organization}}
	tmpl, err := pki.NewRootTemplate(subject, opts.Validity, time.Now())
	if err != nil {
		return fmt.Errorf("keystore: bootstrap: %w", err)
	}
	cert, err := pki.Sign(tmpl, tmpl, key.Public(), key, opts.Digest)
	if err != nil {
		return fmt.Errorf("keystore: bootstrap: %w", err)
	}
	root, err := s.newEntry(RootAlias, cert, key, nil)
	if err != nil {
		return fmt.Errorf("keystore: bootstrap: %w", err)
	}
	s.setRoot(root)
	s.version++

	s.log.WithFields(logrus.Fields{
		"subject": cert.Subject.String(),
		"key":     pki.SpecOf(cert.PublicKey).String(),
		"digest":  opts.Digest,
	}).Info("bootstrapped new root CA")
	return s.PersistAll()
}

func (s *Store) setRoot(root *Entry) {
	s.root = root
	s.authority = RootAuthority{
		Certificate:        root.Certificate,
		SignatureAlgorithm: root.Certificate.SignatureAlgorithm,
		Digest:             pki.DigestOf(root.Certificate.SignatureAlgorithm),
		Key:                pki.SpecOf(root.Certificate.PublicKey),
	}
}

func (s *Store) newEntry(alias string, cert *x509.Certificate, key crypto.Signer, chain []*x509.Certificate) (*Entry, error) {
	blob, err := pkcs12.Modern.Encode(key, cert, chain, s.password)
	if err != nil {
		return nil, fmt.Errorf("encode entry %s: %w", alias, err)
	}
	return &Entry{Alias: alias, Certificate: cert, PrivateKey: key, Chain: chain, blob: blob}, nil
}

func (s *Store) decodeEntry(alias string, blob []byte) (*Entry, error) {
	key, cert, chain, err := pkcs12.DecodeChain(blob, s.password)
	if err != nil {
		return nil, corrupt("entry %q: %v", alias, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, corrupt("entry %q: %T is not a signing key", alias, key)
	}
	if !pki.PublicKeysEqual(cert.PublicKey, signer.Public()) {
		return nil, corrupt("entry %q: key does not match certificate", alias)
	}
	return &Entry{Alias: alias, Certificate: cert, PrivateKey: signer, Chain: chain, blob: blob}, nil
}

func (s *Store) load(recs []record.Record) error {
	for _, r := range recs {
		alias := string(r.Key)
		e, err := s.decodeEntry(alias, r.Value)
		if err != nil {
			return err
		}
		if alias == RootAlias {
			s.setRoot(e)
			continue
		}
		if alias != pki.Thumbprint(e.Certificate) {
			return corrupt("entry %q holds certificate %s", alias, pki.Thumbprint(e.Certificate))
		}
		s.entries[alias] = e
	}
	if s.root == nil {
		return corrupt("no %q entry in %s", RootAlias, KeystoreFile)
	}
	if !s.root.Certificate.IsCA {
		return corrupt("root entry is not a CA certificate")
	}

	hosts, err := s.readAux(HostIndexFile, record.KindHostIndex)
	if err != nil {
		return err
	}
	for _, r := range hosts {
		alias := string(r.Value)
		if _, ok := s.entries[alias]; !ok {
			// an index written ahead of the keystore file; the hostname is
			// regenerated on its next lookup
			s.log.WithFields(logrus.Fields{
				"hostname": string(r.Key),
				"alias":    alias,
			}).Warn("dropping index entry for missing certificate")
			s.version++
			continue
		}
		s.hosts[string(r.Key)] = alias
	}

	pairs, err := s.readAux(KeyPairsFile, record.KindKeyPairs)
	if err != nil {
		return err
	}
	for _, r := range pairs {
		pub, err := pki.ParsePublicKey(r.Key)
		if err != nil {
			return corrupt("%s: public key: %v", KeyPairsFile, err)
		}
		key, err := pki.ParsePrivateKey(r.Value)
		if err != nil {
			return corrupt("%s: private key: %v", KeyPairsFile, err)
		}
		if !pki.PublicKeysEqual(pub, key.Public()) {
			return corrupt("%s: remembered pair does not match", KeyPairsFile)
		}
		s.pairs[string(r.Key)] = keyPair{key: key, privDER: r.Value}
	}

	subs, err := s.readAux(SubstitutesFile, record.KindSubstitutes)
	if err != nil {
		return err
	}
	for _, r := range subs {
		if _, err := pki.ParsePublicKey(r.Key); err != nil {
			return corrupt("%s: original key: %v", SubstitutesFile, err)
		}
		pub, err := pki.ParsePublicKey(r.Value)
		if err != nil {
			return corrupt("%s: substitute key: %v", SubstitutesFile, err)
		}
		s.subs[string(r.Key)] = substitute{pub: pub, der: r.Value}
	}
	return nil
}

func (s *Store) readAux(name string, kind record.Kind) ([]record.Record, error) {
	recs, _, err := record.ReadFile(s.path(name), kind)
	if err != nil {
		if errors.Is(err, record.ErrMalformed) {
			return nil, fmt.Errorf("%w: %w", ErrStoreCorrupt, err)
		}
		return nil, fmt.Errorf("keystore: read %s: %w", name, err)
	}
	return recs, nil
}

// SigningCertificate is the root CA certificate.
func (s *Store) SigningCertificate() *x509.Certificate { return s.root.Certificate }

// SigningPrivateKey is the root CA key. Only the certificate cache should
// need it.
func (s *Store) SigningPrivateKey() crypto.Signer { return s.root.PrivateKey }

func (s *Store) Root() *RootAuthority {
	ra := s.authority
	return &ra
}

// Put files cert and key under their thumbprint and points hostname at
// them. The entry hostname pointed at before is dropped unless another
// hostname still uses it.
func (s *Store) Put(hostname string, cert *x509.Certificate, key crypto.Signer) (*Entry, error) {
	host, err := pki.NormalizeHostname(hostname)
	if err != nil {
		return nil, err
	}
	if !pki.PublicKeysEqual(cert.PublicKey, key.Public()) {
		return nil, ErrKeyMismatch
	}
	alias := pki.Thumbprint(cert)
	entry, err := s.newEntry(alias, cert, key, []*x509.Certificate{s.root.Certificate})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	old := s.hosts[host]
	s.hosts[host] = alias
	s.entries[alias] = entry
	if old != "" && old != alias && !s.referencedLocked(old) {
		delete(s.entries, old)
	}
	s.version++
	s.mu.Unlock()

	s.afterMutation()
	return entry, nil
}

func (s *Store) referencedLocked(alias string) bool {
	for _, a := range s.hosts {
		if a == alias {
			return true
		}
	}
	return false
}

func (s *Store) GetByAlias(alias string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[alias]
}

// Lookup resolves hostname through the index. It never generates.
func (s *Store) Lookup(hostname string) *Entry {
	host, err := pki.NormalizeHostname(hostname)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	alias, ok := s.hosts[host]
	if !ok {
		return nil
	}
	return s.entries[alias]
}

// Aliases lists the impersonated entries, sorted. The root is not included.
func (s *Store) Aliases() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.entries))
	for alias := range s.entries {
		out = append(out, alias)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Hostnames lists the indexed hostnames, sorted.
func (s *Store) Hostnames() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.hosts))
	for host := range s.hosts {
		out = append(out, host)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Clear drops every impersonated entry and both key maps. The root stays.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	s.hosts = make(map[string]string)
	s.pairs = make(map[string]keyPair)
	s.subs = make(map[string]substitute)
	s.version++
	s.mu.Unlock()

	s.log.Info("keystore cleared")
	s.afterMutation()
}
