package keystore

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terasu-mitm/internal/pki"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testOptions(dir string) Options {
	return Options{
		Dir:    dir,
		Root:   RootOptions{Key: pki.KeySpec{Algorithm: pki.AlgorithmEC}},
		Logger: quietLogger(),
	}
}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(testOptions(dir))
	require.NoError(t, err)
	return s
}

// issue signs a leaf for host with the store's root.
func issue(t *testing.T, s *Store, host string) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	gen, err := pki.NewKeyGenerator(pki.KeySpec{Algorithm: pki.AlgorithmEC})
	require.NoError(t, err)
	key, err := gen.Generate()
	require.NoError(t, err)
	info, err := pki.HostnameInfo([]string{host}, time.Now())
	require.NoError(t, err)
	tmpl, err := pki.NewLeafTemplate(info)
	require.NoError(t, err)
	cert, err := pki.Sign(tmpl, s.SigningCertificate(), key.Public(), s.SigningPrivateKey(), "")
	require.NoError(t, err)
	return cert, key
}

func newKey(t *testing.T) crypto.Signer {
	t.Helper()
	gen, _ := pki.NewKeyGenerator(pki.KeySpec{Algorithm: pki.AlgorithmEC})
	key, err := gen.Generate()
	require.NoError(t, err)
	return key
}

func TestBootstrapRSARoot(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{
		Dir:    dir,
		Root:   RootOptions{Key: pki.KeySpec{Algorithm: "RSA", Size: 2048}, Digest: "SHA256"},
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	root := s.SigningCertificate()
	assert.Equal(t, root.Subject.String(), root.Issuer.String())
	assert.True(t, root.IsCA)
	assert.Equal(t, x509.SHA256WithRSA, root.SignatureAlgorithm)
	require.NoError(t, root.CheckSignatureFrom(root))

	ra := s.Root()
	assert.Equal(t, "SHA256", ra.Digest)
	assert.Equal(t, pki.KeySpec{Algorithm: pki.AlgorithmRSA, Size: 2048}, ra.Key)

	// the root key signs data that verifies under the root certificate
	digest := sha256.Sum256([]byte("arbitrary data"))
	sig, err := s.SigningPrivateKey().Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	require.NoError(t, root.CheckSignature(x509.SHA256WithRSA, []byte("arbitrary data"), sig))

	// bootstrap persists at once, whatever the policy
	_, err = os.Stat(filepath.Join(dir, KeystoreFile))
	require.NoError(t, err)
	assert.False(t, s.Dirty())
}

func TestBootstrapPersistsInBatchedMode(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.Persist = Batched
	s, err := Open(opts)
	require.NoError(t, err)
	assert.False(t, s.PersistImmediately())

	reopened := openStore(t, dir)
	assert.Equal(t, s.SigningCertificate().Raw, reopened.SigningCertificate().Raw)
}

func TestPutReplacesHostnameEntry(t *testing.T) {
	s := openStore(t, t.TempDir())

	cert1, key1 := issue(t, s, "news.example.com")
	e1, err := s.Put("News.Example.com", cert1, key1)
	require.NoError(t, err)
	assert.Equal(t, pki.Thumbprint(cert1), e1.Alias)
	assert.Same(t, e1, s.Lookup("news.example.com"))
	assert.Same(t, e1, s.GetByAlias(e1.Alias))

	cert2, key2 := issue(t, s, "news.example.com")
	e2, err := s.Put("news.example.com", cert2, key2)
	require.NoError(t, err)
	assert.Same(t, e2, s.Lookup("news.example.com"))
	assert.Nil(t, s.GetByAlias(e1.Alias), "stale entry must be dropped")
	assert.Equal(t, []string{e2.Alias}, s.Aliases())
}

func TestPutKeepsSharedEntry(t *testing.T) {
	s := openStore(t, t.TempDir())
	cert, key := issue(t, s, "a.example.com")
	shared, err := s.Put("a.example.com", cert, key)
	require.NoError(t, err)
	_, err = s.Put("b.example.com", cert, key)
	require.NoError(t, err)

	cert2, key2 := issue(t, s, "a.example.com")
	_, err = s.Put("a.example.com", cert2, key2)
	require.NoError(t, err)
	assert.NotNil(t, s.GetByAlias(shared.Alias), "b.example.com still points at it")
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, s.Hostnames())
}

func TestPutRejectsBadInput(t *testing.T) {
	s := openStore(t, t.TempDir())
	cert, _ := issue(t, s, "a.example.com")

	_, err := s.Put("a.example.com", cert, newKey(t))
	assert.ErrorIs(t, err, ErrKeyMismatch)

	_, key := issue(t, s, "a.example.com")
	_, err = s.Put("bad host", cert, key)
	assert.ErrorIs(t, err, pki.ErrInvalidHostname)
	assert.Empty(t, s.Aliases())
}

func TestRememberKeyPairFirstWriteWins(t *testing.T) {
	s := openStore(t, t.TempDir())
	k := newKey(t)
	require.NoError(t, s.RememberKeyPair(k.Public(), k))
	require.NoError(t, s.RememberKeyPair(k.Public(), k))

	got, ok := s.PrivateKeyFor(k.Public())
	require.True(t, ok)
	assert.True(t, pki.PublicKeysEqual(k.Public(), got.Public()))

	err := s.RememberKeyPair(k.Public(), newKey(t))
	assert.ErrorIs(t, err, ErrKeyMismatch)

	_, ok = s.PrivateKeyFor(newKey(t).Public())
	assert.False(t, ok)
}

func TestMapSubstituteFirstWriteWins(t *testing.T) {
	s := openStore(t, t.TempDir())
	orig, s1, s2 := newKey(t).Public(), newKey(t).Public(), newKey(t).Public()

	got, err := s.MapSubstitute(orig, s1)
	require.NoError(t, err)
	assert.True(t, pki.PublicKeysEqual(s1, got))

	got, err = s.MapSubstitute(orig, s2)
	require.NoError(t, err)
	assert.True(t, pki.PublicKeysEqual(s1, got), "existing substitute is authoritative")

	sub, ok := s.SubstituteFor(orig)
	require.True(t, ok)
	assert.True(t, pki.PublicKeysEqual(s1, sub))

	// values need not be unique across originals
	other := newKey(t).Public()
	got, err = s.MapSubstitute(other, s1)
	require.NoError(t, err)
	assert.True(t, pki.PublicKeysEqual(s1, got))
}

func TestMapSubstituteConcurrent(t *testing.T) {
	s := openStore(t, t.TempDir())
	s.SetPersistImmediately(false)
	orig := newKey(t).Public()

	const n = 16
	subs := make([]crypto.PublicKey, n)
	for i := range subs {
		subs[i] = newKey(t).Public()
	}
	results := make([]crypto.PublicKey, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.MapSubstitute(orig, subs[i])
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	winner, ok := s.SubstituteFor(orig)
	require.True(t, ok)
	for _, r := range results {
		assert.True(t, pki.PublicKeysEqual(winner, r))
	}
}

func TestRoundTripPersistence(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	cert, key := issue(t, s, "news.example.com")
	entry, err := s.Put("news.example.com", cert, key)
	require.NoError(t, err)
	pair := newKey(t)
	require.NoError(t, s.RememberKeyPair(pair.Public(), pair))
	orig, sub := newKey(t).Public(), newKey(t).Public()
	_, err = s.MapSubstitute(orig, sub)
	require.NoError(t, err)
	require.NoError(t, s.PersistAll())

	r := openStore(t, dir)
	assert.Equal(t, s.SigningCertificate().Raw, r.SigningCertificate().Raw)
	assert.True(t, pki.PublicKeysEqual(s.SigningPrivateKey().Public(), r.SigningPrivateKey().Public()))
	assert.Equal(t, s.Hostnames(), r.Hostnames())
	assert.Equal(t, s.Aliases(), r.Aliases())

	loaded := r.Lookup("news.example.com")
	require.NotNil(t, loaded)
	assert.Equal(t, entry.Certificate.Raw, loaded.Certificate.Raw)
	assert.True(t, pki.PublicKeysEqual(key.Public(), loaded.PrivateKey.Public()))
	require.Len(t, loaded.Chain, 1)
	assert.Equal(t, s.SigningCertificate().Raw, loaded.Chain[0].Raw)

	priv, ok := r.PrivateKeyFor(pair.Public())
	require.True(t, ok)
	assert.True(t, pki.PublicKeysEqual(pair.Public(), priv.Public()))
	gotSub, ok := r.SubstituteFor(orig)
	require.True(t, ok)
	assert.True(t, pki.PublicKeysEqual(sub, gotSub))
	assert.False(t, r.Dirty())
}

func TestCorruptAuxiliaryMapRejected(t *testing.T) {
	for _, name := range []string{HostIndexFile, KeyPairsFile, SubstitutesFile} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s := openStore(t, dir)
			cert, key := issue(t, s, "a.example.com")
			_, err := s.Put("a.example.com", cert, key)
			require.NoError(t, err)
			k := newKey(t)
			require.NoError(t, s.RememberKeyPair(k.Public(), k))
			_, err = s.MapSubstitute(newKey(t).Public(), k.Public())
			require.NoError(t, err)

			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o600))

			_, err = Open(testOptions(dir))
			assert.ErrorIs(t, err, ErrStoreCorrupt)
		})
	}
}

func TestCorruptKeystoreRejected(t *testing.T) {
	dir := t.TempDir()
	openStore(t, dir)
	path := filepath.Join(dir, KeystoreFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = Open(testOptions(dir))
	assert.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestWrongPasswordRejected(t *testing.T) {
	dir := t.TempDir()
	openStore(t, dir)
	opts := testOptions(dir)
	opts.Password = "not the password"
	_, err := Open(opts)
	assert.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestMissingKeystoreWithMapsRejected(t *testing.T) {
	dir := t.TempDir()
	openStore(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, KeystoreFile)))

	_, err := Open(testOptions(dir))
	assert.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestMissingMapsStartEmpty(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	for _, name := range auxFiles {
		require.NoError(t, os.Remove(filepath.Join(dir, name)))
	}
	r := openStore(t, dir)
	assert.Equal(t, s.SigningCertificate().Raw, r.SigningCertificate().Raw)
	assert.Empty(t, r.Hostnames())
}

func TestDanglingIndexEntryDropped(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	cert, key := issue(t, s, "a.example.com")
	_, err := s.Put("a.example.com", cert, key)
	require.NoError(t, err)

	// keystore from before the Put, index from after it
	hosts, err := os.ReadFile(filepath.Join(dir, HostIndexFile))
	require.NoError(t, err)
	s.Clear()
	require.NoError(t, os.WriteFile(filepath.Join(dir, HostIndexFile), hosts, 0o600))

	r := openStore(t, dir)
	assert.Nil(t, r.Lookup("a.example.com"))
	assert.Empty(t, r.Hostnames())
	assert.Equal(t, s.SigningCertificate().Raw, r.SigningCertificate().Raw)
	assert.True(t, r.Dirty(), "the cleaned index is written on the next persist")

	require.NoError(t, r.PersistAll())
	assert.False(t, openStore(t, dir).Dirty())
}

func TestRenewalSurvivesStaleIndex(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	cert, key := issue(t, s, "a.example.com")
	_, err := s.Put("a.example.com", cert, key)
	require.NoError(t, err)
	stale, err := os.ReadFile(filepath.Join(dir, HostIndexFile))
	require.NoError(t, err)

	renewed, renewedKey := issue(t, s, "a.example.com")
	_, err = s.Put("a.example.com", renewed, renewedKey)
	require.NoError(t, err)
	// crash after the keystore rename, before the index rename
	require.NoError(t, os.WriteFile(filepath.Join(dir, HostIndexFile), stale, 0o600))

	r := openStore(t, dir)
	assert.Nil(t, r.Lookup("a.example.com"))
	assert.Equal(t, []string{pki.Thumbprint(renewed)}, r.Aliases())
}

func TestKeystoreFailureHoldsBackIndex(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ksPath := filepath.Join(dir, KeystoreFile)
	before, err := os.ReadFile(ksPath)
	require.NoError(t, err)

	blockPath(t, ksPath)
	cert, key := issue(t, s, "a.example.com")
	_, err = s.Put("a.example.com", cert, key)
	require.NoError(t, err)
	err = s.PersistAll()
	assert.ErrorIs(t, err, ErrKeystorePersistence)
	assert.NotErrorIs(t, err, ErrPersistencePartial)

	// what a failed rename leaves behind
	require.NoError(t, os.RemoveAll(ksPath))
	require.NoError(t, os.WriteFile(ksPath, before, 0o600))

	r := openStore(t, dir)
	assert.Nil(t, r.Lookup("a.example.com"))
	assert.Empty(t, r.Hostnames())
	assert.False(t, r.Dirty(), "no index entry was written")
}

func TestBatchedModeWritesOnlyOnPersistAll(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.Persist = Batched
	s, err := Open(opts)
	require.NoError(t, err)

	cert, key := issue(t, s, "a.example.com")
	_, err = s.Put("a.example.com", cert, key)
	require.NoError(t, err)
	assert.True(t, s.Dirty())
	assert.NotNil(t, s.Lookup("a.example.com"), "read-your-own-write")
	assert.Empty(t, openStore(t, dir).Hostnames())

	require.NoError(t, s.PersistAll())
	assert.False(t, s.Dirty())
	assert.Equal(t, []string{"a.example.com"}, openStore(t, dir).Hostnames())
}

// blockPath replaces path with a non-empty directory so renames onto it fail.
func blockPath(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "blocker"), 0o700))
}

func TestPartialFailure(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	s.SetPersistImmediately(false)
	cert, key := issue(t, s, "a.example.com")
	_, err := s.Put("a.example.com", cert, key)
	require.NoError(t, err)

	blockPath(t, filepath.Join(dir, HostIndexFile))
	err = s.PersistAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistencePartial)
	assert.NotErrorIs(t, err, ErrKeystorePersistence)

	var pf *PartialFailure
	require.True(t, errors.As(err, &pf))
	assert.Contains(t, pf.Failed, HostIndexFile)
	assert.Len(t, pf.Failed, 1)
	assert.True(t, s.Dirty(), "retried on the next cycle")

	// the other artifacts were still written
	_, err = os.Stat(filepath.Join(dir, KeyPairsFile))
	assert.NoError(t, err)
	assert.NotNil(t, s.Lookup("a.example.com"))

	require.NoError(t, os.RemoveAll(filepath.Join(dir, HostIndexFile)))
	require.NoError(t, s.PersistAll())
	assert.False(t, s.Dirty())
}

func TestKeystoreFailure(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	var reported []error
	s.onPersistError = func(err error) { reported = append(reported, err) }

	blockPath(t, filepath.Join(dir, KeystoreFile))
	cert, key := issue(t, s, "a.example.com")
	entry, err := s.Put("a.example.com", cert, key)
	require.NoError(t, err, "immediate persistence errors do not fail the mutation")
	assert.Same(t, entry, s.Lookup("a.example.com"))
	assert.True(t, s.Dirty())

	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], ErrKeystorePersistence)

	err = s.PersistAll()
	assert.ErrorIs(t, err, ErrKeystorePersistence)
}

func TestClearKeepsRoot(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	cert, key := issue(t, s, "a.example.com")
	_, err := s.Put("a.example.com", cert, key)
	require.NoError(t, err)
	k := newKey(t)
	require.NoError(t, s.RememberKeyPair(k.Public(), k))

	s.Clear()
	assert.Empty(t, s.Aliases())
	assert.Empty(t, s.Hostnames())
	_, ok := s.PrivateKeyFor(k.Public())
	assert.False(t, ok)

	r := openStore(t, dir)
	assert.Equal(t, s.SigningCertificate().Raw, r.SigningCertificate().Raw)
	assert.Empty(t, r.Hostnames())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("Batched")
	require.NoError(t, err)
	assert.Equal(t, Batched, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Immediate, p)
	_, err = ParsePolicy("sometimes")
	assert.Error(t, err)
}
