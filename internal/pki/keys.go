// Package pki holds the key and certificate primitives shared by the
// keystore and the impersonation cache.
package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")
	ErrUnsupportedDigest    = errors.New("unsupported signature digest")
)

const (
	AlgorithmRSA     = "RSA"
	AlgorithmEC      = "EC"
	AlgorithmEd25519 = "ED25519"

	DefaultRSABits = 2048
	DefaultECBits  = 256
	DefaultDigest  = "SHA256"
	minRSABits     = 1024
)

// KeySpec names a key algorithm and size, e.g. {"RSA", 2048} or {"EC", 384}.
type KeySpec struct {
	Algorithm string
	Size      int
}

func (s KeySpec) String() string {
	if s.normalizedAlgorithm() == AlgorithmEd25519 {
		return AlgorithmEd25519
	}
	return fmt.Sprintf("%s-%d", s.normalizedAlgorithm(), s.Size)
}

func (s KeySpec) normalizedAlgorithm() string {
	switch a := strings.ToUpper(strings.TrimSpace(s.Algorithm)); a {
	case "", AlgorithmRSA:
		return AlgorithmRSA
	case AlgorithmEC, "ECDSA", "ECC":
		return AlgorithmEC
	case AlgorithmEd25519, "EDDSA":
		return AlgorithmEd25519
	default:
		return a
	}
}

// Normalize fills defaults and validates the spec.
func (s KeySpec) Normalize() (KeySpec, error) {
	out := KeySpec{Algorithm: s.normalizedAlgorithm(), Size: s.Size}
	switch out.Algorithm {
	case AlgorithmRSA:
		if out.Size == 0 {
			out.Size = DefaultRSABits
		}
		if out.Size < minRSABits {
			return out, fmt.Errorf("%w: RSA key size %d is below %d", ErrUnsupportedAlgorithm, out.Size, minRSABits)
		}
	case AlgorithmEC:
		if out.Size == 0 {
			out.Size = DefaultECBits
		}
		if _, err := curveFor(out.Size); err != nil {
			return out, err
		}
	case AlgorithmEd25519:
		out.Size = 0
	default:
		return out, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s.Algorithm)
	}
	return out, nil
}

func curveFor(bits int) (elliptic.Curve, error) {
	switch bits {
	case 256:
		return elliptic.P256(), nil
	case 384:
		return elliptic.P384(), nil
	case 521:
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("%w: no curve with %d bits", ErrUnsupportedAlgorithm, bits)
}

// SpecOf reports the algorithm and size of an existing public key.
func SpecOf(pub crypto.PublicKey) KeySpec {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return KeySpec{Algorithm: AlgorithmRSA, Size: k.N.BitLen()}
	case *ecdsa.PublicKey:
		return KeySpec{Algorithm: AlgorithmEC, Size: k.Curve.Params().BitSize}
	case ed25519.PublicKey:
		return KeySpec{Algorithm: AlgorithmEd25519}
	}
	return KeySpec{Algorithm: fmt.Sprintf("%T", pub)}
}

// KeyGenerator produces fresh private keys.
type KeyGenerator interface {
	Generate() (crypto.Signer, error)
}

// GeneratorFunc adapts a function to KeyGenerator.
type GeneratorFunc func() (crypto.Signer, error)

func (f GeneratorFunc) Generate() (crypto.Signer, error) { return f() }

// NewKeyGenerator returns a generator for spec.
func NewKeyGenerator(spec KeySpec) (KeyGenerator, error) {
	spec, err := spec.Normalize()
	if err != nil {
		return nil, err
	}
	switch spec.Algorithm {
	case AlgorithmRSA:
		bits := spec.Size
		return GeneratorFunc(func() (crypto.Signer, error) {
			return rsa.GenerateKey(rand.Reader, bits)
		}), nil
	case AlgorithmEC:
		curve, _ := curveFor(spec.Size)
		return GeneratorFunc(func() (crypto.Signer, error) {
			return ecdsa.GenerateKey(curve, rand.Reader)
		}), nil
	default:
		return GeneratorFunc(func() (crypto.Signer, error) {
			_, key, err := ed25519.GenerateKey(rand.Reader)
			return key, err
		}), nil
	}
}

// KeyPool keeps up to size pre-generated keys so a cache miss does not pay
// for key generation on the handshake path.
type KeyPool struct {
	gen  KeyGenerator
	keys chan crypto.Signer
}

// NewKeyPool starts filling the pool in the background until ctx is done.
func NewKeyPool(ctx context.Context, gen KeyGenerator, size int) *KeyPool {
	p := &KeyPool{gen: gen, keys: make(chan crypto.Signer, size)}
	if size > 0 {
		go p.fill(ctx)
	}
	return p
}

func (p *KeyPool) fill(ctx context.Context) {
	for {
		key, err := p.gen.Generate()
		if err != nil {
			// generation errors resurface on the inline path in Generate
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		select {
		case p.keys <- key:
		case <-ctx.Done():
			return
		}
	}
}

// Generate takes a pooled key if one is ready, otherwise generates inline.
func (p *KeyPool) Generate() (crypto.Signer, error) {
	select {
	case key := <-p.keys:
		return key, nil
	default:
		return p.gen.Generate()
	}
}

// Ready reports how many keys are waiting in the pool.
func (p *KeyPool) Ready() int { return len(p.keys) }

// MarshalPublicKey returns the PKIX DER encoding used as the identity of a
// public key in maps and on disk.
func MarshalPublicKey(pub crypto.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

func ParsePublicKey(der []byte) (crypto.PublicKey, error) {
	return x509.ParsePKIXPublicKey(der)
}

func MarshalPrivateKey(key crypto.Signer) ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(key)
}

func ParsePrivateKey(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a signer", ErrUnsupportedAlgorithm, key)
	}
	return signer, nil
}

// PublicKeysEqual compares two public keys by value.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}
