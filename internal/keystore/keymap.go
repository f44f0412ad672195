package keystore

import (
	"crypto"
	"fmt"

	"terasu-mitm/internal/pki"
)

// RememberKeyPair records priv as the private half of pub. The first pair
// recorded for a public key wins; later calls are no-ops.
func (s *Store) RememberKeyPair(pub crypto.PublicKey, priv crypto.Signer) error {
	if !pki.PublicKeysEqual(pub, priv.Public()) {
		return ErrKeyMismatch
	}
	pubDER, err := pki.MarshalPublicKey(pub)
	if err != nil {
		return fmt.Errorf("keystore: remember pair: %w", err)
	}
	privDER, err := pki.MarshalPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("keystore: remember pair: %w", err)
	}

	s.mu.Lock()
	_, exists := s.pairs[string(pubDER)]
	if !exists {
		s.pairs[string(pubDER)] = keyPair{key: priv, privDER: privDER}
		s.version++
	}
	s.mu.Unlock()

	if !exists {
		s.afterMutation()
	}
	return nil
}

func (s *Store) PrivateKeyFor(pub crypto.PublicKey) (crypto.Signer, bool) {
	der, err := pki.MarshalPublicKey(pub)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.pairs[string(der)]
	return kp.key, ok
}

// MapSubstitute records substitute as the stand-in for original and returns
// the authoritative substitute: the new one, or the one recorded earlier.
func (s *Store) MapSubstitute(original, sub crypto.PublicKey) (crypto.PublicKey, error) {
	origDER, err := pki.MarshalPublicKey(original)
	if err != nil {
		return nil, fmt.Errorf("keystore: map substitute: %w", err)
	}
	subDER, err := pki.MarshalPublicKey(sub)
	if err != nil {
		return nil, fmt.Errorf("keystore: map substitute: %w", err)
	}

	s.mu.Lock()
	if prev, ok := s.subs[string(origDER)]; ok {
		s.mu.Unlock()
		return prev.pub, nil
	}
	s.subs[string(origDER)] = substitute{pub: sub, der: subDER}
	s.version++
	s.mu.Unlock()

	s.afterMutation()
	return sub, nil
}

func (s *Store) SubstituteFor(original crypto.PublicKey) (crypto.PublicKey, bool) {
	der, err := pki.MarshalPublicKey(original)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[string(der)]
	return sub.pub, ok
}
