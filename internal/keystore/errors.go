package keystore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrStoreCorrupt means a persisted artifact exists but cannot be trusted.
	// It is fatal at startup; recovery is deleting the directory.
	ErrStoreCorrupt = errors.New("keystore: store corrupt")
	// ErrKeystorePersistence means the keystore file itself failed to write.
	ErrKeystorePersistence = errors.New("keystore: keystore file not persisted")
	// ErrPersistencePartial is wrapped by *PartialFailure.
	ErrPersistencePartial = errors.New("keystore: auxiliary map not persisted")
	// ErrKeyMismatch is returned when a private key does not belong to the
	// public key it is filed under.
	ErrKeyMismatch = errors.New("keystore: private key does not match public key")
)

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStoreCorrupt, fmt.Sprintf(format, args...))
}

// PartialFailure lists the auxiliary artifacts that failed to write during
// one PersistAll. Returned alone, it means the keystore file was written;
// PersistAll joins it with ErrKeystorePersistence when that write failed too.
type PartialFailure struct {
	Failed map[string]error
}

func (p *PartialFailure) Error() string {
	names := make([]string, 0, len(p.Failed))
	for name := range p.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+p.Failed[name].Error())
	}
	return ErrPersistencePartial.Error() + ": " + strings.Join(parts, "; ")
}

func (p *PartialFailure) Unwrap() []error {
	errs := []error{ErrPersistencePartial}
	for _, err := range p.Failed {
		errs = append(errs, err)
	}
	return errs
}
