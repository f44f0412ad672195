package keystore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"terasu-mitm/internal/record"
)

type artifact struct {
	name    string
	kind    record.Kind
	records []record.Record
}

type snapshot struct {
	version   uint64
	artifacts []artifact
}

func sortedRecords[V any](m map[string]V, value func(V) []byte) []record.Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]record.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, record.Record{Key: []byte(k), Value: value(m[k])})
	}
	return out
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks := make([]record.Record, 0, len(s.entries)+1)
	ks = append(ks, record.Record{Key: []byte(RootAlias), Value: s.root.blob})
	ks = append(ks, sortedRecords(s.entries, func(e *Entry) []byte { return e.blob })...)

	return snapshot{
		version: s.version,
		artifacts: []artifact{
			{KeystoreFile, record.KindKeystore, ks},
			{HostIndexFile, record.KindHostIndex, sortedRecords(s.hosts, func(a string) []byte { return []byte(a) })},
			{KeyPairsFile, record.KindKeyPairs, sortedRecords(s.pairs, func(kp keyPair) []byte { return kp.privDER })},
			{SubstitutesFile, record.KindSubstitutes, sortedRecords(s.subs, func(sub substitute) []byte { return sub.der })},
		},
	}
}

// PersistAll writes the keystore file and the three maps. The state is
// captured under the store lock and written outside it, so lookups are
// never blocked on disk I/O. Every artifact is attempted, except that the
// hostname index is held back when the keystore file could not be written.
//
// A keystore file failure returns an error wrapping ErrKeystorePersistence;
// map failures alone return a *PartialFailure. Either way the store stays
// dirty and the next call retries.
func (s *Store) PersistAll() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.snapshot()
	var keystoreErr error
	failed := make(map[string]error)
	for _, a := range snap.artifacts {
		if a.kind == record.KindHostIndex && keystoreErr != nil {
			// the index must not name entries the keystore file lacks
			continue
		}
		err := record.WriteFile(s.path(a.name), a.kind, a.records)
		if err == nil {
			continue
		}
		if a.kind == record.KindKeystore {
			keystoreErr = fmt.Errorf("%w: %w", ErrKeystorePersistence, err)
			continue
		}
		failed[a.name] = err
	}

	var partial *PartialFailure
	if len(failed) > 0 {
		partial = &PartialFailure{Failed: failed}
		s.log.WithError(partial).Warn("auxiliary maps not persisted")
	}
	switch {
	case keystoreErr != nil:
		s.log.WithError(keystoreErr).Error("keystore file not persisted")
		if partial != nil {
			return errors.Join(keystoreErr, partial)
		}
		return keystoreErr
	case partial != nil:
		return partial
	}

	s.mu.Lock()
	if snap.version > s.persisted {
		s.persisted = snap.version
	}
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{
		"entries": len(snap.artifacts[0].records),
		"hosts":   len(snap.artifacts[1].records),
	}).Debug("keystore persisted")
	return nil
}

func (s *Store) afterMutation() {
	if !s.PersistImmediately() {
		return
	}
	if err := s.PersistAll(); err != nil && s.onPersistError != nil {
		s.onPersistError(err)
	}
}

// SetPersistImmediately switches between immediate and batched persistence.
func (s *Store) SetPersistImmediately(on bool) {
	s.mu.Lock()
	s.immediate = on
	s.mu.Unlock()
}

func (s *Store) PersistImmediately() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.immediate
}

// Dirty reports whether in-memory state has changed since the last
// successful PersistAll.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version != s.persisted
}
