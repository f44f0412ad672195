package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"terasu-mitm/internal/config"
	"terasu-mitm/internal/keystore"
	"terasu-mitm/internal/logging"
	"terasu-mitm/internal/mitm"
	"terasu-mitm/internal/pki"
)

// engine is the certificate side of the proxy: keystore, cache and
// context factory.
type engine struct {
	store   *keystore.Store
	cache   *mitm.Cache
	factory *mitm.ContextFactory
}

func openStore(cfg *config.Config, log logrus.FieldLogger) (*keystore.Store, error) {
	policy, err := keystore.ParsePolicy(cfg.Keystore.Persist)
	if err != nil {
		return nil, err
	}
	return keystore.Open(keystore.Options{
		Dir:      cfg.Keystore.Dir,
		Password: cfg.Keystore.Password,
		Persist:  policy,
		Logger:   log,
		Root: keystore.RootOptions{
			CommonName:   cfg.Root.CommonName,
			Organization: cfg.Root.Organization,
			Key:          pki.KeySpec{Algorithm: cfg.Root.KeyAlgorithm, Size: cfg.Root.KeySize},
			Digest:       cfg.Root.Digest,
			Validity:     cfg.Root.Validity,
		},
	})
}

// openEngine wires the keystore into a cache and factory. With pool set,
// leaf keys are pre-generated in the background until ctx is done.
func openEngine(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, pool bool) (*engine, error) {
	store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	var keys pki.KeyGenerator
	keys, err = pki.NewKeyGenerator(pki.KeySpec{Algorithm: cfg.Leaf.KeyAlgorithm, Size: cfg.Leaf.KeySize})
	if err != nil {
		return nil, err
	}
	if pool && cfg.Leaf.KeyPool > 0 {
		keys = pki.NewKeyPool(ctx, keys, cfg.Leaf.KeyPool)
	}
	cache, err := mitm.NewCache(store,
		mitm.WithKeyGenerator(keys),
		mitm.WithDigest(cfg.Leaf.Digest),
		mitm.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	factory := mitm.NewContextFactory(cache,
		mitm.WithContextTTL(cfg.Leaf.ContextTTL),
		mitm.WithTrustAllUpstream(cfg.Upstream.TrustAll),
		mitm.WithDefaultHost(cfg.Leaf.DefaultHost),
		mitm.WithFactoryLogger(log),
	)
	return &engine{store: store, cache: cache, factory: factory}, nil
}

// commandLogger serves the one-shot commands, whose output is the result:
// it writes to stderr and stays at warn unless debug was asked for.
func commandLogger(cfg *config.Config) logrus.FieldLogger {
	l := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	l.SetOutput(os.Stderr)
	if l.GetLevel() < logrus.DebugLevel {
		l.SetLevel(logrus.WarnLevel)
	}
	return l
}
