package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "native", cfg.Engine)
	assert.Equal(t, "immediate", cfg.Keystore.Persist)
	assert.Equal(t, "password", cfg.Keystore.Password)
	assert.Equal(t, 5*time.Minute, cfg.Leaf.ContextTTL)
	assert.Equal(t, "RSA", cfg.Root.KeyAlgorithm)
	assert.Zero(t, cfg.Root.KeySize)
	assert.False(t, cfg.Upstream.TrustAll)
}

func TestLoadYAML(t *testing.T) {
	path := write(t, "config.yaml", `
listen: 127.0.0.1:9090
mode: list
intercept_list: [example.com, example.org]
keystore:
  dir: /var/lib/terasu-mitm
  persist: batched
  flush_interval: 10s
leaf:
  key_algorithm: EC
  key_size: 384
  context_ttl: 1m
upstream:
  trust_all: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Listen)
	assert.Equal(t, []string{"example.com", "example.org"}, cfg.InterceptList)
	assert.Equal(t, "batched", cfg.Keystore.Persist)
	assert.Equal(t, 10*time.Second, cfg.Keystore.FlushInterval)
	assert.Equal(t, "EC", cfg.Leaf.KeyAlgorithm)
	assert.Equal(t, 384, cfg.Leaf.KeySize)
	assert.Equal(t, time.Minute, cfg.Leaf.ContextTTL)
	assert.True(t, cfg.Upstream.TrustAll)
	// untouched sections keep their defaults
	assert.Equal(t, "SHA256", cfg.Root.Digest)
}

func TestLoadTOML(t *testing.T) {
	path := write(t, "config.toml", `
engine = "goproxy"
bypass_list = ["bank.example.com"]

[keystore]
dir = "ks"
password = "s3cret"

[root]
key_algorithm = "EC"
key_size = 256
digest = "SHA384"

[logging]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "goproxy", cfg.Engine)
	assert.Equal(t, []string{"bank.example.com"}, cfg.BypassList)
	assert.Equal(t, "ks", cfg.Keystore.Dir)
	assert.Equal(t, "s3cret", cfg.Keystore.Password)
	assert.Equal(t, "EC", cfg.Root.KeyAlgorithm)
	assert.Equal(t, "SHA384", cfg.Root.Digest)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TERASU_MITM_LISTEN", ":1234")
	t.Setenv("TERASU_MITM_KEYSTORE_PERSIST", "batched")
	t.Setenv("TERASU_MITM_INTERCEPT_LIST", " a.example.com, ,b.example.com ")
	t.Setenv("TERASU_MITM_LEAF_KEY_POOL", "0")
	t.Setenv("TERASU_MITM_LEAF_CONTEXT_TTL", "90s")
	t.Setenv("TERASU_MITM_UPSTREAM_TRUST_ALL", "true")

	path := write(t, "config.yaml", "listen: 127.0.0.1:9090\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.Listen)
	assert.Equal(t, "batched", cfg.Keystore.Persist)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.InterceptList)
	assert.Equal(t, 0, cfg.Leaf.KeyPool)
	assert.Equal(t, 90*time.Second, cfg.Leaf.ContextTTL)
	assert.True(t, cfg.Upstream.TrustAll)
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("TERASU_MITM_LEAF_CONTEXT_TTL", "soon")
	_, err := Load("")
	assert.ErrorContains(t, err, "TERASU_MITM_LEAF_CONTEXT_TTL")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"engine":         func(c *Config) { c.Engine = "squid" },
		"mode":           func(c *Config) { c.Mode = "some" },
		"persist":        func(c *Config) { c.Keystore.Persist = "eventually" },
		"dns mode":       func(c *Config) { c.Upstream.DNSMode = "hosts" },
		"flush interval": func(c *Config) { c.Keystore.FlushInterval = 0 },
		"context ttl":    func(c *Config) { c.Leaf.ContextTTL = -time.Second },
		"root validity":  func(c *Config) { c.Root.Validity = 0 },
		"fragment len":   func(c *Config) { c.Upstream.FragmentLen = 300 },
		"key pool":       func(c *Config) { c.Leaf.KeyPool = -1 },
		"log format":     func(c *Config) { c.Logging.Format = "xml" },
		"keystore dir":   func(c *Config) { c.Keystore.Dir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
