package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type BasicAuth struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

type Security struct {
	BasicAuth BasicAuth `yaml:"basic_auth" toml:"basic_auth"`
}

type Limits struct {
	MaxConns     int           `yaml:"max_conns" toml:"max_conns"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
}

type Keystore struct {
	Dir      string `yaml:"dir" toml:"dir"`
	Password string `yaml:"password" toml:"password"`
	// Persist is "immediate" or "batched".
	Persist       string        `yaml:"persist" toml:"persist"`
	FlushInterval time.Duration `yaml:"flush_interval" toml:"flush_interval"`
}

// Root only applies when a new keystore is bootstrapped.
type Root struct {
	CommonName   string `yaml:"common_name" toml:"common_name"`
	Organization string `yaml:"organization" toml:"organization"`
	KeyAlgorithm string `yaml:"key_algorithm" toml:"key_algorithm"`
	// KeySize 0 picks the algorithm's default (RSA 2048, EC 256).
	KeySize  int           `yaml:"key_size" toml:"key_size"`
	Digest   string        `yaml:"digest" toml:"digest"`
	Validity time.Duration `yaml:"validity" toml:"validity"`
}

type Leaf struct {
	KeyAlgorithm string `yaml:"key_algorithm" toml:"key_algorithm"`
	KeySize      int    `yaml:"key_size" toml:"key_size"`
	// Digest defaults to the root's.
	Digest     string        `yaml:"digest" toml:"digest"`
	KeyPool    int           `yaml:"key_pool" toml:"key_pool"`
	ContextTTL time.Duration `yaml:"context_ttl" toml:"context_ttl"`
	// DefaultHost is served to clients that send no SNI.
	DefaultHost string `yaml:"default_host" toml:"default_host"`
}

type Upstream struct {
	// TrustAll disables upstream certificate verification. Testing only.
	TrustAll bool   `yaml:"trust_all" toml:"trust_all"`
	DNSMode  string `yaml:"dns_mode" toml:"dns_mode"` // terasu | system | auto
	// FragmentLen is the first ClientHello fragment length; 0 disables.
	FragmentLen int `yaml:"fragment_len" toml:"fragment_len"`
	// Mirror copies the upstream certificate's names and key substitution.
	Mirror bool `yaml:"mirror" toml:"mirror"`
}

type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text | json
}

type Metrics struct {
	Addr string `yaml:"addr" toml:"addr"`
}

type Config struct {
	Listen        string   `yaml:"listen" toml:"listen"`
	Engine        string   `yaml:"engine" toml:"engine"` // native | goproxy
	Mode          string   `yaml:"mode" toml:"mode"`     // all | list
	InterceptList []string `yaml:"intercept_list" toml:"intercept_list"`
	BypassList    []string `yaml:"bypass_list" toml:"bypass_list"`
	Keystore      Keystore `yaml:"keystore" toml:"keystore"`
	Root          Root     `yaml:"root" toml:"root"`
	Leaf          Leaf     `yaml:"leaf" toml:"leaf"`
	Upstream      Upstream `yaml:"upstream" toml:"upstream"`
	Security      Security `yaml:"security" toml:"security"`
	Limits        Limits   `yaml:"limits" toml:"limits"`
	Logging       Logging  `yaml:"logging" toml:"logging"`
	Metrics       Metrics  `yaml:"metrics" toml:"metrics"`
}

func defaultConfig() *Config {
	return &Config{
		Listen: "0.0.0.0:8080",
		Engine: "native",
		Mode:   "all",
		Keystore: Keystore{
			Dir:           "keystore",
			Password:      "password",
			Persist:       "immediate",
			FlushInterval: 30 * time.Second,
		},
		Root: Root{
			CommonName:   "terasu-mitm Root CA",
			Organization: "terasu-mitm",
			KeyAlgorithm: "RSA",
			Digest:       "SHA256",
			Validity:     10 * 365 * 24 * time.Hour,
		},
		Leaf:     Leaf{KeyAlgorithm: "RSA", KeyPool: 8, ContextTTL: 5 * time.Minute},
		Upstream: Upstream{DNSMode: "auto", FragmentLen: 3},
		Limits:   Limits{MaxConns: 4096, ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second},
		Logging:  Logging{Level: "info", Format: "text"},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config { return defaultConfig() }

// Load loads config from a yaml or toml file (by extension); empty path
// loads defaults only. TERASU_MITM_* environment variables override both.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(string(b), cfg); err != nil {
				return nil, fmt.Errorf("parse toml: %w", err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(v string) []string {
	var list []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			list = append(list, p)
		}
	}
	return list
}

const envPrefix = "TERASU_MITM_"

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"LISTEN":              &cfg.Listen,
		"ENGINE":              &cfg.Engine,
		"MODE":                &cfg.Mode,
		"KEYSTORE_DIR":        &cfg.Keystore.Dir,
		"KEYSTORE_PASSWORD":   &cfg.Keystore.Password,
		"KEYSTORE_PERSIST":    &cfg.Keystore.Persist,
		"ROOT_COMMON_NAME":    &cfg.Root.CommonName,
		"ROOT_KEY_ALGORITHM":  &cfg.Root.KeyAlgorithm,
		"ROOT_DIGEST":         &cfg.Root.Digest,
		"LEAF_KEY_ALGORITHM":  &cfg.Leaf.KeyAlgorithm,
		"LEAF_DIGEST":         &cfg.Leaf.Digest,
		"LEAF_DEFAULT_HOST":   &cfg.Leaf.DefaultHost,
		"DNS_MODE":            &cfg.Upstream.DNSMode,
		"LOG_LEVEL":           &cfg.Logging.Level,
		"LOG_FORMAT":          &cfg.Logging.Format,
		"METRICS_ADDR":        &cfg.Metrics.Addr,
		"BASIC_AUTH_USERNAME": &cfg.Security.BasicAuth.Username,
		"BASIC_AUTH_PASSWORD": &cfg.Security.BasicAuth.Password,
	}
	for name, dst := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	lists := map[string]*[]string{
		"INTERCEPT_LIST": &cfg.InterceptList,
		"BYPASS_LIST":    &cfg.BypassList,
	}
	for name, dst := range lists {
		if v := os.Getenv(envPrefix + name); v != "" {
			if list := splitList(v); len(list) > 0 {
				*dst = list
			}
		}
	}

	ints := map[string]*int{
		"ROOT_KEY_SIZE":    &cfg.Root.KeySize,
		"LEAF_KEY_SIZE":    &cfg.Leaf.KeySize,
		"LEAF_KEY_POOL":    &cfg.Leaf.KeyPool,
		"FRAGMENT_LEN":     &cfg.Upstream.FragmentLen,
		"LIMITS_MAX_CONNS": &cfg.Limits.MaxConns,
	}
	for name, dst := range ints {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"KEYSTORE_FLUSH_INTERVAL": &cfg.Keystore.FlushInterval,
		"ROOT_VALIDITY":           &cfg.Root.Validity,
		"LEAF_CONTEXT_TTL":        &cfg.Leaf.ContextTTL,
		"LIMITS_READ_TIMEOUT":     &cfg.Limits.ReadTimeout,
		"LIMITS_WRITE_TIMEOUT":    &cfg.Limits.WriteTimeout,
	}
	for name, dst := range durations {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"UPSTREAM_TRUST_ALL": &cfg.Upstream.TrustAll,
		"UPSTREAM_MIRROR":    &cfg.Upstream.Mirror,
		"BASIC_AUTH_ENABLED": &cfg.Security.BasicAuth.Enabled,
	}
	for name, dst := range bools {
		if v := os.Getenv(envPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = b
		}
	}
	return nil
}

// Validate rejects values no component could run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Engine) {
	case "native", "goproxy":
	default:
		return fmt.Errorf("engine: unknown engine %q", c.Engine)
	}
	switch strings.ToLower(c.Mode) {
	case "all", "list":
	default:
		return fmt.Errorf("mode: unknown mode %q", c.Mode)
	}
	switch strings.ToLower(c.Keystore.Persist) {
	case "immediate", "batched":
	default:
		return fmt.Errorf("keystore.persist: unknown policy %q", c.Keystore.Persist)
	}
	switch strings.ToLower(c.Upstream.DNSMode) {
	case "terasu", "system", "auto":
	default:
		return fmt.Errorf("upstream.dns_mode: unknown mode %q", c.Upstream.DNSMode)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	if c.Keystore.Dir == "" {
		return fmt.Errorf("keystore.dir: must be set")
	}
	if c.Keystore.FlushInterval <= 0 {
		return fmt.Errorf("keystore.flush_interval: must be positive, got %s", c.Keystore.FlushInterval)
	}
	if c.Root.Validity <= 0 {
		return fmt.Errorf("root.validity: must be positive, got %s", c.Root.Validity)
	}
	if c.Leaf.ContextTTL <= 0 {
		return fmt.Errorf("leaf.context_ttl: must be positive, got %s", c.Leaf.ContextTTL)
	}
	if c.Leaf.KeyPool < 0 {
		return fmt.Errorf("leaf.key_pool: must not be negative")
	}
	if c.Upstream.FragmentLen < 0 || c.Upstream.FragmentLen > 255 {
		return fmt.Errorf("upstream.fragment_len: must be within 0..255, got %d", c.Upstream.FragmentLen)
	}
	return nil
}
