// Package config loads the node configuration.
//
// Values are resolved in this order, first match wins:
//   - environment variables (CACORE_*), including those set by a .env file
//   - the ini file
//   - built-in defaults
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Store drivers.
const (
	DriverBolt  = "bbolt"
	DriverMySQL = "mysql"
)

// Config holds all configuration.
type Config struct {
	Store      StoreConfig
	Cache      CacheConfig
	CRL        CRLConfig
	Redis      RedisConfig
	Log        LogConfig
	Audit      AuditConfig
	HTTP       HTTPConfig
	Profiles   ProfilesConfig
	Tokens     TokensConfig
	Publishers []PublisherConfig
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string
	Path   string // bbolt file
	DSN    string // mysql
}

// CacheConfig holds the cache refresh intervals. Zero disables a cache,
// negative values cache forever.
type CacheConfig struct {
	CAInterval        time.Duration
	ValidatorInterval time.Duration
}

// CRLConfig drives the CRL scheduler of `cacore serve`.
type CRLConfig struct {
	// Pad is added to every CA's overlap time when checking for due CRLs.
	Pad      time.Duration
	Interval time.Duration
}

// RedisConfig holds Redis configuration. An empty Addr disables redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type LogConfig struct {
	Level  string
	Format string
}

// AuditConfig locates the hash-chained audit log.
type AuditConfig struct {
	Path string
}

type HTTPConfig struct {
	Addr       string
	AdminToken string
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string
	TLSKey  string
}

// ProfilesConfig locates YAML profiles overriding the builtin ones.
type ProfilesConfig struct {
	Dir string
}

// TokensConfig locates the CA keys.
type TokensConfig struct {
	// KeyDir holds software token keys.
	KeyDir string
	// PassphraseEnv names the variable holding the key file passphrase.
	PassphraseEnv string
	// HSMConfig is the YAML PKCS#11 token description.
	HSMConfig string
}

// Passphrase returns the key file passphrase, or nil.
func (t TokensConfig) Passphrase() []byte {
	if t.PassphraseEnv == "" {
		return nil
	}
	if v := os.Getenv(t.PassphraseEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// Publisher types.
const (
	PublisherFile  = "file"
	PublisherRedis = "redis"
)

// PublisherConfig is one [publisher.<id>] section.
type PublisherConfig struct {
	ID     int
	Type   string
	Dir    string // file
	PEM    bool   // file
	Prefix string // redis
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Driver: DriverBolt, Path: "cacore.db"},
		Cache: CacheConfig{
			CAInterval:        10 * time.Second,
			ValidatorInterval: 10 * time.Second,
		},
		CRL: CRLConfig{
			Pad:      0,
			Interval: time.Minute,
		},
		Redis: RedisConfig{Channel: "cacore:cache:clear"},
		Log:   LogConfig{Level: "info", Format: "text"},
		Audit: AuditConfig{Path: "audit.jsonl"},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Tokens: TokensConfig{
			KeyDir:        "keys",
			PassphraseEnv: "CACORE_KEY_PASSPHRASE",
		},
	}
}

// Load reads .env (if present), then the ini file at path (if not empty)
// and the environment.
func Load(path string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	file := ini.Empty()
	if path != "" {
		var err error
		file, err = ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	return resolve(file)
}

// LoadBytes is Load for ini content held in memory. .env is not read.
func LoadBytes(data []byte) (*Config, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return resolve(file)
}

func resolve(file *ini.File) (*Config, error) {
	r := &resolver{file: file}
	def := Default()

	cfg := &Config{
		Store: StoreConfig{
			Driver: strings.ToLower(r.str("CACORE_STORE_DRIVER", "store", "driver", def.Store.Driver)),
			Path:   r.str("CACORE_STORE_PATH", "store", "path", def.Store.Path),
			DSN:    r.str("CACORE_STORE_DSN", "store", "dsn", ""),
		},
		Cache: CacheConfig{
			CAInterval:        r.duration("CACORE_CA_CACHE_INTERVAL", "cache", "ca_cache_interval", def.Cache.CAInterval),
			ValidatorInterval: r.duration("CACORE_VALIDATOR_CACHE_INTERVAL", "cache", "validator_cache_interval", def.Cache.ValidatorInterval),
		},
		CRL: CRLConfig{
			Pad:      r.duration("CACORE_CRL_PAD", "crl", "pad", def.CRL.Pad),
			Interval: r.duration("CACORE_CRL_INTERVAL", "crl", "interval", def.CRL.Interval),
		},
		Redis: RedisConfig{
			Addr:     r.str("CACORE_REDIS_ADDR", "redis", "addr", ""),
			Password: r.str("CACORE_REDIS_PASSWORD", "redis", "password", ""),
			DB:       r.int("CACORE_REDIS_DB", "redis", "db", 0),
			Channel:  r.str("CACORE_REDIS_CHANNEL", "redis", "channel", def.Redis.Channel),
		},
		Log: LogConfig{
			Level:  r.str("CACORE_LOG_LEVEL", "log", "level", def.Log.Level),
			Format: r.str("CACORE_LOG_FORMAT", "log", "format", def.Log.Format),
		},
		Audit: AuditConfig{
			Path: r.str("CACORE_AUDIT_PATH", "audit", "path", def.Audit.Path),
		},
		HTTP: HTTPConfig{
			Addr:       r.str("CACORE_HTTP_ADDR", "http", "addr", def.HTTP.Addr),
			AdminToken: r.str("CACORE_HTTP_ADMIN_TOKEN", "http", "admin_token", ""),
			TLSCert:    r.str("CACORE_HTTP_TLS_CERT", "http", "tls_cert", ""),
			TLSKey:     r.str("CACORE_HTTP_TLS_KEY", "http", "tls_key", ""),
		},
		Profiles: ProfilesConfig{
			Dir: r.str("CACORE_PROFILES_DIR", "profiles", "dir", ""),
		},
		Tokens: TokensConfig{
			KeyDir:        r.str("CACORE_KEY_DIR", "tokens", "key_dir", def.Tokens.KeyDir),
			PassphraseEnv: r.str("CACORE_KEY_PASSPHRASE_ENV", "tokens", "passphrase_env", def.Tokens.PassphraseEnv),
			HSMConfig:     r.str("CACORE_HSM_CONFIG", "tokens", "hsm_config", ""),
		},
	}
	if r.err != nil {
		return nil, r.err
	}

	pubs, err := publishers(file)
	if err != nil {
		return nil, err
	}
	cfg.Publishers = pubs

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for %s", DriverBolt)
		}
	case DriverMySQL:
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for %s", DriverMySQL)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.CRL.Interval <= 0 {
		return fmt.Errorf("crl interval must be positive")
	}
	for _, p := range c.Publishers {
		if p.Type == PublisherRedis && c.Redis.Addr == "" {
			return fmt.Errorf("publisher %d: redis publisher needs [redis] addr", p.ID)
		}
	}
	return nil
}

// publishers reads the [publisher.<id>] sections ordered by id.
func publishers(file *ini.File) ([]PublisherConfig, error) {
	var out []PublisherConfig
	for _, sec := range file.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, "publisher.") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "publisher."))
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("section [%s]: publisher id must be a positive integer", name)
		}
		p := PublisherConfig{
			ID:     id,
			Type:   strings.ToLower(sec.Key("type").String()),
			Dir:    sec.Key("dir").String(),
			PEM:    sec.Key("pem").MustBool(false),
			Prefix: sec.Key("prefix").String(),
		}
		switch p.Type {
		case PublisherFile:
			if p.Dir == "" {
				return nil, fmt.Errorf("section [%s]: dir is required", name)
			}
		case PublisherRedis:
		default:
			return nil, fmt.Errorf("section [%s]: unknown publisher type %q", name, p.Type)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// resolver looks keys up in the environment, then the ini file. The
// first parse error is kept.
type resolver struct {
	file *ini.File
	err  error
}

func (r *resolver) lookup(envKey, section, key string) (string, bool) {
	if v := os.Getenv(envKey); v != "" {
		return v, true
	}
	if r.file.Section(section).HasKey(key) {
		if v := r.file.Section(section).Key(key).String(); v != "" {
			return v, true
		}
	}
	return "", false
}

func (r *resolver) str(envKey, section, key, def string) string {
	if v, ok := r.lookup(envKey, section, key); ok {
		return v
	}
	return def
}

func (r *resolver) int(envKey, section, key string, def int) int {
	v, ok := r.lookup(envKey, section, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("%s.%s: invalid integer %q", section, key, v))
		return def
	}
	return n
}

func (r *resolver) duration(envKey, section, key string, def time.Duration) time.Duration {
	v, ok := r.lookup(envKey, section, key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(fmt.Errorf("%s.%s: invalid duration %q", section, key, v))
		return def
	}
	return d
}

func (r *resolver) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
