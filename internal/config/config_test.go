package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[store]
driver = bbolt
path   = /var/lib/cacore/cacore.db

[cache]
ca_cache_interval        = 30s
validator_cache_interval = -1s

[crl]
pad      = 5m
interval = 30s

[redis]
addr = redis:6379
db   = 2

[log]
level  = debug
format = json

[publisher.2]
type   = redis
prefix = crls

[publisher.1]
type = file
dir  = /srv/crl
pem  = true
`

func TestU_LoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, DriverBolt, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/cacore/cacore.db", cfg.Store.Path)
	assert.Equal(t, 30*time.Second, cfg.Cache.CAInterval)
	assert.Equal(t, -time.Second, cfg.Cache.ValidatorInterval)
	assert.Equal(t, 5*time.Minute, cfg.CRL.Pad)
	assert.Equal(t, 30*time.Second, cfg.CRL.Interval)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "cacore:cache:clear", cfg.Redis.Channel)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)

	require.Len(t, cfg.Publishers, 2)
	assert.Equal(t, PublisherConfig{ID: 1, Type: PublisherFile, Dir: "/srv/crl", PEM: true}, cfg.Publishers[0])
	assert.Equal(t, PublisherConfig{ID: 2, Type: PublisherRedis, Prefix: "crls"}, cfg.Publishers[1])
}

func TestU_LoadBytes_EnvOverrides(t *testing.T) {
	t.Setenv("CACORE_REDIS_ADDR", "other:6380")
	t.Setenv("CACORE_CRL_PAD", "1m")
	t.Setenv("CACORE_LOG_LEVEL", "warn")

	cfg, err := LoadBytes([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "other:6380", cfg.Redis.Addr)
	assert.Equal(t, time.Minute, cfg.CRL.Pad)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestU_LoadBytes_Defaults(t *testing.T) {
	cfg, err := LoadBytes(nil)
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Store, cfg.Store)
	assert.Equal(t, def.Cache, cfg.Cache)
	assert.Empty(t, cfg.Publishers)
}

func TestU_LoadBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad duration", "[crl]\npad = soon\n"},
		{"bad int", "[redis]\ndb = two\n"},
		{"unknown driver", "[store]\ndriver = postgres\n"},
		{"mysql without dsn", "[store]\ndriver = mysql\n"},
		{"redis publisher without redis", "[publisher.1]\ntype = redis\n"},
		{"file publisher without dir", "[publisher.1]\ntype = file\n"},
		{"bad publisher id", "[publisher.x]\ntype = file\ndir = /tmp\n"},
		{"unknown publisher", "[publisher.1]\ntype = ldap\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestF_Load_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cacore.ini")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)

	_, err = Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}

func TestU_TokensConfig_Passphrase(t *testing.T) {
	t.Setenv("TEST_CACORE_PASS", "s3cret")
	assert.Equal(t, []byte("s3cret"), TokensConfig{PassphraseEnv: "TEST_CACORE_PASS"}.Passphrase())
	assert.Nil(t, TokensConfig{}.Passphrase())
}
