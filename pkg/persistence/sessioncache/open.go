package sessioncache

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendValkey = "valkey"
)

// BackendSettings selects and configures the durable backend.
type BackendSettings struct {
	Kind  string `yaml:"kind" env:"KIND"`
	Scope string `yaml:"scope" env:"SCOPE"`
	Key   string `yaml:"key" env:"KEY"`

	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`

	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	Expire    time.Duration `yaml:"expire" env:"EXPIRE"`
}

// DefaultSQLitePath is the database used when the sqlite backend has no explicit path.
func DefaultSQLitePath() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "chatsync", "session-cache.db")
}

// Open builds the backend described by s.
func Open(s BackendSettings) (Backend, error) {
	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	switch kind {
	case "", BackendMemory:
		return NewMemoryBackend(), nil
	case BackendSQLite:
		path := s.SQLitePath
		if path == "" {
			path = DefaultSQLitePath()
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "sqlite session cache: create directory")
		}
		dsn, err := SQLiteDSNForFile(path)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("component", "sessioncache").Str("path", path).Str("scope", s.Scope).Msg("opening sqlite backend")
		return NewSQLiteBackend(dsn, s.Scope, s.Key)
	case BackendRedis:
		if s.Addr == "" {
			return nil, errors.New("redis session cache: addr is empty")
		}
		client := redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password, DB: s.DB})
		return NewRedisBackend(client, s.KeyPrefix, s.Scope, s.Key, s.Expire)
	case BackendValkey:
		if s.Addr == "" {
			return nil, errors.New("valkey session cache: addr is empty")
		}
		return NewValkeyBackend(s.Addr, s.Password, s.DB, s.KeyPrefix, s.Scope, s.Key, s.Expire, 0)
	default:
		return nil, errors.Errorf("session cache: unknown backend %q", s.Kind)
	}
}
