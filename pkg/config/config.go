// Package config loads chatsync settings from a YAML file, then environment
// variables prefixed with CHATSYNC_, and validates the result.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/persistence/sessioncache"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/sessionsync"
)

const (
	StreamNone      = "none"
	StreamSSE       = "sse"
	StreamWebSocket = "websocket"
	StreamRedis     = "redis"
)

type Config struct {
	API    APIConfig    `yaml:"api" envPrefix:"CHATSYNC_API_"`
	Cache  CacheConfig  `yaml:"cache" envPrefix:"CHATSYNC_CACHE_"`
	Stream StreamConfig `yaml:"stream" envPrefix:"CHATSYNC_STREAM_"`
	Log    LogConfig    `yaml:"log" envPrefix:"CHATSYNC_LOG_"`
}

type APIConfig struct {
	BaseURL            string        `yaml:"base_url" env:"BASE_URL"`
	Token              string        `yaml:"token" env:"TOKEN"`
	Timeout            time.Duration `yaml:"timeout" env:"TIMEOUT"`
	PageSize           int           `yaml:"page_size" env:"PAGE_SIZE"`
	HydrateAnnotations bool          `yaml:"hydrate_annotations" env:"HYDRATE_ANNOTATIONS"`
}

type CacheConfig struct {
	TTL         time.Duration                `yaml:"ttl" env:"TTL"`
	MaxSessions int                          `yaml:"max_sessions" env:"MAX_SESSIONS"`
	Backend     sessioncache.BackendSettings `yaml:"backend" envPrefix:"BACKEND_"`
}

type StreamConfig struct {
	Kind    string               `yaml:"kind" env:"KIND"`
	URL     string               `yaml:"url" env:"URL"`
	Backoff time.Duration        `yaml:"backoff" env:"BACKOFF"`
	Redis   redisstream.Settings `yaml:"redis" envPrefix:"REDIS_"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

func Default() *Config {
	return &Config{
		API: APIConfig{
			Timeout:  30 * time.Second,
			PageSize: sessionsync.DefaultPageSize,
		},
		Cache: CacheConfig{
			TTL:         sessioncache.DefaultTTL,
			MaxSessions: sessioncache.DefaultMaxSessions,
			Backend: sessioncache.BackendSettings{
				Kind:      sessioncache.BackendSQLite,
				Scope:     "default",
				Key:       sessioncache.DefaultKey,
				KeyPrefix: "chatsync",
			},
		},
		Stream: StreamConfig{
			Kind:    StreamNone,
			Backoff: sessionsync.DefaultReconnectBackoff,
			Redis:   redisstream.DefaultSettings(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load applies the YAML file at path (if any) and the environment over the defaults.
// A missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Cache.Backend.Kind = strings.ToLower(strings.TrimSpace(c.Cache.Backend.Kind))
	c.Stream.Kind = strings.ToLower(strings.TrimSpace(c.Stream.Kind))
	if c.Stream.Kind == "" {
		c.Stream.Kind = StreamNone
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
}

func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.API,
		validation.Field(&c.API.BaseURL, is.URL),
		validation.Field(&c.API.PageSize, validation.Required, validation.Min(1), validation.Max(500)),
		validation.Field(&c.API.Timeout, validation.Min(time.Duration(0))),
	); err != nil {
		return errors.Wrap(err, "api")
	}
	backend := &c.Cache.Backend
	remote := backend.Kind == sessioncache.BackendRedis || backend.Kind == sessioncache.BackendValkey
	if err := validation.ValidateStruct(&c.Cache,
		validation.Field(&c.Cache.MaxSessions, validation.Required, validation.Min(1)),
	); err != nil {
		return errors.Wrap(err, "cache")
	}
	if err := validation.ValidateStruct(backend,
		validation.Field(&backend.Kind, validation.Required, validation.In(
			sessioncache.BackendMemory, sessioncache.BackendSQLite, sessioncache.BackendRedis, sessioncache.BackendValkey,
		)),
		validation.Field(&backend.Scope, validation.Required),
		validation.Field(&backend.Addr, validation.When(remote, validation.Required)),
		validation.Field(&backend.DB, validation.Min(0)),
	); err != nil {
		return errors.Wrap(err, "cache.backend")
	}
	needsURL := c.Stream.Kind == StreamSSE || c.Stream.Kind == StreamWebSocket
	if err := validation.ValidateStruct(&c.Stream,
		validation.Field(&c.Stream.Kind, validation.In(StreamNone, StreamSSE, StreamWebSocket, StreamRedis)),
		validation.Field(&c.Stream.URL, validation.When(needsURL, validation.Required, is.URL)),
		validation.Field(&c.Stream.Backoff, validation.Min(time.Duration(0))),
	); err != nil {
		return errors.Wrap(err, "stream")
	}
	if c.Stream.Kind == StreamRedis {
		r := &c.Stream.Redis
		if err := validation.ValidateStruct(r,
			validation.Field(&r.Addr, validation.Required),
			validation.Field(&r.Topic, validation.Required),
			validation.Field(&r.Group, validation.Required),
			validation.Field(&r.Consumer, validation.Required),
		); err != nil {
			return errors.Wrap(err, "stream.redis")
		}
	}
	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.In("trace", "debug", "info", "warn", "error")),
		validation.Field(&c.Log.Format, validation.In("auto", "console", "json")),
	); err != nil {
		return errors.Wrap(err, "log")
	}
	return nil
}

// RequireAPI reports whether the settings needed to reach the backend are present.
func (c *Config) RequireAPI() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url (or CHATSYNC_API_BASE_URL) is required")
	}
	return nil
}
