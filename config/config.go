package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds the server settings read from the environment.
type Config struct {
	DatabaseURL   string `env:"DATABASE_URL"`
	PostgresURL   string `env:"POSTGRES_URL"`
	Store         string `env:"STORE,default=postgres"`
	ListenAddr    string `env:"LISTEN_ADDR,default=:3001"`
	SocketPort    string `env:"SOCKET_PORT"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN,default=http://localhost:3000"`

	RedisURL         string        `env:"REDIS_URL"`
	SnapshotCacheTTL time.Duration `env:"SNAPSHOT_CACHE_TTL,default=1m"`
	DedupeTTL        time.Duration `env:"DEDUPE_TTL,default=24h"`

	SessionBuffer      int           `env:"SESSION_BUFFER,default=256"`
	CommandTimeout     time.Duration `env:"COMMAND_TIMEOUT,default=10s"`
	ListenerMaxRetries int           `env:"LISTENER_MAX_RETRIES,default=10"`
	ListenerBaseDelay  time.Duration `env:"LISTENER_BASE_DELAY,default=500ms"`
	ListenerMaxDelay   time.Duration `env:"LISTENER_MAX_DELAY,default=30s"`

	Debug     bool   `env:"DEBUG,default=false"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

// Load reads .env (when present) and the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.DatabaseURL == "" {
		c.DatabaseURL = c.PostgresURL
	}
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("no database URL found, checked DATABASE_URL and POSTGRES_URL")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	if c.SocketPort != "" {
		host, _, err := net.SplitHostPort(c.ListenAddr)
		if err != nil {
			host = ""
		}
		c.ListenAddr = net.JoinHostPort(host, c.SocketPort)
	}
	if c.SessionBuffer <= 0 {
		return fmt.Errorf("invalid SESSION_BUFFER: must be greater than zero")
	}
	if c.ListenerMaxRetries < 0 {
		return fmt.Errorf("invalid LISTENER_MAX_RETRIES: must not be negative")
	}
	if c.ListenerBaseDelay <= 0 || c.ListenerMaxDelay < c.ListenerBaseDelay {
		return fmt.Errorf("invalid listener backoff: base %v, max %v", c.ListenerBaseDelay, c.ListenerMaxDelay)
	}
	if c.SnapshotCacheTTL < 0 {
		c.SnapshotCacheTTL = 0
	}
	return nil
}
