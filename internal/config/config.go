// Package config loads offsync settings from yaml.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/vearutop/offline"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config is a configuration of offsync.
type Config struct {
	Name string `yaml:"name"`

	Backend struct {
		BaseURL    string        `yaml:"base_url"`
		HealthURL  string        `yaml:"health_url"`
		Token      string        `yaml:"token"`
		Timeout    time.Duration `yaml:"timeout"`
		MaxRetries int           `yaml:"max_retries"`
		BaseDelay  time.Duration `yaml:"base_delay"`
		MaxDelay   time.Duration `yaml:"max_delay"`
	} `yaml:"backend"`

	Resources []string `yaml:"resources"`

	Cache struct {
		StaleAfter     time.Duration `yaml:"stale_after"`
		ExpireAfter    time.Duration `yaml:"expire_after"`
		SyncRevalidate bool          `yaml:"sync_revalidate"`
	} `yaml:"cache"`

	// Sync controls periodic drains of watch command.
	Sync struct {
		Interval      time.Duration `yaml:"interval"`
		CheckInterval time.Duration `yaml:"check_interval"`
	} `yaml:"sync"`

	Store struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"store"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"postgres"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns configuration with defaults.
func Default() Config {
	c := Config{Name: "offsync"}

	c.Backend.Timeout = 10 * time.Second
	c.Cache.StaleAfter = offline.DefaultStaleAfter
	c.Cache.ExpireAfter = offline.DefaultExpireAfter
	c.Sync.Interval = offline.DefaultSyncInterval
	c.Sync.CheckInterval = time.Minute
	c.Store.Driver = StoreFile
	c.Store.Path = "offsync.json"
	c.Redis.Addr = "localhost:6379"
	c.Postgres.Host = "localhost"
	c.Postgres.Port = 5432
	c.Postgres.User = "postgres"
	c.Postgres.DBName = "offline"
	c.Postgres.MaxConns = 4
	c.Log.Level = "info"
	c.Log.Format = "text"

	return c
}

// Load reads yaml file over defaults and applies environment overrides.
//
// Missing file is not an error, defaults are used.
func Load(path string) (Config, error) {
	c := Default()

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return c, err
	}

	c.applyEnv()

	return c, c.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OFFSYNC_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}

	if v := os.Getenv("OFFSYNC_TOKEN"); v != "" {
		c.Backend.Token = v
	}

	if v := os.Getenv("OFFSYNC_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	if v := os.Getenv("OFFSYNC_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

// Validate checks required settings.
func (c Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}

	if len(c.Resources) == 0 {
		return errors.New("at least one resource is required")
	}

	switch c.Store.Driver {
	case StoreMemory, StoreRedis, StorePostgres:
	case StoreFile:
		if c.Store.Path == "" {
			return errors.New("store.path is required for file store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Sync.Interval <= 0 || c.Sync.CheckInterval <= 0 {
		return errors.New("sync.interval and sync.check_interval must be positive")
	}

	if c.Cache.ExpireAfter < c.Cache.StaleAfter {
		return errors.New("cache.expire_after must not be less than cache.stale_after")
	}

	return nil
}

// Policy returns cache policy.
func (c Config) Policy() offline.Policy {
	return offline.Policy{
		StaleAfter:     c.Cache.StaleAfter,
		ExpireAfter:    c.Cache.ExpireAfter,
		SyncRevalidate: c.Cache.SyncRevalidate,
	}
}

// HealthURL returns connectivity probe address, base url by default.
func (c Config) HealthURL() string {
	if c.Backend.HealthURL != "" {
		return c.Backend.HealthURL
	}

	return c.Backend.BaseURL
}

// PostgresDSN returns database url, DATABASE_URL takes precedence.
func (c Config) PostgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     c.Postgres.Host + ":" + strconv.Itoa(c.Postgres.Port),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}

	return u.String()
}
