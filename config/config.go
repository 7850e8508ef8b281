package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr         string   `yaml:"addr"`
	AllowOrigins []string `yaml:"allowOrigins"`
	ReadTimeout  string   `yaml:"readTimeout"`  // 10s
	WriteTimeout string   `yaml:"writeTimeout"` // 15s
	IdleTimeout  string   `yaml:"idleTimeout"`  // 60s
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // collabd
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	Level     string `yaml:"level"`     // debug|info|warn|error
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Storage struct {
	Driver string `yaml:"driver"` // memory|postgres
}

type Postgres struct {
	DSN             string `yaml:"dsn"`
	MaxConns        int32  `yaml:"maxConns"`
	MinConns        int32  `yaml:"minConns"`
	MaxConnLifetime string `yaml:"maxConnLifetime"` // 1h
}

type Redis struct {
	Addr     string `yaml:"addr"` // empty disables cross-instance fan-out
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Session struct {
	MaxParticipants int    `yaml:"maxParticipants"`
	Heartbeat       string `yaml:"heartbeat"`     // participants idle longer are dropped
	SweepInterval   string `yaml:"sweepInterval"` // how often the sweep runs
	PageLimit       int    `yaml:"pageLimit"`     // max updates per poll
}

type Auth struct {
	Secret   string `yaml:"secret"`
	TokenTTL string `yaml:"tokenTTL"`
}

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	Logging  Logging  `yaml:"logging"`
	Storage  Storage  `yaml:"storage"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Session  Session  `yaml:"session"`
	Auth     Auth     `yaml:"auth"`
}

// LoadConfig reads the file named by CONFIG_PATH, or ./config/config.yaml.
func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	return Load(path)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}
	switch c.Storage.Driver {
	case "":
		c.Storage.Driver = "memory"
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Session.MaxParticipants < 0 {
		return errors.New("session.maxParticipants must not be negative")
	}

	if c.Logging.Service == "" {
		c.Logging.Service = "collabd"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.Session.MaxParticipants == 0 {
		c.Session.MaxParticipants = 10
	}
	if c.Session.PageLimit <= 0 {
		c.Session.PageLimit = 500
	}
	return nil
}

func (h HTTP) Timeouts() (read, write, idle time.Duration) {
	return parseDurationOr(10*time.Second, h.ReadTimeout),
		parseDurationOr(15*time.Second, h.WriteTimeout),
		parseDurationOr(60*time.Second, h.IdleTimeout)
}

func (p Postgres) ConnLifetime() time.Duration {
	return parseDurationOr(time.Hour, p.MaxConnLifetime)
}

func (s Session) HeartbeatWindow() time.Duration {
	return parseDurationOr(30*time.Second, s.Heartbeat)
}

func (s Session) SweepEvery() time.Duration {
	return parseDurationOr(10*time.Second, s.SweepInterval)
}

func (a Auth) TTL() time.Duration {
	return parseDurationOr(24*time.Hour, a.TokenTTL)
}

// parseDurationOr returns def for empty or invalid durations.
func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
