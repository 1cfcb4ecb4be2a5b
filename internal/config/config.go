// Package config loads engine configuration from YAML with environment
// overrides for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Consent   ConsentConfig   `yaml:"consent"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Retention RetentionConfig `yaml:"retention"`
	Tokens    []TokenConfig   `yaml:"tokens"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Required makes Redis unavailability fatal at startup instead of
	// degrading to memory-only.
	Required bool `yaml:"required"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Required bool   `yaml:"required"`
}

type PubSubConfig struct {
	ProjectID   string `yaml:"project_id"`
	AlertsTopic string `yaml:"alerts_topic"`
}

type IngestConfig struct {
	MaxClockSkew       time.Duration `yaml:"max_clock_skew"`
	QueueDepth         int           `yaml:"queue_depth"`
	AnonymizeSalt      string        `yaml:"anonymize_salt"`
	AllowImpersonation bool          `yaml:"allow_impersonation"`
}

type ConsentConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

type AlertsConfig struct {
	RingCapacity int `yaml:"ring_capacity"`
}

type RetentionConfig struct {
	PurgeSchedule string `yaml:"purge_schedule"`
}

// TokenConfig is one pre-issued credential. SecretHash is a bcrypt hash;
// plaintext secrets never appear in config.
type TokenConfig struct {
	KeyID          string `yaml:"key_id"`
	SecretHash     string `yaml:"secret_hash"`
	PrincipalID    string `yaml:"principal_id"`
	PrincipalName  string `yaml:"principal_name"`
	Role           string `yaml:"role"`
	CanImpersonate bool   `yaml:"can_impersonate"`
}

// Load reads the YAML file, fills defaults, and applies env overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Ingest.MaxClockSkew == 0 {
		c.Ingest.MaxClockSkew = 60 * time.Second
	}
	if c.Ingest.QueueDepth == 0 {
		c.Ingest.QueueDepth = 256
	}
	if c.Consent.LookupTimeout == 0 {
		c.Consent.LookupTimeout = 500 * time.Millisecond
	}
	if c.Alerts.RingCapacity == 0 {
		c.Alerts.RingCapacity = 1000
	}
	if c.PubSub.AlertsTopic == "" {
		c.PubSub.AlertsTopic = "safety-alerts"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		c.PubSub.ProjectID = v
	}
	if v := os.Getenv("ANONYMIZE_SALT"); v != "" {
		c.Ingest.AnonymizeSalt = v
	}
}
