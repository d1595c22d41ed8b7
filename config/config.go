// Package config assembles process configuration from an optional .env file,
// an optional TOML file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string `toml:"http_addr"`
	DatabasePath string `toml:"database_path"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	WhoisTimeout  time.Duration `toml:"whois_timeout"`
	TLSTimeout    time.Duration `toml:"tls_timeout"`
	SMTPTimeout   time.Duration `toml:"smtp_timeout"`
	DNSNameserver string        `toml:"dns_nameserver"`

	Redis Redis `toml:"redis"`

	// SyncSigningKey enables HMAC verification of manual sync requests.
	SyncSigningKey string `toml:"sync_signing_key"`

	CORSOrigins  []string `toml:"cors_origins"`
	SweepOnStart bool     `toml:"sweep_on_start"`
}

type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

func Default() *Config {
	return &Config{
		HTTPAddr:     "127.0.0.1:8080",
		DatabasePath: "expiryguard.db?_busy_timeout=5000&_journal_mode=WAL",
		LogLevel:     "info",
		LogFormat:    "text",
		WhoisTimeout: 10 * time.Second,
		TLSTimeout:   5 * time.Second,
		SMTPTimeout:  15 * time.Second,
		CORSOrigins:  []string{"*"},
	}
}

// Load reads .env (if present), then the TOML file named by CONFIG_FILE (if
// set), then applies environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("could not load .env file: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.DatabasePath = getEnv("DATABASE_PATH", c.DatabasePath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.DNSNameserver = getEnv("DNS_NAMESERVER", c.DNSNameserver)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.SyncSigningKey = getEnv("SYNC_SIGNING_KEY", c.SyncSigningKey)

	var err error
	if c.Redis.DB, err = getEnvInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.WhoisTimeout, err = getEnvDuration("WHOIS_TIMEOUT", c.WhoisTimeout); err != nil {
		return err
	}
	if c.TLSTimeout, err = getEnvDuration("TLS_TIMEOUT", c.TLSTimeout); err != nil {
		return err
	}
	if c.SMTPTimeout, err = getEnvDuration("SMTP_TIMEOUT", c.SMTPTimeout); err != nil {
		return err
	}
	if c.SweepOnStart, err = getEnvBool("SWEEP_ON_START", c.SweepOnStart); err != nil {
		return err
	}

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
