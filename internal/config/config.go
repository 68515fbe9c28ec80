package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/care-billing/billing"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the billing service.
type Config struct {
	Port      int    `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	LogFormat string `yaml:"log_format"` // "text" or "json"
	LogLevel  string `yaml:"log_level"`

	// RedisAddr enables the shared locker and case-number allocator. Empty
	// means single-instance mode with in-process locks.
	RedisAddr string        `yaml:"redis_addr"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
	LockWait  time.Duration `yaml:"lock_wait"`

	// AdminUsers are the X-User-Id values holding the admin capability.
	AdminUsers []string `yaml:"admin_users"`

	// ClassificationKeywords overrides the reporting keywords per bucket
	// (pharmacy, pathology).
	ClassificationKeywords map[string][]string `yaml:"classification_keywords"`

	CORSOrigins []string `yaml:"cors_origins"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Port:        8080,
		DBPath:      "./data/billing.db",
		LogFormat:   "text",
		LogLevel:    "info",
		LockTTL:     30 * time.Second,
		LockWait:    5 * time.Second,
		CORSOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
	}
}

// LoadFromFile reads a YAML config file and merges the keys it sets into c.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadEnv loads .env files (missing files are ignored) and applies
// BILLING_DB, REDIS_ADDRESS and BILLING_ADMIN_USERS.
func (c *Config) LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}

	if v := os.Getenv("BILLING_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("BILLING_ADMIN_USERS"); v != "" {
		c.AdminUsers = splitList(v)
	}
	return nil
}

// Validate checks required fields and returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("--db or BILLING_DB is required")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	}
	if c.RedisAddr != "" && (c.LockTTL <= 0 || c.LockWait <= 0) {
		return fmt.Errorf("lock_ttl and lock_wait must be positive when redis is enabled")
	}
	if _, err := billing.NewClassifier(c.ClassificationKeywords); err != nil {
		return fmt.Errorf("classification_keywords: %w", err)
	}
	return nil
}

// IsAdmin reports whether userID holds the admin capability.
func (c *Config) IsAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	for _, a := range c.AdminUsers {
		if a == userID {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
