package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile_MergesOverDefaults(t *testing.T) {
	path := writeFile(t, "billing.yaml", `
port: 9090
lock_wait: 2s
admin_users: [ops-1, ops-2]
classification_keywords:
  pathology: [lab, radiology]
`)

	c := Default()
	require.NoError(t, c.LoadFromFile(path))

	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, 2*time.Second, c.LockWait)
	assert.Equal(t, 30*time.Second, c.LockTTL, "unset keys keep defaults")
	assert.Equal(t, "./data/billing.db", c.DBPath)
	assert.Equal(t, []string{"lab", "radiology"}, c.ClassificationKeywords["pathology"])
	assert.True(t, c.IsAdmin("ops-2"))
	assert.False(t, c.IsAdmin("clerk"))
	assert.NoError(t, c.Validate())
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	c := Default()
	assert.Error(t, c.LoadFromFile("/nonexistent/billing.yaml"))
}

func TestLoadEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "BILLING_DB=/tmp/from-dotenv.db\n")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("BILLING_ADMIN_USERS", " root, ops ,")

	c := Default()
	require.NoError(t, c.LoadEnv(envFile))
	t.Cleanup(func() { os.Unsetenv("BILLING_DB") })

	assert.Equal(t, "/tmp/from-dotenv.db", c.DBPath)
	assert.Equal(t, "redis:6379", c.RedisAddr)
	assert.Equal(t, []string{"root", "ops"}, c.AdminUsers)
}

func TestLoadEnv_MissingDotenvIgnored(t *testing.T) {
	c := Default()
	assert.NoError(t, c.LoadEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"port", func(c *Config) { c.Port = 0 }},
		{"db path", func(c *Config) { c.DBPath = "" }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
		{"lock wait with redis", func(c *Config) { c.RedisAddr = "localhost:6379"; c.LockWait = 0 }},
		{"unknown bucket", func(c *Config) { c.ClassificationKeywords = map[string][]string{"doctor": {"consult"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			assert.Error(t, c.Validate())
		})
	}
}
