package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Inventory.Storage)
	assert.Equal(t, 5*time.Second, cfg.Inventory.LockTimeout)
	assert.Equal(t, []string{"log"}, cfg.Inventory.Notifiers)
	assert.True(t, cfg.HasNotifier("log"))
	assert.False(t, cfg.HasNotifier("kafka"))

	engine := cfg.Engine()
	assert.Equal(t, "system", engine.DefaultActor)
	assert.Equal(t, 100, engine.HistoryLimit)
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	path := writeConfig(t, `
inventory:
  storage: memory
  lock_timeout: 750ms
  history_limit: 20
  notifiers: [log, redis]
redis:
  url: redis://cache:6379/1
  channel: alerts
  alert_ttl: 1h
logging:
  level: debug
  format: console
`)

	// 環境変数はYAMLより優先される
	t.Setenv("INVENTORY_HISTORY_LIMIT", "50")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("API_PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Inventory.Storage)
	assert.Equal(t, 750*time.Millisecond, cfg.Inventory.LockTimeout)
	assert.Equal(t, 50, cfg.Inventory.HistoryLimit)
	assert.True(t, cfg.HasNotifier("redis"))
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, time.Hour, cfg.Redis.AlertTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"無効なストレージ", func(c *Config) { c.Inventory.Storage = "sqlite" }},
		{"負のロックタイムアウト", func(c *Config) { c.Inventory.LockTimeout = -time.Second }},
		{"履歴件数0", func(c *Config) { c.Inventory.HistoryLimit = 0 }},
		{"DBホストなし", func(c *Config) { c.Database.Host = "" }},
		{"無効な通知種別", func(c *Config) { c.Inventory.Notifiers = []string{"slack"} }},
		{"Kafkaブローカーなし", func(c *Config) {
			c.Inventory.Notifiers = []string{"kafka"}
			c.Kafka.Brokers = nil
		}},
		{"無効なログレベル", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// メモリストレージではDB設定を検証しない
	cfg := Default()
	cfg.Inventory.Storage = "memory"
	cfg.Database.Host = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "inventory: [broken"))
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "host=localhost port=5432 user=inventory password=password dbname=inventory_db sslmode=disable", cfg.DSN())
}
