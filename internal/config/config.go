package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Inventory InventoryConfig `yaml:"inventory"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	EnableCORS    bool          `yaml:"enable_cors"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// InventoryConfig holds stock engine configuration
// 在庫エンジンの設定を保持
type InventoryConfig struct {
	Storage       string        `yaml:"storage"`        // postgres, memory
	LockTimeout   time.Duration `yaml:"lock_timeout"`   // 行ロック待ちの上限
	DefaultActor  string        `yaml:"default_actor"`  // 実行者未指定時の既定値
	HistoryLimit  int           `yaml:"history_limit"`  // 履歴取得の既定件数
	NotifyTimeout time.Duration `yaml:"notify_timeout"` // 低在庫通知のタイムアウト
	Notifiers     []string      `yaml:"notifiers"`      // log, redis, kafka
}

// RedisConfig holds the Redis low-stock notifier configuration
// Redis通知の設定を保持
type RedisConfig struct {
	URL       string        `yaml:"url"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Channel   string        `yaml:"channel"`
	KeyPrefix string        `yaml:"key_prefix"`
	AlertTTL  time.Duration `yaml:"alert_ttl"`
}

// KafkaConfig holds the Kafka low-stock notifier configuration
// Kafka通知の設定を保持
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Retries int      `yaml:"retries"`
	Acks    string   `yaml:"acks"` // 0, 1, all
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, ファイルパス
}

// Default returns the built-in defaults
// 既定の設定を返す
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "inventory",
			Password: "password",
			DBName:   "inventory_db",
			SSLMode:  "disable",
		},
		API: APIConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			EnableCORS:    true,
			EnableMetrics: true,
		},
		Inventory: InventoryConfig{
			Storage:       "postgres",
			LockTimeout:   5 * time.Second,
			DefaultActor:  "system",
			HistoryLimit:  100,
			NotifyTimeout: 5 * time.Second,
			Notifiers:     []string{"log"},
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379/0",
			Channel:   "stock-ledger:low-stock",
			KeyPrefix: "stock-ledger:low-stock:",
			AlertTTL:  24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "stock-ledger.low-stock",
			Retries: 3,
			Acks:    "all",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and environment variables
// 既定値、YAMLファイル（任意）、環境変数の順に設定を読み込み
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
		}
	}

	cfg.applyEnv()

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides fields whose environment variable is set
func (c *Config) applyEnv() {
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.API.Port = getEnvAsInt("API_PORT", c.API.Port)
	c.API.ReadTimeout = getEnvAsDuration("API_READ_TIMEOUT", c.API.ReadTimeout)
	c.API.WriteTimeout = getEnvAsDuration("API_WRITE_TIMEOUT", c.API.WriteTimeout)
	c.API.IdleTimeout = getEnvAsDuration("API_IDLE_TIMEOUT", c.API.IdleTimeout)
	c.API.EnableCORS = getEnvAsBool("API_ENABLE_CORS", c.API.EnableCORS)
	c.API.EnableMetrics = getEnvAsBool("API_ENABLE_METRICS", c.API.EnableMetrics)

	c.Inventory.Storage = getEnv("INVENTORY_STORAGE", c.Inventory.Storage)
	c.Inventory.LockTimeout = getEnvAsDuration("INVENTORY_LOCK_TIMEOUT", c.Inventory.LockTimeout)
	c.Inventory.DefaultActor = getEnv("INVENTORY_DEFAULT_ACTOR", c.Inventory.DefaultActor)
	c.Inventory.HistoryLimit = getEnvAsInt("INVENTORY_HISTORY_LIMIT", c.Inventory.HistoryLimit)
	c.Inventory.NotifyTimeout = getEnvAsDuration("INVENTORY_NOTIFY_TIMEOUT", c.Inventory.NotifyTimeout)
	c.Inventory.Notifiers = getEnvAsList("INVENTORY_NOTIFIERS", c.Inventory.Notifiers)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.Channel = getEnv("REDIS_CHANNEL", c.Redis.Channel)
	c.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", c.Redis.KeyPrefix)
	c.Redis.AlertTTL = getEnvAsDuration("REDIS_ALERT_TTL", c.Redis.AlertTTL)

	c.Kafka.Brokers = getEnvAsList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.Retries = getEnvAsInt("KAFKA_RETRIES", c.Kafka.Retries)
	c.Kafka.Acks = getEnv("KAFKA_ACKS", c.Kafka.Acks)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// 在庫設定チェック
	switch c.Inventory.Storage {
	case "postgres", "memory":
	default:
		return fmt.Errorf("無効なストレージ種別: %s", c.Inventory.Storage)
	}
	if c.Inventory.LockTimeout < 0 {
		return fmt.Errorf("ロックタイムアウトは0以上である必要があります")
	}
	if c.Inventory.NotifyTimeout < 0 {
		return fmt.Errorf("通知タイムアウトは0以上である必要があります")
	}
	if c.Inventory.HistoryLimit <= 0 {
		return fmt.Errorf("履歴取得件数は正の値である必要があります")
	}

	// データベース設定チェック
	if c.Inventory.Storage == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("データベースホストが指定されていません")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("データベースユーザーが指定されていません")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("データベース名が指定されていません")
		}
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// 通知設定チェック
	for _, n := range c.Inventory.Notifiers {
		switch n {
		case "log":
		case "redis":
			if c.Redis.URL == "" {
				return fmt.Errorf("Redis通知にはREDIS_URLが必要です")
			}
			if c.Redis.Channel == "" {
				return fmt.Errorf("Redisチャネルが指定されていません")
			}
		case "kafka":
			if len(c.Kafka.Brokers) == 0 {
				return fmt.Errorf("Kafka通知にはブローカーの指定が必要です")
			}
			if c.Kafka.Topic == "" {
				return fmt.Errorf("Kafkaトピックが指定されていません")
			}
		default:
			return fmt.Errorf("無効な通知種別: %s", n)
		}
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN generates PostgreSQL Data Source Name
// PostgreSQLデータソース名を生成
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// Engine returns the stock engine settings
// 在庫エンジンの設定を返す
func (c *Config) Engine() *inventory.Config {
	return &inventory.Config{
		DefaultActor:  c.Inventory.DefaultActor,
		HistoryLimit:  c.Inventory.HistoryLimit,
		NotifyTimeout: c.Inventory.NotifyTimeout,
	}
}

// HasNotifier reports whether the named notifier is enabled
func (c *Config) HasNotifier(name string) bool {
	for _, n := range c.Inventory.Notifiers {
		if n == name {
			return true
		}
	}
	return false
}

// ヘルパー関数

// getEnv gets environment variable with default value
// デフォルト値付きで環境変数を取得
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer with default value
// デフォルト値付きで環境変数を整数として取得
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets environment variable as boolean with default value
// デフォルト値付きで環境変数をbooleanとして取得
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets environment variable as duration with default value
// デフォルト値付きで環境変数をdurationとして取得
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvAsList gets a comma separated environment variable as a list
// カンマ区切りの環境変数をリストとして取得
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			list = append(list, v)
		}
	}
	return list
}
