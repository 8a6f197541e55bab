package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// RedisClient is the subset of *redis.Client the notifier uses
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisNotifier publishes low-stock events on a Redis channel and keeps the latest alert per record
// 低在庫イベントをRedisチャネルに配信し、レコードごとの最新アラートを保持する
type RedisNotifier struct {
	client    RedisClient
	channel   string
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

var _ inventory.LowStockNotifier = (*RedisNotifier)(nil)

// NewRedisClient connects to Redis and verifies the connection
// Redisに接続し、接続を確認する
func NewRedisClient(url, password string, db int, logger *zap.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("Redis URLの解析に失敗しました: %w", err)
	}
	if password != "" {
		opt.Password = password
	}
	opt.DB = db

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis pingに失敗しました: %w", err)
	}

	if logger != nil {
		logger.Info("Redis接続が確立されました",
			zap.String("addr", opt.Addr),
			zap.Int("db", db),
		)
	}
	return client, nil
}

// NewRedisNotifier creates a new Redis notifier; ttl <= 0 keeps the latest alert without expiry
// 新しいRedis通知を作成（ttlが0以下の場合は期限なし）
func NewRedisNotifier(client RedisClient, channel, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{
		client:    client,
		channel:   channel,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

// NotifyLowStock publishes the event as JSON and stores it under <prefix><store>:<product>
func (n *RedisNotifier) NotifyLowStock(ctx context.Context, event inventory.LowStockAlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("低在庫イベントのシリアライズに失敗しました: %w", err)
	}

	receivers, err := n.client.Publish(ctx, n.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("Redisへの低在庫イベント配信に失敗しました: %w", err)
	}

	key := n.AlertKey(event.StoreID, event.ProductID)
	if err := n.client.Set(ctx, key, payload, n.ttl).Err(); err != nil {
		return fmt.Errorf("最新アラートの保存に失敗しました: %w", err)
	}

	n.logger.Debug("低在庫イベントをRedisに配信しました",
		zap.String("channel", n.channel),
		zap.String("key", key),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// AlertKey returns the key holding the latest alert of a record
func (n *RedisNotifier) AlertKey(storeID, productID string) string {
	return n.keyPrefix + inventory.StockKey(storeID, productID)
}
