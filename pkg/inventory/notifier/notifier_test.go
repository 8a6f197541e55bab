package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

var testEvent = inventory.LowStockAlertEvent{
	StoreID:   "STORE-1",
	ProductID: "PROD-1",
	Quantity:  5,
	Reserved:  3,
	Available: 2,
	MinQty:    4,
	Timestamp: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC),
}

// MockRedisClient はテスト用のRedisクライアントモック
type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	args := m.Called(ctx, channel, message)
	return args.Get(0).(*redis.IntCmd)
}

func (m *MockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	return args.Get(0).(*redis.StatusCmd)
}

// TestRedisNotifier_NotifyLowStock は配信と最新アラート保存のテスト
func TestRedisNotifier_NotifyLowStock(t *testing.T) {
	client := new(MockRedisClient)

	// モックの期待値設定
	isEvent := mock.MatchedBy(func(payload []byte) bool {
		var got inventory.LowStockAlertEvent
		return json.Unmarshal(payload, &got) == nil && got.StoreID == "STORE-1" && got.Available == 2
	})
	client.On("Publish", mock.Anything, "stock:low", isEvent).Return(redis.NewIntResult(1, nil))
	client.On("Set", mock.Anything, "alert:STORE-1/PROD-1", isEvent, time.Hour).Return(redis.NewStatusResult("OK", nil))

	// テスト実行
	n := NewRedisNotifier(client, "stock:low", "alert:", time.Hour, zap.NewNop())
	err := n.NotifyLowStock(context.Background(), testEvent)

	// アサーション
	assert.NoError(t, err)
	client.AssertExpectations(t)
}

// TestRedisNotifier_AlertKey は区切り文字を含むIDでもキーが衝突しないことのテスト
func TestRedisNotifier_AlertKey(t *testing.T) {
	n := NewRedisNotifier(new(MockRedisClient), "stock:low", "alert:", 0, nil)

	assert.Equal(t, "alert:STORE-1/PROD-1", n.AlertKey("STORE-1", "PROD-1"))
	assert.NotEqual(t, n.AlertKey("a:b", "c"), n.AlertKey("a", "b:c"))
}

// TestRedisNotifier_PublishError は配信失敗時に保存しないことのテスト
func TestRedisNotifier_PublishError(t *testing.T) {
	client := new(MockRedisClient)
	client.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Return(redis.NewIntResult(0, errors.New("connection refused")))

	n := NewRedisNotifier(client, "stock:low", "alert:", 0, nil)
	err := n.NotifyLowStock(context.Background(), testEvent)

	assert.ErrorContains(t, err, "connection refused")
	client.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// TestKafkaNotifier_NotifyLowStock はKafkaへの配信のテスト
func TestKafkaNotifier_NotifyLowStock(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got inventory.LowStockAlertEvent
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.ProductID != "PROD-1" || got.MinQty != 4 {
			return errors.New("想定外のイベントです")
		}
		return nil
	})

	n := NewKafkaNotifier(producer, "stock-ledger.low-stock", zap.NewNop())
	assert.NoError(t, n.NotifyLowStock(context.Background(), testEvent))
	assert.NoError(t, n.Close())
}

// TestKafkaNotifier_SendError は配信失敗がエラーとして返ることのテスト
func TestKafkaNotifier_SendError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	n := NewKafkaNotifier(producer, "stock-ledger.low-stock", nil)
	err := n.NotifyLowStock(context.Background(), testEvent)

	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.NoError(t, n.Close())
}

type stubNotifier struct {
	err    error
	calls  int
	closed bool
}

func (s *stubNotifier) NotifyLowStock(ctx context.Context, event inventory.LowStockAlertEvent) error {
	s.calls++
	return s.err
}

func (s *stubNotifier) Close() error {
	s.closed = true
	return nil
}

// TestMultiNotifier は複数通知先への配信のテスト
func TestMultiNotifier(t *testing.T) {
	failing := &stubNotifier{err: errors.New("redis down")}
	ok := &stubNotifier{}

	m := NewMultiNotifier(failing, nil, ok)
	require.Equal(t, 2, m.Len())

	err := m.NotifyLowStock(context.Background(), testEvent)
	assert.ErrorContains(t, err, "redis down")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)

	assert.NoError(t, m.Close())
	assert.True(t, failing.closed)
	assert.True(t, ok.closed)

	assert.NoError(t, NewMultiNotifier().NotifyLowStock(context.Background(), testEvent))
}

// TestLogNotifier は警告ログ出力のテスト
func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.NotifyLowStock(context.Background(), testEvent))

	entries := logs.FilterMessage("低在庫アラート").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "STORE-1", fields["store_id"])
	assert.Equal(t, int64(2), fields["available"])
}
