package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

const lowStockEventType = "LowStockAlert"

// KafkaNotifier publishes low-stock events to a Kafka topic keyed by store and product
// 低在庫イベントをKafkaトピックに配信する通知
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

var _ inventory.LowStockNotifier = (*KafkaNotifier)(nil)

// NewKafkaProducer creates an idempotent sync producer
// 冪等なSyncProducerを作成
func NewKafkaProducer(brokers []string, retries int, acks string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = retries
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	switch acks {
	case "0":
		config.Producer.RequiredAcks = sarama.NoResponse
	case "1":
		config.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		config.Producer.RequiredAcks = sarama.WaitForAll
	}
	// 冪等プロデューサーはWaitForAllが必須
	if config.Producer.RequiredAcks != sarama.WaitForAll {
		config.Producer.Idempotent = false
	}

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("Kafkaプロデューサーの作成に失敗しました: %w", err)
	}
	return producer, nil
}

// NewKafkaNotifier creates a new Kafka notifier
// 新しいKafka通知を作成
func NewKafkaNotifier(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// NotifyLowStock sends the event and waits for the broker acknowledgement or ctx
func (n *KafkaNotifier) NotifyLowStock(ctx context.Context, event inventory.LowStockAlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("低在庫イベントのシリアライズに失敗しました: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(inventory.StockKey(event.StoreID, event.ProductID)),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(lowStockEventType)},
			{Key: []byte("event-id"), Value: []byte(uuid.New().String())},
			{Key: []byte("timestamp"), Value: []byte(event.Timestamp.UTC().Format(time.RFC3339))},
		},
	}

	type result struct {
		partition int32
		offset    int64
		err       error
	}
	done := make(chan result, 1)
	go func() {
		partition, offset, err := n.producer.SendMessage(message)
		done <- result{partition, offset, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("Kafkaへの低在庫イベント配信がタイムアウトしました: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("Kafkaへの低在庫イベント配信に失敗しました: %w", r.err)
		}
		n.logger.Debug("低在庫イベントをKafkaに配信しました",
			zap.String("topic", n.topic),
			zap.Int32("partition", r.partition),
			zap.Int64("offset", r.offset),
		)
		return nil
	}
}

// Close closes the producer
func (n *KafkaNotifier) Close() error {
	if n.producer != nil {
		return n.producer.Close()
	}
	return nil
}
