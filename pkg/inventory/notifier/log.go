// Package notifier provides LowStockNotifier implementations
package notifier

import (
	"context"

	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// LogNotifier writes low-stock events to the structured log
// 低在庫イベントをログに出力する通知
type LogNotifier struct {
	logger *zap.Logger
}

var _ inventory.LowStockNotifier = (*LogNotifier)(nil)

// NewLogNotifier creates a new log notifier
// 新しいログ通知を作成
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// NotifyLowStock logs the event at warn level
func (n *LogNotifier) NotifyLowStock(ctx context.Context, event inventory.LowStockAlertEvent) error {
	n.logger.Warn("低在庫アラート",
		zap.String("store_id", event.StoreID),
		zap.String("product_id", event.ProductID),
		zap.Int64("quantity", event.Quantity),
		zap.Int64("reserved", event.Reserved),
		zap.Int64("available", event.Available),
		zap.Int64("min_qty", event.MinQty),
	)
	return nil
}
