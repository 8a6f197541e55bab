package notifier

import (
	"context"
	"errors"
	"io"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// MultiNotifier fans an event out to every notifier; one failure does not stop the others
// 複数の通知先にイベントを配信する
type MultiNotifier struct {
	notifiers []inventory.LowStockNotifier
}

var _ inventory.LowStockNotifier = (*MultiNotifier)(nil)

// NewMultiNotifier creates a fan-out notifier; nil entries are skipped
func NewMultiNotifier(notifiers ...inventory.LowStockNotifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// NotifyLowStock calls every notifier and joins their errors
func (m *MultiNotifier) NotifyLowStock(ctx context.Context, event inventory.LowStockAlertEvent) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.NotifyLowStock(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of notifiers
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// Close closes every notifier that holds a connection
func (m *MultiNotifier) Close() error {
	var errs []error
	for _, n := range m.notifiers {
		if c, ok := n.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
