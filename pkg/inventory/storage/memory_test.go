package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

func newTestMemoryStorage(t *testing.T, timeout time.Duration) *MemoryStorage {
	t.Helper()
	s := NewMemoryStorage(timeout, zap.NewNop())
	require.NoError(t, s.CreateProduct(context.Background(), &inventory.Product{ID: "P", TrackStock: true}))
	return s
}

// TestMemoryStorage_CommitAndRollback はステージングした書き込みの反映と破棄のテスト
func TestMemoryStorage_CommitAndRollback(t *testing.T) {
	s := newTestMemoryStorage(t, time.Second)
	ctx := context.Background()
	batch := "B1"

	err := s.RunInTx(ctx, func(tx inventory.Tx) error {
		st, err := tx.LockStock(ctx, "S", "P")
		if err != nil {
			return err
		}
		st.Quantity = 5
		if err := tx.UpdateStock(ctx, st); err != nil {
			return err
		}
		return tx.CreateMovement(ctx, &inventory.Movement{ID: "M1", StoreID: "S", ProductID: "P", Quantity: 5, QuantityAfter: 5, BatchID: &batch})
	})
	require.NoError(t, err)

	st, err := s.GetStock(ctx, "S", "P")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Quantity)

	// エラーを返すとすべて破棄される
	boom := errors.New("boom")
	err = s.RunInTx(ctx, func(tx inventory.Tx) error {
		st, err := tx.LockStock(ctx, "S", "P")
		if err != nil {
			return err
		}
		st.Quantity = 100
		if err := tx.UpdateStock(ctx, st); err != nil {
			return err
		}
		if _, err := tx.LockStock(ctx, "S", "NEW"); err != nil {
			return err
		}
		if err := tx.CreateMovement(ctx, &inventory.Movement{ID: "M2", StoreID: "S", ProductID: "P"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	st, err = s.GetStock(ctx, "S", "P")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Quantity)
	_, err = s.GetStock(ctx, "S", "NEW")
	assert.ErrorIs(t, err, inventory.ErrStockNotFound)

	history, err := s.GetMovementHistory(ctx, "S", "P", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// 返された移動のバッチIDを変更しても台帳は変わらない
	*history[0].BatchID = "tampered"
	byBatch, err := s.GetMovementsByBatch(ctx, "B1")
	require.NoError(t, err)
	assert.Len(t, byBatch, 1)
}

// TestMemoryStorage_LockTimeout はロック待ちタイムアウトが同時実行エラーになることのテスト
func TestMemoryStorage_LockTimeout(t *testing.T) {
	s := newTestMemoryStorage(t, 50*time.Millisecond)
	ctx := context.Background()

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.RunInTx(ctx, func(tx inventory.Tx) error {
			if _, err := tx.LockStock(ctx, "S", "P"); err != nil {
				return err
			}
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked

	err := s.RunInTx(ctx, func(tx inventory.Tx) error {
		_, err := tx.LockStock(ctx, "S", "P")
		return err
	})
	close(done)

	var ce *inventory.ConcurrencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "stock:S/P", ce.Resource)
	assert.True(t, inventory.IsRetryable(err))

	// 別のキーはブロックされない
	require.NoError(t, s.RunInTx(ctx, func(tx inventory.Tx) error {
		_, err := tx.LockStock(ctx, "S2", "P")
		return err
	}))
}

// TestMemoryStorage_ContextCanceled はロック待ち中のキャンセルのテスト
func TestMemoryStorage_ContextCanceled(t *testing.T) {
	s := newTestMemoryStorage(t, 0)

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.RunInTx(context.Background(), func(tx inventory.Tx) error {
			tx.LockStock(context.Background(), "S", "P")
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := s.RunInTx(ctx, func(tx inventory.Tx) error {
		_, err := tx.LockStock(ctx, "S", "P")
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, inventory.IsRetryable(err))
}

// TestMemoryStorage_ReentrantLock は同一トランザクション内の再ロックのテスト
func TestMemoryStorage_ReentrantLock(t *testing.T) {
	s := newTestMemoryStorage(t, 50*time.Millisecond)
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx inventory.Tx) error {
		first, err := tx.LockStock(ctx, "S", "P")
		if err != nil {
			return err
		}
		first.Quantity = 3
		if err := tx.UpdateStock(ctx, first); err != nil {
			return err
		}

		// 2回目はステージングされた値を返す
		second, err := tx.LockStock(ctx, "S", "P")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(3), second.Quantity)

		stocks, err := tx.ListStockByStore(ctx, "S")
		if err != nil {
			return err
		}
		assert.Len(t, stocks, 1)
		return nil
	})
	require.NoError(t, err)

	// ロックは解放されている
	require.NoError(t, s.RunInTx(ctx, func(tx inventory.Tx) error {
		_, err := tx.LockStock(ctx, "S", "P")
		return err
	}))
	assert.Empty(t, s.locks.slots)
}

// TestMemoryStorage_UpdateRequiresLock はロックなしの更新が拒否されることのテスト
func TestMemoryStorage_UpdateRequiresLock(t *testing.T) {
	s := newTestMemoryStorage(t, time.Second)
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx inventory.Tx) error {
		return tx.UpdateStock(ctx, &inventory.Stock{StoreID: "S", ProductID: "P", Quantity: 1})
	})
	var se *inventory.StorageError
	assert.True(t, errors.As(err, &se))

	err = s.RunInTx(ctx, func(tx inventory.Tx) error {
		return tx.UpdateTransfer(ctx, &inventory.Transfer{ID: "T"})
	})
	assert.True(t, errors.As(err, &se))

	err = s.RunInTx(ctx, func(tx inventory.Tx) error {
		return tx.UpdateStockCount(ctx, &inventory.StockCount{ID: "C"})
	})
	assert.True(t, errors.As(err, &se))
}

// TestMemoryStorage_Queries は照会系メソッドのテスト
func TestMemoryStorage_Queries(t *testing.T) {
	s := newTestMemoryStorage(t, time.Second)
	ctx := context.Background()
	require.NoError(t, s.CreateProduct(ctx, &inventory.Product{ID: "Q", TrackStock: true}))
	assert.ErrorIs(t, s.CreateProduct(ctx, &inventory.Product{ID: "Q"}), inventory.ErrDuplicateProduct)

	base := time.Now()
	require.NoError(t, s.RunInTx(ctx, func(tx inventory.Tx) error {
		for _, id := range []string{"Q", "P"} {
			st, err := tx.LockStock(ctx, "S", id)
			if err != nil {
				return err
			}
			st.Quantity = 2
			st.MinQty = 2
			if id == "P" {
				st.Quantity = 10
			}
			if err := tx.UpdateStock(ctx, st); err != nil {
				return err
			}
		}
		for i := 0; i < 3; i++ {
			if err := tx.CreateMovement(ctx, &inventory.Movement{
				ID: "M" + string(rune('0'+i)), StoreID: "S", ProductID: "P",
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	stocks, err := s.ListStockByStore(ctx, "S")
	require.NoError(t, err)
	require.Len(t, stocks, 2)
	assert.Equal(t, "P", stocks[0].ProductID)

	low, err := s.ListLowStock(ctx, "S")
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "Q", low[0].ProductID)

	ranged, err := s.GetMovementsByDateRange(ctx, "S", "P", base, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, "M0", ranged[0].ID)

	history, err := s.GetMovementHistory(ctx, "S", "P", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "M2", history[0].ID)

	// 0以下は件数無制限
	all, err := s.GetMovementHistory(ctx, "S", "P", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.GetTransfer(ctx, "missing")
	assert.ErrorIs(t, err, inventory.ErrTransferNotFound)
	_, err = s.GetStockCount(ctx, "missing")
	assert.ErrorIs(t, err, inventory.ErrCountNotFound)
	assert.NoError(t, s.Ping(ctx))
}
