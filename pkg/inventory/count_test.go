package inventory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

func startCount(t *testing.T, env *testEnv, storeID string) *inventory.StockCount {
	t.Helper()
	ctx := context.Background()

	count, err := env.manager.CreateStockCount(ctx, storeID, "auditor", "月次棚卸")
	require.NoError(t, err)
	assert.Equal(t, inventory.CountStatusDraft, count.Status)
	assert.Empty(t, count.Lines)

	count, err = env.manager.StartStockCount(ctx, count.ID, "auditor")
	require.NoError(t, err)
	assert.Equal(t, inventory.CountStatusInProgress, count.Status)
	return count
}

// TestStockCount_Complete は棚卸差異が調整移動として記録されることのテスト
func TestStockCount_Complete(t *testing.T) {
	env := newTestEnv(t, "P", "Q", "R")
	ctx := context.Background()
	env.adjust(t, "D", "P", 10)
	env.adjust(t, "D", "Q", 5)
	env.adjust(t, "D", "R", 3)

	count := startCount(t, env, "D")
	require.Len(t, count.Lines, 3)
	assert.Equal(t, "P", count.Lines[0].ProductID)
	assert.Equal(t, int64(10), count.Lines[0].SystemQty)
	assert.Nil(t, count.Lines[0].CountedQty)

	_, err := env.manager.RecordCount(ctx, count.ID, "P", 7, "auditor")
	require.NoError(t, err)
	_, err = env.manager.RecordCount(ctx, count.ID, "Q", 5, "auditor")
	require.NoError(t, err)
	_, err = env.manager.RecordCount(ctx, count.ID, "R", 4, "auditor")
	require.NoError(t, err)

	completed, err := env.manager.CompleteStockCount(ctx, count.ID, "auditor")
	require.NoError(t, err)
	assert.Equal(t, inventory.CountStatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	assert.Equal(t, int64(7), env.stock(t, "D", "P").Quantity)
	assert.Equal(t, int64(5), env.stock(t, "D", "Q").Quantity)
	assert.Equal(t, int64(4), env.stock(t, "D", "R").Quantity)

	history, err := env.tracking.GetMovementHistory(ctx, "D", "P", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	adj := history[0]
	assert.Equal(t, inventory.MovementTypeAdjust, adj.Type)
	assert.Equal(t, int64(-3), adj.Quantity)
	assert.Equal(t, count.ID, adj.Reference)
	assert.Contains(t, adj.Reason, "システム数量=10")
	require.NotNil(t, adj.BatchID)

	// 差異のない明細は移動を作らず、全調整は1つのバッチにまとまる
	batch, err := env.tracking.GetBatchMovements(ctx, *adj.BatchID)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "P", batch[0].ProductID)
	assert.Equal(t, "R", batch[1].ProductID)
	assert.Equal(t, int64(1), batch[1].Quantity)

	qHistory, err := env.tracking.GetMovementHistory(ctx, "D", "Q", 0)
	require.NoError(t, err)
	assert.Len(t, qHistory, 1)
}

// TestStockCount_Preconditions は棚卸完了の前提条件のテスト
func TestStockCount_Preconditions(t *testing.T) {
	env := newTestEnv(t, "P", "Q")
	ctx := context.Background()
	env.adjust(t, "D", "P", 10)
	env.adjust(t, "D", "Q", 2)

	t.Run("未入力の明細", func(t *testing.T) {
		count := startCount(t, env, "D")
		_, err := env.manager.RecordCount(ctx, count.ID, "P", 9, "auditor")
		require.NoError(t, err)

		_, err = env.manager.CompleteStockCount(ctx, count.ID, "auditor")
		assert.ErrorIs(t, err, inventory.ErrIncompleteCount)
		assert.Equal(t, int64(10), env.stock(t, "D", "P").Quantity)

		stored, err := env.manager.GetStockCount(ctx, count.ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.CountStatusInProgress, stored.Status)
		require.NotNil(t, stored.Lines[0].CountedQty)
		assert.Equal(t, int64(9), *stored.Lines[0].CountedQty)

		cancelled, err := env.manager.CancelStockCount(ctx, count.ID, "auditor")
		require.NoError(t, err)
		assert.Equal(t, inventory.CountStatusCancelled, cancelled.Status)
	})

	t.Run("明細なし", func(t *testing.T) {
		count := startCount(t, env, "EMPTY")
		_, err := env.manager.CompleteStockCount(ctx, count.ID, "auditor")
		assert.ErrorIs(t, err, inventory.ErrEmptyCount)
	})

	t.Run("下書きは完了できない", func(t *testing.T) {
		count, err := env.manager.CreateStockCount(ctx, "D", "auditor", "")
		require.NoError(t, err)

		_, err = env.manager.CompleteStockCount(ctx, count.ID, "auditor")
		assert.ErrorIs(t, err, inventory.ErrInvalidCountState)

		_, err = env.manager.RecordCount(ctx, count.ID, "P", 1, "auditor")
		assert.ErrorIs(t, err, inventory.ErrInvalidCountState)
	})

	t.Run("完了後は変更できない", func(t *testing.T) {
		count := startCount(t, env, "D")
		for _, line := range count.Lines {
			_, err := env.manager.RecordCount(ctx, count.ID, line.ProductID, line.SystemQty, "auditor")
			require.NoError(t, err)
		}
		_, err := env.manager.CompleteStockCount(ctx, count.ID, "auditor")
		require.NoError(t, err)

		_, err = env.manager.CancelStockCount(ctx, count.ID, "auditor")
		assert.ErrorIs(t, err, inventory.ErrInvalidCountState)
		_, err = env.manager.StartStockCount(ctx, count.ID, "auditor")
		assert.ErrorIs(t, err, inventory.ErrInvalidCountState)
	})

	t.Run("棚卸に含まれない商品", func(t *testing.T) {
		count := startCount(t, env, "D")
		_, err := env.manager.RecordCount(ctx, count.ID, "OTHER", 1, "auditor")
		assert.ErrorIs(t, err, inventory.ErrCountLineNotFound)

		_, err = env.manager.RecordCount(ctx, count.ID, "P", -1, "auditor")
		assert.ErrorIs(t, err, inventory.ErrInvalidQuantity)
	})

	t.Run("存在しない棚卸", func(t *testing.T) {
		_, err := env.manager.StartStockCount(ctx, "missing", "auditor")
		assert.ErrorIs(t, err, inventory.ErrCountNotFound)
	})
}

// TestStockCount_ReservedStock は予約があり減算できない場合に棚卸全体が失敗することのテスト
func TestStockCount_ReservedStock(t *testing.T) {
	env := newTestEnv(t, "P")
	ctx := context.Background()
	env.adjust(t, "D", "P", 10)
	_, err := env.manager.ReserveStock(ctx, inventory.ReservationRequest{StoreID: "D", ProductID: "P", Quantity: 8})
	require.NoError(t, err)

	count := startCount(t, env, "D")
	_, err = env.manager.RecordCount(ctx, count.ID, "P", 5, "auditor")
	require.NoError(t, err)

	_, err = env.manager.CompleteStockCount(ctx, count.ID, "auditor")
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)

	stored, err := env.manager.GetStockCount(ctx, count.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.CountStatusInProgress, stored.Status)
	assert.Equal(t, int64(10), env.stock(t, "D", "P").Quantity)
}
