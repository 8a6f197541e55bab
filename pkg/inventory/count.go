package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// CreateStockCount registers a new count in DRAFT
// 棚卸を下書きステータスで作成
func (m *Manager) CreateStockCount(ctx context.Context, storeID, actor, notes string) (*StockCount, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	if err := ValidateActor(actor); err != nil {
		return nil, err
	}

	now := time.Now()
	count := &StockCount{
		ID:        NewDocumentID(),
		StoreID:   storeID,
		Status:    CountStatusDraft,
		CreatedBy: m.actor(actor),
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := m.execute(ctx, "create_stock_count", func(u *unitOfWork) error {
		return u.tx.CreateStockCount(ctx, count)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("棚卸作成",
		zap.String("count_id", count.ID),
		zap.String("store_id", count.StoreID),
	)
	return count.Clone(), nil
}

// StartStockCount moves a count to IN_PROGRESS and snapshots every stock record of the store into lines
// 棚卸を開始し、店舗の全在庫レコードを明細としてスナップショット
func (m *Manager) StartStockCount(ctx context.Context, countID, actor string) (*StockCount, error) {
	return m.transitionCount(ctx, "start_stock_count", countID, func(u *unitOfWork, c *StockCount) error {
		if c.Status != CountStatusDraft {
			return countStateError(c, "開始", CountStatusDraft)
		}

		stocks, err := u.tx.ListStockByStore(ctx, c.StoreID)
		if err != nil {
			return err
		}
		sort.Slice(stocks, func(i, j int) bool { return stocks[i].ProductID < stocks[j].ProductID })

		c.Lines = make([]CountLine, 0, len(stocks))
		for _, s := range stocks {
			c.Lines = append(c.Lines, CountLine{
				ID:        NewDocumentID(),
				ProductID: s.ProductID,
				SystemQty: s.Quantity,
			})
		}
		c.Status = CountStatusInProgress
		return nil
	})
}

// RecordCount stores the physically counted quantity of one line
// 明細の実棚数量を記録
func (m *Manager) RecordCount(ctx context.Context, countID, productID string, countedQty int64, actor string) (*StockCount, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if err := ValidateCountedQuantity(countedQty); err != nil {
		return nil, err
	}

	return m.transitionCount(ctx, "record_count", countID, func(u *unitOfWork, c *StockCount) error {
		if c.Status != CountStatusInProgress {
			return countStateError(c, "実棚数量を記録", CountStatusInProgress)
		}
		for i := range c.Lines {
			if c.Lines[i].ProductID == productID {
				qty := countedQty
				c.Lines[i].CountedQty = &qty
				return nil
			}
		}
		return NewBusinessRuleError("count_line_not_found", "棚卸に含まれない商品です",
			fmt.Sprintf("棚卸ID: %s, 商品ID: %s", c.ID, productID), ErrCountLineNotFound)
	})
}

// CancelStockCount cancels a count that has not been completed
// 未完了の棚卸を取消
func (m *Manager) CancelStockCount(ctx context.Context, countID, actor string) (*StockCount, error) {
	return m.transitionCount(ctx, "cancel_stock_count", countID, func(u *unitOfWork, c *StockCount) error {
		if c.Status != CountStatusDraft && c.Status != CountStatusInProgress {
			return countStateError(c, "取消", CountStatusDraft, CountStatusInProgress)
		}
		c.Status = CountStatusCancelled
		return nil
	})
}

// CompleteStockCount posts an ADJUST movement for every line with a variance and completes the count
// 差異のある明細ごとに調整移動を記録し、棚卸を完了する
func (m *Manager) CompleteStockCount(ctx context.Context, countID, actor string) (*StockCount, error) {
	var result *StockCount
	var batchID string
	adjusted := 0

	err := m.execute(ctx, "complete_stock_count", func(u *unitOfWork) error {
		count, err := u.tx.LockStockCount(ctx, countID)
		if err != nil {
			return err
		}
		if count.Status != CountStatusInProgress {
			return countStateError(count, "完了", CountStatusInProgress)
		}
		if len(count.Lines) == 0 {
			return NewBusinessRuleError("empty_count", "明細のない棚卸は完了できません",
				fmt.Sprintf("棚卸ID: %s", count.ID), ErrEmptyCount)
		}
		for _, line := range count.Lines {
			if line.CountedQty == nil {
				return NewBusinessRuleError("incomplete_count", "実棚数量が未入力の明細があります",
					fmt.Sprintf("棚卸ID: %s, 商品ID: %s", count.ID, line.ProductID), ErrIncompleteCount)
			}
		}

		batchID = NewBatchID()

		lines := append([]CountLine(nil), count.Lines...)
		sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

		for _, line := range lines {
			variance, _ := line.Variance()
			if variance == 0 {
				continue
			}
			if _, err := m.adjustInTx(ctx, u, AdjustRequest{
				StoreID:   count.StoreID,
				ProductID: line.ProductID,
				Delta:     variance,
				Type:      MovementTypeAdjust,
				Reason:    countAdjustmentReason(count.ID, line),
				Actor:     actor,
				Reference: count.ID,
				BatchID:   &batchID,
			}); err != nil {
				return fmt.Errorf("棚卸 %s 明細 %s の調整に失敗: %w", count.ID, line.ProductID, err)
			}
			adjusted++
		}

		now := time.Now()
		count.Status = CountStatusCompleted
		count.CompletedAt = &now
		count.UpdatedAt = now
		if err := u.tx.UpdateStockCount(ctx, count); err != nil {
			return err
		}
		result = count.Clone()
		return nil
	})
	if err != nil {
		m.logger.Warn("棚卸の完了に失敗しました",
			zap.String("count_id", countID),
			zap.Error(err),
		)
		return nil, err
	}

	m.logger.Info("棚卸完了",
		zap.String("count_id", result.ID),
		zap.String("store_id", result.StoreID),
		zap.String("batch_id", batchID),
		zap.Int("lines", len(result.Lines)),
		zap.Int("adjusted_lines", adjusted),
	)
	return result, nil
}

// GetStockCount gets a count with its lines
// 棚卸を取得
func (m *Manager) GetStockCount(ctx context.Context, countID string) (*StockCount, error) {
	return m.storage.GetStockCount(ctx, countID)
}

func (m *Manager) transitionCount(ctx context.Context, operation, countID string, apply func(u *unitOfWork, c *StockCount) error) (*StockCount, error) {
	var result *StockCount
	err := m.execute(ctx, operation, func(u *unitOfWork) error {
		count, err := u.tx.LockStockCount(ctx, countID)
		if err != nil {
			return err
		}
		if err := apply(u, count); err != nil {
			return err
		}
		count.UpdatedAt = time.Now()
		if err := u.tx.UpdateStockCount(ctx, count); err != nil {
			return err
		}
		result = count.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debug("棚卸ステータス更新",
		zap.String("count_id", result.ID),
		zap.String("operation", operation),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func countStateError(c *StockCount, action string, allowed ...CountStatus) error {
	return NewBusinessRuleError("invalid_count_state",
		fmt.Sprintf("現在のステータスでは%sできません", action),
		fmt.Sprintf("棚卸ID: %s, ステータス: %s, 必要: %v", c.ID, c.Status, allowed),
		ErrInvalidCountState)
}
