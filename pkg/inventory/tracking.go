package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TrackingManager answers "why did stock change" from the movement ledger
// 在庫移動台帳の照会を処理
type TrackingManager struct {
	storage Storage
	logger  *zap.Logger
	limit   int
}

// NewTrackingManager creates a new tracking manager
// 新しい追跡マネージャーを作成
func NewTrackingManager(storage Storage, logger *zap.Logger, config *Config) *TrackingManager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackingManager{
		storage: storage,
		logger:  logger,
		limit:   config.HistoryLimit,
	}
}

// GetMovementHistory retrieves the newest movements of a stock record
// 在庫レコードの移動履歴を新しい順に取得
func (tm *TrackingManager) GetMovementHistory(ctx context.Context, storeID, productID string, limit int) ([]Movement, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = tm.limit
	}

	movements, err := tm.storage.GetMovementHistory(ctx, storeID, productID, limit)
	if err != nil {
		return nil, NewStorageError("get_movement_history", "移動履歴取得に失敗しました", err)
	}
	return movements, nil
}

// GetBatchMovements retrieves every movement produced by one transfer or count
// バッチIDに属するすべての移動を取得
func (tm *TrackingManager) GetBatchMovements(ctx context.Context, batchID string) ([]Movement, error) {
	if batchID == "" {
		return nil, NewValidationError("batch_id", "バッチIDが空です", batchID)
	}

	movements, err := tm.storage.GetMovementsByBatch(ctx, batchID)
	if err != nil {
		return nil, NewStorageError("get_movements_by_batch", "バッチ移動取得に失敗しました", err)
	}
	return movements, nil
}

// GetAuditTrail retrieves the movements of a stock record within [from, to) and checks that they chain
// 期間内の移動を取得し、数量の連続性を検証した監査証跡を作成
func (tm *TrackingManager) GetAuditTrail(ctx context.Context, storeID, productID string, from, to time.Time) (*AuditTrail, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if !to.After(from) {
		return nil, NewValidationError("to", "終了日時は開始日時より後である必要があります", to.Format(time.RFC3339))
	}

	movements, err := tm.storage.GetMovementsByDateRange(ctx, storeID, productID, from, to)
	if err != nil {
		return nil, NewStorageError("get_movements_by_date_range", "監査証跡取得に失敗しました", err)
	}

	trail := &AuditTrail{
		StoreID:     storeID,
		ProductID:   productID,
		FromDate:    from,
		ToDate:      to,
		Movements:   movements,
		Consistent:  true,
		GeneratedAt: time.Now(),
	}

	// 古い順に並んでいる前提
	for i, mv := range movements {
		trail.NetChange += mv.Quantity
		if mv.QuantityAfter-mv.QuantityBefore != mv.Quantity {
			trail.Consistent = false
		}
		if i > 0 && movements[i-1].QuantityAfter != mv.QuantityBefore {
			trail.Consistent = false
		}
	}
	if len(movements) > 0 {
		trail.OpeningQty = movements[0].QuantityBefore
		trail.ClosingQty = movements[len(movements)-1].QuantityAfter
	}

	if !trail.Consistent {
		tm.logger.Warn("監査証跡に不整合があります",
			zap.String("store_id", storeID),
			zap.String("product_id", productID),
			zap.Int("movements", len(movements)),
		)
	}

	return trail, nil
}

// AuditTrail represents the ledger of one stock record over a period
// 在庫レコードの期間内の監査証跡を表現
type AuditTrail struct {
	StoreID     string     `json:"store_id"`
	ProductID   string     `json:"product_id"`
	FromDate    time.Time  `json:"from_date"`
	ToDate      time.Time  `json:"to_date"`
	Movements   []Movement `json:"movements"`
	OpeningQty  int64      `json:"opening_qty"`
	ClosingQty  int64      `json:"closing_qty"`
	NetChange   int64      `json:"net_change"`
	Consistent  bool       `json:"consistent"` // 前後数量が連続しているか
	GeneratedAt time.Time  `json:"generated_at"`
}
