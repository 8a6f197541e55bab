package inventory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Manager implements the StockEngine interface
// StockEngineインターフェースの実装
type Manager struct {
	storage  Storage          // ストレージ層
	notifier LowStockNotifier // 低在庫通知フック
	metrics  *Metrics         // メトリクス
	logger   *zap.Logger      // ログ
	config   *Config          // 設定
}

// すべてのインターフェースを実装することを明示
var _ StockEngine = (*Manager)(nil)

// Config holds configuration for the stock engine
// 在庫エンジンの設定を保持
type Config struct {
	DefaultActor  string        `yaml:"default_actor"`  // 実行者未指定時の既定値
	HistoryLimit  int           `yaml:"history_limit"`  // 履歴取得の既定件数
	NotifyTimeout time.Duration `yaml:"notify_timeout"` // 低在庫通知のタイムアウト
}

// DefaultConfig returns the engine defaults
// 既定の設定を返す
func DefaultConfig() *Config {
	return &Config{
		DefaultActor:  "system",
		HistoryLimit:  100,
		NotifyTimeout: 5 * time.Second,
	}
}

// NewManager creates a new stock engine; notifier and metrics may be nil
// 新しい在庫エンジンを作成（notifierとmetricsはnil可）
func NewManager(storage Storage, notifier LowStockNotifier, metrics *Metrics, logger *zap.Logger, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		storage:  storage,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		config:   config,
	}
}

// unitOfWork collects what one engine call changed so that side effects run only after commit
// 1回の操作での変更を記録し、コミット後にのみ副作用を実行する
type unitOfWork struct {
	tx        Tx
	touched   map[string]Stock
	order     []string
	movements []Movement
}

func (u *unitOfWork) touch(stock *Stock) {
	key := stock.Key()
	if _, ok := u.touched[key]; !ok {
		u.order = append(u.order, key)
	}
	u.touched[key] = *stock
}

// execute runs fn inside one storage transaction and fires post-commit effects
// fnを1つのトランザクション内で実行し、コミット後の処理を行う
func (m *Manager) execute(ctx context.Context, operation string, fn func(u *unitOfWork) error) error {
	start := time.Now()

	var uow *unitOfWork
	err := m.storage.RunInTx(ctx, func(tx Tx) error {
		uow = &unitOfWork{tx: tx, touched: make(map[string]Stock)}
		return fn(uow)
	})
	m.metrics.observe(operation, start, err)
	if err != nil {
		return err
	}

	m.metrics.movementsCommitted(uow.movements)
	for _, key := range uow.order {
		stock := uow.touched[key]
		m.notifyLowStock(ctx, &stock)
	}
	return nil
}

// AdjustStock applies a signed delta to a stock record and appends a ledger movement
// 在庫レコードに符号付き増減を適用し、台帳に移動を追記
func (m *Manager) AdjustStock(ctx context.Context, req AdjustRequest) (*Movement, error) {
	var movement *Movement
	err := m.execute(ctx, "adjust_stock", func(u *unitOfWork) error {
		mv, err := m.adjustInTx(ctx, u, req)
		if err != nil {
			return err
		}
		movement = mv
		return nil
	})
	if err != nil {
		m.logger.Warn("在庫調整に失敗しました",
			zap.String("store_id", req.StoreID),
			zap.String("product_id", req.ProductID),
			zap.Int64("qty_delta", req.Delta),
			zap.String("movement_type", string(req.Type)),
			zap.Error(err),
		)
		return nil, err
	}

	m.logger.Info("在庫調整完了",
		zap.String("movement_id", movement.ID),
		zap.String("store_id", movement.StoreID),
		zap.String("product_id", movement.ProductID),
		zap.Int64("qty_delta", movement.Quantity),
		zap.Int64("quantity", movement.QuantityAfter),
		zap.String("movement_type", string(movement.Type)),
		zap.String("reference", movement.Reference),
	)

	return movement, nil
}

// adjustInTx is the single code path that changes Stock.Quantity
// Stock.Quantityを変更する唯一の経路
func (m *Manager) adjustInTx(ctx context.Context, u *unitOfWork, req AdjustRequest) (*Movement, error) {
	if err := ValidateAdjustRequest(req); err != nil {
		return nil, err
	}

	product, err := u.tx.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.TrackStock {
		return nil, NewBusinessRuleError("not_stock_tracked", "在庫管理対象外の商品は調整できません",
			fmt.Sprintf("商品ID: %s", req.ProductID), ErrNotStockTracked)
	}

	stock, err := u.tx.LockStock(ctx, req.StoreID, req.ProductID)
	if err != nil {
		return nil, err
	}

	if req.Delta < 0 && stock.Available()+req.Delta < 0 {
		return nil, NewBusinessRuleError("insufficient_stock", "利用可能在庫を超える減算はできません",
			fmt.Sprintf("店舗: %s, 商品ID: %s, 利用可能: %d, 増減: %d", req.StoreID, req.ProductID, stock.Available(), req.Delta),
			ErrInsufficientStock)
	}

	actor := m.actor(req.Actor)
	now := time.Now()
	before := stock.Quantity

	stock.Quantity += req.Delta
	stock.Version++
	stock.UpdatedAt = now
	stock.UpdatedBy = actor

	if err := u.tx.UpdateStock(ctx, stock); err != nil {
		return nil, err
	}

	movement := &Movement{
		ID:             NewMovementID(),
		StoreID:        req.StoreID,
		ProductID:      req.ProductID,
		Type:           req.Type,
		Quantity:       req.Delta,
		QuantityBefore: before,
		QuantityAfter:  stock.Quantity,
		Reference:      req.Reference,
		Reason:         req.Reason,
		Actor:          actor,
		BatchID:        req.BatchID,
		CreatedAt:      now,
	}
	if err := u.tx.CreateMovement(ctx, movement); err != nil {
		return nil, err
	}

	u.touch(stock)
	u.movements = append(u.movements, *movement)
	return movement, nil
}

// ReserveStock holds back quantity for an in-flight transaction without writing a movement
// 未確定の取引のために在庫を確保する（台帳には記録しない）
func (m *Manager) ReserveStock(ctx context.Context, req ReservationRequest) (*Stock, error) {
	if err := ValidateReservationRequest(req); err != nil {
		return nil, err
	}

	var result Stock
	err := m.execute(ctx, "reserve_stock", func(u *unitOfWork) error {
		stock, err := m.lockKnownStock(ctx, u, req.StoreID, req.ProductID)
		if err != nil {
			return err
		}

		if stock.Available() < req.Quantity {
			return NewBusinessRuleError("insufficient_available_stock", "予約可能数量を超えています",
				fmt.Sprintf("店舗: %s, 商品ID: %s, 利用可能: %d, 予約: %d", req.StoreID, req.ProductID, stock.Available(), req.Quantity),
				ErrInsufficientAvailableStock)
		}

		stock.Reserved += req.Quantity
		return m.saveStock(ctx, u, stock, req.Actor, &result)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("在庫予約完了",
		zap.String("store_id", req.StoreID),
		zap.String("product_id", req.ProductID),
		zap.Int64("quantity", req.Quantity),
		zap.Int64("reserved", result.Reserved),
		zap.String("reference", req.Reference),
	)

	return &result, nil
}

// ReleaseStock releases previously reserved quantity
// 予約済み数量を解除
func (m *Manager) ReleaseStock(ctx context.Context, req ReservationRequest) (*Stock, error) {
	if err := ValidateReservationRequest(req); err != nil {
		return nil, err
	}

	var result Stock
	err := m.execute(ctx, "release_stock", func(u *unitOfWork) error {
		stock, err := m.lockKnownStock(ctx, u, req.StoreID, req.ProductID)
		if err != nil {
			return err
		}

		if stock.Reserved < req.Quantity {
			return NewBusinessRuleError("over_release", "予約量を超える解除です",
				fmt.Sprintf("店舗: %s, 商品ID: %s, 予約済み: %d, 解除: %d", req.StoreID, req.ProductID, stock.Reserved, req.Quantity),
				ErrOverRelease)
		}

		stock.Reserved -= req.Quantity
		return m.saveStock(ctx, u, stock, req.Actor, &result)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("在庫予約解除完了",
		zap.String("store_id", req.StoreID),
		zap.String("product_id", req.ProductID),
		zap.Int64("quantity", req.Quantity),
		zap.Int64("reserved", result.Reserved),
		zap.String("reference", req.Reference),
	)

	return &result, nil
}

// lockKnownStock rejects unknown products before taking the record lock
func (m *Manager) lockKnownStock(ctx context.Context, u *unitOfWork, storeID, productID string) (*Stock, error) {
	if _, err := u.tx.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return u.tx.LockStock(ctx, storeID, productID)
}

func (m *Manager) saveStock(ctx context.Context, u *unitOfWork, stock *Stock, actor string, result *Stock) error {
	stock.Version++
	stock.UpdatedAt = time.Now()
	stock.UpdatedBy = m.actor(actor)

	if err := u.tx.UpdateStock(ctx, stock); err != nil {
		return err
	}
	u.touch(stock)
	*result = *stock
	return nil
}

// SetMinQty updates the informational reorder threshold of a record
// 発注点を更新
func (m *Manager) SetMinQty(ctx context.Context, storeID, productID string, minQty int64, actor string) (*Stock, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if minQty < 0 {
		return nil, NewValidationError("min_qty", "発注点は0以上である必要があります", fmt.Sprintf("%d", minQty))
	}

	var result Stock
	err := m.execute(ctx, "set_min_qty", func(u *unitOfWork) error {
		stock, err := m.lockKnownStock(ctx, u, storeID, productID)
		if err != nil {
			return err
		}
		stock.MinQty = minQty
		return m.saveStock(ctx, u, stock, actor, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetStock gets the current record for a store and product
// 店舗・商品の在庫レコードを取得
func (m *Manager) GetStock(ctx context.Context, storeID, productID string) (*Stock, error) {
	return m.storage.GetStock(ctx, storeID, productID)
}

// ListStockByStore gets every record of a store
// 店舗のすべての在庫を取得
func (m *Manager) ListStockByStore(ctx context.Context, storeID string) ([]Stock, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	return m.storage.ListStockByStore(ctx, storeID)
}

// ListLowStock gets the records of a store whose available quantity is at or below min_qty
// 発注点以下の在庫を取得
func (m *Manager) ListLowStock(ctx context.Context, storeID string) ([]Stock, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	return m.storage.ListLowStock(ctx, storeID)
}

// ヘルパーメソッド

func (m *Manager) actor(actor string) string {
	if actor != "" {
		return actor
	}
	return m.config.DefaultActor
}

// notifyLowStock invokes the notifier hook; failures are logged and swallowed
// 低在庫通知フックを呼び出す（失敗はログのみ）
func (m *Manager) notifyLowStock(ctx context.Context, stock *Stock) {
	if m.notifier == nil || !stock.IsLow() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.metrics.notifierFailed()
			m.logger.Error("低在庫通知でpanicが発生しました",
				zap.String("store_id", stock.StoreID),
				zap.String("product_id", stock.ProductID),
				zap.Any("panic", r),
			)
		}
	}()

	if m.config.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.NotifyTimeout)
		defer cancel()
	}

	event := LowStockAlertEvent{
		StoreID:   stock.StoreID,
		ProductID: stock.ProductID,
		Quantity:  stock.Quantity,
		Reserved:  stock.Reserved,
		Available: stock.Available(),
		MinQty:    stock.MinQty,
		Timestamp: time.Now(),
	}
	if err := m.notifier.NotifyLowStock(ctx, event); err != nil {
		m.metrics.notifierFailed()
		m.logger.Error("低在庫通知に失敗しました",
			zap.String("store_id", stock.StoreID),
			zap.String("product_id", stock.ProductID),
			zap.Error(err),
		)
	}
}
