package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// MemoryStorage implements the Storage interface in process memory
// プロセス内メモリを使用したStorageインターフェースの実装
type MemoryStorage struct {
	mu        sync.RWMutex
	products  map[string]inventory.Product
	stocks    map[string]inventory.Stock
	movements []inventory.Movement
	transfers map[string]*inventory.Transfer
	counts    map[string]*inventory.StockCount

	locks       *keyedLocker
	lockTimeout time.Duration
	logger      *zap.Logger
}

var _ inventory.Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage; lockTimeout <= 0 waits until ctx is done
// 新しいメモリストレージを作成（lockTimeoutが0以下の場合はctxの終了まで待機）
func NewMemoryStorage(lockTimeout time.Duration, logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{
		products:    make(map[string]inventory.Product),
		stocks:      make(map[string]inventory.Stock),
		transfers:   make(map[string]*inventory.Transfer),
		counts:      make(map[string]*inventory.StockCount),
		locks:       newKeyedLocker(),
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// RunInTx runs fn with staged writes; they are applied only when fn returns nil
// fnの書き込みをステージングし、nilを返した場合のみ反映する
func (s *MemoryStorage) RunInTx(ctx context.Context, fn func(tx inventory.Tx) error) error {
	tx := &memTx{
		s:         s,
		held:      make(map[string]struct{}),
		stocks:    make(map[string]inventory.Stock),
		transfers: make(map[string]*inventory.Transfer),
		counts:    make(map[string]*inventory.StockCount),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.commit()
	return nil
}

// CreateProduct registers a product
// 商品を登録
func (s *MemoryStorage) CreateProduct(ctx context.Context, product *inventory.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[product.ID]; ok {
		return inventory.ErrDuplicateProduct
	}
	now := time.Now()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.products[product.ID] = *product
	return nil
}

// GetProduct retrieves a product by ID
// IDで商品を取得
func (s *MemoryStorage) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, inventory.ErrProductNotFound
	}
	return &p, nil
}

// GetStock retrieves the committed stock record of a store and product
// 店舗・商品のコミット済み在庫レコードを取得
func (s *MemoryStorage) GetStock(ctx context.Context, storeID, productID string) (*inventory.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stocks[inventory.StockKey(storeID, productID)]
	if !ok {
		return nil, inventory.ErrStockNotFound
	}
	return &st, nil
}

// ListStockByStore retrieves every stock record of a store ordered by product ID
// 店舗のすべての在庫レコードを商品ID順に取得
func (s *MemoryStorage) ListStockByStore(ctx context.Context, storeID string) ([]inventory.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.storeStocks(storeID, nil), nil
}

// ListLowStock retrieves the stock records of a store at or below their reorder threshold
// 発注点以下の在庫レコードを取得
func (s *MemoryStorage) ListLowStock(ctx context.Context, storeID string) ([]inventory.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var low []inventory.Stock
	for _, st := range s.storeStocks(storeID, nil) {
		if st.IsLow() {
			low = append(low, st)
		}
	}
	return low, nil
}

// GetMovementHistory retrieves the newest movements of a stock record
// 在庫レコードの移動履歴を新しい順に取得
func (s *MemoryStorage) GetMovementHistory(ctx context.Context, storeID, productID string, limit int) ([]inventory.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []inventory.Movement
	for i := len(s.movements) - 1; i >= 0; i-- {
		mv := s.movements[i]
		if mv.StoreID != storeID || mv.ProductID != productID {
			continue
		}
		result = append(result, copyMovement(mv))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// GetMovementsByBatch retrieves the movements of a batch in ledger order
// バッチの移動を記録順に取得
func (s *MemoryStorage) GetMovementsByBatch(ctx context.Context, batchID string) ([]inventory.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []inventory.Movement
	for _, mv := range s.movements {
		if mv.BatchID != nil && *mv.BatchID == batchID {
			result = append(result, copyMovement(mv))
		}
	}
	return result, nil
}

// GetMovementsByDateRange retrieves the movements of a stock record in [from, to), oldest first
// 期間内の移動を古い順に取得
func (s *MemoryStorage) GetMovementsByDateRange(ctx context.Context, storeID, productID string, from, to time.Time) ([]inventory.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []inventory.Movement
	for _, mv := range s.movements {
		if mv.StoreID != storeID || mv.ProductID != productID {
			continue
		}
		if mv.CreatedAt.Before(from) || !mv.CreatedAt.Before(to) {
			continue
		}
		result = append(result, copyMovement(mv))
	}
	return result, nil
}

// GetTransfer retrieves a transfer with its lines
// 移動伝票を取得
func (s *MemoryStorage) GetTransfer(ctx context.Context, transferID string) (*inventory.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[transferID]
	if !ok {
		return nil, inventory.ErrTransferNotFound
	}
	return t.Clone(), nil
}

// GetStockCount retrieves a count with its lines
// 棚卸を取得
func (s *MemoryStorage) GetStockCount(ctx context.Context, countID string) (*inventory.StockCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.counts[countID]
	if !ok {
		return nil, inventory.ErrCountNotFound
	}
	return c.Clone(), nil
}

// Ping always succeeds
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing
func (s *MemoryStorage) Close() error {
	return nil
}

// storeStocks merges committed records with staged ones; caller holds s.mu
func (s *MemoryStorage) storeStocks(storeID string, staged map[string]inventory.Stock) []inventory.Stock {
	merged := make(map[string]inventory.Stock)
	for k, st := range s.stocks {
		if st.StoreID == storeID {
			merged[k] = st
		}
	}
	for k, st := range staged {
		if st.StoreID == storeID {
			merged[k] = st
		}
	}

	result := make([]inventory.Stock, 0, len(merged))
	for _, st := range merged {
		result = append(result, st)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result
}

// memTx stages writes and holds per-key locks until RunInTx returns
type memTx struct {
	s *MemoryStorage

	held  map[string]struct{}
	order []string

	stocks    map[string]inventory.Stock
	movements []inventory.Movement
	transfers map[string]*inventory.Transfer
	counts    map[string]*inventory.StockCount
}

func (tx *memTx) lock(ctx context.Context, operation, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}

	if err := tx.s.locks.acquire(ctx, key, tx.s.lockTimeout); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		tx.s.logger.Warn("ロック待ちがタイムアウトしました",
			zap.String("operation", operation),
			zap.String("lock_key", key),
			zap.Duration("lock_timeout", tx.s.lockTimeout),
		)
		return inventory.NewConcurrencyError(operation, key, "ロック取得がタイムアウトしました", err)
	}

	tx.held[key] = struct{}{}
	tx.order = append(tx.order, key)
	return nil
}

func (tx *memTx) releaseAll() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.s.locks.release(tx.order[i])
	}
	tx.order = nil
	tx.held = map[string]struct{}{}
}

func (tx *memTx) commit() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	for k, st := range tx.stocks {
		tx.s.stocks[k] = st
	}
	tx.s.movements = append(tx.s.movements, tx.movements...)
	for id, t := range tx.transfers {
		tx.s.transfers[id] = t
	}
	for id, c := range tx.counts {
		tx.s.counts[id] = c
	}

	tx.s.logger.Debug("トランザクションをコミットしました",
		zap.Int("stocks", len(tx.stocks)),
		zap.Int("movements", len(tx.movements)),
	)
}

func (tx *memTx) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	return tx.s.GetProduct(ctx, productID)
}

func (tx *memTx) LockStock(ctx context.Context, storeID, productID string) (*inventory.Stock, error) {
	key := inventory.StockKey(storeID, productID)
	if err := tx.lock(ctx, "lock_stock", "stock:"+key); err != nil {
		return nil, err
	}

	if st, ok := tx.stocks[key]; ok {
		return &st, nil
	}

	tx.s.mu.RLock()
	st, ok := tx.s.stocks[key]
	tx.s.mu.RUnlock()
	if !ok {
		// 初回は数量0で作成
		st = inventory.Stock{StoreID: storeID, ProductID: productID, UpdatedAt: time.Now()}
		tx.stocks[key] = st
	}
	return &st, nil
}

func (tx *memTx) UpdateStock(ctx context.Context, stock *inventory.Stock) error {
	key := stock.Key()
	if _, ok := tx.held["stock:"+key]; !ok {
		return inventory.NewStorageError("update_stock", "ロックを取得していない在庫レコードは更新できません", nil)
	}
	tx.stocks[key] = *stock
	return nil
}

func (tx *memTx) ListStockByStore(ctx context.Context, storeID string) ([]inventory.Stock, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	return tx.s.storeStocks(storeID, tx.stocks), nil
}

func (tx *memTx) CreateMovement(ctx context.Context, movement *inventory.Movement) error {
	tx.movements = append(tx.movements, copyMovement(*movement))
	return nil
}

func (tx *memTx) CreateTransfer(ctx context.Context, transfer *inventory.Transfer) error {
	if err := tx.lock(ctx, "create_transfer", "transfer:"+transfer.ID); err != nil {
		return err
	}
	tx.transfers[transfer.ID] = transfer.Clone()
	return nil
}

func (tx *memTx) LockTransfer(ctx context.Context, transferID string) (*inventory.Transfer, error) {
	if err := tx.lock(ctx, "lock_transfer", "transfer:"+transferID); err != nil {
		return nil, err
	}
	if t, ok := tx.transfers[transferID]; ok {
		return t.Clone(), nil
	}
	return tx.s.GetTransfer(ctx, transferID)
}

func (tx *memTx) UpdateTransfer(ctx context.Context, transfer *inventory.Transfer) error {
	if _, ok := tx.held["transfer:"+transfer.ID]; !ok {
		return inventory.NewStorageError("update_transfer", "ロックを取得していない移動伝票は更新できません", nil)
	}
	tx.transfers[transfer.ID] = transfer.Clone()
	return nil
}

func (tx *memTx) CreateStockCount(ctx context.Context, count *inventory.StockCount) error {
	if err := tx.lock(ctx, "create_stock_count", "count:"+count.ID); err != nil {
		return err
	}
	tx.counts[count.ID] = count.Clone()
	return nil
}

func (tx *memTx) LockStockCount(ctx context.Context, countID string) (*inventory.StockCount, error) {
	if err := tx.lock(ctx, "lock_stock_count", "count:"+countID); err != nil {
		return nil, err
	}
	if c, ok := tx.counts[countID]; ok {
		return c.Clone(), nil
	}
	return tx.s.GetStockCount(ctx, countID)
}

func (tx *memTx) UpdateStockCount(ctx context.Context, count *inventory.StockCount) error {
	if _, ok := tx.held["count:"+count.ID]; !ok {
		return inventory.NewStorageError("update_stock_count", "ロックを取得していない棚卸は更新できません", nil)
	}
	tx.counts[count.ID] = count.Clone()
	return nil
}

func copyMovement(mv inventory.Movement) inventory.Movement {
	if mv.BatchID != nil {
		b := *mv.BatchID
		mv.BatchID = &b
	}
	return mv
}

// keyedLocker is a set of mutexes created on demand and dropped when unused
type keyedLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{slots: make(map[string]*lockSlot)}
}

var errLockTimeout = errors.New("ロック待ちタイムアウト")

func (l *keyedLocker) acquire(ctx context.Context, key string, timeout time.Duration) error {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key, slot)
		return ctx.Err()
	case <-expired:
		l.unref(key, slot)
		return errLockTimeout
	}
}

func (l *keyedLocker) release(key string) {
	l.mu.Lock()
	slot := l.slots[key]
	l.mu.Unlock()

	<-slot.ch
	l.unref(key, slot)
}

func (l *keyedLocker) unref(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}
