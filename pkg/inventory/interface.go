package inventory

import (
	"context"
	"time"
)

// StockEngine defines the operations external collaborators call into
// 外部の業務機能から呼び出される在庫エンジンの操作
type StockEngine interface {
	// 調整・予約 - Adjustment and reservation primitives
	AdjustStock(ctx context.Context, req AdjustRequest) (*Movement, error)
	ReserveStock(ctx context.Context, req ReservationRequest) (*Stock, error)
	ReleaseStock(ctx context.Context, req ReservationRequest) (*Stock, error)
	SetMinQty(ctx context.Context, storeID, productID string, minQty int64, actor string) (*Stock, error)

	// 店舗間移動 - Transfers
	CreateTransfer(ctx context.Context, req CreateTransferRequest) (*Transfer, error)
	ApproveTransfer(ctx context.Context, transferID, actor string) (*Transfer, error)
	ProcessTransfer(ctx context.Context, transferID, actor string) (*Transfer, error)
	ReceiveTransfer(ctx context.Context, transferID, actor string) (*Transfer, error)
	CancelTransfer(ctx context.Context, transferID, actor string) (*Transfer, error)

	// 棚卸 - Stock counts
	CreateStockCount(ctx context.Context, storeID, actor, notes string) (*StockCount, error)
	StartStockCount(ctx context.Context, countID, actor string) (*StockCount, error)
	RecordCount(ctx context.Context, countID, productID string, countedQty int64, actor string) (*StockCount, error)
	CompleteStockCount(ctx context.Context, countID, actor string) (*StockCount, error)
	CancelStockCount(ctx context.Context, countID, actor string) (*StockCount, error)

	// 照会 - Queries
	GetStock(ctx context.Context, storeID, productID string) (*Stock, error)
	ListStockByStore(ctx context.Context, storeID string) ([]Stock, error)
	ListLowStock(ctx context.Context, storeID string) ([]Stock, error)
	GetTransfer(ctx context.Context, transferID string) (*Transfer, error)
	GetStockCount(ctx context.Context, countID string) (*StockCount, error)
}

// Storage defines the persistence layer; every mutation runs inside RunInTx
// 永続化層のインターフェース。すべての更新はRunInTx内で実行する
type Storage interface {
	// Unit of work: fn's writes commit together or not at all
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Product catalogue
	CreateProduct(ctx context.Context, product *Product) error
	GetProduct(ctx context.Context, productID string) (*Product, error)

	// Stock inquiry (no locks)
	GetStock(ctx context.Context, storeID, productID string) (*Stock, error)
	ListStockByStore(ctx context.Context, storeID string) ([]Stock, error)
	ListLowStock(ctx context.Context, storeID string) ([]Stock, error)

	// Movement ledger inquiry (limit <= 0 returns every movement)
	GetMovementHistory(ctx context.Context, storeID, productID string, limit int) ([]Movement, error)
	GetMovementsByBatch(ctx context.Context, batchID string) ([]Movement, error)
	GetMovementsByDateRange(ctx context.Context, storeID, productID string, from, to time.Time) ([]Movement, error)

	// Documents
	GetTransfer(ctx context.Context, transferID string) (*Transfer, error)
	GetStockCount(ctx context.Context, countID string) (*StockCount, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// Tx is a transaction-scoped view of the storage; locks are held until commit or rollback
// トランザクション単位のストレージ操作。ロックはコミット/ロールバックまで保持される
type Tx interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)

	// LockStock acquires the exclusive per-record lock, creating the record with zero quantity if absent
	// 在庫レコードの排他ロックを取得（存在しない場合は数量0で作成）
	LockStock(ctx context.Context, storeID, productID string) (*Stock, error)
	UpdateStock(ctx context.Context, stock *Stock) error
	ListStockByStore(ctx context.Context, storeID string) ([]Stock, error)

	// CreateMovement appends to the ledger; there is no update or delete
	// 台帳に追記する（更新・削除はない）
	CreateMovement(ctx context.Context, movement *Movement) error

	CreateTransfer(ctx context.Context, transfer *Transfer) error
	LockTransfer(ctx context.Context, transferID string) (*Transfer, error)
	UpdateTransfer(ctx context.Context, transfer *Transfer) error

	CreateStockCount(ctx context.Context, count *StockCount) error
	LockStockCount(ctx context.Context, countID string) (*StockCount, error)
	UpdateStockCount(ctx context.Context, count *StockCount) error
}

// LowStockNotifier is the fire-and-forget hook invoked for low records after a committed mutation
// コミット後に低在庫レコードについて呼び出される通知フック
type LowStockNotifier interface {
	NotifyLowStock(ctx context.Context, event LowStockAlertEvent) error
}

// AdjustRequest is the input of AdjustStock
// 在庫調整リクエスト
type AdjustRequest struct {
	StoreID   string       `json:"store_id"`
	ProductID string       `json:"product_id"`
	Delta     int64        `json:"qty_delta"`
	Type      MovementType `json:"movement_type"`
	Reason    string       `json:"reason"`
	Actor     string       `json:"actor"`
	Reference string       `json:"reference"`
	BatchID   *string      `json:"batch_id,omitempty"`
}

// ReservationRequest is the input of ReserveStock and ReleaseStock
// 予約・予約解除リクエスト
type ReservationRequest struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Actor     string `json:"actor"`
	Reference string `json:"reference"`
}

// CreateTransferRequest is the input of CreateTransfer
// 移動伝票作成リクエスト
type CreateTransferRequest struct {
	FromStoreID string                `json:"from_store_id"`
	ToStoreID   string                `json:"to_store_id"`
	Actor       string                `json:"actor"`
	Notes       string                `json:"notes"`
	Lines       []TransferLineRequest `json:"lines"`
}

// TransferLineRequest is one requested line of a new transfer
type TransferLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}
