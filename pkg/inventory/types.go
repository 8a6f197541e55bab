// Package inventory provides the stock ledger and reservation engine
package inventory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Product is the slice of the product catalogue the engine needs
// 在庫エンジンが必要とする商品マスタ情報
type Product struct {
	ID         string    `json:"id" db:"id"`                   // 商品ID
	Name       string    `json:"name" db:"name"`               // 商品名
	SKU        string    `json:"sku" db:"sku"`                 // SKU
	TrackStock bool      `json:"track_stock" db:"track_stock"` // 在庫管理対象（サービス商品はfalse）
	CreatedAt  time.Time `json:"created_at" db:"created_at"`   // 作成日時
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`   // 更新日時
}

// Stock is the per-(store,product) quantity and reservation record
// 店舗・商品ごとの在庫数量と予約状態
type Stock struct {
	StoreID   string    `json:"store_id" db:"store_id"`     // 店舗ID
	ProductID string    `json:"product_id" db:"product_id"` // 商品ID
	Quantity  int64     `json:"quantity" db:"quantity"`     // 物理在庫数
	Reserved  int64     `json:"reserved" db:"reserved"`     // 予約済み数量
	MinQty    int64     `json:"min_qty" db:"min_qty"`       // 発注点（参考値）
	Version   int64     `json:"version" db:"version"`       // 更新回数
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"` // 最終更新日時
	UpdatedBy string    `json:"updated_by" db:"updated_by"` // 更新者
}

// Available returns quantity minus reserved
// 利用可能数量（物理在庫 - 予約済み）
func (s *Stock) Available() int64 {
	return s.Quantity - s.Reserved
}

// IsLow reports whether available quantity is at or below the reorder threshold
// 利用可能数量が発注点以下かどうか
func (s *Stock) IsLow() bool {
	return s.Available() <= s.MinQty
}

// Key returns the lock key of the record
func (s *Stock) Key() string {
	return StockKey(s.StoreID, s.ProductID)
}

// StockKey builds the identity key of a (store,product) pair
func StockKey(storeID, productID string) string {
	return storeID + "/" + productID
}

// MovementType is the typed reason of a ledger entry
// 在庫移動の種別
type MovementType string

const (
	MovementTypeIn          MovementType = "IN"           // 入庫
	MovementTypeOut         MovementType = "OUT"          // 出庫
	MovementTypeAdjust      MovementType = "ADJUST"       // 調整
	MovementTypeDamage      MovementType = "DAMAGE"       // 破損
	MovementTypeTransferIn  MovementType = "TRANSFER_IN"  // 移動入庫
	MovementTypeTransferOut MovementType = "TRANSFER_OUT" // 移動出庫
	MovementTypeReturn      MovementType = "RETURN"       // 返品
	MovementTypeSale        MovementType = "SALE"         // 販売
	MovementTypePurchase    MovementType = "PURCHASE"     // 仕入
)

var movementTypes = map[MovementType]struct{}{
	MovementTypeIn:          {},
	MovementTypeOut:         {},
	MovementTypeAdjust:      {},
	MovementTypeDamage:      {},
	MovementTypeTransferIn:  {},
	MovementTypeTransferOut: {},
	MovementTypeReturn:      {},
	MovementTypeSale:        {},
	MovementTypePurchase:    {},
}

// Valid reports whether t is one of the known movement types
func (t MovementType) Valid() bool {
	_, ok := movementTypes[t]
	return ok
}

// ParseMovementType converts a raw string into a MovementType
// 文字列を在庫移動種別に変換
func ParseMovementType(s string) (MovementType, error) {
	t := MovementType(s)
	if !t.Valid() {
		return "", NewValidationError("movement_type", "未知の移動種別です", s)
	}
	return t, nil
}

// Movement is an immutable ledger entry explaining one quantity change
// 数量変更1件を説明する不変の台帳エントリ
type Movement struct {
	ID             string       `json:"id" db:"id"`                           // 移動ID
	StoreID        string       `json:"store_id" db:"store_id"`               // 店舗ID
	ProductID      string       `json:"product_id" db:"product_id"`           // 商品ID
	Type           MovementType `json:"movement_type" db:"movement_type"`     // 移動種別
	Quantity       int64        `json:"quantity" db:"quantity"`               // 符号付き増減量
	QuantityBefore int64        `json:"quantity_before" db:"quantity_before"` // 変更前数量
	QuantityAfter  int64        `json:"quantity_after" db:"quantity_after"`   // 変更後数量
	Reference      string       `json:"reference" db:"reference"`             // 参照伝票
	Reason         string       `json:"reason" db:"reason"`                   // 理由
	Actor          string       `json:"actor" db:"actor"`                     // 実行者
	BatchID        *string      `json:"batch_id,omitempty" db:"batch_id"`     // バッチID
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`           // 作成日時
}

// TransferStatus is the state of a stock transfer
// 店舗間移動のステータス
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "PENDING"    // 申請中
	TransferStatusApproved  TransferStatus = "APPROVED"   // 承認済み
	TransferStatusInTransit TransferStatus = "IN_TRANSIT" // 輸送中
	TransferStatusReceived  TransferStatus = "RECEIVED"   // 受領済み
	TransferStatusCancelled TransferStatus = "CANCELLED"  // 取消
)

// Transfer moves stock of several products from one store to another
// ある店舗から別の店舗への複数商品の在庫移動
type Transfer struct {
	ID          string         `json:"id" db:"id"`                       // 移動伝票ID
	FromStoreID string         `json:"from_store_id" db:"from_store_id"` // 移動元店舗
	ToStoreID   string         `json:"to_store_id" db:"to_store_id"`     // 移動先店舗
	Status      TransferStatus `json:"status" db:"status"`               // ステータス
	CreatedBy   string         `json:"created_by" db:"created_by"`       // 作成者
	ApprovedBy  string         `json:"approved_by" db:"approved_by"`     // 承認者
	Notes       string         `json:"notes" db:"notes"`                 // 備考
	Lines       []TransferLine `json:"lines"`                            // 明細
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`       // 作成日時
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`       // 更新日時
}

// TransferLine is one product row of a transfer
// 移動伝票の明細行
type TransferLine struct {
	ID          string `json:"id" db:"id"`                     // 明細ID
	ProductID   string `json:"product_id" db:"product_id"`     // 商品ID
	Quantity    int64  `json:"quantity" db:"quantity"`         // 依頼数量
	ReceivedQty int64  `json:"received_qty" db:"received_qty"` // 受領数量
}

// Clone returns a deep copy of the transfer
func (t *Transfer) Clone() *Transfer {
	c := *t
	c.Lines = append([]TransferLine(nil), t.Lines...)
	return &c
}

// CountStatus is the state of a physical stock count
// 棚卸のステータス
type CountStatus string

const (
	CountStatusDraft      CountStatus = "DRAFT"       // 下書き
	CountStatusInProgress CountStatus = "IN_PROGRESS" // 実施中
	CountStatusCompleted  CountStatus = "COMPLETED"   // 完了
	CountStatusCancelled  CountStatus = "CANCELLED"   // 取消
)

// StockCount reconciles a physical count of a store against the system
// 店舗の実地棚卸とシステム在庫の照合
type StockCount struct {
	ID          string      `json:"id" db:"id"`                     // 棚卸ID
	StoreID     string      `json:"store_id" db:"store_id"`         // 店舗ID
	Status      CountStatus `json:"status" db:"status"`             // ステータス
	CreatedBy   string      `json:"created_by" db:"created_by"`     // 作成者
	CompletedAt *time.Time  `json:"completed_at" db:"completed_at"` // 完了日時
	Notes       string      `json:"notes" db:"notes"`               // 備考
	Lines       []CountLine `json:"lines"`                          // 明細
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`     // 作成日時
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`     // 更新日時
}

// Clone returns a deep copy of the count
func (c *StockCount) Clone() *StockCount {
	cp := *c
	cp.Lines = make([]CountLine, len(c.Lines))
	for i, l := range c.Lines {
		cp.Lines[i] = l
		if l.CountedQty != nil {
			v := *l.CountedQty
			cp.Lines[i].CountedQty = &v
		}
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// CountLine is one product row of a stock count
// 棚卸明細行
type CountLine struct {
	ID         string `json:"id" db:"id"`                   // 明細ID
	ProductID  string `json:"product_id" db:"product_id"`   // 商品ID
	SystemQty  int64  `json:"system_qty" db:"system_qty"`   // 開始時点のシステム数量
	CountedQty *int64 `json:"counted_qty" db:"counted_qty"` // 実棚数量（未入力はnil）
}

// Variance returns counted minus system quantity; ok is false until counted
// 差異（実棚 - システム）。未入力の場合ok=false
func (l CountLine) Variance() (int64, bool) {
	if l.CountedQty == nil {
		return 0, false
	}
	return *l.CountedQty - l.SystemQty, true
}

// countAdjustmentReason describes a variance adjustment in the ledger
func countAdjustmentReason(countID string, line CountLine) string {
	return fmt.Sprintf("棚卸調整 %s: システム数量=%d, 実棚数量=%d", countID, line.SystemQty, *line.CountedQty)
}

// LowStockAlertEvent is handed to the low-stock notifier
// 低在庫通知イベント
type LowStockAlertEvent struct {
	StoreID   string    `json:"store_id"`
	ProductID string    `json:"product_id"`
	Quantity  int64     `json:"quantity"`
	Reserved  int64     `json:"reserved"`
	Available int64     `json:"available"`
	MinQty    int64     `json:"min_qty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMovementID generates a new movement ID
// 新しい移動IDを生成
func NewMovementID() string {
	return uuid.New().String()
}

// NewBatchID generates a new batch ID grouping movements of one operation
// 1操作の移動をまとめるバッチIDを生成
func NewBatchID() string {
	return uuid.New().String()
}

// NewDocumentID generates an ID for transfers, counts and their lines
func NewDocumentID() string {
	return uuid.New().String()
}
