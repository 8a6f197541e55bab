package inventory

import (
	"errors"
	"fmt"
)

// Stock engine error kinds
// 在庫エンジンのエラー種別

var (
	// ErrInsufficientStock is returned when a negative adjustment would drop available stock below zero
	// 減算調整で利用可能在庫が負になる場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrInsufficientAvailableStock is returned when a reservation exceeds availability
	// 予約数量が利用可能在庫を超える場合のエラー
	ErrInsufficientAvailableStock = errors.New("予約可能な在庫が不足しています")

	// ErrOverRelease is returned when releasing more than is reserved
	// 予約量を超えて解除しようとした場合のエラー
	ErrOverRelease = errors.New("予約量を超える解除はできません")

	// ErrNotStockTracked is returned for products that opted out of stock tracking
	// 在庫管理対象外の商品に対するエラー
	ErrNotStockTracked = errors.New("在庫管理対象外の商品です")

	// ErrInvalidQuantity is returned for zero or negative quantities where positive is required
	// 数量が不正な場合のエラー
	ErrInvalidQuantity = errors.New("数量が不正です")

	// ErrInvalidTransferState is returned when a transfer action is attempted in the wrong state
	// 移動伝票のステータスが操作に適さない場合のエラー
	ErrInvalidTransferState = errors.New("移動伝票のステータスが不正です")

	// ErrInvalidCountState is returned when a count action is attempted in the wrong state
	// 棚卸のステータスが操作に適さない場合のエラー
	ErrInvalidCountState = errors.New("棚卸のステータスが不正です")

	// ErrEmptyTransfer is returned when a transfer has no lines
	// 明細のない移動伝票のエラー
	ErrEmptyTransfer = errors.New("移動伝票に明細がありません")

	// ErrEmptyCount is returned when a count has no lines
	// 明細のない棚卸のエラー
	ErrEmptyCount = errors.New("棚卸に明細がありません")

	// ErrIncompleteCount is returned when a count is finalized before every line is counted
	// 未入力の明細が残っている棚卸を確定しようとした場合のエラー
	ErrIncompleteCount = errors.New("実棚数量が未入力の明細があります")

	// ErrProductNotFound is returned when a product doesn't exist
	// 商品が存在しない場合のエラー
	ErrProductNotFound = errors.New("商品が見つかりません")

	// ErrStockNotFound is returned when a stock record doesn't exist
	// 在庫記録が存在しない場合のエラー
	ErrStockNotFound = errors.New("在庫記録が見つかりません")

	// ErrTransferNotFound is returned when a transfer doesn't exist
	// 移動伝票が存在しない場合のエラー
	ErrTransferNotFound = errors.New("移動伝票が見つかりません")

	// ErrCountNotFound is returned when a stock count doesn't exist
	// 棚卸が存在しない場合のエラー
	ErrCountNotFound = errors.New("棚卸が見つかりません")

	// ErrCountLineNotFound is returned when a product is not part of a count
	// 棚卸明細が存在しない場合のエラー
	ErrCountLineNotFound = errors.New("棚卸明細が見つかりません")

	// ErrDuplicateProduct is returned when trying to create a product that already exists
	// 既に存在する商品を作成しようとした場合のエラー
	ErrDuplicateProduct = errors.New("商品は既に存在します")
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// BusinessRuleError represents a business rule violation
// ビジネスルール違反を表現
type BusinessRuleError struct {
	Rule    string `json:"rule"`    // ルール名
	Message string `json:"message"` // エラーメッセージ
	Context string `json:"context"` // コンテキスト情報
	Cause   error  `json:"-"`       // 対応するエラー種別
}

func (e BusinessRuleError) Error() string {
	return fmt.Sprintf("ビジネスルール違反 [%s]: %s (コンテキスト: %s)", e.Rule, e.Message, e.Context)
}

func (e BusinessRuleError) Unwrap() error {
	return e.Cause
}

// ConcurrencyError represents a lock timeout or deadlock; callers may retry
// ロック待ちタイムアウトやデッドロックを表現（再試行可能）
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"-"`         // 原因エラー
}

func (e ConcurrencyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("同時実行エラー [%s:%s]: %s (原因: %v)", e.Operation, e.Resource, e.Message, e.Cause)
	}
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s", e.Operation, e.Resource, e.Message)
}

func (e ConcurrencyError) Unwrap() error {
	return e.Cause
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewBusinessRuleError creates a new business rule error wrapping an error kind
// エラー種別をラップした新しいビジネスルールエラーを作成
func NewBusinessRuleError(rule, message, context string, cause error) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
		Cause:   cause,
	}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource, message string, cause error) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Message:   message,
		Cause:     cause,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// IsRetryable reports whether err is a transient concurrency failure
// 再試行可能な一時的エラーかどうか
func IsRetryable(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// ErrorKind returns a stable snake_case name for the error, used for metrics and API responses
// エラー種別名を返す（メトリクス・APIレスポンス用）
func ErrorKind(err error) string {
	if err == nil {
		return "ok"
	}
	kinds := []struct {
		target error
		name   string
	}{
		{ErrInsufficientStock, "insufficient_stock"},
		{ErrInsufficientAvailableStock, "insufficient_available_stock"},
		{ErrOverRelease, "over_release"},
		{ErrNotStockTracked, "not_stock_tracked"},
		{ErrInvalidQuantity, "invalid_quantity"},
		{ErrInvalidTransferState, "invalid_transfer_state"},
		{ErrInvalidCountState, "invalid_count_state"},
		{ErrEmptyTransfer, "empty_transfer"},
		{ErrEmptyCount, "empty_count"},
		{ErrIncompleteCount, "incomplete_count"},
		{ErrProductNotFound, "product_not_found"},
		{ErrStockNotFound, "stock_not_found"},
		{ErrTransferNotFound, "transfer_not_found"},
		{ErrCountNotFound, "count_not_found"},
		{ErrCountLineNotFound, "count_line_not_found"},
		{ErrDuplicateProduct, "duplicate_product"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.name
		}
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return "validation"
	}
	if IsRetryable(err) {
		return "concurrency"
	}
	return "internal"
}
