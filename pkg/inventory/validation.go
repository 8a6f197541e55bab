package inventory

import (
	"fmt"
	"regexp"
	"strings"
)

// 英数字、ハイフン、アンダースコア、ドット、コロンのみ許可
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidateStoreID 店舗IDの形式をバリデーション
func ValidateStoreID(storeID string) error {
	return validateID("store_id", "店舗ID", storeID)
}

// ValidateProductID 商品IDの形式をバリデーション
func ValidateProductID(productID string) error {
	return validateID("product_id", "商品ID", productID)
}

func validateID(field, label, id string) error {
	if id == "" {
		return NewValidationError(field, label+"が空です", id)
	}
	if len(id) > 255 {
		return NewValidationError(field, label+"が長すぎます", id)
	}
	if !idPattern.MatchString(id) {
		return NewValidationError(field, label+"に無効な文字が含まれています", id)
	}
	return nil
}

// ValidateReference 参照伝票番号をバリデーション
func ValidateReference(reference string) error {
	if len(reference) > 255 {
		return NewValidationError("reference", "参照番号が長すぎます", reference)
	}
	return nil
}

// ValidateReason 理由をバリデーション
func ValidateReason(reason string) error {
	if len(reason) > 1000 {
		return NewValidationError("reason", "理由が長すぎます", reason)
	}
	return nil
}

// ValidateActor 実行者をバリデーション
func ValidateActor(actor string) error {
	if len(actor) > 255 {
		return NewValidationError("actor", "実行者IDが長すぎます", actor)
	}
	if strings.ContainsAny(actor, "\r\n\t") {
		return NewValidationError("actor", "実行者IDに制御文字が含まれています", actor)
	}
	return nil
}

// ValidatePositiveQuantity 正の数量であることをバリデーション
func ValidatePositiveQuantity(quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: 数量は正の値である必要があります (値: %d)", ErrInvalidQuantity, quantity)
	}
	if quantity > 999999999 {
		return fmt.Errorf("%w: 数量が有効範囲を超えています (値: %d)", ErrInvalidQuantity, quantity)
	}
	return nil
}

// ValidateAdjustRequest 在庫調整リクエストをバリデーション
func ValidateAdjustRequest(req AdjustRequest) error {
	if err := ValidateStoreID(req.StoreID); err != nil {
		return err
	}
	if err := ValidateProductID(req.ProductID); err != nil {
		return err
	}
	if !req.Type.Valid() {
		return NewValidationError("movement_type", "未知の移動種別です", string(req.Type))
	}
	if req.Delta == 0 {
		return fmt.Errorf("%w: 増減量が0です", ErrInvalidQuantity)
	}
	if req.Delta < -999999999 || req.Delta > 999999999 {
		return fmt.Errorf("%w: 増減量が有効範囲を超えています (値: %d)", ErrInvalidQuantity, req.Delta)
	}
	if req.BatchID != nil {
		if err := validateID("batch_id", "バッチID", *req.BatchID); err != nil {
			return err
		}
	}
	if err := ValidateReference(req.Reference); err != nil {
		return err
	}
	if err := ValidateReason(req.Reason); err != nil {
		return err
	}
	return ValidateActor(req.Actor)
}

// ValidateReservationRequest 予約リクエストをバリデーション
func ValidateReservationRequest(req ReservationRequest) error {
	if err := ValidateStoreID(req.StoreID); err != nil {
		return err
	}
	if err := ValidateProductID(req.ProductID); err != nil {
		return err
	}
	if err := ValidatePositiveQuantity(req.Quantity); err != nil {
		return err
	}
	if err := ValidateReference(req.Reference); err != nil {
		return err
	}
	return ValidateActor(req.Actor)
}

// ValidateCreateTransferRequest 移動伝票作成リクエストをバリデーション
func ValidateCreateTransferRequest(req CreateTransferRequest) error {
	if err := ValidateStoreID(req.FromStoreID); err != nil {
		return err
	}
	if err := ValidateStoreID(req.ToStoreID); err != nil {
		return err
	}
	if req.FromStoreID == req.ToStoreID {
		return NewValidationError("to_store_id", "移動元と移動先が同じです", fmt.Sprintf("%s -> %s", req.FromStoreID, req.ToStoreID))
	}
	if err := ValidateActor(req.Actor); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(req.Lines))
	for i, line := range req.Lines {
		if err := ValidateProductID(line.ProductID); err != nil {
			return err
		}
		if err := ValidatePositiveQuantity(line.Quantity); err != nil {
			return fmt.Errorf("明細 %d: %w", i+1, err)
		}
		if _, dup := seen[line.ProductID]; dup {
			return NewValidationError("lines", "同じ商品の明細が重複しています", line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
	}
	return nil
}

// ValidateCountedQuantity 実棚数量をバリデーション
func ValidateCountedQuantity(quantity int64) error {
	if quantity < 0 {
		return fmt.Errorf("%w: 実棚数量は0以上である必要があります (値: %d)", ErrInvalidQuantity, quantity)
	}
	if quantity > 999999999 {
		return fmt.Errorf("%w: 実棚数量が有効範囲を超えています (値: %d)", ErrInvalidQuantity, quantity)
	}
	return nil
}
