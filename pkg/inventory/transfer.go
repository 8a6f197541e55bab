package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// CreateTransfer registers a new transfer in PENDING
// 移動伝票を申請中ステータスで作成
func (m *Manager) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*Transfer, error) {
	if err := ValidateCreateTransferRequest(req); err != nil {
		return nil, err
	}

	now := time.Now()
	transfer := &Transfer{
		ID:          NewDocumentID(),
		FromStoreID: req.FromStoreID,
		ToStoreID:   req.ToStoreID,
		Status:      TransferStatusPending,
		CreatedBy:   m.actor(req.Actor),
		Notes:       req.Notes,
		Lines:       make([]TransferLine, 0, len(req.Lines)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := m.execute(ctx, "create_transfer", func(u *unitOfWork) error {
		for _, line := range req.Lines {
			if _, err := u.tx.GetProduct(ctx, line.ProductID); err != nil {
				return err
			}
			transfer.Lines = append(transfer.Lines, TransferLine{
				ID:        NewDocumentID(),
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
			})
		}
		return u.tx.CreateTransfer(ctx, transfer)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("移動伝票作成",
		zap.String("transfer_id", transfer.ID),
		zap.String("from_store_id", transfer.FromStoreID),
		zap.String("to_store_id", transfer.ToStoreID),
		zap.Int("lines", len(transfer.Lines)),
	)

	return transfer.Clone(), nil
}

// ApproveTransfer moves a transfer from PENDING to APPROVED
// 移動伝票を承認
func (m *Manager) ApproveTransfer(ctx context.Context, transferID, actor string) (*Transfer, error) {
	return m.transitionTransfer(ctx, "approve_transfer", transferID, func(t *Transfer) error {
		if t.Status != TransferStatusPending {
			return transferStateError(t, "承認", TransferStatusPending)
		}
		t.Status = TransferStatusApproved
		t.ApprovedBy = m.actor(actor)
		return nil
	})
}

// CancelTransfer cancels a transfer that has not moved any stock yet
// 在庫移動前の移動伝票を取消
func (m *Manager) CancelTransfer(ctx context.Context, transferID, actor string) (*Transfer, error) {
	return m.transitionTransfer(ctx, "cancel_transfer", transferID, func(t *Transfer) error {
		if t.Status != TransferStatusPending && t.Status != TransferStatusApproved {
			return transferStateError(t, "取消", TransferStatusPending, TransferStatusApproved)
		}
		t.Status = TransferStatusCancelled
		return nil
	})
}

// ReceiveTransfer marks a transfer as received; every line is received in full
// 移動伝票を受領済みにする（全明細を依頼数量どおり受領）
func (m *Manager) ReceiveTransfer(ctx context.Context, transferID, actor string) (*Transfer, error) {
	return m.transitionTransfer(ctx, "receive_transfer", transferID, func(t *Transfer) error {
		if t.Status != TransferStatusApproved && t.Status != TransferStatusInTransit {
			return transferStateError(t, "受領", TransferStatusApproved, TransferStatusInTransit)
		}
		for i := range t.Lines {
			t.Lines[i].ReceivedQty = t.Lines[i].Quantity
		}
		t.Status = TransferStatusReceived
		return nil
	})
}

// ProcessTransfer debits the source store and credits the destination for every line in one transaction
// 全明細について移動元から出庫し移動先に入庫する（1トランザクション）
func (m *Manager) ProcessTransfer(ctx context.Context, transferID, actor string) (*Transfer, error) {
	var result *Transfer
	var batchID string

	err := m.execute(ctx, "process_transfer", func(u *unitOfWork) error {
		transfer, err := u.tx.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status != TransferStatusApproved {
			return transferStateError(transfer, "出荷", TransferStatusApproved)
		}
		if len(transfer.Lines) == 0 {
			return NewBusinessRuleError("empty_transfer", "明細のない移動伝票は処理できません",
				fmt.Sprintf("移動伝票ID: %s", transfer.ID), ErrEmptyTransfer)
		}

		batchID = NewBatchID()
		reason := fmt.Sprintf("店舗間移動 %s -> %s", transfer.FromStoreID, transfer.ToStoreID)

		// 商品ID順にロックを取得する
		lines := append([]TransferLine(nil), transfer.Lines...)
		sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

		for _, line := range lines {
			if _, err := m.adjustInTx(ctx, u, AdjustRequest{
				StoreID:   transfer.FromStoreID,
				ProductID: line.ProductID,
				Delta:     -line.Quantity,
				Type:      MovementTypeTransferOut,
				Reason:    reason,
				Actor:     actor,
				Reference: transfer.ID,
				BatchID:   &batchID,
			}); err != nil {
				return fmt.Errorf("移動伝票 %s 明細 %s の出庫に失敗: %w", transfer.ID, line.ProductID, err)
			}

			if _, err := m.adjustInTx(ctx, u, AdjustRequest{
				StoreID:   transfer.ToStoreID,
				ProductID: line.ProductID,
				Delta:     line.Quantity,
				Type:      MovementTypeTransferIn,
				Reason:    reason,
				Actor:     actor,
				Reference: transfer.ID,
				BatchID:   &batchID,
			}); err != nil {
				return fmt.Errorf("移動伝票 %s 明細 %s の入庫に失敗: %w", transfer.ID, line.ProductID, err)
			}
		}

		transfer.Status = TransferStatusInTransit
		transfer.UpdatedAt = time.Now()
		if err := u.tx.UpdateTransfer(ctx, transfer); err != nil {
			return err
		}
		result = transfer.Clone()
		return nil
	})
	if err != nil {
		m.logger.Warn("移動伝票の処理に失敗しました",
			zap.String("transfer_id", transferID),
			zap.Error(err),
		)
		return nil, err
	}

	m.logger.Info("移動伝票処理完了",
		zap.String("transfer_id", result.ID),
		zap.String("batch_id", batchID),
		zap.String("from_store_id", result.FromStoreID),
		zap.String("to_store_id", result.ToStoreID),
		zap.Int("lines", len(result.Lines)),
	)

	return result, nil
}

// GetTransfer gets a transfer with its lines
// 移動伝票を取得
func (m *Manager) GetTransfer(ctx context.Context, transferID string) (*Transfer, error) {
	return m.storage.GetTransfer(ctx, transferID)
}

// transitionTransfer applies a status change that moves no stock
func (m *Manager) transitionTransfer(ctx context.Context, operation, transferID string, apply func(t *Transfer) error) (*Transfer, error) {
	var result *Transfer
	err := m.execute(ctx, operation, func(u *unitOfWork) error {
		transfer, err := u.tx.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if err := apply(transfer); err != nil {
			return err
		}
		transfer.UpdatedAt = time.Now()
		if err := u.tx.UpdateTransfer(ctx, transfer); err != nil {
			return err
		}
		result = transfer.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("移動伝票ステータス更新",
		zap.String("transfer_id", result.ID),
		zap.String("operation", operation),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func transferStateError(t *Transfer, action string, allowed ...TransferStatus) error {
	return NewBusinessRuleError("invalid_transfer_state",
		fmt.Sprintf("現在のステータスでは%sできません", action),
		fmt.Sprintf("移動伝票ID: %s, ステータス: %s, 必要: %v", t.ID, t.Status, allowed),
		ErrInvalidTransferState)
}
