package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// ProductCatalog is the product master the API exposes for seeding
// 商品マスタの登録・参照
type ProductCatalog interface {
	CreateProduct(ctx context.Context, product *inventory.Product) error
	GetProduct(ctx context.Context, productID string) (*inventory.Product, error)
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handlers for the stock ledger API
// 在庫台帳API用のHTTPハンドラーを保持
type Handlers struct {
	engine   inventory.StockEngine
	tracking *inventory.TrackingManager
	catalog  ProductCatalog
	logger   *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(engine inventory.StockEngine, tracking *inventory.TrackingManager, catalog ProductCatalog, logger *zap.Logger) *Handlers {
	return &Handlers{
		engine:   engine,
		tracking: tracking,
		catalog:  catalog,
		logger:   logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// AdjustStockRequest represents request to adjust stock
// 在庫調整リクエストを表現
type AdjustStockRequest struct {
	StoreID      string  `json:"store_id"`
	ProductID    string  `json:"product_id"`
	QtyDelta     int64   `json:"qty_delta"`
	MovementType string  `json:"movement_type"`
	Reason       string  `json:"reason"`
	Reference    string  `json:"reference"`
	BatchID      *string `json:"batch_id,omitempty"`
}

// ReservationRequest represents request to reserve or release stock
// 予約・予約解除リクエストを表現
type ReservationRequest struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Reference string `json:"reference"`
}

// MinQtyRequest represents request to change the reorder threshold
type MinQtyRequest struct {
	MinQty int64 `json:"min_qty"`
}

// CreateCountRequest represents request to create a stock count
type CreateCountRequest struct {
	StoreID string `json:"store_id"`
	Notes   string `json:"notes"`
}

// RecordCountRequest represents request to record a counted quantity
type RecordCountRequest struct {
	CountedQty int64 `json:"counted_qty"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.catalog.Ping(r.Context()); err != nil {
		h.logger.Warn("ヘルスチェックに失敗しました", zap.Error(err))
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.send(w, code, APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "zaiStockLedger",
		},
	})
}

// CreateProduct handles product registration
// 商品登録リクエストを処理
func (h *Handlers) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var product inventory.Product
	if !h.decode(w, r, &product) {
		return
	}
	if err := inventory.ValidateProductID(product.ID); err != nil {
		h.sendErr(w, err)
		return
	}

	if err := h.catalog.CreateProduct(r.Context(), &product); err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendStatus(w, http.StatusCreated, product)
}

// GetProduct handles product lookup
// 商品取得リクエストを処理
func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.catalog.GetProduct(r.Context(), mux.Vars(r)["productId"])
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, product)
}

// AdjustStock handles adjust stock requests
// 在庫調整リクエストを処理
func (h *Handlers) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustStockRequest
	if !h.decode(w, r, &req) {
		return
	}

	movementType, err := inventory.ParseMovementType(req.MovementType)
	if err != nil {
		h.sendErr(w, err)
		return
	}

	movement, err := h.engine.AdjustStock(r.Context(), inventory.AdjustRequest{
		StoreID:   req.StoreID,
		ProductID: req.ProductID,
		Delta:     req.QtyDelta,
		Type:      movementType,
		Reason:    req.Reason,
		Actor:     actorFrom(r),
		Reference: req.Reference,
		BatchID:   req.BatchID,
	})
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendStatus(w, http.StatusCreated, movement)
}

// ReserveStock handles reservation requests
// 在庫予約リクエストを処理
func (h *Handlers) ReserveStock(w http.ResponseWriter, r *http.Request) {
	h.reservation(w, r, h.engine.ReserveStock)
}

// ReleaseStock handles reservation release requests
// 在庫予約解除リクエストを処理
func (h *Handlers) ReleaseStock(w http.ResponseWriter, r *http.Request) {
	h.reservation(w, r, h.engine.ReleaseStock)
}

func (h *Handlers) reservation(w http.ResponseWriter, r *http.Request, op func(context.Context, inventory.ReservationRequest) (*inventory.Stock, error)) {
	var req ReservationRequest
	if !h.decode(w, r, &req) {
		return
	}

	stock, err := op(r.Context(), inventory.ReservationRequest{
		StoreID:   req.StoreID,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		Actor:     actorFrom(r),
		Reference: req.Reference,
	})
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, stockView(stock))
}

// SetMinQty handles reorder threshold updates
// 発注点更新リクエストを処理
func (h *Handlers) SetMinQty(w http.ResponseWriter, r *http.Request) {
	var req MinQtyRequest
	if !h.decode(w, r, &req) {
		return
	}

	vars := mux.Vars(r)
	stock, err := h.engine.SetMinQty(r.Context(), vars["storeId"], vars["productId"], req.MinQty, actorFrom(r))
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, stockView(stock))
}

// GetStock handles get stock requests
// 在庫照会リクエストを処理
func (h *Handlers) GetStock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	stock, err := h.engine.GetStock(r.Context(), vars["storeId"], vars["productId"])
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, stockView(stock))
}

// ListStock handles store stock listing
// 店舗在庫一覧リクエストを処理
func (h *Handlers) ListStock(w http.ResponseWriter, r *http.Request) {
	stocks, err := h.engine.ListStockByStore(r.Context(), mux.Vars(r)["storeId"])
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, stockViews(stocks))
}

// ListLowStock handles low stock listing
// 低在庫一覧リクエストを処理
func (h *Handlers) ListLowStock(w http.ResponseWriter, r *http.Request) {
	stocks, err := h.engine.ListLowStock(r.Context(), mux.Vars(r)["storeId"])
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, stockViews(stocks))
}

// GetHistory handles movement history requests
// 移動履歴リクエストを処理
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.sendErr(w, inventory.NewValidationError("limit", "件数は正の整数である必要があります", v))
			return
		}
		limit = n
	}

	movements, err := h.tracking.GetMovementHistory(r.Context(), vars["storeId"], vars["productId"], limit)
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, movements)
}

// GetAuditTrail handles audit trail requests; from and to are RFC3339
// 監査証跡リクエストを処理
func (h *Handlers) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q := r.URL.Query()

	to := time.Now()
	from := to.Add(-30 * 24 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.sendErr(w, inventory.NewValidationError("from", "日時の形式が不正です", v))
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.sendErr(w, inventory.NewValidationError("to", "日時の形式が不正です", v))
			return
		}
		to = t
	}

	trail, err := h.tracking.GetAuditTrail(r.Context(), vars["storeId"], vars["productId"], from, to)
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, trail)
}

// GetBatchMovements handles batch movement requests
// バッチ移動照会リクエストを処理
func (h *Handlers) GetBatchMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := h.tracking.GetBatchMovements(r.Context(), mux.Vars(r)["batchId"])
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, movements)
}

// CreateTransfer handles transfer creation
// 移動伝票作成リクエストを処理
func (h *Handlers) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req inventory.CreateTransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Actor = actorFrom(r)

	transfer, err := h.engine.CreateTransfer(r.Context(), req)
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendStatus(w, http.StatusCreated, transfer)
}

// GetTransfer handles transfer lookup
// 移動伝票取得リクエストを処理
func (h *Handlers) GetTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.engine.GetTransfer(r.Context(), mux.Vars(r)["transferId"])
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, transfer)
}

// TransferAction handles approve, process, receive and cancel
// 移動伝票の状態遷移リクエストを処理
func (h *Handlers) TransferAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var op func(context.Context, string, string) (*inventory.Transfer, error)
	switch vars["action"] {
	case "approve":
		op = h.engine.ApproveTransfer
	case "process":
		op = h.engine.ProcessTransfer
	case "receive":
		op = h.engine.ReceiveTransfer
	case "cancel":
		op = h.engine.CancelTransfer
	default:
		h.sendError(w, http.StatusNotFound, "未知の操作です", "unknown_action")
		return
	}

	transfer, err := op(r.Context(), vars["transferId"], actorFrom(r))
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, transfer)
}

// CreateStockCount handles count creation
// 棚卸作成リクエストを処理
func (h *Handlers) CreateStockCount(w http.ResponseWriter, r *http.Request) {
	var req CreateCountRequest
	if !h.decode(w, r, &req) {
		return
	}

	count, err := h.engine.CreateStockCount(r.Context(), req.StoreID, actorFrom(r), req.Notes)
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendStatus(w, http.StatusCreated, count)
}

// GetStockCount handles count lookup
// 棚卸取得リクエストを処理
func (h *Handlers) GetStockCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.GetStockCount(r.Context(), mux.Vars(r)["countId"])
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, count)
}

// CountAction handles start, complete and cancel
// 棚卸の状態遷移リクエストを処理
func (h *Handlers) CountAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var op func(context.Context, string, string) (*inventory.StockCount, error)
	switch vars["action"] {
	case "start":
		op = h.engine.StartStockCount
	case "complete":
		op = h.engine.CompleteStockCount
	case "cancel":
		op = h.engine.CancelStockCount
	default:
		h.sendError(w, http.StatusNotFound, "未知の操作です", "unknown_action")
		return
	}

	count, err := op(r.Context(), vars["countId"], actorFrom(r))
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, count)
}

// RecordCount handles counted quantity input
// 実棚数量入力リクエストを処理
func (h *Handlers) RecordCount(w http.ResponseWriter, r *http.Request) {
	var req RecordCountRequest
	if !h.decode(w, r, &req) {
		return
	}

	vars := mux.Vars(r)
	count, err := h.engine.RecordCount(r.Context(), vars["countId"], vars["productId"], req.CountedQty, actorFrom(r))
	if err != nil {
		h.sendErr(w, err)
		return
	}
	h.sendSuccess(w, count)
}

// ヘルパーメソッド

// StockView adds the derived quantities to a stock record
type StockView struct {
	inventory.Stock
	Available int64 `json:"available"`
	IsLow     bool  `json:"is_low"`
}

func stockView(s *inventory.Stock) StockView {
	return StockView{Stock: *s, Available: s.Available(), IsLow: s.IsLow()}
}

func stockViews(stocks []inventory.Stock) []StockView {
	views := make([]StockView, 0, len(stocks))
	for i := range stocks {
		views = append(views, stockView(&stocks[i]))
	}
	return views
}

// actorFrom reads the acting user from the X-Actor header
func actorFrom(r *http.Request) string {
	return r.Header.Get("X-Actor")
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です", "bad_request")
		return false
	}
	return true
}

// statusFor maps an error kind to an HTTP status
// エラー種別をHTTPステータスに対応付け
func statusFor(kind string) int {
	switch kind {
	case "validation", "invalid_quantity":
		return http.StatusBadRequest
	case "product_not_found", "stock_not_found", "transfer_not_found", "count_not_found", "count_line_not_found":
		return http.StatusNotFound
	case "insufficient_stock", "insufficient_available_stock", "over_release", "not_stock_tracked",
		"invalid_transfer_state", "invalid_count_state", "empty_transfer", "empty_count", "incomplete_count":
		return http.StatusUnprocessableEntity
	case "duplicate_product":
		return http.StatusConflict
	case "concurrency":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendErr sends the response for an engine error
// エンジンのエラーに応じたレスポンスを送信
func (h *Handlers) sendErr(w http.ResponseWriter, err error) {
	kind := inventory.ErrorKind(err)
	status := statusFor(kind)

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("内部エラーが発生しました", zap.Error(err))
		h.sendError(w, status, "内部エラーが発生しました", kind)
		return
	}
	h.sendError(w, status, err.Error(), kind)
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.sendStatus(w, http.StatusOK, data)
}

func (h *Handlers) sendStatus(w http.ResponseWriter, statusCode int, data interface{}) {
	h.send(w, statusCode, APIResponse{
		Success: true,
		Data:    data,
	})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message, code string) {
	h.send(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

func (h *Handlers) send(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}
