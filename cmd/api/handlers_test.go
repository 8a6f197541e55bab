package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory/storage"
)

type testServer struct {
	router http.Handler
	store  *storage.MemoryStorage
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := storage.NewMemoryStorage(time.Second, zap.NewNop())
	registry := prometheus.NewRegistry()
	metrics := inventory.NewMetrics(registry)
	engine := inventory.NewManager(store, nil, metrics, zap.NewNop(), inventory.DefaultConfig())
	tracking := inventory.NewTrackingManager(store, zap.NewNop(), inventory.DefaultConfig())

	handlers := NewHandlers(engine, tracking, store, zap.NewNop())
	router := setupRouter(handlers, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), true)
	return &testServer{router: router, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "api-test")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp APIResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func dataMap(t *testing.T, resp APIResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data: %#v", resp.Data)
	return m
}

// TestAPI_StockFlow は調整・予約・照会のAPIテスト
func TestAPI_StockFlow(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, "POST", "/api/v1/products", map[string]interface{}{"id": "P1", "name": "商品1", "track_stock": true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := s.do(t, "POST", "/api/v1/products", map[string]interface{}{"id": "P1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_product", resp.Code)

	rec, resp = s.do(t, "POST", "/api/v1/stock/adjust", map[string]interface{}{
		"store_id": "S1", "product_id": "P1", "qty_delta": 10, "movement_type": "PURCHASE",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "api-test", dataMap(t, resp)["actor"])

	rec, resp = s.do(t, "POST", "/api/v1/stock/adjust", map[string]interface{}{
		"store_id": "S1", "product_id": "P1", "qty_delta": -15, "movement_type": "SALE",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "insufficient_stock", resp.Code)
	assert.False(t, resp.Success)

	rec, resp = s.do(t, "POST", "/api/v1/stock/reserve", map[string]interface{}{
		"store_id": "S1", "product_id": "P1", "quantity": 4,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(6), dataMap(t, resp)["available"])

	rec, resp = s.do(t, "PUT", "/api/v1/stores/S1/stock/P1/min-qty", map[string]interface{}{"min_qty": 6})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, dataMap(t, resp)["is_low"])

	rec, resp = s.do(t, "GET", "/api/v1/stores/S1/stock/low", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data, 1)

	rec, resp = s.do(t, "GET", "/api/v1/stores/S1/stock/P1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(10), dataMap(t, resp)["quantity"])
	assert.Equal(t, float64(4), dataMap(t, resp)["reserved"])

	rec, resp = s.do(t, "GET", "/api/v1/stores/S1/stock/P1/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data, 1)

	rec, resp = s.do(t, "GET", "/api/v1/stores/S1/stock/P1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, dataMap(t, resp)["consistent"])
}

// TestAPI_ErrorStatus はエラー種別とHTTPステータスの対応のテスト
func TestAPI_ErrorStatus(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"数量0", "POST", "/api/v1/stock/reserve", map[string]interface{}{"store_id": "S1", "product_id": "P1", "quantity": 0}, http.StatusBadRequest, "invalid_quantity"},
		{"未知の移動種別", "POST", "/api/v1/stock/adjust", map[string]interface{}{"store_id": "S1", "product_id": "P1", "qty_delta": 1, "movement_type": "GIFT"}, http.StatusBadRequest, "validation"},
		{"未登録商品", "POST", "/api/v1/stock/adjust", map[string]interface{}{"store_id": "S1", "product_id": "NOPE", "qty_delta": 1, "movement_type": "IN"}, http.StatusNotFound, "product_not_found"},
		{"在庫記録なし", "GET", "/api/v1/stores/S1/stock/NOPE", nil, http.StatusNotFound, "stock_not_found"},
		{"移動伝票なし", "POST", "/api/v1/transfers/missing/approve", nil, http.StatusNotFound, "transfer_not_found"},
		{"未知の操作", "POST", "/api/v1/transfers/missing/teleport", nil, http.StatusNotFound, "unknown_action"},
		{"不正な件数", "GET", "/api/v1/stores/S1/stock/P1/history?limit=abc", nil, http.StatusBadRequest, "validation"},
		{"不正な日時", "GET", "/api/v1/stores/S1/stock/P1/audit?from=yesterday", nil, http.StatusBadRequest, "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, resp.Code)
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/stock/adjust", bytes.NewBufferString("{broken"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestAPI_TransferAndCount は移動伝票と棚卸のAPIテスト
func TestAPI_TransferAndCount(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.CreateProduct(context.Background(), &inventory.Product{ID: "Q", TrackStock: true}))

	rec, _ := s.do(t, "POST", "/api/v1/stock/adjust", map[string]interface{}{
		"store_id": "B", "product_id": "Q", "qty_delta": 10, "movement_type": "IN",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := s.do(t, "POST", "/api/v1/transfers", map[string]interface{}{
		"from_store_id": "B", "to_store_id": "C",
		"lines": []map[string]interface{}{{"product_id": "Q", "quantity": 6}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	transferID := dataMap(t, resp)["id"].(string)
	assert.Equal(t, "api-test", dataMap(t, resp)["created_by"])

	rec, resp = s.do(t, "POST", "/api/v1/transfers/"+transferID+"/process", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_transfer_state", resp.Code)

	for _, action := range []string{"approve", "process", "receive"} {
		rec, _ = s.do(t, "POST", "/api/v1/transfers/"+transferID+"/"+action, nil)
		require.Equal(t, http.StatusOK, rec.Code, action)
	}

	rec, resp = s.do(t, "GET", "/api/v1/transfers/"+transferID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RECEIVED", dataMap(t, resp)["status"])

	// 棚卸
	rec, resp = s.do(t, "POST", "/api/v1/counts", map[string]interface{}{"store_id": "B"})
	require.Equal(t, http.StatusCreated, rec.Code)
	countID := dataMap(t, resp)["id"].(string)

	rec, resp = s.do(t, "POST", "/api/v1/counts/"+countID+"/complete", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_count_state", resp.Code)

	rec, _ = s.do(t, "POST", "/api/v1/counts/"+countID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = s.do(t, "POST", "/api/v1/counts/"+countID+"/complete", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "incomplete_count", resp.Code)

	rec, _ = s.do(t, "PUT", "/api/v1/counts/"+countID+"/lines/Q", map[string]interface{}{"counted_qty": 3})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = s.do(t, "POST", "/api/v1/counts/"+countID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", dataMap(t, resp)["status"])

	rec, resp = s.do(t, "GET", "/api/v1/stores/B/stock/Q", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), dataMap(t, resp)["quantity"])
}

// busyEngine は常に同時実行エラーを返す
type busyEngine struct {
	inventory.StockEngine
}

func (busyEngine) AdjustStock(ctx context.Context, req inventory.AdjustRequest) (*inventory.Movement, error) {
	return nil, inventory.NewConcurrencyError("lock_stock", inventory.StockKey(req.StoreID, req.ProductID), "ロック取得がタイムアウトしました", context.DeadlineExceeded)
}

// TestAPI_ConcurrencyError は同時実行エラーが503とRetry-Afterになることのテスト
func TestAPI_ConcurrencyError(t *testing.T) {
	store := storage.NewMemoryStorage(time.Second, zap.NewNop())
	handlers := NewHandlers(busyEngine{}, inventory.NewTrackingManager(store, nil, nil), store, zap.NewNop())
	router := setupRouter(handlers, nil, false)

	body := bytes.NewBufferString(`{"store_id":"S1","product_id":"P1","qty_delta":1,"movement_type":"IN"}`)
	req := httptest.NewRequest("POST", "/api/v1/stock/adjust", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "concurrency", resp.Code)
}

// TestAPI_HealthAndMetrics はヘルスチェックとメトリクス公開のテスト
func TestAPI_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", dataMap(t, resp)["status"])

	rec, _ = s.do(t, "POST", "/api/v1/stock/reserve", map[string]interface{}{"store_id": "S1", "product_id": "P1", "quantity": 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	s.do(t, "POST", "/api/v1/stock/adjust", map[string]interface{}{"store_id": "S1", "product_id": "P1", "qty_delta": 1, "movement_type": "IN"})

	req := httptest.NewRequest("GET", "/metrics", nil)
	mrec := httptest.NewRecorder()
	s.router.ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), `stock_ledger_operations_total{operation="adjust_stock",outcome="product_not_found"} 1`)
}
