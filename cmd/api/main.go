package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/internal/config"
	"github.com/nemonet1337/zaiStockLedger/internal/logger"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory/notifier"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML設定ファイルのパス")
	flag.Parse()

	// 設定読み込み
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	zl, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer zl.Sync()

	// ストレージ初期化
	store, err := buildStorage(cfg, zl)
	if err != nil {
		zl.Fatal("ストレージ初期化に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// 低在庫通知
	lowStock, closeNotifiers, err := buildNotifier(cfg, zl)
	if err != nil {
		zl.Fatal("低在庫通知の初期化に失敗しました", zap.Error(err))
	}
	defer closeNotifiers()

	// メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := inventory.NewMetrics(registry)

	// 在庫エンジン初期化
	engine := inventory.NewManager(store, lowStock, metrics, zl, cfg.Engine())
	tracking := inventory.NewTrackingManager(store, zl, cfg.Engine())

	// HTTPハンドラー設定
	handlers := NewHandlers(engine, tracking, store, zl)
	var metricsHandler http.Handler
	if cfg.API.EnableMetrics {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}
	router := setupRouter(handlers, metricsHandler, cfg.API.EnableCORS)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		zl.Info("在庫台帳APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("storage", cfg.Inventory.Storage),
			zap.Strings("notifiers", cfg.Inventory.Notifiers),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zl.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	zl.Info("サーバーが正常に停止しました")
}

// buildStorage creates the configured storage backend
// 設定に応じたストレージを作成
func buildStorage(cfg *config.Config, zl *zap.Logger) (inventory.Storage, error) {
	switch cfg.Inventory.Storage {
	case "memory":
		zl.Warn("メモリストレージを使用します（再起動でデータは失われます）")
		return storage.NewMemoryStorage(cfg.Inventory.LockTimeout, zl), nil
	default:
		return storage.NewPostgreSQLStorage(cfg.DSN(), cfg.Inventory.LockTimeout, zl)
	}
}

// buildNotifier creates the fan-out of every configured low-stock notifier
// 設定されたすべての低在庫通知をまとめて作成
func buildNotifier(cfg *config.Config, zl *zap.Logger) (inventory.LowStockNotifier, func(), error) {
	var notifiers []inventory.LowStockNotifier
	var closers []func() error

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				zl.Warn("通知先のクローズに失敗しました", zap.Error(err))
			}
		}
	}

	if cfg.HasNotifier("log") {
		notifiers = append(notifiers, notifier.NewLogNotifier(zl))
	}

	if cfg.HasNotifier("redis") {
		client, err := notifier.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, zl)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, client.Close)
		notifiers = append(notifiers, notifier.NewRedisNotifier(client, cfg.Redis.Channel, cfg.Redis.KeyPrefix, cfg.Redis.AlertTTL, zl))
	}

	if cfg.HasNotifier("kafka") {
		producer, err := notifier.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Retries, cfg.Kafka.Acks)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		kn := notifier.NewKafkaNotifier(producer, cfg.Kafka.Topic, zl)
		closers = append(closers, kn.Close)
		notifiers = append(notifiers, kn)
	}

	if len(notifiers) == 0 {
		return nil, closeAll, nil
	}
	return notifier.NewMultiNotifier(notifiers...), closeAll, nil
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, metricsHandler http.Handler, enableCORS bool) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// 商品マスタ
	api.HandleFunc("/products", handlers.CreateProduct).Methods("POST")
	api.HandleFunc("/products/{productId}", handlers.GetProduct).Methods("GET")

	// 調整・予約
	api.HandleFunc("/stock/adjust", handlers.AdjustStock).Methods("POST")
	api.HandleFunc("/stock/reserve", handlers.ReserveStock).Methods("POST")
	api.HandleFunc("/stock/release", handlers.ReleaseStock).Methods("POST")

	// 在庫照会
	api.HandleFunc("/stores/{storeId}/stock", handlers.ListStock).Methods("GET")
	api.HandleFunc("/stores/{storeId}/stock/low", handlers.ListLowStock).Methods("GET")
	api.HandleFunc("/stores/{storeId}/stock/{productId}", handlers.GetStock).Methods("GET")
	api.HandleFunc("/stores/{storeId}/stock/{productId}/min-qty", handlers.SetMinQty).Methods("PUT")

	// 台帳
	api.HandleFunc("/stores/{storeId}/stock/{productId}/history", handlers.GetHistory).Methods("GET")
	api.HandleFunc("/stores/{storeId}/stock/{productId}/audit", handlers.GetAuditTrail).Methods("GET")
	api.HandleFunc("/movements/batch/{batchId}", handlers.GetBatchMovements).Methods("GET")

	// 店舗間移動
	api.HandleFunc("/transfers", handlers.CreateTransfer).Methods("POST")
	api.HandleFunc("/transfers/{transferId}", handlers.GetTransfer).Methods("GET")
	api.HandleFunc("/transfers/{transferId}/{action}", handlers.TransferAction).Methods("POST")

	// 棚卸
	api.HandleFunc("/counts", handlers.CreateStockCount).Methods("POST")
	api.HandleFunc("/counts/{countId}", handlers.GetStockCount).Methods("GET")
	api.HandleFunc("/counts/{countId}/lines/{productId}", handlers.RecordCount).Methods("PUT")
	api.HandleFunc("/counts/{countId}/{action}", handlers.CountAction).Methods("POST")

	if enableCORS {
		router.Use(corsMiddleware)
	}

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// corsMiddleware allows cross-origin calls from store front-ends
// CORSヘッダーを付与するミドルウェア
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// リクエスト処理
			next.ServeHTTP(rec, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("actor", r.Header.Get("X-Actor")),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
