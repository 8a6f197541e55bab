package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db          *sql.DB
	lockTimeout time.Duration
	logger      *zap.Logger
}

var _ inventory.Storage = (*PostgreSQLStorage)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, lockTimeout time.Duration, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if logger == nil {
		logger = zap.NewNop()
	}

	return &PostgreSQLStorage{
		db:          db,
		lockTimeout: lockTimeout,
		logger:      logger,
	}, nil
}

// RunInTx runs fn inside one database transaction; row locks are held until commit or rollback
// fnを1つのDBトランザクション内で実行（行ロックはコミット/ロールバックまで保持）
func (s *PostgreSQLStorage) RunInTx(ctx context.Context, fn func(tx inventory.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
			}
		}
	}()

	if s.lockTimeout > 0 {
		// SET LOCALはパラメータを受け付けないため数値を埋め込む
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err = sqlTx.ExecContext(ctx, stmt); err != nil {
			return mapError("set_lock_timeout", err)
		}
	}

	if err = fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// CreateProduct registers a product
// 商品を登録
func (s *PostgreSQLStorage) CreateProduct(ctx context.Context, product *inventory.Product) error {
	now := time.Now()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	query := `
		INSERT INTO products (id, name, sku, track_stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		product.ID,
		product.Name,
		product.SKU,
		product.TrackStock,
		product.CreatedAt,
		product.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return inventory.ErrDuplicateProduct
		}
		return mapError("create_product", err)
	}
	return nil
}

// GetProduct retrieves a product by ID
// IDで商品を取得
func (s *PostgreSQLStorage) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	return getProduct(ctx, s.db, productID)
}

// GetStock retrieves the stock record of a store and product
// 店舗・商品の在庫レコードを取得
func (s *PostgreSQLStorage) GetStock(ctx context.Context, storeID, productID string) (*inventory.Stock, error) {
	query := `SELECT ` + stockColumns + ` FROM stocks WHERE store_id = $1 AND product_id = $2`

	stock, err := scanStock(s.db.QueryRowContext(ctx, query, storeID, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrStockNotFound
		}
		return nil, mapError("get_stock", err)
	}
	return stock, nil
}

// ListStockByStore retrieves every stock record of a store ordered by product ID
// 店舗のすべての在庫レコードを商品ID順に取得
func (s *PostgreSQLStorage) ListStockByStore(ctx context.Context, storeID string) ([]inventory.Stock, error) {
	return listStock(ctx, s.db, storeID, false)
}

// ListLowStock retrieves the stock records of a store at or below their reorder threshold
// 発注点以下の在庫レコードを取得
func (s *PostgreSQLStorage) ListLowStock(ctx context.Context, storeID string) ([]inventory.Stock, error) {
	return listStock(ctx, s.db, storeID, true)
}

// GetMovementHistory retrieves the newest movements of a stock record
// 在庫レコードの移動履歴を新しい順に取得
func (s *PostgreSQLStorage) GetMovementHistory(ctx context.Context, storeID, productID string, limit int) ([]inventory.Movement, error) {
	query := `SELECT ` + movementColumns + `
		FROM movements
		WHERE store_id = $1 AND product_id = $2
		ORDER BY seq DESC`

	// 0以下は件数無制限
	if limit <= 0 {
		return s.queryMovements(ctx, "get_movement_history", query, storeID, productID)
	}
	return s.queryMovements(ctx, "get_movement_history", query+` LIMIT $3`, storeID, productID, limit)
}

// GetMovementsByBatch retrieves the movements of a batch in ledger order
// バッチの移動を記録順に取得
func (s *PostgreSQLStorage) GetMovementsByBatch(ctx context.Context, batchID string) ([]inventory.Movement, error) {
	query := `SELECT ` + movementColumns + `
		FROM movements
		WHERE batch_id = $1
		ORDER BY seq`

	return s.queryMovements(ctx, "get_movements_by_batch", query, batchID)
}

// GetMovementsByDateRange retrieves the movements of a stock record in [from, to), oldest first
// 期間内の移動を古い順に取得
func (s *PostgreSQLStorage) GetMovementsByDateRange(ctx context.Context, storeID, productID string, from, to time.Time) ([]inventory.Movement, error) {
	query := `SELECT ` + movementColumns + `
		FROM movements
		WHERE store_id = $1 AND product_id = $2 AND created_at >= $3 AND created_at < $4
		ORDER BY seq`

	return s.queryMovements(ctx, "get_movements_by_date_range", query, storeID, productID, from, to)
}

// GetTransfer retrieves a transfer with its lines
// 移動伝票を取得
func (s *PostgreSQLStorage) GetTransfer(ctx context.Context, transferID string) (*inventory.Transfer, error) {
	return getTransfer(ctx, s.db, transferID, false)
}

// GetStockCount retrieves a count with its lines
// 棚卸を取得
func (s *PostgreSQLStorage) GetStockCount(ctx context.Context, countID string) (*inventory.StockCount, error) {
	return getStockCount(ctx, s.db, countID, false)
}

// Ping checks database connectivity
// データベース接続を確認
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

func (s *PostgreSQLStorage) queryMovements(ctx context.Context, operation, query string, args ...interface{}) ([]inventory.Movement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(operation, err)
	}
	defer rows.Close()

	var movements []inventory.Movement
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, mapError(operation, err)
		}
		movements = append(movements, *mv)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(operation, err)
	}
	return movements, nil
}

// pgTx implements inventory.Tx on a *sql.Tx
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	return getProduct(ctx, t.tx, productID)
}

func (t *pgTx) LockStock(ctx context.Context, storeID, productID string) (*inventory.Stock, error) {
	// 初回は数量0で作成
	insert := `
		INSERT INTO stocks (store_id, product_id, quantity, reserved, min_qty, version, updated_at, updated_by)
		VALUES ($1, $2, 0, 0, 0, 0, NOW(), '')
		ON CONFLICT (store_id, product_id) DO NOTHING`
	if _, err := t.tx.ExecContext(ctx, insert, storeID, productID); err != nil {
		return nil, mapError("lock_stock", err)
	}

	query := `SELECT ` + stockColumns + ` FROM stocks WHERE store_id = $1 AND product_id = $2 FOR UPDATE`
	stock, err := scanStock(t.tx.QueryRowContext(ctx, query, storeID, productID))
	if err != nil {
		return nil, mapError("lock_stock", err)
	}
	return stock, nil
}

func (t *pgTx) UpdateStock(ctx context.Context, stock *inventory.Stock) error {
	query := `
		UPDATE stocks
		SET quantity = $3, reserved = $4, min_qty = $5, version = $6, updated_at = $7, updated_by = $8
		WHERE store_id = $1 AND product_id = $2`

	result, err := t.tx.ExecContext(ctx, query,
		stock.StoreID,
		stock.ProductID,
		stock.Quantity,
		stock.Reserved,
		stock.MinQty,
		stock.Version,
		stock.UpdatedAt,
		stock.UpdatedBy,
	)
	if err != nil {
		return mapError("update_stock", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return inventory.ErrStockNotFound
	}
	return nil
}

func (t *pgTx) ListStockByStore(ctx context.Context, storeID string) ([]inventory.Stock, error) {
	return listStock(ctx, t.tx, storeID, false)
}

func (t *pgTx) CreateMovement(ctx context.Context, movement *inventory.Movement) error {
	query := `
		INSERT INTO movements (id, store_id, product_id, movement_type, quantity, quantity_before, quantity_after,
			reference, reason, actor, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	var batchID sql.NullString
	if movement.BatchID != nil {
		batchID = sql.NullString{String: *movement.BatchID, Valid: true}
	}

	_, err := t.tx.ExecContext(ctx, query,
		movement.ID,
		movement.StoreID,
		movement.ProductID,
		string(movement.Type),
		movement.Quantity,
		movement.QuantityBefore,
		movement.QuantityAfter,
		movement.Reference,
		movement.Reason,
		movement.Actor,
		batchID,
		movement.CreatedAt,
	)
	if err != nil {
		return mapError("create_movement", err)
	}
	return nil
}

func (t *pgTx) CreateTransfer(ctx context.Context, transfer *inventory.Transfer) error {
	query := `
		INSERT INTO transfers (id, from_store_id, to_store_id, status, created_by, approved_by, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := t.tx.ExecContext(ctx, query,
		transfer.ID,
		transfer.FromStoreID,
		transfer.ToStoreID,
		string(transfer.Status),
		transfer.CreatedBy,
		transfer.ApprovedBy,
		transfer.Notes,
		transfer.CreatedAt,
		transfer.UpdatedAt,
	)
	if err != nil {
		return mapError("create_transfer", err)
	}

	lineQuery := `
		INSERT INTO transfer_lines (id, transfer_id, line_no, product_id, quantity, received_qty)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for i, line := range transfer.Lines {
		if _, err := t.tx.ExecContext(ctx, lineQuery, line.ID, transfer.ID, i+1, line.ProductID, line.Quantity, line.ReceivedQty); err != nil {
			return mapError("create_transfer_line", err)
		}
	}
	return nil
}

func (t *pgTx) LockTransfer(ctx context.Context, transferID string) (*inventory.Transfer, error) {
	return getTransfer(ctx, t.tx, transferID, true)
}

func (t *pgTx) UpdateTransfer(ctx context.Context, transfer *inventory.Transfer) error {
	query := `
		UPDATE transfers
		SET status = $2, approved_by = $3, notes = $4, updated_at = $5
		WHERE id = $1`

	if _, err := t.tx.ExecContext(ctx, query,
		transfer.ID,
		string(transfer.Status),
		transfer.ApprovedBy,
		transfer.Notes,
		transfer.UpdatedAt,
	); err != nil {
		return mapError("update_transfer", err)
	}

	lineQuery := `UPDATE transfer_lines SET received_qty = $2 WHERE id = $1`
	for _, line := range transfer.Lines {
		if _, err := t.tx.ExecContext(ctx, lineQuery, line.ID, line.ReceivedQty); err != nil {
			return mapError("update_transfer_line", err)
		}
	}
	return nil
}

func (t *pgTx) CreateStockCount(ctx context.Context, count *inventory.StockCount) error {
	query := `
		INSERT INTO stock_counts (id, store_id, status, created_by, completed_at, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := t.tx.ExecContext(ctx, query,
		count.ID,
		count.StoreID,
		string(count.Status),
		count.CreatedBy,
		nullTime(count.CompletedAt),
		count.Notes,
		count.CreatedAt,
		count.UpdatedAt,
	); err != nil {
		return mapError("create_stock_count", err)
	}
	return t.upsertCountLines(ctx, count)
}

func (t *pgTx) LockStockCount(ctx context.Context, countID string) (*inventory.StockCount, error) {
	return getStockCount(ctx, t.tx, countID, true)
}

func (t *pgTx) UpdateStockCount(ctx context.Context, count *inventory.StockCount) error {
	query := `
		UPDATE stock_counts
		SET status = $2, completed_at = $3, notes = $4, updated_at = $5
		WHERE id = $1`

	if _, err := t.tx.ExecContext(ctx, query,
		count.ID,
		string(count.Status),
		nullTime(count.CompletedAt),
		count.Notes,
		count.UpdatedAt,
	); err != nil {
		return mapError("update_stock_count", err)
	}
	return t.upsertCountLines(ctx, count)
}

// upsertCountLines inserts snapshot lines once and afterwards only updates counted_qty
func (t *pgTx) upsertCountLines(ctx context.Context, count *inventory.StockCount) error {
	query := `
		INSERT INTO count_lines (id, count_id, line_no, product_id, system_qty, counted_qty)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET counted_qty = EXCLUDED.counted_qty`

	for i, line := range count.Lines {
		var counted sql.NullInt64
		if line.CountedQty != nil {
			counted = sql.NullInt64{Int64: *line.CountedQty, Valid: true}
		}
		if _, err := t.tx.ExecContext(ctx, query, line.ID, count.ID, i+1, line.ProductID, line.SystemQty, counted); err != nil {
			return mapError("upsert_count_line", err)
		}
	}
	return nil
}

// 共通クエリ

const stockColumns = `store_id, product_id, quantity, reserved, min_qty, version, updated_at, updated_by`

const movementColumns = `id, store_id, product_id, movement_type, quantity, quantity_before, quantity_after,
	reference, reason, actor, batch_id, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStock(row rowScanner) (*inventory.Stock, error) {
	stock := &inventory.Stock{}
	err := row.Scan(
		&stock.StoreID,
		&stock.ProductID,
		&stock.Quantity,
		&stock.Reserved,
		&stock.MinQty,
		&stock.Version,
		&stock.UpdatedAt,
		&stock.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	return stock, nil
}

func scanMovement(row rowScanner) (*inventory.Movement, error) {
	mv := &inventory.Movement{}
	var movementType string
	var batchID sql.NullString
	err := row.Scan(
		&mv.ID,
		&mv.StoreID,
		&mv.ProductID,
		&movementType,
		&mv.Quantity,
		&mv.QuantityBefore,
		&mv.QuantityAfter,
		&mv.Reference,
		&mv.Reason,
		&mv.Actor,
		&batchID,
		&mv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	mv.Type = inventory.MovementType(movementType)
	if batchID.Valid {
		b := batchID.String
		mv.BatchID = &b
	}
	return mv, nil
}

func getProduct(ctx context.Context, q queryer, productID string) (*inventory.Product, error) {
	query := `SELECT id, name, sku, track_stock, created_at, updated_at FROM products WHERE id = $1`

	p := &inventory.Product{}
	err := q.QueryRowContext(ctx, query, productID).Scan(
		&p.ID,
		&p.Name,
		&p.SKU,
		&p.TrackStock,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrProductNotFound
		}
		return nil, mapError("get_product", err)
	}
	return p, nil
}

func listStock(ctx context.Context, q queryer, storeID string, lowOnly bool) ([]inventory.Stock, error) {
	query := `SELECT ` + stockColumns + ` FROM stocks WHERE store_id = $1`
	if lowOnly {
		query += ` AND quantity - reserved <= min_qty`
	}
	query += ` ORDER BY product_id`

	rows, err := q.QueryContext(ctx, query, storeID)
	if err != nil {
		return nil, mapError("list_stock", err)
	}
	defer rows.Close()

	var stocks []inventory.Stock
	for rows.Next() {
		stock, err := scanStock(rows)
		if err != nil {
			return nil, mapError("list_stock", err)
		}
		stocks = append(stocks, *stock)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list_stock", err)
	}
	return stocks, nil
}

func getTransfer(ctx context.Context, q queryer, transferID string, forUpdate bool) (*inventory.Transfer, error) {
	// 伝票IDはUUID列のため、形式外のIDは存在しないものとして扱う
	if _, err := uuid.Parse(transferID); err != nil {
		return nil, inventory.ErrTransferNotFound
	}

	query := `
		SELECT id, from_store_id, to_store_id, status, created_by, approved_by, notes, created_at, updated_at
		FROM transfers WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	t := &inventory.Transfer{}
	var status string
	err := q.QueryRowContext(ctx, query, transferID).Scan(
		&t.ID,
		&t.FromStoreID,
		&t.ToStoreID,
		&status,
		&t.CreatedBy,
		&t.ApprovedBy,
		&t.Notes,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrTransferNotFound
		}
		return nil, mapError("get_transfer", err)
	}
	t.Status = inventory.TransferStatus(status)

	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, quantity, received_qty
		FROM transfer_lines WHERE transfer_id = $1 ORDER BY line_no`, transferID)
	if err != nil {
		return nil, mapError("get_transfer_lines", err)
	}
	defer rows.Close()

	t.Lines = []inventory.TransferLine{}
	for rows.Next() {
		var line inventory.TransferLine
		if err := rows.Scan(&line.ID, &line.ProductID, &line.Quantity, &line.ReceivedQty); err != nil {
			return nil, mapError("get_transfer_lines", err)
		}
		t.Lines = append(t.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("get_transfer_lines", err)
	}
	return t, nil
}

func getStockCount(ctx context.Context, q queryer, countID string, forUpdate bool) (*inventory.StockCount, error) {
	if _, err := uuid.Parse(countID); err != nil {
		return nil, inventory.ErrCountNotFound
	}

	query := `
		SELECT id, store_id, status, created_by, completed_at, notes, created_at, updated_at
		FROM stock_counts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	c := &inventory.StockCount{}
	var status string
	var completedAt sql.NullTime
	err := q.QueryRowContext(ctx, query, countID).Scan(
		&c.ID,
		&c.StoreID,
		&status,
		&c.CreatedBy,
		&completedAt,
		&c.Notes,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrCountNotFound
		}
		return nil, mapError("get_stock_count", err)
	}
	c.Status = inventory.CountStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, system_qty, counted_qty
		FROM count_lines WHERE count_id = $1 ORDER BY line_no`, countID)
	if err != nil {
		return nil, mapError("get_count_lines", err)
	}
	defer rows.Close()

	c.Lines = []inventory.CountLine{}
	for rows.Next() {
		var line inventory.CountLine
		var counted sql.NullInt64
		if err := rows.Scan(&line.ID, &line.ProductID, &line.SystemQty, &counted); err != nil {
			return nil, mapError("get_count_lines", err)
		}
		if counted.Valid {
			v := counted.Int64
			line.CountedQty = &v
		}
		c.Lines = append(c.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("get_count_lines", err)
	}
	return c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// mapError converts lock timeouts, deadlocks and serialization failures into retryable errors
// ロック待ちタイムアウト・デッドロック・直列化失敗を再試行可能エラーに変換
func mapError(operation string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03":
			return inventory.NewConcurrencyError(operation, pqErr.Table, "ロック取得がタイムアウトしました", err)
		case "40P01":
			return inventory.NewConcurrencyError(operation, pqErr.Table, "デッドロックを検出しました", err)
		case "40001":
			return inventory.NewConcurrencyError(operation, pqErr.Table, "直列化に失敗しました", err)
		case "57014":
			return inventory.NewConcurrencyError(operation, pqErr.Table, "ステートメントがタイムアウトしました", err)
		case "22P02":
			return fmt.Errorf("%w: %w", inventory.NewValidationError(pqErr.Column, "値の形式が不正です", ""), err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return inventory.NewConcurrencyError(operation, "", "処理がタイムアウトしました", err)
	}
	return inventory.NewStorageError(operation, "データベース操作に失敗しました", err)
}
