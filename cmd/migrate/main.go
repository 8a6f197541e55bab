package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/internal/config"
	"github.com/nemonet1337/zaiStockLedger/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML設定ファイルのパス")
	migrationDir := flag.String("dir", "migrations", "マイグレーションディレクトリ")
	flag.Parse()

	// 設定読み込み
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	zl, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer zl.Sync()

	zl.Info("zaiStockLedger マイグレーション実行ツール",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
	)

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		zl.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer db.Close()

	// 接続テスト
	if err := db.Ping(); err != nil {
		zl.Fatal("データベースpingに失敗しました", zap.Error(err))
	}

	if _, err := os.Stat(*migrationDir); os.IsNotExist(err) {
		zl.Fatal("マイグレーションディレクトリが見つかりません", zap.String("dir", *migrationDir))
	}

	// マイグレーション履歴テーブルの作成
	if err := createMigrationTable(db); err != nil {
		zl.Fatal("マイグレーション履歴テーブル作成に失敗しました", zap.Error(err))
	}

	// マイグレーション実行
	if err := runMigrations(db, *migrationDir, zl); err != nil {
		zl.Fatal("マイグレーション実行に失敗しました", zap.Error(err))
	}

	zl.Info("すべてのマイグレーションが完了しました")
}

// createMigrationTable マイグレーション履歴テーブルを作成
func createMigrationTable(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			executed_at TIMESTAMP NOT NULL DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("マイグレーション履歴テーブル作成エラー: %w", err)
	}
	return nil
}

// runMigrations 未実行のマイグレーションをファイル名順に実行
func runMigrations(db *sql.DB, migrationDir string, zl *zap.Logger) error {
	files, err := filepath.Glob(filepath.Join(migrationDir, "*.sql"))
	if err != nil {
		return fmt.Errorf("マイグレーションファイル検索エラー: %w", err)
	}
	if len(files) == 0 {
		zl.Warn("マイグレーションファイルが見つかりません", zap.String("dir", migrationDir))
		return nil
	}
	sort.Strings(files)

	executed, err := getExecutedMigrations(db)
	if err != nil {
		return fmt.Errorf("実行済みマイグレーション取得エラー: %w", err)
	}

	for _, file := range files {
		filename := filepath.Base(file)

		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("ファイル読み込みエラー %s: %w", filename, err)
		}
		checksum := calculateChecksum(content)

		// 既に実行済みかチェック
		if recorded, ok := executed[filename]; ok {
			if recorded != checksum {
				return fmt.Errorf("実行済みマイグレーション %s の内容が変更されています", filename)
			}
			zl.Debug("スキップ (実行済み)", zap.String("filename", filename))
			continue
		}

		zl.Info("実行中", zap.String("filename", filename))

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("トランザクション開始エラー %s: %w", filename, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("マイグレーション実行エラー %s: %w", filename, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)",
			filename, checksum,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("マイグレーション履歴記録エラー %s: %w", filename, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("トランザクションコミットエラー %s: %w", filename, err)
		}

		zl.Info("完了", zap.String("filename", filename), zap.String("checksum", checksum))
	}

	return nil
}

// getExecutedMigrations 実行済みマイグレーションとチェックサムを取得
func getExecutedMigrations(db *sql.DB) (map[string]string, error) {
	executed := make(map[string]string)

	rows, err := db.Query("SELECT filename, checksum FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var filename, checksum string
		if err := rows.Scan(&filename, &checksum); err != nil {
			return nil, err
		}
		executed[filename] = checksum
	}

	return executed, rows.Err()
}

// calculateChecksum ファイル内容のSHA-256チェックサムを計算
func calculateChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
