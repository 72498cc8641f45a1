package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"grid-trader-go/internal/models"

	_ "modernc.org/sqlite" // Import the pure-Go sqlite driver
)

// SQLiteStore keeps historical bars in one sqlite file per pair and interval:
// <root>/<BASE_QUOTE>/<interval>.db
type SQLiteStore struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLiteStore creates the root directory if needed.
func NewSQLiteStore(root string) (*SQLiteStore, error) {
	if root == "" {
		return nil, fmt.Errorf("data root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}
	return &SQLiteStore{root: root, dbs: make(map[string]*sql.DB)}, nil
}

// Close closes every open database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *SQLiteStore) db(pair, interval string) (*sql.DB, error) {
	key := strings.ToUpper(pair) + "@" + strings.ToLower(interval)
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok {
		return db, nil
	}

	path := s.dbPath(pair, interval)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	s.dbs[key] = db
	return db, nil
}

func (s *SQLiteStore) dbPath(pair, interval string) string {
	dir := strings.ReplaceAll(strings.ToUpper(pair), "/", "_")
	return filepath.Join(s.root, dir, strings.ToLower(interval)+".db")
}

// createTables creates the candle table if it doesn't exist.
func createTables(db *sql.DB) error {
	createCandlesTableSQL := `
	CREATE TABLE IF NOT EXISTS candles (
		close_time INTEGER PRIMARY KEY,
		open_time INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL
	);`
	_, err := db.Exec(createCandlesTableSQL)
	return err
}

// InsertBars upserts bars keyed by close time.
func (s *SQLiteStore) InsertBars(ctx context.Context, pair, interval string, bars []models.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	db, err := s.db(pair, interval)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback on any error

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO candles (close_time, open_time, open, high, low, close, volume)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(close_time) DO UPDATE SET
		open_time = excluded.open_time,
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx,
			b.CloseTime.UnixMilli(), b.OpenTime.UnixMilli(), b.Open, b.High, b.Low, b.Close, b.Volume,
		); err != nil {
			return 0, fmt.Errorf("failed to insert candle %d: %w", b.CloseTime.UnixMilli(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit candles: %w", err)
	}
	return len(bars), nil
}

// LoadBars implements klinecache.BarSource.
func (s *SQLiteStore) LoadBars(ctx context.Context, pair, interval string, start, end time.Time) ([]models.Bar, error) {
	db, err := s.db(pair, interval)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
	SELECT open_time, close_time, open, high, low, close, volume
	FROM candles
	WHERE close_time >= ? AND close_time <= ?
	ORDER BY close_time ASC`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var openMs, closeMs int64
		var b models.Bar
		if err := rows.Scan(&openMs, &closeMs, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		b.OpenTime = time.UnixMilli(openMs).UTC()
		b.CloseTime = time.UnixMilli(closeMs).UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Range returns the first and last close time stored for pair/interval.
func (s *SQLiteStore) Range(ctx context.Context, pair, interval string) (time.Time, time.Time, int64, error) {
	db, err := s.db(pair, interval)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	var minMs, maxMs sql.NullInt64
	var count int64
	err = db.QueryRowContext(ctx, `SELECT MIN(close_time), MAX(close_time), COUNT(*) FROM candles`).Scan(&minMs, &maxMs, &count)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	if count == 0 {
		return time.Time{}, time.Time{}, 0, nil
	}
	return time.UnixMilli(minMs.Int64).UTC(), time.UnixMilli(maxMs.Int64).UTC(), count, nil
}
