package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"grid-trailing-bot-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// CandleStore keeps downloaded historical klines in a local SQLite
// database, one table per trading pair. The backtest runner reads from
// it and the downloader writes to it.
type CandleStore struct {
	db *sql.DB
}

// OpenCandleStore opens (or creates) the candle database.
func OpenCandleStore(dataSourceName string) (*CandleStore, error) {
	if dir := filepath.Dir(dataSourceName); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &CandleStore{db: db}, nil
}

// tableName maps a pair to its candle table. Pair strings only contain
// [A-Z0-9_] after canonicalization, so interpolation is safe here.
func tableName(pair models.TradePair) string {
	return "candles_" + strings.ToUpper(pair.String())
}

// EnsureTable creates the candle table for the pair if it does not exist.
func (s *CandleStore) EnsureTable(pair models.TradePair) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		open_time INTEGER PRIMARY KEY,
		close_time INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL
	);`, tableName(pair))

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create candle table for %s: %w", pair, err)
	}
	return nil
}

// SaveCandles upserts a batch of candles inside one transaction.
func (s *CandleStore) SaveCandles(pair models.TradePair, candles []models.Candlestick) error {
	if len(candles) == 0 {
		return nil
	}
	if err := s.EnsureTable(pair); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin candle transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
	INSERT INTO %s (open_time, close_time, open, high, low, close, volume)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(open_time) DO UPDATE SET
		close_time = excluded.close_time,
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume;`, tableName(pair))

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare candle insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.Exec(c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("failed to insert candle at %d: %w", c.OpenTime, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit candle transaction: %w", err)
	}
	return nil
}

// LoadCandles returns candles with openTime in [from, to], ordered by time.
func (s *CandleStore) LoadCandles(pair models.TradePair, from, to int64) ([]models.Candlestick, error) {
	query := fmt.Sprintf(`
	SELECT open_time, close_time, open, high, low, close, volume
	FROM %s
	WHERE open_time >= ? AND open_time <= ?
	ORDER BY open_time ASC;`, tableName(pair))

	rows, err := s.db.Query(query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles for %s: %w", pair, err)
	}
	defer rows.Close()

	var candles []models.Candlestick
	for rows.Next() {
		var c models.Candlestick
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// LastCloseTime returns the newest stored closeTime for the pair, or 0
// when the table is empty or missing. The downloader resumes from it.
func (s *CandleStore) LastCloseTime(pair models.TradePair) (int64, error) {
	query := fmt.Sprintf("SELECT COALESCE(MAX(close_time), 0) FROM %s;", tableName(pair))

	var last int64
	err := s.db.QueryRow(query).Scan(&last)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, err
	}
	return last, nil
}

// Close closes the underlying database handle.
func (s *CandleStore) Close() error {
	return s.db.Close()
}
