package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"stockHftBot/internal/domain"
	"stockHftBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.TradeLogRepository using SQLite. Prices and
// cash are stored as decimal strings so a replay of the log reproduces the
// account state exactly, with no float rounding.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens (or creates) the trade log database.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trading.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %v", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; limiting the Go-side pool
	// avoids lock contention in the driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Trade log database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trade_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TIMESTAMP NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty INTEGER NOT NULL,
		price TEXT NOT NULL,
		resulting_position INTEGER NOT NULL,
		resulting_cash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trade_log_date ON trade_log (date);
	CREATE INDEX IF NOT EXISTS idx_trade_log_symbol_date ON trade_log (symbol, date);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing trade log database connection")
		return r.db.Close()
	}
	return nil
}

// Append saves a new trade log entry and returns its assigned ID.
func (r *Repository) Append(ctx context.Context, entry *domain.TradeLogEntry) (int64, error) {
	const query = `
	INSERT INTO trade_log (date, symbol, side, qty, price, resulting_position, resulting_cash)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		entry.Date, entry.Symbol, string(entry.Side), entry.Qty,
		entry.Price.String(), entry.ResultingPosition, entry.ResultingCash.String())
	if err != nil {
		return 0, fmt.Errorf("%w: failed to insert trade log entry for %s: %v", ports.ErrQueryFailed, entry.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get last insert ID for %s: %v", ports.ErrQueryFailed, entry.Symbol, err)
	}
	entry.ID = id
	r.logger.Debug(ctx, "Trade log entry appended", map[string]interface{}{
		"entryID": id, "symbol": entry.Symbol, "qty": entry.Qty,
	})
	return id, nil
}

// All retrieves every entry in insertion order.
func (r *Repository) All(ctx context.Context) ([]*domain.TradeLogEntry, error) {
	const query = `
	SELECT id, date, symbol, side, qty, price, resulting_position, resulting_cash
	FROM trade_log ORDER BY id ASC`
	return r.queryEntries(ctx, query)
}

// Since retrieves entries recorded at or after the given time, in insertion order.
func (r *Repository) Since(ctx context.Context, t time.Time) ([]*domain.TradeLogEntry, error) {
	const query = `
	SELECT id, date, symbol, side, qty, price, resulting_position, resulting_cash
	FROM trade_log WHERE date >= ? ORDER BY id ASC`
	return r.queryEntries(ctx, query, t)
}

// CountToday counts entries recorded today (local time).
func (r *Repository) CountToday(ctx context.Context) (int, error) {
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	const query = `SELECT COUNT(*) FROM trade_log WHERE date >= ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, dayStart).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count today's trade log entries: %v", ports.ErrQueryFailed, err)
	}
	return count, nil
}

func (r *Repository) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*domain.TradeLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query trade log: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var entries []*domain.TradeLogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating trade log rows: %v", ports.ErrQueryFailed, err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (*domain.TradeLogEntry, error) {
	var (
		entry    domain.TradeLogEntry
		side     string
		priceStr string
		cashStr  string
	)
	if err := rows.Scan(&entry.ID, &entry.Date, &entry.Symbol, &side, &entry.Qty,
		&priceStr, &entry.ResultingPosition, &cashStr); err != nil {
		return nil, fmt.Errorf("%w: failed to scan trade log row: %v", ports.ErrQueryFailed, err)
	}
	entry.Side = domain.Side(side)

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt price %q in trade log entry %d: %v", ports.ErrQueryFailed, priceStr, entry.ID, err)
	}
	entry.Price = price

	cash, err := decimal.NewFromString(cashStr)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt cash %q in trade log entry %d: %v", ports.ErrQueryFailed, cashStr, entry.ID, err)
	}
	entry.ResultingCash = cash

	return &entry, nil
}
