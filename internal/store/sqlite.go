package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"delta-hedger/internal/errors"
	"delta-hedger/internal/models"
)

// SQLiteStore implements TradeStore using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	location *time.Location
}

var _ TradeStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-based store. Session dates are read
// back in loc.
func NewSQLiteStore(dbPath string, loc *time.Location) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if loc == nil {
		loc = time.UTC
	}
	store := &SQLiteStore{db: db, location: loc}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per leg entry, completed when the leg is closed
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		session_date TEXT NOT NULL,
		entry_time DATETIME NOT NULL,
		exit_time DATETIME,
		instrument TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Session summaries
	CREATE TABLE IF NOT EXISTS sessions (
		session_date TEXT PRIMARY KEY,
		pnl REAL NOT NULL,
		adjustments INTEGER NOT NULL,
		trades INTEGER NOT NULL,
		exit_reason TEXT,
		closed_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_trades_session ON trades(session_date);
	CREATE INDEX IF NOT EXISTS idx_trades_instrument ON trades(instrument);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Trades Methods
// ============================================================================

// SaveTrade inserts a trade record, or completes it with its exit fields if
// it already exists.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t models.TradeRecord) error {
	if t.ID == "" {
		return errors.NewValidationError("id", t.ID, "trade record without id")
	}

	var exitTime sql.NullTime
	if t.ExitTime != nil {
		exitTime = sql.NullTime{Time: *t.ExitTime, Valid: true}
	}
	var exitPrice sql.NullFloat64
	if t.ExitPrice != nil {
		exitPrice = sql.NullFloat64{Float64: *t.ExitPrice, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, session_date, entry_time, exit_time, instrument, side, quantity, entry_price, exit_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			exit_time = excluded.exit_time,
			exit_price = excluded.exit_price,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, dateKey(t.SessionDate), t.EntryTime, exitTime, t.Instrument, string(t.Side), t.Quantity, t.EntryPrice, exitPrice)
	if err != nil {
		return errors.Wrapf(errors.ErrDatabaseError, "failed to save trade %s: %v", t.ID, err)
	}
	return nil
}

// GetTrades retrieves trades in entry order.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error) {
	query := "SELECT id, session_date, entry_time, exit_time, instrument, side, quantity, entry_price, exit_price FROM trades WHERE 1=1"
	args := []interface{}{}

	if !filter.SessionDate.IsZero() {
		query += " AND session_date = ?"
		args = append(args, dateKey(filter.SessionDate))
	}
	if filter.Instrument != "" {
		query += " AND instrument = ?"
		args = append(args, filter.Instrument)
	}
	if filter.OpenOnly {
		query += " AND exit_time IS NULL"
	}

	query += " ORDER BY entry_time ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var t models.TradeRecord
		var sessionDate, side string
		var exitTime sql.NullTime
		var exitPrice sql.NullFloat64

		if err := rows.Scan(&t.ID, &sessionDate, &t.EntryTime, &exitTime, &t.Instrument, &side, &t.Quantity, &t.EntryPrice, &exitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}

		t.SessionDate, err = time.ParseInLocation(dateLayout, sessionDate, s.location)
		if err != nil {
			return nil, fmt.Errorf("invalid session date %q: %w", sessionDate, err)
		}
		t.Side = models.OrderSide(side)
		if exitTime.Valid {
			et := exitTime.Time
			t.ExitTime = &et
		}
		if exitPrice.Valid {
			ep := exitPrice.Float64
			t.ExitPrice = &ep
		}
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// ============================================================================
// Sessions Methods
// ============================================================================

// SaveSession saves a session summary. A second summary for the same date
// replaces the first.
func (s *SQLiteStore) SaveSession(ctx context.Context, sum models.SessionSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (session_date, pnl, adjustments, trades, exit_reason, closed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, dateKey(sum.Date), sum.PnL, sum.Adjustments, sum.Trades, string(sum.ExitReason), sum.ClosedAt)
	if err != nil {
		return errors.Wrapf(errors.ErrDatabaseError, "failed to save session %s: %v", dateKey(sum.Date), err)
	}
	return nil
}

// GetSessions retrieves session summaries, newest first.
func (s *SQLiteStore) GetSessions(ctx context.Context, filter SessionFilter) ([]models.SessionSummary, error) {
	query := "SELECT session_date, pnl, adjustments, trades, exit_reason, closed_at FROM sessions WHERE 1=1"
	args := []interface{}{}

	if !filter.StartDate.IsZero() {
		query += " AND session_date >= ?"
		args = append(args, dateKey(filter.StartDate))
	}
	if !filter.EndDate.IsZero() {
		query += " AND session_date <= ?"
		args = append(args, dateKey(filter.EndDate))
	}

	query += " ORDER BY session_date DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.SessionSummary
	for rows.Next() {
		var sum models.SessionSummary
		var date string
		var reason sql.NullString

		if err := rows.Scan(&date, &sum.PnL, &sum.Adjustments, &sum.Trades, &reason, &sum.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.Date, err = time.ParseInLocation(dateLayout, date, s.location)
		if err != nil {
			return nil, fmt.Errorf("invalid session date %q: %w", date, err)
		}
		sum.ExitReason = models.ExitReason(reason.String)
		sessions = append(sessions, sum)
	}

	return sessions, rows.Err()
}
