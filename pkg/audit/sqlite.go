package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists audit events in SQLite.
type SQLiteStore struct {
	db        *sql.DB
	closeOnce sync.Once

	insertStmt *sql.Stmt
	queryStmt  *sql.Stmt
}

// SQLiteConfig contains configuration for the SQLite audit store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore opens (or creates) the audit database at the given
// path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{Path: path})
}

// NewSQLiteStoreWithConfig opens the audit database with custom
// configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d",
		cfg.Path, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare audit statements: %w", err)
	}

	return store, nil
}

// initSchema creates the events table if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quota_events (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		api_key_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		tier TEXT,
		allowed INTEGER NOT NULL DEFAULT 0,
		used_addon INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		package TEXT,
		grant_id TEXT,
		amount_usd REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_events_key_time ON quota_events(api_key_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// prepareStatements prepares SQL statements for reuse.
func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO quota_events (id, timestamp, api_key_id, kind, tier, allowed, used_addon, reason, package, grant_id, amount_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.queryStmt, err = s.db.Prepare(`
		SELECT id, timestamp, api_key_id, kind, tier, allowed, used_addon, reason, package, grant_id, amount_usd
		FROM quota_events
		WHERE api_key_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare query statement: %w", err)
	}

	return nil
}

// Insert writes one event.
func (s *SQLiteStore) Insert(ctx context.Context, e *Event) error {
	if e == nil {
		return fmt.Errorf("event cannot be nil")
	}

	_, err := s.insertStmt.ExecContext(ctx,
		e.ID,
		e.Timestamp.Unix(),
		e.APIKeyID,
		string(e.Kind),
		e.Tier,
		boolToInt(e.Allowed),
		boolToInt(e.UsedAddOn),
		e.Reason,
		e.Package,
		e.GrantID,
		e.AmountUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// QueryByKey returns the most recent events for a key, newest first.
func (s *SQLiteStore) QueryByKey(ctx context.Context, apiKeyID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.queryStmt.QueryContext(ctx, apiKeyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e                  Event
			ts                 int64
			allowed, usedAddOn int
		)
		if err := rows.Scan(&e.ID, &ts, &e.APIKeyID, (*string)(&e.Kind), &e.Tier,
			&allowed, &usedAddOn, &e.Reason, &e.Package, &e.GrantID, &e.AmountUSD); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.Allowed = allowed == 1
		e.UsedAddOn = usedAddOn == 1
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// Close releases resources held by the store.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteStore) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		if s.insertStmt != nil {
			s.insertStmt.Close()
		}
		if s.queryStmt != nil {
			s.queryStmt.Close()
		}
		if s.db != nil {
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
