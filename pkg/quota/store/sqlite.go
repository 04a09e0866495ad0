package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"helios-hq/portcullis/pkg/quota/catalog"
)

// SQLiteBackend implements Backend using SQLite for persistence.
// This backend provides durable storage and is suitable for
// single-instance deployments where state must survive restarts.
//
// SQLiteBackend uses a write-ahead log (WAL) for better concurrent
// performance and periodic checkpointing to balance write performance
// with durability. All conditional updates are expressed as single
// UPDATE ... WHERE statements so the guard and the mutation are one
// atomic operation.
type SQLiteBackend struct {
	db                 *sql.DB
	dbPath             string
	checkpointInterval time.Duration
	done               chan struct{}
	closeOnce          sync.Once

	selectWindowStmt   *sql.Stmt
	insertWindowStmt   *sql.Stmt
	syncLimitStmt      *sql.Stmt
	consumeWindowStmt  *sql.Stmt
	insertGrantStmt    *sql.Stmt
	listActiveStmt     *sql.Stmt
	consumeGrantStmt   *sql.Stmt
	remainingStmt      *sql.Stmt
	listRenewableStmt  *sql.Stmt
	markRenewedStmt    *sql.Stmt
	resetRenewedStmt   *sql.Stmt
}

// SQLiteBackendConfig configures the SQLite backend.
type SQLiteBackendConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteBackend creates a new SQLite backend with default settings.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	return NewSQLiteBackendWithConfig(SQLiteBackendConfig{DBPath: dbPath})
}

// NewSQLiteBackendWithConfig creates a new SQLite backend with custom
// configuration.
func NewSQLiteBackendWithConfig(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	backend := &SQLiteBackend{
		db:                 db,
		dbPath:             cfg.DBPath,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := backend.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go backend.checkpointLoop()

	return backend, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_windows (
		api_key_id TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		daily_limit INTEGER NOT NULL,
		PRIMARY KEY (api_key_id, window_start)
	);

	CREATE TABLE IF NOT EXISTS addon_grants (
		id TEXT PRIMARY KEY,
		api_key_id TEXT NOT NULL,
		package TEXT NOT NULL,
		total_granted INTEGER NOT NULL,
		remaining INTEGER NOT NULL,
		activated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		auto_renew INTEGER NOT NULL DEFAULT 0,
		renewed INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_grants_key_expiry ON addon_grants(api_key_id, expires_at);
	CREATE INDEX IF NOT EXISTS idx_grants_renewable ON addon_grants(auto_renew, renewed, expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// prepareStatements prepares SQL statements for reuse.
func (s *SQLiteBackend) prepareStatements() error {
	stmts := []struct {
		target **sql.Stmt
		query  string
	}{
		{&s.selectWindowStmt, `
			SELECT api_key_id, window_start, window_end, used, daily_limit
			FROM usage_windows
			WHERE api_key_id = ? AND window_start <= ? AND window_end > ?`},
		{&s.insertWindowStmt, `
			INSERT INTO usage_windows (api_key_id, window_start, window_end, used, daily_limit)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT (api_key_id, window_start) DO NOTHING`},
		{&s.syncLimitStmt, `
			UPDATE usage_windows SET daily_limit = ?
			WHERE api_key_id = ? AND window_start = ? AND daily_limit <> ?`},
		{&s.consumeWindowStmt, `
			UPDATE usage_windows SET used = used + 1
			WHERE api_key_id = ? AND window_start <= ? AND window_end > ? AND used < daily_limit`},
		{&s.insertGrantStmt, `
			INSERT INTO addon_grants (id, api_key_id, package, total_granted, remaining, activated_at, expires_at, auto_renew, renewed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.listActiveStmt, `
			SELECT id, api_key_id, package, total_granted, remaining, activated_at, expires_at, auto_renew, renewed
			FROM addon_grants
			WHERE api_key_id = ? AND remaining > 0 AND activated_at <= ? AND expires_at > ?
			ORDER BY expires_at ASC`},
		{&s.consumeGrantStmt, `
			UPDATE addon_grants SET remaining = remaining - 1
			WHERE id = ? AND remaining > 0`},
		{&s.remainingStmt, `
			SELECT COALESCE(SUM(remaining), 0)
			FROM addon_grants
			WHERE api_key_id = ? AND remaining > 0 AND activated_at <= ? AND expires_at > ?`},
		{&s.listRenewableStmt, `
			SELECT id, api_key_id, package, total_granted, remaining, activated_at, expires_at, auto_renew, renewed
			FROM addon_grants
			WHERE auto_renew = 1 AND renewed = 0 AND expires_at > ? AND expires_at <= ?
			ORDER BY expires_at ASC`},
		{&s.markRenewedStmt, `
			UPDATE addon_grants SET renewed = 1
			WHERE id = ? AND api_key_id = ? AND renewed = 0`},
		{&s.resetRenewedStmt, `
			UPDATE addon_grants SET renewed = 0
			WHERE id = ? AND api_key_id = ?`},
	}

	for _, st := range stmts {
		prepared, err := s.db.Prepare(st.query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		*st.target = prepared
	}
	return nil
}

// GetOrCreateCurrentWindow returns the window covering now, creating one
// anchored at UTC midnight if none exists or the stored one is stale.
// Creation races are resolved by the (api_key_id, window_start) primary
// key: the losing INSERT is a no-op and the loser re-reads the winner's
// row.
func (s *SQLiteBackend) GetOrCreateCurrentWindow(ctx context.Context, apiKeyID string, tier catalog.Tier, now time.Time) (*UsageWindow, error) {
	if apiKeyID == "" {
		return nil, fmt.Errorf("api key id cannot be empty")
	}

	nowUnix := now.Unix()

	win, err := s.scanWindow(s.selectWindowStmt.QueryRowContext(ctx, apiKeyID, nowUnix, nowUnix))
	if err != nil {
		return nil, err
	}
	if win != nil {
		if win.Limit != tier.DailyLimit {
			if _, err := s.syncLimitStmt.ExecContext(ctx, tier.DailyLimit, apiKeyID, win.WindowStart.Unix(), tier.DailyLimit); err != nil {
				return nil, fmt.Errorf("failed to sync window limit: %w", err)
			}
			win.Limit = tier.DailyLimit
		}
		return win, nil
	}

	start := WindowStart(now)
	end := start.Add(tier.WindowLength)
	if _, err := s.insertWindowStmt.ExecContext(ctx, apiKeyID, start.Unix(), end.Unix(), tier.DailyLimit); err != nil {
		return nil, fmt.Errorf("failed to create window: %w", err)
	}

	// Winner or loser, the current row is now authoritative.
	win, err = s.scanWindow(s.selectWindowStmt.QueryRowContext(ctx, apiKeyID, nowUnix, nowUnix))
	if err != nil {
		return nil, err
	}
	if win == nil {
		return nil, fmt.Errorf("window rollover conflict for key %s: %w", apiKeyID, ErrConflict)
	}
	return win, nil
}

// TryConsume atomically increments the current window's counter iff
// used < daily_limit, as a single conditional UPDATE. Unbounded windows
// (negative limit) succeed without mutation.
func (s *SQLiteBackend) TryConsume(ctx context.Context, apiKeyID string, now time.Time) (bool, *UsageWindow, error) {
	nowUnix := now.Unix()

	res, err := s.consumeWindowStmt.ExecContext(ctx, apiKeyID, nowUnix, nowUnix)
	if err != nil {
		return false, nil, fmt.Errorf("failed to consume from window: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	win, err := s.scanWindow(s.selectWindowStmt.QueryRowContext(ctx, apiKeyID, nowUnix, nowUnix))
	if err != nil {
		return false, nil, err
	}
	if win == nil {
		return false, nil, ErrNoCurrentWindow
	}
	if win.Limit == catalog.Unlimited {
		return true, win, nil
	}
	return affected == 1, win, nil
}

// InsertGrant stores a new grant.
func (s *SQLiteBackend) InsertGrant(ctx context.Context, grant *AddOnGrant) error {
	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if grant.ID == "" || grant.APIKeyID == "" {
		return fmt.Errorf("grant id and api key id cannot be empty")
	}

	_, err := s.insertGrantStmt.ExecContext(ctx,
		grant.ID,
		grant.APIKeyID,
		grant.Package,
		grant.TotalGranted,
		grant.Remaining,
		grant.ActivatedAt.Unix(),
		grant.ExpiresAt.Unix(),
		boolToInt(grant.AutoRenew),
		boolToInt(grant.Renewed),
	)
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

// ListActive returns the key's active grants ordered by expiry ascending.
func (s *SQLiteBackend) ListActive(ctx context.Context, apiKeyID string, now time.Time) ([]*AddOnGrant, error) {
	rows, err := s.listActiveStmt.QueryContext(ctx, apiKeyID, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list active grants: %w", err)
	}
	defer rows.Close()

	return scanGrants(rows)
}

// TryConsumeOne walks the active grants in expiry order and decrements
// the first one whose conditional UPDATE lands. A candidate that lost a
// concurrent race (zero rows affected) is skipped, not an error.
func (s *SQLiteBackend) TryConsumeOne(ctx context.Context, apiKeyID string, now time.Time) (*AddOnGrant, error) {
	candidates, err := s.ListActive(ctx, apiKeyID, now)
	if err != nil {
		return nil, err
	}

	for _, g := range candidates {
		res, err := s.consumeGrantStmt.ExecContext(ctx, g.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to consume from grant %s: %w", g.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 1 {
			g.Remaining--
			return g, nil
		}
	}
	return nil, nil
}

// RemainingTotal sums the remaining balance over the active grants.
func (s *SQLiteBackend) RemainingTotal(ctx context.Context, apiKeyID string, now time.Time) (int64, error) {
	var total int64
	if err := s.remainingStmt.QueryRowContext(ctx, apiKeyID, now.Unix(), now.Unix()).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum remaining grants: %w", err)
	}
	return total, nil
}

// ListRenewable returns auto-renew grants expiring within the lookahead.
func (s *SQLiteBackend) ListRenewable(ctx context.Context, now time.Time, lookahead time.Duration) ([]*AddOnGrant, error) {
	rows, err := s.listRenewableStmt.QueryContext(ctx, now.Unix(), now.Add(lookahead).Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list renewable grants: %w", err)
	}
	defer rows.Close()

	return scanGrants(rows)
}

// MarkRenewed sets the renewed flag iff it is not already set.
func (s *SQLiteBackend) MarkRenewed(ctx context.Context, apiKeyID, grantID string) (bool, error) {
	res, err := s.markRenewedStmt.ExecContext(ctx, grantID, apiKeyID)
	if err != nil {
		return false, fmt.Errorf("failed to mark grant renewed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// ResetRenewed clears the renewed flag.
func (s *SQLiteBackend) ResetRenewed(ctx context.Context, apiKeyID, grantID string) error {
	if _, err := s.resetRenewedStmt.ExecContext(ctx, grantID, apiKeyID); err != nil {
		return fmt.Errorf("failed to reset renewed flag: %w", err)
	}
	return nil
}

// Close releases any resources held by the backend.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteBackend) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)

		for _, stmt := range []*sql.Stmt{
			s.selectWindowStmt, s.insertWindowStmt, s.syncLimitStmt,
			s.consumeWindowStmt, s.insertGrantStmt, s.listActiveStmt,
			s.consumeGrantStmt, s.remainingStmt,
			s.listRenewableStmt, s.markRenewedStmt, s.resetRenewedStmt,
		} {
			if stmt != nil {
				stmt.Close()
			}
		}

		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

// checkpointLoop runs periodic WAL checkpoints.
func (s *SQLiteBackend) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

// scanWindow scans a usage window row. Returns nil without error when no
// row matched.
func (s *SQLiteBackend) scanWindow(row *sql.Row) (*UsageWindow, error) {
	var (
		keyID      string
		start, end int64
		used       int64
		limit      int64
	)
	err := row.Scan(&keyID, &start, &end, &used, &limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan window: %w", err)
	}
	return &UsageWindow{
		APIKeyID:    keyID,
		WindowStart: time.Unix(start, 0).UTC(),
		WindowEnd:   time.Unix(end, 0).UTC(),
		Used:        used,
		Limit:       limit,
	}, nil
}

// scanGrants scans grant rows into a slice.
func scanGrants(rows *sql.Rows) ([]*AddOnGrant, error) {
	var grants []*AddOnGrant
	for rows.Next() {
		var (
			g                      AddOnGrant
			activatedAt, expiresAt int64
			autoRenew, renewed     int
		)
		if err := rows.Scan(&g.ID, &g.APIKeyID, &g.Package, &g.TotalGranted, &g.Remaining,
			&activatedAt, &expiresAt, &autoRenew, &renewed); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.ActivatedAt = time.Unix(activatedAt, 0).UTC()
		g.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		g.AutoRenew = autoRenew == 1
		g.Renewed = renewed == 1
		grants = append(grants, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grant rows: %w", err)
	}
	return grants, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
