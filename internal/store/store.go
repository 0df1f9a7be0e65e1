// Package store persists sync progress in an embedded SQLite database.
//
// Two tables hold everything the engine needs to survive restarts and
// reinstalls: sync_global is a singleton row (fixed id = 1) with the global
// watermark and operator configuration, and sync_processor holds one row per
// history category with that category's watermark and last success time.
//
// The database runs in embedded mode with WAL so status readers (the CLI,
// the state bus publisher) can query while the engine writes. The engine is
// the only writer in normal operation; readers tolerate seeing a watermark
// that is about to advance.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pumplink/pumpsync/internal/history"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DefaultLookbackHours bounds how far back a cold sync reaches when no
// watermark exists yet.
const DefaultLookbackHours = 24

// globalRowID is the fixed key of the singleton global row. Singleton-ness
// is enforced by this key plus a CHECK constraint, not by external locking.
const globalRowID = 1

// GlobalState is the singleton sync-wide record.
type GlobalState struct {
	// LastProcessedSeq is the global watermark: the highest sequence ID
	// confirmed processed across the whole engine.
	LastProcessedSeq int64

	// LastSyncTime is when the watermark last advanced. Nil before the
	// first successful sync.
	LastSyncTime *time.Time

	// FirstEnabledTime is when sync was first enabled on this install.
	// Stamped exactly once; later writes never overwrite a non-nil value.
	FirstEnabledTime *time.Time

	// LookbackHours bounds how far back a cold category sync reaches.
	LookbackHours int

	// RetroStart/RetroEnd form the optional retroactive backfill window.
	// Both set or both nil, never one of each.
	RetroStart *time.Time
	RetroEnd   *time.Time
}

// HasRetroactiveRange reports whether a backfill window is active.
func (g *GlobalState) HasRetroactiveRange() bool {
	return g.RetroStart != nil && g.RetroEnd != nil
}

// ProcessorState is the durable per-category record. Rows are created
// lazily on a category's first successful sync and removed only by ClearAll.
type ProcessorState struct {
	Type             history.ProcessorType
	LastProcessedSeq int64
	LastSuccessTime  *time.Time
}

// Store wraps the SQLite connection holding sync state.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the sync state database at path.
// The caller must Close the store when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{conn: conn, path: path}

	// WAL for concurrent readers during engine writes.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return s, nil
}

// Close closes the database after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the sync state tables if they don't exist.
// Idempotent; safe to call on every startup.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_global (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_processed_seq INTEGER NOT NULL DEFAULT 0,
		last_sync_time TEXT,
		first_enabled_time TEXT,
		lookback_hours INTEGER NOT NULL DEFAULT 24,
		retro_start TEXT,
		retro_end TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_processor (
		processor TEXT PRIMARY KEY,
		last_processed_seq INTEGER NOT NULL DEFAULT 0,
		last_success_time TEXT
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// GlobalState returns the singleton global row, or nil if sync has never
// been enabled on this install.
func (s *Store) GlobalState() (*GlobalState, error) {
	return s.GlobalStateContext(context.Background())
}

// GlobalStateContext returns the global row with context support.
func (s *Store) GlobalStateContext(ctx context.Context) (*GlobalState, error) {
	query := `
	SELECT last_processed_seq, last_sync_time, first_enabled_time,
	       lookback_hours, retro_start, retro_end
	FROM sync_global WHERE id = ?
	`

	var g GlobalState
	var lastSync, firstEnabled, retroStart, retroEnd sql.NullString

	err := s.conn.QueryRowContext(ctx, query, globalRowID).Scan(
		&g.LastProcessedSeq,
		&lastSync,
		&firstEnabled,
		&g.LookbackHours,
		&retroStart,
		&retroEnd,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read global sync state: %w", err)
	}

	g.LastSyncTime = nullStringToTime(lastSync)
	g.FirstEnabledTime = nullStringToTime(firstEnabled)
	g.RetroStart = nullStringToTime(retroStart)
	g.RetroEnd = nullStringToTime(retroEnd)

	return &g, nil
}

// EnsureGlobalState returns the global row, creating it with defaults and
// stamping FirstEnabledTime if it does not exist yet.
func (s *Store) EnsureGlobalState(ctx context.Context) (*GlobalState, error) {
	g, err := s.GlobalStateContext(ctx)
	if err != nil {
		return nil, err
	}
	if g != nil {
		return g, nil
	}

	now := time.Now().UTC()
	g = &GlobalState{
		LookbackHours:    DefaultLookbackHours,
		FirstEnabledTime: &now,
	}
	if err := s.UpsertGlobalStateContext(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// UpsertGlobalState replaces the singleton row with the given state.
// Last writer wins; all fields are replaced except first_enabled_time,
// which keeps its existing non-null value (stamped-once contract).
func (s *Store) UpsertGlobalState(g *GlobalState) error {
	return s.UpsertGlobalStateContext(context.Background(), g)
}

// UpsertGlobalStateContext replaces the singleton row with context support.
func (s *Store) UpsertGlobalStateContext(ctx context.Context, g *GlobalState) error {
	if err := validateRetroRange(g.RetroStart, g.RetroEnd); err != nil {
		return err
	}

	query := `
	INSERT INTO sync_global (
		id, last_processed_seq, last_sync_time, first_enabled_time,
		lookback_hours, retro_start, retro_end
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_processed_seq = excluded.last_processed_seq,
		last_sync_time = excluded.last_sync_time,
		first_enabled_time = COALESCE(sync_global.first_enabled_time, excluded.first_enabled_time),
		lookback_hours = excluded.lookback_hours,
		retro_start = excluded.retro_start,
		retro_end = excluded.retro_end
	`

	_, err := s.conn.ExecContext(ctx, query,
		globalRowID,
		g.LastProcessedSeq,
		timeToNullString(g.LastSyncTime),
		timeToNullString(g.FirstEnabledTime),
		g.LookbackHours,
		timeToNullString(g.RetroStart),
		timeToNullString(g.RetroEnd),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert global sync state: %w", err)
	}

	return nil
}

// AdvanceGlobal sets the global watermark and sync time. The store does not
// enforce monotonicity: callers only move forward in normal operation, but
// an operator rewind writes whatever it is given.
func (s *Store) AdvanceGlobal(ctx context.Context, seq int64, t time.Time) error {
	query := `
	UPDATE sync_global SET last_processed_seq = ?, last_sync_time = ?
	WHERE id = ?
	`

	res, err := s.conn.ExecContext(ctx, query, seq, t.UTC().Format(time.RFC3339), globalRowID)
	if err != nil {
		return fmt.Errorf("failed to advance global watermark: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("global sync state not initialized")
	}

	return nil
}

// SetLookbackHours updates only the lookback window, leaving every other
// field untouched.
func (s *Store) SetLookbackHours(ctx context.Context, hours int) error {
	if hours <= 0 {
		return fmt.Errorf("lookback hours must be positive (got %d)", hours)
	}

	query := `UPDATE sync_global SET lookback_hours = ? WHERE id = ?`
	res, err := s.conn.ExecContext(ctx, query, hours, globalRowID)
	if err != nil {
		return fmt.Errorf("failed to set lookback hours: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("global sync state not initialized")
	}

	return nil
}

// SetRetroactiveRange sets or clears the backfill window. Passing both
// bounds nil clears the range atomically. Passing exactly one nil bound is
// rejected: a single-sided range is ambiguous, so callers wanting "from X
// until now" pass an explicit end timestamp.
func (s *Store) SetRetroactiveRange(ctx context.Context, start, end *time.Time) error {
	if err := validateRetroRange(start, end); err != nil {
		return err
	}

	query := `UPDATE sync_global SET retro_start = ?, retro_end = ? WHERE id = ?`
	res, err := s.conn.ExecContext(ctx, query,
		timeToNullString(start), timeToNullString(end), globalRowID)
	if err != nil {
		return fmt.Errorf("failed to set retroactive range: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("global sync state not initialized")
	}

	return nil
}

// ClearAll deletes the global row and every per-category row. This is the
// "reset sync" operation: the next EnsureGlobalState starts from defaults
// and stamps a fresh FirstEnabledTime.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_global"); err != nil {
		return fmt.Errorf("failed to clear global sync state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_processor"); err != nil {
		return fmt.Errorf("failed to clear processor states: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ProcessorState returns the row for one category, or nil if that category
// has never completed a sync.
func (s *Store) ProcessorState(ctx context.Context, pt history.ProcessorType) (*ProcessorState, error) {
	query := `
	SELECT last_processed_seq, last_success_time
	FROM sync_processor WHERE processor = ?
	`

	var ps ProcessorState
	var lastSuccess sql.NullString

	err := s.conn.QueryRowContext(ctx, query, pt.Name()).Scan(&ps.LastProcessedSeq, &lastSuccess)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read processor state for %s: %w", pt, err)
	}

	ps.Type = pt
	ps.LastSuccessTime = nullStringToTime(lastSuccess)

	return &ps, nil
}

// UpsertProcessorState inserts or fully replaces one category's row.
func (s *Store) UpsertProcessorState(ctx context.Context, ps *ProcessorState) error {
	if ps.Type.IsZero() {
		return fmt.Errorf("processor state requires a processor type")
	}

	query := `
	INSERT INTO sync_processor (processor, last_processed_seq, last_success_time)
	VALUES (?, ?, ?)
	ON CONFLICT(processor) DO UPDATE SET
		last_processed_seq = excluded.last_processed_seq,
		last_success_time = excluded.last_success_time
	`

	_, err := s.conn.ExecContext(ctx, query,
		ps.Type.Name(),
		ps.LastProcessedSeq,
		timeToNullString(ps.LastSuccessTime),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert processor state for %s: %w", ps.Type, err)
	}

	return nil
}

// AllProcessorStates returns every per-category row. Rows whose processor
// name no longer resolves (written by a newer build) are skipped.
func (s *Store) AllProcessorStates(ctx context.Context) ([]ProcessorState, error) {
	query := `
	SELECT processor, last_processed_seq, last_success_time
	FROM sync_processor ORDER BY processor ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query processor states: %w", err)
	}
	defer rows.Close()

	var states []ProcessorState
	for rows.Next() {
		var name string
		var ps ProcessorState
		var lastSuccess sql.NullString

		if err := rows.Scan(&name, &ps.LastProcessedSeq, &lastSuccess); err != nil {
			return nil, fmt.Errorf("failed to scan processor state: %w", err)
		}

		pt, ok := history.FromName(name)
		if !ok {
			continue
		}
		ps.Type = pt
		ps.LastSuccessTime = nullStringToTime(lastSuccess)
		states = append(states, ps)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processor states: %w", err)
	}

	return states, nil
}

// validateRetroRange enforces the both-or-neither write contract and the
// start <= end invariant.
func validateRetroRange(start, end *time.Time) error {
	if (start == nil) != (end == nil) {
		return fmt.Errorf("retroactive range requires both bounds or neither")
	}
	if start != nil && start.After(*end) {
		return fmt.Errorf("retroactive range start %v is after end %v", start, end)
	}
	return nil
}

// timeToNullString converts a time pointer to a nullable RFC 3339 string.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable RFC 3339 string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
