// Package postgres provides a PostgreSQL implementation of the reconcile.Store interface.
// Idempotency claims are a single INSERT ... ON CONFLICT statement, so concurrent
// deliveries across processes race on the primary key rather than on a lock.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

//go:embed schema.sql
var schema string

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Storage implements reconcile.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	db     querier
	inTx   bool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate applies the embedded schema on New
	Migrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RecordTTL       time.Duration // Age after which done events and parked events are purged
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		RecordTTL:       30 * 24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("connection string is required")
	}
	if c.CleanupEnabled && (c.CleanupInterval <= 0 || c.RecordTTL <= 0) {
		return fmt.Errorf("cleanup interval and record TTL must be positive when cleanup is enabled")
	}
	return nil
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", reconcile.ErrStoreUnavailable, err)
	}

	s := &Storage{
		pool:   pool,
		db:     pool,
		config: config,
	}

	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Atomic implements reconcile.Store. fn runs inside one database transaction.
// Nested calls reuse the outer transaction.
func (s *Storage) Atomic(ctx context.Context, fn func(tx reconcile.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", reconcile.ErrStoreUnavailable, err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	view := &Storage{pool: s.pool, db: tx, inTx: true, config: s.config}
	if err := fn(view); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", reconcile.ErrStoreUnavailable, err)
	}
	return nil
}

// BeginEvent implements reconcile.IdempotencyStore. The claim is taken by the
// insert, or by the conflict update when the existing record is failed or its
// lease has expired. Any other existing record leaves no returned row.
func (s *Storage) BeginEvent(ctx context.Context, req *reconcile.BeginRequest) (*reconcile.EventRecord, error) {
	if req == nil || req.EventID == "" {
		return nil, fmt.Errorf("%w: event id is required", reconcile.ErrMalformedEvent)
	}

	row := s.db.QueryRow(ctx,
		`INSERT INTO payment_events
				(event_id, event_type, state, attempts, last_error, payload, locked_until, created_at, updated_at)
			VALUES ($1, $2, $3, 1, '', $4, $5, $6, $6)
			ON CONFLICT (event_id) DO UPDATE SET
				state = EXCLUDED.state,
				attempts = payment_events.attempts + 1,
				locked_until = EXCLUDED.locked_until,
				updated_at = EXCLUDED.updated_at,
				payload = COALESCE(payment_events.payload, EXCLUDED.payload)
			WHERE payment_events.state = $7
				OR (payment_events.state = $3 AND payment_events.locked_until <= $6)
			RETURNING `+eventColumns,
		req.EventID, req.EventType, string(reconcile.EventInProgress), req.Payload,
		req.Now.Add(req.Lease), req.Now, string(reconcile.EventFailed),
	)

	rec, err := scanEvent(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storeError("failed to claim event", err)
	}

	existing, err := s.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if existing.State == reconcile.EventDone {
		return nil, reconcile.ErrEventDone
	}
	return nil, reconcile.ErrEventInProgress
}

// CompleteEvent implements reconcile.IdempotencyStore
func (s *Storage) CompleteEvent(ctx context.Context, eventID string, attempt int, now time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payment_events
			SET state = $2, last_error = '', locked_until = NULL, updated_at = $3
			WHERE event_id = $1 AND attempts = $4 AND state = $5`,
		eventID, string(reconcile.EventDone), now, attempt, string(reconcile.EventInProgress))
	if err != nil {
		return storeError("failed to complete event", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimLost(ctx, eventID)
	}
	return nil
}

// FailEvent implements reconcile.IdempotencyStore
func (s *Storage) FailEvent(ctx context.Context, eventID string, attempt int, reason string, now time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payment_events
			SET state = $2, last_error = $3, locked_until = NULL, updated_at = $4
			WHERE event_id = $1 AND attempts = $5 AND state = $6`,
		eventID, string(reconcile.EventFailed), reason, now, attempt, string(reconcile.EventInProgress))
	if err != nil {
		return storeError("failed to fail event", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimLost(ctx, eventID)
	}
	return nil
}

// claimLost explains a conditional update that matched no row.
func (s *Storage) claimLost(ctx context.Context, eventID string) error {
	if _, err := s.GetEvent(ctx, eventID); err != nil {
		return err
	}
	return reconcile.ErrClaimLost
}

// GetEvent implements reconcile.IdempotencyStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*reconcile.EventRecord, error) {
	rec, err := scanEvent(s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM payment_events WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEntityNotFound
	}
	if err != nil {
		return nil, storeError("failed to get event", err)
	}
	return rec, nil
}

// ListEvents implements reconcile.EventLister, newest first
func (s *Storage) ListEvents(ctx context.Context, filter reconcile.EventFilter) ([]*reconcile.EventRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+` FROM payment_events
			WHERE ($1 = '' OR state = $1)
			ORDER BY updated_at DESC, event_id
			LIMIT $2`,
		string(filter.State), limit)
	if err != nil {
		return nil, storeError("failed to list events", err)
	}
	defer rows.Close()

	out := make([]*reconcile.EventRecord, 0)
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, storeError("failed to scan event", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to list events", err)
	}
	return out, nil
}

const eventColumns = `event_id, event_type, state, attempts, last_error, payload, locked_until, created_at, updated_at`

func scanEvent(row pgx.Row) (*reconcile.EventRecord, error) {
	var rec reconcile.EventRecord
	var state string
	var lockedUntil *time.Time
	if err := row.Scan(
		&rec.EventID,
		&rec.EventType,
		&state,
		&rec.Attempts,
		&rec.LastError,
		&rec.Payload,
		&lockedUntil,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.State = reconcile.EventState(state)
	rec.LockedUntil = derefTime(lockedUntil)
	return &rec, nil
}

// startCleanup runs periodic cleanup of old records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // next tick retries
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes done idempotency records and parked events older than RecordTTL.
// Failed records are kept for replay.
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.RecordTTL)

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM payment_events WHERE state = $1 AND updated_at < $2`,
		string(reconcile.EventDone), cutoff); err != nil {
		return fmt.Errorf("failed to cleanup events: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM parked_events WHERE created_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup parked events: %w", err)
	}

	return nil
}

// storeError marks connection-level failures as ErrStoreUnavailable so the
// delivery is retried.
func storeError(msg string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %v", reconcile.ErrStoreUnavailable, msg, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
