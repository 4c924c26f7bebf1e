// Package postgres provides a PostgreSQL implementation of the goentitle.Storage interface.
// Updates run in a transaction that locks the user's row with SELECT ... FOR UPDATE and
// commit with a version check.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const recordColumns = `user_id, tier, status, has_selected_plan, trial_started_at,
	billing_customer_id, billing_subscription_id,
	current_period_start, current_period_end, cancel_at_period_end,
	pending_plan, plan_requested_at,
	last_event_id, last_event_type, last_event_at,
	version, created_at, updated_at`

// Storage implements goentitle.Storage using PostgreSQL
type Storage struct {
	db   *sql.DB
	pool *pgxpool.Pool
}

var _ goentitle.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded migrations on startup
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter backed by a pgx connection pool
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
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
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{db: stdlib.OpenDBFromPool(pool), pool: pool}
	if config.AutoMigrate {
		if err := Migrate(ctx, s.db, "up"); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing database handle. The caller owns db.
func NewWithDB(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// DB returns the underlying database handle, e.g. for migrations.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle and the connection pool
func (s *Storage) Close() {
	if s.pool == nil {
		return
	}
	_ = s.db.Close()
	s.pool.Close()
}

// GetRecord implements goentitle.Storage
func (s *Storage) GetRecord(ctx context.Context, userID string) (*goentitle.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records WHERE user_id = $1`, userID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// CreateRecord implements goentitle.Storage
func (s *Storage) CreateRecord(ctx context.Context, rec *goentitle.Record) (*goentitle.Record, bool, error) {
	if rec == nil || rec.UserID == "" {
		return nil, false, fmt.Errorf("invalid record")
	}

	stored := rec.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlement_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (user_id) DO NOTHING`,
		recordArgs(stored)...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create record: %w", err)
	}
	if n == 1 {
		return stored, true, nil
	}

	// lost the race against a concurrent first request
	existing, err := s.GetRecord(ctx, rec.UserID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// UpdateRecord implements goentitle.Storage
func (s *Storage) UpdateRecord(ctx context.Context, userID string, fn goentitle.MutateFunc) (*goentitle.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records WHERE user_id = $1 FOR UPDATE`, userID)
	current, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to lock record: %w", err)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UserID = userID
	next.Version = current.Version + 1

	args := recordArgs(next)
	res, err := tx.ExecContext(ctx,
		`UPDATE entitlement_records SET
			tier = $2, status = $3, has_selected_plan = $4, trial_started_at = $5,
			billing_customer_id = $6, billing_subscription_id = $7,
			current_period_start = $8, current_period_end = $9, cancel_at_period_end = $10,
			pending_plan = $11, plan_requested_at = $12,
			last_event_id = $13, last_event_type = $14, last_event_at = $15,
			version = $16, created_at = $17, updated_at = $18
			WHERE user_id = $1 AND version = $19`,
		append(args, current.Version)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	if n != 1 {
		return nil, goentitle.ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

// FindBySubscriptionID implements goentitle.Storage
func (s *Storage) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*goentitle.Record, error) {
	if subscriptionID == "" {
		return nil, goentitle.ErrRecordNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records
			WHERE billing_subscription_id = $1
			ORDER BY updated_at DESC LIMIT 1`, subscriptionID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find record by subscription: %w", err)
	}
	return rec, nil
}

func recordArgs(rec *goentitle.Record) []interface{} {
	return []interface{}{
		rec.UserID,
		string(rec.Tier),
		string(rec.Status),
		rec.HasSelectedPlan,
		rec.TrialStartedAt.UTC(),
		rec.BillingCustomerID,
		rec.BillingSubscriptionID,
		nullTime(rec.CurrentPeriodStart),
		nullTime(rec.CurrentPeriodEnd),
		rec.CancelAtPeriodEnd,
		string(rec.PendingPlan),
		nullTime(rec.PlanRequestedAt),
		rec.LastEventID,
		rec.LastEventType,
		nullTime(rec.LastEventAt),
		rec.Version,
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
	}
}

func scanRecord(row *sql.Row) (*goentitle.Record, error) {
	var (
		rec                          goentitle.Record
		tier, status, pendingPlan    string
		periodStart, periodEnd       sql.NullTime
		planRequestedAt, lastEventAt sql.NullTime
	)
	err := row.Scan(
		&rec.UserID,
		&tier,
		&status,
		&rec.HasSelectedPlan,
		&rec.TrialStartedAt,
		&rec.BillingCustomerID,
		&rec.BillingSubscriptionID,
		&periodStart,
		&periodEnd,
		&rec.CancelAtPeriodEnd,
		&pendingPlan,
		&planRequestedAt,
		&rec.LastEventID,
		&rec.LastEventType,
		&lastEventAt,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goentitle.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Tier = goentitle.Tier(tier)
	rec.Status = goentitle.Status(status)
	rec.PendingPlan = goentitle.Tier(pendingPlan)
	rec.TrialStartedAt = rec.TrialStartedAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.CurrentPeriodStart = timePtr(periodStart)
	rec.CurrentPeriodEnd = timePtr(periodEnd)
	rec.PlanRequestedAt = timePtr(planRequestedAt)
	rec.LastEventAt = timePtr(lastEventAt)
	return &rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
