package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

var (
	testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	columns = []string{
		"user_id", "tier", "status", "has_selected_plan", "trial_started_at",
		"billing_customer_id", "billing_subscription_id",
		"current_period_start", "current_period_end", "cancel_at_period_end",
		"pending_plan", "plan_requested_at",
		"last_event_id", "last_event_type", "last_event_at",
		"version", "created_at", "updated_at",
	}
)

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func trialRow(userID string, version int64) []driver.Value {
	return []driver.Value{
		userID, "trial", "trialing", false, testNow,
		"", "",
		nil, nil, false,
		"", nil,
		"", "", nil,
		version, testNow, testNow,
	}
}

func TestStorage_GetRecord(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	periodEnd := testNow.Add(30 * 24 * time.Hour)
	mock.ExpectQuery(`SELECT (.+) FROM entitlement_records WHERE user_id = \$1`).
		WithArgs("user1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"user1", "standard", "active", true, testNow,
			"cus_1", "sub_1",
			testNow, periodEnd, false,
			"", nil,
			"evt_1", "checkout.session.completed", testNow,
			int64(3), testNow, testNow,
		))

	rec, err := s.GetRecord(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, goentitle.TierStandard, rec.Tier)
	assert.Equal(t, goentitle.StatusActive, rec.Status)
	assert.Equal(t, "sub_1", rec.BillingSubscriptionID)
	require.NotNil(t, rec.CurrentPeriodEnd)
	assert.True(t, rec.CurrentPeriodEnd.Equal(periodEnd))
	assert.Nil(t, rec.PlanRequestedAt)
	assert.Equal(t, int64(3), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_GetRecord_NotFound(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectQuery(`SELECT (.+) FROM entitlement_records WHERE user_id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, goentitle.ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_CreateRecord(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO entitlement_records (.+) ON CONFLICT \(user_id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, created, err := s.CreateRecord(ctx, goentitle.NewTrialRecord("user1", testNow))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_CreateRecord_AlreadyExists(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO entitlement_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM entitlement_records WHERE user_id = \$1`).
		WithArgs("user1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(trialRow("user1", 4)...))

	rec, created, err := s.CreateRecord(ctx, goentitle.NewTrialRecord("user1", testNow.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(4), rec.Version)
	assert.True(t, rec.TrialStartedAt.Equal(testNow), "existing trial start must win")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_CreateRecord_Invalid(t *testing.T) {
	s, _ := newMockStorage(t)
	_, _, err := s.CreateRecord(context.Background(), &goentitle.Record{})
	assert.Error(t, err)
}

func TestStorage_UpdateRecord(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM entitlement_records WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("user1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(trialRow("user1", 2)...))
	mock.ExpectExec(`UPDATE entitlement_records SET (.+) WHERE user_id = \$1 AND version = \$19`).
		WithArgs(
			"user1", "standard", "active", true, sqlmock.AnyArg(),
			"cus_1", "sub_1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), false,
			"", sqlmock.AnyArg(),
			"evt_1", "checkout.session.completed", sqlmock.AnyArg(),
			int64(3), sqlmock.AnyArg(), sqlmock.AnyArg(),
			int64(2),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := s.UpdateRecord(ctx, "user1", func(rec *goentitle.Record) error {
		rec.Tier = goentitle.TierStandard
		rec.Status = goentitle.StatusActive
		rec.HasSelectedPlan = true
		rec.BillingCustomerID = "cus_1"
		rec.BillingSubscriptionID = "sub_1"
		rec.LastEventID = "evt_1"
		rec.LastEventType = "checkout.session.completed"
		at := testNow
		rec.LastEventAt = &at
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version)
	assert.Equal(t, goentitle.StatusActive, rec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_UpdateRecord_AbortRollsBack(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("user1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(trialRow("user1", 1)...))
	mock.ExpectRollback()

	_, err := s.UpdateRecord(context.Background(), "user1", func(*goentitle.Record) error {
		return goentitle.ErrNoChange
	})
	assert.ErrorIs(t, err, goentitle.ErrNoChange)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_UpdateRecord_NotFound(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectRollback()

	called := false
	_, err := s.UpdateRecord(context.Background(), "missing", func(*goentitle.Record) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, goentitle.ErrRecordNotFound)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_UpdateRecord_VersionConflict(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("user1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(trialRow("user1", 5)...))
	mock.ExpectExec(`UPDATE entitlement_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.UpdateRecord(context.Background(), "user1", func(rec *goentitle.Record) error {
		rec.HasSelectedPlan = true
		return nil
	})
	assert.ErrorIs(t, err, goentitle.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_UpdateRecord_DatabaseError(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := s.UpdateRecord(context.Background(), "user1", func(*goentitle.Record) error { return nil })
	require.Error(t, err)
	assert.True(t, goentitle.IsStorageFailure(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_FindBySubscriptionID(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	row := trialRow("user1", 2)
	row[1], row[2], row[5], row[6] = "standard", "past_due", "cus_1", "sub_1"
	mock.ExpectQuery(`SELECT (.+) FROM entitlement_records\s+WHERE billing_subscription_id = \$1`).
		WithArgs("sub_1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(row...))

	rec, err := s.FindBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "user1", rec.UserID)
	assert.Equal(t, goentitle.StatusPastDue, rec.Status)

	_, err = s.FindBySubscriptionID(ctx, "")
	assert.ErrorIs(t, err, goentitle.ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_New_EmptyConnectionString(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestStorage_New_InvalidConnectionString(t *testing.T) {
	_, err := New(context.Background(), Config{ConnectionString: "://not a dsn"})
	assert.Error(t, err)
}

func TestStorage_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns)
	assert.Equal(t, time.Hour, cfg.MaxConnLifetime)
	assert.False(t, cfg.AutoMigrate)
}

func TestMigrate_RequiresDB(t *testing.T) {
	assert.Error(t, Migrate(context.Background(), nil, "up"))
}

func TestMigrations_Embedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir(migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	body, err := migrationsFS.ReadFile(migrationsDir + "/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(body), "-- +goose Up")
	assert.Contains(t, string(body), "entitlement_records")
}
