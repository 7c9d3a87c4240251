package approval

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresExpireStaleRequests(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewPostgresStore(db).WithClock(fixedClock(now))

	mock.ExpectExec(`UPDATE approval_requests SET status = 'EXPIRED'`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.ExpireStaleRequests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRequestNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	mock.ExpectQuery(`FROM approval_requests WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.GetRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDuplicateDecisionSurfacesAlreadyDecided(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewPostgresStore(db).WithClock(fixedClock(now))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, expires_at FROM approval_requests WHERE id`).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}).
			AddRow("APPROVED", now.Add(time.Hour)))
	mock.ExpectRollback()

	_, err = store.CreateDecision(context.Background(), &DecisionInput{
		RequestID: "req-1",
		DecidedBy: "ops@example.com",
		Decision:  DecisionApprove,
	})
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	assert.NoError(t, mock.ExpectationsWereMet())
}
