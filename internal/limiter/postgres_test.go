package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var (
	dev   = HashDevice("laptop-1")
	riKey = dev.Key("ri@x.com")
)

func newPG(t *testing.T, maxFails int) (*PG, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	now := time.Unix(1700000000, 0).UTC()
	l := NewPG(mock, 5*time.Minute, maxFails, 10*time.Minute)
	l.now = func() time.Time { return now }
	return l, mock, now
}

func TestPG_Allow(t *testing.T) {
	t.Parallel()
	l, mock, now := newPG(t, 3)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter WHERE email=\$1 AND device_hash=\$2`).
		WithArgs("ri@x.com", []byte(dev)).
		WillReturnError(pgx.ErrNoRows)
	ok, wait, err := l.Allow(ctx, riKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, wait)

	mock.ExpectQuery(`SELECT blocked_until`).
		WithArgs("ri@x.com", []byte(dev)).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(now.Add(4 * time.Minute)))
	ok, wait, err = l.Allow(ctx, riKey)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 4*time.Minute, wait)

	mock.ExpectQuery(`SELECT blocked_until`).
		WithArgs("ri@x.com", []byte(dev)).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(now.Add(-time.Second)))
	ok, _, err = l.Allow(ctx, riKey)
	require.NoError(t, err)
	require.True(t, ok)

	boom := errors.New("db boom")
	mock.ExpectQuery(`SELECT blocked_until`).
		WithArgs("ri@x.com", []byte(dev)).
		WillReturnError(boom)
	ok, _, err = l.Allow(ctx, riKey)
	require.ErrorIs(t, err, boom)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPG_SuccessDeletesCounter(t *testing.T) {
	t.Parallel()
	l, mock, _ := newPG(t, 3)

	mock.ExpectExec(`DELETE FROM auth_limiter WHERE email=\$1 AND device_hash=\$2`).
		WithArgs("ri@x.com", []byte(dev)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, l.Success(context.Background(), riKey))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPG_FailureCountsAndBlocksInOneStatement(t *testing.T) {
	t.Parallel()
	l, mock, now := newPG(t, 3)
	ctx := context.Background()
	cols := []string{"fail_count", "blocked_until"}

	mock.ExpectQuery(`(?s)INSERT INTO auth_limiter AS l .* RETURNING fail_count, blocked_until`).
		WithArgs("ri@x.com", []byte(dev), now, 3, now.Add(10*time.Minute), 5*time.Minute).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(2, time.Time{}))
	blocked, wait, err := l.Failure(ctx, riKey)
	require.NoError(t, err)
	require.False(t, blocked)
	require.Zero(t, wait)

	mock.ExpectQuery(`RETURNING fail_count, blocked_until`).
		WithArgs("ri@x.com", []byte(dev), now, 3, now.Add(10*time.Minute), 5*time.Minute).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(3, now.Add(10*time.Minute)))
	blocked, wait, err = l.Failure(ctx, riKey)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, 10*time.Minute, wait)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPG_FailurePropagatesErrors(t *testing.T) {
	t.Parallel()
	l, mock, now := newPG(t, 3)

	mock.ExpectQuery(`RETURNING fail_count`).
		WithArgs("ri@x.com", []byte(dev), now, 3, now.Add(10*time.Minute), 5*time.Minute).
		WillReturnError(context.DeadlineExceeded)
	blocked, _, err := l.Failure(context.Background(), riKey)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, blocked)
}

func TestDevice_KeyNormalizesEmail(t *testing.T) {
	t.Parallel()
	a := HashDevice("laptop-1")
	require.Len(t, a, 32)
	require.Equal(t, a, HashDevice("laptop-1"))
	require.NotEqual(t, a, HashDevice("phone-2"))

	require.Equal(t, a.Key("ri@x.com"), a.Key("  RI@x.com "))
	require.NotEqual(t, a.Key("ri@x.com").id(), HashDevice("phone-2").Key("ri@x.com").id())
}
