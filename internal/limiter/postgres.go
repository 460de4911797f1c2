package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of a pgx pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG keeps counters in the auth_limiter table so lockouts survive restarts.
type PG struct {
	q        Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

var _ Limiter = (*PG)(nil)

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(q Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{q: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

const selectBlocked = `SELECT blocked_until FROM auth_limiter WHERE email=$1 AND device_hash=$2`

func (l *PG) Allow(ctx context.Context, k Key) (bool, time.Duration, error) {
	var until time.Time
	err := l.q.QueryRow(ctx, selectBlocked, k.Email, []byte(k.Device)).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if now := l.now(); until.After(now) {
		return false, until.Sub(now), nil
	}
	return true, 0, nil
}

const deleteKey = `DELETE FROM auth_limiter WHERE email=$1 AND device_hash=$2`

func (l *PG) Success(ctx context.Context, k Key) error {
	_, err := l.q.Exec(ctx, deleteKey, k.Email, []byte(k.Device))
	return err
}

// The counter restarts when the previous failure is older than the window;
// reaching maxFails sets blocked_until in the same statement.
const recordFailure = `
INSERT INTO auth_limiter AS l (email, device_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, CASE WHEN $4::int <= 1 THEN $5::timestamptz ELSE 'epoch'::timestamptz END, $3::timestamptz)
ON CONFLICT (email, device_hash) DO UPDATE SET
  fail_count = CASE WHEN $3::timestamptz - l.updated_at > $6::interval THEN 1 ELSE l.fail_count + 1 END,
  blocked_until = CASE
    WHEN (CASE WHEN $3::timestamptz - l.updated_at > $6::interval THEN 1 ELSE l.fail_count + 1 END) >= $4::int
    THEN $5::timestamptz
    ELSE l.blocked_until
  END,
  updated_at = $3::timestamptz
RETURNING fail_count, blocked_until`

func (l *PG) Failure(ctx context.Context, k Key) (bool, time.Duration, error) {
	now := l.now()
	var (
		fails int
		until time.Time
	)
	err := l.q.QueryRow(ctx, recordFailure,
		k.Email, []byte(k.Device), now, l.maxFails, now.Add(l.blockFor), l.window,
	).Scan(&fails, &until)
	if err != nil {
		return false, 0, err
	}
	if fails < l.maxFails || !until.After(now) {
		return false, 0, nil
	}
	return true, until.Sub(now), nil
}
