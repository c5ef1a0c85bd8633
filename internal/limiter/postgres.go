package limiter

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed Guard with a sliding failure window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed guard. Any pool exposing Exec and QueryRow works.
func NewPG(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// HashPhone returns a stable hash of a normalized phone number so raw numbers are not stored.
func HashPhone(phone string) []byte {
	p := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	h := sha256.Sum256([]byte(p))
	return h[:]
}

// Allow reports whether a login step is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, userID string, phoneHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM login_attempts WHERE user_id=$1 AND phone_hash=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, userID, phoneHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if blockedUntil.After(time.Now()) {
			return false, time.Until(blockedUntil), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (user, phone).
func (l *PG) Success(ctx context.Context, userID string, phoneHash []byte) error {
	const q = `
INSERT INTO login_attempts (user_id, phone_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (user_id, phone_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, userID, phoneHash)
	return err
}

// Failure records a failed attempt; reaching maxFails inside the window blocks for blockFor.
func (l *PG) Failure(ctx context.Context, userID string, phoneHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO login_attempts (user_id, phone_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (user_id, phone_hash) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - login_attempts.updated_at > $3::interval THEN 1 ELSE login_attempts.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, userID, phoneHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE login_attempts SET blocked_until=$3 WHERE user_id=$1 AND phone_hash=$2`
	if _, err := l.pool.Exec(ctx, upd, userID, phoneHash, time.Now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
