package limiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	qrErr         error
	qrBlockedTill *time.Time
	qrFailsRet    int

	lastExecSQL string
	execErr     error
}

func (f *fakePool) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.lastExecSQL = sql
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakePool) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT blocked_until"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			if f.qrBlockedTill != nil {
				*(dest[0].(*time.Time)) = *f.qrBlockedTill
			} else {
				*(dest[0].(*time.Time)) = time.Time{}
			}
			return nil
		}}
	case strings.Contains(sql, "RETURNING fail_count"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			*(dest[0].(*int)) = f.qrFailsRet
			return nil
		}}
	default:
		return fakeRow{scan: func(...any) error { return errors.New("unexpected query") }}
	}
}

var _ Guard = (*PG)(nil)

func TestGuardAllow_NoRow_Allows(t *testing.T) {
	g := NewPG(&fakePool{qrErr: pgx.ErrNoRows}, 15*time.Minute, 5, 15*time.Minute)

	ok, dur, err := g.Allow(context.Background(), "u", HashPhone("+1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, dur)
}

func TestGuardAllow_BlockedUntilFuture(t *testing.T) {
	fut := time.Now().Add(10 * time.Minute)
	g := NewPG(&fakePool{qrBlockedTill: &fut}, 15*time.Minute, 5, 15*time.Minute)

	ok, dur, err := g.Allow(context.Background(), "u", HashPhone("+1"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Positive(t, dur)
}

func TestGuardAllow_PastOrEpoch_Allows(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	g := NewPG(&fakePool{qrBlockedTill: &past}, 15*time.Minute, 5, 15*time.Minute)

	ok, _, err := g.Allow(context.Background(), "u", HashPhone("+1"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGuardAllow_DBError_Propagates(t *testing.T) {
	g := NewPG(&fakePool{qrErr: errors.New("db boom")}, 15*time.Minute, 5, 15*time.Minute)

	ok, _, err := g.Allow(context.Background(), "u", HashPhone("+1"))
	require.Error(t, err)
	require.False(t, ok)
}

func TestGuardSuccess(t *testing.T) {
	fp := &fakePool{}
	g := NewPG(fp, 15*time.Minute, 5, 15*time.Minute)

	require.NoError(t, g.Success(context.Background(), "u", HashPhone("+1")))
	require.Contains(t, fp.lastExecSQL, "INSERT INTO login_attempts")

	fp.execErr = errors.New("exec fail")
	require.Error(t, g.Success(context.Background(), "u", HashPhone("+1")))
}

func TestGuardFailure_Increments_NoBlock(t *testing.T) {
	g := NewPG(&fakePool{qrFailsRet: 2}, 5*time.Minute, 5, 15*time.Minute)

	blocked, dur, err := g.Failure(context.Background(), "u", HashPhone("+1"))
	require.NoError(t, err)
	require.False(t, blocked)
	require.Zero(t, dur)
}

func TestGuardFailure_BlocksAtThreshold(t *testing.T) {
	fp := &fakePool{qrFailsRet: 5}
	g := NewPG(fp, 5*time.Minute, 5, 10*time.Minute)

	blocked, dur, err := g.Failure(context.Background(), "u", HashPhone("+1"))
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, 10*time.Minute, dur)
	require.Contains(t, fp.lastExecSQL, "UPDATE login_attempts SET blocked_until")
}

func TestGuardFailure_DBErrorOnReturning(t *testing.T) {
	g := NewPG(&fakePool{qrErr: errors.New("query error")}, 5*time.Minute, 5, 10*time.Minute)

	_, _, err := g.Failure(context.Background(), "u", HashPhone("+1"))
	require.Error(t, err)
}

func TestHashPhone_NormalizesFormatting(t *testing.T) {
	a := HashPhone("+1 (555) 123-4")
	b := HashPhone("+15551234")
	c := HashPhone("+15551235")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 32)
}
