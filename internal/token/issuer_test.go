package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fieldgate.org/internal/clock"
	"fieldgate.org/internal/errs"
)

var testSecret = []byte(strings.Repeat("k", 32))

func newTestIssuer(t *testing.T, ledger Ledger, clk clock.Clock) *Issuer {
	t.Helper()
	iss, err := NewIssuer(testSecret, ledger,
		WithClock(clk),
		WithAccessTTL(10*time.Minute),
		WithRefreshTTL(2*time.Hour),
		WithOverrideTTL(30*time.Minute),
	)
	require.NoError(t, err)
	return iss
}

func TestIssuePairAndVerify(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	iss := newTestIssuer(t, NewMemoryLedger(), clk)
	ctx := context.Background()

	pair, err := iss.IssuePair(ctx, Subject{IdentityID: "u1", DeviceID: "d1", TeamID: "t1"})
	require.NoError(t, err)
	require.NotEqual(t, pair.Access.JTI, pair.Refresh.JTI)
	require.WithinDuration(t, clk.Now().Add(10*time.Minute), pair.Access.ExpiresAt, 0)
	require.WithinDuration(t, clk.Now().Add(2*time.Hour), pair.Refresh.ExpiresAt, 0)

	claims, err := iss.Verify(ctx, pair.Access.Raw, KindAccess)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, "d1", claims.DeviceID)
	require.Equal(t, "t1", claims.TeamID)
	require.False(t, claims.Override)

	_, err = iss.Verify(ctx, pair.Refresh.Raw, KindAccess)
	require.ErrorIs(t, err, ErrInvalid, "refresh token must not pass as access")
}

func TestVerifyExpired(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	iss := newTestIssuer(t, NewMemoryLedger(), clk)
	pair, err := iss.IssuePair(context.Background(), Subject{IdentityID: "u1"})
	require.NoError(t, err)

	clk.Add(10*time.Minute - time.Second)
	_, err = iss.Verify(context.Background(), pair.Access.Raw)
	require.NoError(t, err)

	clk.Add(time.Second)
	_, err = iss.Verify(context.Background(), pair.Access.Raw)
	require.ErrorIs(t, err, ErrExpired)
	require.Equal(t, errs.CodeTokenExpired, errs.CodeOf(err))
}

func TestVerifyRejectsTamperedAndForeignTokens(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	iss := newTestIssuer(t, NewMemoryLedger(), clk)
	pair, err := iss.IssuePair(context.Background(), Subject{IdentityID: "u1"})
	require.NoError(t, err)

	parts := strings.Split(pair.Access.Raw, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)
	_, err = iss.Verify(context.Background(), tampered)
	require.ErrorIs(t, err, ErrInvalid)

	other, err := NewIssuer([]byte(strings.Repeat("z", 32)), NewMemoryLedger(), WithClock(clk))
	require.NoError(t, err)
	_, err = other.Verify(context.Background(), pair.Access.Raw)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = iss.Verify(context.Background(), "not-a-token")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestRevokedTokenIsRejected(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	ledger := NewMemoryLedger()
	iss := newTestIssuer(t, ledger, clk)
	ctx := context.Background()
	pair, err := iss.IssuePair(ctx, Subject{IdentityID: "u1"})
	require.NoError(t, err)

	claims, err := iss.Verify(ctx, pair.Access.Raw)
	require.NoError(t, err)
	inserted, err := iss.Revoke(ctx, claims, ReasonLogout)
	require.NoError(t, err)
	require.True(t, inserted)

	_, err = iss.Verify(ctx, pair.Access.Raw)
	require.ErrorIs(t, err, ErrRevoked)

	entry, ok := ledger.Lookup(claims.ID)
	require.True(t, ok)
	require.Equal(t, ReasonLogout, entry.Reason)
	require.WithinDuration(t, pair.Access.ExpiresAt, entry.ExpiresAt, 0)
}

func TestRefreshRotatesExactlyOnce(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	iss := newTestIssuer(t, NewMemoryLedger(), clk)
	ctx := context.Background()
	pair, err := iss.IssuePair(ctx, Subject{IdentityID: "u1", DeviceID: "d1"})
	require.NoError(t, err)

	const callers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		revoked   atomic.Int32
		start     = make(chan struct{})
	)
	for n := 0; n < callers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			next, _, err := iss.Refresh(ctx, pair.Refresh.Raw)
			switch {
			case err == nil:
				if next.Access.Raw == "" || next.Refresh.JTI == pair.Refresh.JTI {
					t.Errorf("bad rotated pair")
				}
				successes.Add(1)
			case errors.Is(err, ErrRevoked):
				revoked.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.EqualValues(t, 1, successes.Load())
	require.EqualValues(t, callers-1, revoked.Load())
}

func TestRevokeBeforeVerifyIsVisible(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	iss := newTestIssuer(t, NewMemoryLedger(), clk)
	ctx := context.Background()

	for n := 0; n < 50; n++ {
		pair, err := iss.IssuePair(ctx, Subject{IdentityID: "u1"})
		require.NoError(t, err)
		claims, err := iss.Verify(ctx, pair.Access.Raw)
		require.NoError(t, err)

		var revokedAt atomic.Bool
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = iss.Revoke(ctx, claims, ReasonSessionEnded)
			revokedAt.Store(true)
		}()
		go func() {
			defer wg.Done()
			for !revokedAt.Load() {
				_, _ = iss.Verify(ctx, pair.Access.Raw)
			}
			_, err := iss.Verify(ctx, pair.Access.Raw)
			if !errors.Is(err, ErrRevoked) {
				t.Errorf("verify after committed revoke returned %v", err)
			}
		}()
		wg.Wait()
	}
}

type failingLedger struct{ MemoryLedger }

func (*failingLedger) IsRevoked(context.Context, string) (bool, error) {
	return false, context.DeadlineExceeded
}

func TestLedgerFailureFailsClosed(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	iss := newTestIssuer(t, &failingLedger{}, clk)
	pair, err := iss.IssuePair(context.Background(), Subject{IdentityID: "u1"})
	require.NoError(t, err)

	_, err = iss.Verify(context.Background(), pair.Access.Raw)
	require.Error(t, err)
	require.Equal(t, errs.CodeInternal, errs.CodeOf(err))
}

func TestOverrideToken(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	iss := newTestIssuer(t, NewMemoryLedger(), clk)
	ctx := context.Background()

	_, err := iss.IssueOverride(ctx, Subject{IdentityID: "u1"}, "")
	require.Error(t, err)

	tok, err := iss.IssueOverride(ctx, Subject{IdentityID: "u1", DeviceID: "d1"}, "sup-1")
	require.NoError(t, err)
	require.WithinDuration(t, clk.Now().Add(30*time.Minute), tok.ExpiresAt, 0)

	claims, err := iss.Verify(ctx, tok.Raw, KindOverride)
	require.NoError(t, err)
	require.True(t, claims.Override)
	require.Equal(t, "sup-1", claims.SupervisorID)

	_, err = iss.Verify(ctx, tok.Raw, KindRefresh)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	_, err := NewIssuer([]byte("short"), NewMemoryLedger())
	require.Error(t, err)
	require.Equal(t, errs.CodeSigningKeyUnavailable, errs.CodeOf(err))
}

func TestSweeperPrunesExpiredEntries(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	ledger := NewMemoryLedger()
	ctx := context.Background()
	_, _ = ledger.Revoke(ctx, Entry{JTI: "old", ExpiresAt: clk.Now().Add(time.Minute)})
	_, _ = ledger.Revoke(ctx, Entry{JTI: "new", ExpiresAt: clk.Now().Add(time.Hour)})

	sw := NewSweeper(ledger, clk, time.Minute, 30*time.Second)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Add(90 * time.Second)
	n, err = sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	revoked, _ := ledger.IsRevoked(ctx, "new")
	require.True(t, revoked)
	require.Equal(t, 1, ledger.Len())
}

func TestLedgerRevokeIsInsertIfAbsent(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	first, err := ledger.Revoke(ctx, Entry{JTI: "a", Reason: ReasonLogout})
	require.NoError(t, err)
	second, err := ledger.Revoke(ctx, Entry{JTI: "a", Reason: ReasonSessionEnded})
	require.NoError(t, err)
	require.True(t, first)
	require.False(t, second)
	e, _ := ledger.Lookup("a")
	require.Equal(t, ReasonLogout, e.Reason)
}
