package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voucher-system/internal/clock"
	"voucher-system/internal/status"
	_ "voucher-system/migrations"
	"voucher-system/models"
)

var baseTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()

	app, err := tests.NewTestApp(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(app.Cleanup)

	clk := clock.NewManual(baseTime)
	return New(app, clk), clk
}

func createEvent(t *testing.T, s *Store, maxQuantity int) *models.Event {
	t.Helper()
	event, err := s.CreateEvent(context.Background(), "launch party", maxQuantity)
	require.NoError(t, err)
	return event
}

func TestPing(t *testing.T) {
	s, _ := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestCreateEvent_RejectsZeroQuota(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateEvent(context.Background(), "empty", 0)
	assert.Error(t, err)
}

func TestFindEvent_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.FindEvent(context.Background(), "aaaaaaaaaaaaaaa")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestIssueVoucher_IncrementsAndInserts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 2)

	voucher, err := s.IssueVoucher(ctx, event.ID, "user1", "VC-AAAAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, event.ID, voucher.EventID)
	assert.False(t, voucher.IsUsed)

	got, err := s.FindEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.IssuedCount)

	stored, err := s.FindVoucherByCode(ctx, "VC-AAAAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "user1", stored.IssuedTo)
}

func TestIssueVoucher_QuotaExhausted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 1)

	_, err := s.IssueVoucher(ctx, event.ID, "user1", "VC-AAAAAAAAAA")
	require.NoError(t, err)

	_, err = s.IssueVoucher(ctx, event.ID, "user2", "VC-BBBBBBBBBB")
	assert.ErrorIs(t, err, status.ErrQuotaExhausted)
}

func TestIssueVoucher_UnknownEvent(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.IssueVoucher(context.Background(), "aaaaaaaaaaaaaaa", "user1", "VC-AAAAAAAAAA")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestIssueVoucher_CollisionRollsBackIncrement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 5)

	_, err := s.IssueVoucher(ctx, event.ID, "user1", "VC-DUPLICATE")
	require.NoError(t, err)

	_, err = s.IssueVoucher(ctx, event.ID, "user2", "VC-DUPLICATE")
	assert.ErrorIs(t, err, status.ErrCodeCollision)
	assert.True(t, status.IsRetryable(err))

	got, err := s.FindEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.IssuedCount, "failed insert must not leave an increment behind")

	total, err := s.CountVouchers(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestIssueVoucher_ConcurrentQuota(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	const quota, requests = 5, 25
	event := createEvent(t, s, quota)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		issued    int
		exhausted int
		other     []error
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.IssueVoucher(ctx, event.ID, fmt.Sprintf("user%d", i), fmt.Sprintf("VC-%010d", i))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				issued++
			case errors.Is(err, status.ErrQuotaExhausted):
				exhausted++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, quota, issued)
	assert.Equal(t, requests-quota, exhausted)

	got, err := s.FindEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, quota, got.IssuedCount)

	total, err := s.CountVouchers(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, quota, total)
}

func TestRedeemVoucher(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 1)
	_, err := s.IssueVoucher(ctx, event.ID, "user1", "VC-REDEEMME1")
	require.NoError(t, err)

	voucher, err := s.RedeemVoucher(ctx, "VC-REDEEMME1")
	require.NoError(t, err)
	assert.True(t, voucher.IsUsed)

	_, err = s.RedeemVoucher(ctx, "VC-REDEEMME1")
	assert.ErrorIs(t, err, status.ErrAlreadyUsed)

	_, err = s.RedeemVoucher(ctx, "VC-MISSING00")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestDeleteVoucher_ReturnsQuota(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 1)
	voucher, err := s.IssueVoucher(ctx, event.ID, "user1", "VC-DELETEME1")
	require.NoError(t, err)

	require.NoError(t, s.DeleteVoucher(ctx, voucher.ID))

	got, err := s.FindEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.IssuedCount)

	_, err = s.IssueVoucher(ctx, event.ID, "user2", "VC-DELETEME2")
	assert.NoError(t, err, "quota freed by delete is reusable")
}

func TestDeleteVoucher_UsedVoucherKept(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 1)
	voucher, err := s.IssueVoucher(ctx, event.ID, "user1", "VC-USEDONE01")
	require.NoError(t, err)
	_, err = s.RedeemVoucher(ctx, voucher.Code)
	require.NoError(t, err)

	err = s.DeleteVoucher(ctx, voucher.ID)
	assert.ErrorIs(t, err, status.ErrAlreadyUsed)

	got, err := s.FindEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.IssuedCount)

	assert.ErrorIs(t, s.DeleteVoucher(ctx, "aaaaaaaaaaaaaaa"), status.ErrNotFound)
}

func TestListVouchers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 3)
	for i := 0; i < 3; i++ {
		_, err := s.IssueVoucher(ctx, event.ID, fmt.Sprintf("user%d", i), fmt.Sprintf("VC-LIST%06d", i))
		require.NoError(t, err)
	}

	all, err := s.ListVouchers(ctx, event.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := s.ListVouchers(ctx, event.ID, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestLease_AcquireConflictAndExpiry(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 1)
	ttl := 5 * time.Minute

	now := clk.Now()
	lease, err := s.TryAcquireLease(ctx, event.ID, "userA", now, now.Add(ttl))
	require.NoError(t, err)
	assert.Equal(t, models.LeaseGranted, lease.Status)
	assert.Equal(t, now.Add(ttl), lease.LockUntil)

	_, err = s.TryAcquireLease(ctx, event.ID, "userB", now, now.Add(ttl))
	assert.ErrorIs(t, err, status.ErrLockConflict)

	clk.Advance(ttl + time.Second)
	now = clk.Now()
	lease, err = s.TryAcquireLease(ctx, event.ID, "userB", now, now.Add(ttl))
	require.NoError(t, err)
	assert.Equal(t, "userB", lease.HolderID)
}

func TestLease_ReacquireBySameHolderDoesNotExtend(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 1)
	ttl := 5 * time.Minute

	start := clk.Now()
	_, err := s.TryAcquireLease(ctx, event.ID, "userA", start, start.Add(ttl))
	require.NoError(t, err)

	clk.Advance(time.Minute)
	now := clk.Now()
	lease, err := s.TryAcquireLease(ctx, event.ID, "userA", now, now.Add(ttl))
	require.NoError(t, err)
	assert.Equal(t, models.LeaseAlreadyHeld, lease.Status)
	assert.True(t, lease.LockUntil.Equal(start.Add(ttl)))
}

func TestLease_RenewAndRelease(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 1)
	ttl := 5 * time.Minute

	now := clk.Now()
	_, err := s.TryAcquireLease(ctx, event.ID, "userA", now, now.Add(ttl))
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	now = clk.Now()
	lease, err := s.RenewLease(ctx, event.ID, "userA", now, now.Add(ttl))
	require.NoError(t, err)
	assert.Equal(t, models.LeaseRenewed, lease.Status)

	_, err = s.RenewLease(ctx, event.ID, "userB", now, now.Add(ttl))
	assert.ErrorIs(t, err, status.ErrLeaseInvalid)

	assert.ErrorIs(t, s.ReleaseLease(ctx, event.ID, "userB", now), status.ErrNotHolder)
	require.NoError(t, s.ReleaseLease(ctx, event.ID, "userA", now))

	got, err := s.FindEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Empty(t, got.EditingBy)
	assert.True(t, got.EditLockAt.IsZero())
}

func TestLease_RenewAfterExpiryFails(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 1)
	ttl := 5 * time.Minute

	now := clk.Now()
	_, err := s.TryAcquireLease(ctx, event.ID, "userA", now, now.Add(ttl))
	require.NoError(t, err)

	clk.Advance(ttl + time.Second)
	now = clk.Now()
	_, err = s.RenewLease(ctx, event.ID, "userA", now, now.Add(ttl))
	assert.ErrorIs(t, err, status.ErrLeaseInvalid)

	// The holder may still release an expired lease.
	assert.NoError(t, s.ReleaseLease(ctx, event.ID, "userA", now))
}

func TestLease_UnknownEvent(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	now := clk.Now()

	_, err := s.TryAcquireLease(ctx, "aaaaaaaaaaaaaaa", "userA", now, now.Add(time.Minute))
	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.ErrorIs(t, s.ReleaseLease(ctx, "aaaaaaaaaaaaaaa", "userA", now), status.ErrNotFound)
	_, err = s.RenewLease(ctx, "aaaaaaaaaaaaaaa", "userA", now, now.Add(time.Minute))
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestLease_ConcurrentAcquireSingleWinner(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	event := createEvent(t, s, 1)
	now := clk.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.TryAcquireLease(ctx, event.ID, fmt.Sprintf("user%d", i), now, now.Add(time.Minute))
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, status.ErrLockConflict)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
}

func TestReapExpiredLeases(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	stale := createEvent(t, s, 1)
	live := createEvent(t, s, 1)

	now := clk.Now()
	_, err := s.TryAcquireLease(ctx, stale.ID, "userA", now, now.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.TryAcquireLease(ctx, live.ID, "userB", now, now.Add(time.Hour))
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	reaped, err := s.ReapExpiredLeases(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	got, err := s.FindEvent(ctx, stale.ID)
	require.NoError(t, err)
	assert.Empty(t, got.EditingBy)

	got, err = s.FindEvent(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, "userB", got.EditingBy)
}
