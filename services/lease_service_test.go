package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voucher-system/internal/clock"
	"voucher-system/internal/status"
	"voucher-system/models"
)

// memoryLeaseStore applies the same predicates as the conditional UPDATEs.
type memoryLeaseStore struct {
	mu        sync.Mutex
	events    map[string]*models.Event
	transient int
	calls     int
}

func newMemoryLeaseStore(ids ...string) *memoryLeaseStore {
	s := &memoryLeaseStore{events: make(map[string]*models.Event)}
	for _, id := range ids {
		s.events[id] = &models.Event{ID: id}
	}
	return s
}

func (s *memoryLeaseStore) conflict() bool {
	s.calls++
	if s.transient > 0 {
		s.transient--
		return true
	}
	return false
}

func (s *memoryLeaseStore) TryAcquireLease(_ context.Context, eventID, userID string, now, until time.Time) (models.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflict() {
		return models.Lease{}, status.ErrTransientConflict
	}
	event, ok := s.events[eventID]
	switch {
	case !ok:
		return models.Lease{}, status.ErrNotFound
	case event.HeldBy(userID, now):
		return models.Lease{EventID: eventID, HolderID: userID, LockUntil: event.EditLockAt, Status: models.LeaseAlreadyHeld}, nil
	case event.LeaseActive(now):
		return models.Lease{}, status.ErrLockConflict
	}
	event.EditingBy, event.EditLockAt = userID, until
	return models.Lease{EventID: eventID, HolderID: userID, LockUntil: until, Status: models.LeaseGranted}, nil
}

func (s *memoryLeaseStore) ReleaseLease(_ context.Context, eventID, userID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflict() {
		return status.ErrTransientConflict
	}
	event, ok := s.events[eventID]
	switch {
	case !ok:
		return status.ErrNotFound
	case event.EditingBy != userID:
		return status.ErrNotHolder
	}
	event.EditingBy, event.EditLockAt = "", time.Time{}
	return nil
}

func (s *memoryLeaseStore) RenewLease(_ context.Context, eventID, userID string, now, until time.Time) (models.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflict() {
		return models.Lease{}, status.ErrTransientConflict
	}
	event, ok := s.events[eventID]
	switch {
	case !ok:
		return models.Lease{}, status.ErrNotFound
	case !event.HeldBy(userID, now):
		return models.Lease{}, status.ErrLeaseInvalid
	}
	event.EditLockAt = until
	return models.Lease{EventID: eventID, HolderID: userID, LockUntil: until, Status: models.LeaseRenewed}, nil
}

func setupLeaseService(opts ...LeaseOption) (*LeaseService, *memoryLeaseStore, *clock.Manual) {
	store := newMemoryLeaseStore(testEventID)
	clk := clock.NewManual(baseTime)
	opts = append([]LeaseOption{WithLeaseClock(clk)}, opts...)
	return NewLeaseService(store, testLogger(), opts...), store, clk
}

func TestLeaseService_ConflictUntilExpiry(t *testing.T) {
	svc, _, clk := setupLeaseService()
	ctx := context.Background()

	lease, err := svc.Acquire(ctx, testEventID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.LeaseGranted, lease.Status)
	assert.Equal(t, baseTime.Add(5*time.Minute), lease.LockUntil)

	clk.Advance(time.Minute)
	_, err = svc.Acquire(ctx, testEventID, "u2")
	assert.ErrorIs(t, err, status.ErrLockConflict)

	clk.Advance(4*time.Minute + time.Second)
	lease, err = svc.Acquire(ctx, testEventID, "u2")
	require.NoError(t, err)
	assert.Equal(t, models.LeaseGranted, lease.Status)
	assert.Equal(t, "u2", lease.HolderID)
}

func TestLeaseService_ExpiryBoundaryIsFree(t *testing.T) {
	svc, _, clk := setupLeaseService()
	ctx := context.Background()

	_, err := svc.Acquire(ctx, testEventID, "u1")
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	lease, err := svc.Acquire(ctx, testEventID, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", lease.HolderID)
}

func TestLeaseService_ReacquireKeepsExpiry(t *testing.T) {
	svc, _, clk := setupLeaseService()
	ctx := context.Background()

	first, err := svc.Acquire(ctx, testEventID, "u1")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	again, err := svc.Acquire(ctx, testEventID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.LeaseAlreadyHeld, again.Status)
	assert.Equal(t, first.LockUntil, again.LockUntil)
}

func TestLeaseService_RenewAndRelease(t *testing.T) {
	svc, _, clk := setupLeaseService()
	ctx := context.Background()

	_, err := svc.Acquire(ctx, testEventID, "u1")
	require.NoError(t, err)

	_, err = svc.Renew(ctx, testEventID, "u2")
	assert.ErrorIs(t, err, status.ErrLeaseInvalid)

	clk.Advance(4 * time.Minute)
	renewed, err := svc.Renew(ctx, testEventID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.LeaseRenewed, renewed.Status)
	assert.Equal(t, baseTime.Add(9*time.Minute), renewed.LockUntil)

	_, err = svc.Release(ctx, testEventID, "u2")
	assert.ErrorIs(t, err, status.ErrNotHolder)

	released, err := svc.Release(ctx, testEventID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.LeaseReleased, released.Status)

	lease, err := svc.Acquire(ctx, testEventID, "u2")
	require.NoError(t, err)
	assert.Equal(t, models.LeaseGranted, lease.Status)
}

func TestLeaseService_RenewAfterExpiryFails(t *testing.T) {
	svc, _, clk := setupLeaseService(WithLeaseTTL(time.Minute))
	ctx := context.Background()

	_, err := svc.Acquire(ctx, testEventID, "u1")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = svc.Renew(ctx, testEventID, "u1")
	assert.ErrorIs(t, err, status.ErrLeaseInvalid)

	// the holder may still clear an expired lease
	_, err = svc.Release(ctx, testEventID, "u1")
	assert.NoError(t, err)
}

func TestLeaseService_TransientConflictsRetried(t *testing.T) {
	svc, store, _ := setupLeaseService(WithLeaseRetries(3))
	store.transient = 2

	lease, err := svc.Acquire(context.Background(), testEventID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.LeaseGranted, lease.Status)
	assert.Equal(t, 3, store.calls)
}

func TestLeaseService_RetryBudgetExhausted(t *testing.T) {
	svc, store, _ := setupLeaseService(WithLeaseRetries(2))
	store.transient = 5

	_, err := svc.Acquire(context.Background(), testEventID, "u1")
	assert.ErrorIs(t, err, status.ErrRetryBudgetExhausted)
	assert.ErrorIs(t, err, status.ErrTransientConflict)
	assert.Equal(t, 2, store.calls)
}

func TestLeaseService_Validation(t *testing.T) {
	svc, store, _ := setupLeaseService()
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "", "u1")
	assert.ErrorIs(t, err, status.ErrInvalidInput)
	_, err = svc.Renew(ctx, testEventID, "")
	assert.ErrorIs(t, err, status.ErrInvalidInput)
	_, err = svc.Release(ctx, "Not-An-Id", "u1")
	assert.ErrorIs(t, err, status.ErrInvalidInput)
	assert.Zero(t, store.calls)

	_, err = svc.Acquire(ctx, "evt00000000000x", "u1")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestLeaseService_ConcurrentAcquireSingleWinner(t *testing.T) {
	svc, _, _ := setupLeaseService()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		granted   int
		conflicts int
	)
	for _, user := range []string{"u1", "u2", "u3", "u4", "u5"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := svc.Acquire(context.Background(), testEventID, user)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
			} else if assert.ErrorIs(t, err, status.ErrLockConflict) {
				conflicts++
			}
		}(user)
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, 4, conflicts)
}
