package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voucher-system/internal/clock"
	"voucher-system/internal/status"
	"voucher-system/models"
	"voucher-system/monitoring"
)

const DefaultLeaseTTL = 5 * time.Minute

type LeaseStore interface {
	TryAcquireLease(ctx context.Context, eventID, userID string, now, until time.Time) (models.Lease, error)
	ReleaseLease(ctx context.Context, eventID, userID string, now time.Time) error
	RenewLease(ctx context.Context, eventID, userID string, now, until time.Time) (models.Lease, error)
}

// LeaseService arbitrates exclusive edit access to an event.
type LeaseService struct {
	store   LeaseStore
	clock   clock.Clock
	ttl     time.Duration
	retries int
	monitor *monitoring.Monitor
	logger  *slog.Logger
}

type LeaseOption func(*LeaseService)

func WithLeaseTTL(ttl time.Duration) LeaseOption {
	return func(s *LeaseService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLeaseClock(c clock.Clock) LeaseOption {
	return func(s *LeaseService) { s.clock = c }
}

func WithLeaseRetries(n int) LeaseOption {
	return func(s *LeaseService) {
		if n > 0 {
			s.retries = n
		}
	}
}

func WithLeaseMonitor(m *monitoring.Monitor) LeaseOption {
	return func(s *LeaseService) { s.monitor = m }
}

func NewLeaseService(store LeaseStore, logger *slog.Logger, opts ...LeaseOption) *LeaseService {
	s := &LeaseService{
		store:   store,
		clock:   clock.NewSystem(),
		ttl:     DefaultLeaseTTL,
		retries: 3,
		logger:  logger.With("component", "lease_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LeaseService) TTL() time.Duration { return s.ttl }

// Acquire grants the lease when the event is free or its lease expired.
// Re-acquiring a live lease you already hold reports LeaseAlreadyHeld and
// keeps the original expiry.
func (s *LeaseService) Acquire(ctx context.Context, eventID, userID string) (models.Lease, error) {
	if err := s.validate(eventID, userID); err != nil {
		s.track("acquire", err)
		return models.Lease{}, err
	}

	lease, err := withTransientRetry(s.retries, func() (models.Lease, error) {
		now := s.clock.Now()
		return s.store.TryAcquireLease(ctx, eventID, userID, now, now.Add(s.ttl))
	})
	s.track("acquire", err)
	if err != nil {
		return models.Lease{}, err
	}

	s.logger.InfoContext(ctx, "lease acquired", "event_id", eventID, "user_id", userID,
		"status", string(lease.Status), "lock_until", lease.LockUntil)
	return lease, nil
}

// Release clears the lease if userID is the recorded holder, expired or not.
func (s *LeaseService) Release(ctx context.Context, eventID, userID string) (models.Lease, error) {
	if err := s.validate(eventID, userID); err != nil {
		s.track("release", err)
		return models.Lease{}, err
	}

	_, err := withTransientRetry(s.retries, func() (struct{}, error) {
		return struct{}{}, s.store.ReleaseLease(ctx, eventID, userID, s.clock.Now())
	})
	s.track("release", err)
	if err != nil {
		return models.Lease{}, err
	}

	s.logger.InfoContext(ctx, "lease released", "event_id", eventID, "user_id", userID)
	return models.Lease{EventID: eventID, Status: models.LeaseReleased}, nil
}

// Renew extends a live lease held by userID to now+TTL.
func (s *LeaseService) Renew(ctx context.Context, eventID, userID string) (models.Lease, error) {
	if err := s.validate(eventID, userID); err != nil {
		s.track("renew", err)
		return models.Lease{}, err
	}

	lease, err := withTransientRetry(s.retries, func() (models.Lease, error) {
		now := s.clock.Now()
		return s.store.RenewLease(ctx, eventID, userID, now, now.Add(s.ttl))
	})
	s.track("renew", err)
	if err != nil {
		return models.Lease{}, err
	}

	s.logger.InfoContext(ctx, "lease renewed", "event_id", eventID, "user_id", userID, "lock_until", lease.LockUntil)
	return lease, nil
}

func (s *LeaseService) validate(eventID, userID string) error {
	if err := validateID("event id", eventID); err != nil {
		return err
	}
	return validateActor("user id", userID)
}

func (s *LeaseService) track(operation string, err error) {
	if s.monitor == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, status.ErrLockConflict):
		outcome = "conflict"
	case errors.Is(err, status.ErrNotHolder):
		outcome = "not_holder"
	case errors.Is(err, status.ErrLeaseInvalid):
		outcome = "invalid"
	case errors.Is(err, status.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, status.ErrInvalidInput):
		outcome = "invalid_input"
	default:
		outcome = "error"
	}
	s.monitor.TrackLeaseOperation(operation, outcome)
}

// withTransientRetry reruns fn while it reports a transient store conflict.
func withTransientRetry[T any](attempts int, fn func() (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}

	var (
		result T
		err    error
	)
	for i := 0; i < attempts; i++ {
		result, err = fn()
		if !errors.Is(err, status.ErrTransientConflict) {
			return result, err
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %w", status.ErrRetryBudgetExhausted, err)
}
