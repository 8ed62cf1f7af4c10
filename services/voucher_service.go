package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"voucher-system/config"
	"voucher-system/internal/status"
	"voucher-system/models"
	"voucher-system/monitoring"
	"voucher-system/utils"
)

type VoucherStore interface {
	FindEvent(ctx context.Context, eventID string) (*models.Event, error)
	IssueVoucher(ctx context.Context, eventID, requesterID, code string) (*models.Voucher, error)
	FindVoucherByCode(ctx context.Context, code string) (*models.Voucher, error)
	RedeemVoucher(ctx context.Context, code string) (*models.Voucher, error)
	DeleteVoucher(ctx context.Context, voucherID string) error
	ListVouchers(ctx context.Context, eventID string, limit, offset int) ([]*models.Voucher, error)
}

// JobEnqueuer accepts new ad-hoc jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, kind models.JobKind, payload models.JobPayload, opts *models.JobOptions) (*models.Job, error)
}

// VoucherService is the quota-bounded voucher allocator.
type VoucherService struct {
	store      VoucherStore
	jobs       JobEnqueuer
	users      UserDirectory
	monitor    *monitoring.Monitor
	logger     *slog.Logger
	maxRetries int
	newCode    func() string
}

type VoucherOption func(*VoucherService)

func WithCodeGenerator(fn func() string) VoucherOption {
	return func(s *VoucherService) { s.newCode = fn }
}

func WithIssueRetries(n int) VoucherOption {
	return func(s *VoucherService) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func NewVoucherService(store VoucherStore, jobs JobEnqueuer, users UserDirectory, cfg *config.Config, monitor *monitoring.Monitor, logger *slog.Logger, opts ...VoucherOption) *VoucherService {
	s := &VoucherService{
		store:      store,
		jobs:       jobs,
		users:      users,
		monitor:    monitor,
		logger:     logger.With("component", "voucher_service"),
		maxRetries: cfg.VoucherIssueRetries,
		newCode: func() string {
			return utils.GenerateVoucherCode(cfg.VoucherCodePrefix, cfg.VoucherCodeLength)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxRetries < 1 {
		s.maxRetries = 1
	}
	return s
}

// Issue mints one voucher for requesterID if the event still has quota.
// Code collisions and write conflicts are retried with a fresh code; the
// notification job is queued after the voucher exists and never fails the call.
func (s *VoucherService) Issue(ctx context.Context, eventID, requesterID string) (*models.Voucher, error) {
	if err := validateID("event id", eventID); err != nil {
		s.track("invalid")
		return nil, err
	}
	if err := validateActor("requester id", requesterID); err != nil {
		s.track("invalid")
		return nil, err
	}

	var (
		voucher *models.Voucher
		lastErr error
	)
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		v, err := s.store.IssueVoucher(ctx, eventID, requesterID, s.newCode())
		if err == nil {
			voucher = v
			break
		}
		if !status.IsRetryable(err) {
			s.track(outcomeOf(err))
			return nil, err
		}

		lastErr = err
		if s.monitor != nil {
			s.monitor.TrackIssueRetry()
		}
		s.logger.DebugContext(ctx, "voucher issue retry", "event_id", eventID, "attempt", attempt, "error", err)
	}
	if voucher == nil {
		s.track("error")
		s.logger.ErrorContext(ctx, "voucher issue retries exhausted", "event_id", eventID, "error", lastErr)
		return nil, fmt.Errorf("%w: issue voucher for event %s: %w", status.ErrRetryBudgetExhausted, eventID, lastErr)
	}

	s.track("issued")
	s.logger.InfoContext(ctx, "voucher issued", "event_id", eventID, "user_id", requesterID, "voucher_id", voucher.ID)
	s.notify(ctx, voucher)
	return voucher, nil
}

func (s *VoucherService) notify(ctx context.Context, voucher *models.Voucher) {
	if s.jobs == nil {
		return
	}

	email := ""
	if s.users != nil {
		resolved, err := s.users.ResolveEmail(ctx, voucher.IssuedTo)
		if err != nil {
			s.logger.WarnContext(ctx, "resolve email failed", "user_id", voucher.IssuedTo, "error", err)
		}
		email = resolved
	}

	job, err := s.jobs.Enqueue(ctx, models.JobKindIssueAndNotify, models.JobPayload{
		EventID:     voucher.EventID,
		UserID:      voucher.IssuedTo,
		VoucherCode: voucher.Code,
		Email:       email,
	}, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "enqueue voucher notification", "voucher_id", voucher.ID, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "voucher notification queued", "voucher_id", voucher.ID, "job_id", job.ID)
}

// Redeem marks a voucher used. A voucher redeems exactly once.
func (s *VoucherService) Redeem(ctx context.Context, code string) (*models.Voucher, error) {
	code = utils.NormalizeVoucherCode(code)
	if err := validateActor("voucher code", code); err != nil {
		return nil, err
	}

	voucher, err := s.store.RedeemVoucher(ctx, code)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "voucher redeemed", "voucher_id", voucher.ID, "event_id", voucher.EventID)
	return voucher, nil
}

// Delete removes an unused voucher and returns its quota to the event.
func (s *VoucherService) Delete(ctx context.Context, voucherID string) error {
	if err := validateID("voucher id", voucherID); err != nil {
		return err
	}
	if err := s.store.DeleteVoucher(ctx, voucherID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "voucher deleted", "voucher_id", voucherID)
	return nil
}

// Event returns the event with its current quota usage.
func (s *VoucherService) Event(ctx context.Context, eventID string) (*models.Event, error) {
	if err := validateID("event id", eventID); err != nil {
		return nil, err
	}
	return s.store.FindEvent(ctx, eventID)
}

func (s *VoucherService) List(ctx context.Context, eventID string, limit, offset int) ([]*models.Voucher, error) {
	if err := validateID("event id", eventID); err != nil {
		return nil, err
	}
	return s.store.ListVouchers(ctx, eventID, limit, offset)
}

func (s *VoucherService) track(outcome string) {
	if s.monitor != nil {
		s.monitor.TrackVoucherIssue(outcome)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, status.ErrQuotaExhausted):
		return "exhausted"
	case errors.Is(err, status.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
