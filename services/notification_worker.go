package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voucher-system/internal/status"
	"voucher-system/models"
)

// VoucherLookup finds a voucher by its code.
type VoucherLookup interface {
	FindVoucherByCode(ctx context.Context, code string) (*models.Voucher, error)
}

// NotificationWorker holds the job handlers for voucher notifications.
type NotificationWorker struct {
	vouchers   VoucherLookup
	users      UserDirectory
	mailer     MailTransport
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewNotificationWorker(vouchers VoucherLookup, users UserDirectory, mailer MailTransport, retries int, retryDelay time.Duration, logger *slog.Logger) *NotificationWorker {
	if retries < 1 {
		retries = 1
	}
	return &NotificationWorker{
		vouchers:   vouchers,
		users:      users,
		mailer:     mailer,
		retries:    retries,
		retryDelay: retryDelay,
		logger:     logger.With("component", "notification_worker"),
		sleep:      sleepContext,
	}
}

// Register binds the handlers for every notification job kind.
func (n *NotificationWorker) Register(w *JobWorker) {
	w.Handle(models.JobKindIssueAndNotify, n.HandleIssueAndNotify)
	w.Handle(models.JobKindEmailOnly, n.HandleEmailOnly)
	w.Handle(models.JobKindProcessOnly, n.HandleProcessOnly)
}

// HandleIssueAndNotify emails the voucher code to its holder.
func (n *NotificationWorker) HandleIssueAndNotify(ctx context.Context, job *models.Job) error {
	voucher, err := n.lookupVoucher(ctx, job.Payload.VoucherCode)
	if err != nil {
		return err
	}

	email := job.Payload.Email
	if email == "" {
		email, err = n.users.ResolveEmail(ctx, job.Payload.UserID)
		if err != nil {
			return err
		}
	}
	if email == "" {
		n.logger.InfoContext(ctx, "no email for voucher holder, skipping delivery",
			"job_id", job.ID, "user_id", job.Payload.UserID, "event_id", voucher.EventID)
		return nil
	}

	subject, body := voucherEmail(voucher.Code, voucher.EventID)
	return n.send(ctx, job, email, subject, body)
}

// HandleEmailOnly delivers to the address carried by the payload.
func (n *NotificationWorker) HandleEmailOnly(ctx context.Context, job *models.Job) error {
	if job.Payload.Email == "" {
		n.logger.InfoContext(ctx, "email job without address, skipping delivery", "job_id", job.ID)
		return nil
	}

	subject, body := voucherEmail(job.Payload.VoucherCode, job.Payload.EventID)
	return n.send(ctx, job, job.Payload.Email, subject, body)
}

// HandleProcessOnly checks the voucher exists without notifying anyone.
func (n *NotificationWorker) HandleProcessOnly(ctx context.Context, job *models.Job) error {
	if job.Payload.VoucherCode == "" {
		n.logger.InfoContext(ctx, "processed job without voucher", "job_id", job.ID, "event_id", job.Payload.EventID)
		return nil
	}

	voucher, err := n.lookupVoucher(ctx, job.Payload.VoucherCode)
	if err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "voucher processed",
		"job_id", job.ID, "event_id", voucher.EventID, "user_id", voucher.IssuedTo, "used", voucher.IsUsed)
	return nil
}

func (n *NotificationWorker) lookupVoucher(ctx context.Context, code string) (*models.Voucher, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: job has no voucher code", status.ErrUnrecoverable)
	}

	voucher, err := n.vouchers.FindVoucherByCode(ctx, code)
	if errors.Is(err, status.ErrNotFound) {
		return nil, fmt.Errorf("%w: voucher %s no longer exists", status.ErrUnrecoverable, code)
	}
	return voucher, err
}

func (n *NotificationWorker) send(ctx context.Context, job *models.Job, to, subject, body string) error {
	messageID, err := n.deliver(ctx, to, subject, body)
	if err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "notification sent", "job_id", job.ID, "message_id", messageID)
	return nil
}

// deliver retries the transport a few times with a fixed pause before
// giving the failure back to the job pipeline.
func (n *NotificationWorker) deliver(ctx context.Context, to, subject, body string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= n.retries; attempt++ {
		messageID, err := n.mailer.Send(ctx, to, subject, body)
		if err == nil {
			return messageID, nil
		}
		lastErr = err
		n.logger.WarnContext(ctx, "email send failed", "attempt", attempt, "error", err)

		if attempt < n.retries {
			if err := n.sleep(ctx, n.retryDelay); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %w", status.ErrDeliveryFailure, n.retries, lastErr)
}

func voucherEmail(code, eventID string) (subject, body string) {
	subject = "Your voucher code"
	body = fmt.Sprintf("Your voucher code is %s (event %s). Present it at redemption.", code, eventID)
	return subject, body
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
