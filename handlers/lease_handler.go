package handlers

import (
	"context"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"voucher-system/models"
)

// LeaseAPI is the edit lease manager as seen by HTTP.
type LeaseAPI interface {
	Acquire(ctx context.Context, eventID, userID string) (models.Lease, error)
	Release(ctx context.Context, eventID, userID string) (models.Lease, error)
	Renew(ctx context.Context, eventID, userID string) (models.Lease, error)
}

type LeaseHandler struct {
	leases LeaseAPI
}

func NewLeaseHandler(leases LeaseAPI) *LeaseHandler {
	return &LeaseHandler{leases: leases}
}

// AcquireLock - POST /api/v1/events/{eventId}/lock
func (h *LeaseHandler) AcquireLock(e *core.RequestEvent) error {
	return h.serve(e, h.leases.Acquire)
}

// RenewLock - POST /api/v1/events/{eventId}/lock/renew
func (h *LeaseHandler) RenewLock(e *core.RequestEvent) error {
	return h.serve(e, h.leases.Renew)
}

// ReleaseLock - DELETE /api/v1/events/{eventId}/lock
func (h *LeaseHandler) ReleaseLock(e *core.RequestEvent) error {
	return h.serve(e, h.leases.Release)
}

func (h *LeaseHandler) serve(e *core.RequestEvent, op func(ctx context.Context, eventID, userID string) (models.Lease, error)) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	lease, err := op(e.Request.Context(), e.Request.PathValue("eventId"), e.Auth.Id)
	if err != nil {
		return apiError(e, err)
	}

	body := map[string]any{
		"event_id": lease.EventID,
		"status":   lease.Status,
	}
	if !lease.LockUntil.IsZero() {
		body["holder_id"] = lease.HolderID
		body["lock_until"] = lease.LockUntil
	}
	return e.JSON(http.StatusOK, body)
}
