package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"voucher-system/internal/status"
)

// StatusQuotaExhausted is returned when an event has no vouchers left. It is
// kept apart from 404/409 so clients can tell "sold out" from other failures.
const StatusQuotaExhausted = 456

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{status.ErrInvalidInput, http.StatusBadRequest, "invalid_input", "Invalid request"},
	{status.ErrQuotaExhausted, StatusQuotaExhausted, "quota_exhausted", "Voucher quota exhausted"},
	{status.ErrAlreadyUsed, http.StatusConflict, "voucher_used", "Voucher already used"},
	{status.ErrLockConflict, http.StatusConflict, "lock_conflict", "Event is being edited by another user"},
	{status.ErrNotHolder, http.StatusForbidden, "not_holder", "Lock is held by another user"},
	{status.ErrLeaseInvalid, http.StatusPreconditionFailed, "lease_invalid", "Lock expired or not held"},
	{status.ErrJobNotFailed, http.StatusConflict, "job_not_failed", "Only failed jobs can be retried"},
	{status.ErrJobNotFound, http.StatusNotFound, "not_found", "Job not found"},
	{status.ErrNotFound, http.StatusNotFound, "not_found", "Resource not found"},
}

// apiError converts a service error into the API error PocketBase renders.
// The machine readable code travels in data.code.
func apiError(e *core.RequestEvent, err error) *router.ApiError {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			apiErr := apis.NewApiError(m.status, m.message, nil)
			apiErr.Data = map[string]any{"code": m.code}
			if m.status == http.StatusBadRequest {
				apiErr.Data["detail"] = err.Error()
			}
			return apiErr
		}
	}

	logger(e).Error("request failed", "method", e.Request.Method, "path", e.Request.URL.Path, "error", err)
	apiErr := apis.NewInternalServerError("Something went wrong while processing your request", nil)
	apiErr.Data = map[string]any{"code": "internal"}
	return apiErr
}

func logger(e *core.RequestEvent) *slog.Logger {
	if e.App != nil {
		return e.App.Logger()
	}
	return slog.Default()
}

func requireSuperuser(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}
	if !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Superuser access required", nil)
	}
	return nil
}
