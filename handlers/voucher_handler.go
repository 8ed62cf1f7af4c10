package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"voucher-system/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// VoucherAPI is the voucher allocator as seen by HTTP.
type VoucherAPI interface {
	Issue(ctx context.Context, eventID, requesterID string) (*models.Voucher, error)
	Redeem(ctx context.Context, code string) (*models.Voucher, error)
	Delete(ctx context.Context, voucherID string) error
	Event(ctx context.Context, eventID string) (*models.Event, error)
	List(ctx context.Context, eventID string, limit, offset int) ([]*models.Voucher, error)
}

type VoucherHandler struct {
	vouchers VoucherAPI
}

func NewVoucherHandler(vouchers VoucherAPI) *VoucherHandler {
	return &VoucherHandler{vouchers: vouchers}
}

// IssueVoucher - POST /api/v1/events/{eventId}/vouchers
func (h *VoucherHandler) IssueVoucher(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	eventID := e.Request.PathValue("eventId")
	voucher, err := h.vouchers.Issue(e.Request.Context(), eventID, e.Auth.Id)
	if err != nil {
		return apiError(e, err)
	}

	return e.JSON(http.StatusCreated, map[string]any{
		"voucher_id": voucher.ID,
		"code":       voucher.Code,
		"event_id":   voucher.EventID,
	})
}

// ListVouchers - GET /api/v1/events/{eventId}/vouchers?limit=&offset=
func (h *VoucherHandler) ListVouchers(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}

	limit, offset, err := pagination(e)
	if err != nil {
		return err
	}

	eventID := e.Request.PathValue("eventId")
	event, err := h.vouchers.Event(e.Request.Context(), eventID)
	if err != nil {
		return apiError(e, err)
	}

	vouchers, err := h.vouchers.List(e.Request.Context(), eventID, limit, offset)
	if err != nil {
		return apiError(e, err)
	}
	if vouchers == nil {
		vouchers = []*models.Voucher{}
	}

	return e.JSON(http.StatusOK, map[string]any{
		"event_id":     eventID,
		"max_quantity": event.MaxQuantity,
		"issued_count": event.IssuedCount,
		"remaining":    event.Remaining(),
		"limit":        limit,
		"offset":       offset,
		"items":        vouchers,
	})
}

// RedeemVoucher - POST /api/v1/vouchers/{code}/redeem
func (h *VoucherHandler) RedeemVoucher(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	voucher, err := h.vouchers.Redeem(e.Request.Context(), e.Request.PathValue("code"))
	if err != nil {
		return apiError(e, err)
	}
	return e.JSON(http.StatusOK, voucher)
}

// DeleteVoucher - DELETE /api/v1/vouchers/{voucherId}
func (h *VoucherHandler) DeleteVoucher(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}

	if err := h.vouchers.Delete(e.Request.Context(), e.Request.PathValue("voucherId")); err != nil {
		return apiError(e, err)
	}
	return e.NoContent(http.StatusNoContent)
}

func pagination(e *core.RequestEvent) (limit, offset int, err error) {
	limit, offset = defaultPageSize, 0
	query := e.Request.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, apis.NewBadRequestError("limit must be a positive integer", nil)
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, apis.NewBadRequestError("offset must be a non-negative integer", nil)
		}
	}
	return limit, offset, nil
}
