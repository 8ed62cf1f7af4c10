package store

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"voucher-system/internal/status"
	"voucher-system/models"
)

type voucherRow struct {
	ID       string         `db:"id"`
	EventID  string         `db:"event"`
	Code     string         `db:"code"`
	IssuedTo string         `db:"issued_to"`
	IsUsed   bool           `db:"is_used"`
	Created  types.DateTime `db:"created"`
	Updated  types.DateTime `db:"updated"`
}

func (r voucherRow) toModel() *models.Voucher {
	return &models.Voucher{
		ID:        r.ID,
		EventID:   r.EventID,
		Code:      r.Code,
		IssuedTo:  r.IssuedTo,
		IsUsed:    r.IsUsed,
		CreatedAt: r.Created.Time(),
		UpdatedAt: r.Updated.Time(),
	}
}

const voucherColumns = `id, event, code, issued_to, is_used, created, updated`

const (
	claimQuotaSQL = `UPDATE events
SET issued_count = issued_count + 1, updated = {:now}
WHERE id = {:id} AND issued_count < max_quantity`

	releaseQuotaSQL = `UPDATE events
SET issued_count = issued_count - 1, updated = {:now}
WHERE id = {:id} AND issued_count > 0`

	insertVoucherSQL = `INSERT INTO vouchers (id, event, code, issued_to, is_used, created, updated)
VALUES ({:id}, {:event}, {:code}, {:issued_to}, FALSE, {:now}, {:now})`

	redeemVoucherSQL = `UPDATE vouchers SET is_used = TRUE, updated = {:now}
WHERE code = {:code} AND is_used = FALSE`

	deleteVoucherSQL = `DELETE FROM vouchers WHERE id = {:id} AND is_used = FALSE`
)

// IssueVoucher claims one unit of the event's quota and inserts a voucher
// with the given code in the same transaction. It returns ErrQuotaExhausted
// when the conditional increment matches no row for a known event, and
// ErrCodeCollision when code is already taken (the increment rolls back).
func (s *Store) IssueVoucher(ctx context.Context, eventID, requesterID, code string) (*models.Voucher, error) {
	now := s.clock.Now()
	voucher := &models.Voucher{
		ID:        newID(),
		EventID:   eventID,
		Code:      code,
		IssuedTo:  requesterID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.app.RunInTransaction(func(txApp core.App) error {
		n, err := s.exec(ctx, txApp.DB(), claimQuotaSQL, dbx.Params{
			"id":  eventID,
			"now": formatTime(now),
		})
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := s.findEvent(ctx, txApp.DB(), eventID); err != nil {
				return err
			}
			return status.ErrQuotaExhausted
		}

		_, err = s.query(ctx, txApp.DB(), insertVoucherSQL, dbx.Params{
			"id":        voucher.ID,
			"event":     eventID,
			"code":      code,
			"issued_to": requesterID,
			"now":       formatTime(now),
		}).Execute()
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return voucher, nil
}

func (s *Store) FindVoucherByCode(ctx context.Context, code string) (*models.Voucher, error) {
	return s.findVoucher(ctx, s.app.DB(), "code", code)
}

func (s *Store) FindVoucher(ctx context.Context, voucherID string) (*models.Voucher, error) {
	return s.findVoucher(ctx, s.app.DB(), "id", voucherID)
}

func (s *Store) findVoucher(ctx context.Context, db dbx.Builder, column, value string) (*models.Voucher, error) {
	var row voucherRow
	err := db.Select("id", "event", "code", "issued_to", "is_used", "created", "updated").
		From(VouchersCollection).
		Where(dbx.HashExp{column: value}).
		Limit(1).
		WithContext(ctx).
		One(&row)
	if isNoRows(err) {
		return nil, status.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return row.toModel(), nil
}

// RedeemVoucher flips is_used from false to true exactly once.
func (s *Store) RedeemVoucher(ctx context.Context, code string) (*models.Voucher, error) {
	var voucher *models.Voucher

	err := s.app.RunInTransaction(func(txApp core.App) error {
		n, err := s.exec(ctx, txApp.DB(), redeemVoucherSQL, dbx.Params{
			"code": code,
			"now":  formatTime(s.clock.Now()),
		})
		if err != nil {
			return err
		}

		voucher, err = s.findVoucher(ctx, txApp.DB(), "code", code)
		if err != nil {
			return err
		}
		if n == 0 {
			return status.ErrAlreadyUsed
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return voucher, nil
}

// DeleteVoucher removes an unused voucher and hands its unit of quota back
// to the event in one transaction.
func (s *Store) DeleteVoucher(ctx context.Context, voucherID string) error {
	err := s.app.RunInTransaction(func(txApp core.App) error {
		voucher, err := s.findVoucher(ctx, txApp.DB(), "id", voucherID)
		if err != nil {
			return err
		}

		n, err := s.exec(ctx, txApp.DB(), deleteVoucherSQL, dbx.Params{"id": voucherID})
		if err != nil {
			return err
		}
		if n == 0 {
			return status.ErrAlreadyUsed
		}

		n, err = s.exec(ctx, txApp.DB(), releaseQuotaSQL, dbx.Params{
			"id":  voucher.EventID,
			"now": formatTime(s.clock.Now()),
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("release quota for event %s: counter already zero", voucher.EventID)
		}
		return nil
	})
	return classify(err)
}

// ListVouchers returns an event's vouchers oldest first.
func (s *Store) ListVouchers(ctx context.Context, eventID string, limit, offset int) ([]*models.Voucher, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []voucherRow
	err := s.app.DB().NewQuery(`SELECT `+voucherColumns+` FROM vouchers
WHERE event = {:event} ORDER BY created ASC, id ASC LIMIT {:limit} OFFSET {:offset}`).
		Bind(dbx.Params{"event": eventID, "limit": limit, "offset": offset}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, classify(err)
	}

	vouchers := make([]*models.Voucher, 0, len(rows))
	for _, row := range rows {
		vouchers = append(vouchers, row.toModel())
	}
	return vouchers, nil
}

// CountVouchers returns how many vouchers exist for an event.
func (s *Store) CountVouchers(ctx context.Context, eventID string) (int, error) {
	var total int
	err := s.app.DB().Select("count(*)").
		From(VouchersCollection).
		Where(dbx.HashExp{"event": eventID}).
		WithContext(ctx).
		Row(&total)
	if err != nil {
		return 0, classify(err)
	}
	return total, nil
}
