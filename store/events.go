package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"voucher-system/internal/status"
	"voucher-system/models"
)

type eventRow struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	MaxQuantity int            `db:"max_quantity"`
	IssuedCount int            `db:"issued_count"`
	EditingBy   string         `db:"editing_by"`
	EditLockAt  types.DateTime `db:"edit_lock_at"`
	Created     types.DateTime `db:"created"`
	Updated     types.DateTime `db:"updated"`
}

func (r eventRow) toModel() *models.Event {
	return &models.Event{
		ID:          r.ID,
		Name:        r.Name,
		MaxQuantity: r.MaxQuantity,
		IssuedCount: r.IssuedCount,
		EditingBy:   r.EditingBy,
		EditLockAt:  r.EditLockAt.Time(),
		CreatedAt:   r.Created.Time(),
		UpdatedAt:   r.Updated.Time(),
	}
}

const selectEventSQL = `SELECT id, name, max_quantity, issued_count, editing_by, edit_lock_at, created, updated
FROM events WHERE id = {:id} LIMIT 1`

const (
	acquireLeaseSQL = `UPDATE events
SET editing_by = {:user}, edit_lock_at = {:until}, updated = {:now}
WHERE id = {:id} AND (editing_by = '' OR edit_lock_at = '' OR edit_lock_at <= {:now})`

	releaseLeaseSQL = `UPDATE events
SET editing_by = '', edit_lock_at = '', updated = {:now}
WHERE id = {:id} AND editing_by = {:user}`

	renewLeaseSQL = `UPDATE events
SET edit_lock_at = {:until}, updated = {:now}
WHERE id = {:id} AND editing_by = {:user} AND edit_lock_at > {:now}`

	reapLeasesSQL = `UPDATE events
SET editing_by = '', edit_lock_at = '', updated = {:now}
WHERE editing_by != '' AND edit_lock_at <= {:now}`
)

// CreateEvent stores a new event through the record API so collection
// validation (max_quantity >= 1) applies.
func (s *Store) CreateEvent(ctx context.Context, name string, maxQuantity int) (*models.Event, error) {
	collection, err := s.app.FindCollectionByNameOrId(EventsCollection)
	if err != nil {
		return nil, fmt.Errorf("find events collection: %w", err)
	}

	record := core.NewRecord(collection)
	record.Set("name", name)
	record.Set("max_quantity", maxQuantity)
	record.Set("issued_count", 0)

	if err := s.app.SaveWithContext(ctx, record); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return s.FindEvent(ctx, record.Id)
}

func (s *Store) FindEvent(ctx context.Context, eventID string) (*models.Event, error) {
	return s.findEvent(ctx, s.app.DB(), eventID)
}

func (s *Store) findEvent(ctx context.Context, db dbx.Builder, eventID string) (*models.Event, error) {
	var row eventRow
	err := s.query(ctx, db, selectEventSQL, dbx.Params{"id": eventID}).One(&row)
	if isNoRows(err) {
		return nil, status.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return row.toModel(), nil
}

// TryAcquireLease grants the lease to userID when the event is free or its
// lease expired at now. A live lease held by userID is reported as already
// held and left untouched.
func (s *Store) TryAcquireLease(ctx context.Context, eventID, userID string, now, until time.Time) (models.Lease, error) {
	var lease models.Lease

	err := s.app.RunInTransaction(func(txApp core.App) error {
		n, err := s.exec(ctx, txApp.DB(), acquireLeaseSQL, dbx.Params{
			"id":    eventID,
			"user":  userID,
			"until": formatTime(until),
			"now":   formatTime(now),
		})
		if err != nil {
			return err
		}
		if n == 1 {
			lease = models.Lease{EventID: eventID, HolderID: userID, LockUntil: until, Status: models.LeaseGranted}
			return nil
		}

		event, err := s.findEvent(ctx, txApp.DB(), eventID)
		if err != nil {
			return err
		}
		switch {
		case event.HeldBy(userID, now):
			lease = models.Lease{EventID: eventID, HolderID: userID, LockUntil: event.EditLockAt, Status: models.LeaseAlreadyHeld}
			return nil
		case event.LeaseActive(now):
			return status.ErrLockConflict
		default:
			// Predicate failed yet the row looks free: treat as a lost race.
			return status.ErrTransientConflict
		}
	})
	if err != nil {
		return models.Lease{}, classify(err)
	}
	return lease, nil
}

// ReleaseLease clears the lease when userID is the recorded holder, expired
// or not.
func (s *Store) ReleaseLease(ctx context.Context, eventID, userID string, now time.Time) error {
	err := s.app.RunInTransaction(func(txApp core.App) error {
		n, err := s.exec(ctx, txApp.DB(), releaseLeaseSQL, dbx.Params{
			"id":   eventID,
			"user": userID,
			"now":  formatTime(now),
		})
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		if _, err := s.findEvent(ctx, txApp.DB(), eventID); err != nil {
			return err
		}
		return status.ErrNotHolder
	})
	return classify(err)
}

// RenewLease moves the expiry to until when userID holds a lease that is
// still live at now.
func (s *Store) RenewLease(ctx context.Context, eventID, userID string, now, until time.Time) (models.Lease, error) {
	err := s.app.RunInTransaction(func(txApp core.App) error {
		n, err := s.exec(ctx, txApp.DB(), renewLeaseSQL, dbx.Params{
			"id":    eventID,
			"user":  userID,
			"until": formatTime(until),
			"now":   formatTime(now),
		})
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		if _, err := s.findEvent(ctx, txApp.DB(), eventID); err != nil {
			return err
		}
		return status.ErrLeaseInvalid
	})
	if err != nil {
		return models.Lease{}, classify(err)
	}
	return models.Lease{EventID: eventID, HolderID: userID, LockUntil: until, Status: models.LeaseRenewed}, nil
}

// ReapExpiredLeases clears every lease whose expiry is at or before now and
// returns how many events were touched.
func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	var reaped int64
	err := s.app.RunInTransaction(func(txApp core.App) error {
		n, err := s.exec(ctx, txApp.DB(), reapLeasesSQL, dbx.Params{"now": formatTime(now)})
		reaped = n
		return err
	})
	if err != nil {
		return 0, classify(err)
	}
	return reaped, nil
}
