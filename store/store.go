// Package store adapts the PocketBase SQLite database into the durable store
// used by the allocator, the lease manager and the maintenance tasks.
//
// Every mutation of a shared event field is a single UPDATE whose WHERE clause
// carries the predicate. Follow-up reads only classify a miss; they never feed
// a write.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/security"
	"github.com/pocketbase/pocketbase/tools/types"

	"voucher-system/internal/clock"
	"voucher-system/internal/status"
)

const (
	EventsCollection   = "events"
	VouchersCollection = "vouchers"

	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	idLength   = 15
)

type Store struct {
	app   core.App
	clock clock.Clock
}

func New(app core.App, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Store{app: app, clock: clk}
}

// Ping checks that the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	err := s.app.DB().NewQuery("SELECT 1").WithContext(ctx).Row(&one)
	if err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, db dbx.Builder, stmt string, params dbx.Params) *dbx.Query {
	return db.NewQuery(stmt).Bind(params).WithContext(ctx)
}

// exec runs a write and reports how many rows it touched.
func (s *Store) exec(ctx context.Context, db dbx.Builder, stmt string, params dbx.Params) (int64, error) {
	res, err := s.query(ctx, db, stmt, params).Execute()
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func newID() string {
	return security.RandomStringWithAlphabet(idLength, idAlphabet)
}

// formatTime renders t in the layout PocketBase uses for date columns, which
// keeps lexical and chronological order identical.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(types.DefaultDateLayout)
}

// classify maps driver errors onto the status taxonomy. Status sentinels
// pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		status.ErrNotFound, status.ErrQuotaExhausted, status.ErrAlreadyUsed,
		status.ErrLockConflict, status.ErrNotHolder, status.ErrLeaseInvalid,
		status.ErrTransientConflict, status.ErrCodeCollision,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", status.ErrCodeCollision, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "SQLITE_BUSY"),
		strings.Contains(msg, "database table is locked"):
		return fmt.Errorf("%w: %v", status.ErrTransientConflict, err)
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
