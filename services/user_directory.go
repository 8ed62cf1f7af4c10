package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pocketbase/pocketbase/core"
)

// UserDirectory resolves a requester id to a contact email. An unknown user
// or a user without email resolves to "".
type UserDirectory interface {
	ResolveEmail(ctx context.Context, userID string) (string, error)
}

type PocketBaseUsers struct {
	app        core.App
	collection string
}

func NewPocketBaseUsers(app core.App, collection string) *PocketBaseUsers {
	if collection == "" {
		collection = "users"
	}
	return &PocketBaseUsers{app: app, collection: collection}
}

func (d *PocketBaseUsers) ResolveEmail(_ context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}

	record, err := d.app.FindRecordById(d.collection, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve email for %s: %w", userID, err)
	}
	return record.Email(), nil
}
