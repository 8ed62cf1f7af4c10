package services

import (
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"voucher-system/internal/status"
)

// Record ids are PocketBase default ids.
var recordIDPattern = regexp.MustCompile(`^[a-z0-9]{15}$`)

func validateID(field, id string) error {
	if err := validation.Validate(id,
		validation.Required,
		validation.Match(recordIDPattern).Error("must be a 15 character lowercase alphanumeric id"),
	); err != nil {
		return fmt.Errorf("%w: %s %v", status.ErrInvalidInput, field, err)
	}
	return nil
}

func validateActor(field, id string) error {
	if err := validation.Validate(id, validation.Required, validation.Length(1, 64)); err != nil {
		return fmt.Errorf("%w: %s %v", status.ErrInvalidInput, field, err)
	}
	return nil
}
