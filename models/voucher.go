package models

import (
	"time"
)

type Voucher struct {
	ID        string    `db:"id" json:"id"`
	EventID   string    `db:"event" json:"event_id"`
	Code      string    `db:"code" json:"code"`
	IssuedTo  string    `db:"issued_to" json:"issued_to"`
	IsUsed    bool      `db:"is_used" json:"is_used"`
	CreatedAt time.Time `db:"-" json:"created_at"`
	UpdatedAt time.Time `db:"-" json:"updated_at"`
}
