package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles. Admins may run operator actions (top-ups, cancellation).
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account is the balance-holding identity charged for work. Balance is a cache
// of the sum of the account's ledger entries and is only mutated by the ledger.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Balance      int64     `json:"balance"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
