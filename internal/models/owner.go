package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
	RoleUser  = "user"
)

// Owner is a cinema/venue owner's identity record.
// HasWithdrawn and TotalBalance belong to the legacy single-withdrawal policy.
type Owner struct {
	Email        string          `json:"email" db:"email"`
	Name         string          `json:"name" db:"name"`
	Role         string          `json:"role" db:"role"`
	Pending      bool            `json:"pending" db:"pending"`
	HasWithdrawn bool            `json:"hasWithdrawn" db:"has_withdrawn"`
	TotalBalance decimal.Decimal `json:"totalBalance" db:"total_balance"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// NormalizeEmail is the form owner emails are stored and looked up in.
// Bearer identities are lowercased the same way.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
