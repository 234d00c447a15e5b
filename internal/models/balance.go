package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is one ownerAmount record. An owner may have several; readers sum them.
type Balance struct {
	ID          string          `json:"id"`
	OwnerEmail  string          `json:"ownerEmail"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SumBalances aggregates every record that belongs to one owner.
func SumBalances(balances []*Balance) decimal.Decimal {
	total := decimal.Zero
	for _, b := range balances {
		total = total.Add(b.TotalAmount)
	}
	return total
}

type BalanceResponse struct {
	OwnerEmail  string          `json:"owner_email"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}
