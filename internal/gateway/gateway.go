// Package gateway talks to the third-party payment provider.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Client is the payment provider surface used by the transaction service
type Client interface {
	Initialize(ctx context.Context, req InitializeRequest) (*InitializeResponse, error)
	Verify(ctx context.Context, txRef string) (*VerifyResponse, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResponse, error)
}

const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusPending   = "pending"
)

type InitializeRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Email       string          `json:"email"`
	FirstName   string          `json:"first_name,omitempty"`
	LastName    string          `json:"last_name,omitempty"`
	TxRef       string          `json:"tx_ref"`
	CallbackURL string          `json:"callback_url,omitempty"`
	ReturnURL   string          `json:"return_url,omitempty"`
}

type InitializeResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

// VerifyResponse is the provider's view of a deposit. Reference is the
// provider's own transaction id, TxRef is ours.
type VerifyResponse struct {
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Reference string          `json:"reference"`
	TxRef     string          `json:"tx_ref"`
}

type TransferRequest struct {
	AccountName   string          `json:"account_name"`
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reference     string          `json:"reference"`
	BankCode      string          `json:"bank_code,omitempty"`
}

type TransferResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Reference string `json:"reference,omitempty"`
}

func (r *TransferResponse) Succeeded() bool {
	return r != nil && strings.EqualFold(r.Status, StatusSuccess)
}

// Error is returned for every failed provider call: transport failures,
// timeouts, non-2xx responses and bodies that cannot be decoded.
type Error struct {
	Op         string
	StatusCode int
	Timeout    bool
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gateway %s failed", e.Op)
	if e.Timeout {
		b.WriteString(": timeout")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}
