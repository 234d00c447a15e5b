package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	// Deposit represents money coming in through the payment gateway
	Deposit TransactionType = "deposit"

	// Withdrawal represents a payout to an owner's bank or mobile money account
	Withdrawal TransactionType = "withdrawal"
)

type TransactionStatus string

const (
	// Initiated is written before any call to the gateway.
	Initiated TransactionStatus = "initiated"

	// Pending indicates the gateway acknowledged the deposit and we are waiting for confirmation.
	Pending TransactionStatus = "pending"

	// Success indicates a verified deposit whose amount was credited.
	Success TransactionStatus = "success"

	// Failed indicates the deposit could not be initiated or was declined.
	Failed TransactionStatus = "failed"

	// Completed indicates a withdrawal confirmed by the gateway.
	Completed TransactionStatus = "completed"
)

// IsOpen reports whether a deposit can still change state.
func (s TransactionStatus) IsOpen() bool {
	return s == Initiated || s == Pending
}

type PaymentMethod string

const (
	Bank        PaymentMethod = "bank"
	MobileMoney PaymentMethod = "mobile_money"
)

// StatusEntry is one element of a transaction's append-only status history.
type StatusEntry struct {
	Status    TransactionStatus `json:"status" bson:"status"`
	Timestamp time.Time         `json:"timestamp" bson:"timestamp"`
	Detail    string            `json:"detail,omitempty" bson:"detail,omitempty"`
}

// Transaction represents one money movement attempt
type Transaction struct {
	ID                   string            `json:"id"`
	Type                 TransactionType   `json:"type"`
	Amount               decimal.Decimal   `json:"amount"`
	Currency             string            `json:"currency"`
	Reference            string            `json:"reference"`
	UserEmail            string            `json:"userEmail"`
	AccountNumber        string            `json:"account_number"`
	AccountName          string            `json:"account_name"`
	BankCode             *string           `json:"bank_code"`
	PaymentMethod        PaymentMethod     `json:"payment_method"`
	Status               TransactionStatus `json:"status"`
	PaymentStatusHistory []StatusEntry     `json:"payment_status_history"`
	CheckoutURL          string            `json:"checkout_url,omitempty"`
	ProviderReference    string            `json:"provider_reference,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// LastEntry returns the most recent history entry, or the zero value for an empty history.
func (t *Transaction) LastEntry() StatusEntry {
	if len(t.PaymentStatusHistory) == 0 {
		return StatusEntry{}
	}
	return t.PaymentStatusHistory[len(t.PaymentStatusHistory)-1]
}

// StatusUpdate describes one history append plus the gateway fields that may change with it.
type StatusUpdate struct {
	Entry             StatusEntry
	CheckoutURL       string
	ProviderReference string
}

// DepositRequest is what an owner sends to start a deposit
type DepositRequest struct {
	Amount        decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Currency      string          `json:"currency" validate:"required,currency"`
	Email         string          `json:"email" validate:"omitempty,email"`
	FirstName     string          `json:"first_name" validate:"omitempty,max=100"`
	LastName      string          `json:"last_name" validate:"omitempty,max=100"`
	AccountNumber string          `json:"account_number" validate:"required"`
	AccountName   string          `json:"account_name" validate:"required,max=150"`
	BankCode      *string         `json:"bank_code" validate:"omitempty,max=20"`
	PaymentMethod PaymentMethod   `json:"payment_method" validate:"required,oneof=bank mobile_money"`
	Reference     string          `json:"reference" validate:"required,reference"`
	CallbackURL   string          `json:"callback_url" validate:"omitempty,url"`
	ReturnURL     string          `json:"return_url" validate:"omitempty,url"`
}

// WithdrawalRequest is what an owner sends to pay out part of their balance
type WithdrawalRequest struct {
	Amount        decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Currency      string          `json:"currency" validate:"required,currency"`
	Email         string          `json:"email" validate:"omitempty,email"`
	AccountNumber string          `json:"account_number" validate:"required"`
	AccountName   string          `json:"account_name" validate:"required,max=150"`
	BankCode      *string         `json:"bank_code" validate:"omitempty,max=20"`
	PaymentMethod PaymentMethod   `json:"payment_method" validate:"required,oneof=bank mobile_money"`
	Reference     string          `json:"reference" validate:"required,reference"`
}

// CallbackRequest is the body of a gateway webhook or a client verification poll.
// In gateway webhooks "reference" is the provider's id, so tx_ref wins.
type CallbackRequest struct {
	TxRef     string `json:"tx_ref"`
	TrxRef    string `json:"trx_ref"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// Ref returns our transaction reference from whichever field was filled in.
func (c CallbackRequest) Ref() string {
	switch {
	case c.TxRef != "":
		return c.TxRef
	case c.TrxRef != "":
		return c.TrxRef
	}
	return c.Reference
}

type DepositResponse struct {
	CheckoutURL string            `json:"checkout_url"`
	Reference   string            `json:"reference"`
	Status      TransactionStatus `json:"status"`
}

type CallbackResponse struct {
	Reference string            `json:"reference"`
	Status    TransactionStatus `json:"status"`
	Credited  bool              `json:"credited"`
}

type WithdrawalResponse struct {
	Success    bool            `json:"success"`
	Reference  string          `json:"reference"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// TransactionResponse is the snapshot returned by GET /transactions/{reference}
type TransactionResponse struct {
	*Transaction
	Verified bool `json:"verified"`
}
