package service

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrDuplicateTransaction = errors.New("a transaction with this reference already exists")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrOwnerNotFound        = errors.New("owner not found")
	ErrOwnerPending         = errors.New("owner account is awaiting approval")
	ErrForbidden            = errors.New("not allowed to act on another owner's account")
	ErrWithdrawalLimit      = errors.New("owner has already withdrawn")

	// ErrGateway means the provider was unreachable, timed out or refused the
	// call. The caller may retry.
	ErrGateway = errors.New("payment gateway error")

	// ErrPayoutRejected means the provider answered and declined the payout
	ErrPayoutRejected = errors.New("payout rejected by payment gateway")

	// ErrInconsistentState means money moved at the provider but the ledger
	// could not record it. Needs manual reconciliation.
	ErrInconsistentState = errors.New("ledger is inconsistent with the payment gateway")

	// ErrBusy means another request holds the reference or owner lock
	ErrBusy = errors.New("another request for this reference or owner is in progress")
)

// ValidationError carries field-level problems with a request
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}
