package db

import "errors"

var (
	// ErrDuplicateReference is returned when a transaction with the same reference already exists
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	// ErrInsufficientFunds is returned when a debit would take an owner below zero
	ErrInsufficientFunds = errors.New("insufficient funds")

	ErrTransactionNotFound = errors.New("transaction not found")
	ErrOwnerNotFound       = errors.New("owner not found")
)
