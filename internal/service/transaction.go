package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abkawan/venue-payments/internal/auth"
	"github.com/abkawan/venue-payments/internal/db"
	"github.com/abkawan/venue-payments/internal/gateway"
	"github.com/abkawan/venue-payments/internal/lock"
	"github.com/abkawan/venue-payments/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// LedgerStore persists transactions and owner balances
type LedgerStore interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	ListTransactionsByOwner(ctx context.Context, email string, limit, offset int) ([]*models.Transaction, error)
	ListTransactionsByStatus(ctx context.Context, statuses []models.TransactionStatus, before time.Time, limit int) ([]*models.Transaction, error)
	AppendStatus(ctx context.Context, reference string, upd models.StatusUpdate) (*models.Transaction, error)
	SettleDeposit(ctx context.Context, reference string, upd models.StatusUpdate) (*models.Transaction, bool, error)
	CommitWithdrawal(ctx context.Context, tx *models.Transaction) (decimal.Decimal, error)
	BalancesByOwner(ctx context.Context, email string) ([]*models.Balance, error)
}

// OwnerDirectory looks up venue owners
type OwnerDirectory interface {
	GetOwner(ctx context.Context, email string) (*models.Owner, error)
	MarkWithdrawn(ctx context.Context, email string) error
}

type RequestValidator interface {
	Validate(s interface{}) map[string]string
}

type Options struct {
	CallbackURL string
	ReturnURL   string

	// legacy policy: an owner may withdraw only once
	SingleWithdrawalPolicy bool

	// GatewayTimeout is the longest a single gateway call may take
	GatewayTimeout time.Duration
	// LockWait bounds how long a request queues behind another holder
	LockWait time.Duration
	// LockTTL is raised to LockHold when set lower
	LockTTL time.Duration

	// DepositExpiry is how long an open deposit waits for payment before it fails
	DepositExpiry time.Duration

	CommitAttempts int
	CommitBackoff  time.Duration
}

// time allowed for the store writes made while locks are held
const commitMargin = 15 * time.Second

func (o Options) withDefaults() Options {
	if o.GatewayTimeout <= 0 {
		o.GatewayTimeout = 15 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 30 * time.Second
	}
	if o.LockTTL < o.LockHold() {
		o.LockTTL = o.LockHold()
	}
	if o.DepositExpiry <= 0 {
		o.DepositExpiry = 24 * time.Hour
	}
	if o.CommitAttempts <= 0 {
		o.CommitAttempts = 3
	}
	if o.CommitBackoff <= 0 {
		o.CommitBackoff = 100 * time.Millisecond
	}
	return o
}

// LockHold is the longest a reference lock is held: the wait for the owner
// lock, one gateway call and the commit.
func (o Options) LockHold() time.Duration {
	return o.LockWait + o.GatewayTimeout + commitMargin
}

// RequestBudget is the longest a request can run: both lock waits plus the
// work done under them. Server write timeouts must exceed it.
func (o Options) RequestBudget() time.Duration {
	o = o.withDefaults()
	return o.LockWait + o.LockHold()
}

// TransactionService moves money between owners and the payment gateway
type TransactionService struct {
	store     LedgerStore
	owners    OwnerDirectory
	gateway   gateway.Client
	locker    lock.Locker
	validator RequestValidator
	opts      Options
}

// creates a new TransactionService
func NewTransactionService(store LedgerStore, owners OwnerDirectory, gw gateway.Client, locker lock.Locker, validator RequestValidator, opts Options) *TransactionService {
	return &TransactionService{
		store:     store,
		owners:    owners,
		gateway:   gw,
		locker:    locker,
		validator: validator,
		opts:      opts.withDefaults(),
	}
}

// InitiateDeposit records the deposit and opens a hosted checkout for it
func (s *TransactionService) InitiateDeposit(ctx context.Context, identity auth.Identity, req *models.DepositRequest) (*models.DepositResponse, error) {
	if fields := s.validator.Validate(req); len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	owner, err := s.authorizeOwner(ctx, identity, req.Email)
	if err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, lock.RefKey(req.Reference))
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := s.store.GetTransactionByReference(ctx, req.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing transaction: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateTransaction
	}

	now := time.Now().UTC()
	tx := &models.Transaction{
		Type:          models.Deposit,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Reference:     req.Reference,
		UserEmail:     owner.Email,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
		BankCode:      req.BankCode,
		PaymentMethod: req.PaymentMethod,
		Status:        models.Initiated,
		PaymentStatusHistory: []models.StatusEntry{
			{Status: models.Initiated, Timestamp: now, Detail: "initiation started"},
		},
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, db.ErrDuplicateReference) {
			return nil, ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = s.opts.CallbackURL
	}
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = s.opts.ReturnURL
	}

	checkout, err := s.gateway.Initialize(ctx, gateway.InitializeRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Email:       owner.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		TxRef:       req.Reference,
		CallbackURL: callbackURL,
		ReturnURL:   returnURL,
	})
	if err != nil {
		log.Warn().Err(err).Str("reference", tx.Reference).Str("owner_email", tx.UserEmail).Msg("deposit initialization failed")
		s.recordStatus(ctx, tx.Reference, models.StatusUpdate{
			Entry: models.StatusEntry{Status: models.Failed, Detail: err.Error()},
		})
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	if _, err := s.store.AppendStatus(ctx, tx.Reference, models.StatusUpdate{
		Entry:       models.StatusEntry{Status: models.Pending, Detail: "checkout created"},
		CheckoutURL: checkout.CheckoutURL,
	}); err != nil {
		// the reconciler picks the initiated record up and verifies it
		return nil, fmt.Errorf("failed to record pending deposit: %w", err)
	}

	log.Info().Str("reference", tx.Reference).Str("owner_email", tx.UserEmail).Str("amount", tx.Amount.String()).Msg("deposit initiated")

	return &models.DepositResponse{
		CheckoutURL: checkout.CheckoutURL,
		Reference:   tx.Reference,
		Status:      models.Pending,
	}, nil
}

// HandleDepositCallback re-verifies a deposit with the gateway and credits
// the owner exactly once when it succeeded. reportedStatus is only a hint.
func (s *TransactionService) HandleDepositCallback(ctx context.Context, reference, reportedStatus string) (*models.CallbackResponse, error) {
	return s.handleDeposit(ctx, reference, reportedStatus, false)
}

func (s *TransactionService) handleDeposit(ctx context.Context, reference, reportedStatus string, requeued bool) (*models.CallbackResponse, error) {
	if reference == "" {
		return nil, invalid("reference", "This field is required")
	}

	release, err := s.acquire(ctx, lock.RefKey(reference))
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := s.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if tx == nil {
		return nil, ErrTransactionNotFound
	}
	if tx.Type != models.Deposit {
		return nil, invalid("reference", "Not a deposit")
	}

	return s.verifyDeposit(ctx, tx, reportedStatus, requeued)
}

// verifyDeposit must be called with the reference lock held
func (s *TransactionService) verifyDeposit(ctx context.Context, tx *models.Transaction, reportedStatus string, requeued bool) (*models.CallbackResponse, error) {
	logger := log.With().Str("reference", tx.Reference).Str("owner_email", tx.UserEmail).Logger()

	verified, err := s.gateway.Verify(ctx, tx.Reference)
	if err != nil {
		logger.Warn().Err(err).Msg("deposit verification failed")
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	status, detail := verificationOutcome(tx, verified)
	if reportedStatus != "" && !strings.EqualFold(reportedStatus, verified.Status) {
		logger.Warn().Str("reported_status", reportedStatus).Str("verified_status", verified.Status).Msg("reported status disagrees with gateway")
	}

	switch status {
	case models.Success:
		releaseOwner, err := s.acquire(ctx, lock.OwnerKey(tx.UserEmail))
		if err != nil {
			return nil, err
		}
		defer releaseOwner()

		_, credited, err := s.store.SettleDeposit(ctx, tx.Reference, models.StatusUpdate{
			Entry:             models.StatusEntry{Status: models.Success, Detail: detail},
			ProviderReference: verified.Reference,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to settle deposit: %w", err)
		}
		if !credited {
			if _, err := s.store.AppendStatus(ctx, tx.Reference, models.StatusUpdate{
				Entry: models.StatusEntry{Status: models.Success, Detail: "already settled"},
			}); err != nil {
				return nil, fmt.Errorf("failed to record repeated verification: %w", err)
			}
		}

		logger.Info().Bool("credited", credited).Str("amount", tx.Amount.String()).Msg("deposit verified")
		return &models.CallbackResponse{Reference: tx.Reference, Status: models.Success, Credited: credited}, nil

	default:
		switch {
		case tx.Status == models.Success:
			// settled deposits are never downgraded
			logger.Error().Bool("reconciliation_alert", true).Str("verified_status", verified.Status).Str("detail", detail).
				Msg("gateway reports a settled deposit as not successful")
			status, detail = models.Success, fmt.Sprintf("gateway later reported %q: %s", verified.Status, detail)
		case status == models.Pending && tx.Status == models.Failed:
			status, detail = models.Failed, fmt.Sprintf("gateway reports %q: %s", verified.Status, detail)
		case status == models.Pending && time.Since(tx.CreatedAt) > s.opts.DepositExpiry:
			status, detail = models.Failed, "checkout expired"
		}

		if requeued && status == tx.Status && status.IsOpen() {
			// nothing new to record for a background re-check
			return &models.CallbackResponse{Reference: tx.Reference, Status: status}, nil
		}

		if _, err := s.store.AppendStatus(ctx, tx.Reference, models.StatusUpdate{
			Entry:             models.StatusEntry{Status: status, Detail: detail},
			ProviderReference: verified.Reference,
		}); err != nil {
			return nil, fmt.Errorf("failed to record verification: %w", err)
		}

		logger.Info().Str("status", string(status)).Msg("deposit verified")
		return &models.CallbackResponse{Reference: tx.Reference, Status: status}, nil
	}
}

func verificationOutcome(tx *models.Transaction, v *gateway.VerifyResponse) (models.TransactionStatus, string) {
	switch strings.ToLower(v.Status) {
	case gateway.StatusSuccess:
		if v.TxRef != "" && v.TxRef != tx.Reference {
			return models.Failed, fmt.Sprintf("reference mismatch: gateway reported %s", v.TxRef)
		}
		if !v.Amount.Equal(tx.Amount) || !strings.EqualFold(v.Currency, tx.Currency) {
			return models.Failed, fmt.Sprintf("amount mismatch: gateway reported %s %s", v.Amount, v.Currency)
		}
		return models.Success, "payment verified"
	case gateway.StatusFailed, gateway.StatusCancelled:
		return models.Failed, "payment " + strings.ToLower(v.Status)
	default:
		return models.Pending, "awaiting payment confirmation"
	}
}

// GetTransaction returns the caller's transaction, re-verifying deposits
// that are still open. A gateway failure does not fail the read.
func (s *TransactionService) GetTransaction(ctx context.Context, identity auth.Identity, reference string) (*models.TransactionResponse, error) {
	tx, err := s.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if tx == nil {
		return nil, ErrTransactionNotFound
	}
	if !identity.IsAdmin() && !strings.EqualFold(tx.UserEmail, identity.Email) {
		return nil, ErrForbidden
	}

	if tx.Type != models.Deposit || !tx.Status.IsOpen() {
		return &models.TransactionResponse{Transaction: tx, Verified: true}, nil
	}

	release, err := s.acquire(ctx, lock.RefKey(reference))
	if err != nil {
		log.Warn().Err(err).Str("reference", reference).Msg("returning unverified snapshot")
		return &models.TransactionResponse{Transaction: tx}, nil
	}
	defer release()

	// reload, a callback may have landed while we waited
	if current, err := s.store.GetTransactionByReference(ctx, reference); err == nil && current != nil {
		tx = current
	}
	if !tx.Status.IsOpen() {
		return &models.TransactionResponse{Transaction: tx, Verified: true}, nil
	}

	if _, err := s.verifyDeposit(ctx, tx, "", false); err != nil {
		log.Warn().Err(err).Str("reference", reference).Msg("returning unverified snapshot")
		return &models.TransactionResponse{Transaction: tx}, nil
	}

	current, err := s.store.GetTransactionByReference(ctx, reference)
	if err != nil || current == nil {
		return &models.TransactionResponse{Transaction: tx}, nil
	}
	return &models.TransactionResponse{Transaction: current, Verified: true}, nil
}

// Withdraw pays out part of the caller's balance. Nothing is recorded unless
// the gateway accepts the payout; after that the debit and the completed
// transaction are written together.
func (s *TransactionService) Withdraw(ctx context.Context, identity auth.Identity, req *models.WithdrawalRequest) (*models.WithdrawalResponse, error) {
	if fields := s.validator.Validate(req); len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	owner, err := s.authorizeOwner(ctx, identity, req.Email)
	if err != nil {
		return nil, err
	}
	if s.opts.SingleWithdrawalPolicy && owner.HasWithdrawn {
		return nil, ErrWithdrawalLimit
	}

	// same order as deposit settlement: reference, then owner
	releaseRef, err := s.acquire(ctx, lock.RefKey(req.Reference))
	if err != nil {
		return nil, err
	}
	defer releaseRef()

	releaseOwner, err := s.acquire(ctx, lock.OwnerKey(owner.Email))
	if err != nil {
		return nil, err
	}
	defer releaseOwner()

	existing, err := s.store.GetTransactionByReference(ctx, req.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing transaction: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateTransaction
	}

	balances, err := s.store.BalancesByOwner(ctx, owner.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if req.Amount.GreaterThan(models.SumBalances(balances)) {
		return nil, ErrInsufficientFunds
	}

	logger := log.With().Str("reference", req.Reference).Str("owner_email", owner.Email).Str("amount", req.Amount.String()).Logger()

	bankCode := ""
	if req.BankCode != nil {
		bankCode = *req.BankCode
	}
	payout, err := s.gateway.Transfer(ctx, gateway.TransferRequest{
		AccountName:   req.AccountName,
		AccountNumber: req.AccountNumber,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Reference:     req.Reference,
		BankCode:      bankCode,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("payout failed")
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}
	if !payout.Succeeded() {
		logger.Warn().Str("gateway_status", payout.Status).Str("gateway_message", payout.Message).Msg("payout rejected")
		return nil, fmt.Errorf("%w: %s", ErrPayoutRejected, payout.Message)
	}

	detail := "payout accepted"
	if payout.Message != "" {
		detail += ": " + payout.Message
	}
	tx := &models.Transaction{
		Type:              models.Withdrawal,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Reference:         req.Reference,
		UserEmail:         owner.Email,
		AccountNumber:     req.AccountNumber,
		AccountName:       req.AccountName,
		BankCode:          req.BankCode,
		PaymentMethod:     req.PaymentMethod,
		Status:            models.Completed,
		ProviderReference: payout.Reference,
		PaymentStatusHistory: []models.StatusEntry{
			{Status: models.Completed, Timestamp: time.Now().UTC(), Detail: detail},
		},
	}

	newBalance, err := s.commitWithdrawal(context.WithoutCancel(ctx), tx)
	if err != nil {
		logger.Error().Err(err).Bool("reconciliation_alert", true).Str("provider_reference", payout.Reference).
			Msg("payout sent but withdrawal could not be recorded")
		return nil, fmt.Errorf("%w: %w", ErrInconsistentState, err)
	}

	if s.opts.SingleWithdrawalPolicy {
		if err := s.owners.MarkWithdrawn(ctx, owner.Email); err != nil {
			logger.Error().Err(err).Msg("failed to mark owner as withdrawn")
		}
	}

	logger.Info().Str("new_balance", newBalance.String()).Msg("withdrawal completed")

	return &models.WithdrawalResponse{
		Success:    true,
		Reference:  tx.Reference,
		NewBalance: newBalance,
	}, nil
}

// commitWithdrawal retries the atomic debit. A retry that finds the reference
// already stored means an earlier attempt committed.
func (s *TransactionService) commitWithdrawal(ctx context.Context, tx *models.Transaction) (decimal.Decimal, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.CommitAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * s.opts.CommitBackoff)

			existing, err := s.store.GetTransactionByReference(ctx, tx.Reference)
			if err == nil && existing != nil {
				return s.balanceOf(ctx, tx.UserEmail)
			}
		}

		newBalance, err := s.store.CommitWithdrawal(ctx, tx)
		if err == nil {
			return newBalance, nil
		}
		if errors.Is(err, db.ErrDuplicateReference) && attempt > 1 {
			return s.balanceOf(ctx, tx.UserEmail)
		}

		log.Warn().Err(err).Str("reference", tx.Reference).Int("attempt", attempt).Msg("withdrawal commit failed")
		lastErr = err
	}
	return decimal.Zero, lastErr
}

func (s *TransactionService) balanceOf(ctx context.Context, email string) (decimal.Decimal, error) {
	balances, err := s.store.BalancesByOwner(ctx, email)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return models.SumBalances(balances), nil
}

// authorizeOwner resolves the caller to an approved owner. A body email that
// names someone else is rejected.
func (s *TransactionService) authorizeOwner(ctx context.Context, identity auth.Identity, bodyEmail string) (*models.Owner, error) {
	if identity.Email == "" {
		return nil, ErrForbidden
	}
	if bodyEmail != "" && !strings.EqualFold(bodyEmail, identity.Email) {
		return nil, ErrForbidden
	}

	owner, err := s.owners.GetOwner(ctx, identity.Email)
	if err != nil {
		if errors.Is(err, db.ErrOwnerNotFound) {
			return nil, ErrOwnerNotFound
		}
		return nil, fmt.Errorf("failed to get owner: %w", err)
	}
	if owner.Pending {
		return nil, ErrOwnerPending
	}
	return owner, nil
}

func (s *TransactionService) acquire(ctx context.Context, key string) (lock.Release, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.LockWait)
	defer cancel()

	release, err := s.locker.Acquire(waitCtx, key, s.opts.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return release, nil
}

// recordStatus appends a history entry even if the request context is gone
func (s *TransactionService) recordStatus(ctx context.Context, reference string, upd models.StatusUpdate) {
	if _, err := s.store.AppendStatus(context.WithoutCancel(ctx), reference, upd); err != nil {
		log.Error().Err(err).Str("reference", reference).Str("status", string(upd.Entry.Status)).Msg("failed to record transaction status")
	}
}
