package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/abkawan/venue-payments/internal/auth"
	"github.com/abkawan/venue-payments/internal/db"
	"github.com/abkawan/venue-payments/internal/gateway"
	"github.com/abkawan/venue-payments/internal/lock"
	"github.com/abkawan/venue-payments/internal/models"
	"github.com/abkawan/venue-payments/internal/validator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const ownerEmail = "owner@venue.et"

var (
	ownerIdentity = auth.Identity{Email: ownerEmail, Role: models.RoleOwner}
	adminIdentity = auth.Identity{Email: "admin@venue.et", Role: models.RoleAdmin}
)

type fakeGateway struct {
	mu sync.Mutex

	initErr      error
	verify       map[string]*gateway.VerifyResponse
	verifyErr    error
	transferResp *gateway.TransferResponse
	transferErr  error

	initCalls     int
	verifyCalls   int
	transferCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		verify:       make(map[string]*gateway.VerifyResponse),
		transferResp: &gateway.TransferResponse{Status: gateway.StatusSuccess, Message: "Transfer Queued Successfully", Reference: "TRF-1"},
	}
}

func (f *fakeGateway) Initialize(ctx context.Context, req gateway.InitializeRequest) (*gateway.InitializeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &gateway.InitializeResponse{CheckoutURL: "https://checkout.test/" + req.TxRef}, nil
}

func (f *fakeGateway) Verify(ctx context.Context, txRef string) (*gateway.VerifyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if v, ok := f.verify[txRef]; ok {
		cp := *v
		return &cp, nil
	}
	return &gateway.VerifyResponse{Status: gateway.StatusPending, TxRef: txRef}, nil
}

func (f *fakeGateway) Transfer(ctx context.Context, req gateway.TransferRequest) (*gateway.TransferResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferCalls++
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	return f.transferResp, nil
}

func (f *fakeGateway) setVerify(ref, status string, amount int64, currency string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verify[ref] = &gateway.VerifyResponse{
		Status:    status,
		Amount:    decimal.NewFromInt(amount),
		Currency:  currency,
		Reference: "chapa-" + ref,
		TxRef:     ref,
	}
}

func (f *fakeGateway) setVerifyErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyErr = err
}

func (f *fakeGateway) calls() (initialize, verify, transfer int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.verifyCalls, f.transferCalls
}

type fakePublisher struct {
	mu   sync.Mutex
	jobs []models.VerificationJob
	err  error
}

func (p *fakePublisher) PublishVerification(ctx context.Context, job models.VerificationJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

type chanConsumer chan models.VerificationJob

func (c chanConsumer) ConsumeVerifications(ctx context.Context) (<-chan models.VerificationJob, error) {
	return c, nil
}

// flakyStore fails CommitWithdrawal a fixed number of times. When commitThenFail
// is set the first failing call still commits, like a lost acknowledgement.
type flakyStore struct {
	*db.Memory
	mu             sync.Mutex
	failures       int
	commitThenFail bool
	commitCalls    int
}

func (s *flakyStore) CommitWithdrawal(ctx context.Context, tx *models.Transaction) (decimal.Decimal, error) {
	s.mu.Lock()
	s.commitCalls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	if !fail {
		return s.Memory.CommitWithdrawal(ctx, tx)
	}
	if s.commitThenFail {
		if _, err := s.Memory.CommitWithdrawal(ctx, tx); err != nil {
			return decimal.Zero, err
		}
	}
	return decimal.Zero, errors.New("write concern timeout")
}

type harness struct {
	svc      *TransactionService
	accounts *AccountService
	store    *db.Memory
	owners   *db.MemoryOwners
	gw       *fakeGateway
}

func newHarness(t *testing.T, opts Options) *harness {
	return newHarnessWithStore(t, db.NewMemory(), nil, opts)
}

func newHarnessWithStore(t *testing.T, mem *db.Memory, store LedgerStore, opts Options) *harness {
	t.Helper()
	if store == nil {
		store = mem
	}

	owners := db.NewMemoryOwners(
		&models.Owner{Email: ownerEmail, Name: "Venue Owner", Role: models.RoleOwner},
		&models.Owner{Email: "other@venue.et", Role: models.RoleOwner},
		&models.Owner{Email: "waiting@venue.et", Role: models.RoleOwner, Pending: true},
	)
	gw := newFakeGateway()
	opts.CommitBackoff = time.Millisecond
	opts.LockWait = 5 * time.Second

	return &harness{
		svc:      NewTransactionService(store, owners, gw, lock.NewLocal(), validator.New([]string{"ETB", "USD"}), opts),
		accounts: NewAccountService(store, owners),
		store:    mem,
		owners:   owners,
		gw:       gw,
	}
}

func (h *harness) balance(t *testing.T, email string) decimal.Decimal {
	t.Helper()
	res, err := h.accounts.GetBalance(context.Background(), email)
	require.NoError(t, err)
	return res.TotalAmount
}

func (h *harness) transaction(t *testing.T, ref string) *models.Transaction {
	t.Helper()
	tx, err := h.store.GetTransactionByReference(context.Background(), ref)
	require.NoError(t, err)
	return tx
}

func depositRequest(ref string, amount int64) *models.DepositRequest {
	return &models.DepositRequest{
		Amount:        decimal.NewFromInt(amount),
		Currency:      "ETB",
		AccountNumber: "0911223344",
		AccountName:   "Venue Owner",
		PaymentMethod: models.MobileMoney,
		Reference:     ref,
	}
}

func withdrawalRequest(ref string, amount int64) *models.WithdrawalRequest {
	code := "855"
	return &models.WithdrawalRequest{
		Amount:        decimal.NewFromInt(amount),
		Currency:      "ETB",
		AccountNumber: "1000123456789",
		AccountName:   "Venue Owner",
		BankCode:      &code,
		PaymentMethod: models.Bank,
		Reference:     ref,
	}
}

func requireHistoryConsistent(t *testing.T, tx *models.Transaction) {
	t.Helper()
	require.NotEmpty(t, tx.PaymentStatusHistory)
	require.Equal(t, tx.Status, tx.LastEntry().Status)
}
