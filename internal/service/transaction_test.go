package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/abkawan/venue-payments/internal/auth"
	"github.com/abkawan/venue-payments/internal/db"
	"github.com/abkawan/venue-payments/internal/gateway"
	"github.com/abkawan/venue-payments/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gatewayTimeout = &gateway.Error{Op: "verify", Timeout: true, Err: context.DeadlineExceeded}

func TestInitiateDepositCreatesPendingTransaction(t *testing.T) {
	h := newHarness(t, Options{CallbackURL: "https://api.test/deposits/callback"})

	res, err := h.svc.InitiateDeposit(context.Background(), ownerIdentity, depositRequest("TX1", 100))
	require.NoError(t, err)
	assert.Equal(t, "TX1", res.Reference)
	assert.Equal(t, models.Pending, res.Status)
	assert.Equal(t, "https://checkout.test/TX1", res.CheckoutURL)

	tx := h.transaction(t, "TX1")
	require.NotNil(t, tx)
	requireHistoryConsistent(t, tx)
	require.Len(t, tx.PaymentStatusHistory, 2)
	assert.Equal(t, models.Initiated, tx.PaymentStatusHistory[0].Status)
	assert.Equal(t, "initiation started", tx.PaymentStatusHistory[0].Detail)
	assert.Equal(t, models.Pending, tx.PaymentStatusHistory[1].Status)
	assert.Equal(t, ownerEmail, tx.UserEmail)
	assert.Equal(t, "https://checkout.test/TX1", tx.CheckoutURL)

	assert.True(t, h.balance(t, ownerEmail).IsZero())
}

func TestInitiateDepositRejectsDuplicateReference(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest("TX1", 100))
	require.NoError(t, err)

	_, err = h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest("TX1", 250))
	assert.ErrorIs(t, err, ErrDuplicateTransaction)

	initCalls, _, _ := h.gw.calls()
	assert.Equal(t, 1, initCalls)

	txs, err := h.accounts.ListTransactions(ctx, ownerEmail, 10, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(decimal.NewFromInt(100)))
}

func TestInitiateDepositConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, Options{})

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.InitiateDeposit(context.Background(), ownerIdentity, depositRequest("TX-race", 100))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateTransaction)
	}
	assert.Equal(t, 1, succeeded)

	initCalls, _, _ := h.gw.calls()
	assert.Equal(t, 1, initCalls)
}

func TestInitiateDepositGatewayFailureRecordsFailed(t *testing.T) {
	h := newHarness(t, Options{})
	h.gw.initErr = &gateway.Error{Op: "initialize", StatusCode: 503, Message: "Service Unavailable"}

	_, err := h.svc.InitiateDeposit(context.Background(), ownerIdentity, depositRequest("TX1", 100))
	require.ErrorIs(t, err, ErrGateway)

	var gwErr *gateway.Error
	assert.ErrorAs(t, err, &gwErr)

	tx := h.transaction(t, "TX1")
	require.NotNil(t, tx)
	requireHistoryConsistent(t, tx)
	assert.Equal(t, models.Failed, tx.Status)
	require.Len(t, tx.PaymentStatusHistory, 2)
	assert.Contains(t, tx.LastEntry().Detail, "Service Unavailable")

	// the failed attempt still owns the reference
	_, err = h.svc.InitiateDeposit(context.Background(), ownerIdentity, depositRequest("TX1", 100))
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
}

func TestInitiateDepositRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name     string
		identity auth.Identity
		mutate   func(r *models.DepositRequest)
		wantErr  error
	}{
		{"non-positive amount", ownerIdentity, func(r *models.DepositRequest) { r.Amount = decimal.Zero }, nil},
		{"unknown currency", ownerIdentity, func(r *models.DepositRequest) { r.Currency = "XYZ" }, nil},
		{"someone else's email", ownerIdentity, func(r *models.DepositRequest) { r.Email = "other@venue.et" }, ErrForbidden},
		{"unknown owner", auth.Identity{Email: "ghost@venue.et", Role: models.RoleOwner}, func(r *models.DepositRequest) {}, ErrOwnerNotFound},
		{"pending owner", auth.Identity{Email: "waiting@venue.et", Role: models.RoleOwner}, func(r *models.DepositRequest) {}, ErrOwnerPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			req := depositRequest("TX1", 100)
			tt.mutate(req)

			_, err := h.svc.InitiateDeposit(context.Background(), tt.identity, req)
			if tt.wantErr == nil {
				var vErr *ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.NotEmpty(t, vErr.Fields)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			assert.Nil(t, h.transaction(t, "TX1"))
			initCalls, _, _ := h.gw.calls()
			assert.Zero(t, initCalls)
		})
	}
}

func TestDepositCallbackCreditsOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, err := h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest("TX1", 100))
	require.NoError(t, err)
	h.gw.setVerify("TX1", gateway.StatusSuccess, 100, "ETB")

	res, err := h.svc.HandleDepositCallback(ctx, "TX1", "success")
	require.NoError(t, err)
	assert.Equal(t, models.Success, res.Status)
	assert.True(t, res.Credited)
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(100)))

	before := h.transaction(t, "TX1")

	res, err = h.svc.HandleDepositCallback(ctx, "TX1", "success")
	require.NoError(t, err)
	assert.Equal(t, models.Success, res.Status)
	assert.False(t, res.Credited)
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(100)))

	after := h.transaction(t, "TX1")
	requireHistoryConsistent(t, after)
	assert.Len(t, after.PaymentStatusHistory, len(before.PaymentStatusHistory)+1)
	assert.Equal(t, "already settled", after.LastEntry().Detail)
	assert.Equal(t, "chapa-TX1", after.ProviderReference)
}

func TestConcurrentDepositCallbacksCreditOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, err := h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest("TX1", 100))
	require.NoError(t, err)
	h.gw.setVerify("TX1", gateway.StatusSuccess, 100, "ETB")

	var wg sync.WaitGroup
	var mu sync.Mutex
	credited := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.HandleDepositCallback(ctx, "TX1", "success")
			if !assert.NoError(t, err) {
				return
			}
			if res.Credited {
				mu.Lock()
				credited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, credited)
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(100)))

	tx := h.transaction(t, "TX1")
	requireHistoryConsistent(t, tx)
	assert.Len(t, tx.PaymentStatusHistory, 2+25)
}

func TestDepositCallbackFailsClosedOnVerifyTimeout(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, err := h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest("TX1", 100))
	require.NoError(t, err)
	h.gw.setVerifyErr(gatewayTimeout)

	_, err = h.svc.HandleDepositCallback(ctx, "TX1", "success")
	assert.ErrorIs(t, err, ErrGateway)

	tx := h.transaction(t, "TX1")
	assert.Equal(t, models.Pending, tx.Status)
	assert.Len(t, tx.PaymentStatusHistory, 2)
	assert.True(t, h.balance(t, ownerEmail).IsZero())
}

func TestDepositCallbackOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		reported     string
		verified     string
		amount       int64
		currency     string
		wantStatus   models.TransactionStatus
		wantDetail   string
		wantBalance  int64
		wantCredited bool
	}{
		{"reported success but gateway failed", "success", gateway.StatusFailed, 100, "ETB", models.Failed, "payment failed", 0, false},
		{"cancelled", "", gateway.StatusCancelled, 100, "ETB", models.Failed, "payment cancelled", 0, false},
		{"still pending", "success", "pending", 100, "ETB", models.Pending, "awaiting payment confirmation", 0, false},
		{"amount mismatch", "success", gateway.StatusSuccess, 10, "ETB", models.Failed, "amount mismatch", 0, false},
		{"currency mismatch", "success", gateway.StatusSuccess, 100, "USD", models.Failed, "amount mismatch", 0, false},
		{"success", "", gateway.StatusSuccess, 100, "ETB", models.Success, "payment verified", 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			ctx := context.Background()
			_, err := h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest("TX1", 100))
			require.NoError(t, err)
			h.gw.setVerify("TX1", tt.verified, tt.amount, tt.currency)

			res, err := h.svc.HandleDepositCallback(ctx, "TX1", tt.reported)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantCredited, res.Credited)

			tx := h.transaction(t, "TX1")
			requireHistoryConsistent(t, tx)
			assert.Equal(t, tt.wantStatus, tx.Status)
			assert.Contains(t, tx.LastEntry().Detail, tt.wantDetail)
			assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(tt.wantBalance)))
		})
	}
}

func TestSettledDepositIsNeverDowngraded(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, err := h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest("TX1", 100))
	require.NoError(t, err)
	h.gw.setVerify("TX1", gateway.StatusSuccess, 100, "ETB")
	_, err = h.svc.HandleDepositCallback(ctx, "TX1", "success")
	require.NoError(t, err)

	h.gw.setVerify("TX1", gateway.StatusFailed, 100, "ETB")
	res, err := h.svc.HandleDepositCallback(ctx, "TX1", "failed")
	require.NoError(t, err)
	assert.Equal(t, models.Success, res.Status)

	tx := h.transaction(t, "TX1")
	requireHistoryConsistent(t, tx)
	assert.Equal(t, models.Success, tx.Status)
	assert.Contains(t, tx.LastEntry().Detail, "gateway later reported")
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(100)))
}

func TestDepositCallbackUnknownOrWrongType(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.svc.HandleDepositCallback(ctx, "nope", "success")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = h.svc.HandleDepositCallback(ctx, "", "success")
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)

	h.store.AddBalance(ownerEmail, decimal.NewFromInt(100))
	_, err = h.svc.Withdraw(ctx, ownerIdentity, withdrawalRequest("WD-1", 10))
	require.NoError(t, err)

	_, err = h.svc.HandleDepositCallback(ctx, "WD-1", "success")
	assert.ErrorAs(t, err, &vErr)
	_, verifyCalls, _ := h.gw.calls()
	assert.Zero(t, verifyCalls)
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.store.AddBalance(ownerEmail, decimal.NewFromInt(50))

	_, err := h.svc.Withdraw(ctx, ownerIdentity, withdrawalRequest("TX2", 100))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Nil(t, h.transaction(t, "TX2"))
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(50)))
	_, _, transferCalls := h.gw.calls()
	assert.Zero(t, transferCalls)
}

func TestWithdrawDebitsBalance(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.store.AddBalance(ownerEmail, decimal.NewFromInt(200))

	res, err := h.svc.Withdraw(ctx, ownerIdentity, withdrawalRequest("TX3", 50))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "TX3", res.Reference)
	assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(150)))
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(150)))

	tx := h.transaction(t, "TX3")
	require.NotNil(t, tx)
	requireHistoryConsistent(t, tx)
	assert.Equal(t, models.Withdrawal, tx.Type)
	assert.Equal(t, models.Completed, tx.Status)
	assert.Equal(t, "TRF-1", tx.ProviderReference)

	_, err = h.svc.Withdraw(ctx, ownerIdentity, withdrawalRequest("TX3", 50))
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(150)))
}

func TestWithdrawAggregatesBalanceRecords(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.store.AddBalance(ownerEmail, decimal.NewFromInt(40))
	h.store.AddBalance(ownerEmail, decimal.NewFromInt(40))

	res, err := h.svc.Withdraw(ctx, ownerIdentity, withdrawalRequest("WD-1", 70))
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(10)))

	balances, err := h.store.BalancesByOwner(ctx, ownerEmail)
	require.NoError(t, err)
	for _, b := range balances {
		assert.False(t, b.TotalAmount.IsNegative())
	}
}

func TestWithdrawGatewayFailuresLeaveNoRecord(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(gw *fakeGateway)
		wantErr error
	}{
		{"transport error", func(gw *fakeGateway) { gw.transferErr = &gateway.Error{Op: "transfer", Timeout: true} }, ErrGateway},
		{"rejected", func(gw *fakeGateway) {
			gw.transferResp = &gateway.TransferResponse{Status: gateway.StatusFailed, Message: "Insufficient Balance"}
		}, ErrPayoutRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			ctx := context.Background()
			h.store.AddBalance(ownerEmail, decimal.NewFromInt(200))
			tt.setup(h.gw)

			_, err := h.svc.Withdraw(ctx, ownerIdentity, withdrawalRequest("WD-1", 50))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, h.transaction(t, "WD-1"))
			assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(200)))
		})
	}
}

func TestWithdrawRejectsCrossAccount(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.AddBalance("other@venue.et", decimal.NewFromInt(500))

	req := withdrawalRequest("WD-1", 50)
	req.Email = "other@venue.et"
	_, err := h.svc.Withdraw(context.Background(), ownerIdentity, req)
	assert.ErrorIs(t, err, ErrForbidden)

	assert.True(t, h.balance(t, "other@venue.et").Equal(decimal.NewFromInt(500)))
	_, _, transferCalls := h.gw.calls()
	assert.Zero(t, transferCalls)
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.AddBalance(ownerEmail, decimal.NewFromInt(100))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Withdraw(context.Background(), ownerIdentity, withdrawalRequest(fmt.Sprintf("WD-%d", i), 30))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientFunds)
	}
	assert.Equal(t, 3, succeeded)
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(10)))
}

func TestSingleWithdrawalPolicy(t *testing.T) {
	h := newHarness(t, Options{SingleWithdrawalPolicy: true})
	ctx := context.Background()
	h.store.AddBalance(ownerEmail, decimal.NewFromInt(200))

	_, err := h.svc.Withdraw(ctx, ownerIdentity, withdrawalRequest("WD-1", 50))
	require.NoError(t, err)

	owner, err := h.owners.GetOwner(ctx, ownerEmail)
	require.NoError(t, err)
	assert.True(t, owner.HasWithdrawn)

	_, err = h.svc.Withdraw(ctx, ownerIdentity, withdrawalRequest("WD-2", 50))
	assert.ErrorIs(t, err, ErrWithdrawalLimit)
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(150)))
}

func TestRepeatableWithdrawalsByDefault(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.store.AddBalance(ownerEmail, decimal.NewFromInt(200))

	for i := 0; i < 3; i++ {
		_, err := h.svc.Withdraw(ctx, ownerIdentity, withdrawalRequest(fmt.Sprintf("WD-%d", i), 50))
		require.NoError(t, err)
	}
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(50)))
}

func TestWithdrawCommitRetry(t *testing.T) {
	t.Run("transient failure", func(t *testing.T) {
		mem := db.NewMemory()
		store := &flakyStore{Memory: mem, failures: 1}
		h := newHarnessWithStore(t, mem, store, Options{})
		mem.AddBalance(ownerEmail, decimal.NewFromInt(200))

		res, err := h.svc.Withdraw(context.Background(), ownerIdentity, withdrawalRequest("WD-1", 50))
		require.NoError(t, err)
		assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(150)))
		assert.Equal(t, 2, store.commitCalls)
	})

	t.Run("first attempt landed", func(t *testing.T) {
		mem := db.NewMemory()
		store := &flakyStore{Memory: mem, failures: 1, commitThenFail: true}
		h := newHarnessWithStore(t, mem, store, Options{})
		mem.AddBalance(ownerEmail, decimal.NewFromInt(200))

		res, err := h.svc.Withdraw(context.Background(), ownerIdentity, withdrawalRequest("WD-1", 50))
		require.NoError(t, err)
		assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(150)))
		assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(150)))
		assert.Equal(t, 1, store.commitCalls)
	})

	t.Run("persistent failure", func(t *testing.T) {
		mem := db.NewMemory()
		store := &flakyStore{Memory: mem, failures: 10}
		h := newHarnessWithStore(t, mem, store, Options{})
		mem.AddBalance(ownerEmail, decimal.NewFromInt(200))

		_, err := h.svc.Withdraw(context.Background(), ownerIdentity, withdrawalRequest("WD-1", 50))
		assert.ErrorIs(t, err, ErrInconsistentState)
		assert.Equal(t, 3, store.commitCalls)
		assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(200)))
	})
}

func TestGetTransaction(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, err := h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest("TX1", 100))
	require.NoError(t, err)

	// gateway down: snapshot, unverified, nothing written
	h.gw.setVerifyErr(gatewayTimeout)
	res, err := h.svc.GetTransaction(ctx, ownerIdentity, "TX1")
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, models.Pending, res.Status)
	assert.Len(t, res.PaymentStatusHistory, 2)

	// gateway back: the read settles the deposit
	h.gw.setVerifyErr(nil)
	h.gw.setVerify("TX1", gateway.StatusSuccess, 100, "ETB")
	res, err = h.svc.GetTransaction(ctx, ownerIdentity, "TX1")
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, models.Success, res.Status)
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(100)))

	// settled: no further gateway calls
	_, verifyBefore, _ := h.gw.calls()
	res, err = h.svc.GetTransaction(ctx, adminIdentity, "TX1")
	require.NoError(t, err)
	assert.True(t, res.Verified)
	_, verifyAfter, _ := h.gw.calls()
	assert.Equal(t, verifyBefore, verifyAfter)

	_, err = h.svc.GetTransaction(ctx, auth.Identity{Email: "other@venue.et", Role: models.RoleOwner}, "TX1")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.GetTransaction(ctx, ownerIdentity, "missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestHistoryOnlyGrows(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, err := h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest("TX1", 100))
	require.NoError(t, err)

	steps := []func(){
		func() { h.gw.setVerify("TX1", "pending", 100, "ETB") },
		func() { h.gw.setVerifyErr(gatewayTimeout) },
		func() { h.gw.setVerifyErr(nil); h.gw.setVerify("TX1", gateway.StatusSuccess, 100, "ETB") },
		func() {},
		func() { h.gw.setVerify("TX1", gateway.StatusFailed, 100, "ETB") },
	}

	prev := h.transaction(t, "TX1")
	for _, step := range steps {
		step()
		_, err := h.svc.HandleDepositCallback(ctx, "TX1", "")
		if err != nil {
			require.True(t, errors.Is(err, ErrGateway))
		}

		cur := h.transaction(t, "TX1")
		requireHistoryConsistent(t, cur)
		require.GreaterOrEqual(t, len(cur.PaymentStatusHistory), len(prev.PaymentStatusHistory))
		assert.Equal(t, prev.PaymentStatusHistory, cur.PaymentStatusHistory[:len(prev.PaymentStatusHistory)])
		prev = cur
	}
	assert.Equal(t, models.Success, prev.Status)
}

func TestDepositCreditsRaceWithdrawals(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.store.AddBalance(ownerEmail, decimal.NewFromInt(100))

	for i := 0; i < 5; i++ {
		ref := fmt.Sprintf("DEP-%d", i)
		_, err := h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest(ref, 20))
		require.NoError(t, err)
		h.gw.setVerify(ref, gateway.StatusSuccess, 20, "ETB")
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.HandleDepositCallback(context.Background(), fmt.Sprintf("DEP-%d", i), "success")
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Withdraw(context.Background(), ownerIdentity, withdrawalRequest(fmt.Sprintf("WD-%d", i), 10))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	// 100 + 5*20 - 5*10
	assert.True(t, h.balance(t, ownerEmail).Equal(decimal.NewFromInt(150)))
}

func TestFailedDepositStaysFailedWhileGatewayPending(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, err := h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest("TX1", 100))
	require.NoError(t, err)

	h.gw.setVerify("TX1", gateway.StatusFailed, 100, "ETB")
	_, err = h.svc.HandleDepositCallback(ctx, "TX1", "")
	require.NoError(t, err)

	h.gw.setVerify("TX1", "pending", 100, "ETB")
	res, err := h.svc.HandleDepositCallback(ctx, "TX1", "")
	require.NoError(t, err)
	assert.Equal(t, models.Failed, res.Status)

	tx := h.transaction(t, "TX1")
	requireHistoryConsistent(t, tx)
	assert.Equal(t, models.Failed, tx.Status)
	assert.Len(t, tx.PaymentStatusHistory, 4)
	assert.Contains(t, tx.LastEntry().Detail, `gateway reports "pending"`)

	// the gateway still decides: a later success is credited
	h.gw.setVerify("TX1", gateway.StatusSuccess, 100, "ETB")
	res, err = h.svc.HandleDepositCallback(ctx, "TX1", "")
	require.NoError(t, err)
	assert.True(t, res.Credited)
}

func TestOpenDepositExpires(t *testing.T) {
	h := newHarness(t, Options{DepositExpiry: time.Millisecond})
	ctx := context.Background()
	_, err := h.svc.InitiateDeposit(ctx, ownerIdentity, depositRequest("TX1", 100))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res, err := h.svc.HandleDepositCallback(ctx, "TX1", "")
	require.NoError(t, err)
	assert.Equal(t, models.Failed, res.Status)

	tx := h.transaction(t, "TX1")
	requireHistoryConsistent(t, tx)
	assert.Equal(t, "checkout expired", tx.LastEntry().Detail)
	assert.True(t, h.balance(t, ownerEmail).IsZero())
}

func TestLockTimingsCoverTheWorkUnderThem(t *testing.T) {
	opts := Options{LockWait: 30 * time.Second, GatewayTimeout: 15 * time.Second, LockTTL: 10 * time.Second}.withDefaults()

	// the reference lock is held across the owner wait, the payout and the commit
	assert.GreaterOrEqual(t, opts.LockTTL, opts.LockWait+opts.GatewayTimeout)
	assert.Equal(t, opts.LockHold(), opts.LockTTL)
	assert.Greater(t, opts.RequestBudget(), 2*opts.LockWait+opts.GatewayTimeout)

	longer := Options{LockTTL: 5 * time.Minute}.withDefaults()
	assert.Equal(t, 5*time.Minute, longer.LockTTL)
}
