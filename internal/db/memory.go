package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/abkawan/venue-payments/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process ledger with the same semantics as MongoDB.
// Used by tests and for local development.
type Memory struct {
	mu           sync.Mutex
	transactions map[string]*models.Transaction // keyed by reference
	balances     []*models.Balance
}

func NewMemory() *Memory {
	return &Memory{transactions: make(map[string]*models.Transaction)}
}

func (m *Memory) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertLocked(tx)
}

func (m *Memory) insertLocked(tx *models.Transaction) error {
	if _, ok := m.transactions[tx.Reference]; ok {
		return ErrDuplicateReference
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	m.transactions[tx.Reference] = copyTransaction(tx)
	return nil
}

func (m *Memory) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[reference]
	if !ok {
		return nil, nil
	}
	return copyTransaction(tx), nil
}

func (m *Memory) ListTransactionsByOwner(ctx context.Context, email string, limit, offset int) ([]*models.Transaction, error) {
	m.mu.Lock()
	var matched []*models.Transaction
	for _, tx := range m.transactions {
		if tx.UserEmail == email {
			matched = append(matched, copyTransaction(tx))
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, limit, offset), nil
}

func (m *Memory) ListTransactionsByStatus(ctx context.Context, statuses []models.TransactionStatus, before time.Time, limit int) ([]*models.Transaction, error) {
	want := make(map[models.TransactionStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	m.mu.Lock()
	var matched []*models.Transaction
	for _, tx := range m.transactions {
		if tx.Type == models.Deposit && want[tx.Status] && tx.UpdatedAt.Before(before) {
			matched = append(matched, copyTransaction(tx))
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	return page(matched, limit, 0), nil
}

func (m *Memory) AppendStatus(ctx context.Context, reference string, upd models.StatusUpdate) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	applyStatus(tx, upd)
	return copyTransaction(tx), nil
}

func (m *Memory) SettleDeposit(ctx context.Context, reference string, upd models.StatusUpdate) (*models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[reference]
	if !ok {
		return nil, false, ErrTransactionNotFound
	}
	if tx.Type != models.Deposit || tx.Status == models.Success {
		return copyTransaction(tx), false, nil
	}

	upd.Entry.Status = models.Success
	applyStatus(tx, upd)

	bal := m.firstBalanceLocked(tx.UserEmail)
	if bal == nil {
		bal = &models.Balance{ID: uuid.New().String(), OwnerEmail: tx.UserEmail}
		m.balances = append(m.balances, bal)
	}
	bal.TotalAmount = bal.TotalAmount.Add(tx.Amount)
	bal.UpdatedAt = time.Now().UTC()

	return copyTransaction(tx), true, nil
}

func (m *Memory) CommitWithdrawal(ctx context.Context, tx *models.Transaction) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.Reference]; ok {
		return decimal.Zero, ErrDuplicateReference
	}

	var records []*models.Balance
	for _, b := range m.balances {
		if b.OwnerEmail == tx.UserEmail {
			records = append(records, b)
		}
	}
	total := models.SumBalances(records)
	if total.LessThan(tx.Amount) {
		return decimal.Zero, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	remaining := tx.Amount
	for _, b := range records {
		if !remaining.IsPositive() {
			break
		}
		if !b.TotalAmount.IsPositive() {
			continue
		}
		take := decimal.Min(b.TotalAmount, remaining)
		b.TotalAmount = b.TotalAmount.Sub(take)
		b.UpdatedAt = now
		remaining = remaining.Sub(take)
	}

	if err := m.insertLocked(tx); err != nil {
		return decimal.Zero, err
	}
	return total.Sub(tx.Amount), nil
}

func (m *Memory) BalancesByOwner(ctx context.Context, email string) ([]*models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Balance
	for _, b := range m.balances {
		if b.OwnerEmail == email {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AddBalance appends a raw balance record, for seeding
func (m *Memory) AddBalance(email string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances = append(m.balances, &models.Balance{
		ID:          uuid.New().String(),
		OwnerEmail:  email,
		TotalAmount: amount,
		UpdatedAt:   time.Now().UTC(),
	})
}

func (m *Memory) firstBalanceLocked(email string) *models.Balance {
	for _, b := range m.balances {
		if b.OwnerEmail == email {
			return b
		}
	}
	return nil
}

func applyStatus(tx *models.Transaction, upd models.StatusUpdate) {
	if upd.Entry.Timestamp.IsZero() {
		upd.Entry.Timestamp = time.Now().UTC()
	}
	tx.PaymentStatusHistory = append(tx.PaymentStatusHistory, upd.Entry)
	tx.Status = upd.Entry.Status
	tx.UpdatedAt = upd.Entry.Timestamp
	if upd.CheckoutURL != "" {
		tx.CheckoutURL = upd.CheckoutURL
	}
	if upd.ProviderReference != "" {
		tx.ProviderReference = upd.ProviderReference
	}
}

func copyTransaction(tx *models.Transaction) *models.Transaction {
	cp := *tx
	cp.PaymentStatusHistory = append([]models.StatusEntry(nil), tx.PaymentStatusHistory...)
	return &cp
}

func page(txs []*models.Transaction, limit, offset int) []*models.Transaction {
	if offset >= len(txs) {
		return []*models.Transaction{}
	}
	txs = txs[offset:]
	if limit > 0 && limit < len(txs) {
		txs = txs[:limit]
	}
	return txs
}

// MemoryOwners is an in-process owner directory
type MemoryOwners struct {
	mu     sync.RWMutex
	owners map[string]*models.Owner
}

func NewMemoryOwners(owners ...*models.Owner) *MemoryOwners {
	m := &MemoryOwners{owners: make(map[string]*models.Owner)}
	for _, o := range owners {
		_ = m.UpsertOwner(context.Background(), o)
	}
	return m
}

func (m *MemoryOwners) UpsertOwner(ctx context.Context, owner *models.Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := *owner
	cp.Email = models.NormalizeEmail(owner.Email)
	if existing, ok := m.owners[cp.Email]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.HasWithdrawn = existing.HasWithdrawn
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.owners[cp.Email] = &cp
	return nil
}

func (m *MemoryOwners) GetOwner(ctx context.Context, email string) (*models.Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.owners[models.NormalizeEmail(email)]
	if !ok {
		return nil, ErrOwnerNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryOwners) MarkWithdrawn(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.owners[models.NormalizeEmail(email)]
	if !ok {
		return ErrOwnerNotFound
	}
	o.HasWithdrawn = true
	o.UpdatedAt = time.Now().UTC()
	return nil
}
