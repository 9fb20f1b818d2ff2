package memory

import (
	"context"
	"sync"

	"orbital/internal/domain"
	"orbital/internal/ledger"
)

type account struct {
	lock    sync.Mutex
	balance domain.Minutes
	entries []domain.LedgerEntry
	byKey   map[string]int
	holds   map[string]domain.Hold
}

// LedgerStore serializes each user on a per-account mutex. A transaction
// works on a private copy that replaces the account only on success.
type LedgerStore struct {
	mu       sync.Mutex
	accounts map[string]*account
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{accounts: make(map[string]*account)}
}

func (s *LedgerStore) account(userID string) *account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		a = &account{byKey: make(map[string]int), holds: make(map[string]domain.Hold)}
		s.accounts[userID] = a
	}
	return a
}

func (s *LedgerStore) WithUserLock(ctx context.Context, userID string, fn func(tx ledger.Tx) error) error {
	a := s.account(userID)
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &ledgerTx{
		userID:  userID,
		balance: a.balance,
		holds:   make(map[string]domain.Hold, len(a.holds)),
		byKey:   a.byKey,
		entries: a.entries,
	}
	for k, h := range a.holds {
		tx.holds[k] = h
	}
	if err := fn(tx); err != nil {
		return err
	}

	a.balance = tx.balance
	a.holds = tx.holds
	for _, e := range tx.added {
		a.byKey[e.IdempotencyKey] = len(a.entries)
		a.entries = append(a.entries, e)
	}
	return nil
}

func (s *LedgerStore) Balance(_ context.Context, userID string) (domain.Balance, error) {
	a := s.account(userID)
	a.lock.Lock()
	defer a.lock.Unlock()
	var held domain.Minutes
	for _, h := range a.holds {
		held += h.Amount
	}
	return domain.Balance{UserID: userID, Minutes: a.balance, Held: held, Available: a.balance - held}, nil
}

func (s *LedgerStore) Entries(_ context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	a := s.account(userID)
	a.lock.Lock()
	defer a.lock.Unlock()
	out := make([]domain.LedgerEntry, 0, len(a.entries))
	for i := len(a.entries) - 1; i >= 0; i-- {
		out = append(out, a.entries[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type ledgerTx struct {
	userID  string
	balance domain.Minutes
	holds   map[string]domain.Hold
	byKey   map[string]int
	entries []domain.LedgerEntry
	added   []domain.LedgerEntry
}

func (t *ledgerTx) LockedBalance(context.Context) (domain.Minutes, error) {
	return t.balance, nil
}

func (t *ledgerTx) SetBalance(_ context.Context, balance domain.Minutes) error {
	t.balance = balance
	return nil
}

func (t *ledgerTx) FindEntry(_ context.Context, key string) (*domain.LedgerEntry, error) {
	if i, ok := t.byKey[key]; ok {
		e := t.entries[i]
		return &e, nil
	}
	for _, e := range t.added {
		if e.IdempotencyKey == key {
			e := e
			return &e, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (t *ledgerTx) InsertEntry(ctx context.Context, entry domain.LedgerEntry) error {
	if _, err := t.FindEntry(ctx, entry.IdempotencyKey); err == nil {
		return domain.ErrDuplicateEvent
	}
	t.added = append(t.added, entry)
	return nil
}

func (t *ledgerTx) FindHold(_ context.Context, key string) (*domain.Hold, error) {
	h, ok := t.holds[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &h, nil
}

func (t *ledgerTx) InsertHold(_ context.Context, hold domain.Hold) error {
	if _, ok := t.holds[hold.Key]; ok {
		return domain.ErrDuplicateEvent
	}
	t.holds[hold.Key] = hold
	return nil
}

func (t *ledgerTx) DeleteHold(_ context.Context, key string) error {
	if _, ok := t.holds[key]; !ok {
		return domain.ErrNotFound
	}
	delete(t.holds, key)
	return nil
}

func (t *ledgerTx) HeldTotal(context.Context) (domain.Minutes, error) {
	var total domain.Minutes
	for _, h := range t.holds {
		total += h.Amount
	}
	return total, nil
}

var _ ledger.Store = (*LedgerStore)(nil)
