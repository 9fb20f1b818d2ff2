package ledger

import (
	"context"

	"orbital/internal/domain"
)

// Store persists balances, entries and holds. WithUserLock serializes all
// mutations for one user: fn runs inside a transaction holding that user's
// balance lock and is rolled back when it returns an error.
type Store interface {
	WithUserLock(ctx context.Context, userID string, fn func(tx Tx) error) error
	Balance(ctx context.Context, userID string) (domain.Balance, error)
	Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)
}

// Tx is scoped to the locked user. Find methods return domain.ErrNotFound.
type Tx interface {
	LockedBalance(ctx context.Context) (domain.Minutes, error)
	SetBalance(ctx context.Context, balance domain.Minutes) error
	FindEntry(ctx context.Context, key string) (*domain.LedgerEntry, error)
	InsertEntry(ctx context.Context, entry domain.LedgerEntry) error
	FindHold(ctx context.Context, key string) (*domain.Hold, error)
	InsertHold(ctx context.Context, hold domain.Hold) error
	DeleteHold(ctx context.Context, key string) error
	HeldTotal(ctx context.Context) (domain.Minutes, error)
}
