package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"orbital/internal/domain"
	"orbital/internal/ledger"
)

// LedgerStore implements ledger.Store. Transactions begin IMMEDIATE, so the
// write lock is taken before the balance is read.
type LedgerStore struct {
	db *DB
}

func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) WithUserLock(ctx context.Context, userID string, fn func(tx ledger.Tx) error) error {
	return s.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, qLedgerEnsureBalance, userID); err != nil {
			return domain.StorageFailure("ensure balance", err)
		}
		var balance int64
		if err := tx.QueryRowContext(ctx, qLedgerSelectBalance, userID).Scan(&balance); err != nil {
			return domain.StorageFailure("lock balance", err)
		}
		return fn(&ledgerTx{tx: tx, userID: userID, balance: domain.Minutes(balance)})
	})
}

func (s *LedgerStore) Balance(ctx context.Context, userID string) (domain.Balance, error) {
	var balance, held int64
	if err := s.db.sql.QueryRowContext(ctx, qLedgerBalance, userID).Scan(&balance, &held); err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{
		UserID:    userID,
		Minutes:   domain.Minutes(balance),
		Held:      domain.Minutes(held),
		Available: domain.Minutes(balance - held),
	}, nil
}

func (s *LedgerStore) Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := s.db.sql.QueryContext(ctx, qLedgerEntries, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type ledgerTx struct {
	tx      *sql.Tx
	userID  string
	balance domain.Minutes
}

func (t *ledgerTx) LockedBalance(context.Context) (domain.Minutes, error) {
	return t.balance, nil
}

func (t *ledgerTx) SetBalance(ctx context.Context, balance domain.Minutes) error {
	if _, err := t.tx.ExecContext(ctx, qLedgerSetBalance, int64(balance), formatTime(time.Now()), t.userID); err != nil {
		return domain.StorageFailure("set balance", err)
	}
	t.balance = balance
	return nil
}

func (t *ledgerTx) FindEntry(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	e, err := scanEntry(t.tx.QueryRowContext(ctx, qLedgerFindEntry, t.userID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.StorageFailure("find entry", err)
	}
	return e, nil
}

func (t *ledgerTx) InsertEntry(ctx context.Context, e domain.LedgerEntry) error {
	metadata := string(e.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	_, err := t.tx.ExecContext(ctx, qLedgerInsertEntry,
		e.ID, e.UserID, int64(e.Amount), e.Source, e.IdempotencyKey, int64(e.BalanceAfter), metadata, formatTime(e.CreatedAt))
	if err != nil {
		return domain.StorageFailure("insert entry", err)
	}
	return nil
}

func (t *ledgerTx) FindHold(ctx context.Context, key string) (*domain.Hold, error) {
	var (
		h       domain.Hold
		amount  int64
		created string
	)
	err := t.tx.QueryRowContext(ctx, qLedgerFindHold, t.userID, key).Scan(&h.UserID, &h.Key, &amount, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.StorageFailure("find hold", err)
	}
	h.Amount = domain.Minutes(amount)
	if h.CreatedAt, err = parseTime(created); err != nil {
		return nil, domain.StorageFailure("find hold", err)
	}
	return &h, nil
}

func (t *ledgerTx) InsertHold(ctx context.Context, h domain.Hold) error {
	if _, err := t.tx.ExecContext(ctx, qLedgerInsertHold, h.UserID, h.Key, int64(h.Amount), formatTime(h.CreatedAt)); err != nil {
		return domain.StorageFailure("insert hold", err)
	}
	return nil
}

func (t *ledgerTx) DeleteHold(ctx context.Context, key string) error {
	res, err := t.tx.ExecContext(ctx, qLedgerDeleteHold, t.userID, key)
	if err != nil {
		return domain.StorageFailure("delete hold", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) HeldTotal(ctx context.Context) (domain.Minutes, error) {
	var total int64
	if err := t.tx.QueryRowContext(ctx, qLedgerHeldTotal, t.userID).Scan(&total); err != nil {
		return 0, domain.StorageFailure("held total", err)
	}
	return domain.Minutes(total), nil
}

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var (
		e                 domain.LedgerEntry
		amount, after     int64
		metadata, created string
	)
	if err := row.Scan(&e.ID, &e.UserID, &amount, &e.Source, &e.IdempotencyKey, &after, &metadata, &created); err != nil {
		return nil, err
	}
	e.Amount = domain.Minutes(amount)
	e.BalanceAfter = domain.Minutes(after)
	e.Metadata = json.RawMessage(metadata)
	t, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = t
	return &e, nil
}

var _ ledger.Store = (*LedgerStore)(nil)
