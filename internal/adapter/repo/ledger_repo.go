package repo

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"orbital/internal/domain"
	"orbital/internal/infra"
	"orbital/internal/ledger"
	"orbital/internal/sqlinline"
)

// LedgerRepositoryPG implements ledger.Store. The user's balance row is the
// lock: it is created if missing, then selected FOR UPDATE.
type LedgerRepositoryPG struct {
	db infra.SQLDB
}

func NewLedgerRepository(db infra.SQLDB) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{db: db}
}

func (r *LedgerRepositoryPG) WithUserLock(ctx context.Context, userID string, fn func(tx ledger.Tx) error) error {
	return infra.InTx(ctx, r.db, func(tx infra.SQLTx) error {
		if _, err := tx.Exec(ctx, sqlinline.QLedgerEnsureBalance, userID); err != nil {
			return domain.StorageFailure("ensure balance", err)
		}
		var balance int64
		if err := tx.QueryRow(ctx, sqlinline.QLedgerLockBalance, userID).Scan(&balance); err != nil {
			return domain.StorageFailure("lock balance", err)
		}
		return fn(&ledgerTxPG{tx: tx, userID: userID, balance: domain.Minutes(balance)})
	})
}

func (r *LedgerRepositoryPG) Balance(ctx context.Context, userID string) (domain.Balance, error) {
	var balance, held int64
	err := r.db.QueryRow(ctx, sqlinline.QLedgerBalance, userID).Scan(&balance, &held)
	if err != nil && !infra.IsNoRows(err) {
		return domain.Balance{}, err
	}
	return domain.Balance{
		UserID:    userID,
		Minutes:   domain.Minutes(balance),
		Held:      domain.Minutes(held),
		Available: domain.Minutes(balance - held),
	}, nil
}

func (r *LedgerRepositoryPG) Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, sqlinline.QLedgerEntries, userID, limit)
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

type ledgerTxPG struct {
	tx      infra.SQLTx
	userID  string
	balance domain.Minutes
}

func (t *ledgerTxPG) LockedBalance(context.Context) (domain.Minutes, error) {
	return t.balance, nil
}

func (t *ledgerTxPG) SetBalance(ctx context.Context, balance domain.Minutes) error {
	if _, err := t.tx.Exec(ctx, sqlinline.QLedgerSetBalance, t.userID, int64(balance)); err != nil {
		return domain.StorageFailure("set balance", err)
	}
	t.balance = balance
	return nil
}

func (t *ledgerTxPG) FindEntry(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx, sqlinline.QLedgerFindEntry, t.userID, key))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.StorageFailure("find entry", err)
	}
	return e, nil
}

func (t *ledgerTxPG) InsertEntry(ctx context.Context, e domain.LedgerEntry) error {
	metadata := []byte(e.Metadata)
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}
	_, err := t.tx.Exec(ctx, sqlinline.QLedgerInsertEntry,
		e.ID,
		e.UserID,
		int64(e.Amount),
		e.Source,
		e.IdempotencyKey,
		int64(e.BalanceAfter),
		metadata,
		e.CreatedAt,
	)
	if err != nil {
		return domain.StorageFailure("insert entry", err)
	}
	return nil
}

func (t *ledgerTxPG) FindHold(ctx context.Context, key string) (*domain.Hold, error) {
	var (
		h      domain.Hold
		amount int64
	)
	err := t.tx.QueryRow(ctx, sqlinline.QLedgerFindHold, t.userID, key).Scan(&h.UserID, &h.Key, &amount, &h.CreatedAt)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.StorageFailure("find hold", err)
	}
	h.Amount = domain.Minutes(amount)
	return &h, nil
}

func (t *ledgerTxPG) InsertHold(ctx context.Context, h domain.Hold) error {
	if _, err := t.tx.Exec(ctx, sqlinline.QLedgerInsertHold, h.UserID, h.Key, int64(h.Amount), h.CreatedAt); err != nil {
		return domain.StorageFailure("insert hold", err)
	}
	return nil
}

func (t *ledgerTxPG) DeleteHold(ctx context.Context, key string) error {
	tag, err := t.tx.Exec(ctx, sqlinline.QLedgerDeleteHold, t.userID, key)
	if err != nil {
		return domain.StorageFailure("delete hold", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *ledgerTxPG) HeldTotal(ctx context.Context) (domain.Minutes, error) {
	var total int64
	if err := t.tx.QueryRow(ctx, sqlinline.QLedgerHeldTotal, t.userID).Scan(&total); err != nil {
		return 0, domain.StorageFailure("held total", err)
	}
	return domain.Minutes(total), nil
}

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var (
		e             domain.LedgerEntry
		amount, after int64
		metadata      []byte
	)
	if err := row.Scan(&e.ID, &e.UserID, &amount, &e.Source, &e.IdempotencyKey, &after, &metadata, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Amount = domain.Minutes(amount)
	e.BalanceAfter = domain.Minutes(after)
	e.Metadata = json.RawMessage(metadata)
	return &e, nil
}

var _ ledger.Store = (*LedgerRepositoryPG)(nil)
