// Package ledger credits and debits per-user minute balances exactly once per
// idempotency key. Every call runs in one transaction under the user's
// balance lock; a replayed key returns the recorded result unchanged.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orbital/internal/alerts"
	"orbital/internal/domain"
)

// Request describes one balance mutation.
type Request struct {
	UserID         string
	Amount         domain.Minutes
	Source         string
	IdempotencyKey string
	Metadata       map[string]any
	// HoldKey names a reservation consumed by a debit.
	HoldKey string
}

// Result reports the state after the mutation. Amount is signed.
type Result struct {
	TransactionID   string
	PreviousBalance domain.Minutes
	Amount          domain.Minutes
	Balance         domain.Minutes
	Idempotent      bool
}

// Service applies Requests against a Store.
type Service struct {
	store  Store
	logger zerolog.Logger
	alerts alerts.Notifier
	now    func() time.Time
	newID  func() string
}

func NewService(store Store, logger zerolog.Logger, notifier alerts.Notifier) *Service {
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "ledger").Logger(),
		alerts: notifier,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
}

// Credit adds minutes.
func (s *Service) Credit(ctx context.Context, req Request) (Result, error) {
	return s.apply(ctx, req, 1)
}

// Debit removes minutes. It fails with *domain.InsufficientBalanceError
// rather than clamping, and never leaves the balance negative.
func (s *Service) Debit(ctx context.Context, req Request) (Result, error) {
	return s.apply(ctx, req, -1)
}

func (s *Service) apply(ctx context.Context, req Request, sign domain.Minutes) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	metadata, err := encodeMetadata(req.Metadata)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = s.store.WithUserLock(ctx, req.UserID, func(tx Tx) error {
		existing, err := tx.FindEntry(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			res = resultFromEntry(existing)
			res.Idempotent = true
			// a replayed debit still settles its hold
			if req.HoldKey != "" && sign < 0 {
				if err := tx.DeleteHold(ctx, req.HoldKey); err != nil && !errors.Is(err, domain.ErrNotFound) {
					return err
				}
			}
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		balance, err := tx.LockedBalance(ctx)
		if err != nil {
			return err
		}
		amount := req.Amount * sign
		if sign < 0 {
			available, err := availableFor(ctx, tx, balance, req.HoldKey)
			if err != nil {
				return err
			}
			if available < req.Amount {
				return &domain.InsufficientBalanceError{Requested: req.Amount, Available: available}
			}
		}

		entry, err := s.appendEntry(ctx, tx, req.UserID, balance, amount, req.Source, req.IdempotencyKey, metadata)
		if err != nil {
			return err
		}
		if req.HoldKey != "" && sign < 0 {
			if err := tx.DeleteHold(ctx, req.HoldKey); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
		res = resultFromEntry(&entry)
		return nil
	})
	if err != nil {
		return Result{}, s.fail(ctx, "apply", req, err)
	}

	event := s.logger.Info().
		Str("user", domain.MaskUserID(req.UserID)).
		Str("source", req.Source).
		Str("key", req.IdempotencyKey).
		Str("amount", res.Amount.String()).
		Str("balance", res.Balance.String())
	if res.Idempotent {
		event.Msg("ledger: duplicate event ignored")
	} else {
		event.Str("transaction_id", res.TransactionID).Msg("ledger: entry recorded")
	}
	return res, nil
}

func (s *Service) appendEntry(ctx context.Context, tx Tx, userID string, balance, amount domain.Minutes, source, key string, metadata json.RawMessage) (domain.LedgerEntry, error) {
	after := balance + amount
	entry := domain.LedgerEntry{
		ID:             s.newID(),
		UserID:         userID,
		Amount:         amount,
		Source:         source,
		IdempotencyKey: key,
		BalanceAfter:   after,
		Metadata:       metadata,
		CreatedAt:      s.now(),
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := tx.SetBalance(ctx, after); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

// RefundKey is the idempotency key of the credit reversing the debit
// recorded under key.
func RefundKey(key string) string {
	return "refund:" + key
}

// Refund reverses the debit recorded under key with a credit keyed
// RefundKey(key). It reports false when no debit exists under key. Calling
// it again returns the recorded refund.
func (s *Service) Refund(ctx context.Context, userID, key string, metadata map[string]any) (Result, bool, error) {
	if userID == "" {
		return Result{}, false, &domain.ValidationError{Field: "user_id", Message: "is required"}
	}
	if key == "" {
		return Result{}, false, fmt.Errorf("ledger: %w", domain.ErrMissingKey)
	}
	raw, err := encodeMetadata(metadata)
	if err != nil {
		return Result{}, false, err
	}

	var (
		res   Result
		found bool
	)
	refundKey := RefundKey(key)
	err = s.store.WithUserLock(ctx, userID, func(tx Tx) error {
		debit, err := tx.FindEntry(ctx, key)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		if debit.Amount >= 0 {
			return nil
		}
		found = true

		existing, err := tx.FindEntry(ctx, refundKey)
		switch {
		case err == nil:
			res = resultFromEntry(existing)
			res.Idempotent = true
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		balance, err := tx.LockedBalance(ctx)
		if err != nil {
			return err
		}
		entry, err := s.appendEntry(ctx, tx, userID, balance, -debit.Amount, domain.SourceRefund, refundKey, raw)
		if err != nil {
			return err
		}
		res = resultFromEntry(&entry)
		return nil
	})
	if err != nil {
		return Result{}, false, s.fail(ctx, "refund", Request{UserID: userID, IdempotencyKey: refundKey}, err)
	}
	if found && !res.Idempotent {
		s.logger.Warn().
			Str("user", domain.MaskUserID(userID)).
			Str("key", refundKey).
			Str("amount", res.Amount.String()).
			Str("balance", res.Balance.String()).
			Str("transaction_id", res.TransactionID).
			Msg("ledger: debit refunded")
	}
	return res, found, nil
}

// availableFor is the spendable balance for a debit, counting the debit's
// own hold as spendable.
func availableFor(ctx context.Context, tx Tx, balance domain.Minutes, holdKey string) (domain.Minutes, error) {
	held, err := tx.HeldTotal(ctx)
	if err != nil {
		return 0, err
	}
	available := balance - held
	if holdKey != "" {
		hold, err := tx.FindHold(ctx, holdKey)
		switch {
		case err == nil:
			available += hold.Amount
		case !errors.Is(err, domain.ErrNotFound):
			return 0, err
		}
	}
	return available, nil
}

// Reserve holds amount for key so concurrent submissions cannot spend the
// same minutes. Reserving an existing key returns the existing hold.
func (s *Service) Reserve(ctx context.Context, userID, key string, amount domain.Minutes) (domain.Hold, error) {
	if err := validate(Request{UserID: userID, Amount: amount, IdempotencyKey: key}); err != nil {
		return domain.Hold{}, err
	}
	var hold domain.Hold
	err := s.store.WithUserLock(ctx, userID, func(tx Tx) error {
		existing, err := tx.FindHold(ctx, key)
		switch {
		case err == nil:
			hold = *existing
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		balance, err := tx.LockedBalance(ctx)
		if err != nil {
			return err
		}
		held, err := tx.HeldTotal(ctx)
		if err != nil {
			return err
		}
		if available := balance - held; available < amount {
			return &domain.InsufficientBalanceError{Requested: amount, Available: available}
		}
		hold = domain.Hold{UserID: userID, Key: key, Amount: amount, CreatedAt: s.now()}
		return tx.InsertHold(ctx, hold)
	})
	if err != nil {
		return domain.Hold{}, s.fail(ctx, "reserve", Request{UserID: userID, IdempotencyKey: key, Amount: amount}, err)
	}
	s.logger.Debug().Str("user", domain.MaskUserID(userID)).Str("key", key).Str("amount", amount.String()).Msg("ledger: minutes reserved")
	return hold, nil
}

// Release drops the hold for key. It reports whether a hold existed.
func (s *Service) Release(ctx context.Context, userID, key string) (bool, error) {
	var released bool
	err := s.store.WithUserLock(ctx, userID, func(tx Tx) error {
		err := tx.DeleteHold(ctx, key)
		switch {
		case err == nil:
			released = true
			return nil
		case errors.Is(err, domain.ErrNotFound):
			return nil
		}
		return err
	})
	if err != nil {
		return false, s.fail(ctx, "release", Request{UserID: userID, IdempotencyKey: key}, err)
	}
	if released {
		s.logger.Debug().Str("user", domain.MaskUserID(userID)).Str("key", key).Msg("ledger: hold released")
	}
	return released, nil
}

func (s *Service) Balance(ctx context.Context, userID string) (domain.Balance, error) {
	b, err := s.store.Balance(ctx, userID)
	if err != nil {
		return domain.Balance{}, domain.StorageFailure("ledger balance", err)
	}
	return b, nil
}

func (s *Service) Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := s.store.Entries(ctx, userID, limit)
	if err != nil {
		return nil, domain.StorageFailure("ledger entries", err)
	}
	return entries, nil
}

// fail passes domain errors through and wraps everything else as a storage
// failure, alerting on the latter.
func (s *Service) fail(ctx context.Context, op string, req Request, err error) error {
	if _, ok := domain.IsInsufficientBalance(err); ok {
		return err
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	s.logger.Error().Err(err).Str("op", op).Str("user", domain.MaskUserID(req.UserID)).Str("key", req.IdempotencyKey).Msg("ledger: transaction aborted")
	s.alerts.Notify(ctx, alerts.SeverityError, "ledger transaction failed", map[string]any{
		"op":   op,
		"user": domain.MaskUserID(req.UserID),
		"key":  req.IdempotencyKey,
	})
	if errors.Is(err, domain.ErrStorage) {
		return err
	}
	return domain.StorageFailure("ledger "+op, err)
}

func validate(req Request) error {
	if req.UserID == "" {
		return &domain.ValidationError{Field: "user_id", Message: "is required"}
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("ledger: %w", domain.ErrMissingKey)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("ledger: %w", domain.ErrInvalidAmount)
	}
	return nil
}

func encodeMetadata(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ledger metadata: %w", err)
	}
	return raw, nil
}

func resultFromEntry(e *domain.LedgerEntry) Result {
	return Result{
		TransactionID:   e.ID,
		PreviousBalance: e.PreviousBalance(),
		Amount:          e.Amount,
		Balance:         e.BalanceAfter,
	}
}
