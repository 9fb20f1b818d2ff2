package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"orbital/internal/domain"
)

type SubscriptionStore struct {
	db *DB
}

func NewSubscriptionStore(db *DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func (s *SubscriptionStore) UpsertSubscription(ctx context.Context, sub domain.Subscription) error {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now()
	}
	_, err := s.db.sql.ExecContext(ctx, qSubscriptionUpsert, sub.SubscriptionID, sub.UserID, sub.CustomerID, sub.Tier, formatTime(sub.UpdatedAt))
	if err != nil {
		return domain.StorageFailure("upsert subscription", err)
	}
	return nil
}

func (s *SubscriptionStore) SubscriptionByID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	var (
		sub     domain.Subscription
		updated string
	)
	err := s.db.sql.QueryRowContext(ctx, qSubscriptionByID, subscriptionID).
		Scan(&sub.SubscriptionID, &sub.UserID, &sub.CustomerID, &sub.Tier, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.StorageFailure("get subscription", err)
	}
	if sub.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, domain.StorageFailure("get subscription", err)
	}
	return &sub, nil
}

func (s *SubscriptionStore) ClearSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := s.db.sql.ExecContext(ctx, qSubscriptionDelete, subscriptionID); err != nil {
		return domain.StorageFailure("clear subscription", err)
	}
	return nil
}

var _ domain.SubscriptionStore = (*SubscriptionStore)(nil)
