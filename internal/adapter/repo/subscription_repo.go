package repo

import (
	"context"
	"time"

	"orbital/internal/domain"
	"orbital/internal/infra"
	"orbital/internal/sqlinline"
)

// SubscriptionRepositoryPG implements domain.SubscriptionStore.
type SubscriptionRepositoryPG struct {
	db infra.SQLExecutor
}

func NewSubscriptionRepository(db infra.SQLExecutor) *SubscriptionRepositoryPG {
	return &SubscriptionRepositoryPG{db: db}
}

func (r *SubscriptionRepositoryPG) UpsertSubscription(ctx context.Context, sub domain.Subscription) error {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, sqlinline.QSubscriptionUpsert, sub.SubscriptionID, sub.UserID, sub.CustomerID, sub.Tier, sub.UpdatedAt)
	if err != nil {
		return domain.StorageFailure("upsert subscription", err)
	}
	return nil
}

func (r *SubscriptionRepositoryPG) SubscriptionByID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := r.db.QueryRow(ctx, sqlinline.QSubscriptionByID, subscriptionID).
		Scan(&sub.SubscriptionID, &sub.UserID, &sub.CustomerID, &sub.Tier, &sub.UpdatedAt)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.StorageFailure("get subscription", err)
	}
	return &sub, nil
}

func (r *SubscriptionRepositoryPG) ClearSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := r.db.Exec(ctx, sqlinline.QSubscriptionDelete, subscriptionID); err != nil {
		return domain.StorageFailure("clear subscription", err)
	}
	return nil
}

var _ domain.SubscriptionStore = (*SubscriptionRepositoryPG)(nil)
