package memory

import (
	"context"
	"sync"

	"orbital/internal/domain"
)

type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]domain.Subscription
}

func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]domain.Subscription)}
}

func (s *SubscriptionStore) UpsertSubscription(_ context.Context, sub domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.SubscriptionID] = sub
	return nil
}

func (s *SubscriptionStore) SubscriptionByID(_ context.Context, subscriptionID string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[subscriptionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &sub, nil
}

func (s *SubscriptionStore) ClearSubscription(_ context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, subscriptionID)
	return nil
}

var _ domain.SubscriptionStore = (*SubscriptionStore)(nil)
