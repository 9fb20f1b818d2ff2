package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"orbital/internal/alerts"
	"orbital/internal/domain"
	"orbital/internal/ledger"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "orbital.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(openTestDB(t))
	created := time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)
	job := &domain.Job{
		ID:        "a1b2c3d4",
		UserID:    "user-1",
		Status:    domain.JobStatusPending,
		Problem:   "solve 2x+3=7",
		Steps:     []domain.Step{{Narration: "Subtract three from both sides", LaTeX: "2x=4"}},
		Cost:      domain.MinutesFromFloat(0.1),
		CreatedAt: created,
	}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.Create(ctx, job); !errors.Is(err, domain.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if err := store.AttachTask(ctx, job.ID, "corr-1"); err != nil {
		t.Fatalf("AttachTask returned error: %v", err)
	}

	pending := []domain.JobStatus{domain.JobStatusPending}
	ok, err := store.Transition(ctx, job.ID, domain.Transition{From: pending, To: domain.JobStatusProcessing, At: created.Add(time.Second)})
	if err != nil || !ok {
		t.Fatalf("pending->processing: ok=%v err=%v", ok, err)
	}
	ok, err = store.Transition(ctx, job.ID, domain.Transition{From: pending, To: domain.JobStatusFailed, At: created.Add(2 * time.Second)})
	if err != nil || ok {
		t.Fatalf("stale CAS must not apply: ok=%v err=%v", ok, err)
	}
	ok, err = store.Transition(ctx, job.ID, domain.Transition{
		From:     []domain.JobStatus{domain.JobStatusProcessing},
		To:       domain.JobStatusComplete,
		At:       created.Add(time.Minute),
		VideoURL: "http://localhost:8080/videos/a1b2c3d4.mp4",
	})
	if err != nil || !ok {
		t.Fatalf("processing->complete: ok=%v err=%v", ok, err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != domain.JobStatusComplete || got.CorrelationID != "corr-1" || got.VideoURL == "" {
		t.Fatalf("job mismatch: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(created.Add(time.Second)) {
		t.Fatalf("started_at mismatch: %v", got.StartedAt)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(created.Add(time.Minute)) {
		t.Fatalf("completed_at mismatch: %v", got.CompletedAt)
	}
	if len(got.Steps) != 1 || got.Steps[0].LaTeX != "2x=4" {
		t.Fatalf("steps mismatch: %+v", got.Steps)
	}

	list, err := store.ListByUser(ctx, "user-1", 20)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByUser mismatch: %v %v", list, err)
	}
	if _, err := store.Get(ctx, "missing1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLedgerOnSQLite(t *testing.T) {
	ctx := context.Background()
	store := NewLedgerStore(openTestDB(t))
	svc := ledger.NewService(store, zerolog.Nop(), alerts.Nop{})

	req := ledger.Request{UserID: "user-1", Amount: domain.WholeMinutes(2), Source: domain.SourceStripe, IdempotencyKey: "cs_1"}
	if _, err := svc.Credit(ctx, req); err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}
	again, err := svc.Credit(ctx, req)
	if err != nil || !again.Idempotent {
		t.Fatalf("duplicate credit should be idempotent: %+v %v", again, err)
	}

	if _, err := svc.Reserve(ctx, "user-1", "job-a", domain.WholeMinutes(1)); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, key := range []string{"job-a", "job-b", "job-c"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			_, errs[i] = svc.Debit(ctx, ledger.Request{UserID: "user-1", Amount: domain.WholeMinutes(1), Source: domain.SourceJobComplete, IdempotencyKey: key, HoldKey: key})
		}(i, key)
	}
	wg.Wait()

	if errs[0] != nil {
		t.Fatalf("debit against a hold must succeed: %v", errs[0])
	}
	failures := 0
	for _, err := range errs[1:] {
		if err != nil {
			if _, ok := domain.IsInsufficientBalance(err); !ok {
				t.Fatalf("unexpected error: %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("exactly one unreserved debit should fail, got %d", failures)
	}

	bal, err := svc.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if bal.Minutes != 0 || bal.Held != 0 {
		t.Fatalf("balance mismatch: %+v", bal)
	}
	entries, err := svc.Entries(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("Entries returned error: %v", err)
	}
	var sum domain.Minutes
	for _, e := range entries {
		sum += e.Amount
	}
	if len(entries) != 3 || sum != bal.Minutes {
		t.Fatalf("entries mismatch: %d entries sum %s", len(entries), sum)
	}
}

func TestSubscriptionStore(t *testing.T) {
	ctx := context.Background()
	store := NewSubscriptionStore(openTestDB(t))
	sub := domain.Subscription{UserID: "user-1", CustomerID: "cus_1", SubscriptionID: "sub_1", Tier: "standard"}
	if err := store.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription returned error: %v", err)
	}
	got, err := store.SubscriptionByID(ctx, "sub_1")
	if err != nil || got.UserID != "user-1" || got.Tier != "standard" {
		t.Fatalf("subscription mismatch: %+v %v", got, err)
	}
	if err := store.ClearSubscription(ctx, "sub_1"); err != nil {
		t.Fatalf("ClearSubscription returned error: %v", err)
	}
	if _, err := store.SubscriptionByID(ctx, "sub_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
