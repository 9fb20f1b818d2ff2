package repo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"orbital/internal/domain"
	"orbital/internal/ledger"
)

func TestJobCreateDuplicate(t *testing.T) {
	db := newStubDB()
	db.tags["insert into jobs"] = "INSERT 0 0"
	repo := NewJobRepository(db)

	err := repo.Create(context.Background(), &domain.Job{ID: "abcd1234", UserID: "u1", Status: domain.JobStatusPending, Cost: 100})
	if !errors.Is(err, domain.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(db.calls[0].query), "--sql ") {
		t.Fatal("queries must carry an audit marker")
	}
}

func TestJobTransitionReportsWhetherApplied(t *testing.T) {
	db := newStubDB()
	repo := NewJobRepository(db)
	tr := domain.Transition{
		From: []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing},
		To:   domain.JobStatusFailed,
		At:   time.Now(),
	}

	db.tags["update jobs"] = "UPDATE 1"
	ok, err := repo.Transition(context.Background(), "abcd1234", tr)
	if err != nil || !ok {
		t.Fatalf("transition should apply: ok=%v err=%v", ok, err)
	}
	from, _ := db.calls[0].args[5].([]string)
	if len(from) != 2 || from[0] != "pending" || from[1] != "processing" {
		t.Fatalf("expected status guard args, got %v", db.calls[0].args[5])
	}

	db.tags["update jobs"] = "UPDATE 0"
	ok, err = repo.Transition(context.Background(), "abcd1234", tr)
	if err != nil || ok {
		t.Fatalf("stale transition should not apply: ok=%v err=%v", ok, err)
	}
}

func TestJobTransitionRejectsIllegalEdge(t *testing.T) {
	repo := NewJobRepository(newStubDB())
	_, err := repo.Transition(context.Background(), "abcd1234", domain.Transition{
		From: []domain.JobStatus{domain.JobStatusComplete},
		To:   domain.JobStatusFailed,
	})
	if err == nil {
		t.Fatal("complete -> failed must be refused before reaching the database")
	}
}

func TestJobGetNotFound(t *testing.T) {
	repo := NewJobRepository(newStubDB())
	if _, err := repo.Get(context.Background(), "missing1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobGetScansRow(t *testing.T) {
	db := newStubDB()
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	db.rows["from jobs"] = simpleRow{scan: func(dest ...any) error {
		*dest[0].(*string) = "abcd1234"
		*dest[1].(*string) = "u1"
		*dest[2].(*string) = "processing"
		*dest[3].(*string) = "2x+3=7"
		*dest[4].(*[]byte) = []byte(`[{"narration":"Subtract three","latex":"2x=4"}]`)
		*dest[5].(*string) = "nova"
		*dest[6].(*int64) = 30
		*dest[7].(*string) = "corr-1"
		*dest[8].(*string) = ""
		*dest[9].(*string) = ""
		*dest[10].(*time.Time) = created
		*dest[13].(*time.Time) = created
		return nil
	}}
	job, err := NewJobRepository(db).Get(context.Background(), "abcd1234")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if job.Status != domain.JobStatusProcessing || job.Cost != domain.MinutesFromFloat(0.3) {
		t.Fatalf("job mismatch: %+v", job)
	}
	if len(job.Steps) != 1 || job.Steps[0].LaTeX != "2x=4" {
		t.Fatalf("steps mismatch: %+v", job.Steps)
	}
}

func TestLedgerWithUserLockLocksBalanceRow(t *testing.T) {
	db := newStubDB()
	db.rows["for update"] = simpleRow{scan: func(dest ...any) error {
		*dest[0].(*int64) = 250
		return nil
	}}
	repo := NewLedgerRepository(db)

	var seen domain.Minutes
	err := repo.WithUserLock(context.Background(), "u1", func(tx ledger.Tx) error {
		b, err := tx.LockedBalance(context.Background())
		seen = b
		return err
	})
	if err != nil {
		t.Fatalf("WithUserLock returned error: %v", err)
	}
	if seen != 250 {
		t.Fatalf("locked balance mismatch: got %d want 250", seen)
	}
	if !strings.Contains(db.calls[0].query, "insert into user_balances") {
		t.Fatalf("balance row must be ensured first, got %q", db.calls[0].query)
	}
	if !db.committed {
		t.Fatal("expected commit")
	}
}

func TestLedgerWithUserLockRollsBack(t *testing.T) {
	db := newStubDB()
	db.rows["for update"] = simpleRow{scan: func(dest ...any) error {
		*dest[0].(*int64) = 0
		return nil
	}}
	repo := NewLedgerRepository(db)
	want := &domain.InsufficientBalanceError{Requested: 100}
	err := repo.WithUserLock(context.Background(), "u1", func(ledger.Tx) error { return want })
	if _, ok := domain.IsInsufficientBalance(err); !ok {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if !db.rolledBack || db.committed {
		t.Fatalf("expected rollback only: committed=%v rolledBack=%v", db.committed, db.rolledBack)
	}
}

func TestLedgerDeleteHoldMissing(t *testing.T) {
	db := newStubDB()
	db.tags["delete from ledger_holds"] = "DELETE 0"
	tx := &ledgerTxPG{tx: db, userID: "u1"}
	if err := tx.DeleteHold(context.Background(), "job1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscriptionByIDNotFound(t *testing.T) {
	repo := NewSubscriptionRepository(newStubDB())
	if _, err := repo.SubscriptionByID(context.Background(), "sub_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
