package infra

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestExtractMarker(t *testing.T) {
	query := "--sql 3f1c2a8e-4b5d-4c6e-8f70-1a2b3c4d5e6f\nSELECT 1"
	marker, body, err := extractMarker(query)
	if err != nil {
		t.Fatalf("extractMarker returned error: %v", err)
	}
	if marker != "3f1c2a8e-4b5d-4c6e-8f70-1a2b3c4d5e6f" {
		t.Fatalf("marker mismatch: got %q", marker)
	}
	if body != "SELECT 1" {
		t.Fatalf("body mismatch: got %q", body)
	}
}

func TestExtractMarkerRejectsUnmarkedQuery(t *testing.T) {
	for _, q := range []string{"SELECT 1", "--sql not-a-uuid\nSELECT 1", ""} {
		if _, _, err := extractMarker(q); err == nil {
			t.Fatalf("expected error for %q", q)
		}
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(pgx.ErrNoRows) {
		t.Fatal("pgx.ErrNoRows should match")
	}
	if IsNoRows(errors.New("boom")) {
		t.Fatal("unrelated error should not match")
	}
}

type fakeTx struct {
	SQLExecutor
	committed  bool
	rolledBack bool
	commitErr  error
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeDB struct {
	tx *fakeTx
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return errorRow{}
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, nil
}

func (f *fakeDB) Begin(context.Context) (SQLTx, error) {
	return f.tx, nil
}

func (f *fakeDB) Ping(context.Context) error {
	return nil
}

func TestInTxCommitsOnSuccess(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	if err := InTx(context.Background(), db, func(SQLTx) error { return nil }); err != nil {
		t.Fatalf("InTx returned error: %v", err)
	}
	if !db.tx.committed || db.tx.rolledBack {
		t.Fatalf("expected commit only: committed=%v rolledBack=%v", db.tx.committed, db.tx.rolledBack)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	want := errors.New("insufficient")
	err := InTx(context.Background(), db, func(SQLTx) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("error mismatch: got %v want %v", err, want)
	}
	if db.tx.committed || !db.tx.rolledBack {
		t.Fatalf("expected rollback only: committed=%v rolledBack=%v", db.tx.committed, db.tx.rolledBack)
	}
}
