package migrations

import (
	"fmt"
	"strings"
	"testing"

	"github.com/lib/pq"
)

func TestAllSortedAndNonEmpty(t *testing.T) {
	all, err := All()
	if err != nil {
		t.Fatalf("All returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("migration count mismatch: got %d want 3", len(all))
	}
	for i, m := range all {
		if strings.TrimSpace(m.SQL) == "" {
			t.Fatalf("migration %s is empty", m.Name)
		}
		if i > 0 && all[i-1].Name >= m.Name {
			t.Fatalf("migrations out of order: %s before %s", all[i-1].Name, m.Name)
		}
	}
	if !strings.Contains(all[1].SQL, "UNIQUE (user_id, idempotency_key)") {
		t.Fatal("ledger migration must enforce one entry per idempotency key")
	}
}

func TestPendingSkipsApplied(t *testing.T) {
	all := []Migration{{Name: "0001_a.sql"}, {Name: "0002_b.sql"}, {Name: "0003_c.sql"}}
	got := Pending(all, map[string]bool{"0002_b.sql": true})
	if len(got) != 2 || got[0].Name != "0001_a.sql" || got[1].Name != "0003_c.sql" {
		t.Fatalf("pending mismatch: got %v", got)
	}
	if got := Pending(all, map[string]bool{"0001_a.sql": true, "0002_b.sql": true, "0003_c.sql": true}); len(got) != 0 {
		t.Fatalf("expected nothing pending, got %v", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pq.Error{Code: "23505", Message: "duplicate key"})
	if !isUniqueViolation(err) {
		t.Fatal("23505 should be a unique violation")
	}
	if isUniqueViolation(&pq.Error{Code: "42P01"}) {
		t.Fatal("undefined_table is not a unique violation")
	}
	if got := describe(&pq.Error{Code: "42P01", Message: "relation missing", Detail: "jobs"}).Error(); !strings.Contains(got, "undefined_table") || !strings.Contains(got, "jobs") {
		t.Fatalf("describe mismatch: got %q", got)
	}
}
