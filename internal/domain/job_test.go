package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from JobStatus
		to   JobStatus
		want bool
	}{
		{JobStatusPending, JobStatusProcessing, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusPending, JobStatusComplete, false},
		{JobStatusProcessing, JobStatusComplete, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusPending, false},
		{JobStatusComplete, JobStatusFailed, false},
		{JobStatusComplete, JobStatusProcessing, false},
		{JobStatusFailed, JobStatusComplete, false},
		{JobStatusFailed, JobStatusPending, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTransitionValid(t *testing.T) {
	ok := Transition{From: []JobStatus{JobStatusPending, JobStatusProcessing}, To: JobStatusFailed}
	if !ok.Valid() {
		t.Fatal("pending|processing -> failed should be valid")
	}
	bad := Transition{From: []JobStatus{JobStatusPending, JobStatusComplete}, To: JobStatusFailed}
	if bad.Valid() {
		t.Fatal("complete -> failed must be rejected")
	}
	if (Transition{To: JobStatusFailed}).Valid() {
		t.Fatal("empty From must be rejected")
	}
}

func TestJobExpiresAt(t *testing.T) {
	done := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	j := &Job{Status: JobStatusComplete, CompletedAt: &done}
	exp := j.ExpiresAt()
	if exp == nil || !exp.Equal(done.Add(48*time.Hour)) {
		t.Fatalf("expires_at mismatch: got %v", exp)
	}
	j.Status = JobStatusFailed
	if j.ExpiresAt() != nil {
		t.Fatal("failed jobs do not expire")
	}
}

func TestMinutesJSON(t *testing.T) {
	cases := []struct {
		in   Minutes
		want string
	}{
		{MinutesFromFloat(2.5), "2.5"},
		{MinutesFromFloat(0.05), "0.05"},
		{WholeMinutes(10), "10"},
		{0, "0"},
	}
	for _, tc := range cases {
		raw, err := json.Marshal(tc.in)
		if err != nil {
			t.Fatalf("marshal %d: %v", tc.in, err)
		}
		if string(raw) != tc.want {
			t.Fatalf("marshal mismatch: got %s want %s", raw, tc.want)
		}
	}
	var m Minutes
	if err := json.Unmarshal([]byte(`"120"`), &m); err != nil {
		t.Fatalf("unmarshal quoted: %v", err)
	}
	if m != WholeMinutes(120) {
		t.Fatalf("unmarshal mismatch: got %d", m)
	}
}

func TestInsufficientBalanceNeeded(t *testing.T) {
	err := &InsufficientBalanceError{Requested: MinutesFromFloat(2.0), Available: MinutesFromFloat(0.05)}
	if err.Needed() != MinutesFromFloat(1.95) {
		t.Fatalf("needed mismatch: got %s", err.Needed())
	}
	if got, ok := IsInsufficientBalance(StorageFailure("x", err)); !ok || got != err {
		t.Fatal("expected wrapped insufficient balance to unwrap")
	}
}

func TestMaskUserID(t *testing.T) {
	if got := MaskUserID("0123456789abcdef"); got != "01234567..." {
		t.Fatalf("mask mismatch: got %q", got)
	}
}
