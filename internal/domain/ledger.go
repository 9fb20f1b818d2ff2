package domain

import (
	"encoding/json"
	"time"
)

// Ledger sources.
const (
	SourceStripe        = "stripe"
	SourceStripeRenewal = "stripe_renewal"
	SourceJobComplete   = "job_complete"
	SourceAdmin         = "admin"
	SourceRefund        = "job_refund"
)

// LedgerEntry is one immutable balance mutation.
type LedgerEntry struct {
	ID             string
	UserID         string
	Amount         Minutes
	Source         string
	IdempotencyKey string
	BalanceAfter   Minutes
	Metadata       json.RawMessage
	CreatedAt      time.Time
}

// PreviousBalance is the balance before the entry was applied.
func (e LedgerEntry) PreviousBalance() Minutes {
	return e.BalanceAfter - e.Amount
}

// Hold reserves part of a balance for an in-flight job.
type Hold struct {
	UserID    string
	Key       string
	Amount    Minutes
	CreatedAt time.Time
}

// Balance is a user's committed minutes plus outstanding holds.
type Balance struct {
	UserID    string  `json:"-"`
	Minutes   Minutes `json:"minutes_balance"`
	Held      Minutes `json:"minutes_held"`
	Available Minutes `json:"minutes_available"`
}

// MaskUserID shortens a user id for audit logs.
func MaskUserID(id string) string {
	if len(id) <= 8 {
		return id + "..."
	}
	return id[:8] + "..."
}
