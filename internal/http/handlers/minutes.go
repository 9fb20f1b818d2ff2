package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"orbital/internal/domain"
)

type transactionResponse struct {
	ID           string          `json:"id"`
	Amount       domain.Minutes  `json:"amount"`
	Source       string          `json:"source"`
	Reference    string          `json:"reference_id"`
	BalanceAfter domain.Minutes  `json:"balance_after"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (a *App) Balance(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	b, err := a.Ledger.Balance(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, b)
}

func (a *App) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit := queryLimit(r, 50)
	if limit > 100 {
		limit = 100
	}
	entries, err := a.Ledger.Entries(r.Context(), userID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]transactionResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, transactionResponse{
			ID:           e.ID,
			Amount:       e.Amount,
			Source:       e.Source,
			Reference:    e.IdempotencyKey,
			BalanceAfter: e.BalanceAfter,
			Metadata:     e.Metadata,
			CreatedAt:    e.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"transactions": items})
}
