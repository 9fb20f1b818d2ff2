package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"orbital/internal/payments"
)

const maxWebhookBytes = 1 << 20

type priceResponse struct {
	Minutes        int     `json:"minutes"`
	AmountCents    int     `json:"amount_cents"`
	PricePerMinute float64 `json:"price_per_minute"`
}

func (a *App) Prices(w http.ResponseWriter, _ *http.Request) {
	p := a.Payments.Pricing()
	a.json(w, http.StatusOK, map[string]any{
		"one_time":     priceTable(p.OneTime),
		"subscription": priceTable(p.Subscription),
	})
}

func priceTable(tiers map[string]payments.Tier) map[string]priceResponse {
	out := make(map[string]priceResponse, len(tiers))
	for name, t := range tiers {
		out[name] = priceResponse{Minutes: t.Minutes, AmountCents: t.AmountCents, PricePerMinute: t.PricePerMinute()}
	}
	return out
}

// PaymentWebhook acknowledges an event only once it has been applied.
func (a *App) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "Invalid payload")
		return
	}
	err = a.Payments.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		a.json(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, payments.ErrNotConfigured):
		zerolog.Ctx(r.Context()).Error().Msg("payment webhook secret not configured")
		a.error(w, http.StatusInternalServerError, "internal", "Webhook secret not configured. Cannot process webhooks securely.")
	case errors.Is(err, payments.ErrMissingSignature):
		a.error(w, http.StatusBadRequest, "bad_request", "Missing stripe-signature header")
	case errors.Is(err, payments.ErrInvalidSignature):
		a.error(w, http.StatusBadRequest, "bad_request", "Invalid signature")
	case errors.Is(err, payments.ErrInvalidPayload):
		a.error(w, http.StatusBadRequest, "bad_request", "Invalid payload")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("payment webhook processing failed")
		a.error(w, http.StatusInternalServerError, "internal", "webhook processing failed")
	}
}
