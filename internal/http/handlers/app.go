package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"orbital/internal/domain"
	"orbital/internal/jobs"
	"orbital/internal/ledger"
	"orbital/internal/middleware"
	"orbital/internal/payments"
)

const maxBodyBytes = 12 << 20

// App holds the services behind the HTTP API. Components are pinged by
// /health?detailed=true.
type App struct {
	Jobs        *jobs.Service
	Ledger      *ledger.Service
	Payments    *payments.Processor
	Components  map[string]domain.Pinger
	ServiceName string
	Version     string
	Logger      zerolog.Logger

	validate *validator.Validate
	now      func() time.Time
}

func NewApp(jobSvc *jobs.Service, ledgerSvc *ledger.Service, proc *payments.Processor, components map[string]domain.Pinger, serviceName, version string, logger zerolog.Logger) *App {
	return &App{
		Jobs:        jobSvc,
		Ledger:      ledgerSvc,
		Payments:    proc,
		Components:  components,
		ServiceName: serviceName,
		Version:     version,
		Logger:      logger.With().Str("component", "http").Logger(),
		validate:    newValidator(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{"error": errCode, "message": message})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// decode reads a JSON body into v and validates it.
func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return "invalid payload"
	}
	fe := ve[0]
	switch fe.Tag() {
	case "required_without":
		return fmt.Sprintf("Must provide either '%s' or '%s'", fe.Field(), strings.ToLower(fe.Param()))
	case "max":
		return fmt.Sprintf("%s is too long", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// fail maps service errors onto HTTP responses. It is the only place that
// decides status codes for domain errors.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *domain.ValidationError
	var ue *domain.UpstreamError
	switch {
	case errors.As(err, &ve):
		a.error(w, http.StatusBadRequest, "bad_request", ve.Message)
	case isInsufficient(err):
		ib, _ := domain.IsInsufficientBalance(err)
		a.json(w, http.StatusPaymentRequired, map[string]any{
			"error":             "insufficient_minutes",
			"message":           fmt.Sprintf("Insufficient minutes. You need %s more minutes.", ib.Needed()),
			"needed_minutes":    ib.Needed(),
			"available_minutes": ib.Available,
		})
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "Job not found")
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusForbidden, "forbidden", "Access denied")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
	case errors.As(err, &ue):
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("upstream provider failed")
		a.error(w, http.StatusBadGateway, "upstream_error", "Failed to parse problem. Please try again.")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func isInsufficient(err error) bool {
	_, ok := domain.IsInsufficientBalance(err)
	return ok
}

// queryLimit parses ?limit= and falls back to def when absent or invalid.
func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
