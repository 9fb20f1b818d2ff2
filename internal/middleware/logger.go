package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var quietPaths = map[string]struct{}{
	"/health":      {},
	"/favicon.ico": {},
	"/robots.txt":  {},
}

type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Logger attaches a request-scoped logger to the context and logs one line
// per request. Server errors log at error level, client errors at warn.
func Logger(l zerolog.Logger, lookup CountryLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			country := ResolveCountry(r, lookup)
			reqLogger := l.With().
				Str("request_id", RequestIDFromContext(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()
			ctx := reqLogger.WithContext(r.Context())
			if country != "" {
				ctx = context.WithValue(ctx, CountryKey, country)
			}

			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			if _, quiet := quietPaths[r.URL.Path]; quiet && rw.status < http.StatusInternalServerError {
				return
			}
			// Auth may have added user_id to the context logger.
			final := zerolog.Ctx(ctx)
			var evt *zerolog.Event
			switch {
			case rw.status >= http.StatusInternalServerError:
				evt = final.Error()
			case rw.status >= http.StatusBadRequest:
				evt = final.Warn()
			default:
				evt = final.Info()
			}
			evt.Int("status", rw.status).
				Int("bytes", rw.bytes).
				Dur("duration", time.Since(start)).
				Str("country", country).
				Msg("request")
		})
	}
}
