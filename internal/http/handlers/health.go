package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

const pingTimeout = 2 * time.Second

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health reports liveness. With ?detailed=true each component is pinged and
// a failing one marks the service degraded.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "healthy",
		"service":   a.ServiceName,
		"version":   a.Version,
		"timestamp": a.now().Format(time.RFC3339),
	}
	if r.URL.Query().Get("detailed") != "true" {
		a.json(w, http.StatusOK, body)
		return
	}

	names := make([]string, 0, len(a.Components))
	for name := range a.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make(map[string]componentHealth, len(names))
	healthy := true
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := a.Components[name].Ping(ctx)
		cancel()
		if err != nil {
			healthy = false
			components[name] = componentHealth{Status: "unhealthy", Error: truncate(err.Error(), 100)}
			continue
		}
		components[name] = componentHealth{Status: "healthy"}
	}
	body["components"] = components
	if !healthy {
		body["status"] = "degraded"
	}
	a.json(w, http.StatusOK, body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
