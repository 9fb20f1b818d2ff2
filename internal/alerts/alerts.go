// Package alerts posts operational alerts to chat webhooks.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Notifier raises alerts. Implementations never block the caller on
// delivery and never return errors.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, message string, fields map[string]any)
}

// Nop discards every alert.
type Nop struct{}

func (Nop) Notify(context.Context, Severity, string, map[string]any) {}

type sinkKind int

const (
	sinkGeneric sinkKind = iota
	sinkDiscord
	sinkSlack
)

type sink struct {
	url  string
	kind sinkKind
}

func detectSink(url string) sinkKind {
	switch {
	case strings.Contains(url, "discord.com/api/webhooks"), strings.Contains(url, "discordapp.com/api/webhooks"):
		return sinkDiscord
	case strings.Contains(url, "hooks.slack.com"):
		return sinkSlack
	}
	return sinkGeneric
}

// Config selects webhook targets.
type Config struct {
	Enabled     bool
	URLs        []string
	Cooldown    time.Duration
	Environment string
	Service     string
}

// Webhook fans alerts out to every configured URL, suppressing repeats of
// the same severity and message within the cooldown.
type Webhook struct {
	sinks    []sink
	client   *http.Client
	logger   zerolog.Logger
	cooldown time.Duration
	env      string
	service  string
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	wg       sync.WaitGroup
}

// NewWebhook returns Nop when alerting is disabled or no URL is configured.
func NewWebhook(cfg Config, logger zerolog.Logger) Notifier {
	var sinks []sink
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			sinks = append(sinks, sink{url: u, kind: detectSink(u)})
		}
	}
	if !cfg.Enabled || len(sinks) == 0 {
		logger.Debug().Msg("alerts: disabled")
		return Nop{}
	}
	return newWebhook(cfg, sinks, &http.Client{Timeout: 5 * time.Second}, logger)
}

func newWebhook(cfg Config, sinks []sink, client *http.Client, logger zerolog.Logger) *Webhook {
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	service := cfg.Service
	if service == "" {
		service = "orbital"
	}
	return &Webhook{
		sinks:    sinks,
		client:   client,
		logger:   logger.With().Str("component", "alerts").Logger(),
		cooldown: cooldown,
		env:      cfg.Environment,
		service:  service,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (w *Webhook) Notify(_ context.Context, severity Severity, message string, fields map[string]any) {
	key := string(severity) + ":" + truncate(message, 100)
	if !w.allow(key) {
		w.logger.Debug().Str("alert_key", key).Msg("alerts: suppressed by cooldown")
		return
	}
	for _, s := range w.sinks {
		payload, err := json.Marshal(w.payload(s.kind, severity, message, fields))
		if err != nil {
			w.logger.Error().Err(err).Msg("alerts: encode payload")
			continue
		}
		w.wg.Add(1)
		go func(url string, body []byte) {
			defer w.wg.Done()
			w.send(url, body)
		}(s.url, payload)
	}
}

// Wait blocks until in-flight sends finish.
func (w *Webhook) Wait() {
	w.wg.Wait()
}

func (w *Webhook) allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	lim, ok := w.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(w.cooldown), 1)
		w.limiters[key] = lim
	}
	return lim.AllowN(w.now(), 1)
}

func (w *Webhook) send(url string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error().Err(err).Msg("alerts: build request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Error().Err(err).Msg("alerts: send failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Warn().Int("status", resp.StatusCode).Msg("alerts: webhook rejected alert")
	}
}

func (w *Webhook) payload(kind sinkKind, severity Severity, message string, fields map[string]any) any {
	now := w.now().UTC()
	title := fmt.Sprintf("%s: %s alert", strings.ToUpper(string(severity)), w.service)
	keys := sortedKeys(fields)
	switch kind {
	case sinkDiscord:
		embed := map[string]any{
			"title":       title,
			"description": message,
			"color":       discordColor(severity),
			"timestamp":   now.Format(time.RFC3339),
			"footer":      map[string]string{"text": "Environment: " + w.env},
		}
		if len(keys) > 0 {
			var out []map[string]any
			for _, k := range keys {
				out = append(out, map[string]any{"name": k, "value": truncate(fmt.Sprint(fields[k]), 1024), "inline": true})
			}
			embed["fields"] = out
		}
		return map[string]any{"embeds": []any{embed}}
	case sinkSlack:
		blocks := []any{
			map[string]any{"type": "header", "text": map[string]string{"type": "plain_text", "text": title}},
			map[string]any{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": message}},
		}
		if len(keys) > 0 {
			var lines []string
			for _, k := range keys {
				lines = append(lines, fmt.Sprintf("*%s:* %v", k, fields[k]))
			}
			blocks = append(blocks, map[string]any{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": strings.Join(lines, "\n")}})
		}
		blocks = append(blocks, map[string]any{
			"type": "context",
			"elements": []any{map[string]string{
				"type": "mrkdwn",
				"text": fmt.Sprintf("Environment: %s | %s", w.env, now.Format("2006-01-02 15:04:05 UTC")),
			}},
		})
		return map[string]any{"blocks": blocks}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return map[string]any{
		"level":       string(severity),
		"message":     message,
		"details":     fields,
		"environment": w.env,
		"timestamp":   now.Format(time.RFC3339),
		"service":     w.service,
	}
}

func discordColor(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0xFF0000
	case SeverityError:
		return 0xFFA500
	}
	return 0xFFD700
}

// sortedKeys returns at most ten keys, the embed field limit.
func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 10 {
		keys = keys[:10]
	}
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
