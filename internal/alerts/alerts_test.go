package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDetectSink(t *testing.T) {
	tests := []struct {
		url  string
		want sinkKind
	}{
		{"https://discord.com/api/webhooks/1/abc", sinkDiscord},
		{"https://discordapp.com/api/webhooks/1/abc", sinkDiscord},
		{"https://hooks.slack.com/services/T/B/X", sinkSlack},
		{"https://alerts.example.com/hook", sinkGeneric},
	}
	for _, tc := range tests {
		if got := detectSink(tc.url); got != tc.want {
			t.Fatalf("detectSink(%q): got %v want %v", tc.url, got, tc.want)
		}
	}
}

func TestNewWebhookDisabledReturnsNop(t *testing.T) {
	n := NewWebhook(Config{Enabled: false, URLs: []string{"https://example.com"}}, zerolog.Nop())
	if _, ok := n.(Nop); !ok {
		t.Fatalf("expected Nop notifier, got %T", n)
	}
	n = NewWebhook(Config{Enabled: true}, zerolog.Nop())
	if _, ok := n.(Nop); !ok {
		t.Fatalf("expected Nop notifier without URLs, got %T", n)
	}
}

func TestWebhookSendsGenericPayloadAndAppliesCooldown(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	w := newWebhook(Config{Cooldown: time.Minute, Environment: "test"}, []sink{{url: srv.URL, kind: sinkGeneric}}, srv.Client(), zerolog.Nop())
	w.now = func() time.Time { return now }

	ctx := context.Background()
	w.Notify(ctx, SeverityCritical, "ledger debit failed", map[string]any{"job_id": "abc12345"})
	w.Notify(ctx, SeverityCritical, "ledger debit failed", map[string]any{"job_id": "abc12345"})
	w.Wait()

	mu.Lock()
	if len(bodies) != 1 {
		mu.Unlock()
		t.Fatalf("expected one delivery within cooldown, got %d", len(bodies))
	}
	if bodies[0]["level"] != "critical" || bodies[0]["message"] != "ledger debit failed" {
		mu.Unlock()
		t.Fatalf("unexpected payload: %v", bodies[0])
	}
	mu.Unlock()

	now = now.Add(61 * time.Second)
	w.Notify(ctx, SeverityCritical, "ledger debit failed", nil)
	w.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected delivery after cooldown, got %d", len(bodies))
	}
}

func TestDiscordPayloadColors(t *testing.T) {
	w := newWebhook(Config{Environment: "prod"}, nil, http.DefaultClient, zerolog.Nop())
	payload := w.payload(sinkDiscord, SeverityCritical, "boom", map[string]any{"user": "abc"}).(map[string]any)
	embeds := payload["embeds"].([]any)
	embed := embeds[0].(map[string]any)
	if embed["color"] != 0xFF0000 {
		t.Fatalf("critical color mismatch: got %v", embed["color"])
	}
	payload = w.payload(sinkDiscord, SeverityError, "boom", nil).(map[string]any)
	embed = payload["embeds"].([]any)[0].(map[string]any)
	if embed["color"] != 0xFFA500 {
		t.Fatalf("error color mismatch: got %v", embed["color"])
	}
	if _, ok := embed["fields"]; ok {
		t.Fatal("no fields expected without details")
	}
}

func TestSlackPayloadBlocks(t *testing.T) {
	w := newWebhook(Config{}, nil, http.DefaultClient, zerolog.Nop())
	payload := w.payload(sinkSlack, SeverityError, "stripe webhook failed", map[string]any{"event": "evt_1"}).(map[string]any)
	blocks := payload["blocks"].([]any)
	if len(blocks) != 4 {
		t.Fatalf("block count mismatch: got %d want 4", len(blocks))
	}
	if blocks[0].(map[string]any)["type"] != "header" {
		t.Fatalf("first block should be header: %v", blocks[0])
	}
}

func TestRecorderCounts(t *testing.T) {
	var r Recorder
	r.Notify(context.Background(), SeverityWarning, "a", nil)
	r.Notify(context.Background(), SeverityCritical, "b", nil)
	if r.Count(SeverityCritical) != 1 || len(r.Alerts()) != 2 {
		t.Fatalf("recorder mismatch: %+v", r.Alerts())
	}
}
