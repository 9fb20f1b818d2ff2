package parser

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"orbital/internal/domain"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(status int, content string) *http.Response {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"content": content}}},
	})
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(string(body))),
	}
}

func TestChatParserParsesFencedJSON(t *testing.T) {
	var gotURL, gotAuth string
	var gotReq chatRequest
	p, err := NewChatParser(ChatOptions{
		Provider: ProviderDeepSeek,
		APIKey:   "sk-test",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			gotURL = r.URL.String()
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&gotReq)
			return jsonResponse(http.StatusOK, "```json\n{\"meta\":{\"topic\":\"Linear equations\"},\"steps\":[{\"narration\":\"(calm) Add seven to both sides.\",\"latex\":\"3x = 21\"},{\"narration\":\"  \",\"latex\":\"\"}]}\n```"), nil
		})},
	})
	if err != nil {
		t.Fatalf("NewChatParser returned error: %v", err)
	}
	script, err := p.Parse(context.Background(), Request{Problem: "Solve 3x - 7 = 14"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if gotURL != "https://api.deepseek.com/chat/completions" {
		t.Fatalf("url = %q", gotURL)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotReq.Model != "deepseek-chat" {
		t.Fatalf("model = %q, want deepseek-chat", gotReq.Model)
	}
	if len(script.Steps) != 1 {
		t.Fatalf("steps = %d, want 1 (blank narration dropped)", len(script.Steps))
	}
	if script.Meta.Topic != "Linear equations" || script.Meta.Difficulty != "medium" {
		t.Fatalf("meta = %+v", script.Meta)
	}
	if script.Problem != "Solve 3x - 7 = 14" {
		t.Fatalf("problem = %q", script.Problem)
	}
}

func TestChatParserUpstreamFailure(t *testing.T) {
	var reason string
	p, err := NewChatParser(ChatOptions{
		Provider: ProviderOpenAI,
		APIKey:   "sk-test",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusBadGateway, ""), nil
		})},
		OnFailure: func(r string, err error) { reason = r },
	})
	if err != nil {
		t.Fatalf("NewChatParser returned error: %v", err)
	}
	_, err = p.Parse(context.Background(), Request{Problem: "2+2"})
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("got %v want *domain.UpstreamError", err)
	}
	if reason != "http_502" {
		t.Fatalf("reason = %q, want http_502", reason)
	}
}

func TestChatParserEmptySteps(t *testing.T) {
	p, _ := NewChatParser(ChatOptions{
		Provider: ProviderOpenAI,
		APIKey:   "sk-test",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"steps":[]}`), nil
		})},
	})
	_, err := p.Parse(context.Background(), Request{Problem: "2+2"})
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("got %v want *domain.UpstreamError", err)
	}
}

func TestChatParserImageNeedsVision(t *testing.T) {
	p, _ := NewChatParser(ChatOptions{Provider: ProviderDeepSeek, APIKey: "sk-test"})
	_, err := p.Parse(context.Background(), Request{ImageBase64: "aGVsbG8="})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v want *domain.ValidationError", err)
	}
}

func TestChatParserImageExtraction(t *testing.T) {
	calls := 0
	p, _ := NewChatParser(ChatOptions{
		Provider: ProviderOpenAI,
		APIKey:   "sk-test",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return jsonResponse(http.StatusOK, " Solve x + 1 = 2 "), nil
			}
			return jsonResponse(http.StatusOK, `{"steps":[{"narration":"Subtract one.","latex":"x = 1"}]}`), nil
		})},
	})
	script, err := p.Parse(context.Background(), Request{ImageBase64: "aGVsbG8="})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if script.Problem != "Solve x + 1 = 2" {
		t.Fatalf("problem = %q", script.Problem)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestNormalizeModel(t *testing.T) {
	cases := []struct {
		input  string
		model  string
		reason string
	}{
		{"deepseek-chat", "deepseek-chat", ""},
		{"DeepSeek R1", "deepseek-reasoner", "alias"},
		{"gpt4o", "gpt-4o", "alias"},
		{"llama-3", "deepseek-chat", "defaulted"},
		{"", "deepseek-chat", ""},
	}
	for _, tc := range cases {
		model, reason := normalizeModel(tc.input, "deepseek-chat")
		if model != tc.model || reason != tc.reason {
			t.Fatalf("%q: got %q/%q want %q/%q", tc.input, model, reason, tc.model, tc.reason)
		}
	}
}

func TestNewChatParserRequiresKey(t *testing.T) {
	if _, err := NewChatParser(ChatOptions{Provider: ProviderOpenAI}); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := NewChatParser(ChatOptions{Provider: "gemini", APIKey: "x"}); err == nil {
		t.Fatal("expected unsupported provider error")
	}
}

func TestStaticParser(t *testing.T) {
	script, err := NewStaticParser().Parse(context.Background(), Request{Problem: "2+2"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(script.Steps) != 3 || script.Meta.Topic != "Worked Example" {
		t.Fatalf("script = %+v", script)
	}
}
