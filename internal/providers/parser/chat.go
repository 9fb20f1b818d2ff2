package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"orbital/internal/domain"
)

// ChatOptions configures an OpenAI-compatible chat completions parser.
type ChatOptions struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	// OnFailure observes every failed call with a short reason code.
	OnFailure func(reason string, err error)
	OnWarning func(reason, detail string)
}

// ChatParser calls DeepSeek or OpenAI. Both speak the same chat completions
// protocol; only the base URL and model differ.
type ChatParser struct {
	provider  string
	apiKey    string
	model     string
	baseURL   string
	client    *http.Client
	onFailure func(reason string, err error)
}

const chatDefaultTimeout = 60 * time.Second

var providerDefaults = map[string]struct {
	baseURL string
	model   string
}{
	ProviderDeepSeek: {baseURL: "https://api.deepseek.com", model: "deepseek-chat"},
	ProviderOpenAI:   {baseURL: "https://api.openai.com/v1", model: "gpt-4o"},
}

var modelCanonical = map[string]string{
	"deepseek-chat":     "deepseek-chat",
	"deepseek-reasoner": "deepseek-reasoner",
	"gpt-4o":            "gpt-4o",
	"gpt-4o-mini":       "gpt-4o-mini",
}

var modelAliases = map[string]string{
	"deepseek-v3": "deepseek-chat",
	"deepseek-r1": "deepseek-reasoner",
	"gpt4o":       "gpt-4o",
	"gpt4o-mini":  "gpt-4o-mini",
	"gpt4omini":   "gpt-4o-mini",
}

const systemPrompt = `You write step-by-step math video scripts for students who need to see every calculation.
Respond only with JSON of this shape:
{"meta":{"topic":string,"difficulty":"easy|medium|hard","latex":string},"steps":[{"narration":string,"latex":string}]}
Rules: one operation per step; never skip arithmetic; show both sides of every algebra move;
spell numbers as words in narration; keep narration conversational; latex holds the expression on screen.`

const visionPrompt = "Extract the math problem from this image. Return only the problem text. If there are several problems, return the first one."

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func NewChatParser(opts ChatOptions) (*ChatParser, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	defaults, ok := providerDefaults[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported parser provider %q", opts.Provider)
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%s api key is required", provider)
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaults.baseURL
	}
	modelInput := strings.TrimSpace(opts.Model)
	model, reason := normalizeModel(modelInput, defaults.model)
	if reason != "" && opts.OnWarning != nil {
		opts.OnWarning("model_"+reason, fmt.Sprintf("requested=%s resolved=%s", coalesce(modelInput, defaults.model), model))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: chatDefaultTimeout}
	}
	return &ChatParser{
		provider:  provider,
		apiKey:    strings.TrimSpace(opts.APIKey),
		model:     model,
		baseURL:   baseURL,
		client:    client,
		onFailure: opts.OnFailure,
	}, nil
}

func (p *ChatParser) Parse(ctx context.Context, req Request) (*domain.Script, error) {
	problem := strings.TrimSpace(req.Problem)
	if req.ImageBase64 != "" {
		extracted, err := p.extractProblem(ctx, req.ImageBase64)
		if err != nil {
			return nil, err
		}
		problem = extracted
	}
	if problem == "" {
		return nil, &domain.ValidationError{Message: "Must provide either 'problem' or 'image'"}
	}

	text, err := p.complete(ctx, chatRequest{
		Model:       p.model,
		Temperature: 0.3,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Create a step-by-step video script for this problem:\n\n" + problem},
		},
	})
	if err != nil {
		return nil, err
	}
	parsed, err := parseModelPayload[modelScriptPayload](text)
	if err != nil {
		return nil, p.fail("parse_payload", err)
	}
	steps := cleanSteps(parsed.Steps)
	if len(steps) == 0 {
		return nil, p.fail("empty_steps", errors.New("parser returned no steps"))
	}
	meta := parsed.Meta
	meta.Topic = coalesce(meta.Topic, "Math Problem")
	meta.Difficulty = coalesce(meta.Difficulty, "medium")
	return &domain.Script{Problem: problem, Meta: meta, Steps: steps}, nil
}

// extractProblem reads the problem text out of an image. Only the OpenAI
// provider has a vision model.
func (p *ChatParser) extractProblem(ctx context.Context, imageB64 string) (string, error) {
	if p.provider != ProviderOpenAI {
		return "", &domain.ValidationError{Message: "Image problems are not supported by the configured parser"}
	}
	text, err := p.complete(ctx, chatRequest{
		Model:     p.model,
		MaxTokens: 500,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: visionPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + imageB64}},
			},
		}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (p *ChatParser) complete(ctx context.Context, payload chatRequest) (string, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", p.fail("encode_request", err)
	}
	endpoint := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", p.fail("build_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", p.fail("http_request", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", p.fail(fmt.Sprintf("http_%d", resp.StatusCode), fmt.Errorf("%s status %d: %s", p.provider, resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", p.fail("decode_response", err)
	}
	if len(out.Choices) == 0 {
		return "", p.fail("empty_choices", errors.New("no choices"))
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", p.fail("empty_response", errors.New("empty response"))
	}
	return text, nil
}

func (p *ChatParser) fail(reason string, err error) error {
	if p.onFailure != nil {
		p.onFailure(reason, err)
	}
	return &domain.UpstreamError{Provider: p.provider, Err: fmt.Errorf("%s: %w", reason, err)}
}

var _ Parser = (*ChatParser)(nil)

func normalizeModel(name, fallback string) (string, string) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fallback, ""
	}
	normalized := strings.ToLower(trimmed)
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	if canonical, ok := modelCanonical[normalized]; ok {
		return canonical, ""
	}
	if alias, ok := modelAliases[normalized]; ok {
		return alias, "alias"
	}
	return fallback, "defaulted"
}
