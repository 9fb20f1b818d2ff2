// Package parser turns a math problem into a narrated step script.
package parser

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"orbital/internal/domain"
)

// Provider names accepted by PARSER_PROVIDER.
const (
	ProviderDeepSeek = "deepseek"
	ProviderOpenAI   = "openai"
	ProviderStatic   = "static"
)

// Request carries either sanitized problem text or a bare base64 image.
type Request struct {
	Problem     string
	ImageBase64 string
}

// Parser produces a script. Script.Problem holds the problem text, which for
// image requests is the text read from the image.
type Parser interface {
	Parse(ctx context.Context, req Request) (*domain.Script, error)
}

// StaticParser returns a fixed three-step script. It serves local runs and
// tests where no model is configured.
type StaticParser struct{}

func NewStaticParser() *StaticParser {
	return &StaticParser{}
}

func (s *StaticParser) Parse(_ context.Context, req Request) (*domain.Script, error) {
	problem := strings.TrimSpace(req.Problem)
	if problem == "" && req.ImageBase64 != "" {
		problem = "the problem in the picture"
	}
	if problem == "" {
		return nil, &domain.ValidationError{Message: "Must provide either 'problem' or 'image'"}
	}
	title := cases.Title(language.English)
	return &domain.Script{
		Problem: problem,
		Meta: domain.ScriptMeta{
			Topic:      title.String("worked example"),
			Difficulty: "medium",
			LaTeX:      problem,
		},
		Steps: []domain.Step{
			{Narration: "(calm) Let's read the problem carefully.", LaTeX: problem},
			{Narration: "Now we work through it one operation at a time.", LaTeX: `\text{step by step}`},
			{Narration: fmt.Sprintf("(satisfied) And that is how we solve %s.", problem), LaTeX: `\blacksquare`},
		},
	}, nil
}

var _ Parser = (*StaticParser)(nil)
