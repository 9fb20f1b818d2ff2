// Package sanitize screens user problem text and images before they reach
// the parser.
package sanitize

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"orbital/internal/domain"
)

const (
	MinProblemLength = 3
	MaxProblemLength = 2000
	MaxProblemLines  = 20
	// MaxImageBase64 bounds the encoded payload, roughly 7.5MB of image.
	MaxImageBase64 = 10 * 1024 * 1024
	minImageBytes  = 100
)

var injectionPatterns = []string{
	`ignore\s+(all\s+)?(previous|prior|above)?\s*(instructions?|prompts?|rules?)`,
	`ignore\s+all\s+rules?`,
	`disregard\s+(all\s+)?(previous|prior|above)`,
	`forget\s+(everything|all|what)\s+(you|i)\s+(said|told|know)`,
	`new\s+instructions?:`,
	`system\s*prompt`,
	`you\s+are\s+now`,
	`act\s+as\s+(if|a)`,
	`pretend\s+(you|to)\s+(are|be)`,
	`roleplay\s+as`,
	`do\s+anything\s+now`,
	`dan\s+mode`,
	`developer\s+mode`,
	`jailbreak`,
	`bypass\s+(filter|safety|restriction)`,
	`(what|show|tell|reveal|display)\s+(me\s+)?(your|the)\s+(system|initial|original)\s+(prompt|instructions?)`,
	`repeat\s+(your|the)\s+(system|initial)\s+(prompt|instructions?)`,
	`(api|secret)\s*key`,
	`respond\s+(only\s+)?with`,
	`output\s+(only|just)`,
	`print\s+(only|just)`,
}

var nonMathPatterns = compileAll([]string{
	`write\s+(me\s+)?(a|an)\s+(story|essay|poem|article|code|script|email)`,
	`(hack|attack|exploit|steal)`,
	`(password|credit\s*card|ssn|social\s*security)`,
	`(kill|murder|harm|hurt|attack)\s+(someone|people|a\s+person)`,
})

var stripPatterns = compileAll([]string{
	`<script[^>]*>.*?</script>`,
	`<[^>]+>`,
	`javascript:`,
	`on\w+\s*=`,
})

var (
	injection        = compileAll(injectionPatterns)
	injectionNoSpace = compileAll(withoutWhitespace(injectionPatterns))
	whitespaceRun    = regexp.MustCompile(`\s+`)
)

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// withoutWhitespace drops the whitespace tokens so "i g n o r e" style
// spacing is caught against the space-stripped text.
func withoutWhitespace(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ReplaceAll(p, `\s+`, "")
		p = strings.ReplaceAll(p, `\s*`, "")
		out = append(out, p)
	}
	return out
}

// Result is the cleaned problem text. Warning is set when markup was
// stripped.
type Result struct {
	Text    string
	Warning string
}

// Problem validates and cleans problem text.
func Problem(raw string) (Result, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Result{}, invalid("Problem text is required")
	}
	n := utf8.RuneCountInString(text)
	if n < MinProblemLength {
		return Result{}, invalid("Problem is too short. Please enter a complete math problem.")
	}
	if n > MaxProblemLength {
		return Result{}, invalid("Problem is too long (%d chars). Maximum is %d characters.", n, MaxProblemLength)
	}
	if lines := strings.Count(text, "\n") + 1; lines > MaxProblemLines {
		return Result{}, invalid("Problem has too many lines (%d). Maximum is %d lines.", lines, MaxProblemLines)
	}
	if LooksLikeInjection(text) {
		return Result{}, invalid("Your input contains patterns that aren't allowed. Please enter a valid math problem.")
	}
	for _, re := range nonMathPatterns {
		if re.MatchString(text) {
			return Result{}, invalid("This doesn't look like a math problem. Please enter a mathematical question.")
		}
	}

	var res Result
	for _, re := range stripPatterns {
		if re.MatchString(text) {
			text = re.ReplaceAllString(text, "")
			res.Warning = "Some formatting was removed from your input."
		}
	}
	text = strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
	if utf8.RuneCountInString(text) < MinProblemLength {
		return Result{}, invalid("After cleaning, the problem is too short. Please enter a valid math problem.")
	}
	res.Text = text
	return res, nil
}

// LooksLikeInjection checks the NFKC-normalized lowercase text, and the same
// text with spaces removed, against known prompt-injection phrasings.
func LooksLikeInjection(text string) bool {
	normalized := strings.ToLower(norm.NFKC.String(text))
	for _, re := range injection {
		if re.MatchString(normalized) {
			return true
		}
	}
	compact := strings.ReplaceAll(normalized, " ", "")
	for _, re := range injectionNoSpace {
		if re.MatchString(compact) {
			return true
		}
	}
	return false
}

var imageMagic = [][]byte{
	[]byte("\x89PNG"),
	[]byte("\xff\xd8\xff"),
	[]byte("GIF87a"),
	[]byte("GIF89a"),
	[]byte("RIFF"),
}

// Image validates a base64 image, optionally carrying a data-URL prefix, and
// returns the bare base64 payload.
func Image(raw string) (string, error) {
	if raw == "" {
		return "", invalid("Image data is required")
	}
	if strings.HasPrefix(raw, "data:") {
		_, payload, ok := strings.Cut(raw, ";base64,")
		if !ok {
			return "", invalid("Invalid image format")
		}
		raw = payload
	}
	if len(raw) > MaxImageBase64 {
		return "", invalid("Image is too large. Maximum size is ~7.5MB.")
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", invalid("Invalid base64 image data")
	}
	if len(decoded) < minImageBytes {
		return "", invalid("Image is too small or empty")
	}
	for _, magic := range imageMagic {
		if bytes.HasPrefix(decoded, magic) {
			return raw, nil
		}
	}
	return "", invalid("Invalid image format. Supported: PNG, JPEG, GIF, WebP")
}

func invalid(format string, args ...any) error {
	return &domain.ValidationError{Message: fmt.Sprintf(format, args...)}
}
