// Package identity verifies bearer tokens issued by the identity provider.
package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// Verifier turns a raw bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the subset of registered claims the API relies on.
type Claims struct {
	Sub      string   `json:"sub"`
	Email    string   `json:"email,omitempty"`
	Exp      int64    `json:"exp,omitempty"`
	Issuer   string   `json:"iss,omitempty"`
	Audience Audience `json:"aud,omitempty"`
}

// Audience accepts both the string and array forms of "aud".
type Audience []string

func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

func (a *Audience) UnmarshalJSON(raw []byte) error {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		*a = Audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return err
	}
	*a = many
	return nil
}

func (a Audience) contains(want string) bool {
	for _, v := range a {
		if v == want {
			return true
		}
	}
	return false
}

// check applies the expiry, issuer and audience rules shared by verifiers.
// Empty issuer or audience settings skip that check.
func (c Claims) check(issuer, audience string, now time.Time) (Identity, error) {
	if strings.TrimSpace(c.Sub) == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if c.Exp != 0 && now.Unix() > c.Exp {
		return Identity{}, ErrExpired
	}
	if issuer != "" && strings.TrimRight(c.Issuer, "/") != strings.TrimRight(issuer, "/") {
		return Identity{}, fmt.Errorf("%w: issuer", ErrInvalidToken)
	}
	if audience != "" && !c.Audience.contains(audience) {
		return Identity{}, fmt.Errorf("%w: audience", ErrInvalidToken)
	}
	return Identity{UserID: c.Sub, Email: c.Email}, nil
}

type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

type parsedToken struct {
	header       header
	claims       Claims
	signature    []byte
	signingInput string
}

func parseToken(token string) (*parsedToken, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	p := &parsedToken{signature: signature, signingInput: parts[0] + "." + parts[1]}
	if err := json.Unmarshal(headerJSON, &p.header); err != nil {
		return nil, ErrInvalidToken
	}
	if err := json.Unmarshal(payloadJSON, &p.claims); err != nil {
		return nil, ErrInvalidToken
	}
	return p, nil
}

func encodeSegment(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
