package payments

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"orbital/internal/domain"
)

// DefaultTier is used when a renewal references an unknown tier.
const DefaultTier = "starter"

// Tier is one purchasable bundle of minutes.
type Tier struct {
	Minutes     int `yaml:"minutes" json:"minutes"`
	AmountCents int `yaml:"amount_cents" json:"amount_cents"`
}

// PricePerMinute is in dollars, rounded to cents.
func (t Tier) PricePerMinute() float64 {
	if t.Minutes <= 0 {
		return 0
	}
	return math.Round(float64(t.AmountCents)/float64(t.Minutes)) / 100
}

// Pricing holds the one-time and subscription tier tables.
type Pricing struct {
	OneTime      map[string]Tier `yaml:"one_time"`
	Subscription map[string]Tier `yaml:"subscription"`
}

func DefaultPricing() Pricing {
	return Pricing{
		OneTime: map[string]Tier{
			"starter":  {Minutes: 10, AmountCents: 200},
			"standard": {Minutes: 50, AmountCents: 800},
			"pro":      {Minutes: 120, AmountCents: 1500},
		},
		Subscription: map[string]Tier{
			"starter":  {Minutes: 10, AmountCents: 150},
			"standard": {Minutes: 50, AmountCents: 600},
			"pro":      {Minutes: 120, AmountCents: 1200},
		},
	}
}

// LoadPricing reads a YAML tier file over the defaults. An empty path
// returns the defaults unchanged.
func LoadPricing(path string) (Pricing, error) {
	p := DefaultPricing()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Pricing{}, fmt.Errorf("read pricing file: %w", err)
	}
	var override Pricing
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return Pricing{}, fmt.Errorf("parse pricing file: %w", err)
	}
	for name, t := range override.OneTime {
		if t.Minutes <= 0 {
			return Pricing{}, fmt.Errorf("pricing: one_time tier %q needs positive minutes", name)
		}
		p.OneTime[name] = t
	}
	for name, t := range override.Subscription {
		if t.Minutes <= 0 {
			return Pricing{}, fmt.Errorf("pricing: subscription tier %q needs positive minutes", name)
		}
		p.Subscription[name] = t
	}
	return p, nil
}

// Minutes looks up a tier's minutes for the checkout mode.
func (p Pricing) Minutes(mode, tier string) (domain.Minutes, bool) {
	table := p.OneTime
	if mode == modeSubscription {
		table = p.Subscription
	}
	t, ok := table[tier]
	if !ok {
		return 0, false
	}
	return domain.WholeMinutes(t.Minutes), true
}

// RenewalTier returns the subscription tier, falling back to DefaultTier.
func (p Pricing) RenewalTier(name string) (string, Tier) {
	if t, ok := p.Subscription[name]; ok {
		return name, t
	}
	return DefaultTier, p.Subscription[DefaultTier]
}
