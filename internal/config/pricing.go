package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	PricingModelFree      = "free"
	PricingModelPayPerUse = "pay-per-use"
)

// PricingTier is one entry of the pricing catalog. Amount is in minor currency units.
type PricingTier struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Model       string `yaml:"model"`
	Amount      int64  `yaml:"amount"`
	Currency    string `yaml:"currency"`
}

// Paid reports whether a transformation on this tier opens a billing record.
func (t PricingTier) Paid() bool {
	return t.Model == PricingModelPayPerUse && t.Amount > 0
}

type PricingCatalog struct {
	Tiers       map[string]PricingTier `yaml:"tiers"`
	DefaultTier string                 `yaml:"default_tier"`
}

const defaultCatalog = `
default_tier: free
tiers:
  free:
    name: Free
    description: Free allotment only
    model: free
    amount: 0
    currency: USD
  basic:
    name: Basic
    description: Pay per transformation
    model: pay-per-use
    amount: 99
    currency: USD
  premium:
    name: Premium
    description: Pay per transformation, high resolution
    model: pay-per-use
    amount: 199
    currency: USD
`

// LoadPricingCatalog reads the YAML catalog at path, or the built-in catalog when path is empty.
func LoadPricingCatalog(path string) (*PricingCatalog, error) {
	data := []byte(defaultCatalog)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading pricing catalog %s: %w", path, err)
		}
		data = b
	}
	return ParsePricingCatalog(data)
}

func ParsePricingCatalog(data []byte) (*PricingCatalog, error) {
	var c PricingCatalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing pricing catalog: %w", err)
	}
	if len(c.Tiers) == 0 {
		return nil, fmt.Errorf("pricing catalog has no tiers")
	}
	for id, t := range c.Tiers {
		switch t.Model {
		case PricingModelFree, PricingModelPayPerUse:
		default:
			return nil, fmt.Errorf("tier %s: unknown pricing model %q", id, t.Model)
		}
		if t.Amount < 0 {
			return nil, fmt.Errorf("tier %s: negative amount", id)
		}
		if t.Currency == "" {
			t.Currency = "USD"
		}
		t.Currency = strings.ToUpper(t.Currency)
		c.Tiers[id] = t
	}
	return &c, nil
}

// Lookup returns the tier with the given id.
func (c *PricingCatalog) Lookup(id string) (PricingTier, bool) {
	t, ok := c.Tiers[id]
	return t, ok
}
