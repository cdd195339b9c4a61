// Package cost computes USD and SEK cost figures for LLM and embedding usage.
package cost

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates holds per-provider pricing plus the fixed SEK conversion multiplier.
// Costs are surfaced in metadata only; the core enforces no quota.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Voyage    VoyageRate           `yaml:"voyage" mapstructure:"voyage"`
	SEKPerUSD float64              `yaml:"sek_per_usd" mapstructure:"sek_per_usd"`
}

// VoyageRate holds embedding pricing.
type VoyageRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	if rates.SEKPerUSD <= 0 {
		rates.SEKPerUSD = DefaultRates().SEKPerUSD
	}
	return &Calculator{rates: rates}
}

// Claude computes the USD cost for a Claude API call.
func (c *Calculator) Claude(model string, input, output int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Embedding computes the USD cost for Voyage embedding token usage.
func (c *Calculator) Embedding(tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Voyage.PerMTok
}

// ToSEK converts a USD cost using the fixed configured multiplier.
func (c *Calculator) ToSEK(usd float64) float64 {
	return usd * c.rates.SEKPerUSD
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		},
		Voyage:    VoyageRate{PerMTok: 0.06},
		SEKPerUSD: 10.5,
	}
}
