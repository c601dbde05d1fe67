// Package cost prices tier operations and tracks per-run spend.
package cost

import (
	"math"
	"time"

	"github.com/sells-group/rate-remediator/internal/config"
)

// Calculator converts provider usage into integer cents. Every price is
// rounded up so tracked spend never undercounts the bill.
type Calculator struct {
	rates config.PricingConfig
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates config.PricingConfig) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of a Claude API call. Unknown models cost 0.
func (c *Calculator) Claude(model string, input, output int64) int64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}
	usd := (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
	return toCents(usd)
}

// PerplexityQuery returns the flat cost of one search query.
func (c *Calculator) PerplexityQuery() int64 {
	return toCents(c.rates.Perplexity.PerQuery)
}

// Call prices an outbound call of duration d: the connect fee plus every
// started minute.
func (c *Calculator) Call(d time.Duration) int64 {
	if d <= 0 {
		return toCents(c.rates.Voice.ConnectFee)
	}
	minutes := math.Ceil(d.Minutes())
	return toCents(c.rates.Voice.ConnectFee + minutes*c.rates.Voice.PerMinute)
}

// CallPerMinute is the per-minute call price in cents, used to project
// spend while a call is still running.
func (c *Calculator) CallPerMinute() int64 {
	return toCents(c.rates.Voice.PerMinute)
}

func toCents(usd float64) int64 {
	if usd <= 0 {
		return 0
	}
	// Trim float noise such as 0.35*100 = 35.00000000000001 before rounding up.
	cents := math.Round(usd*100*1e6) / 1e6
	return int64(math.Ceil(cents))
}
