package tier

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/rate-remediator/internal/cost"
	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/pkg/perplexity"
)

const searchSystemPrompt = "You research self-storage pricing. Answer only with unit sizes and monthly prices " +
	"found in public sources, one per line, formatted as `WxD: $PRICE`. If no price is published, say so."

// SearchWorker is tier 1: a web-grounded search for published rates.
type SearchWorker struct {
	client perplexity.Client
	calc   *cost.Calculator
}

// NewSearchWorker creates the tier 1 worker.
func NewSearchWorker(client perplexity.Client, calc *cost.Calculator) *SearchWorker {
	return &SearchWorker{client: client, calc: calc}
}

func (w *SearchWorker) Type() model.WorkerType { return model.WorkerTier1Search }

func (w *SearchWorker) Attempt(ctx context.Context, gap model.Gap, cfg Config) Outcome {
	price := w.calc.PerplexityQuery()
	if price > cfg.Ceiling() {
		return CostExceeded(fmt.Sprintf("search costs %d cents, %d available", price, cfg.Ceiling()), 0)
	}

	temp := 0.0
	resp, err := w.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: searchSystemPrompt},
			{Role: "user", Content: searchPrompt(gap, cfg.Hints)},
		},
		Temperature:         &temp,
		SearchRecencyFilter: "year",
	})
	if err != nil {
		return providerFailure(ctx, "perplexity", err)
	}

	source := "perplexity"
	if len(resp.Citations) > 0 {
		source = resp.Citations[0]
	}
	o := judge(gap, ExtractRates(resp.Content(), source), 0.25, 0.7, source)
	o.CostCents = price
	if len(resp.Citations) > 0 {
		o.Metadata["citations"] = resp.Citations
	}
	return o
}

func searchPrompt(gap model.Gap, hints map[string]string) string {
	c := gap.Competitor
	var b strings.Builder
	fmt.Fprintf(&b, "Current monthly rents at the self-storage facility %q", c.Name)
	if c.Address != "" {
		fmt.Fprintf(&b, " located at %s", c.Address)
	}
	if site := hints[MetaWebsite]; site != "" {
		fmt.Fprintf(&b, " (website %s)", site)
	}
	b.WriteString(".")
	if len(gap.TargetUnitSizes) > 0 {
		fmt.Fprintf(&b, " I need prices for these unit sizes: %s.", strings.Join(gap.TargetUnitSizes, ", "))
	}
	return b.String()
}
