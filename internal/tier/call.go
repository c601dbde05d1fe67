package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/cost"
	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/pkg/anthropic"
	"github.com/sells-group/rate-remediator/pkg/voice"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultMaxPollInterval = 15 * time.Second
	hangupTimeout          = 10 * time.Second
)

const transcriptSystemPrompt = `You read phone call transcripts with self-storage facilities.
Return a JSON array of the rents quoted in the call, one object per unit size:
[{"unit_size": "10x10", "monthly_usd": 129.00}]
Use WxD sizes in feet. Return [] when no rent was quoted. Output only JSON.`

// CallWorker is tier 3: a voice-verification call to the facility. The
// transcript is read by a language model, falling back to pattern
// extraction when no model is configured or its answer is unusable.
type CallWorker struct {
	voice voice.Client
	llm   anthropic.Client
	calc  *cost.Calculator
	opts  CallOptions
}

// CallOptions tunes the call worker.
type CallOptions struct {
	FromNumber      string
	Model           string
	MaxTokens       int64
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

// NewCallWorker creates the tier 3 worker. A nil voice client yields
// NOT_IMPLEMENTED outcomes; a nil llm uses pattern extraction only.
func NewCallWorker(vc voice.Client, llm anthropic.Client, calc *cost.Calculator, opts CallOptions) *CallWorker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = max(defaultMaxPollInterval, opts.PollInterval)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &CallWorker{voice: vc, llm: llm, calc: calc, opts: opts}
}

func (w *CallWorker) Type() model.WorkerType { return model.WorkerTier3Call }

func (w *CallWorker) Attempt(ctx context.Context, gap model.Gap, cfg Config) Outcome {
	if w.voice == nil {
		return Failed(CodeNotImplemented, "no call service configured")
	}
	phone := cfg.Hints[MetaPhone]
	if phone == "" {
		phone = gap.Competitor.Phone
	}
	if phone == "" {
		return Failed(CodeNoPhone, "competitor has no phone number")
	}

	ceiling := cfg.Ceiling()
	if connect := w.calc.Call(0); connect >= ceiling {
		return CostExceeded(fmt.Sprintf("call connect costs %d cents, ceiling %d", connect, ceiling), 0)
	}

	call, err := w.voice.PlaceCall(ctx, voice.CallRequest{
		To:             phone,
		From:           w.opts.FromNumber,
		Task:           callTask(gap),
		MaxDurationSec: w.maxDurationSecs(ceiling),
		Metadata:       map[string]string{"gap_id": gap.ID, "run_id": gap.RunID},
	})
	if err != nil {
		return providerFailure(ctx, "voice", err)
	}
	log := zap.L().With(zap.String("gap_id", gap.ID), zap.String("call_id", call.ID))
	log.Info("tier3: call placed")

	call, o, done := w.await(ctx, call, ceiling, log)
	if !done {
		o.Metadata = map[string]any{MetaCallID: call.ID, "duration_secs": call.DurationSec}
		return o
	}

	spent := w.calc.Call(call.Duration())
	meta := map[string]any{MetaCallID: call.ID, "duration_secs": call.DurationSec, "call_status": string(call.Status)}
	if call.Status != voice.StatusCompleted || strings.TrimSpace(call.Transcript) == "" {
		o := Failed(CodeCallFailed, fmt.Sprintf("call ended %s %s", call.Status, call.Error))
		o.Err.Transient = call.Status == voice.StatusNoAnswer || call.Status == voice.StatusBusy
		o.CostCents = spent
		o.Metadata = meta
		return o
	}

	source := "call:" + call.ID
	rates, llmCents := w.extract(ctx, call.Transcript, source, log)
	o = judge(gap, rates, 0.5, 0.95, source)
	o.CostCents = spent + llmCents
	for k, v := range meta {
		o.Metadata[k] = v
	}
	return o
}

// await polls the call with exponential backoff until it ends. It hangs up
// when the accrued cost reaches ceiling or ctx is done; done is false then
// and o holds the outcome.
func (w *CallWorker) await(ctx context.Context, call *voice.Call, ceiling int64, log *zap.Logger) (*voice.Call, Outcome, bool) {
	interval := w.opts.PollInterval
	for !call.Status.Done() {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.hangup(ctx, call.ID, log)
			o := Timeout("call did not finish before the deadline")
			o.CostCents = w.calc.Call(call.Duration())
			return call, o, false
		case <-timer.C:
		}
		interval = min(interval*2, w.opts.MaxPollInterval)

		next, err := w.voice.GetCall(ctx, call.ID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.hangup(ctx, call.ID, log)
			o := providerFailure(ctx, "voice", err)
			o.CostCents = w.calc.Call(call.Duration())
			return call, o, false
		}
		call = next

		if accrued := w.calc.Call(call.Duration()); !call.Status.Done() && accrued >= ceiling {
			w.hangup(ctx, call.ID, log)
			return call, CostExceeded(fmt.Sprintf("call reached %d cents of %d ceiling", accrued, ceiling), accrued), false
		}
	}
	return call, Outcome{}, true
}

func (w *CallWorker) hangup(ctx context.Context, callID string, log *zap.Logger) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hangupTimeout)
	defer cancel()
	if err := w.voice.Hangup(hctx, callID); err != nil {
		log.Warn("tier3: hangup failed", zap.Error(err))
		return
	}
	log.Info("tier3: hung up")
}

// maxDurationSecs is the talk time the ceiling pays for after the connect fee.
func (w *CallWorker) maxDurationSecs(ceiling int64) int {
	perMinute := w.calc.CallPerMinute()
	if perMinute <= 0 {
		return 0
	}
	minutes := (ceiling - w.calc.Call(0)) / perMinute
	return int(max(minutes, 1)) * 60
}

type quotedRate struct {
	UnitSize   string  `json:"unit_size"`
	MonthlyUSD float64 `json:"monthly_usd"`
}

// extract reads rates from a transcript and returns the model cost.
func (w *CallWorker) extract(ctx context.Context, transcript, source string, log *zap.Logger) ([]model.Rate, int64) {
	fallback := ExtractRates(transcript, source)
	if w.llm == nil {
		return fallback, 0
	}

	temp := 0.0
	resp, err := w.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       w.opts.Model,
		MaxTokens:   w.opts.MaxTokens,
		System:      []anthropic.SystemBlock{{Text: transcriptSystemPrompt, Cached: true}},
		Messages:    []anthropic.Message{{Role: "user", Content: transcript}},
		Temperature: &temp,
	})
	if err != nil {
		log.Warn("tier3: transcript extraction failed, using patterns", zap.Error(err))
		return fallback, 0
	}
	in, out := resp.Usage.Billable()
	spent := w.calc.Claude(w.opts.Model, in, out)

	rates, err := parseQuotedRates(resp.Text, source)
	if err != nil || len(rates) == 0 {
		if err != nil {
			log.Warn("tier3: unusable extraction, using patterns", zap.Error(err))
		}
		return fallback, spent
	}
	return rates, spent
}

func parseQuotedRates(text, source string) ([]model.Rate, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "["); i > 0 {
		text = text[i:]
	}
	if j := strings.LastIndex(text, "]"); j >= 0 && j < len(text)-1 {
		text = text[:j+1]
	}
	var quoted []quotedRate
	if err := json.Unmarshal([]byte(text), &quoted); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(quoted))
	var out []model.Rate
	for _, q := range quoted {
		size := model.NormalizeUnitSize(q.UnitSize)
		cents := int64(math.Round(q.MonthlyUSD * 100))
		if size == "" || seen[size] || cents < minPriceCents || cents > maxPriceCents {
			continue
		}
		seen[size] = true
		out = append(out, model.Rate{UnitSize: size, MonthlyCents: cents, Source: source})
	}
	return out, nil
}

func callTask(gap model.Gap) string {
	sizes := "their most common unit sizes"
	if len(gap.TargetUnitSizes) > 0 {
		sizes = strings.Join(gap.TargetUnitSizes, ", ")
	}
	return fmt.Sprintf("You are calling %s to ask about current monthly rent for storage units: %s. "+
		"Ask for the standard monthly rate of each size, thank them and end the call.", gap.Competitor.Name, sizes)
}
