// Package monitoring exports engine metrics and posts webhook alerts for
// halts, blocked promotions and runs approaching a guard rail.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/config"
	"github.com/sells-group/rate-remediator/internal/coverage"
	"github.com/sells-group/rate-remediator/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunHalted          AlertType = "run_halted"
	AlertOverrideRequired   AlertType = "override_required"
	AlertCostWarning        AlertType = "cost_warning"
	AlertFailureRateWarning AlertType = "failure_rate_warning"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	RunID     string         `json:"run_id"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates snapshots against the guard rails and sends alerts via
// webhook. It also receives halts from the kill switch and decisions from
// the promotion gate.
type Alerter struct {
	cfg    config.MonitoringConfig
	limits config.Guardrails
	client *http.Client
	wg     sync.WaitGroup
}

// NewAlerter creates a new Alerter.
func NewAlerter(cfg config.MonitoringConfig, limits config.Guardrails) *Alerter {
	if cfg.WarningFraction <= 0 || cfg.WarningFraction > 1 {
		cfg.WarningFraction = 0.8
	}
	return &Alerter{
		cfg:    cfg,
		limits: limits,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	costWarn := int64(float64(a.limits.CostCapCents) * a.cfg.WarningFraction)
	rateWarn := a.limits.FailureRateThreshold * a.cfg.WarningFraction

	for _, r := range snap.Runs {
		if a.limits.CostCapCents > 0 && r.CostCents >= costWarn {
			alerts = append(alerts, Alert{
				Type:     AlertCostWarning,
				Severity: "medium",
				RunID:    r.RunID,
				Message: fmt.Sprintf("Run %s spent %d of %d cents (%.0f%% of cap)",
					r.RunID, r.CostCents, a.limits.CostCapCents,
					float64(r.CostCents)/float64(a.limits.CostCapCents)*100),
				Details: map[string]any{
					"cost_cents": r.CostCents,
					"cap_cents":  a.limits.CostCapCents,
				},
				Timestamp: now,
			})
		}

		counted := r.Stats.Total - r.Stats.Killed
		if counted >= a.limits.FailureRateMinAttempts && r.FailureRate >= rateWarn {
			alerts = append(alerts, Alert{
				Type:     AlertFailureRateWarning,
				Severity: "medium",
				RunID:    r.RunID,
				Message: fmt.Sprintf("Run %s failure rate %.1f%% approaches threshold %.1f%% (%d failed / %d attempts)",
					r.RunID, r.FailureRate*100, a.limits.FailureRateThreshold*100, r.Stats.Failures, counted),
				Details: map[string]any{
					"failure_rate": r.FailureRate,
					"threshold":    a.limits.FailureRateThreshold,
					"failures":     r.Stats.Failures,
					"attempts":     counted,
				},
				Timestamp: now,
			})
		}
	}
	return alerts
}

// Halted alerts on a kill switch halt. Delivery runs in the background
// because the kill switch calls Halted while it holds the run's lock.
func (a *Alerter) Halted(ctx context.Context, halt model.RunHalt, killedGapIDs []string) {
	alert := Alert{
		Type:     AlertRunHalted,
		Severity: "high",
		RunID:    halt.RunID,
		Message: fmt.Sprintf("Run %s halted: %s by %s (%d gaps killed)",
			halt.RunID, halt.Reason, halt.TriggeredBy, len(killedGapIDs)),
		Details: map[string]any{
			"reason":         string(halt.Reason),
			"triggered_by":   halt.TriggeredBy,
			"detail":         halt.Detail,
			"killed_gap_ids": killedGapIDs,
		},
		Timestamp: time.Now().UTC(),
	}
	a.sendAsync(ctx, alert)
}

// Decided alerts when the gate requires a manual override.
func (a *Alerter) Decided(ctx context.Context, d coverage.Decision) {
	if d.Decision != model.DecisionOverrideRequired {
		return
	}
	blockers := make([]string, 0, len(d.Blockers))
	for _, b := range d.Blockers {
		blockers = append(blockers, b.String())
	}
	a.sendAsync(ctx, Alert{
		Type:     AlertOverrideRequired,
		Severity: "medium",
		RunID:    d.RunID,
		Message: fmt.Sprintf("Run %s needs an override: coverage %.2f (%s)",
			d.RunID, d.Score.OverallScore, d.Score.ConfidenceLevel),
		Details: map[string]any{
			"overall_score": d.Score.OverallScore,
			"blockers":      blockers,
		},
		Timestamp: time.Now().UTC(),
	})
}

// Wait blocks until background deliveries finish.
func (a *Alerter) Wait() {
	a.wg.Wait()
}

func (a *Alerter) sendAsync(ctx context.Context, alert Alert) {
	if a.cfg.WebhookURL == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.SendAlerts(ctx, []Alert{alert})
	}()
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("run_id", alert.RunID),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("run_id", alert.RunID),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
