package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/model"
)

// AlertType names what an alert is about.
type AlertType string

const (
	AlertSnapshotFailing  AlertType = "snapshot_failing"
	AlertSourceDeprecated AlertType = "source_deprecated"
	AlertReliabilityDrop  AlertType = "reliability_drop"
)

// Alert is one webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	SourceID  string         `json:"source_id"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns lifecycle transitions and source health into alerts and
// sends them via webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	log    *zap.Logger
}

// NewAlerter creates an Alerter. Webhook calls time out after
// cfg.TimeoutSecs (10s when unset).
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    zap.L().With(zap.String("component", "monitoring.alerter")),
	}
}

// Notify sends the alerts a transition raises. It never fails the
// transition; delivery errors are logged.
func (a *Alerter) Notify(ctx context.Context, src model.SourceRecord, t model.Transition) {
	a.SendAlerts(ctx, a.EvaluateTransition(src, t))
}

// EvaluateTransition returns the alerts for one applied transition: a
// failing snapshot and a deprecation each raise one.
func (a *Alerter) EvaluateTransition(src model.SourceRecord, t model.Transition) []Alert {
	var alerts []Alert
	at := t.At.UTC()

	if snap := t.Snapshot; snap != nil && snap.Status == model.PerformanceFailing {
		alerts = append(alerts, Alert{
			Type:     AlertSnapshotFailing,
			Severity: "medium",
			SourceID: src.ID,
			Message: fmt.Sprintf(
				"Source %q failed %s (overall score %.2f, %d consecutive failures)",
				src.Submission.Name, strings.Join(snap.FailedThresholds, ", "),
				snap.OverallScore, t.ConsecutiveFailures,
			),
			Details: map[string]any{
				"failed_thresholds":    snap.FailedThresholds,
				"overall_score":        snap.OverallScore,
				"duplicate_rate":       snap.DuplicateRate,
				"consecutive_failures": t.ConsecutiveFailures,
				"state":                string(t.To),
			},
			Timestamp: at,
		})
	}

	if t.To == model.StateDeprecated && t.From != model.StateDeprecated {
		alerts = append(alerts, Alert{
			Type:     AlertSourceDeprecated,
			Severity: "high",
			SourceID: src.ID,
			Message:  fmt.Sprintf("Source %q deprecated from %s: %s", src.Submission.Name, t.From, t.Reason),
			Details: map[string]any{
				"from":       string(t.From),
				"extensions": t.Extensions,
				"url":        src.Submission.URL,
			},
			Timestamp: at,
		})
	}
	return alerts
}

// EvaluateHealth returns a reliability alert for every source whose
// success rate over the lookback fell below what its classification
// expects. Sources with fewer than minChecks checks are skipped.
func (a *Alerter) EvaluateHealth(health []SourceHealth) []Alert {
	var alerts []Alert
	for _, h := range health {
		if h.Checks < minChecks || h.Reliability >= h.Expected {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertReliabilityDrop,
			Severity: "medium",
			SourceID: h.SourceID,
			Message: fmt.Sprintf(
				"Source %q reachability %.1f%% below expected %.1f%% (%d/%d checks in last %dh)",
				h.Name, h.Reliability*100, h.Expected*100, h.Successes, h.Checks, h.LookbackHours,
			),
			Details: map[string]any{
				"reliability":    h.Reliability,
				"expected":       h.Expected,
				"checks":         h.Checks,
				"classification": string(h.Classification),
			},
			Timestamp: h.CollectedAt,
		})
	}
	return alerts
}

// SendAlerts posts each alert to the webhook and returns how many were
// delivered. Without a webhook URL nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			a.log.Error("failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("source_id", alert.SourceID),
				zap.Error(err),
			)
			continue
		}
		a.log.Info("alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("source_id", alert.SourceID),
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
