package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/config"
)

// Checker runs the reliability alert check.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	now       func() time.Time
	log       *zap.Logger
}

// NewChecker creates an alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// Check collects source health and sends any reliability alerts. It
// returns the number of alerts triggered.
func (c *Checker) Check(ctx context.Context) (int, error) {
	lookback := c.cfg.LookbackHours
	if lookback <= 0 {
		lookback = 24
	}

	health, err := c.collector.Collect(ctx, c.now(), lookback)
	if err != nil {
		return 0, err
	}

	alerts := c.alerter.EvaluateHealth(health)
	if len(alerts) == 0 {
		c.log.Debug("no alerts triggered", zap.Int("sources", len(health)))
		return 0, nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("alert check complete",
		zap.Int("sources", len(health)),
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return len(alerts), nil
}
