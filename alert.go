package vigil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Urgency buckets how quickly an alert needs operator attention.
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencyHigh      Urgency = "high"
	UrgencyMedium    Urgency = "medium"
	UrgencyLow       Urgency = "low"
)

// AlertType distinguishes alert payload kinds.
type AlertType string

const (
	// AlertAnomalyDetected is raised for detected (simple or compound) anomalies.
	AlertAnomalyDetected AlertType = "anomaly_detected"
	// AlertEarlyWarning is raised for predicted escalations ahead of impact.
	AlertEarlyWarning AlertType = "early_warning"
)

// AlertPayload is the fully-formed alert delivered to sinks.
type AlertPayload struct {
	Type                AlertType        `json:"type"`
	Severity            Severity         `json:"severity"`
	Message             string           `json:"message"`
	Recommendations     []string         `json:"recommendations"`
	Urgency             Urgency          `json:"urgency"`
	Impact              *Impact          `json:"impact,omitempty"`
	PredictedEscalation *Escalation      `json:"predicted_escalation,omitempty"`
	Anomaly             *Anomaly         `json:"anomaly,omitempty"`
	Compound            *CompoundAnomaly `json:"compound,omitempty"`
	Timestamp           time.Time        `json:"timestamp"`
}

// AlertSink receives alert payloads for delivery. Delivery is best-effort:
// errors are logged by the detector, never retried beyond the sink's own
// budget, and never fail a detection cycle.
type AlertSink interface {
	SendAlert(ctx context.Context, alert AlertPayload) error
}

// anomalyMessage templates the alert message by anomaly type.
func anomalyMessage(a Anomaly) string {
	switch a.Type {
	case TypeSpike:
		return fmt.Sprintf("Unusual spike detected in %s: %g (expected: %s)", a.Metric, a.Value, a.ExpectedRange)
	case TypeDrop:
		return fmt.Sprintf("Unusual drop detected in %s: %g (expected: %s)", a.Metric, a.Value, a.ExpectedRange)
	default:
		return fmt.Sprintf("Anomaly detected in %s: %g", a.Metric, a.Value)
	}
}

// compoundMessage templates the alert message for a compound incident.
func compoundMessage(c CompoundAnomaly) string {
	return fmt.Sprintf("Multiple correlated anomalies detected across %d metrics", len(c.Anomalies))
}

// metricRecommendations lists operator runbook suggestions per metric.
var metricRecommendations = map[string][]string{
	MetricResponseTime: {
		"Check database query performance",
		"Review recent code deployments",
		"Monitor server resource utilization",
		"Consider scaling application servers",
	},
	MetricErrorRate: {
		"Review application logs for error patterns",
		"Check external API dependencies",
		"Monitor database connection pool",
		"Review recent configuration changes",
	},
	MetricThroughput: {
		"Check load balancer configuration",
		"Monitor database performance",
		"Review application server capacity",
		"Consider horizontal scaling",
	},
	MetricCPUUsage: {
		"Identify CPU-intensive processes",
		"Review application performance",
		"Consider vertical scaling",
		"Check for resource leaks",
	},
	MetricMemoryUsage: {
		"Check for memory leaks",
		"Review application memory usage",
		"Monitor garbage collection",
		"Consider increasing memory allocation",
	},
	MetricRevenue: {
		"Check payment processing systems",
		"Review user experience metrics",
		"Monitor conversion funnel",
		"Investigate marketing campaigns",
	},
}

// defaultRecommendations is the fallback runbook for metrics without a
// dedicated entry, and for compound incidents.
var defaultRecommendations = []string{
	"Monitor system closely",
	"Review related metrics",
	"Check for external factors",
	"Consider manual investigation",
}

// recommendationsFor returns the runbook for a metric.
func recommendationsFor(metric string) []string {
	if recs, ok := metricRecommendations[metric]; ok {
		return recs
	}
	return defaultRecommendations
}

// alertUrgency scores severity, business impact, and predicted escalation
// into an urgency bucket.
func alertUrgency(severity Severity, impact *Impact, escalation *Escalation) Urgency {
	score := severityRank(severity)

	if impact != nil && impact.Level == SeverityCritical {
		score += 2
	} else {
		score++
	}
	if escalation != nil && escalation.Likelihood > 0.7 {
		score += 2
	} else {
		score++
	}

	switch {
	case score >= 7:
		return UrgencyImmediate
	case score >= 5:
		return UrgencyHigh
	case score >= 3:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// LogSink writes alerts to the process log. It is the default sink.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through the default slog logger.
func NewLogSink() *LogSink {
	return &LogSink{logger: slog.Default()}
}

// SendAlert implements AlertSink.
func (s *LogSink) SendAlert(ctx context.Context, alert AlertPayload) error {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"type", alert.Type,
		"severity", alert.Severity,
		"urgency", alert.Urgency,
		"message", alert.Message,
	}
	if alert.Anomaly != nil {
		attrs = append(attrs, "metric", alert.Anomaly.Metric, "score", alert.Anomaly.Score)
	}
	if alert.Compound != nil {
		attrs = append(attrs, "metrics", len(alert.Compound.Anomalies))
	}
	logger.Warn("anomaly alert", attrs...)
	return nil
}

// HTTPDoer abstracts the HTTP client used for webhook notifications.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookSink POSTs alert payloads as JSON to a webhook URL with bounded
// retries.
type WebhookSink struct {
	url     string
	client  HTTPDoer
	retryer *Retryer
}

// WebhookSinkOption configures a WebhookSink.
type WebhookSinkOption func(*WebhookSink)

// WithWebhookClient sets a custom HTTP client.
func WithWebhookClient(client HTTPDoer) WebhookSinkOption {
	return func(s *WebhookSink) {
		s.client = client
	}
}

// WithWebhookRetry sets custom retry behavior.
func WithWebhookRetry(cfg RetryConfig) WebhookSinkOption {
	return func(s *WebhookSink) {
		s.retryer = NewRetryer(cfg)
	}
}

// NewWebhookSink creates a webhook sink for the given URL.
func NewWebhookSink(url string, opts ...WebhookSinkOption) *WebhookSink {
	s := &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		retryer: NewRetryer(DefaultRetryConfig()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendAlert implements AlertSink.
func (s *WebhookSink) SendAlert(ctx context.Context, alert AlertPayload) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	return s.retryer.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil
	})
}

// FanoutSink delivers each alert to every wrapped sink, collecting the last
// error.
type FanoutSink struct {
	sinks []AlertSink
}

// NewFanoutSink creates a sink that fans out to all given sinks.
func NewFanoutSink(sinks ...AlertSink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

// SendAlert implements AlertSink.
func (s *FanoutSink) SendAlert(ctx context.Context, alert AlertPayload) error {
	var lastErr error
	for _, sink := range s.sinks {
		if err := sink.SendAlert(ctx, alert); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
