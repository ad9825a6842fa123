package vigil

import "math"

// Escalation is the predicted likelihood that an anomaly worsens into a
// larger incident within a short window.
type Escalation struct {
	Likelihood      float64 `json:"likelihood"`
	Timeframe       string  `json:"timeframe"`
	Confidence      float64 `json:"confidence"`
	PotentialImpact string  `json:"potential_impact"`
}

// EscalationPredictor estimates escalation risk from fixed weight tables for
// metric importance, severity, and recent trend. It is a deterministic
// heuristic scorer: the likelihood is the mean of the three factor weights.
type EscalationPredictor struct {
	metricWeights   map[string]float64
	severityWeights map[Severity]float64
	trendWeights    map[TrendDirection]float64
}

// NewEscalationPredictor creates a predictor with the built-in weight tables.
func NewEscalationPredictor() *EscalationPredictor {
	return &EscalationPredictor{
		metricWeights: map[string]float64{
			MetricRevenue:        0.9,
			MetricErrorRate:      0.8,
			MetricResponseTime:   0.7,
			MetricCPUUsage:       0.6,
			MetricMemoryUsage:    0.6,
			MetricThroughput:     0.5,
			MetricUserBehavior:   0.7,
			MetricConversionRate: 0.8,
		},
		severityWeights: map[Severity]float64{
			SeverityCritical: 0.9,
			SeverityHigh:     0.7,
			SeverityMedium:   0.4,
			SeverityLow:      0.2,
		},
		trendWeights: map[TrendDirection]float64{
			TrendIncreasing: 0.8,
			TrendStable:     0.3,
			TrendDecreasing: 0.1,
		},
	}
}

// Predict estimates escalation risk. Unknown metrics and trends take neutral
// weights (0.5), unknown severities 0.3, so compound incidents - which have
// no single metric or trend - land on the neutral path. The likelihood is
// rounded to two decimals.
func (p *EscalationPredictor) Predict(metric string, severity Severity, trend TrendDirection) Escalation {
	metricW, ok := p.metricWeights[metric]
	if !ok {
		metricW = 0.5
	}
	severityW, ok := p.severityWeights[severity]
	if !ok {
		severityW = 0.3
	}
	trendW, ok := p.trendWeights[trend]
	if !ok {
		trendW = 0.5
	}

	likelihood := math.Round((metricW+severityW+trendW)/3*100) / 100

	timeframe := "15-60 minutes"
	if likelihood > 0.7 {
		timeframe = "5-15 minutes"
	}

	return Escalation{
		Likelihood:      likelihood,
		Timeframe:       timeframe,
		Confidence:      0.75,
		PotentialImpact: potentialImpact(metric, likelihood),
	}
}

// potentialImpact renders a short outlook for the predicted escalation.
func potentialImpact(metric string, likelihood float64) string {
	if likelihood > 0.8 {
		switch metric {
		case MetricRevenue, MetricErrorRate, MetricResponseTime:
			return "System-wide outage possible"
		}
	}
	if likelihood > 0.6 {
		return "Performance degradation likely"
	}
	return "Continued monitoring required"
}
