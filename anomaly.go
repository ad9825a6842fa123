package vigil

import (
	"math"
	"time"
)

// Severity ranks how far a reading deviates from its baseline.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for comparison and urgency scoring.
func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// SeverityFromScore buckets an anomaly score into a severity.
func SeverityFromScore(score float64) Severity {
	switch {
	case score > 0.8:
		return SeverityCritical
	case score > 0.5:
		return SeverityHigh
	case score > 0.3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AnomalyType classifies the shape of an anomaly.
type AnomalyType string

const (
	TypeSpike     AnomalyType = "spike"
	TypeDrop      AnomalyType = "drop"
	TypeDeviation AnomalyType = "deviation"
	TypeUnknown   AnomalyType = "unknown"
	TypeCompound  AnomalyType = "compound"
)

// CorrelatedMetric is a snapshot of another currently-read metric that is
// strongly correlated with the anomalous one.
type CorrelatedMetric struct {
	Metric      string  `json:"metric"`
	Value       float64 `json:"value"`
	Correlation float64 `json:"correlation"`
	IsAnomalous bool    `json:"is_anomalous"`
}

// SystemState summarizes overall engine health at detection time.
type SystemState struct {
	Score        int    `json:"score"`
	AnomalyCount int    `json:"anomaly_count"`
	Status       string `json:"status"`
}

// AnomalyContext carries the situational information attached to an anomaly.
type AnomalyContext struct {
	TimeOfDay         int                `json:"time_of_day"`
	DayOfWeek         int                `json:"day_of_week"`
	IsWeekend         bool               `json:"is_weekend"`
	RecentTrend       TrendDirection     `json:"recent_trend"`
	CorrelatedMetrics []CorrelatedMetric `json:"correlated_metrics,omitempty"`
	SystemState       SystemState        `json:"system_state"`
}

// Anomaly is one metric reading that crossed the detection threshold.
type Anomaly struct {
	ID                string         `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	Metric            string         `json:"metric"`
	Value             float64        `json:"value"`
	Score             float64        `json:"score"`
	Severity          Severity       `json:"severity"`
	Type              AnomalyType    `json:"type"`
	Context           AnomalyContext `json:"context"`
	Confidence        float64        `json:"confidence"`
	ExpectedRange     string         `json:"expected_range"`
	HistoricalPattern TrendDirection `json:"historical_pattern"`
}

// RootCause is the inferred explanation for a compound incident.
type RootCause struct {
	Primary    string  `json:"primary"`
	Secondary  string  `json:"secondary"`
	Confidence float64 `json:"confidence"`
}

// Impact quantifies the blast radius of a compound incident.
type Impact struct {
	Total           float64  `json:"total"`
	Maximum         float64  `json:"maximum"`
	Level           Severity `json:"level"`
	AffectedSystems []string `json:"affected_systems,omitempty"`
}

// CompoundAnomaly groups two or more simultaneously anomalous, mutually
// correlated metrics into one incident.
type CompoundAnomaly struct {
	ID        string      `json:"id"`
	Type      AnomalyType `json:"type"` // always TypeCompound
	Timestamp time.Time   `json:"timestamp"`
	Anomalies []Anomaly   `json:"anomalies"`
	Severity  Severity    `json:"severity"`
	RootCause RootCause   `json:"root_cause"`
	Impact    Impact      `json:"impact"`
}

// impactWeights ranks how much an anomalous metric matters to the business.
var impactWeights = map[string]float64{
	MetricRevenue:        1.0,
	MetricConversionRate: 0.9,
	MetricUserBehavior:   0.8,
	MetricErrorRate:      0.8,
	MetricResponseTime:   0.7,
	MetricThroughput:     0.6,
	MetricCPUUsage:       0.5,
	MetricMemoryUsage:    0.4,
}

// defaultImpactWeight is used for metrics outside the standard set.
const defaultImpactWeight = 0.3

// severityMultiplier scales impact by how severe a member anomaly is.
func severityMultiplier(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1.5
	default:
		return 1
	}
}

// affectedSystems maps each metric to the subsystems it implicates.
var affectedSystems = map[string][]string{
	MetricResponseTime:   {"web_server", "database", "api"},
	MetricErrorRate:      {"application", "web_server", "database"},
	MetricThroughput:     {"web_server", "load_balancer", "database"},
	MetricCPUUsage:       {"web_server", "application_server"},
	MetricMemoryUsage:    {"web_server", "application_server", "database"},
	MetricUserBehavior:   {"frontend", "user_interface"},
	MetricRevenue:        {"payment_system", "business_logic"},
	MetricConversionRate: {"frontend", "user_interface", "payment_system"},
}

// compoundSeverity is the maximum severity across members.
func compoundSeverity(members []Anomaly) Severity {
	max := SeverityLow
	for _, a := range members {
		if severityRank(a.Severity) > severityRank(max) {
			max = a.Severity
		}
	}
	return max
}

// identifyRootCause pattern-matches the set of anomalous metric names against
// a small fixed rule table. The rules are ordered; the first match wins.
func identifyRootCause(members []Anomaly) RootCause {
	present := make(map[string]bool, len(members))
	for _, a := range members {
		present[a.Metric] = true
	}

	switch {
	case present[MetricCPUUsage] && present[MetricResponseTime]:
		return RootCause{
			Primary:    "High CPU usage causing performance degradation",
			Secondary:  "Possible resource exhaustion or inefficient algorithms",
			Confidence: 0.8,
		}
	case present[MetricErrorRate] && present[MetricUserBehavior]:
		return RootCause{
			Primary:    "Application errors affecting user experience",
			Secondary:  "Possible code deployment issues or external dependency failures",
			Confidence: 0.85,
		}
	case present[MetricRevenue] && present[MetricConversionRate]:
		return RootCause{
			Primary:    "Business performance impact due to technical issues",
			Secondary:  "User experience degradation affecting conversions",
			Confidence: 0.7,
		}
	default:
		return RootCause{
			Primary:    "Multiple system components showing anomalous behavior",
			Secondary:  "Further investigation required to determine root cause",
			Confidence: 0.5,
		}
	}
}

// assessImpact computes the weighted impact of a compound incident.
func assessImpact(members []Anomaly) Impact {
	var total, max float64
	systems := make([]string, 0, 4)
	seen := make(map[string]bool)

	for _, a := range members {
		weight, ok := impactWeights[a.Metric]
		if !ok {
			weight = defaultImpactWeight
		}
		impact := weight * severityMultiplier(a.Severity) * a.Score
		total += impact
		max = math.Max(max, impact)

		for _, sys := range affectedSystems[a.Metric] {
			if !seen[sys] {
				seen[sys] = true
				systems = append(systems, sys)
			}
		}
	}

	return Impact{
		Total:           math.Round(total*100) / 100,
		Maximum:         math.Round(max*100) / 100,
		Level:           categorizeImpact(total),
		AffectedSystems: systems,
	}
}

// categorizeImpact buckets a total impact score.
func categorizeImpact(total float64) Severity {
	switch {
	case total > 3:
		return SeverityCritical
	case total > 2:
		return SeverityHigh
	case total > 1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
