package vigil

import "testing"

func TestSeverityFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Severity
	}{
		{0.81, SeverityCritical},
		{0.8, SeverityHigh},
		{0.51, SeverityHigh},
		{0.5, SeverityMedium},
		{0.31, SeverityMedium},
		{0.3, SeverityLow},
		{0.1, SeverityLow},
		{0, SeverityLow},
	}
	for _, tt := range tests {
		if got := SeverityFromScore(tt.score); got != tt.want {
			t.Errorf("SeverityFromScore(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestCompoundSeverityIsMax(t *testing.T) {
	members := []Anomaly{
		{Metric: MetricCPUUsage, Severity: SeverityMedium},
		{Metric: MetricResponseTime, Severity: SeverityCritical},
		{Metric: MetricErrorRate, Severity: SeverityLow},
	}
	if got := compoundSeverity(members); got != SeverityCritical {
		t.Errorf("compound severity = %v, want %v", got, SeverityCritical)
	}
}

func TestIdentifyRootCause(t *testing.T) {
	tests := []struct {
		name           string
		metrics        []string
		wantConfidence float64
	}{
		{"cpu and response time", []string{MetricCPUUsage, MetricResponseTime}, 0.8},
		{"errors and user behavior", []string{MetricErrorRate, MetricUserBehavior}, 0.85},
		{"revenue and conversions", []string{MetricRevenue, MetricConversionRate}, 0.7},
		{"unmatched combination", []string{MetricThroughput, MetricMemoryUsage}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			members := make([]Anomaly, len(tt.metrics))
			for i, m := range tt.metrics {
				members[i] = Anomaly{Metric: m, Severity: SeverityHigh}
			}
			rc := identifyRootCause(members)
			if rc.Confidence != tt.wantConfidence {
				t.Errorf("confidence = %v, want %v", rc.Confidence, tt.wantConfidence)
			}
			if rc.Primary == "" || rc.Secondary == "" {
				t.Error("root cause text missing")
			}
		})
	}
}

func TestRootCauseRuleOrdering(t *testing.T) {
	// When several rules match, the first in rule order wins.
	members := []Anomaly{
		{Metric: MetricCPUUsage},
		{Metric: MetricResponseTime},
		{Metric: MetricErrorRate},
		{Metric: MetricUserBehavior},
	}
	if rc := identifyRootCause(members); rc.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8 (cpu/response rule first)", rc.Confidence)
	}
}

func TestAssessImpact(t *testing.T) {
	members := []Anomaly{
		{Metric: MetricRevenue, Severity: SeverityCritical, Score: 1},
		{Metric: MetricConversionRate, Severity: SeverityHigh, Score: 0.6},
	}
	impact := assessImpact(members)

	// revenue: 1.0 * 3 * 1 = 3.0, conversion: 0.9 * 2 * 0.6 = 1.08
	if impact.Total != 4.08 {
		t.Errorf("total impact = %v, want 4.08", impact.Total)
	}
	if impact.Maximum != 3 {
		t.Errorf("max impact = %v, want 3", impact.Maximum)
	}
	if impact.Level != SeverityCritical {
		t.Errorf("impact level = %v, want %v", impact.Level, SeverityCritical)
	}
}

func TestAssessImpactUnknownMetricWeight(t *testing.T) {
	members := []Anomaly{
		{Metric: "queue_depth", Severity: SeverityLow, Score: 1},
	}
	impact := assessImpact(members)
	if impact.Total != 0.3 {
		t.Errorf("total impact = %v, want default weight 0.3", impact.Total)
	}
	if len(impact.AffectedSystems) != 0 {
		t.Errorf("affected systems = %v, want none", impact.AffectedSystems)
	}
}

func TestAssessImpactDeduplicatesSystems(t *testing.T) {
	members := []Anomaly{
		{Metric: MetricResponseTime, Severity: SeverityHigh, Score: 1},
		{Metric: MetricErrorRate, Severity: SeverityHigh, Score: 1},
	}
	impact := assessImpact(members)

	seen := make(map[string]int)
	for _, sys := range impact.AffectedSystems {
		seen[sys]++
	}
	for sys, n := range seen {
		if n > 1 {
			t.Errorf("system %q listed %d times", sys, n)
		}
	}
	// web_server and database appear for both metrics but only once combined.
	if seen["web_server"] != 1 || seen["database"] != 1 {
		t.Errorf("affected systems = %v", impact.AffectedSystems)
	}
}

func TestCategorizeImpact(t *testing.T) {
	tests := []struct {
		total float64
		want  Severity
	}{
		{3.5, SeverityCritical},
		{3, SeverityHigh},
		{2.5, SeverityHigh},
		{2, SeverityMedium},
		{1.5, SeverityMedium},
		{1, SeverityLow},
		{0.2, SeverityLow},
	}
	for _, tt := range tests {
		if got := categorizeImpact(tt.total); got != tt.want {
			t.Errorf("categorizeImpact(%v) = %v, want %v", tt.total, got, tt.want)
		}
	}
}
