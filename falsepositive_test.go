package vigil

import (
	"testing"
	"time"
)

func TestFalsePositiveSuppressionAfterLimit(t *testing.T) {
	tr := NewFalsePositiveTracker(24*time.Hour, 3)

	for i := 0; i < 3; i++ {
		tr.Mark(MetricResponseTime, TypeSpike, FalsePositiveRecord{AnomalyID: "a"})
	}
	if tr.Suppressed(MetricResponseTime, TypeSpike) {
		t.Fatal("suppressed at exactly the limit, want strictly above")
	}

	tr.Mark(MetricResponseTime, TypeSpike, FalsePositiveRecord{AnomalyID: "a"})
	if !tr.Suppressed(MetricResponseTime, TypeSpike) {
		t.Error("not suppressed after exceeding the limit")
	}
}

func TestFalsePositiveCategoriesIndependent(t *testing.T) {
	tr := NewFalsePositiveTracker(24*time.Hour, 3)

	for i := 0; i < 4; i++ {
		tr.Mark(MetricResponseTime, TypeSpike, FalsePositiveRecord{})
	}
	if tr.Suppressed(MetricResponseTime, TypeDrop) {
		t.Error("drop category suppressed by spike dismissals")
	}
	if tr.Suppressed(MetricErrorRate, TypeSpike) {
		t.Error("error_rate suppressed by response_time dismissals")
	}
}

func TestFalsePositiveRecordsAgeOut(t *testing.T) {
	tr := NewFalsePositiveTracker(time.Hour, 3)

	old := time.Now().Add(-2 * time.Hour)
	for i := 0; i < 4; i++ {
		tr.Mark(MetricCPUUsage, TypeSpike, FalsePositiveRecord{Timestamp: old})
	}
	if tr.Suppressed(MetricCPUUsage, TypeSpike) {
		t.Error("stale dismissals still suppress")
	}

	for i := 0; i < 4; i++ {
		tr.Mark(MetricCPUUsage, TypeSpike, FalsePositiveRecord{})
	}
	if !tr.Suppressed(MetricCPUUsage, TypeSpike) {
		t.Error("fresh dismissals do not suppress")
	}
}

func TestFalsePositiveCounts(t *testing.T) {
	tr := NewFalsePositiveTracker(24*time.Hour, 3)

	tr.Mark(MetricResponseTime, TypeSpike, FalsePositiveRecord{})
	tr.Mark(MetricResponseTime, TypeSpike, FalsePositiveRecord{})
	tr.Mark(MetricErrorRate, TypeDrop, FalsePositiveRecord{})

	counts := tr.Counts()
	if counts["response_time_spike"] != 2 {
		t.Errorf("response_time_spike count = %d, want 2", counts["response_time_spike"])
	}
	if counts["error_rate_drop"] != 1 {
		t.Errorf("error_rate_drop count = %d, want 1", counts["error_rate_drop"])
	}
}
