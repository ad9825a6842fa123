package vigil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// captureSink collects delivered alerts for inspection.
type captureSink struct {
	mu     sync.Mutex
	alerts []AlertPayload
}

func (s *captureSink) SendAlert(ctx context.Context, alert AlertPayload) error {
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func (s *captureSink) snapshot() []AlertPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AlertPayload, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// quietConfig returns a config whose background loops effectively never fire,
// so tests drive cycles explicitly through DetectOnce.
func quietConfig(metrics ...string) Config {
	cfg := DefaultConfig()
	cfg.Metrics = metrics
	cfg.DetectionInterval = time.Hour
	cfg.DeepAnalysisInterval = time.Hour
	cfg.TrainingInterval = time.Hour
	return cfg
}

// primeDetector runs enough cycles of slightly jittered baseline readings to
// train every model.
func primeDetector(t *testing.T, det *Detector, source *StaticSource, baselines map[string]float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		for metric, base := range baselines {
			source.Set(metric, base+float64(i%5))
		}
		if _, err := det.DetectOnce(ctx); err != nil {
			t.Fatalf("priming cycle %d: %v", i, err)
		}
	}
}

func TestDetectorRequiresSourceAndSink(t *testing.T) {
	if _, err := NewDetector(DefaultConfig(), nil, &captureSink{}); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := NewDetector(DefaultConfig(), NewStaticSource(), nil); err == nil {
		t.Error("expected error for nil sink")
	}

	bad := DefaultConfig()
	bad.Sensitivity = "extreme"
	if _, err := NewDetector(bad, NewStaticSource(), &captureSink{}); !errors.Is(err, ErrInvalidSensitivity) {
		t.Errorf("err = %v, want ErrInvalidSensitivity", err)
	}
}

func TestDetectorEmptyReadings(t *testing.T) {
	det, err := NewDetector(quietConfig(MetricResponseTime), NewStaticSource(), &captureSink{})
	if err != nil {
		t.Fatal(err)
	}

	result, err := det.DetectOnce(context.Background())
	if err != nil {
		t.Fatalf("detect with no readings: %v", err)
	}
	if len(result.Anomalies) != 0 || len(result.Compounds) != 0 {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestDetectorDetectsSpike(t *testing.T) {
	source := NewStaticSource()
	det, err := NewDetector(quietConfig(MetricResponseTime), source, &captureSink{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	primeDetector(t, det, source, map[string]float64{MetricResponseTime: 200})

	source.Set(MetricResponseTime, 800)
	result, err := det.DetectOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(result.Anomalies))
	}

	a := result.Anomalies[0]
	if a.Metric != MetricResponseTime || a.Value != 800 {
		t.Errorf("anomaly = %+v", a)
	}
	if a.Severity != SeverityCritical {
		t.Errorf("severity = %v, want critical", a.Severity)
	}
	if a.Type != TypeSpike {
		t.Errorf("type = %v, want spike", a.Type)
	}
	if a.Score != 1 {
		t.Errorf("score = %v, want 1", a.Score)
	}
	if a.ID == "" || a.ExpectedRange == "unknown" || a.Confidence <= 0 {
		t.Errorf("anomaly details incomplete: %+v", a)
	}
	if a.Context.TimeOfDay < 0 || a.Context.TimeOfDay > 23 {
		t.Errorf("time of day = %d", a.Context.TimeOfDay)
	}

	history, err := det.History(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ID != a.ID {
		t.Errorf("history = %+v", history)
	}
}

func TestDetectorQuietOnNormalReadings(t *testing.T) {
	source := NewStaticSource()
	det, err := NewDetector(quietConfig(MetricResponseTime), source, &captureSink{})
	if err != nil {
		t.Fatal(err)
	}

	primeDetector(t, det, source, map[string]float64{MetricResponseTime: 200})

	source.Set(MetricResponseTime, 202)
	result, err := det.DetectOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Anomalies) != 0 {
		t.Errorf("anomalies on normal reading = %+v", result.Anomalies)
	}
}

func TestDetectorContextCorrelationThreshold(t *testing.T) {
	source := NewStaticSource()
	// Against response_time: error_rate correlates at 0.8, throughput at -0.7,
	// cpu_usage at 0.6. Only error_rate clears the strict 0.7 gate.
	cfg := quietConfig(MetricResponseTime, MetricErrorRate, MetricThroughput, MetricCPUUsage)
	det, err := NewDetector(cfg, source, &captureSink{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	primeDetector(t, det, source, map[string]float64{
		MetricResponseTime: 200,
		MetricErrorRate:    5,
		MetricThroughput:   500,
		MetricCPUUsage:     40,
	})

	source.SetAll(map[string]float64{
		MetricResponseTime: 800,
		MetricErrorRate:    7,
		MetricThroughput:   502,
		MetricCPUUsage:     42,
	})
	result, err := det.DetectOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(result.Anomalies))
	}

	correlated := map[string]CorrelatedMetric{}
	for _, cm := range result.Anomalies[0].Context.CorrelatedMetrics {
		correlated[cm.Metric] = cm
	}
	er, ok := correlated[MetricErrorRate]
	if !ok {
		t.Fatalf("error_rate missing from context, got %v", correlated)
	}
	if er.Correlation != 0.8 || er.IsAnomalous {
		t.Errorf("error_rate context = %+v", er)
	}
	if cm, ok := correlated[MetricCPUUsage]; ok {
		t.Errorf("cpu_usage (correlation 0.6) in context below the 0.7 threshold: %+v", cm)
	}
	if cm, ok := correlated[MetricThroughput]; ok {
		t.Errorf("throughput (correlation -0.7) in context at the exact threshold: %+v", cm)
	}

	// A looser threshold admits both excluded metrics into the context.
	looseSource := NewStaticSource()
	loose := cfg
	loose.CorrelationThreshold = 0.5
	looseDet, err := NewDetector(loose, looseSource, &captureSink{})
	if err != nil {
		t.Fatal(err)
	}
	primeDetector(t, looseDet, looseSource, map[string]float64{
		MetricResponseTime: 200,
		MetricErrorRate:    5,
		MetricThroughput:   500,
		MetricCPUUsage:     40,
	})
	looseSource.SetAll(map[string]float64{
		MetricResponseTime: 800,
		MetricErrorRate:    7,
		MetricThroughput:   502,
		MetricCPUUsage:     42,
	})
	result, err = looseDet.DetectOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Anomalies) != 1 {
		t.Fatalf("loose anomalies = %d, want 1", len(result.Anomalies))
	}
	if n := len(result.Anomalies[0].Context.CorrelatedMetrics); n != 3 {
		t.Errorf("loose context metrics = %d, want 3", n)
	}
}

func TestDetectorCompoundGrouping(t *testing.T) {
	source := NewStaticSource()
	// response_time and error_rate correlate at 0.8; revenue correlates with
	// neither, so it stays standalone.
	det, err := NewDetector(quietConfig(MetricResponseTime, MetricErrorRate, MetricRevenue), source, &captureSink{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	primeDetector(t, det, source, map[string]float64{
		MetricResponseTime: 200,
		MetricErrorRate:    5,
		MetricRevenue:      1000,
	})

	source.SetAll(map[string]float64{
		MetricResponseTime: 800,
		MetricErrorRate:    50,
		MetricRevenue:      100,
	})
	result, err := det.DetectOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Compounds) != 1 {
		t.Fatalf("compounds = %d, want 1", len(result.Compounds))
	}
	c := result.Compounds[0]
	if len(c.Anomalies) != 2 {
		t.Fatalf("compound members = %d, want 2", len(c.Anomalies))
	}
	members := map[string]bool{}
	for _, a := range c.Anomalies {
		members[a.Metric] = true
	}
	if !members[MetricResponseTime] || !members[MetricErrorRate] {
		t.Errorf("compound members = %v", members)
	}
	if c.Type != TypeCompound || c.Severity != SeverityCritical {
		t.Errorf("compound = type %v severity %v", c.Type, c.Severity)
	}
	if c.Impact.Total <= 0 || len(c.Impact.AffectedSystems) == 0 {
		t.Errorf("impact = %+v", c.Impact)
	}
	if c.RootCause.Primary == "" {
		t.Error("root cause missing")
	}

	if len(result.Anomalies) != 1 || result.Anomalies[0].Metric != MetricRevenue {
		t.Errorf("standalone anomalies = %+v", result.Anomalies)
	}
	if result.Anomalies[0].Type != TypeDrop {
		t.Errorf("revenue anomaly type = %v, want drop", result.Anomalies[0].Type)
	}

	compounds, err := det.CompoundHistory(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(compounds) != 1 || compounds[0].ID != c.ID {
		t.Errorf("compound history = %+v", compounds)
	}
}

func TestDetectorNoCompoundBelowThreshold(t *testing.T) {
	source := NewStaticSource()
	// cpu/memory correlate at exactly 0.7; the threshold comparison is
	// strict, so they must not group at the default threshold.
	det, err := NewDetector(quietConfig(MetricCPUUsage, MetricMemoryUsage), source, &captureSink{})
	if err != nil {
		t.Fatal(err)
	}

	primeDetector(t, det, source, map[string]float64{
		MetricCPUUsage:    40,
		MetricMemoryUsage: 60,
	})

	source.SetAll(map[string]float64{
		MetricCPUUsage:    95,
		MetricMemoryUsage: 98,
	})
	result, err := det.DetectOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Compounds) != 0 {
		t.Errorf("compounds = %+v, want none", result.Compounds)
	}
	if len(result.Anomalies) != 2 {
		t.Errorf("standalone anomalies = %d, want 2", len(result.Anomalies))
	}
}

func TestDetectorCorrelationOverridesGroup(t *testing.T) {
	source := NewStaticSource()
	cfg := quietConfig(MetricCPUUsage, MetricMemoryUsage)
	cfg.Correlations = map[string]map[string]float64{
		MetricCPUUsage: {MetricMemoryUsage: 0.95},
	}
	det, err := NewDetector(cfg, source, &captureSink{})
	if err != nil {
		t.Fatal(err)
	}

	primeDetector(t, det, source, map[string]float64{
		MetricCPUUsage:    40,
		MetricMemoryUsage: 60,
	})

	source.SetAll(map[string]float64{
		MetricCPUUsage:    95,
		MetricMemoryUsage: 98,
	})
	result, err := det.DetectOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Compounds) != 1 || len(result.Compounds[0].Anomalies) != 2 {
		t.Errorf("override did not group: %+v", result)
	}
}

func TestDetectorSuppressionAfterFeedback(t *testing.T) {
	source := NewStaticSource()
	sink := &captureSink{}
	det, err := NewDetector(quietConfig(MetricResponseTime), source, sink)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := det.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer det.Stop()

	primeDetector(t, det, source, map[string]float64{MetricResponseTime: 200})

	source.Set(MetricResponseTime, 800)
	result, err := det.DetectOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Anomalies) != 1 || result.Suppressed != 0 {
		t.Fatalf("first spike result = %+v", result)
	}
	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })

	// Dismiss the alert category past the limit.
	id := result.Anomalies[0].ID
	for i := 0; i < 4; i++ {
		if err := det.MarkFalsePositive(ctx, id); err != nil {
			t.Fatalf("mark false positive: %v", err)
		}
	}

	source.Set(MetricResponseTime, 820)
	result, err = det.DetectOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Suppressed != 1 {
		t.Fatalf("suppressed = %d, want 1", result.Suppressed)
	}

	// Suppressed anomalies are stored but never alerted.
	history, err := det.History(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("history = %d entries, want 2", len(history))
	}
	time.Sleep(50 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Errorf("alerts delivered = %d, want 1 (suppressed alert leaked)", got)
	}

	if counts := det.FalsePositiveCounts(); counts["response_time_spike"] != 4 {
		t.Errorf("false positive counts = %v", counts)
	}
}

func TestDetectorAlertPayloadShape(t *testing.T) {
	source := NewStaticSource()
	sink := &captureSink{}
	det, err := NewDetector(quietConfig(MetricResponseTime), source, sink)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := det.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer det.Stop()

	primeDetector(t, det, source, map[string]float64{MetricResponseTime: 200})
	source.Set(MetricResponseTime, 800)
	if _, err := det.DetectOnce(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return sink.count() >= 1 })

	alert := sink.snapshot()[0]
	if alert.Type != AlertAnomalyDetected {
		t.Errorf("type = %v", alert.Type)
	}
	if alert.Anomaly == nil || alert.Anomaly.Metric != MetricResponseTime {
		t.Errorf("anomaly payload = %+v", alert.Anomaly)
	}
	if alert.PredictedEscalation == nil || alert.PredictedEscalation.Likelihood <= 0 {
		t.Errorf("escalation = %+v", alert.PredictedEscalation)
	}
	if alert.Urgency == "" || alert.Message == "" || len(alert.Recommendations) == 0 {
		t.Errorf("alert incomplete: %+v", alert)
	}
}

func TestDetectorMarkFalsePositiveUnknownID(t *testing.T) {
	det, err := NewDetector(quietConfig(MetricResponseTime), NewStaticSource(), &captureSink{})
	if err != nil {
		t.Fatal(err)
	}
	err = det.MarkFalsePositive(context.Background(), "anomaly-0-0")
	if !errors.Is(err, ErrAnomalyNotFound) {
		t.Errorf("err = %v, want ErrAnomalyNotFound", err)
	}
}

func TestDetectorAdjustSensitivity(t *testing.T) {
	det, err := NewDetector(quietConfig(MetricResponseTime), NewStaticSource(), &captureSink{})
	if err != nil {
		t.Fatal(err)
	}

	if err := det.AdjustSensitivity("extreme"); !errors.Is(err, ErrInvalidSensitivity) {
		t.Errorf("err = %v, want ErrInvalidSensitivity", err)
	}
	if err := det.AdjustSensitivity(SensitivityHigh); err != nil {
		t.Fatal(err)
	}
	if got := det.Sensitivity(); got != SensitivityHigh {
		t.Errorf("sensitivity = %v, want high", got)
	}
}

func TestDetectorSystemHealthDegrades(t *testing.T) {
	source := NewStaticSource()
	det, err := NewDetector(quietConfig(MetricResponseTime), source, &captureSink{})
	if err != nil {
		t.Fatal(err)
	}

	if health := det.SystemHealth(); health.Score != 100 || health.Status != "healthy" {
		t.Fatalf("initial health = %+v", health)
	}

	primeDetector(t, det, source, map[string]float64{MetricResponseTime: 200})
	source.Set(MetricResponseTime, 800)
	if _, err := det.DetectOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	health := det.SystemHealth()
	if health.AnomalyCount != 1 {
		t.Errorf("anomaly count = %d, want 1", health.AnomalyCount)
	}
	// One critical anomaly costs 20 points.
	if health.Score != 80 || health.Status != "warning" {
		t.Errorf("health = %+v, want score 80 / warning", health)
	}
}

func TestDetectorRaiseAlertQueueFull(t *testing.T) {
	cfg := quietConfig(MetricResponseTime)
	cfg.AlertQueueSize = 1
	det, err := NewDetector(cfg, NewStaticSource(), &captureSink{})
	if err != nil {
		t.Fatal(err)
	}

	if err := det.RaiseAlert(AlertPayload{Type: AlertEarlyWarning}); err != nil {
		t.Fatalf("first raise: %v", err)
	}
	if err := det.RaiseAlert(AlertPayload{Type: AlertEarlyWarning}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second raise = %v, want ErrQueueFull", err)
	}
}

func TestDetectorModelStateUnknownMetric(t *testing.T) {
	det, err := NewDetector(quietConfig(MetricResponseTime), NewStaticSource(), &captureSink{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := det.ModelState("queue_depth"); !errors.Is(err, ErrUnknownMetric) {
		t.Errorf("err = %v, want ErrUnknownMetric", err)
	}
	state, err := det.ModelState(MetricResponseTime)
	if err != nil || state.Metric != MetricResponseTime {
		t.Errorf("state = %+v, err %v", state, err)
	}
}

func TestDetectorCheckpointRestart(t *testing.T) {
	store := NewMemoryStore()
	source := NewStaticSource()
	ctx := context.Background()

	det1, err := NewDetector(quietConfig(MetricResponseTime), source, &captureSink{}, WithStore(store))
	if err != nil {
		t.Fatal(err)
	}
	primeDetector(t, det1, source, map[string]float64{MetricResponseTime: 200})
	det1.TrainModels(ctx)

	// A fresh detector over the same store resumes detection immediately.
	det2, err := NewDetector(quietConfig(MetricResponseTime), source, &captureSink{}, WithStore(store))
	if err != nil {
		t.Fatal(err)
	}
	if err := det2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer det2.Stop()

	state, err := det2.ModelState(MetricResponseTime)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Trained || len(state.Window) == 0 {
		t.Fatalf("restored state = trained %v, window %d", state.Trained, len(state.Window))
	}

	source.Set(MetricResponseTime, 800)
	result, err := det2.DetectOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Anomalies) != 1 {
		t.Errorf("anomalies after restart = %d, want 1", len(result.Anomalies))
	}
}

func TestDetectorStopIsIdempotent(t *testing.T) {
	det, err := NewDetector(quietConfig(MetricResponseTime), NewStaticSource(), &captureSink{})
	if err != nil {
		t.Fatal(err)
	}
	if err := det.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := det.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := det.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := det.DetectOnce(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("detect after stop = %v, want ErrClosed", err)
	}
}
