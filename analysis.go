package vigil

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// analysisWindow is the history lookback for the deep-analysis pass.
const analysisWindow = 24 * time.Hour

// MetricFrequency summarizes how often one metric was anomalous within the
// analysis window.
type MetricFrequency struct {
	Count      int                 `json:"count"`
	Severities map[Severity]int    `json:"severities"`
	Types      map[AnomalyType]int `json:"types"`
}

// ModelPerformance is a point-in-time snapshot of one model's statistics.
type ModelPerformance struct {
	Metric         string  `json:"metric"`
	Trained        bool    `json:"trained"`
	Baseline       float64 `json:"baseline"`
	Variance       float64 `json:"variance"`
	DataPoints     int     `json:"data_points"`
	Confidence     float64 `json:"confidence"`
	LastTraining   int64   `json:"last_training,omitempty"`
	FalsePositives int     `json:"false_positives"`
}

// PatternInsight is one human-readable observation produced by the analysis
// pass.
type PatternInsight struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AnalysisReport is the output of one deep-analysis pass.
type AnalysisReport struct {
	GeneratedAt    time.Time                  `json:"generated_at"`
	WindowHours    int                        `json:"window_hours"`
	TotalAnomalies int                        `json:"total_anomalies"`
	ByMetric       map[string]MetricFrequency `json:"by_metric"`
	Models         []ModelPerformance         `json:"models"`
	Health         SystemState                `json:"health"`
	FalsePositives map[string]int             `json:"false_positives,omitempty"`
	// FalsePositiveRates divides in-window dismissals by detected anomalies
	// per alert category (metric_type key).
	FalsePositiveRates map[string]float64 `json:"false_positive_rates,omitempty"`
	Insights           []PatternInsight   `json:"insights,omitempty"`
	EarlyWarnings      int                `json:"early_warnings"`
}

// RunDeepAnalysis examines the stored anomaly history and the live models:
// per-metric frequency and severity distribution over the last 24 hours,
// model performance, correlation and trend insights, and early warnings for
// metrics trending toward their alert threshold. The report is persisted so
// dashboards can read it without recomputing.
func (d *Detector) RunDeepAnalysis(ctx context.Context) (*AnalysisReport, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrClosed
	}
	d.mu.RUnlock()

	anomalies, err := d.History(ctx, d.config.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load anomaly history: %w", err)
	}

	report := &AnalysisReport{
		GeneratedAt: time.Now(),
		WindowHours: int(analysisWindow / time.Hour),
		ByMetric:    make(map[string]MetricFrequency),
		Health:      d.SystemHealth(),
	}

	cutoff := time.Now().Add(-analysisWindow)
	for _, a := range anomalies {
		if !a.Timestamp.After(cutoff) {
			continue
		}
		report.TotalAnomalies++
		freq := report.ByMetric[a.Metric]
		if freq.Severities == nil {
			freq.Severities = make(map[Severity]int)
			freq.Types = make(map[AnomalyType]int)
		}
		freq.Count++
		freq.Severities[a.Severity]++
		freq.Types[a.Type]++
		report.ByMetric[a.Metric] = freq
	}

	if counts := d.fpTracker.Counts(); len(counts) > 0 {
		report.FalsePositives = counts
		report.FalsePositiveRates = make(map[string]float64, len(counts))
		for key, n := range counts {
			detected := 0
			for metric, freq := range report.ByMetric {
				for typ, c := range freq.Types {
					if suppressionKey(metric, typ) == key {
						detected = c
					}
				}
			}
			rate := 1.0
			if detected > 0 {
				rate = float64(n) / float64(detected)
			}
			report.FalsePositiveRates[key] = rate
		}
	}

	models := d.modelsSnapshot()
	for _, metric := range d.config.Metrics {
		m, ok := models[metric]
		if !ok {
			continue
		}
		baseline, trained := m.Baseline()
		variance, _ := m.Variance()
		state := m.ExportState()
		report.Models = append(report.Models, ModelPerformance{
			Metric:         metric,
			Trained:        trained,
			Baseline:       baseline,
			Variance:       variance,
			DataPoints:     m.DataPointCount(),
			Confidence:     m.Confidence(),
			LastTraining:   state.LastTraining,
			FalsePositives: m.FalsePositiveCount(),
		})
	}

	report.Insights = d.patternInsights(report)
	report.EarlyWarnings = d.emitEarlyWarnings(models)

	d.persistAnalysis(ctx, report)

	d.logger.Info("deep analysis complete",
		"anomalies", report.TotalAnomalies,
		"insights", len(report.Insights),
		"early_warnings", report.EarlyWarnings,
		"health", report.Health.Status)
	return report, nil
}

// patternInsights derives observations from anomaly frequencies, the
// correlation table, and model trends.
func (d *Detector) patternInsights(report *AnalysisReport) []PatternInsight {
	var insights []PatternInsight

	for _, metric := range d.config.Metrics {
		freq, ok := report.ByMetric[metric]
		if !ok {
			continue
		}
		if freq.Count >= 5 {
			insights = append(insights, PatternInsight{
				Kind: "recurring",
				Message: fmt.Sprintf("%s was anomalous %d times in the last %dh",
					metric, freq.Count, report.WindowHours),
			})
		}
		if crit := freq.Severities[SeverityCritical]; crit > 0 {
			insights = append(insights, PatternInsight{
				Kind:    "critical",
				Message: fmt.Sprintf("%s produced %d critical anomalies", metric, crit),
			})
		}
	}

	// Strongly correlated pairs where both sides were anomalous in the window
	// point at a shared underlying cause.
	for i, a := range d.config.Metrics {
		for _, b := range d.config.Metrics[i+1:] {
			coeff := d.correlations.Coefficient(a, b)
			if math.Abs(coeff) <= 0.7 {
				continue
			}
			if report.ByMetric[a].Count > 0 && report.ByMetric[b].Count > 0 {
				insights = append(insights, PatternInsight{
					Kind: "correlation",
					Message: fmt.Sprintf("%s and %s (correlation %.1f) were both anomalous, suggesting a common cause",
						a, b, coeff),
				})
			}
		}
	}

	for _, mp := range report.Models {
		if mp.FalsePositives >= 3 {
			insights = append(insights, PatternInsight{
				Kind: "feedback",
				Message: fmt.Sprintf("%s accumulated %d false-positive marks, consider lowering sensitivity",
					mp.Metric, mp.FalsePositives),
			})
		}
	}
	return insights
}

// emitEarlyWarnings raises an early-warning alert for every metric whose
// readings are trending upward and whose latest reading scores within reach
// of the alert threshold. Returns how many warnings were queued.
func (d *Detector) emitEarlyWarnings(models map[string]*StatisticalModel) int {
	threshold := d.Sensitivity().Threshold()
	warned := 0

	for _, metric := range d.config.Metrics {
		m, ok := models[metric]
		if !ok || !m.HasEnoughData() {
			continue
		}
		if m.HistoricalPattern() != TrendIncreasing {
			continue
		}
		state := m.ExportState()
		if len(state.Window) == 0 {
			continue
		}
		latest := state.Window[len(state.Window)-1].Value
		score := m.AnomalyScore(latest)
		if score <= threshold*0.8 || score > threshold {
			continue
		}

		severity := SeverityFromScore(score)
		esc := d.escalation.Predict(metric, severity, TrendIncreasing)
		d.enqueue(AlertPayload{
			Type:     AlertEarlyWarning,
			Severity: severity,
			Message: fmt.Sprintf("%s is trending upward and approaching its alert threshold (score %.2f)",
				metric, score),
			Recommendations:     recommendationsFor(metric),
			Urgency:             alertUrgency(severity, nil, &esc),
			PredictedEscalation: &esc,
			Timestamp:           time.Now(),
		})
		warned++
	}
	return warned
}

// persistAnalysis stores the report and its insights under their well-known
// state keys. Persistence failures are logged, not fatal.
func (d *Detector) persistAnalysis(ctx context.Context, report *AnalysisReport) {
	if data, err := json.Marshal(report); err != nil {
		d.logger.Error("marshal analysis report failed", "error", err)
	} else if err := d.store.PutState(ctx, stateKeyAnalysis, data); err != nil {
		d.logger.Error("persist analysis report failed", "error", err)
	}

	if len(report.Insights) == 0 {
		return
	}
	if data, err := json.Marshal(report.Insights); err != nil {
		d.logger.Error("marshal insights failed", "error", err)
	} else if err := d.store.PutState(ctx, stateKeyInsights, data); err != nil {
		d.logger.Error("persist insights failed", "error", err)
	}
}

// LatestAnalysis returns the most recently persisted analysis report, or
// ErrKeyNotFound when no pass has run yet.
func (d *Detector) LatestAnalysis(ctx context.Context) (*AnalysisReport, error) {
	data, err := d.store.GetState(ctx, stateKeyAnalysis)
	if err != nil {
		return nil, err
	}
	var report AnalysisReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("unmarshal analysis report: %w", err)
	}
	return &report, nil
}
