package vigil

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// TrendDirection describes the recent direction of a metric's readings.
type TrendDirection string

const (
	TrendIncreasing       TrendDirection = "increasing"
	TrendDecreasing       TrendDirection = "decreasing"
	TrendStable           TrendDirection = "stable"
	TrendInsufficientData TrendDirection = "insufficient_data"
)

// modelTrainingStaleness is how long a model's baseline is considered fresh
// before the training loop recomputes it.
const modelTrainingStaleness = 24 * time.Hour

// internalAnomalyGate is the fixed score above which IsAnomalous reports
// true. It is intentionally independent of the detector's configurable
// sensitivity and is used only for correlated-metric snapshots.
const internalAnomalyGate = 0.3

// DataPoint is a single recorded reading inside a model's window.
type DataPoint struct {
	Value        float64 `json:"value"`
	Timestamp    int64   `json:"timestamp"`
	WasAnomalous bool    `json:"was_anomalous"`
}

// ModelState is the JSON-serializable checkpoint of a StatisticalModel.
type ModelState struct {
	Metric       string      `json:"metric"`
	Baseline     float64     `json:"baseline"`
	Variance     float64     `json:"variance"`
	Trained      bool        `json:"trained"`
	LastTraining int64       `json:"last_training"`
	Window       []DataPoint `json:"window,omitempty"`
}

// fpMark is operator feedback recorded against the model.
type fpMark struct {
	Value     float64
	Score     float64
	Timestamp time.Time
}

// StatisticalModel maintains a bounded sliding window of readings for one
// metric and a running baseline (mean) and population variance computed from
// the non-anomalous points only, so an ongoing incident does not become the
// model's notion of normal.
//
// A model participates in detection only once its window holds at least
// minPoints readings; before that every anomaly-score query returns 0.
type StatisticalModel struct {
	mu sync.RWMutex

	metric    string
	window    []DataPoint
	capacity  int
	minPoints int

	baseline float64
	variance float64
	trained  bool

	lastTraining   time.Time
	falsePositives []fpMark
}

// NewStatisticalModel creates a model for one metric. Non-positive capacity
// or minPoints fall back to 100 and 30.
func NewStatisticalModel(metric string, capacity, minPoints int) *StatisticalModel {
	if capacity <= 0 {
		capacity = 100
	}
	if minPoints <= 0 {
		minPoints = 30
	}
	return &StatisticalModel{
		metric:    metric,
		window:    make([]DataPoint, 0, capacity),
		capacity:  capacity,
		minPoints: minPoints,
	}
}

// Metric returns the metric name the model tracks.
func (m *StatisticalModel) Metric() string {
	return m.metric
}

// AddDataPoint appends a reading to the window, evicting the oldest reading
// when the window is full, and recomputes the baseline when enough
// non-anomalous data is present. It always succeeds.
func (m *StatisticalModel) AddDataPoint(value float64, wasAnomalous bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = append(m.window, DataPoint{
		Value:        value,
		Timestamp:    time.Now().UnixMilli(),
		WasAnomalous: wasAnomalous,
	})
	if len(m.window) > m.capacity {
		m.window = m.window[1:]
	}

	if len(m.window) >= m.minPoints {
		m.updateBaselineLocked()
	}
}

// updateBaselineLocked recomputes baseline and population variance over the
// non-anomalous subset. Fewer than 10 normal points leaves the previous
// statistics in place.
func (m *StatisticalModel) updateBaselineLocked() {
	var sum float64
	var n int
	for _, p := range m.window {
		if !p.WasAnomalous {
			sum += p.Value
			n++
		}
	}
	if n < 10 {
		return
	}
	mean := sum / float64(n)

	var sq float64
	for _, p := range m.window {
		if !p.WasAnomalous {
			d := p.Value - mean
			sq += d * d
		}
	}
	m.baseline = mean
	m.variance = sq / float64(n)
	m.trained = true
}

// AnomalyScore returns a normalized deviation score in [0,1] for a reading.
// The score is the absolute z-score against the baseline, saturating at the
// 3-sigma point. Untrained models always return 0. A zero-variance baseline
// scores any differing value as 1.
func (m *StatisticalModel) AnomalyScore(value float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.anomalyScoreLocked(value)
}

func (m *StatisticalModel) anomalyScoreLocked(value float64) float64 {
	if !m.trained {
		return 0
	}
	if m.variance == 0 {
		if value != m.baseline {
			return 1
		}
		return 0
	}
	z := math.Abs(value-m.baseline) / math.Sqrt(m.variance)
	return math.Min(1, z/3)
}

// HasEnoughData reports whether the window holds enough readings for
// reliable detection.
func (m *StatisticalModel) HasEnoughData() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.window) >= m.minPoints
}

// AnomalyType classifies a reading relative to the baseline: a spike above
// 1.5x, a drop below 0.5x, otherwise a deviation. Untrained models report
// TypeUnknown.
func (m *StatisticalModel) AnomalyType(value float64) AnomalyType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return TypeUnknown
	}
	switch {
	case value > m.baseline*1.5:
		return TypeSpike
	case value < m.baseline*0.5:
		return TypeDrop
	default:
		return TypeDeviation
	}
}

// Confidence grows linearly with how full the window is, capping at 1.
func (m *StatisticalModel) Confidence() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return math.Min(1, float64(len(m.window))/float64(m.capacity))
}

// ExpectedRange renders the baseline +/- 2 standard deviations, or "unknown"
// for an untrained model.
func (m *StatisticalModel) ExpectedRange() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return "unknown"
	}
	sd := math.Sqrt(m.variance)
	return fmt.Sprintf("%.0f - %.0f", m.baseline-2*sd, m.baseline+2*sd)
}

// HistoricalPattern compares the mean of the most recent 10 readings against
// the preceding 10. It needs at least 20 readings.
func (m *StatisticalModel) HistoricalPattern() TrendDirection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.window)
	if n < 20 {
		return TrendInsufficientData
	}
	var recent, older float64
	for _, p := range m.window[n-10:] {
		recent += p.Value
	}
	for _, p := range m.window[n-20 : n-10] {
		older += p.Value
	}
	recent /= 10
	older /= 10

	switch {
	case recent > older*1.1:
		return TrendIncreasing
	case recent < older*0.9:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// IsAnomalous applies the fixed internal gate to a reading's anomaly score.
func (m *StatisticalModel) IsAnomalous(value float64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.anomalyScoreLocked(value) > internalAnomalyGate
}

// Baseline returns the current baseline mean and whether it is set.
func (m *StatisticalModel) Baseline() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseline, m.trained
}

// Variance returns the current population variance and whether it is set.
func (m *StatisticalModel) Variance() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.variance, m.trained
}

// DataPointCount returns the current window length.
func (m *StatisticalModel) DataPointCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.window)
}

// NeedsTraining reports whether the baseline is stale.
func (m *StatisticalModel) NeedsTraining() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastTraining.IsZero() {
		return true
	}
	return time.Since(m.lastTraining) > modelTrainingStaleness
}

// Train recomputes the baseline from the current window and stamps the
// training time.
func (m *StatisticalModel) Train() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateBaselineLocked()
	m.lastTraining = time.Now()
}

// Retrain discards the learned statistics and recomputes them from the
// current window.
func (m *StatisticalModel) Retrain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = 0
	m.variance = 0
	m.trained = false
	m.updateBaselineLocked()
	m.lastTraining = time.Now()
}

// MarkFalsePositive records operator feedback that a reading scored as
// anomalous was in fact normal. Feedback is retained (bounded) for analysis;
// it does not mutate the baseline directly.
func (m *StatisticalModel) MarkFalsePositive(value, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.falsePositives = append(m.falsePositives, fpMark{
		Value:     value,
		Score:     score,
		Timestamp: time.Now(),
	})
	if len(m.falsePositives) > 100 {
		m.falsePositives = m.falsePositives[1:]
	}
}

// FalsePositiveCount returns how many feedback marks the model holds.
func (m *StatisticalModel) FalsePositiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.falsePositives)
}

// ExportState snapshots the model for checkpointing.
func (m *StatisticalModel) ExportState() ModelState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	window := make([]DataPoint, len(m.window))
	copy(window, m.window)

	var last int64
	if !m.lastTraining.IsZero() {
		last = m.lastTraining.UnixMilli()
	}
	return ModelState{
		Metric:       m.metric,
		Baseline:     m.baseline,
		Variance:     m.variance,
		Trained:      m.trained,
		LastTraining: last,
		Window:       window,
	}
}

// ImportState restores a checkpointed snapshot. A state without a window
// restores only the learned statistics; detection then resumes once enough
// fresh readings arrive.
func (m *StatisticalModel) ImportState(state ModelState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.baseline = state.Baseline
	m.variance = state.Variance
	m.trained = state.Trained
	if state.LastTraining > 0 {
		m.lastTraining = time.UnixMilli(state.LastTraining)
	}
	if len(state.Window) > 0 {
		window := state.Window
		if len(window) > m.capacity {
			window = window[len(window)-m.capacity:]
		}
		m.window = make([]DataPoint, len(window))
		copy(m.window, window)
	}
}
