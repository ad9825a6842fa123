package vigil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// healthWindow is the lookback for the system health score.
const healthWindow = time.Hour

// DetectionResult is the outcome of one detection cycle.
type DetectionResult struct {
	// Anomalies are the standalone anomalies detected this cycle.
	Anomalies []Anomaly
	// Compounds are the correlated groups detected this cycle.
	Compounds []CompoundAnomaly
	// Suppressed counts anomalies withheld from alerting by operator feedback.
	Suppressed int
}

// Detector is the anomaly detection engine. It polls a MetricSource on a
// fixed cadence, scores each reading against a per-metric statistical
// baseline, groups correlated anomalies into compound incidents, and pushes
// fully-formed alerts to an AlertSink through a bounded dispatch queue.
//
// A Detector is safe for concurrent use. Start and Stop bracket the
// background loops; DetectOnce runs a single cycle synchronously and works
// with or without Start.
type Detector struct {
	config Config
	source MetricSource
	sink   AlertSink
	store  Store
	logger *slog.Logger

	correlations *CorrelationTable
	escalation   *EscalationPredictor
	fpTracker    *FalsePositiveTracker
	checkpointer *Checkpointer

	mu          sync.RWMutex
	models      map[string]*StatisticalModel
	sensitivity Sensitivity
	recent      []Anomaly // anomalies within healthWindow, for health scoring
	started     bool
	closed      bool

	alerts chan AlertPayload
	done   chan struct{}
	wg     sync.WaitGroup

	idSeq     atomic.Uint64
	dropCount atomic.Uint64
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithStore sets the persistence backend. Default: an in-memory store.
func WithStore(store Store) DetectorOption {
	return func(d *Detector) {
		d.store = store
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) DetectorOption {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithCorrelationTable replaces the built-in correlation table entirely.
// Config.Correlations overrides are applied on top of whatever table is in
// effect.
func WithCorrelationTable(table *CorrelationTable) DetectorOption {
	return func(d *Detector) {
		d.correlations = table
	}
}

// NewDetector creates a detector. The config is normalized and validated;
// source and sink are required.
func NewDetector(cfg Config, source MetricSource, sink AlertSink, opts ...DetectorOption) (*Detector, error) {
	if source == nil {
		return nil, errors.New("metric source is required")
	}
	if sink == nil {
		return nil, errors.New("alert sink is required")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Detector{
		config:       cfg,
		source:       source,
		sink:         sink,
		logger:       slog.Default(),
		correlations: DefaultCorrelationTable(),
		escalation:   NewEscalationPredictor(),
		fpTracker:    NewFalsePositiveTracker(cfg.FalsePositiveWindow, cfg.FalsePositiveLimit),
		models:       make(map[string]*StatisticalModel, len(cfg.Metrics)),
		sensitivity:  cfg.Sensitivity,
		alerts:       make(chan AlertPayload, cfg.AlertQueueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.store == nil {
		d.store = NewMemoryStore()
	}
	d.correlations.Merge(cfg.Correlations)
	d.checkpointer = NewCheckpointer(d.store, cfg.Checkpoint)

	for _, metric := range cfg.Metrics {
		d.models[metric] = NewStatisticalModel(metric, cfg.WindowSize, cfg.MinDataPoints)
	}
	return d, nil
}

// Start restores the latest checkpoint (when enabled) and launches the
// detection, deep-analysis, training, and alert-dispatch loops.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.started {
		d.mu.Unlock()
		return errors.New("detector already started")
	}
	d.started = true
	models := d.modelsSnapshotLocked()
	d.mu.Unlock()

	if d.config.Checkpoint.Enabled {
		err := d.checkpointer.Load(ctx, models)
		switch {
		case errors.Is(err, ErrNoCheckpoint):
			d.logger.Info("no checkpoint found, starting cold")
		case err != nil:
			d.logger.Warn("checkpoint restore failed, starting cold", "error", err)
		default:
			d.logger.Info("restored model checkpoint", "models", len(models))
		}
	}

	d.wg.Add(4)
	go d.dispatchLoop()
	go d.detectionLoop()
	go d.analysisLoop()
	go d.trainingLoop()

	d.logger.Info("anomaly detector started",
		"metrics", len(models),
		"sensitivity", d.Sensitivity(),
		"interval", d.config.DetectionInterval)
	return nil
}

// Stop halts the background loops, saves a final checkpoint when enabled,
// and closes the store. Queued but undelivered alerts are dropped.
func (d *Detector) Stop() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	models := d.modelsSnapshotLocked()
	d.mu.Unlock()

	if started {
		close(d.done)
		d.wg.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if d.config.Checkpoint.Enabled {
		if err := d.checkpointer.Save(ctx, models); err != nil {
			d.logger.Warn("final checkpoint save failed", "error", err)
		}
	}
	if dropped := d.dropCount.Load(); dropped > 0 {
		d.logger.Warn("alerts dropped due to full queue", "count", dropped)
	}
	return d.store.Close()
}

func (d *Detector) detectionLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.DetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.config.DetectionInterval)
			if _, err := d.DetectOnce(ctx); err != nil {
				d.logger.Error("detection cycle failed", "error", err)
			}
			cancel()
		}
	}
}

func (d *Detector) analysisLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.DeepAnalysisInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.config.DeepAnalysisInterval)
			if _, err := d.RunDeepAnalysis(ctx); err != nil {
				d.logger.Error("deep analysis failed", "error", err)
			}
			cancel()
		}
	}
}

func (d *Detector) trainingLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.TrainingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			d.TrainModels(ctx)
			cancel()
		}
	}
}

func (d *Detector) dispatchLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case alert := <-d.alerts:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := d.sink.SendAlert(ctx, alert); err != nil {
				d.logger.Error("alert delivery failed",
					"type", alert.Type,
					"severity", alert.Severity,
					"error", err)
			}
			cancel()
		}
	}
}

// DetectOnce runs a single detection cycle: read current metrics, score each
// against its model, learn from the readings, group correlated anomalies
// into compound incidents, persist, and raise alerts.
func (d *Detector) DetectOnce(ctx context.Context) (DetectionResult, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return DetectionResult{}, ErrClosed
	}
	threshold := d.sensitivity.Threshold()
	d.mu.RUnlock()

	readings := d.source.CurrentReadings(ctx)
	if len(readings) == 0 {
		return DetectionResult{}, nil
	}

	now := time.Now()
	var candidates []Anomaly

	// Score and learn in metric order so cycles are deterministic.
	for _, metric := range d.config.Metrics {
		value, ok := readings[metric]
		if !ok {
			continue
		}
		model := d.model(metric)
		if model == nil {
			continue
		}

		var detected *Anomaly
		if model.HasEnoughData() {
			score := model.AnomalyScore(value)
			if score > threshold {
				a := d.buildAnomaly(model, metric, value, score, now, readings)
				detected = &a
			}
		}
		model.AddDataPoint(value, detected != nil)

		if detected != nil {
			candidates = append(candidates, *detected)
		}
	}

	if len(candidates) == 0 {
		return DetectionResult{}, nil
	}

	standalone, compounds := d.groupCandidates(candidates)
	d.recordRecent(candidates, now)

	result := DetectionResult{Anomalies: standalone, Compounds: compounds}

	for _, a := range standalone {
		d.persistAnomaly(ctx, a)
		if d.fpTracker.Suppressed(a.Metric, a.Type) {
			result.Suppressed++
			d.logger.Debug("anomaly suppressed by operator feedback",
				"metric", a.Metric, "type", a.Type, "id", a.ID)
			continue
		}
		d.raiseAnomalyAlert(a)
	}
	for _, c := range compounds {
		for _, a := range c.Anomalies {
			d.persistAnomaly(ctx, a)
		}
		d.persistCompound(ctx, c)
		d.raiseCompoundAlert(c)
	}

	d.logger.Info("detection cycle complete",
		"readings", len(readings),
		"anomalies", len(standalone),
		"compounds", len(compounds),
		"suppressed", result.Suppressed)
	return result, nil
}

// buildAnomaly assembles a scored reading into a full anomaly with context.
// The correlated-metrics snapshot uses the same threshold as compound
// grouping.
func (d *Detector) buildAnomaly(model *StatisticalModel, metric string, value, score float64, now time.Time, readings map[string]float64) Anomaly {
	trend := model.HistoricalPattern()

	var correlated []CorrelatedMetric
	for _, other := range d.config.Metrics {
		if other == metric {
			continue
		}
		otherValue, ok := readings[other]
		if !ok {
			continue
		}
		if !d.correlations.Correlated(metric, other, d.config.CorrelationThreshold) {
			continue
		}
		coeff := d.correlations.Coefficient(metric, other)
		anomalous := false
		if otherModel := d.model(other); otherModel != nil {
			anomalous = otherModel.IsAnomalous(otherValue)
		}
		correlated = append(correlated, CorrelatedMetric{
			Metric:      other,
			Value:       otherValue,
			Correlation: coeff,
			IsAnomalous: anomalous,
		})
	}

	weekday := now.Weekday()
	return Anomaly{
		ID:        d.nextID("anomaly"),
		Timestamp: now,
		Metric:    metric,
		Value:     value,
		Score:     score,
		Severity:  SeverityFromScore(score),
		Type:      model.AnomalyType(value),
		Context: AnomalyContext{
			TimeOfDay:         now.Hour(),
			DayOfWeek:         int(weekday),
			IsWeekend:         weekday == time.Saturday || weekday == time.Sunday,
			RecentTrend:       trend,
			CorrelatedMetrics: correlated,
			SystemState:       d.SystemHealth(),
		},
		Confidence:        model.Confidence(),
		ExpectedRange:     model.ExpectedRange(),
		HistoricalPattern: trend,
	}
}

// groupCandidates partitions this cycle's anomalies into standalone ones and
// compound incidents. Grouping is seed-based: the first ungrouped anomaly
// seeds a group, every later anomaly correlated with the seed above the
// configured threshold joins it, and each anomaly belongs to at most one
// group. Groups of one stay standalone.
func (d *Detector) groupCandidates(candidates []Anomaly) ([]Anomaly, []CompoundAnomaly) {
	var standalone []Anomaly
	var compounds []CompoundAnomaly

	used := make([]bool, len(candidates))
	for i := range candidates {
		if used[i] {
			continue
		}
		used[i] = true
		group := []Anomaly{candidates[i]}
		for j := i + 1; j < len(candidates); j++ {
			if used[j] {
				continue
			}
			if d.correlations.Correlated(candidates[i].Metric, candidates[j].Metric, d.config.CorrelationThreshold) {
				used[j] = true
				group = append(group, candidates[j])
			}
		}

		if len(group) == 1 {
			standalone = append(standalone, group[0])
			continue
		}
		compounds = append(compounds, CompoundAnomaly{
			ID:        d.nextID("compound"),
			Type:      TypeCompound,
			Timestamp: group[0].Timestamp,
			Anomalies: group,
			Severity:  compoundSeverity(group),
			RootCause: identifyRootCause(group),
			Impact:    assessImpact(group),
		})
	}
	return standalone, compounds
}

func (d *Detector) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), d.idSeq.Add(1))
}

func (d *Detector) raiseAnomalyAlert(a Anomaly) {
	esc := d.escalation.Predict(a.Metric, a.Severity, a.HistoricalPattern)
	d.enqueue(AlertPayload{
		Type:                AlertAnomalyDetected,
		Severity:            a.Severity,
		Message:             anomalyMessage(a),
		Recommendations:     recommendationsFor(a.Metric),
		Urgency:             alertUrgency(a.Severity, nil, &esc),
		PredictedEscalation: &esc,
		Anomaly:             &a,
		Timestamp:           time.Now(),
	})
}

func (d *Detector) raiseCompoundAlert(c CompoundAnomaly) {
	// Compound incidents have no single metric or trend, so the predictor
	// falls back to its neutral weights.
	esc := d.escalation.Predict("", c.Severity, "")
	impact := c.Impact
	d.enqueue(AlertPayload{
		Type:                AlertAnomalyDetected,
		Severity:            c.Severity,
		Message:             compoundMessage(c),
		Recommendations:     defaultRecommendations,
		Urgency:             alertUrgency(c.Severity, &impact, &esc),
		Impact:              &impact,
		PredictedEscalation: &esc,
		Compound:            &c,
		Timestamp:           time.Now(),
	})
}

// enqueue hands an alert to the dispatch queue without blocking the
// detection cycle. A full queue drops the alert.
func (d *Detector) enqueue(alert AlertPayload) {
	select {
	case d.alerts <- alert:
	default:
		d.dropCount.Add(1)
		d.logger.Warn("alert queue full, dropping alert",
			"type", alert.Type, "severity", alert.Severity)
	}
}

func (d *Detector) persistAnomaly(ctx context.Context, a Anomaly) {
	data, err := json.Marshal(a)
	if err != nil {
		d.logger.Error("marshal anomaly failed", "id", a.ID, "error", err)
		return
	}
	if err := d.store.AppendHistory(ctx, historyKeyAnomalies, data, d.config.HistoryLimit); err != nil {
		d.logger.Error("persist anomaly failed", "id", a.ID, "error", err)
	}
}

func (d *Detector) persistCompound(ctx context.Context, c CompoundAnomaly) {
	data, err := json.Marshal(c)
	if err != nil {
		d.logger.Error("marshal compound anomaly failed", "id", c.ID, "error", err)
		return
	}
	if err := d.store.AppendHistory(ctx, historyKeyAnomalies, data, d.config.HistoryLimit); err != nil {
		d.logger.Error("persist compound anomaly failed", "id", c.ID, "error", err)
	}
}

// recordRecent tracks this cycle's anomalies for health scoring, pruning
// entries outside the health window.
func (d *Detector) recordRecent(anomalies []Anomaly, now time.Time) {
	cutoff := now.Add(-healthWindow)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.recent = append(d.recent, anomalies...)
	idx := 0
	for _, a := range d.recent {
		if a.Timestamp.After(cutoff) {
			d.recent[idx] = a
			idx++
		}
	}
	d.recent = d.recent[:idx]
}

// SystemHealth summarizes engine health from the anomalies seen within the
// last hour. Each critical anomaly costs 20 points, each high 10, anything
// else 2, floored at zero.
func (d *Detector) SystemHealth() SystemState {
	cutoff := time.Now().Add(-healthWindow)

	d.mu.RLock()
	defer d.mu.RUnlock()

	score := 100
	count := 0
	for _, a := range d.recent {
		if !a.Timestamp.After(cutoff) {
			continue
		}
		count++
		switch a.Severity {
		case SeverityCritical:
			score -= 20
		case SeverityHigh:
			score -= 10
		default:
			score -= 2
		}
	}
	if score < 0 {
		score = 0
	}

	status := "critical"
	switch {
	case score > 80:
		status = "healthy"
	case score > 60:
		status = "warning"
	}
	return SystemState{Score: score, AnomalyCount: count, Status: status}
}

// TrainModels retrains stale baselines and checkpoints the result.
func (d *Detector) TrainModels(ctx context.Context) {
	models := d.modelsSnapshot()

	retrained := 0
	for _, m := range models {
		if m.NeedsTraining() && m.HasEnoughData() {
			m.Train()
			retrained++
		}
	}

	if d.config.Checkpoint.Enabled {
		if err := d.checkpointer.Save(ctx, models); err != nil {
			d.logger.Error("checkpoint save failed", "error", err)
		}
	}
	d.logger.Info("model training pass complete", "retrained", retrained)
}

// MarkFalsePositive records operator feedback that a stored anomaly was in
// fact normal behavior. Repeated feedback for the same metric and anomaly
// type mutes future alerts of that category for the configured window.
// Returns ErrAnomalyNotFound when the ID is not in the stored history.
func (d *Detector) MarkFalsePositive(ctx context.Context, anomalyID string) error {
	entries, err := d.store.History(ctx, historyKeyAnomalies, d.config.HistoryLimit)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		var a Anomaly
		if err := json.Unmarshal(entry, &a); err != nil || a.ID != anomalyID || a.Metric == "" {
			continue
		}

		d.fpTracker.Mark(a.Metric, a.Type, FalsePositiveRecord{
			Timestamp: time.Now(),
			AnomalyID: a.ID,
			Value:     a.Value,
			Score:     a.Score,
		})
		if model := d.model(a.Metric); model != nil {
			model.MarkFalsePositive(a.Value, a.Score)
		}
		d.logger.Info("anomaly marked as false positive",
			"id", a.ID, "metric", a.Metric, "type", a.Type)
		return nil
	}
	return ErrAnomalyNotFound
}

// AdjustSensitivity changes the alerting threshold at runtime.
func (d *Detector) AdjustSensitivity(s Sensitivity) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSensitivity, s)
	}
	d.mu.Lock()
	old := d.sensitivity
	d.sensitivity = s
	d.mu.Unlock()

	if old != s {
		d.logger.Info("sensitivity adjusted", "from", old, "to", s)
	}
	return nil
}

// Sensitivity returns the current sensitivity level.
func (d *Detector) Sensitivity() Sensitivity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sensitivity
}

// History returns up to limit stored anomalies, newest first. Compound
// entries in the history are skipped; use CompoundHistory for those.
func (d *Detector) History(ctx context.Context, limit int) ([]Anomaly, error) {
	entries, err := d.store.History(ctx, historyKeyAnomalies, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Anomaly, 0, len(entries))
	for _, entry := range entries {
		var a Anomaly
		if err := json.Unmarshal(entry, &a); err != nil || a.Metric == "" {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// CompoundHistory returns stored compound incidents, newest first.
func (d *Detector) CompoundHistory(ctx context.Context, limit int) ([]CompoundAnomaly, error) {
	entries, err := d.store.History(ctx, historyKeyAnomalies, limit)
	if err != nil {
		return nil, err
	}
	var out []CompoundAnomaly
	for _, entry := range entries {
		var c CompoundAnomaly
		if err := json.Unmarshal(entry, &c); err != nil || c.Type != TypeCompound {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// RaiseAlert queues an externally constructed alert for dispatch, letting
// applications reuse the detector's delivery pipeline for their own events.
// Returns ErrQueueFull when the queue is at capacity.
func (d *Detector) RaiseAlert(alert AlertPayload) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	select {
	case d.alerts <- alert:
		return nil
	default:
		d.dropCount.Add(1)
		return ErrQueueFull
	}
}

// ModelState returns the exportable state of one metric's model, or
// ErrUnknownMetric.
func (d *Detector) ModelState(metric string) (ModelState, error) {
	m := d.model(metric)
	if m == nil {
		return ModelState{}, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
	return m.ExportState(), nil
}

// ModelStates snapshots every model's exportable state, keyed by metric.
func (d *Detector) ModelStates() map[string]ModelState {
	models := d.modelsSnapshot()
	out := make(map[string]ModelState, len(models))
	for metric, m := range models {
		out[metric] = m.ExportState()
	}
	return out
}

// FalsePositiveCounts returns in-window dismissal counts per alert category.
func (d *Detector) FalsePositiveCounts() map[string]int {
	return d.fpTracker.Counts()
}

func (d *Detector) model(metric string) *StatisticalModel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.models[metric]
}

func (d *Detector) modelsSnapshot() map[string]*StatisticalModel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.modelsSnapshotLocked()
}

func (d *Detector) modelsSnapshotLocked() map[string]*StatisticalModel {
	out := make(map[string]*StatisticalModel, len(d.models))
	for metric, m := range d.models {
		out[metric] = m
	}
	return out
}
