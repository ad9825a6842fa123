package vigil

import (
	"sync"
	"time"
)

// FalsePositiveRecord is one operator dismissal of an alert category.
type FalsePositiveRecord struct {
	Timestamp time.Time `json:"timestamp"`
	AnomalyID string    `json:"anomaly_id"`
	Value     float64   `json:"value"`
	Score     float64   `json:"score"`
}

// FalsePositiveTracker records operator feedback per (metric, anomaly type)
// category and mutes categories that have been dismissed repeatedly within a
// sliding window. Suppressed anomalies are still detected and stored; they
// are only withheld from alerting.
type FalsePositiveTracker struct {
	mu      sync.RWMutex
	records map[string][]FalsePositiveRecord
	window  time.Duration
	limit   int
}

// NewFalsePositiveTracker creates a tracker. Non-positive window or limit
// fall back to 24 hours and 3 dismissals.
func NewFalsePositiveTracker(window time.Duration, limit int) *FalsePositiveTracker {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if limit <= 0 {
		limit = 3
	}
	return &FalsePositiveTracker{
		records: make(map[string][]FalsePositiveRecord),
		window:  window,
		limit:   limit,
	}
}

// suppressionKey builds the per-category key.
func suppressionKey(metric string, typ AnomalyType) string {
	return metric + "_" + string(typ)
}

// Mark records a dismissal for the category of the given anomaly.
func (t *FalsePositiveTracker) Mark(metric string, typ AnomalyType, rec FalsePositiveRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	key := suppressionKey(metric, typ)

	t.mu.Lock()
	defer t.mu.Unlock()

	records := append(t.records[key], rec)

	// Drop records that have aged out of the window so the map stays bounded.
	cutoff := time.Now().Add(-t.window)
	idx := 0
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			records[idx] = r
			idx++
		}
	}
	t.records[key] = records[:idx]
}

// Suppressed reports whether the category has been dismissed more than the
// configured limit within the sliding window.
func (t *FalsePositiveTracker) Suppressed(metric string, typ AnomalyType) bool {
	return t.recentCount(metric, typ) > t.limit
}

// recentCount counts in-window dismissals for a category.
func (t *FalsePositiveTracker) recentCount(metric string, typ AnomalyType) int {
	key := suppressionKey(metric, typ)
	cutoff := time.Now().Add(-t.window)

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, r := range t.records[key] {
		if r.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// Counts returns the number of in-window dismissals per category.
func (t *FalsePositiveTracker) Counts() map[string]int {
	cutoff := time.Now().Add(-t.window)

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int, len(t.records))
	for key, records := range t.records {
		n := 0
		for _, r := range records {
			if r.Timestamp.After(cutoff) {
				n++
			}
		}
		if n > 0 {
			out[key] = n
		}
	}
	return out
}
