package vigil

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// remoteWriteMaxBodySize bounds accepted remote-write payloads.
const remoteWriteMaxBodySize = 32 * 1024 * 1024

// RemoteWriteConfig configures the Prometheus remote-write metric source.
type RemoteWriteConfig struct {
	// Metrics is the set of tracked metric names to retain. Default:
	// DefaultMetrics().
	Metrics []string

	// Rename maps incoming Prometheus metric names to tracked names, for
	// scrapes whose naming differs from the standard set.
	Rename map[string]string

	// StaleAfter drops a retained reading that has not been refreshed within
	// this duration, marking the metric unavailable. Default: 2 minutes.
	StaleAfter time.Duration
}

// RemoteWriteSource ingests Prometheus remote-write payloads
// (snappy-framed protobuf) and retains the newest sample per tracked
// metric. It implements both http.Handler and MetricSource, letting a
// Prometheus server or agent feed the detector directly.
type RemoteWriteSource struct {
	config  RemoteWriteConfig
	tracked map[string]bool

	mu      sync.RWMutex
	values  map[string]float64
	updated map[string]time.Time
}

// NewRemoteWriteSource creates a remote-write source.
func NewRemoteWriteSource(config RemoteWriteConfig) *RemoteWriteSource {
	if len(config.Metrics) == 0 {
		config.Metrics = DefaultMetrics()
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 2 * time.Minute
	}
	tracked := make(map[string]bool, len(config.Metrics))
	for _, m := range config.Metrics {
		tracked[m] = true
	}
	return &RemoteWriteSource{
		config:  config,
		tracked: tracked,
		values:  make(map[string]float64),
		updated: make(map[string]time.Time),
	}
}

// ServeHTTP implements http.Handler for the remote-write endpoint.
func (s *RemoteWriteSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, remoteWriteMaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req prompb.WriteRequest
	if err := req.Unmarshal(decoded); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	accepted := s.ingest(&req)
	slog.Debug("remote write ingested", "timeseries", len(req.Timeseries), "accepted", accepted)
	w.WriteHeader(http.StatusAccepted)
}

// ingest retains the newest sample per tracked metric and returns how many
// samples were accepted.
func (s *RemoteWriteSource) ingest(req *prompb.WriteRequest) int {
	type sample struct {
		value float64
		ts    int64
	}
	newest := make(map[string]sample)

	for i := range req.Timeseries {
		ts := &req.Timeseries[i]
		metric := ""
		for _, label := range ts.Labels {
			if label.Name == "__name__" {
				metric = label.Value
				break
			}
		}
		if renamed, ok := s.config.Rename[metric]; ok {
			metric = renamed
		}
		if !s.tracked[metric] {
			continue
		}
		for _, sm := range ts.Samples {
			if cur, ok := newest[metric]; !ok || sm.Timestamp > cur.ts {
				newest[metric] = sample{value: sm.Value, ts: sm.Timestamp}
			}
		}
	}

	if len(newest) == 0 {
		return 0
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for metric, sm := range newest {
		s.values[metric] = sm.value
		s.updated[metric] = now
	}
	return len(newest)
}

// Set records a reading directly, bypassing the HTTP path. Useful for
// mixing pushed application metrics with scraped ones.
func (s *RemoteWriteSource) Set(metric string, value float64) {
	s.mu.Lock()
	s.values[metric] = value
	s.updated[metric] = time.Now()
	s.mu.Unlock()
}

// CurrentReadings implements MetricSource. Stale readings are omitted, so
// the detector treats their metrics as unavailable this cycle.
func (s *RemoteWriteSource) CurrentReadings(ctx context.Context) map[string]float64 {
	cutoff := time.Now().Add(-s.config.StaleAfter)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.values))
	for metric, value := range s.values {
		if s.updated[metric].After(cutoff) {
			out[metric] = value
		}
	}
	return out
}
