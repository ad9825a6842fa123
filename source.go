package vigil

import (
	"context"
	"sync"
)

// Standard tracked metric names. The detector accepts arbitrary metric names,
// but the built-in correlation, impact, and escalation tables are keyed by
// this set.
const (
	MetricResponseTime   = "response_time"
	MetricErrorRate      = "error_rate"
	MetricThroughput     = "throughput"
	MetricCPUUsage       = "cpu_usage"
	MetricMemoryUsage    = "memory_usage"
	MetricUserBehavior   = "user_behavior"
	MetricRevenue        = "revenue"
	MetricConversionRate = "conversion_rate"
)

// DefaultMetrics returns the standard tracked metric set.
func DefaultMetrics() []string {
	return []string{
		MetricResponseTime,
		MetricErrorRate,
		MetricThroughput,
		MetricCPUUsage,
		MetricMemoryUsage,
		MetricUserBehavior,
		MetricRevenue,
		MetricConversionRate,
	}
}

// MetricSource supplies the current reading for each metric. Implementations
// must not block for longer than a detection interval; a metric absent from
// the returned map is simply skipped for that cycle.
type MetricSource interface {
	CurrentReadings(ctx context.Context) map[string]float64
}

// ReadingsFunc adapts a function to the MetricSource interface.
type ReadingsFunc func(ctx context.Context) map[string]float64

// CurrentReadings implements MetricSource.
func (f ReadingsFunc) CurrentReadings(ctx context.Context) map[string]float64 {
	return f(ctx)
}

// StaticSource is a mutable in-memory MetricSource, useful for tests and for
// applications that push readings instead of being polled.
type StaticSource struct {
	mu       sync.RWMutex
	readings map[string]float64
}

// NewStaticSource creates an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{readings: make(map[string]float64)}
}

// Set records the current value for a metric.
func (s *StaticSource) Set(metric string, value float64) {
	s.mu.Lock()
	s.readings[metric] = value
	s.mu.Unlock()
}

// SetAll replaces the current readings wholesale.
func (s *StaticSource) SetAll(readings map[string]float64) {
	s.mu.Lock()
	s.readings = make(map[string]float64, len(readings))
	for k, v := range readings {
		s.readings[k] = v
	}
	s.mu.Unlock()
}

// Delete removes a metric, marking it unavailable.
func (s *StaticSource) Delete(metric string) {
	s.mu.Lock()
	delete(s.readings, metric)
	s.mu.Unlock()
}

// CurrentReadings implements MetricSource.
func (s *StaticSource) CurrentReadings(ctx context.Context) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.readings))
	for k, v := range s.readings {
		out[k] = v
	}
	return out
}
