package vigil

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Sensitivity selects how small an anomaly score must be to trigger an alert.
// A more sensitive level uses a lower score threshold, so smaller deviations
// from the baseline are reported.
type Sensitivity string

const (
	// SensitivityLow alerts only on strong deviations (score > 0.3).
	SensitivityLow Sensitivity = "low"
	// SensitivityMedium is the default level (score > 0.2).
	SensitivityMedium Sensitivity = "medium"
	// SensitivityHigh alerts on small deviations (score > 0.1).
	SensitivityHigh Sensitivity = "high"
)

// scoreThresholds maps each sensitivity level to the minimum anomaly score
// that produces an alert candidate.
var scoreThresholds = map[Sensitivity]float64{
	SensitivityLow:    0.3,
	SensitivityMedium: 0.2,
	SensitivityHigh:   0.1,
}

// Valid reports whether s is a recognized sensitivity level.
func (s Sensitivity) Valid() bool {
	_, ok := scoreThresholds[s]
	return ok
}

// Threshold returns the anomaly-score threshold for the level.
func (s Sensitivity) Threshold() float64 {
	if t, ok := scoreThresholds[s]; ok {
		return t
	}
	return scoreThresholds[SensitivityMedium]
}

// Config defines detector configuration.
type Config struct {
	// Sensitivity selects the alerting threshold. Default: medium.
	Sensitivity Sensitivity `yaml:"sensitivity"`

	// Metrics is the set of tracked metric names. Each gets its own
	// statistical model. Default: the standard metric set (DefaultMetrics).
	Metrics []string `yaml:"metrics"`

	// WindowSize is the per-metric sliding window capacity. Default: 100.
	WindowSize int `yaml:"window_size"`

	// MinDataPoints is the number of recorded points a model needs before it
	// participates in detection. Default: 30.
	MinDataPoints int `yaml:"min_data_points"`

	// CorrelationThreshold is the minimum |correlation| for two concurrently
	// anomalous metrics to be grouped into one compound incident. Default: 0.7.
	CorrelationThreshold float64 `yaml:"correlation_threshold"`

	// Correlations overrides or extends the built-in pairwise correlation
	// table. Keyed by metric name, each value maps other metric names to a
	// coefficient in [-1, 1].
	Correlations map[string]map[string]float64 `yaml:"correlations,omitempty"`

	// DetectionInterval is the cadence of the live detection loop.
	// Default: 30 seconds.
	DetectionInterval time.Duration `yaml:"detection_interval"`

	// DeepAnalysisInterval is the cadence of the deep-analysis pass.
	// Default: 5 minutes.
	DeepAnalysisInterval time.Duration `yaml:"deep_analysis_interval"`

	// TrainingInterval is the cadence of model retraining and checkpointing.
	// Default: 1 hour.
	TrainingInterval time.Duration `yaml:"training_interval"`

	// FalsePositiveWindow is the lookback used to mute repeatedly dismissed
	// alert categories. Default: 24 hours.
	FalsePositiveWindow time.Duration `yaml:"false_positive_window"`

	// FalsePositiveLimit is the number of dismissals within the window above
	// which the next anomaly of that category is suppressed. Default: 3.
	FalsePositiveLimit int `yaml:"false_positive_limit"`

	// HistoryLimit caps the persisted anomaly history. Default: 10,000.
	HistoryLimit int `yaml:"history_limit"`

	// AlertQueueSize is the dispatch queue capacity. A full queue drops
	// payloads rather than stalling the detection cycle. Default: 256.
	AlertQueueSize int `yaml:"alert_queue_size"`

	// Checkpoint configures model-state checkpointing. The zero value leaves
	// checkpointing off; normalize does not touch it, so enable it explicitly
	// or start from DefaultConfig, which turns it on with compression.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// CheckpointConfig configures model-state checkpoints.
type CheckpointConfig struct {
	// Enabled turns on periodic checkpointing after training passes.
	// DefaultConfig sets it; it stays false when omitted from YAML.
	Enabled bool `yaml:"enabled"`

	// Compress snappy-compresses the serialized state. DefaultConfig sets it.
	Compress bool `yaml:"compress"`

	// Passphrase, when non-empty, seals checkpoints with AES-GCM using a
	// PBKDF2-derived key. DO NOT commit passphrases to source control.
	Passphrase string `yaml:"passphrase,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Sensitivity:          SensitivityMedium,
		Metrics:              DefaultMetrics(),
		WindowSize:           100,
		MinDataPoints:        30,
		CorrelationThreshold: 0.7,
		DetectionInterval:    30 * time.Second,
		DeepAnalysisInterval: 5 * time.Minute,
		TrainingInterval:     time.Hour,
		FalsePositiveWindow:  24 * time.Hour,
		FalsePositiveLimit:   3,
		HistoryLimit:         10_000,
		AlertQueueSize:       256,
		Checkpoint: CheckpointConfig{
			Enabled:  true,
			Compress: true,
		},
	}
}

// normalize fills zero-valued fields with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Sensitivity == "" {
		c.Sensitivity = def.Sensitivity
	}
	if len(c.Metrics) == 0 {
		c.Metrics = def.Metrics
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.MinDataPoints <= 0 {
		c.MinDataPoints = def.MinDataPoints
	}
	if c.CorrelationThreshold <= 0 {
		c.CorrelationThreshold = def.CorrelationThreshold
	}
	if c.DetectionInterval <= 0 {
		c.DetectionInterval = def.DetectionInterval
	}
	if c.DeepAnalysisInterval <= 0 {
		c.DeepAnalysisInterval = def.DeepAnalysisInterval
	}
	if c.TrainingInterval <= 0 {
		c.TrainingInterval = def.TrainingInterval
	}
	if c.FalsePositiveWindow <= 0 {
		c.FalsePositiveWindow = def.FalsePositiveWindow
	}
	if c.FalsePositiveLimit <= 0 {
		c.FalsePositiveLimit = def.FalsePositiveLimit
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.AlertQueueSize <= 0 {
		c.AlertQueueSize = def.AlertQueueSize
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if !c.Sensitivity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSensitivity, c.Sensitivity)
	}
	if c.CorrelationThreshold > 1 {
		return fmt.Errorf("correlation_threshold must be in (0, 1], got %v", c.CorrelationThreshold)
	}
	for metric, row := range c.Correlations {
		for other, coeff := range row {
			if coeff < -1 || coeff > 1 {
				return fmt.Errorf("correlation %s/%s out of range: %v", metric, other, coeff)
			}
		}
	}
	return nil
}

// LoadConfigFile reads a YAML configuration file, fills defaults, and
// validates the result.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration bytes, fills defaults, and validates
// the result.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
