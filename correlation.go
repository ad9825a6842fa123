package vigil

// CorrelationTable holds pairwise linear-correlation coefficients between
// metric names. Lookups are order-insensitive: Coefficient(a, b) consults
// the (a, b) entry first, then (b, a). Unknown pairs report 0.
type CorrelationTable struct {
	coeffs map[string]map[string]float64
}

// DefaultCorrelationTable returns the built-in correlation table for the
// standard metric set, learned from the launch campaign's history.
func DefaultCorrelationTable() *CorrelationTable {
	return &CorrelationTable{coeffs: map[string]map[string]float64{
		MetricResponseTime: {
			MetricErrorRate:  0.8,
			MetricThroughput: -0.7,
			MetricCPUUsage:   0.6,
		},
		MetricErrorRate: {
			MetricResponseTime:   0.8,
			MetricUserBehavior:   -0.9,
			MetricConversionRate: -0.8,
		},
		MetricThroughput: {
			MetricResponseTime: -0.7,
			MetricCPUUsage:     0.5,
			MetricRevenue:      0.6,
		},
		MetricCPUUsage: {
			MetricMemoryUsage:  0.7,
			MetricResponseTime: 0.6,
		},
		MetricMemoryUsage: {
			MetricCPUUsage:  0.7,
			MetricErrorRate: 0.4,
		},
		MetricUserBehavior: {
			MetricErrorRate:      -0.9,
			MetricConversionRate: 0.8,
		},
		MetricRevenue: {
			MetricConversionRate: 0.9,
			MetricThroughput:     0.6,
		},
		MetricConversionRate: {
			MetricRevenue:      0.9,
			MetricUserBehavior: 0.8,
			MetricErrorRate:    -0.8,
		},
	}}
}

// Coefficient returns the correlation coefficient between two metrics, or 0
// when the pair is unknown.
func (t *CorrelationTable) Coefficient(a, b string) float64 {
	if a == b {
		return 1
	}
	if row, ok := t.coeffs[a]; ok {
		if c, ok := row[b]; ok {
			return c
		}
	}
	if row, ok := t.coeffs[b]; ok {
		if c, ok := row[a]; ok {
			return c
		}
	}
	return 0
}

// Set records a coefficient for a metric pair, replacing any existing entry.
func (t *CorrelationTable) Set(a, b string, coeff float64) {
	if t.coeffs == nil {
		t.coeffs = make(map[string]map[string]float64)
	}
	if t.coeffs[a] == nil {
		t.coeffs[a] = make(map[string]float64)
	}
	t.coeffs[a][b] = coeff
}

// Merge applies overrides on top of the table, row by row.
func (t *CorrelationTable) Merge(overrides map[string]map[string]float64) {
	for metric, row := range overrides {
		for other, coeff := range row {
			t.Set(metric, other, coeff)
		}
	}
}

// Correlated reports whether |coefficient| exceeds the threshold.
func (t *CorrelationTable) Correlated(a, b string, threshold float64) bool {
	c := t.Coefficient(a, b)
	if c < 0 {
		c = -c
	}
	return c > threshold
}
