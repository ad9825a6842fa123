// Package vigil provides an embeddable statistical anomaly-detection engine
// for application and business metrics.
//
// Vigil maintains a rolling baseline per metric (mean and variance of recent
// non-anomalous readings), scores incoming readings as a normalized deviation
// in [0,1], correlates simultaneously anomalous metrics into compound
// incidents, estimates escalation risk, suppresses repeatedly dismissed alert
// categories, and dispatches structured alerts to pluggable sinks. Model
// state is checkpointed through a pluggable store so a restart does not lose
// the learned baseline.
//
// # Basic Usage
//
// Create a detector over a metric source and start the detection loops:
//
//	source := vigil.ReadingsFunc(func(ctx context.Context) map[string]float64 {
//	    return map[string]float64{
//	        vigil.MetricResponseTime: gauges.ResponseTime(),
//	        vigil.MetricErrorRate:    gauges.ErrorRate(),
//	    }
//	})
//	det, err := vigil.NewDetector(vigil.DefaultConfig(), source, vigil.NewLogSink())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	det.Start(ctx)
//	defer det.Stop()
//
// Run a single detection pass synchronously:
//
//	results, err := det.DetectOnce(ctx)
//
// Readings can also be ingested over Prometheus remote write via
// RemoteWriteSource, and anomaly history and model checkpoints persisted to
// memory, SQLite, or S3 through the Store interface.
package vigil
