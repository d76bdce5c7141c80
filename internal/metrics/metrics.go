// Package metrics defines the Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowguard"

// Metrics holds all Prometheus metrics for the scoring service.
type Metrics struct {
	TrainingRuns      *prometheus.CounterVec
	TrainingDuration  prometheus.Histogram
	SnapshotRows      prometheus.Gauge
	Restores          *prometheus.CounterVec
	InferenceRequests *prometheus.CounterVec
	RecordsScored     prometheus.Counter
	RecordsExcluded   prometheus.Counter
	AnomaliesFlagged  prometheus.Counter
	TrainThrottled    prometheus.Counter
}

// New initializes the metrics and registers them with reg.
// A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TrainingRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "runs_total",
			Help:      "Total number of training runs by status.",
		}, []string{"status"}), // status: ok, source_error, insufficient_data, error
		TrainingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "duration_seconds",
			Help:      "Time spent fitting the encoder and model.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SnapshotRows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "snapshot_rows",
			Help:      "Number of records the current snapshot was trained on.",
		}),
		Restores: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "restores_total",
			Help:      "Total number of snapshot restores from the archive by status.",
		}, []string{"status"}), // status: ok, no_model, contamination_mismatch, error
		InferenceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "requests_total",
			Help:      "Total number of inference requests by status.",
		}, []string{"status"}), // status: ok, no_model, source_error, aborted, error
		RecordsScored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "records_scored_total",
			Help:      "Total number of records scored.",
		}),
		RecordsExcluded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "records_excluded_total",
			Help:      "Total number of records excluded for an unknown protocol.",
		}),
		AnomaliesFlagged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "anomalies_total",
			Help:      "Total number of records flagged as anomalous.",
		}),
		TrainThrottled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "train_throttled_total",
			Help:      "Total number of train requests rejected by the rate limiter.",
		}),
	}
}

// ObserveTraining records the outcome of one training run.
func (m *Metrics) ObserveTraining(status string, duration time.Duration, rows int) {
	m.TrainingRuns.WithLabelValues(status).Inc()
	m.TrainingDuration.Observe(duration.Seconds())
	if rows > 0 {
		m.SnapshotRows.Set(float64(rows))
	}
}

// ObserveRestore records a snapshot restore from the archive.
func (m *Metrics) ObserveRestore(status string, rows int) {
	m.Restores.WithLabelValues(status).Inc()
	if rows > 0 {
		m.SnapshotRows.Set(float64(rows))
	}
}

// ObserveInference records the outcome of one inference request.
func (m *Metrics) ObserveInference(status string, scored, excluded, anomalies int) {
	m.InferenceRequests.WithLabelValues(status).Inc()
	m.RecordsScored.Add(float64(scored))
	m.RecordsExcluded.Add(float64(excluded))
	m.AnomaliesFlagged.Add(float64(anomalies))
}
