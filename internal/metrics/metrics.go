package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stagePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgmflow",
			Subsystem: "stage",
			Name:      "passes_total",
			Help:      "Number of completed stage passes.",
		}, []string{"stage"},
	)
	stageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgmflow",
			Subsystem: "stage",
			Name:      "failures_total",
			Help:      "Number of stage passes that returned an error.",
		}, []string{"stage"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pgmflow",
			Subsystem: "stage",
			Name:      "pass_duration_seconds",
			Help:      "Observed duration of one stage pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"},
	)
	recordsAdvanced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgmflow",
			Subsystem: "record",
			Name:      "advanced_total",
			Help:      "Number of records a stage moved to its next status.",
		}, []string{"stage"},
	)
	downloadedFiles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pgmflow",
			Subsystem: "download",
			Name:      "files_total",
			Help:      "Number of attachment files fetched from the vendor.",
		},
	)
	downloadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pgmflow",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Total bytes of attachment files fetched from the vendor.",
		},
	)
	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgmflow",
			Subsystem: "verify",
			Name:      "results_total",
			Help:      "Verification outcomes by acceptance.",
		}, []string{"result"},
	)
	alarmsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgmflow",
			Subsystem: "tat",
			Name:      "alarms_total",
			Help:      "Turnaround alarms raised by tier.",
		}, []string{"level"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{stagePasses, stageFailures, stageDuration, recordsAdvanced, downloadedFiles, downloadedBytes, verifications, alarmsRaised}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func StagePass(stage string, seconds float64, failed bool) {
	if !regOK.Load() {
		return
	}
	stagePasses.WithLabelValues(stage).Inc()
	stageDuration.WithLabelValues(stage).Observe(seconds)
	if failed {
		stageFailures.WithLabelValues(stage).Inc()
	}
}

func RecordAdvanced(stage string) {
	if regOK.Load() {
		recordsAdvanced.WithLabelValues(stage).Inc()
	}
}

func DownloadedFile(bytes int64) {
	if regOK.Load() {
		downloadedFiles.Inc()
		downloadedBytes.Add(float64(bytes))
	}
}

func VerificationResult(accepted bool) {
	if regOK.Load() {
		result := "rejected"
		if accepted {
			result = "accepted"
		}
		verifications.WithLabelValues(result).Inc()
	}
}

func AlarmRaised(level string) {
	if regOK.Load() {
		alarmsRaised.WithLabelValues(level).Inc()
	}
}
