// Package metrics exposes Prometheus collectors for sync runs.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prayersync_runs_total",
		Help: "Sync runs by final status",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prayersync_run_duration_seconds",
		Help:    "Wall time of a sync run",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	})

	lastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prayersync_last_run_timestamp_seconds",
		Help: "Unix time the last run finished",
	})

	extractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prayersync_extractions_total",
		Help: "Per-day time-table extractions by result",
	}, []string{"result"})

	extractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prayersync_extraction_duration_seconds",
		Help:    "Duration of a single day's extraction",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prayersync_reconcile_decisions_total",
		Help: "Reconciliation decisions by kind",
	}, []string{"decision"})

	calendarErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prayersync_calendar_errors_total",
		Help: "Failed calendar API operations by stage",
	}, []string{"stage"})

	duplicateEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prayersync_duplicate_events_total",
		Help: "Managed events ignored because an earlier event had the same summary",
	})

	locationResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prayersync_location_resolutions_total",
		Help: "Location resolutions by source",
	}, []string{"source"})
)

// RecordRun records a finished run.
func RecordRun(status string, d time.Duration, finished time.Time) {
	runsTotal.WithLabelValues(normalizeStatus(status)).Inc()
	runDuration.Observe(d.Seconds())
	lastRunTimestamp.Set(float64(finished.Unix()))
}

// RecordExtraction records one day's extraction outcome.
func RecordExtraction(result string, d time.Duration) {
	extractionsTotal.WithLabelValues(normalizeExtraction(result)).Inc()
	extractionDuration.Observe(d.Seconds())
}

// RecordDecisions adds n decisions of the given kind.
func RecordDecisions(decision string, n int) {
	if n <= 0 {
		return
	}
	decisionsTotal.WithLabelValues(normalizeDecision(decision)).Add(float64(n))
}

// RecordCalendarError counts a failed list or write.
func RecordCalendarError(stage string, n int) {
	if n <= 0 {
		return
	}
	switch stage {
	case "list", "write":
	default:
		stage = "unknown"
	}
	calendarErrorsTotal.WithLabelValues(stage).Add(float64(n))
}

// RecordDuplicates counts ignored duplicate events.
func RecordDuplicates(n int) {
	if n > 0 {
		duplicateEventsTotal.Add(float64(n))
	}
}

// RecordLocation counts a location resolution.
func RecordLocation(source string) {
	locationResolutions.WithLabelValues(strings.ToLower(strings.TrimSpace(source))).Inc()
}

func normalizeStatus(s string) string {
	switch s {
	case "completed", "completed_with_skips", "aborted", "cancelled", "fatal":
		return s
	default:
		return "unknown"
	}
}

func normalizeExtraction(s string) string {
	switch s {
	case "ok", "incomplete", "timeout", "cancelled", "error":
		return s
	default:
		return "error"
	}
}

func normalizeDecision(s string) string {
	switch s {
	case "create", "update", "noop", "skip":
		return s
	default:
		return "unknown"
	}
}
