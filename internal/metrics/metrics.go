package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	jobStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backupd",
			Subsystem: "job",
			Name:      "starts_total",
			Help:      "Number of jobs started.",
		}, []string{"kind"},
	)
	jobExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backupd",
			Subsystem: "job",
			Name:      "exits_total",
			Help:      "Number of finished jobs by exit code.",
		}, []string{"kind", "code"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "backupd",
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Wall time from start to exit.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"kind"},
	)
	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backupd",
			Subsystem: "job",
			Name:      "launch_failures_total",
			Help:      "Number of jobs whose command could not be started.",
		}, []string{"kind"},
	)
	runningJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "backupd",
			Subsystem: "job",
			Name:      "running",
			Help:      "Jobs currently running.",
		}, []string{"kind"},
	)
	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "backupd",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Observers currently attached to job output.",
		},
	)
	artifactOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backupd",
			Subsystem: "artifact",
			Name:      "operations_total",
			Help:      "Artifact operations by outcome (ok, not_found, traversal, error).",
		}, []string{"op", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{jobStarts, jobExits, jobDuration, launchFailures, runningJobs, streamSubscribers, artifactOps}
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

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has succeeded.

func JobStarted(kind string) {
	if regOK.Load() {
		jobStarts.WithLabelValues(kind).Inc()
		runningJobs.WithLabelValues(kind).Inc()
	}
}

func JobFinished(kind string, code int, seconds float64) {
	if regOK.Load() {
		jobExits.WithLabelValues(kind, strconv.Itoa(code)).Inc()
		jobDuration.WithLabelValues(kind).Observe(seconds)
		runningJobs.WithLabelValues(kind).Dec()
	}
}

func IncLaunchFailure(kind string) {
	if regOK.Load() {
		launchFailures.WithLabelValues(kind).Inc()
	}
}

func SubscriberAttached() {
	if regOK.Load() {
		streamSubscribers.Inc()
	}
}

func SubscriberDetached() {
	if regOK.Load() {
		streamSubscribers.Dec()
	}
}

func IncArtifactOp(op, outcome string) {
	if regOK.Load() {
		artifactOps.WithLabelValues(op, outcome).Inc()
	}
}
