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

	jobsClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agenda",
			Subsystem: "processor",
			Name:      "jobs_claimed_total",
			Help:      "Number of jobs successfully leased by getNextJobToRun or lockJob.",
		}, []string{"name"},
	)
	jobsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agenda",
			Subsystem: "processor",
			Name:      "jobs_dispatched_total",
			Help:      "Number of jobs handed to a handler.",
		}, []string{"name"},
	)
	jobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agenda",
			Subsystem: "processor",
			Name:      "jobs_failed_total",
			Help:      "Number of jobs whose handler returned an error or whose lease expired.",
		}, []string{"name"},
	)
	jobsSucceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agenda",
			Subsystem: "processor",
			Name:      "jobs_succeeded_total",
			Help:      "Number of jobs whose handler returned nil.",
		}, []string{"name"},
	)
	claimLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agenda",
			Subsystem: "processor",
			Name:      "claim_latency_seconds",
			Help:      "Time spent in the repository's atomic claim selector.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agenda",
			Subsystem: "processor",
			Name:      "dispatch_duration_seconds",
			Help:      "Observed handler run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agenda",
			Subsystem: "processor",
			Name:      "queue_depth",
			Help:      "Current number of leased jobs awaiting dispatch in this process, per definition.",
		}, []string{"name"},
	)
	runningGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agenda",
			Subsystem: "processor",
			Name:      "running_instances",
			Help:      "Current dispatched (running) instances per definition name, in this process.",
		}, []string{"name"},
	)
	lockedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agenda",
			Subsystem: "processor",
			Name:      "locked_instances",
			Help:      "Current leased (locked, including not-yet-dispatched) instances per definition name, in this process.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		jobsClaimed, jobsDispatched, jobsFailed, jobsSucceeded,
		claimLatency, dispatchDuration, queueDepth, runningGauge, lockedGauge,
	}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncClaimed(name string) {
	if regOK.Load() {
		jobsClaimed.WithLabelValues(name).Inc()
	}
}
func IncDispatched(name string) {
	if regOK.Load() {
		jobsDispatched.WithLabelValues(name).Inc()
	}
}
func IncFailed(name string) {
	if regOK.Load() {
		jobsFailed.WithLabelValues(name).Inc()
	}
}
func IncSucceeded(name string) {
	if regOK.Load() {
		jobsSucceeded.WithLabelValues(name).Inc()
	}
}
func ObserveClaimLatency(name string, seconds float64) {
	if regOK.Load() {
		claimLatency.WithLabelValues(name).Observe(seconds)
	}
}
func ObserveDispatchDuration(name string, seconds float64) {
	if regOK.Load() {
		dispatchDuration.WithLabelValues(name).Observe(seconds)
	}
}
func SetQueueDepth(name string, n int) {
	if regOK.Load() {
		queueDepth.WithLabelValues(name).Set(float64(n))
	}
}
func SetRunning(name string, n int32) {
	if regOK.Load() {
		runningGauge.WithLabelValues(name).Set(float64(n))
	}
}
func SetLocked(name string, n int32) {
	if regOK.Load() {
		lockedGauge.WithLabelValues(name).Set(float64(n))
	}
}
