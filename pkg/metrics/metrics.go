// Package metrics exposes Prometheus collectors for service starts, stops,
// preparation runs and watch reactions.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level collectors. Helpers no-op until Register succeeds.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hyve",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Start attempts by outcome.",
		}, []string{"service", "outcome"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hyve",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Stop requests by result (stopped, already_stopped).",
		}, []string{"service", "result"},
	)
	healthWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hyve",
			Subsystem: "service",
			Name:      "health_wait_seconds",
			Help:      "Time spent waiting for a freshly started service to become healthy.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"service"},
	)
	prepareRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hyve",
			Subsystem: "prepare",
			Name:      "runs_total",
			Help:      "Preparation command runs by result.",
		}, []string{"service", "result"},
	)
	watchReactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hyve",
			Subsystem: "watch",
			Name:      "reactions_total",
			Help:      "Debounced watch reactions by trigger and result (ran, skipped).",
		}, []string{"trigger", "result"},
	)
	sweepKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hyve",
			Subsystem: "sweep",
			Name:      "kills_total",
			Help:      "Stale processes killed by the pre-start port sweep.",
		},
	)
	runningServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hyve",
			Subsystem: "service",
			Name:      "running",
			Help:      "Services with a captured pid in the current run.",
		},
	)
)

// Register registers all collectors with r. Safe to call more than once.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStops, healthWait, prepareRuns, watchReactions, sweepKills, runningServices}
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

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(service, outcome string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service, outcome).Inc()
	}
}

func IncStop(service, result string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service, result).Inc()
	}
}

func ObserveHealthWait(service string, seconds float64) {
	if regOK.Load() {
		healthWait.WithLabelValues(service).Observe(seconds)
	}
}

func IncPrepare(service, result string) {
	if regOK.Load() {
		prepareRuns.WithLabelValues(service, result).Inc()
	}
}

func IncWatchReaction(trigger, result string) {
	if regOK.Load() {
		watchReactions.WithLabelValues(trigger, result).Inc()
	}
}

func AddSweepKills(n int) {
	if regOK.Load() && n > 0 {
		sweepKills.Add(float64(n))
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningServices.Set(float64(n))
	}
}
