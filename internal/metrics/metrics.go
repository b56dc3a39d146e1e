package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "gitview"
	subsystem = "project"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "registrations_total",
			Help:      "Number of registered projects by detected stack.",
		}, []string{"kind"},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Run attempts by stack and outcome (running, install_failed, startup_failed, interrupted).",
		}, []string{"kind", "result"},
	)
	stops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of stop operations that terminated a process or attempt.",
		},
	)
	deletes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deletes_total",
			Help:      "Number of deleted projects.",
		},
	)
	installDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "install_duration_seconds",
			Help:      "Wall time of install steps.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of project status transitions.",
		}, []string{"from", "to"},
	)
	runningProjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "running_projects",
			Help:      "Projects currently in the running state.",
		},
	)
	portExhaustion = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "port_exhaustion_total",
			Help:      "Run attempts rejected because no port was free.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{registrations, runs, stops, deletes, installDuration, stateTransitions, runningProjects, portExhaustion}
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

// Helpers below no-op until Register has succeeded.

func IncRegistration(kind string) {
	if regOK.Load() {
		registrations.WithLabelValues(kind).Inc()
	}
}

func IncRun(kind, result string) {
	if regOK.Load() {
		runs.WithLabelValues(kind, result).Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		stops.Inc()
	}
}

func IncDelete() {
	if regOK.Load() {
		deletes.Inc()
	}
}

func ObserveInstallDuration(kind string, seconds float64) {
	if regOK.Load() {
		installDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() && from != to {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetRunningProjects(n int) {
	if regOK.Load() {
		runningProjects.Set(float64(n))
	}
}

func IncPortExhaustion() {
	if regOK.Load() {
		portExhaustion.Inc()
	}
}
