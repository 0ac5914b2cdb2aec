// Package telemetry exposes the supervisor's own health as Prometheus
// metrics: a counter per state transition (keyed by component/from/to),
// tick latency, fork failures, restarts, lost log messages, and
// controller overflow events. Purely observational — nothing here
// feeds back into scheduling; internal/supervisor and the three state
// machines only ever call Observe*, never read a counter back.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot owns one isolated Prometheus registry so multiple
// supervisor instances in the same process (as in tests) don't
// collide on the global default registry.
type Snapshot struct {
	registry *prometheus.Registry

	transitions        *prometheus.CounterVec
	tickDuration       prometheus.Histogram
	forkFailures       prometheus.Counter
	restarts           prometheus.Counter
	logMessagesLost    prometheus.Counter
	controllerOverflow  prometheus.Counter
	fdOccupancy         prometheus.Gauge
	serviceOccupancy    prometheus.Gauge
	controllerOccupancy prometheus.Gauge
}

// New registers every metric against a fresh registry and returns the
// snapshot ready for use.
func New() *Snapshot {
	s := &Snapshot{registry: prometheus.NewRegistry()}

	s.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "daemonproxy",
		Name:      "state_transitions_total",
		Help:      "Count of state machine transitions by component, source, and destination state.",
	}, []string{"component", "from", "to"})

	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "daemonproxy",
		Name:      "tick_duration_seconds",
		Help:      "Wall-clock duration of one event loop tick.",
		Buckets:   prometheus.DefBuckets,
	})

	s.forkFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "daemonproxy",
		Name:      "fork_failures_total",
		Help:      "Count of failed attempts to start a service's child process.",
	})

	s.restarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "daemonproxy",
		Name:      "service_restarts_total",
		Help:      "Count of automatic service restarts after reap.",
	})

	s.logMessagesLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "daemonproxy",
		Name:      "log_messages_lost_total",
		Help:      "Count of log records dropped because a sink's buffer was full.",
	})

	s.controllerOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "daemonproxy",
		Name:      "controller_overflow_total",
		Help:      "Count of controller output buffers that overflowed and required a reset.",
	})

	s.fdOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "daemonproxy",
		Name:      "fd_registry_occupancy",
		Help:      "Number of named FD slots currently in use.",
	})

	s.serviceOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "daemonproxy",
		Name:      "service_pool_occupancy",
		Help:      "Number of services currently registered.",
	})

	s.controllerOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "daemonproxy",
		Name:      "controller_pool_occupancy",
		Help:      "Number of controller slots currently allocated.",
	})

	s.registry.MustRegister(
		s.transitions, s.tickDuration, s.forkFailures, s.restarts,
		s.logMessagesLost, s.controllerOverflow, s.fdOccupancy,
		s.serviceOccupancy, s.controllerOccupancy,
	)
	return s
}

// ObserveTick records one event loop iteration's wall-clock duration.
func (s *Snapshot) ObserveTick(d time.Duration) {
	s.tickDuration.Observe(d.Seconds())
}

// ObserveTransition records one state machine's move from one named
// state to another. Called exactly once per actual change, never once
// per tick for a component sitting idle.
func (s *Snapshot) ObserveTransition(component, from, to string) {
	s.transitions.WithLabelValues(component, from, to).Inc()
}

func (s *Snapshot) ObserveForkFailure()        { s.forkFailures.Inc() }
func (s *Snapshot) ObserveRestart()            { s.restarts.Inc() }
func (s *Snapshot) ObserveControllerOverflow() { s.controllerOverflow.Inc() }

// ObserveLogMessagesLost adds n (internal/logsink's LostCount delta)
// to the running total.
func (s *Snapshot) ObserveLogMessagesLost(n int) {
	if n > 0 {
		s.logMessagesLost.Add(float64(n))
	}
}

// SetFDOccupancy reports the FD registry's current live-slot count.
func (s *Snapshot) SetFDOccupancy(n int) {
	s.fdOccupancy.Set(float64(n))
}

// SetServiceOccupancy reports the service pool's current registered count.
func (s *Snapshot) SetServiceOccupancy(n int) {
	s.serviceOccupancy.Set(float64(n))
}

// SetControllerOccupancy reports the controller pool's current allocated count.
func (s *Snapshot) SetControllerOccupancy(n int) {
	s.controllerOccupancy.Set(float64(n))
}

// Handler serves the registry's metrics in the standard exposition
// format, for mounting at /metrics.
func (s *Snapshot) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Server owns a background HTTP listener exposing Snapshot's metrics.
type Server struct {
	httpServer *http.Server
}

// Serve starts serving snap's metrics at addr in the background.
// An empty addr disables telemetry entirely and Serve returns nil.
func Serve(addr string, snap *Snapshot) (*Server, error) {
	if addr == "" {
		return nil, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", snap.Handler())
	httpServer := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return nil, err
	case <-time.After(50 * time.Millisecond):
		return &Server{httpServer: httpServer}, nil
	}
}

// Close shuts the telemetry listener down without waiting for
// in-flight scrapes to finish past ctx's deadline.
func (s *Server) Close(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
