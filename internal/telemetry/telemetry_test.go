package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTransitionIncrementsLabeledCounter(t *testing.T) {
	s := New()
	s.ObserveTransition("service", "down", "start")
	s.ObserveTransition("service", "down", "start")
	s.ObserveTransition("service", "start", "up")

	got := testutil.ToFloat64(s.transitions.WithLabelValues("service", "down", "start"))
	if got != 2 {
		t.Fatalf("transitions(down->start) = %v, want 2", got)
	}
	got = testutil.ToFloat64(s.transitions.WithLabelValues("service", "start", "up"))
	if got != 1 {
		t.Fatalf("transitions(start->up) = %v, want 1", got)
	}
}

func TestObserveCountersAccumulate(t *testing.T) {
	s := New()
	s.ObserveForkFailure()
	s.ObserveForkFailure()
	s.ObserveRestart()
	s.ObserveControllerOverflow()
	s.ObserveLogMessagesLost(3)
	s.ObserveLogMessagesLost(0) // no-op, must not panic or subtract
	s.SetFDOccupancy(7)
	s.SetServiceOccupancy(3)
	s.SetControllerOccupancy(2)

	if got := testutil.ToFloat64(s.forkFailures); got != 2 {
		t.Fatalf("forkFailures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.restarts); got != 1 {
		t.Fatalf("restarts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.controllerOverflow); got != 1 {
		t.Fatalf("controllerOverflow = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.logMessagesLost); got != 3 {
		t.Fatalf("logMessagesLost = %v, want 3", got)
	}
	if got := testutil.ToFloat64(s.fdOccupancy); got != 7 {
		t.Fatalf("fdOccupancy = %v, want 7", got)
	}
	if got := testutil.ToFloat64(s.serviceOccupancy); got != 3 {
		t.Fatalf("serviceOccupancy = %v, want 3", got)
	}
	if got := testutil.ToFloat64(s.controllerOccupancy); got != 2 {
		t.Fatalf("controllerOccupancy = %v, want 2", got)
	}
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	s := New()
	s.ObserveTick(10 * time.Millisecond)
	s.SetFDOccupancy(2)

	body, err := testutil.GatherAndCount(s.registry)
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if body == 0 {
		t.Fatal("expected at least one metric family to be gathered")
	}
}

func TestServeWithEmptyAddrDisablesTelemetry(t *testing.T) {
	srv, err := Serve("", New())
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if srv != nil {
		t.Fatal("expected nil server when addr is empty")
	}
}

func TestMetricNamesCarryNamespace(t *testing.T) {
	s := New()
	s.ObserveForkFailure()
	count, err := testutil.GatherAndCount(s.registry, "daemonproxy_fork_failures_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("daemonproxy_fork_failures_total family count = %d, want 1", count)
	}
}
