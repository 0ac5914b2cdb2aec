package service

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/RussellHaley/daemonproxy/internal/clock"
	"github.com/RussellHaley/daemonproxy/internal/fdreg"
)

func newTestPool(t *testing.T) (*Pool, *clock.Simulated) {
	t.Helper()
	sim := clock.NewSimulated(0)
	return NewPool(sim, 16), sim
}

func TestLenCountsRegisteredServicesRegardlessOfActivity(t *testing.T) {
	p, _ := newTestPool(t)
	if got := p.Len(); got != 0 {
		t.Fatalf("Len() on empty pool = %d, want 0", got)
	}
	svc, err := p.Create("svc")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := p.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	if err := p.Delete(svc); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := p.Len(); got != 0 {
		t.Fatalf("Len() after delete = %d, want 0", got)
	}
}

func TestCreateRejectsInvalidOrDuplicateNames(t *testing.T) {
	p, _ := newTestPool(t)
	if _, err := p.Create("bad name"); err == nil {
		t.Fatal("expected rejection of name with a space")
	}
	if _, err := p.Create("good-name.1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := p.Create("good-name.1"); err == nil {
		t.Fatal("expected rejection of duplicate name")
	}
}

func TestVarBudgetRejectsOversizeSet(t *testing.T) {
	p, _ := newTestPool(t)
	svc, err := p.Create("svc")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	huge := make([]byte, VarsByteBudget+1)
	for i := range huge {
		huge[i] = 'x'
	}
	if err := svc.SetVar("big", string(huge)); err == nil {
		t.Fatal("expected oversize var to be rejected")
	}
	if err := svc.SetVar("small", "ok"); err != nil {
		t.Fatalf("small var should fit: %v", err)
	}
}

func TestArgvRoundTrip(t *testing.T) {
	p, _ := newTestPool(t)
	svc, _ := p.Create("svc")
	if got := svc.Argv(); got != nil {
		t.Fatalf("expected nil argv before set, got %v", got)
	}
	if err := svc.SetArgv([]string{"/bin/sleep", "10"}); err != nil {
		t.Fatalf("SetArgv: %v", err)
	}
	got := svc.Argv()
	if len(got) != 2 || got[0] != "/bin/sleep" || got[1] != "10" {
		t.Fatalf("Argv roundtrip = %v", got)
	}
}

func TestFDNamesDefaultsToNull(t *testing.T) {
	p, _ := newTestPool(t)
	svc, _ := p.Create("svc")
	got := svc.FDNames()
	want := []string{"null", "null", "null"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("FDNames default = %v, want %v", got, want)
	}
}

func TestSetFDNamesSkipsStoringImplicitDefault(t *testing.T) {
	p, _ := newTestPool(t)
	svc, _ := p.Create("svc")
	if err := svc.SetFDNames([]string{"null", "null", "null"}); err != nil {
		t.Fatalf("SetFDNames: %v", err)
	}
	if v := svc.GetVar("fds"); v != "" {
		t.Fatalf("expected implicit default fds not to be stored, got %q", v)
	}
	if err := svc.SetFDNames([]string{"log-write", "log-write", "-"}); err != nil {
		t.Fatalf("SetFDNames: %v", err)
	}
	if v := svc.GetVar("fds"); v == "" {
		t.Fatal("expected non-default fds to be stored")
	}
}

func TestHandleStartImmediateVsDeferred(t *testing.T) {
	p, sim := newTestPool(t)
	svc, _ := p.Create("svc")

	p.HandleStart(svc, sim.Now())
	if svc.State() != StateStart {
		t.Fatalf("state = %v, want start", svc.State())
	}
	if p.ActiveCount() != 1 {
		t.Fatalf("active count = %d, want 1", p.ActiveCount())
	}

	svc2, _ := p.Create("svc2")
	future := sim.Now().Add(clock.Seconds(5 * time.Second))
	p.HandleStart(svc2, future)
	if svc2.State() != StateStartPending {
		t.Fatalf("state = %v, want start-pending", svc2.State())
	}
}

func TestRunAdvancesStartPendingOnceDeadlinePasses(t *testing.T) {
	p, sim := newTestPool(t)
	svc, _ := p.Create("svc")
	p.HandleStart(svc, sim.Now().Add(clock.Seconds(2*time.Second)))

	reg := fdreg.New(8, 32)
	p.Run(svc, reg, DefaultForker)
	if svc.State() != StateStartPending {
		t.Fatalf("state = %v, want still start-pending before deadline", svc.State())
	}

	sim.AdvanceTime(3 * time.Second)
	p.Run(svc, reg, DefaultForker)
	if svc.State() != StateStart {
		t.Fatalf("state = %v, want start after deadline", svc.State())
	}
}

func TestRunStartForksAndTransitionsToUp(t *testing.T) {
	p, sim := newTestPool(t)
	svc, _ := p.Create("svc")
	if err := svc.SetArgv([]string{"/bin/true"}); err != nil {
		t.Fatalf("SetArgv: %v", err)
	}
	p.HandleStart(svc, sim.Now())

	reg := fdreg.New(8, 32)
	if err := reg.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	fakeForker := func(argv []string, files []*os.File) (int, error) {
		if len(argv) == 0 || argv[0] != "/bin/true" {
			t.Fatalf("unexpected argv passed to forker: %v", argv)
		}
		return 4242, nil
	}
	p.Run(svc, reg, fakeForker)

	if svc.State() != StateUp {
		t.Fatalf("state = %v, want up", svc.State())
	}
	if svc.PID() != 4242 {
		t.Fatalf("pid = %d, want 4242", svc.PID())
	}
	if got, ok := p.ByPID(4242); !ok || got != svc {
		t.Fatal("service not indexed by its new pid")
	}
	if p.ActiveCount() != 0 {
		t.Fatalf("active count = %d, want 0 once up", p.ActiveCount())
	}
}

func TestRunStartReschedulesOnForkFailure(t *testing.T) {
	p, sim := newTestPool(t)
	svc, _ := p.Create("svc")
	svc.SetArgv([]string{"/bin/true"})
	p.HandleStart(svc, sim.Now())

	reg := fdreg.New(8, 32)
	reg.Bootstrap()

	failingForker := func(argv []string, files []*os.File) (int, error) {
		return 0, os.ErrPermission
	}
	p.Run(svc, reg, failingForker)

	if svc.State() != StateStartPending {
		t.Fatalf("state = %v, want start-pending after fork failure", svc.State())
	}
	if p.ActiveCount() != 1 {
		t.Fatal("service should remain active to retry the fork later")
	}
}

func TestHandleReapedOnlyAppliesWhenUp(t *testing.T) {
	p, sim := newTestPool(t)
	svc, _ := p.Create("svc")

	p.HandleReaped(svc, 0)
	if svc.State() != StateDown {
		t.Fatalf("reaping a non-up service must be a no-op, got %v", svc.State())
	}

	svc.state = StateUp
	p.changePID(svc, 99)
	p.HandleReaped(svc, 17)
	if svc.State() != StateReaped {
		t.Fatalf("state = %v, want reaped", svc.State())
	}
	ws, ok := svc.WaitStatus()
	if !ok || ws != 17 {
		t.Fatalf("WaitStatus = (%d, %v), want (17, true)", ws, ok)
	}
	if svc.ReapTime().IsZero() {
		t.Fatal("expected reap time to be bumped off zero")
	}
	_ = sim
}

func TestRunReapedTransitionsDownWithoutAutoRestart(t *testing.T) {
	p, sim := newTestPool(t)
	svc, _ := p.Create("svc")
	svc.state = StateUp
	p.changePID(svc, 7)
	p.HandleReaped(svc, 0)

	reg := fdreg.New(8, 32)
	p.Run(svc, reg, DefaultForker)
	if svc.State() != StateDown {
		t.Fatalf("state = %v, want down", svc.State())
	}
	if p.ActiveCount() != 0 {
		t.Fatal("a down service should leave the active list")
	}
	_ = sim
}

func TestRunReapedWithAutoRestartDelaysWithinInterval(t *testing.T) {
	p, sim := newTestPool(t)
	svc, _ := p.Create("svc")
	svc.SetAutoRestart(true)
	svc.SetArgv([]string{"/bin/true"})

	p.HandleStart(svc, sim.Now())
	reg := fdreg.New(8, 32)
	reg.Bootstrap()
	forker := func(argv []string, files []*os.File) (int, error) { return 55, nil }
	p.Run(svc, reg, forker) // down -> start -> up

	sim.AdvanceTime(10 * time.Millisecond) // reap well within serviceRestartInterval
	p.HandleReaped(svc, 0)
	reapedAt := sim.Now()
	p.Run(svc, reg, forker) // reaped -> down -> restart requested, deferred

	if svc.State() != StateStartPending {
		t.Fatalf("state = %v, want start-pending (restart deferred)", svc.State())
	}
	wantDeadline := reapedAt.Add(clock.Seconds(serviceRestartInterval))
	if got := svc.pendingStart; got != wantDeadline {
		t.Fatalf("pendingStart = %v, want %v (restart delayed from reap time, not start time)", got, wantDeadline)
	}
}

func TestDeleteSignalsAndRemovesFromBothIndexes(t *testing.T) {
	p, sim := newTestPool(t)
	svc, _ := p.Create("svc")

	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot spawn helper process: %v", err)
	}
	t.Cleanup(func() { cmd.Process.Kill(); cmd.Wait() })

	svc.state = StateUp
	p.changePID(svc, cmd.Process.Pid)

	if err := p.Delete(svc); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := p.ByName("svc"); ok {
		t.Fatal("expected service removed from name index")
	}
	if _, ok := p.ByPID(cmd.Process.Pid); ok {
		t.Fatal("expected service removed from pid index")
	}
	_ = sim
}

func TestResolveFDsRejectsUnknownName(t *testing.T) {
	p, sim := newTestPool(t)
	svc, _ := p.Create("svc")
	svc.SetArgv([]string{"/bin/true"})
	if err := svc.SetFDNames([]string{"does-not-exist", "-", "-"}); err != nil {
		t.Fatalf("SetFDNames: %v", err)
	}
	p.HandleStart(svc, sim.Now())

	reg := fdreg.New(8, 32)
	reg.Bootstrap()
	called := false
	forker := func(argv []string, files []*os.File) (int, error) {
		called = true
		return 1, nil
	}
	p.Run(svc, reg, forker)
	if called {
		t.Fatal("forker should not run when an fd name cannot be resolved")
	}
	if svc.State() != StateStartPending {
		t.Fatalf("state = %v, want start-pending after resolve failure", svc.State())
	}
}
