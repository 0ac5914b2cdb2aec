package controller

import (
	"os"
	"strings"
	"testing"
)

func newTestController(t *testing.T, outCapacity int) (*Controller, *os.File, *os.File) {
	t.Helper()
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { inR.Close(); inW.Close(); outR.Close(); outW.Close() })

	pool := NewPool(4, outCapacity)
	c := pool.Alloc(int(inR.Fd()), int(outW.Fd()), false)
	if c == nil {
		t.Fatal("Alloc returned nil")
	}
	return c, inW, outR
}

func TestDispatchesCompleteLinesOnly(t *testing.T) {
	c, inW, _ := newTestController(t, 4096)
	var got []string
	inW.WriteString("start\tweb\n")
	inW.WriteString("signal\tweb\tterm") // no trailing newline yet

	c.Run(true, false, func(c *Controller, line string) { got = append(got, line) })

	if len(got) != 1 || got[0] != "start\tweb" {
		t.Fatalf("got = %v, want exactly one complete line", got)
	}

	inW.WriteString("\n")
	c.Run(true, false, func(c *Controller, line string) { got = append(got, line) })
	if len(got) != 2 || got[1] != "signal\tweb\tterm" {
		t.Fatalf("got = %v, want the second line completed", got)
	}
}

func TestWriteAndFlushProducesEventOnWire(t *testing.T) {
	c, _, outR := newTestController(t, 4096)
	if !c.NotifySvcState("web", "up") {
		t.Fatal("NotifySvcState should not overflow")
	}
	c.Run(false, true, nil)

	buf := make([]byte, 256)
	n, err := outR.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(buf[:n])
	if !strings.Contains(got, "service.state\tweb\tup") {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestOverflowEmitsResetThenResumes(t *testing.T) {
	c, _, outR := newTestController(t, 16)
	// First write fits (under 16 bytes); second overflows and flips state.
	if !c.Write("1234567890\n") {
		t.Fatal("first write should fit")
	}
	if c.Write("this message will not fit in the remaining space\n") {
		t.Fatal("second write should overflow")
	}
	if c.State() != StateOverflowed {
		t.Fatalf("state = %v, want overflowed", c.State())
	}

	// Draining the pre-overflow backlog should not yet inject reset.
	c.Run(false, true, nil)
	buf := make([]byte, 256)
	n, _ := outR.Read(buf)
	if strings.Contains(string(buf[:n]), "reset") {
		t.Fatalf("reset emitted before backlog drained: %q", buf[:n])
	}

	// The next writable tick injects the reset and resumes.
	c.Run(false, true, nil)
	if c.State() != StateActive {
		t.Fatalf("state = %v, want active once drained and reset injected", c.State())
	}

	n, _ = outR.Read(buf)
	if !strings.Contains(string(buf[:n]), "reset") {
		t.Fatalf("expected a reset event once writable again, got %q", buf[:n])
	}
}

func TestDroppedLinesWhileOverflowedDoNotReachDispatch(t *testing.T) {
	c, inW, _ := newTestController(t, 8)
	c.Write("xxxxxxx\n")
	c.Write("yyyyyyyyyyyyyyyyyyyy\n") // overflows
	if c.State() != StateOverflowed {
		t.Fatal("expected overflow")
	}

	called := false
	inW.WriteString("start\tweb\n")
	c.Run(true, false, func(c *Controller, line string) { called = true })
	if called {
		t.Fatal("dispatch should not run for lines received while overflowed")
	}
}

func TestEOFTransitionsToDrainingThenDone(t *testing.T) {
	c, inW, _ := newTestController(t, 4096)
	inW.Close()
	c.Run(true, false, func(c *Controller, line string) {})
	if c.State() != StateDraining {
		t.Fatalf("state = %v, want draining after EOF", c.State())
	}
	if !c.Done() {
		t.Fatal("expected Done() once output is already empty")
	}
}

func TestInteractiveFreeWithoutTerminateGuardRequestsTermination(t *testing.T) {
	inR, inW, _ := os.Pipe()
	outR, outW, _ := os.Pipe()
	defer inR.Close()
	defer inW.Close()
	defer outR.Close()
	defer outW.Close()

	pool := NewPool(2, 1024)
	c := pool.Alloc(int(inR.Fd()), int(outW.Fd()), false)
	c.MarkInteractive()

	pool.Free(c, false)
	if !pool.TerminateRequested() {
		t.Fatal("expected termination requested when interactive controller freed without terminate-guard")
	}
}

func TestInteractiveFreeWithTerminateGuardDoesNotRequestTermination(t *testing.T) {
	inR, inW, _ := os.Pipe()
	outR, outW, _ := os.Pipe()
	defer inR.Close()
	defer inW.Close()
	defer outR.Close()
	defer outW.Close()

	pool := NewPool(2, 1024)
	c := pool.Alloc(int(inR.Fd()), int(outW.Fd()), false)
	c.MarkInteractive()

	pool.Free(c, true)
	if pool.TerminateRequested() {
		t.Fatal("terminate-guard should suppress termination request")
	}
}
