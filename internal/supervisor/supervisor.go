// Package supervisor implements the event loop: the single-threaded,
// cooperative tick that ties the FD registry, signal relay, log sink,
// service pool, and controller pool together into the running
// supervisor process.
//
// Ported from original_source/src/daemonproxy.c's main loop. Its
// select()-based multiplexing becomes golang.org/x/sys/unix.Select over
// the same three descriptor classes (self-pipe, control socket,
// controller in/out descriptors); its per-tick ordering (signals, reap,
// services, controllers, log) is preserved exactly, per spec.md §4.7
// and §5.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/RussellHaley/daemonproxy/internal/clock"
	"github.com/RussellHaley/daemonproxy/internal/controller"
	"github.com/RussellHaley/daemonproxy/internal/fdreg"
	"github.com/RussellHaley/daemonproxy/internal/logger"
	"github.com/RussellHaley/daemonproxy/internal/logsink"
	"github.com/RussellHaley/daemonproxy/internal/service"
	"github.com/RussellHaley/daemonproxy/internal/sigrelay"
	"github.com/RussellHaley/daemonproxy/internal/telemetry"
)

// maxTickInterval bounds how long a tick ever sleeps even with nothing
// scheduled, so a wake deadline set far in the past by clock skew (or
// never set at all) can't stall shutdown checks indefinitely. Mirrors
// daemonproxy.c's "next = now + 200s" ceiling in its main loop.
const maxTickInterval = 200 * time.Second

// selectErrorBackoff is the fallback sleep spec.md §4.7 step 10
// prescribes after a selector error other than EINTR, to avoid a tight
// CPU-spinning loop if the descriptor set itself has gone bad.
const selectErrorBackoff = 500 * time.Millisecond

// Watchdog decouples the loop from os/signal specifics the rest of the
// package doesn't need to know about; satisfied by sigrelay.Relay.
type Watchdog interface {
	ReadFD() int
	Drain() []os.Signal
	BlockAll()
	UnblockAll()
	Close()
}

// Config collects everything New needs to assemble a Supervisor. Zero
// values for the pool-sizing fields fall back to conservative minimums;
// callers normally derive these from a decoded cfg.Config instead.
type Config struct {
	Clock clock.Source

	FDCount     int
	FDNameLimit int

	ServiceCount int

	ControllerCount     int
	ControllerOutBuffer int

	LogFilter     logsink.Level
	LogBufferSize int

	// ControlSocketPath, if non-empty, is bound as the control socket at
	// startup.
	ControlSocketPath string

	// InteractiveIn/InteractiveOut, if both non-nil, are bound as the
	// designated interactive controller (spec.md §6's `-i`).
	InteractiveIn  *os.File
	InteractiveOut *os.File

	// TerminateGuard suppresses the loop-termination request that
	// freeing the interactive controller would otherwise raise (spec.md
	// §6's `-F`/`--failsafe`, and PID 1's implicit default).
	TerminateGuard bool

	// ExecOnExit, if non-empty, names the cleanup program (and its
	// argv) the process execs into once the loop terminates, per
	// spec.md §5.
	ExecOnExit []string

	Forker    service.Forker
	Telemetry *telemetry.Snapshot
}

// Supervisor owns every preallocated pool and runs the tick loop.
type Supervisor struct {
	clk clock.Source

	fds         *fdreg.Registry
	services    *service.Pool
	controllers *controller.Pool
	listener    *controller.Listener
	relay       Watchdog
	log         *logsink.Sink
	telemetry   *telemetry.Snapshot
	forker      service.Forker

	terminateGuard bool
	execOnExit     []string

	terminate bool
	exitErr   error
	exitCode  int

	// ready holds the previous tick's select() result: which watched
	// descriptors are readable/writable right now. The very first tick
	// runs with a zero-value (nothing ready) set, since nothing has
	// had a chance to signal readiness yet.
	readyRead, readyWrite unix.FdSet
}

// New builds a Supervisor from cfg: it preallocates every pool,
// installs the null/stdio FD entries, starts relaying signals, and (if
// configured) binds the control socket and the interactive controller.
// Any failure here is spec.md §7's "fatal" kind — the pools could not
// be preallocated.
func New(cfg Config) (*Supervisor, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	fds := fdreg.New(nonZero(cfg.FDCount, 64), nonZero(cfg.FDNameLimit, 64))
	if err := fds.Bootstrap(); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	relay, err := sigrelay.New(syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT,
		syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	if err != nil {
		return nil, fmt.Errorf("supervisor: signal relay: %w", err)
	}

	telem := cfg.Telemetry
	if telem == nil {
		telem = telemetry.New()
	}

	s := &Supervisor{
		clk:            clk,
		fds:            fds,
		services:       service.NewPool(clk, nonZero(cfg.ServiceCount, 64)),
		controllers:    controller.NewPool(nonZero(cfg.ControllerCount, 16), nonZero(cfg.ControllerOutBuffer, 8192)),
		relay:          relay,
		log:            logsink.New(clk, cfg.LogBufferSize, cfg.LogFilter),
		telemetry:      telem,
		forker:         cfg.Forker,
		terminateGuard: cfg.TerminateGuard,
		execOnExit:     cfg.ExecOnExit,
	}
	if s.forker == nil {
		s.forker = service.DefaultForker
	}

	if cfg.ControlSocketPath != "" {
		l, err := controller.Listen(cfg.ControlSocketPath)
		if err != nil {
			relay.Close()
			return nil, fmt.Errorf("supervisor: control socket: %w", err)
		}
		s.listener = l
	}

	if cfg.InteractiveIn != nil && cfg.InteractiveOut != nil {
		c := s.controllers.Alloc(int(cfg.InteractiveIn.Fd()), int(cfg.InteractiveOut.Fd()), true)
		if c == nil {
			s.Close()
			return nil, fmt.Errorf("supervisor: controller pool too small for interactive controller")
		}
		c.MarkInteractive()
	}

	return s, nil
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Services, FDs, and Controllers expose the underlying pools, for the
// command processor and for tests driving the loop directly.
func (s *Supervisor) Services() *service.Pool       { return s.services }
func (s *Supervisor) FDs() *fdreg.Registry          { return s.fds }
func (s *Supervisor) Controllers() *controller.Pool { return s.controllers }
func (s *Supervisor) Telemetry() *telemetry.Snapshot { return s.telemetry }

// RequestTermination asks the loop to exit after completing its
// current tick, per spec.md §5's cancellation model. exitErr/exitCode
// are exported as INIT_FRAME_ERROR/INIT_FRAME_EXITCODE if ExecOnExit is
// configured.
func (s *Supervisor) RequestTermination(exitErr error, exitCode int) {
	s.terminate = true
	s.exitErr = exitErr
	s.exitCode = exitCode
}

// Close releases every resource the loop owns, for use both at clean
// shutdown and on a failed New.
func (s *Supervisor) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.relay.Close()
	s.fds.CloseAll()
}

// logEvent records a diagnostic both on the protocol-facing log sink
// (so a controller watching the log fd sees it) and on the process-wide
// structured logger at trace level, per SPEC_FULL.md §4.9.
func (s *Supervisor) logEvent(level logsink.Level, format string, args ...any) {
	s.log.Write(level, format, args...)
	logger.Tracef(format, args...)
}

// Run executes ticks until termination is requested (by the interactive
// controller closing without the terminate-guard, an explicit protocol
// "exit" command, or a handled SIGTERM/SIGINT), then runs exec-on-exit
// if configured. Mirrors daemonproxy.c's main() loop body.
func (s *Supervisor) Run() error {
	for !s.terminate {
		if err := s.tick(); err != nil {
			s.logEvent(logsink.LevelError, "supervisor: tick: %v", err)
		}
	}
	s.warnServicesStillRunning()
	s.Close()
	if len(s.execOnExit) > 0 {
		return s.runExecOnExit()
	}
	return s.exitErr
}

// warnServicesStillRunning logs one warning per service the event loop
// leaves in state up at shutdown — spec.md §8's interactive-exit scenario
// returns successfully without waiting on them, but an operator reading
// the log should know they were left running rather than reaped.
func (s *Supervisor) warnServicesStillRunning() {
	s.services.Iterate("", func(svc *service.Service) bool {
		if svc.State() == service.StateUp {
			s.logEvent(logsink.LevelWarning, "service %q still running at shutdown (pid %d)", svc.Name(), svc.PID())
		}
		return true
	})
}

// tick runs exactly one iteration of spec.md §4.7's 10-step loop. Steps
// 3-8 consume the readiness result of the *previous* tick's select
// call (step 10); this tick's own select call at the end produces the
// readiness the *next* tick will consume. That shape — block, then let
// one full pass of bookkeeping react to what became ready — is what a
// select()-driven daemon's main loop always does; spec.md's numbered
// steps describe one lap of it.
func (s *Supervisor) tick() error {
	tickStart := s.clk.Now()
	next := tickStart.Add(clock.Seconds(maxTickInterval))

	// Step 2: block the watched signals for the duration of the
	// bookkeeping steps below, up to step 9; the selector's fd sets
	// are built after they are unblocked again.
	s.relay.BlockAll()

	// Step 3: drain the self-pipe and dispatch each signal.
	for _, sig := range s.relay.Drain() {
		s.handleSignal(sig)
	}

	// Step 4: nonblocking reap loop.
	s.reapChildren()

	// Step 5: walk active services.
	s.advanceServices()

	// Step 6: accept on the control socket, if it was reported readable.
	if s.listener != nil && fdIsSet(&s.readyRead, s.listener.FD()) {
		s.acceptControllers()
	}

	// Step 7: walk controllers, using last select's readiness verdict
	// for each one's descriptors.
	s.advanceControllers()
	if s.controllers.TerminateRequested() {
		s.terminate = true
	}

	// Step 8: flush log.
	logFD, logWantWrite, logDeadline, logHasDeadline := s.log.Wake()
	logWritable := logWantWrite && fdIsSet(&s.readyWrite, logFD)
	logTimerFired := logHasDeadline && s.clk.Now().Sub(logDeadline) >= 0
	s.log.Run(s.fds, logWritable || logTimerFired)

	// Step 9: unblock signals.
	s.relay.UnblockAll()

	if s.terminate {
		return nil
	}

	// Build this tick's descriptor interest and deadline, then sleep on
	// it (step 10); the result seeds the next tick's steps 3-8.
	readSet, writeSet, maxFD := s.buildFDSets()
	timeout := s.computeTimeout(tickStart, next, logHasDeadline, logDeadline)

	s.telemetry.ObserveTick(s.clk.Now().Sub(tickStart).Duration())
	s.telemetry.SetServiceOccupancy(s.services.Len())
	s.telemetry.SetControllerOccupancy(s.controllers.Len())
	s.readyRead, s.readyWrite = unix.FdSet{}, unix.FdSet{}
	err := unixSelect(maxFD+1, &readSet, &writeSet, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		time.Sleep(selectErrorBackoff)
		return fmt.Errorf("select: %w", err)
	}
	s.readyRead, s.readyWrite = readSet, writeSet
	return nil
}

// buildFDSets collects every descriptor the next select() call should
// watch: the signal self-pipe (always), the control socket listener (if
// bound and not backing off), every live controller's in/out
// descriptors, and the log sink's target if it's blocked on a write.
func (s *Supervisor) buildFDSets() (readSet, writeSet unix.FdSet, maxFD int) {
	add := func(fd int, forWrite bool) {
		if fd < 0 {
			return
		}
		if forWrite {
			fdSetAdd(&writeSet, fd)
		} else {
			fdSetAdd(&readSet, fd)
		}
		if fd > maxFD {
			maxFD = fd
		}
	}

	add(s.relay.ReadFD(), false)
	if s.listener != nil {
		add(s.listener.FD(), false)
	}
	s.controllers.Iterate(func(c *controller.Controller) bool {
		readFD, writeFD, wantWrite := c.WakeInterest()
		add(readFD, false)
		if wantWrite {
			add(writeFD, true)
		}
		return true
	})
	if fd, wantWrite, _, hasDeadline := s.log.Wake(); !hasDeadline && fd >= 0 && wantWrite {
		add(fd, true)
	}
	return readSet, writeSet, maxFD
}

// computeTimeout folds every component's wake deadline into the single
// timeout the selector sleeps on, per spec.md §4.7's "next is minimized
// by any component whose state machine needs an earlier wake."
func (s *Supervisor) computeTimeout(now, next clock.Time, logHasDeadline bool, logDeadline clock.Time) time.Duration {
	deadline := next
	wakeNow := false
	s.services.IterateActive(func(svc *service.Service) bool {
		if svc.State() == service.StateStartPending {
			if pd := svc.PendingStart(); !pd.IsZero() && pd.Before(deadline) {
				deadline = pd
			}
			return true
		}
		wakeNow = true
		return true
	})
	if logHasDeadline && logDeadline.Before(deadline) {
		deadline = logDeadline
	}
	if wakeNow {
		return 0
	}
	d := deadline.Sub(now).Duration()
	if d < 0 {
		d = 0
	}
	return d
}

func (s *Supervisor) handleSignal(sig os.Signal) {
	s.controllers.Iterate(func(c *controller.Controller) bool {
		c.NotifySignal(fmt.Sprint(sig))
		return true
	})
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		s.RequestTermination(nil, 0)
	}
}

func (s *Supervisor) reapChildren() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		svc, ok := s.services.ByPID(pid)
		if !ok {
			continue
		}
		before := svc.State()
		s.services.HandleReaped(svc, int(ws))
		s.telemetry.ObserveTransition("service", before.String(), svc.State().String())
		s.broadcastSvcState(svc)
	}
}

func (s *Supervisor) advanceServices() {
	var toNotify []*service.Service
	var forkFailed []*service.Service
	s.services.IterateActive(func(svc *service.Service) bool {
		before := svc.State()
		s.services.Run(svc, s.fds, s.forker)
		if after := svc.State(); after != before {
			s.telemetry.ObserveTransition("service", before.String(), after.String())
			toNotify = append(toNotify, svc)
			if before == service.StateStart && after == service.StateStartPending {
				s.telemetry.ObserveForkFailure()
				forkFailed = append(forkFailed, svc)
			}
			if before == service.StateReaped && after == service.StateStartPending {
				s.telemetry.ObserveRestart()
			}
		}
		return true
	})
	for _, svc := range toNotify {
		s.broadcastSvcState(svc)
	}
	for _, svc := range forkFailed {
		s.broadcastWarning("fork failed for service %q, retrying", svc.Name())
	}
}

// broadcastWarning reports an operational notice that isn't tied to a
// single service.state transition — every controller sees it, the same
// audience broadcastSvcState reaches.
func (s *Supervisor) broadcastWarning(format string, args ...any) {
	s.controllers.Iterate(func(c *controller.Controller) bool {
		c.NotifyWarning(format, args...)
		return true
	})
}

func (s *Supervisor) broadcastSvcState(svc *service.Service) {
	extra := s.svcStateExtra(svc)
	s.controllers.Iterate(func(c *controller.Controller) bool {
		c.NotifySvcState(svc.Name(), svc.State().String(), extra...)
		return true
	})
}

// svcStateExtra builds the extra fields a service.state event carries
// alongside name and state, mirroring init-frame.h's separate
// svc_up/svc_down notifications (pid, elapsed time) folded into one
// event type.
func (s *Supervisor) svcStateExtra(svc *service.Service) []string {
	now := s.clk.Now()
	extra := []string{strconv.FormatBool(svc.AutoRestart())}
	switch svc.State() {
	case service.StateUp:
		extra = append(extra, strconv.Itoa(svc.PID()), formatElapsed(now.Sub(svc.StartTime())))
	case service.StateDown, service.StateReaped:
		if !svc.StartTime().IsZero() {
			extra = append(extra, strconv.Itoa(svc.PID()), formatElapsed(now.Sub(svc.ReapTime())))
		}
	}
	return extra
}

func (s *Supervisor) acceptControllers() {
	if _, err := s.listener.Accept(s.clk.Now(), s.controllers); err != nil {
		s.logEvent(logsink.LevelWarning, "supervisor: %v", err)
		s.telemetry.ObserveControllerOverflow()
	}
}

func (s *Supervisor) advanceControllers() {
	var done []*controller.Controller
	s.controllers.Iterate(func(c *controller.Controller) bool {
		readFD, writeFD, _ := c.WakeInterest()
		readable := fdIsSet(&s.readyRead, readFD)
		writable := fdIsSet(&s.readyWrite, writeFD)
		c.Run(readable, writable, s.dispatch)
		if c.Done() {
			done = append(done, c)
		}
		return true
	})
	for _, c := range done {
		s.controllers.Free(c, s.terminateGuard)
	}
}

func (s *Supervisor) runExecOnExit() error {
	path, err := exec.LookPath(s.execOnExit[0])
	if err != nil {
		return fmt.Errorf("supervisor: exec-on-exit: %w", err)
	}
	errMsg := ""
	if s.exitErr != nil {
		errMsg = s.exitErr.Error()
	}
	env := append(os.Environ(),
		"INIT_FRAME_ERROR="+errMsg,
		fmt.Sprintf("INIT_FRAME_EXITCODE=%d", s.exitCode),
	)
	return syscall.Exec(path, s.execOnExit, env)
}
