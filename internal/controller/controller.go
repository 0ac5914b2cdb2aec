// Package controller implements the line-framed control protocol: a
// fixed pool of controllers, each reading tab-separated commands from
// an input descriptor and writing tab-separated events to an output
// descriptor, with output-buffer overflow recovery and an optional
// "attached service" forwarding mode.
//
// Ported from init-frame.h's ctl_* interface (the implementation,
// ctl.c, was filtered out of the retrieval pack by its size cap; only
// the call sites in original_source/src/daemonproxy.c and the
// contracts in spec.md §4.6 survive to ground this). control-socket.c
// supplied the accept/backoff behavior Listener implements.
package controller

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// State is a controller's position in the protocol state machine.
type State int

const (
	StateFree State = iota
	StateActive
	StateDraining
	StateOverflowed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateOverflowed:
		return "overflowed"
	default:
		return "free"
	}
}

const resetEvent = "reset\n"

// Controller is one line-framed command/event channel. Not safe for
// concurrent use; the supervisor's event loop owns the pool
// exclusively.
type Controller struct {
	state State

	inFD, outFD int
	inBuf       []byte
	outBuf      []byte
	outCapacity int

	autoFinalNewline bool
	inputEOF         bool

	// attachedService, when non-empty, names a service this controller
	// is bidirectionally piped to: incoming lines are also delivered to
	// the service's control-event stream and vice versa, per spec.md
	// §3's "attached controller" variant.
	attachedService string

	// interactive marks the designated -i/--interactive controller,
	// whose destruction asks the loop to terminate per spec.md §4.6.
	interactive bool

	slot int32
}

// Dispatch is called once per complete input line (without its
// trailing newline). It is the "external" command processor spec.md
// §4.6 refers to; the supervisor supplies the concrete implementation
// wired to the service/FD registries.
type Dispatch func(c *Controller, line string)

// Pool owns every Controller in a fixed-size slab, mirroring the
// preallocated-pool contract spec.md §4.6 and §5 require of FDs,
// services, and controllers alike.
type Pool struct {
	slots       []Controller
	inUse       []bool
	freeList    []int32
	outCapacity int

	// terminateRequested is set when the interactive controller is
	// freed without the terminate-guard active.
	terminateRequested bool
}

// NewPool allocates a pool with room for capacity controllers, each
// with an output buffer capped at outCapacity bytes.
func NewPool(capacity, outCapacity int) *Pool {
	p := &Pool{
		slots:       make([]Controller, capacity),
		inUse:       make([]bool, capacity),
		freeList:    make([]int32, capacity),
		outCapacity: outCapacity,
	}
	for i := 0; i < capacity; i++ {
		p.freeList[i] = int32(capacity - 1 - i)
	}
	return p
}

// Cap and Len report the pool's total and currently allocated size.
func (p *Pool) Cap() int { return len(p.slots) }
func (p *Pool) Len() int { return len(p.slots) - len(p.freeList) }

// Alloc draws a free controller from the pool and binds it to inFD/
// outFD (which may be equal, for a socket), marking both nonblocking.
// Returns nil if the pool is exhausted.
func (p *Pool) Alloc(inFD, outFD int, autoFinalNewline bool) *Controller {
	if len(p.freeList) == 0 {
		return nil
	}
	n := len(p.freeList) - 1
	h := p.freeList[n]
	p.freeList = p.freeList[:n]
	p.inUse[h] = true

	unix.SetNonblock(inFD, true)
	if outFD != inFD {
		unix.SetNonblock(outFD, true)
	}

	p.slots[h] = Controller{
		state:            StateActive,
		inFD:             inFD,
		outFD:            outFD,
		outCapacity:      p.outCapacity,
		autoFinalNewline: autoFinalNewline,
		slot:             h,
	}
	return &p.slots[h]
}

// MarkInteractive designates c as the interactive controller whose
// destruction can request loop termination.
func (c *Controller) MarkInteractive() { c.interactive = true }

// AttachService binds c's forwarding mode to name; "" detaches it.
func (c *Controller) AttachService(name string) { c.attachedService = name }

// AttachedService reports c's current forwarding target, if any.
func (c *Controller) AttachedService() string { return c.attachedService }

// State reports c's current protocol state.
func (c *Controller) State() State { return c.state }

// Free returns c's slot to the pool, requesting loop termination if c
// was the interactive controller and terminateGuard is false, per
// spec.md §4.6. It does not close c's descriptors; they stay with
// whoever passed them to Alloc.
func (p *Pool) Free(c *Controller, terminateGuard bool) {
	if c.interactive && !terminateGuard {
		p.terminateRequested = true
	}
	c.state = StateFree
	p.inUse[c.slot] = false
	p.freeList = append(p.freeList, c.slot)
}

// TerminateRequested reports whether freeing the interactive controller
// asked the loop to exit.
func (p *Pool) TerminateRequested() bool { return p.terminateRequested }

// Iterate walks every allocated controller.
func (p *Pool) Iterate(fn func(*Controller) bool) {
	for i := range p.slots {
		if p.inUse[i] && !fn(&p.slots[i]) {
			return
		}
	}
}

// Write queues msg for output, formatted with fmt.Sprintf semantics.
// If it would overflow the output buffer, the controller transitions
// to overflowed and the message is dropped; the peer is told to
// resynchronize via a single "reset" event emitted on the next
// writable tick, per spec.md §4.6.
func (c *Controller) Write(format string, args ...any) bool {
	if c.state == StateOverflowed {
		return false
	}
	msg := fmt.Sprintf(format, args...)
	if len(c.outBuf)+len(msg) > c.outCapacity {
		c.state = StateOverflowed
		return false
	}
	c.outBuf = append(c.outBuf, msg...)
	return true
}

// Event emission primitives, grounded on init-frame.h's ctl_notify_*
// declarations (tab-separated fields, one trailing newline).

func (c *Controller) NotifySignal(name string) bool {
	return c.Write("signal\t%s\n", name)
}

func (c *Controller) NotifySvcState(name, state string, extra ...string) bool {
	fields := append([]string{"service.state", name, state}, extra...)
	return c.Write("%s\n", strings.Join(fields, "\t"))
}

func (c *Controller) NotifyFdState(name, path, pipeRead, pipeWrite string) bool {
	return c.Write("fd.state\t%s\t%s\t%s\t%s\n", name, path, pipeRead, pipeWrite)
}

func (c *Controller) NotifyInfo(format string, args ...any) bool {
	return c.Write("info\t%s\n", fmt.Sprintf(format, args...))
}

func (c *Controller) NotifyWarning(format string, args ...any) bool {
	return c.Write("warning\t%s\n", fmt.Sprintf(format, args...))
}

func (c *Controller) NotifyError(format string, args ...any) bool {
	return c.Write("error\t%s\n", fmt.Sprintf(format, args...))
}

// Run advances c by one tick: it reads and dispatches complete input
// lines, then writes as much of the pending output as the descriptor
// accepts. readable/writable report the selector's readiness verdict
// for inFD/outFD this tick. Mirrors spec.md §4.6's per-controller
// per-tick contract.
func (c *Controller) Run(readable, writable bool, dispatch Dispatch) {
	if c.state == StateFree {
		return
	}
	if readable && c.state != StateDraining {
		c.readInput(dispatch)
	}
	if writable {
		c.flushOutput()
	}
}

func (c *Controller) readInput(dispatch Dispatch) {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(c.inFD, buf)
		if n > 0 {
			c.inBuf = append(c.inBuf, buf[:n]...)
		}
		if err != nil || n <= 0 {
			// EOF (n==0, err==nil) and any read error other than
			// "would block" both end the input side the same way,
			// per spec.md §4.6: "EOF or error on input drains
			// remaining output then destructs the controller."
			if err != unix.EAGAIN {
				c.inputEOF = true
			}
			break
		}
		if n < len(buf) {
			break
		}
	}
	c.extractLines(dispatch)
	if c.inputEOF {
		if c.autoFinalNewline && len(c.inBuf) > 0 {
			c.inBuf = append(c.inBuf, '\n')
			c.extractLines(dispatch)
		}
		c.state = StateDraining
	}
}

func (c *Controller) extractLines(dispatch Dispatch) {
	for {
		idx := indexByte(c.inBuf, '\n')
		if idx < 0 {
			break
		}
		line := string(c.inBuf[:idx])
		c.inBuf = c.inBuf[idx+1:]
		if c.state == StateOverflowed {
			// A peer that is still sending commands while we're
			// mid-overflow gets no response until the reset fires;
			// the line is simply consumed to keep the buffer bounded.
			continue
		}
		dispatch(c, line)
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (c *Controller) flushOutput() {
	// Once whatever was already queued before the overflow has fully
	// drained, inject the single synthetic reset event and resume
	// normal operation; until then, keep draining the backlog below
	// without accepting new writes (Write refuses while overflowed).
	if c.state == StateOverflowed && len(c.outBuf) == 0 {
		c.outBuf = append(c.outBuf, resetEvent...)
		c.state = StateActive
	}
	for len(c.outBuf) > 0 {
		n, err := unix.Write(c.outFD, c.outBuf)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			c.state = StateDraining
			return
		}
		if n <= 0 {
			return
		}
		c.outBuf = c.outBuf[n:]
	}
}

// Done reports whether c has finished draining and is ready to be
// freed by the pool.
func (c *Controller) Done() bool {
	return c.state == StateDraining && len(c.outBuf) == 0
}

// WakeInterest reports the read/write fds c needs the selector to
// watch this tick.
func (c *Controller) WakeInterest() (readFD, writeFD int, wantWrite bool) {
	if c.state == StateFree {
		return -1, -1, false
	}
	wantWrite = len(c.outBuf) > 0 || c.state == StateOverflowed
	return c.inFD, c.outFD, wantWrite
}

// ParseFields splits a dispatched line on tabs, the inverse of how
// Write joins event fields, for use by the command processor.
func ParseFields(line string) []string {
	return strings.Split(line, "\t")
}

// ParseNonNegativeInt is a small helper for command arguments that name a
// numeric signal or fd, matching the original's permissive integer
// parsing in its command table.
func ParseNonNegativeInt(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
