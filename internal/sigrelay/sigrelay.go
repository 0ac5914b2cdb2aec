// Package sigrelay turns asynchronous signal delivery into a readable
// file descriptor the event loop's selector can wait on, the "self-pipe
// trick" original_source/src/daemonproxy.c implements with a raw
// sigaction handler and a pipe.
//
// Go has no hook equivalent to an async-signal-safe handler: delivery
// already happens on a dedicated runtime goroutine via os/signal, safely
// buffered into a channel. This package still materializes a real pipe
// so the supervisor's selector-based event loop (which multiplexes
// ordinary fds with unix.Select) can treat "a signal arrived" as just
// another readable descriptor, the same shape sig_run gives the original
// select() loop.
package sigrelay

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Relay bridges os/signal delivery to a self-pipe fd plus an ordered
// queue of the signals that caused each wakeup.
type Relay struct {
	ch             chan os.Signal
	readFD, writeFD int
	watched        []os.Signal

	mu      sync.Mutex
	pending []os.Signal

	closeOnce sync.Once
	done      chan struct{}
}

// New starts relaying the given signals. The returned Relay's ReadFD
// becomes readable whenever one or more of them have arrived.
func New(signals ...os.Signal) (*Relay, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	r := &Relay{
		ch:      make(chan os.Signal, 32),
		readFD:  fds[0],
		writeFD: fds[1],
		watched: signals,
		done:    make(chan struct{}),
	}
	signal.Notify(r.ch, signals...)
	go r.pump()
	return r, nil
}

func (r *Relay) pump() {
	for {
		select {
		case sig := <-r.ch:
			r.mu.Lock()
			r.pending = append(r.pending, sig)
			r.mu.Unlock()
			unix.Write(r.writeFD, []byte{0})
		case <-r.done:
			return
		}
	}
}

// ReadFD is the selector-facing end of the self-pipe: register it for
// read-readiness alongside every other fd the event loop watches.
func (r *Relay) ReadFD() int { return r.readFD }

// Drain empties the self-pipe and returns every signal that arrived
// since the last Drain, in arrival order. Call this once per tick, per
// spec.md §4.3's "drain the self-pipe and emit a controller event per
// signal."
func (r *Relay) Drain() []os.Signal {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(r.readFD, buf)
		if n <= 0 || err != nil {
			break
		}
	}
	r.mu.Lock()
	out := r.pending
	r.pending = nil
	r.mu.Unlock()
	return out
}

// BlockAll and UnblockAll block and unblock the watched signals around
// the event loop's per-tick bookkeeping (signal drain through log
// flush); the fd sets are built and select is called after
// UnblockAll. This mirrors sig_enable(false)/
// sig_enable(true) in the original. Go's os/signal delivery is already
// immune to the classic self-pipe race this guards against in C — a
// signal arriving between "check pending" and "about to sleep" is never
// lost, since it is buffered into ch regardless of what the main
// goroutine is doing — but the bracket is kept so the event loop's
// structure reads the same as the spec and so a future caller adding
// raw signal handling elsewhere inherits the same discipline.
func (r *Relay) BlockAll() {
	set := unix.Sigset_t{}
	for _, s := range r.watched {
		if n, ok := signum(s); ok {
			addSignal(&set, n)
		}
	}
	unix.SigprocMask(unix.SIG_BLOCK, &set, nil)
}

// UnblockAll reverses BlockAll.
func (r *Relay) UnblockAll() {
	set := unix.Sigset_t{}
	for _, s := range r.watched {
		if n, ok := signum(s); ok {
			addSignal(&set, n)
		}
	}
	unix.SigprocMask(unix.SIG_UNBLOCK, &set, nil)
}

func signum(s os.Signal) (int, bool) {
	sig, ok := s.(syscall.Signal)
	if !ok {
		return 0, false
	}
	return int(sig), true
}

func addSignal(set *unix.Sigset_t, sig int) {
	idx := (sig - 1) / 64
	bit := uint((sig - 1) % 64)
	if idx >= 0 && idx < len(set.Val) {
		set.Val[idx] |= 1 << bit
	}
}

// Close stops relaying signals and closes the self-pipe.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		signal.Stop(r.ch)
		close(r.done)
		unix.Close(r.writeFD)
		unix.Close(r.readFD)
	})
}
