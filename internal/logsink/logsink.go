// Package logsink implements the supervisor's own log buffer: a single
// bounded accumulator that writes through a named fd, retries on block
// with a timeout, and counts and reports lost messages when full.
//
// Ported from original_source/src/log.c. The C original arms an
// interval timer around each write() to break a hung write on a
// terminal or full pipe; this port instead relies on the event loop
// only ever calling flush when the selector (or a scheduled retry
// deadline) says the fd is ready, so no blocking write is ever
// attempted without evidence it will succeed — the cooperative
// event-loop equivalent of the same guarantee.
package logsink

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/RussellHaley/daemonproxy/internal/clock"
	"github.com/RussellHaley/daemonproxy/internal/fdreg"
)

// Level ranks log severities in the same order as the original's
// log_level_names table.
type Level int

const (
	LevelNone Level = iota
	LevelTrace
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

var levelNames = [...]string{"none", "trace", "debug", "info", "warning", "error", "fatal"}

func (l Level) String() string {
	if l >= LevelNone && l <= LevelFatal {
		return levelNames[l]
	}
	return "unknown"
}

// ParseLevel looks up a level by its log_level_names spelling.
func ParseLevel(name string) (Level, bool) {
	for i, n := range levelNames {
		if n == name {
			return Level(i), true
		}
	}
	return 0, false
}

// Defaults for tunables whose numeric values lived in the original's
// config.h, which was not part of the retrieved source. Chosen to be
// reasonable for a supervisor process rather than ported from a
// specific constant.
const (
	DefaultBufferSize   = 1024
	DefaultRetryDelay   = 5 * time.Second
	DefaultWriteTimeout = 2 * time.Second
)

// Sink is a single bounded log buffer bound to a named fd. Not safe for
// concurrent use; the supervisor's event loop owns it exclusively.
type Sink struct {
	filter             Level
	buf                []byte
	capacity           int
	fdName             string
	fdnum              int
	blocked            bool
	blockedNextAttempt clock.Time
	retryDelay         clock.Time
	lostCount          int
	clk                clock.Source
}

// New creates a sink with the given buffer capacity and initial filter
// level. The sink starts blocked until Attach names a target fd.
func New(clk clock.Source, capacity int, filter Level) *Sink {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Sink{
		filter:     filter,
		capacity:   capacity,
		fdnum:      -1,
		blocked:    true,
		retryDelay: clock.Seconds(DefaultRetryDelay),
		clk:        clk,
	}
}

// Attach (re)points the sink at a named fd, to be resolved through the
// registry on the next Run. Matches log_fd_set_name's reset-then-reattach
// shape.
func (s *Sink) Attach(name string) {
	s.fdName = name
	s.fdnum = -1
	s.blocked = true
	s.blockedNextAttempt = 0
}

// SetFilter clamps and installs a new minimum severity.
func (s *Sink) SetFilter(l Level) {
	switch {
	case l < LevelNone:
		l = LevelNone
	case l > LevelFatal:
		l = LevelFatal
	}
	s.filter = l
}

// Filter reports the current minimum severity.
func (s *Sink) Filter() Level { return s.filter }

// LostCount reports records dropped since the last "lost N messages"
// notice was appended to the buffer.
func (s *Sink) LostCount() int { return s.lostCount }

// Write filters, formats, and appends a record. Only messages strictly
// more severe than the current filter are kept — log_write's
// `log_filter >= level` early-return, preserved exactly. A record that
// would overflow the buffer is dropped and counted as lost rather than
// blocking the caller.
func (s *Sink) Write(level Level, format string, args ...any) {
	if level <= s.filter {
		return
	}
	if s.lostCount > 0 {
		s.lostCount++
		return
	}
	line := fmt.Sprintf("%s: %s\n", level, fmt.Sprintf(format, args...))
	if len(s.buf)+len(line) > s.capacity {
		s.lostCount++
		return
	}
	s.buf = append(s.buf, line...)
	s.flush()
}

// attach resolves fdName through reg if the sink has no live descriptor,
// mirroring log_fd_attach's "check whether the named fd became available
// again."
func (s *Sink) attach(reg *fdreg.Registry) bool {
	if s.fdnum >= 0 {
		return true
	}
	if s.fdName == "" {
		s.blocked = true
		return false
	}
	info, ok := reg.Lookup(s.fdName)
	if !ok || info.FDNum < 0 {
		s.blocked = true
		return false
	}
	s.fdnum = info.FDNum
	s.blocked = false
	s.blockedNextAttempt = 0
	if len(s.buf) > 0 {
		s.flush()
	}
	return true
}

// Run is called once per event-loop tick, per spec.md §4.7 step 8.
// writable reports whether the selector woke the sink because its fd was
// writable.
func (s *Sink) Run(reg *fdreg.Registry, writable bool) {
	if !s.attach(reg) || !s.blocked {
		return
	}
	if writable || (s.blockedNextAttempt != 0 && s.clk.Now().Sub(s.blockedNextAttempt) > 0) {
		s.blocked = false
		s.blockedNextAttempt = 0
		s.flush()
		if s.blocked {
			s.blockedNextAttempt = s.clk.Now().Add(s.retryDelay).Bump()
		}
	}
}

// Wake reports the extra selector interest the sink needs this tick:
// either write-readiness on its fd, or a specific retry deadline.
// hasDeadline false and fd < 0 both mean "no extra interest."
func (s *Sink) Wake() (fd int, wantWritable bool, deadline clock.Time, hasDeadline bool) {
	if !s.blocked || s.fdnum < 0 {
		return -1, false, 0, false
	}
	if s.blockedNextAttempt != 0 {
		return -1, false, s.blockedNextAttempt, true
	}
	return s.fdnum, true, 0, false
}

func (s *Sink) flush() bool {
	if s.fdnum < 0 || s.blocked {
		return false
	}
	for len(s.buf) > 0 {
		n, err := unix.Write(s.fdnum, s.buf)
		if err != nil {
			s.blocked = true
			return false
		}
		if n <= 0 {
			break
		}
		s.buf = s.buf[n:]
		if s.lostCount > 0 {
			note := fmt.Sprintf("warning: lost %d log messages\n", s.lostCount)
			if len(s.buf)+len(note) <= s.capacity {
				s.buf = append(s.buf, note...)
				s.lostCount = 0
			}
		}
	}
	return true
}
