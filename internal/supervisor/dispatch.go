package supervisor

import (
	"strconv"
	"syscall"
	"time"

	"github.com/RussellHaley/daemonproxy/internal/clock"
	"github.com/RussellHaley/daemonproxy/internal/controller"
	"github.com/RussellHaley/daemonproxy/internal/fdreg"
	"github.com/RussellHaley/daemonproxy/internal/logsink"
	"github.com/RussellHaley/daemonproxy/internal/service"
)

// dispatch is the control protocol's command processor — spec.md
// §4.6's "external" Dispatch implementation, wired to every pool the
// loop owns. One line in, tab-separated, first field the command name;
// zero or more reply/event lines out through c.
//
// Unrecognized commands and malformed arguments are spec.md §7's
// "recoverable" error kind: reported back to the caller through
// NotifyError, state left unchanged. They are not written to the log.
func (s *Supervisor) dispatch(c *controller.Controller, line string) {
	fields := controller.ParseFields(line)
	if len(fields) == 0 || fields[0] == "" {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "start":
		s.cmdStart(c, args)
	case "signal":
		s.cmdSignal(c, args)
	case "set-args":
		s.cmdSetArgs(c, args)
	case "set-fds":
		s.cmdSetFDs(c, args)
	case "set-var":
		s.cmdSetVar(c, args)
	case "autorestart":
		s.cmdAutorestart(c, args)
	case "attach":
		s.cmdAttach(c, args)
	case "detach":
		s.cmdDetach(c)
	case "open":
		s.cmdOpen(c, args)
	case "pipe":
		s.cmdPipe(c, args)
	case "close":
		s.cmdClose(c, args)
	case "delete":
		s.cmdDelete(c, args)
	case "log.filter":
		s.cmdLogFilter(c, args)
	case "log.fd":
		s.cmdLogFD(c, args)
	case "list.services":
		s.cmdListServices(c)
	case "list.fds":
		s.cmdListFDs(c)
	case "fd.state":
		s.cmdFDState(c, args)
	case "exit":
		s.RequestTermination(nil, 0)
	default:
		c.NotifyError("unknown command %q", cmd)
	}
}

// Dispatch exposes the command processor for callers outside the event
// loop that need to feed it commands directly — cmd/daemonproxy's
// config-file loader runs before Run's first tick.
func (s *Supervisor) Dispatch(c *controller.Controller, line string) { s.dispatch(c, line) }

// AttachLog points the log sink at an already-registered FD name, the
// programmatic equivalent of a "log.fd" command — used at startup to
// honor a configured initial log target before any controller exists
// to send that command.
func (s *Supervisor) AttachLog(name string) { s.log.Attach(name) }

func (s *Supervisor) lookupService(c *controller.Controller, name string) (*service.Service, bool) {
	svc, ok := s.services.ByName(name)
	if !ok {
		c.NotifyError("no such service %q", name)
	}
	return svc, ok
}

func (s *Supervisor) cmdStart(c *controller.Controller, args []string) {
	if len(args) < 1 {
		c.NotifyError("start: requires a service name")
		return
	}
	svc, ok := s.services.ByName(args[0])
	if !ok {
		var err error
		svc, err = s.services.Create(args[0])
		if err != nil {
			c.NotifyError("start: %v", err)
			return
		}
	}
	when := s.clk.Now()
	if len(args) >= 2 {
		if n, ok := controller.ParseNonNegativeInt(args[1]); ok {
			when = when.Add(clock.Seconds(time.Duration(n) * time.Second))
		} else {
			c.NotifyError("start: invalid delay %q", args[1])
			return
		}
	}
	s.services.HandleStart(svc, when)
}

func (s *Supervisor) cmdSignal(c *controller.Controller, args []string) {
	if len(args) < 2 {
		c.NotifyError("signal: requires a service name and a signal number")
		return
	}
	svc, ok := s.lookupService(c, args[0])
	if !ok {
		return
	}
	n, ok := controller.ParseNonNegativeInt(args[1])
	if !ok {
		c.NotifyError("signal: invalid signal %q", args[1])
		return
	}
	group := len(args) >= 3 && args[2] == "group"
	if err := s.services.SendSignal(svc, syscall.Signal(n), group); err != nil {
		c.NotifyError("signal: %v", err)
	}
}

func (s *Supervisor) cmdSetArgs(c *controller.Controller, args []string) {
	if len(args) < 1 {
		c.NotifyError("set-args: requires a service name")
		return
	}
	svc, ok := s.lookupService(c, args[0])
	if !ok {
		return
	}
	if err := svc.SetArgv(args[1:]); err != nil {
		c.NotifyError("set-args: %v", err)
	}
}

func (s *Supervisor) cmdSetFDs(c *controller.Controller, args []string) {
	if len(args) < 4 {
		c.NotifyError("set-fds: requires a service name and three fd names")
		return
	}
	svc, ok := s.lookupService(c, args[0])
	if !ok {
		return
	}
	if err := svc.SetFDNames(args[1:4]); err != nil {
		c.NotifyError("set-fds: %v", err)
	}
}

func (s *Supervisor) cmdSetVar(c *controller.Controller, args []string) {
	if len(args) < 2 {
		c.NotifyError("set-var: requires a service name and a key")
		return
	}
	svc, ok := s.lookupService(c, args[0])
	if !ok {
		return
	}
	value := ""
	if len(args) >= 3 {
		value = args[2]
	}
	if err := svc.SetVar(args[1], value); err != nil {
		c.NotifyError("set-var: %v", err)
	}
}

func (s *Supervisor) cmdAutorestart(c *controller.Controller, args []string) {
	if len(args) < 2 {
		c.NotifyError("autorestart: requires a service name and true/false")
		return
	}
	svc, ok := s.lookupService(c, args[0])
	if !ok {
		return
	}
	svc.SetAutoRestart(args[1] == "true")
}

func (s *Supervisor) cmdAttach(c *controller.Controller, args []string) {
	if len(args) < 1 {
		c.NotifyError("attach: requires a service name")
		return
	}
	svc, ok := s.lookupService(c, args[0])
	if !ok {
		return
	}
	c.AttachService(svc.Name())
	svc.SetUsesControlEvent(true)
	svc.SetUsesControlCmd(true)
	c.NotifyInfo("attached to %s", svc.Name())
}

func (s *Supervisor) cmdDetach(c *controller.Controller) {
	if name := c.AttachedService(); name != "" {
		if svc, ok := s.services.ByName(name); ok {
			svc.SetUsesControlEvent(false)
			svc.SetUsesControlCmd(false)
		}
		c.NotifyInfo("detached from %s", name)
	}
	c.AttachService("")
}

func (s *Supervisor) cmdOpen(c *controller.Controller, args []string) {
	if len(args) < 2 {
		c.NotifyError("open: requires a name and a path")
		return
	}
	opts := ""
	if len(args) >= 3 {
		opts = args[2]
	}
	info, err := s.fds.Open(args[0], args[1], opts)
	if err != nil {
		c.NotifyError("open: %v", err)
		return
	}
	s.telemetry.SetFDOccupancy(s.fds.Len())
	c.NotifyFdState(info.Name, info.Path, "", "")
}

func (s *Supervisor) cmdPipe(c *controller.Controller, args []string) {
	if len(args) < 2 {
		c.NotifyError("pipe: requires two names")
		return
	}
	readInfo, writeInfo, err := s.fds.Pipe(args[0], args[1])
	if err != nil {
		c.NotifyError("pipe: %v", err)
		return
	}
	s.telemetry.SetFDOccupancy(s.fds.Len())
	notifyFdInfo(c, readInfo)
	notifyFdInfo(c, writeInfo)
}

func (s *Supervisor) cmdClose(c *controller.Controller, args []string) {
	if len(args) < 1 {
		c.NotifyError("close: requires a name")
		return
	}
	if err := s.fds.Delete(args[0]); err != nil {
		c.NotifyError("close: %v", err)
		return
	}
	s.telemetry.SetFDOccupancy(s.fds.Len())
	c.NotifyFdState(args[0], "", "", "")
}

func (s *Supervisor) cmdDelete(c *controller.Controller, args []string) {
	if len(args) < 1 {
		c.NotifyError("delete: requires a service name")
		return
	}
	svc, ok := s.lookupService(c, args[0])
	if !ok {
		return
	}
	if err := s.services.Delete(svc); err != nil {
		c.NotifyError("delete: %v", err)
		return
	}
	c.NotifySvcState(args[0], "deleted")
}

func (s *Supervisor) cmdLogFilter(c *controller.Controller, args []string) {
	if len(args) < 1 {
		c.NotifyError("log.filter: requires a level")
		return
	}
	lvl, ok := logsink.ParseLevel(args[0])
	if !ok {
		c.NotifyError("log.filter: unknown level %q", args[0])
		return
	}
	s.log.SetFilter(lvl)
	c.NotifyInfo("log.filter: now %s", s.log.Filter())
}

func (s *Supervisor) cmdLogFD(c *controller.Controller, args []string) {
	if len(args) < 1 {
		c.NotifyError("log.fd: requires an fd name")
		return
	}
	s.log.Attach(args[0])
}

// cmdListServices reports one service.state line per known service,
// the same pid/auto-restart/elapsed-time fields broadcastSvcState
// attaches to a live transition, so a late-attaching controller can
// reconstruct current state from list.services alone.
func (s *Supervisor) cmdListServices(c *controller.Controller) {
	s.services.Iterate("", func(svc *service.Service) bool {
		c.NotifySvcState(svc.Name(), svc.State().String(), s.svcStateExtra(svc)...)
		return true
	})
}

// formatElapsed renders a clock.Time delta the way init-frame.h's
// waittime/uptime/downtime doubles were meant to read: seconds, to
// millisecond precision.
func formatElapsed(d clock.Time) string {
	return strconv.FormatFloat(d.Duration().Seconds(), 'f', 3, 64)
}

func (s *Supervisor) cmdListFDs(c *controller.Controller) {
	s.fds.Iterate("", func(info fdreg.Info) bool {
		notifyFdInfo(c, info)
		return true
	})
}

func (s *Supervisor) cmdFDState(c *controller.Controller, args []string) {
	if len(args) < 1 {
		c.NotifyError("fd.state: requires a name")
		return
	}
	info, ok := s.fds.Lookup(args[0])
	if !ok {
		c.NotifyError("no such fd %q", args[0])
		return
	}
	notifyFdInfo(c, info)
}

// notifyFdInfo renders one fdreg.Info as a fd.state event, routing a pipe
// endpoint's peer into the side fd_notify_state (src/fd.c) puts it on: a
// read end's peer is the thing reading from it gives data to, so it lands
// in the pipeWrite field; a write end's peer lands in pipeRead.
func notifyFdInfo(c *controller.Controller, info fdreg.Info) {
	switch info.Kind {
	case fdreg.KindPipeRead:
		c.NotifyFdState(info.Name, info.Path, "", info.PeerName)
	case fdreg.KindPipeWrite:
		c.NotifyFdState(info.Name, info.Path, info.PeerName, "")
	default:
		c.NotifyFdState(info.Name, info.Path, "", "")
	}
}
