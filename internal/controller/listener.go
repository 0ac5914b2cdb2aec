package controller

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/RussellHaley/daemonproxy/internal/clock"
)

// backoffDelay is how long Listener waits before accepting again once
// the controller pool is exhausted, per spec.md §6: "if the pool is
// empty, the loop backs off by at least 5s before accepting again."
const backoffDelay = 5 * time.Second

// Listener binds the control socket: a Unix stream socket at a
// caller-supplied path, with an existing same-UID socket unlinked
// before bind and a listen backlog of 2. Grounded on
// original_source/src/control-socket.c.
type Listener struct {
	fd        int
	path      string
	nextAfter clock.Time
}

// Listen binds and starts listening on path. If path already exists
// and is a socket owned by the effective UID, it is unlinked first;
// otherwise Listen fails, mirroring remove_any_socket's ownership
// check.
func Listen(path string) (*Listener, error) {
	if err := removeOwnedSocket(path); err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("controller: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("controller: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 2); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("controller: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("controller: set nonblock: %w", err)
	}
	return &Listener{fd: fd, path: path}, nil
}

func removeOwnedSocket(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return nil // stat failure: fall through and let bind report the real problem
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return fmt.Errorf("controller: %s exists and is not a socket", path)
	}
	if st.Uid != uint32(unix.Geteuid()) {
		return fmt.Errorf("controller: %s exists and is not owned by this process", path)
	}
	return os.Remove(path)
}

// FD is the selector-facing descriptor: register it for read
// readiness.
func (l *Listener) FD() int { return l.fd }

// Accept accepts one pending connection if ready is true and the
// listener isn't backing off from a previously exhausted pool. On
// success it allocates a controller from pool and installs both ends
// of the accepted socket on it. On pool exhaustion, it closes the
// accepted connection, schedules a backoff and returns a pool-exhausted
// error; until the backoff passes, later calls return nil, nil without
// accepting.
func (l *Listener) Accept(now clock.Time, pool *Pool) (*Controller, error) {
	if l.nextAfter != 0 && l.nextAfter.Sub(now) > 0 {
		return nil, nil
	}
	client, _, err := unix.Accept(l.fd)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("controller: accept: %w", err)
	}
	c := pool.Alloc(client, client, false)
	if c == nil {
		unix.Close(client)
		l.nextAfter = now.Add(clock.Seconds(backoffDelay)).Bump()
		return nil, fmt.Errorf("controller: pool exhausted, backing off %s", backoffDelay)
	}
	return c, nil
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() {
	unix.Close(l.fd)
	os.Remove(l.path)
}
