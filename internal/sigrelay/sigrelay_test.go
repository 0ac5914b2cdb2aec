package sigrelay

import (
	"os"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestRelayWakesSelectorAndDrains(t *testing.T) {
	r, err := New(syscall.SIGUSR1, syscall.SIGUSR2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var fds unix.FdSet
		fdSet(&fds, r.ReadFD())
		tv := unix.Timeval{Sec: 0, Usec: 50000}
		n, err := unix.Select(r.ReadFD()+1, &fds, nil, nil, &tv)
		if err != nil && err != unix.EINTR {
			t.Fatalf("select: %v", err)
		}
		if n > 0 {
			break
		}
	}

	sigs := r.Drain()
	if len(sigs) != 1 {
		t.Fatalf("Drain() = %v, want exactly one signal", sigs)
	}
	if sigs[0] != syscall.SIGUSR1 {
		t.Fatalf("Drain() = %v, want SIGUSR1", sigs[0])
	}

	if more := r.Drain(); len(more) != 0 {
		t.Fatalf("second Drain should be empty, got %v", more)
	}
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func TestBlockUnblockDoesNotPanic(t *testing.T) {
	r, err := New(syscall.SIGUSR1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	r.BlockAll()
	r.UnblockAll()
}
