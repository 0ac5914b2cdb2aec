package supervisor

import (
	"time"

	"golang.org/x/sys/unix"
)

// fdSetAdd marks fd as a member of set. unix.FdSet.Bits is a fixed array
// of word-sized bitmaps, the same representation select(2)'s fd_set
// uses; indexing by fd/64 and masking by fd%64 is the standard way to
// set a single bit in it without depending on the exact word count.
func fdSetAdd(set *unix.FdSet, fd int) {
	if fd < 0 {
		return
	}
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

// fdIsSet reports whether fd is a member of set. A nil set (no prior
// select result yet, on the very first tick) contains nothing.
func fdIsSet(set *unix.FdSet, fd int) bool {
	if set == nil || fd < 0 {
		return false
	}
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

// unixSelect wraps golang.org/x/sys/unix.Select, converting a
// time.Duration timeout to the Timeval select(2) expects.
func unixSelect(nfd int, r, w *unix.FdSet, timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.Select(nfd, r, w, nil, &tv)
}
