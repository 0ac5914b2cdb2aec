// Package fdreg implements the named file-descriptor registry: a
// preallocated slab of named handles (files, pipe endpoints, and
// "special" fds assigned from outside) indexed by name, with pipe
// endpoints holding a non-owning reference to their peer.
//
// Ported from original_source/src/fd.c, translating its intrusive
// RBTreeNode-per-entry indexing into the arena+handle ordered map in
// internal/rbtree, per spec.md §9's guidance for non-intrusive languages.
package fdreg

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/RussellHaley/daemonproxy/internal/rbtree"
	"github.com/RussellHaley/daemonproxy/internal/strseg"
)

// Kind identifies what a Named FD currently represents.
type Kind int

const (
	KindUndefined Kind = iota
	KindFile
	KindPipeRead
	KindPipeWrite
	KindSpecial
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindPipeRead:
		return "pipe-read"
	case KindPipeWrite:
		return "pipe-write"
	case KindSpecial:
		return "special"
	default:
		return "undefined"
	}
}

type entry struct {
	name       string
	kind       Kind
	fdnum      int
	isConst    bool
	payload    string // file path, or special description
	peer       int32  // slot handle of pipe peer; -1 if none
	treeHandle int32  // handle into the name index, not exposed to callers
}

// Info is a snapshot of a Named FD's externally visible state, suitable
// for rendering a fd.state controller event.
type Info struct {
	Name        string
	Kind        Kind
	FDNum       int
	IsConst     bool
	Path        string // set for KindFile
	Description string // set for KindSpecial
	PeerName    string // set for KindPipeRead/KindPipeWrite; "(closed)" if peer gone
}

// Registry is the named-fd slab plus its name index. Zero value is not
// usable; construct with New.
type Registry struct {
	slots     []entry
	inUse     []bool
	freeList  []int32
	index     *rbtree.Tree[string, int32]
	nameLimit int
}

// New allocates a registry with room for capacity entries, each with a
// name of at most nameLimit bytes.
func New(capacity, nameLimit int) *Registry {
	r := &Registry{
		slots:     make([]entry, capacity),
		inUse:     make([]bool, capacity),
		freeList:  make([]int32, capacity),
		nameLimit: nameLimit,
	}
	for i := 0; i < capacity; i++ {
		r.slots[i].fdnum = -1
		r.slots[i].peer = -1
		r.freeList[i] = int32(capacity - 1 - i)
	}
	r.index = rbtree.New[string, int32](capacity, func(name string, slot int32) int {
		return strseg.Compare([]byte(name), []byte(r.slots[slot].name))
	})
	return r
}

// Bootstrap installs the registry's fixed starting entries: a const
// "null" entry bound to /dev/null, and "stdin"/"stdout"/"stderr" bound to
// descriptors 0/1/2. Per spec.md §3, failure to open /dev/null is fatal.
func (r *Registry) Bootstrap() error {
	fd, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("fdreg: open %s: %w", os.DevNull, err)
	}
	h, ok := r.fdByName("null", true)
	if !ok {
		unix.Close(fd)
		return fmt.Errorf("fdreg: cannot install null entry")
	}
	r.slots[h].kind = KindFile
	r.slots[h].fdnum = fd
	r.slots[h].isConst = true
	r.slots[h].payload = os.DevNull

	for name, fdnum := range map[string]int{"stdin": 0, "stdout": 1, "stderr": 2} {
		sh, ok := r.fdByName(name, true)
		if !ok {
			return fmt.Errorf("fdreg: cannot install %q", name)
		}
		r.slots[sh].kind = KindSpecial
		r.slots[sh].fdnum = fdnum
		r.slots[sh].payload = name
	}
	return nil
}

// Len reports the number of live entries.
func (r *Registry) Len() int { return r.index.Len() }

func (r *Registry) alloc(name string) (int32, bool) {
	if len(name) > r.nameLimit || len(r.freeList) == 0 {
		return -1, false
	}
	n := len(r.freeList) - 1
	h := r.freeList[n]
	r.freeList = r.freeList[:n]
	r.slots[h] = entry{name: name, fdnum: -1, peer: -1}
	r.inUse[h] = true
	th, ok := r.index.Insert(name, h)
	if !ok {
		// name already present in the index under a different slot than
		// expected; undo the allocation. This should not occur since
		// fdByName only allocates on a failed Lookup.
		r.inUse[h] = false
		r.freeList = append(r.freeList, h)
		return -1, false
	}
	r.slots[h].treeHandle = th
	return h, true
}

func (r *Registry) free(h int32) {
	r.index.Prune(r.slots[h].treeHandle)
	r.inUse[h] = false
	r.slots[h] = entry{}
	r.freeList = append(r.freeList, h)
}

// fdByName finds name's slot, or (if create) allocates a fresh entry of
// kind KindUndefined for it. Mirrors original_source's fd_by_name.
func (r *Registry) fdByName(name string, create bool) (int32, bool) {
	th, ok := r.index.Lookup(name)
	if ok {
		return r.index.Object(th), true
	}
	if !create {
		return -1, false
	}
	return r.alloc(name)
}

// cleanupIfUndefined frees h if the caller's operation failed before the
// entry was ever given a real kind — matching the fail_cleanup paths in
// fd_pipe/fd_open that only discard entries they just allocated.
func (r *Registry) cleanupIfUndefined(h int32) {
	if r.slots[h].kind == KindUndefined {
		r.deleteHandle(h)
	}
}

// closeExisting closes h's current descriptor and, if h was a pipe
// endpoint, nulls its peer's back-reference before h is overwritten by a
// new Open/Pipe/Assign.
func (r *Registry) closeExisting(h int32) {
	e := &r.slots[h]
	if (e.kind == KindPipeRead || e.kind == KindPipeWrite) && e.peer >= 0 {
		r.slots[e.peer].peer = -1
	}
	if e.kind != KindUndefined && e.fdnum >= 0 {
		unix.Close(e.fdnum)
	}
}

func (r *Registry) deleteHandle(h int32) {
	r.closeExisting(h)
	r.free(h)
}

// Open parses comma-separated options from {append, create, mkdir, read,
// trunc, write, nonblock} (matched by prefix against each keyword, per
// spec.md §9), opens path, and binds the result to name. An existing
// non-const entry under name has its old descriptor closed first.
func (r *Registry) Open(name, path, opts string) (Info, error) {
	h, ok := r.fdByName(name, true)
	if !ok {
		return Info{}, fmt.Errorf("fdreg: name table full or name too long: %q", name)
	}
	if r.slots[h].isConst {
		r.cleanupIfUndefined(h)
		return Info{}, fmt.Errorf("fdreg: %q is const", name)
	}
	flags, mkdirFlag := parseOpenOptions(opts)
	if mkdirFlag {
		createMissingDirs(path)
	}
	fd, err := unix.Open(path, flags, 0600)
	if err != nil {
		r.cleanupIfUndefined(h)
		return Info{}, fmt.Errorf("fdreg: open %q: %w", path, err)
	}
	r.closeExisting(h)
	r.slots[h].kind = KindFile
	r.slots[h].fdnum = fd
	r.slots[h].payload = truncatePayload(path, r.nameLimit-len(name))
	return r.Info(h), nil
}

func parseOpenOptions(opts string) (flags int, mkdirFlag bool) {
	var read, write bool
	for _, tb := range strseg.Tokens([]byte(opts), ',') {
		tok := string(tb)
		if tok == "" {
			continue
		}
		switch tok[0] {
		case 'a':
			if isPrefix(tok, "append") {
				flags |= unix.O_APPEND
			}
		case 'c':
			if isPrefix(tok, "create") {
				flags |= unix.O_CREAT
			}
		case 'm':
			if isPrefix(tok, "mkdir") {
				mkdirFlag = true
			}
		case 'r':
			if isPrefix(tok, "read") {
				read = true
			}
		case 't':
			if isPrefix(tok, "trunc") {
				flags |= unix.O_TRUNC
			}
		case 'w':
			if isPrefix(tok, "write") {
				write = true
			}
		case 'n':
			if isPrefix(tok, "nonblock") {
				flags |= unix.O_NONBLOCK
			}
		}
	}
	switch {
	case write && read:
		flags |= unix.O_RDWR
	case write:
		flags |= unix.O_WRONLY
	default:
		flags |= unix.O_RDONLY
	}
	return flags | unix.O_NOCTTY, mkdirFlag
}

func isPrefix(tok, keyword string) bool {
	return len(tok) > 0 && len(tok) <= len(keyword) && keyword[:len(tok)] == tok
}

// createMissingDirs ensures path's parent directories exist, mode 0700.
// original_source walks the path component by component calling mkdir()
// on each prefix; os.MkdirAll implements the same "create every missing
// intermediate directory" contract in one call.
func createMissingDirs(path string) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		os.MkdirAll(dir, 0700)
	}
}

// Pipe creates a new pipe and installs name1 as its read end, name2 as
// its write end, creating either name if absent. Fails if either name is
// const.
func (r *Registry) Pipe(name1, name2 string) (readEnd, writeEnd Info, err error) {
	h1, ok1 := r.fdByName(name1, true)
	h2, ok2 := r.fdByName(name2, true)
	if !ok1 || !ok2 {
		if ok1 {
			r.cleanupIfUndefined(h1)
		}
		if ok2 {
			r.cleanupIfUndefined(h2)
		}
		return Info{}, Info{}, fmt.Errorf("fdreg: cannot allocate pipe names %q, %q", name1, name2)
	}
	if r.slots[h1].isConst || r.slots[h2].isConst {
		r.cleanupIfUndefined(h1)
		r.cleanupIfUndefined(h2)
		return Info{}, Info{}, fmt.Errorf("fdreg: pipe endpoint %q or %q is const", name1, name2)
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		r.cleanupIfUndefined(h1)
		r.cleanupIfUndefined(h2)
		return Info{}, Info{}, fmt.Errorf("fdreg: pipe: %w", err)
	}
	r.closeExisting(h1)
	r.closeExisting(h2)
	r.slots[h1].kind = KindPipeRead
	r.slots[h1].fdnum = fds[0]
	r.slots[h1].peer = h2
	r.slots[h2].kind = KindPipeWrite
	r.slots[h2].fdnum = fds[1]
	r.slots[h2].peer = h1
	return r.Info(h1), r.Info(h2), nil
}

// Assign replaces or creates a KindSpecial entry bound to an
// already-open descriptor, such as a socket handed off from the control
// socket or an inherited fd from the parent process.
func (r *Registry) Assign(name string, fdnum int, isConst bool, description string) (Info, error) {
	h, ok := r.fdByName(name, true)
	if !ok {
		return Info{}, fmt.Errorf("fdreg: name table full or name too long: %q", name)
	}
	r.closeExisting(h)
	r.slots[h].kind = KindSpecial
	r.slots[h].fdnum = fdnum
	r.slots[h].isConst = isConst
	r.slots[h].payload = truncatePayload(description, r.nameLimit-len(name))
	return r.Info(h), nil
}

// Delete closes name's descriptor, unlinks it from any pipe peer, and
// returns its slot to the free list. Fails if name is const or unknown.
func (r *Registry) Delete(name string) error {
	h, ok := r.fdByName(name, false)
	if !ok {
		return fmt.Errorf("fdreg: no such name: %q", name)
	}
	if r.slots[h].isConst {
		return fmt.Errorf("fdreg: %q is const", name)
	}
	r.deleteHandle(h)
	return nil
}

// Lookup returns the current state of name, if present.
func (r *Registry) Lookup(name string) (Info, bool) {
	h, ok := r.fdByName(name, false)
	if !ok {
		return Info{}, false
	}
	return r.Info(h), true
}

// Info renders h's current state for external reporting.
func (r *Registry) Info(h int32) Info {
	e := &r.slots[h]
	info := Info{Name: e.name, Kind: e.kind, FDNum: e.fdnum, IsConst: e.isConst}
	switch e.kind {
	case KindFile:
		info.Path = e.payload
	case KindSpecial:
		info.Description = e.payload
	case KindPipeRead, KindPipeWrite:
		if e.peer >= 0 && r.inUse[e.peer] {
			info.PeerName = r.slots[e.peer].name
		} else {
			info.PeerName = "(closed)"
		}
	}
	return info
}

// Iterate walks entries in name order, starting at the smallest name
// greater than or equal to fromName, calling fn for each until fn
// returns false or entries are exhausted.
func (r *Registry) Iterate(fromName string, fn func(Info) bool) {
	cur := r.index.SeekGE(fromName)
	for cur != -1 {
		if !fn(r.Info(r.index.Object(cur))) {
			return
		}
		cur = r.index.Next(cur)
	}
}

// CloseAll closes every live descriptor, for use during shutdown.
func (r *Registry) CloseAll() {
	for h := range r.slots {
		if r.inUse[h] && r.slots[h].fdnum >= 0 {
			unix.Close(r.slots[h].fdnum)
		}
	}
}

func truncatePayload(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if len(s) <= budget {
		return s
	}
	if budget > 3 {
		return s[:budget-3] + "..."
	}
	return ""
}
