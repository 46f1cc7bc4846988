package server

import (
	"sync"

	"github.com/ndmason1/tftpsim/shared"
	"github.com/pkg/errors"
)

type lockEntry struct {
	readers int
	writing bool
}

// LockTable tracks which files are being read or written. Any number of readers may share
// a file; a writer needs it to itself.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[string]*lockEntry)}
}

func (lt *LockTable) AcquireRead(name string) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	e := lt.entry(name)
	if e.writing {
		return errors.Wrapf(shared.ErrAccessDenied, "%s is being written", name)
	}
	e.readers++
	return nil
}

func (lt *LockTable) ReleaseRead(name string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if e, ok := lt.entries[name]; ok && e.readers > 0 {
		e.readers--
		lt.prune(name, e)
	}
}

func (lt *LockTable) AcquireWrite(name string) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	e := lt.entry(name)
	if e.writing {
		return errors.Wrapf(shared.ErrAccessDenied, "%s is already being written", name)
	}
	if e.readers > 0 {
		return errors.Wrapf(shared.ErrAccessDenied, "%s is being read by %d clients", name, e.readers)
	}
	e.writing = true
	return nil
}

func (lt *LockTable) ReleaseWrite(name string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if e, ok := lt.entries[name]; ok {
		e.writing = false
		lt.prune(name, e)
	}
}

// Readers returns the number of active readers of name
func (lt *LockTable) Readers(name string) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if e, ok := lt.entries[name]; ok {
		return e.readers
	}
	return 0
}

// Writing reports whether name is being written
func (lt *LockTable) Writing(name string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	e, ok := lt.entries[name]
	return ok && e.writing
}

// REQUIRE: mutex lock held
func (lt *LockTable) entry(name string) *lockEntry {
	e, ok := lt.entries[name]
	if !ok {
		e = &lockEntry{}
		lt.entries[name] = e
	}
	return e
}

// REQUIRE: mutex lock held
func (lt *LockTable) prune(name string, e *lockEntry) {
	if e.readers == 0 && !e.writing {
		delete(lt.entries, name)
	}
}
