// Package reentrant provides a goroutine re-entrant mutex.
//
// The service registry and the component runtime deliver events
// synchronously on the mutating goroutine, and callbacks are allowed to
// re-enter the runtime. A plain sync.Mutex would deadlock the moment a
// callback triggers a nested delivery to the same callee on the same
// goroutine; this lock recognizes its owner and lets it nest.
package reentrant

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Lock is a mutex that may be re-acquired by the goroutine that already
// holds it. Unlock must be called once per Lock. The zero value is ready
// to use.
type Lock struct {
	mu    sync.Mutex
	owner atomic.Int64
	depth int // guarded by ownership of mu
}

// Lock acquires the lock, nesting if the calling goroutine already owns it.
func (l *Lock) Lock() {
	gid := goid()
	if l.owner.Load() == gid {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(gid)
	l.depth = 1
}

// Unlock releases one level of the lock.
func (l *Lock) Unlock() {
	if l.owner.Load() != goid() {
		panic("reentrant: unlock by non-owner goroutine")
	}
	l.depth--
	if l.depth == 0 {
		l.owner.Store(0)
		l.mu.Unlock()
	}
}

// Held reports whether the calling goroutine currently owns the lock.
func (l *Lock) Held() bool {
	return l.owner.Load() == goid()
}

// goid parses the current goroutine id out of the stack header.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))
	id, _ := strconv.ParseInt(fields[0], 10, 64)
	return id
}
