// Package faketest provides a deterministic, synchronous ioloop.Loop for
// tests: no real fds, no real blocking, callbacks drain on an explicit
// Run() call so tests can assert ordering instead of racing a goroutine.
package faketest

import (
	"sync"

	"github.com/nbio/iostream/ioloop"
)

type handler struct {
	fn   func(ioloop.Mask)
	mask ioloop.Mask
}

// Loop implements ioloop.Loop entirely in-process and adds test-only
// introspection (Registered, Fire, Pending) on top. AddCallback is
// mutex-protected because a TLSStream handshake goroutine calls it from
// outside the goroutine driving Run/Fire.
type Loop struct {
	mu        sync.Mutex
	handlers  map[int]*handler
	callbacks []func()
}

func New() *Loop {
	return &Loop{handlers: make(map[int]*handler)}
}

func (l *Loop) AddHandler(fd int, fn func(ioloop.Mask), mask ioloop.Mask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[fd] = &handler{fn: fn, mask: mask}
	return nil
}

func (l *Loop) UpdateHandler(fd int, mask ioloop.Mask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.handlers[fd]; ok {
		h.mask = mask
	}
	return nil
}

func (l *Loop) RemoveHandler(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, fd)
	return nil
}

func (l *Loop) AddCallback(fn func()) {
	l.mu.Lock()
	l.callbacks = append(l.callbacks, fn)
	l.mu.Unlock()
}

// Run is a no-op loop: it only drains queued callbacks, including ones
// added while draining, until none remain.
func (l *Loop) Run() error {
	for {
		l.mu.Lock()
		cbs := l.callbacks
		l.callbacks = nil
		l.mu.Unlock()
		if len(cbs) == 0 {
			return nil
		}
		for _, cb := range cbs {
			cb()
		}
	}
}

func (l *Loop) Close() error { return nil }

// Registered reports whether fd is currently registered and its mask.
func (l *Loop) Registered(fd int) (ioloop.Mask, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handlers[fd]
	if !ok {
		return ioloop.None, false
	}
	return h.mask, true
}

// Fire synchronously invokes fd's registered handler with mask, as if
// the kernel had reported those bits ready.
func (l *Loop) Fire(fd int, mask ioloop.Mask) {
	l.mu.Lock()
	h, ok := l.handlers[fd]
	l.mu.Unlock()
	if !ok {
		return
	}
	h.fn(mask)
}

// Pending reports how many callbacks are queued but not yet run.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callbacks)
}
