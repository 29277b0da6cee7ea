// Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package ioloop is the readiness-notification loop that drives
// iostream.Stream: register a file descriptor for read/write/error
// interest, get called back when the kernel reports it ready, and queue
// plain callbacks to run on the loop's own turn.
package ioloop

// Mask is a set of readiness bits.
type Mask int

const (
	None  Mask = 0
	Read  Mask = 1 << 0
	Write Mask = 1 << 1
	Error Mask = 1 << 2
)

func (m Mask) Has(bit Mask) bool { return m&bit != 0 }

// Loop is the event-loop contract iostream.Stream is built against. The
// linux build provides an epoll-backed implementation; every other GOOS
// gets a select-based fallback with the same semantics.
type Loop interface {
	// AddHandler registers fd for the given interest mask, invoking fn
	// with whichever bits became ready each time the loop wakes for it.
	AddHandler(fd int, fn func(Mask), mask Mask) error
	// UpdateHandler changes the interest mask for an already-registered fd.
	UpdateHandler(fd int, mask Mask) error
	// RemoveHandler deregisters fd. Safe to call on an fd already removed.
	RemoveHandler(fd int) error
	// AddCallback queues fn to run on the loop's own goroutine, waking
	// the loop if it is blocked waiting for I/O.
	AddCallback(fn func())
	// Run blocks, dispatching readiness events and callbacks until Close.
	Run() error
	// Close stops Run and releases the loop's own resources.
	Close() error
}
