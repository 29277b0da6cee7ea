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

//go:build !linux

package ioloop

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SelectLoop is the portable Loop fallback for platforms without epoll,
// mirroring the teacher's own generic/specialized split between a
// plain listener path and a Linux-only SO_REUSEPORT path: here the split
// is epoll_linux.go vs this file, same interface either way.
type SelectLoop struct {
	wake [2]int

	mu        sync.Mutex
	handlers  map[int]*handlerEntry
	callbacks []func()

	closed bool
	done   chan struct{}
}

type handlerEntry struct {
	fn   func(Mask)
	mask Mask
}

func New() (*SelectLoop, error) {
	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_NONBLOCK); err != nil {
		return nil, errors.Wrap(err, "pipe2")
	}
	return &SelectLoop{
		wake:     wake,
		handlers: make(map[int]*handlerEntry),
		done:     make(chan struct{}),
	}, nil
}

func (l *SelectLoop) AddHandler(fd int, fn func(Mask), mask Mask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; ok {
		return errors.Errorf("ioloop: fd %d already registered", fd)
	}
	l.handlers[fd] = &handlerEntry{fn: fn, mask: mask}
	return nil
}

func (l *SelectLoop) UpdateHandler(fd int, mask Mask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handlers[fd]
	if !ok {
		return errors.Errorf("ioloop: fd %d not registered", fd)
	}
	h.mask = mask
	return nil
}

func (l *SelectLoop) RemoveHandler(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, fd)
	return nil
}

func (l *SelectLoop) AddCallback(fn func()) {
	l.mu.Lock()
	l.callbacks = append(l.callbacks, fn)
	l.mu.Unlock()
	unix.Write(l.wake[1], []byte{0})
}

func (l *SelectLoop) drainCallbacks() {
	l.mu.Lock()
	cbs := l.callbacks
	l.callbacks = nil
	l.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << uint(fd%64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<uint(fd%64)) != 0
}

func (l *SelectLoop) Run() error {
	for {
		select {
		case <-l.done:
			return nil
		default:
		}

		l.mu.Lock()
		var rfds, wfds unix.FdSet
		maxFd := l.wake[0]
		fdSet(&rfds, l.wake[0])
		for fd, h := range l.handlers {
			if h.mask.Has(Read) || h.mask.Has(Error) {
				fdSet(&rfds, fd)
			}
			if h.mask.Has(Write) {
				fdSet(&wfds, fd)
			}
			if fd > maxFd {
				maxFd = fd
			}
		}
		l.mu.Unlock()

		_, err := unix.Select(maxFd+1, &rfds, &wfds, nil, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "select")
		}

		if fdIsSet(&rfds, l.wake[0]) {
			var buf [64]byte
			for {
				if _, err := unix.Read(l.wake[0], buf[:]); err != nil {
					break
				}
			}
		}

		l.mu.Lock()
		type fire struct {
			fn   func(Mask)
			mask Mask
		}
		var fires []fire
		for fd, h := range l.handlers {
			var m Mask
			if fdIsSet(&rfds, fd) {
				m |= Read
			}
			if fdIsSet(&wfds, fd) {
				m |= Write
			}
			if m != None {
				fires = append(fires, fire{h.fn, m})
			}
		}
		l.mu.Unlock()

		for _, f := range fires {
			f.fn(f.mask)
		}
		l.drainCallbacks()
	}
}

func (l *SelectLoop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
	unix.Write(l.wake[1], []byte{0})
	unix.Close(l.wake[0])
	unix.Close(l.wake[1])
	return nil
}
