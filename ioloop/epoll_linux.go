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

//go:build linux

package ioloop

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type handlerEntry struct {
	fn   func(Mask)
	mask Mask
}

// EpollLoop is the production Loop, backed by a single epoll instance.
// A self-pipe wakes epoll_wait when AddCallback is used to queue work
// from another goroutine (e.g. a listener's Accept loop).
type EpollLoop struct {
	epfd int
	wake [2]int

	mu       sync.Mutex
	handlers map[int]*handlerEntry
	callbacks []func()

	closed bool
	done   chan struct{}
}

// New creates an epoll-backed Loop.
func New() (*EpollLoop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "pipe2")
	}
	l := &EpollLoop{
		epfd:     epfd,
		wake:     wake,
		handlers: make(map[int]*handlerEntry),
		done:     make(chan struct{}),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wake[0], &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wake[0]),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(wake[0])
		unix.Close(wake[1])
		return nil, errors.Wrap(err, "epoll_ctl(wake)")
	}
	return l, nil
}

func toEpollEvents(m Mask) uint32 {
	var ev uint32
	if m.Has(Read) {
		ev |= unix.EPOLLIN
	}
	if m.Has(Write) {
		ev |= unix.EPOLLOUT
	}
	// EPOLLERR/EPOLLHUP are always reported by the kernel regardless of
	// the requested mask; Error is tracked purely in our own bookkeeping.
	return ev
}

func fromEpollEvents(ev uint32) Mask {
	var m Mask
	if ev&unix.EPOLLIN != 0 {
		m |= Read
	}
	if ev&unix.EPOLLOUT != 0 {
		m |= Write
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		m |= Error
	}
	return m
}

func (l *EpollLoop) AddHandler(fd int, fn func(Mask), mask Mask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; ok {
		return errors.Errorf("ioloop: fd %d already registered", fd)
	}
	l.handlers[fd] = &handlerEntry{fn: fn, mask: mask}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpollEvents(mask),
		Fd:     int32(fd),
	})
}

func (l *EpollLoop) UpdateHandler(fd int, mask Mask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handlers[fd]
	if !ok {
		return errors.Errorf("ioloop: fd %d not registered", fd)
	}
	h.mask = mask
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpollEvents(mask),
		Fd:     int32(fd),
	})
}

func (l *EpollLoop) RemoveHandler(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; !ok {
		return nil
	}
	delete(l.handlers, fd)
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (l *EpollLoop) AddCallback(fn func()) {
	l.mu.Lock()
	l.callbacks = append(l.callbacks, fn)
	l.mu.Unlock()
	unix.Write(l.wake[1], []byte{0})
}

func (l *EpollLoop) drainCallbacks() {
	l.mu.Lock()
	cbs := l.callbacks
	l.callbacks = nil
	l.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (l *EpollLoop) Run() error {
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-l.done:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "epoll_wait")
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wake[0] {
				var buf [64]byte
				for {
					if _, err := unix.Read(l.wake[0], buf[:]); err != nil {
						break
					}
				}
				continue
			}
			l.mu.Lock()
			h, ok := l.handlers[fd]
			l.mu.Unlock()
			if !ok {
				continue
			}
			h.fn(fromEpollEvents(events[i].Events))
		}
		l.drainCallbacks()
	}
}

func (l *EpollLoop) Close() error {
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
	return unix.Close(l.epfd)
}
