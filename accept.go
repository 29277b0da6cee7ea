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

package iostream

import (
	"net"
	"syscall"

	"github.com/nbio/iostream/ioloop"
	"github.com/pkg/errors"
)

// fdFromConn extracts the underlying fd of a net.Conn obtained from
// net.Listener.Accept, dup'ing it so the stream owns an independent
// descriptor and the original conn can be closed without affecting it.
// Mirrors newFDConn's dup-and-hand-off in the opposite direction: there the
// stream owns a raw fd and TLS needs a net.Conn; here an accept loop owns a
// net.Conn and the stream needs a raw fd.
func fdFromConn(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, errors.Errorf("iostream: %T does not support SyscallConn", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, errors.Wrap(err, "SyscallConn")
	}

	var dup int
	var dupErr error
	err = raw.Control(func(fd uintptr) {
		dup, dupErr = syscall.Dup(int(fd))
	})
	if err != nil {
		return -1, errors.Wrap(err, "Control")
	}
	if dupErr != nil {
		return -1, errors.Wrap(dupErr, "dup")
	}
	return dup, nil
}

// NewStreamFromConn wraps an already-connected net.Conn (typically returned
// by net.Listener.Accept) as a non-blocking Stream driven by loop. conn is
// dup'd and then closed; the Stream owns the resulting descriptor.
func NewStreamFromConn(conn net.Conn, loop ioloop.Loop, opts ...Option) (*Stream, error) {
	fd, err := fdFromConn(conn)
	if err != nil {
		return nil, err
	}
	conn.Close()
	return NewStream(fd, loop, opts...)
}
