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

import "syscall"

// transport is the byte-level seam a Stream drives. rawTransport is the
// production implementation over a bare fd; tlsTransport (tls.go) and
// fakeTransport (stream_test.go) are the others.
type transport interface {
	Recv(b []byte) (int, error)
	Send(b []byte) (int, error)
	Close() error
	Fd() int
}

// rawTransport operates directly on a non-blocking file descriptor via
// raw syscalls. It deliberately does not wrap net.Conn: net.Conn's
// runtime-integrated netpoller would register the same fd a second time
// against Go's own internal epoll instance, fighting the ioloop.Loop this
// package drives explicitly.
type rawTransport struct {
	fd int
}

func newRawTransport(fd int) (*rawTransport, error) {
	if err := syscall.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return &rawTransport{fd: fd}, nil
}

func (t *rawTransport) Recv(b []byte) (int, error) {
	return syscall.Read(t.fd, b)
}

func (t *rawTransport) Send(b []byte) (int, error) {
	return syscall.Write(t.fd, b)
}

func (t *rawTransport) Close() error {
	return syscall.Close(t.fd)
}

func (t *rawTransport) Fd() int { return t.fd }
