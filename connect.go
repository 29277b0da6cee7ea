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

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// dialNonblocking resolves addr and returns a connected-or-connecting,
// non-blocking socket fd. The caller registers it for Write readiness and
// checks socketError once the loop reports the connect attempt settled.
func dialNonblocking(network, addr string) (int, error) {
	raddr, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return -1, errors.Wrap(err, "resolve address")
	}

	domain := unix.AF_INET
	if raddr.IP != nil && raddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set nonblocking")
	}

	sa := tcpAddrToSockaddr(domain, raddr)
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, errors.Wrap(err, "connect")
	}
	return fd, nil
}

func tcpAddrToSockaddr(domain int, a *net.TCPAddr) unix.Sockaddr {
	if domain == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: a.Port}
		if a.IP != nil {
			copy(sa.Addr[:], a.IP.To16())
		}
		return sa
	}
	sa := &unix.SockaddrInet4{Port: a.Port}
	if a.IP != nil {
		copy(sa.Addr[:], a.IP.To4())
	}
	return sa
}

// socketError reads and clears SO_ERROR, the standard way to discover
// whether a non-blocking connect succeeded once the fd becomes writable.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
