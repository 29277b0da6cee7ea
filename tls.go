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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log"
	"net"
	"os"
	"regexp"
	"syscall"
	"time"

	"github.com/nbio/iostream/ioloop"
)

// newFDConn adapts a raw fd to net.Conn via the Go runtime's own netpoller
// (net.FileConn dups the fd and registers the dup with the runtime
// poller), giving *tls.Conn real blocking Read/Write backed by
// goroutine-parking rather than OS-thread-blocking.
//
// crypto/tls has no SSL_get_error-style want-read/want-write signal for
// resuming a partial handshake: Conn.Handshake caches the first error it
// sees in handshakeFn and returns that cached error on every later call,
// so a handshake can never be driven incrementally from EAGAIN retries.
// The handshake is instead run to completion on a dedicated goroutine;
// only the result crosses back onto the loop, via AddCallback. Once
// negotiated, application-data Read/Write reuse the same *tls.Conn, with
// SetReadDeadline/SetWriteDeadline set to "now" before each attempt to
// simulate EAGAIN without blocking the loop's single goroutine.
func newFDConn(fd int) (net.Conn, error) {
	dup, err := syscall.Dup(fd)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(dup), "iostream-tls")
	conn, err := net.FileConn(f)
	f.Close() // net.FileConn dups again internally; release our copy
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// tlsTransport drives the negotiated *tls.Conn for application data,
// simulating non-blocking semantics with an immediate deadline.
type tlsTransport struct {
	conn *tls.Conn
	raw  *rawTransport
}

func (t *tlsTransport) Recv(b []byte) (int, error) {
	t.conn.SetReadDeadline(time.Now())
	n, err := t.conn.Read(b)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, syscall.EAGAIN
	}
	return n, err
}

func (t *tlsTransport) Send(b []byte) (int, error) {
	t.conn.SetWriteDeadline(time.Now())
	n, err := t.conn.Write(b)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, syscall.EAGAIN
	}
	return n, err
}

func (t *tlsTransport) Close() error {
	t.conn.Close()
	return t.raw.Close()
}

func (t *tlsTransport) Fd() int { return t.raw.Fd() }

// TLSStream overlays a TLS handshake and record layer onto a Stream,
// using the streamImpl seam to intercept read/write/connect-done until
// the handshake completes, then falling back to the embedded Stream's
// own logic driven through tlsTransport.
type TLSStream struct {
	*Stream

	raw     *rawTransport
	netConn net.Conn
	config  *tls.Config
	conn    *tls.Conn

	sslAccepting      bool
	handshakeInFlight bool

	sslConnectCB func(error)
}

// NewTLSClientStream wraps an already-connected fd and begins a client
// handshake once Connect's connect-done callback fires (or immediately,
// for an fd that's already connected, via StartHandshake).
func NewTLSClientStream(fd int, loop ioloop.Loop, config *tls.Config, opts ...Option) (*TLSStream, error) {
	return newTLSStream(fd, loop, config, true, opts...)
}

// NewTLSServerStream wraps an accepted fd and begins a server handshake
// immediately, since an accepted socket is already connected.
func NewTLSServerStream(fd int, loop ioloop.Loop, config *tls.Config, opts ...Option) (*TLSStream, error) {
	ts, err := newTLSStream(fd, loop, config, false, opts...)
	if err != nil {
		return nil, err
	}
	ts.StartHandshake()
	return ts, nil
}

func newTLSStream(fd int, loop ioloop.Loop, config *tls.Config, isClient bool, opts ...Option) (*TLSStream, error) {
	raw, err := newRawTransport(fd)
	if err != nil {
		return nil, err
	}
	nc, err := newFDConn(fd)
	if err != nil {
		raw.Close()
		return nil, err
	}
	base := newStreamWithTransport(raw, loop, opts...)
	ts := &TLSStream{
		Stream:       base,
		raw:          raw,
		netConn:      nc,
		config:       config,
		sslAccepting: true,
	}
	if isClient {
		ts.conn = tls.Client(nc, config)
	} else {
		ts.conn = tls.Server(nc, config)
	}
	base.self = ts
	return ts, nil
}

// reading/writing report no loop interest of their own during the
// handshake: the handshake runs on its own goroutine, not the loop.
func (ts *TLSStream) reading() bool { return ts.Stream.reading() }
func (ts *TLSStream) writing() bool { return ts.Stream.writing() }

func (ts *TLSStream) handleRead() {
	if ts.sslAccepting {
		return
	}
	ts.Stream.baseHandleRead()
}

func (ts *TLSStream) handleWrite() {
	if ts.sslAccepting {
		return
	}
	ts.Stream.baseHandleWrite()
}

// Connect overrides Stream.Connect to defer the caller's callback until
// the TLS handshake completes, not merely the TCP connect.
func (ts *TLSStream) Connect(network, addr string, cb func(error)) error {
	ts.sslConnectCB = cb
	return ts.Stream.Connect(network, addr, nil)
}

// handleConnectDone fires once the raw TCP connect completes; the
// handshake starts immediately afterward.
func (ts *TLSStream) handleConnectDone() {
	ts.StartHandshake()
}

// StartHandshake runs the handshake to completion on its own goroutine
// and reports the result back onto the loop's dispatch goroutine.
func (ts *TLSStream) StartHandshake() {
	if ts.handshakeInFlight {
		return
	}
	ts.handshakeInFlight = true
	go func() {
		err := ts.conn.Handshake()
		ts.Stream.loop.AddCallback(func() {
			ts.onHandshakeDone(err)
		})
	}()
}

func (ts *TLSStream) onHandshakeDone(err error) {
	ts.handshakeInFlight = false
	if err != nil {
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
			log.Printf("iostream: tls handshake: peer reset connection: %v", err)
		} else {
			log.Printf("iostream: tls handshake failed: %v", err)
		}
		ts.Stream.closeWithError(err)
		return
	}

	ts.sslAccepting = false
	ts.Stream.transport = &tlsTransport{conn: ts.conn, raw: ts.raw}
	if cb := ts.sslConnectCB; cb != nil {
		ts.sslConnectCB = nil
		ts.Stream.runCallback(func() { cb(nil) })
	}
	ts.Stream.recomputeInterest()
}

// PeerCertificates returns the certificate chain the peer presented, or
// nil while the handshake is still in progress.
func (ts *TLSStream) PeerCertificates() []*x509.Certificate {
	if ts.sslAccepting {
		return nil
	}
	return ts.conn.ConnectionState().PeerCertificates
}

// The read/write API is shadowed here purely to enforce Invariant 7
// (no I/O begins before the handshake completes) with ErrHandshaking;
// once sslAccepting clears, every call delegates straight through to
// the embedded Stream.

func (ts *TLSStream) ReadBytes(n int, cb func([]byte), streamCB func([]byte)) error {
	if ts.sslAccepting {
		return ErrHandshaking
	}
	return ts.Stream.ReadBytes(n, cb, streamCB)
}

func (ts *TLSStream) ReadUntil(delim []byte, cb func([]byte)) error {
	if ts.sslAccepting {
		return ErrHandshaking
	}
	return ts.Stream.ReadUntil(delim, cb)
}

func (ts *TLSStream) ReadUntilRegex(pattern *regexp.Regexp, cb func([]byte)) error {
	if ts.sslAccepting {
		return ErrHandshaking
	}
	return ts.Stream.ReadUntilRegex(pattern, cb)
}

func (ts *TLSStream) ReadUntilClose(cb func([]byte), streamCB func([]byte)) error {
	if ts.sslAccepting {
		return ErrHandshaking
	}
	return ts.Stream.ReadUntilClose(cb, streamCB)
}

func (ts *TLSStream) Write(data []byte, cb func()) error {
	if ts.sslAccepting {
		return ErrHandshaking
	}
	return ts.Stream.Write(data, cb)
}
