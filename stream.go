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
	"bytes"
	"regexp"
	"sync/atomic"
	"syscall"

	"github.com/nbio/iostream/ioloop"
)

const (
	// DefaultMaxBufferSize bounds how much unread data a Stream will
	// hold before closing itself with ErrBufferFull.
	DefaultMaxBufferSize = 100 * 1024 * 1024
	// DefaultReadChunkSize is how much is requested from the socket per Recv.
	DefaultReadChunkSize = 4096
	// maxWriteChunk caps a single Send call so one slow peer can't force
	// an unbounded contiguous merge on the write side.
	maxWriteChunk = 128 * 1024
)

// Option configures a Stream at construction time.
type Option func(*Stream)

func WithMaxBufferSize(n int64) Option {
	return func(s *Stream) { s.maxBufferSize = n }
}

func WithReadChunkSize(n int) Option {
	return func(s *Stream) { s.readChunkSize = n }
}

func WithCallbackContext(ctx CallbackContext) Option {
	return func(s *Stream) { s.ctx = ctx }
}

// streamImpl is the virtual-dispatch seam TLSStream overrides. The base
// Stream implements it directly, routing every call to itself via the
// self field, so HandleEvents and friends never need to know whether
// they're driving a plain Stream or a TLSStream.
type streamImpl interface {
	handleRead()
	handleWrite()
	handleConnectDone()
	reading() bool
	writing() bool
}

// Stream is a non-blocking, buffered byte stream over a single socket,
// driven entirely by readiness callbacks from an ioloop.Loop. See the
// package doc comment for the concurrency contract.
type Stream struct {
	transport transport
	loop      ioloop.Loop

	maxBufferSize int64
	readChunkSize int

	readBuffer  chunkDeque
	writeBuffer chunkDeque

	writeBufferFrozen bool

	mode        readMode
	readCB      func([]byte)
	streamingCB func([]byte)

	writeCB func()

	closeCB func()

	connecting bool
	connectCB  func(error)

	registered bool
	interest   ioloop.Mask

	pendingCallbacks int32

	err    error
	closed bool

	ctx CallbackContext

	self streamImpl
}

// NewStream wraps fd (already a connected socket) for non-blocking I/O
// driven by loop.
func NewStream(fd int, loop ioloop.Loop, opts ...Option) (*Stream, error) {
	t, err := newRawTransport(fd)
	if err != nil {
		return nil, err
	}
	return newStreamWithTransport(t, loop, opts...), nil
}

// newStreamWithTransport is the test seam: it accepts any transport, not
// just a real fd, so fakeTransport can drive deterministic tests.
func newStreamWithTransport(t transport, loop ioloop.Loop, opts ...Option) *Stream {
	s := &Stream{
		transport:     t,
		loop:          loop,
		maxBufferSize: DefaultMaxBufferSize,
		readChunkSize: DefaultReadChunkSize,
		ctx:           NullCallbackContext,
	}
	s.self = s
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials network/addr asynchronously and invokes cb with a nil
// error once the connection completes; if it fails, the stream is closed
// with the cause recorded on Err() and cb is not called. The Stream must have been constructed
// around an unconnected, already-non-blocking socket via NewStream.
func (s *Stream) Connect(network, addr string, cb func(error)) error {
	if s.closed {
		return ErrAlreadyClosed
	}
	fd, err := dialNonblocking(network, addr)
	if err != nil {
		return err
	}
	t, err := newRawTransport(fd)
	if err != nil {
		return err
	}
	s.transport = t
	s.connecting = true
	s.connectCB = cb
	return s.addIOState(ioloop.Write)
}

// --- streamImpl: base Stream is its own default implementation ---

func (s *Stream) handleRead()         { s.baseHandleRead() }
func (s *Stream) handleWrite()        { s.baseHandleWrite() }
func (s *Stream) handleConnectDone()  { s.baseHandleConnectDone() }
func (s *Stream) reading() bool       { return s.mode.armed() }
func (s *Stream) writing() bool       { return s.writeBuffer.Len() > 0 }

// HandleEvents is the loop-facing entry point: dispatches READ before
// WRITE before ERROR, bailing out immediately if a prior branch closed
// the stream, then recomputes registered interest.
func (s *Stream) HandleEvents(mask ioloop.Mask) {
	if s.closed {
		return
	}

	if mask.Has(ioloop.Read) {
		s.self.handleRead()
		if s.closed {
			return
		}
	}

	if mask.Has(ioloop.Write) {
		if s.connecting {
			s.handleConnect()
			if s.closed {
				return
			}
		}
		s.self.handleWrite()
		if s.closed {
			return
		}
	}

	if mask.Has(ioloop.Error) {
		err := socketError(s.fd())
		if err == nil {
			// Error bit set but SO_ERROR is clean: the kernel reported
			// a hangup condition (EPOLLHUP) with no distinct errno.
			err = syscall.ECONNRESET
		}
		s.err = err
		s.loop.AddCallback(func() { s.Close() })
		return
	}

	s.recomputeInterest()
}

func (s *Stream) recomputeInterest() {
	if s.closed || !s.registered {
		return
	}
	mask := ioloop.Error
	if s.self.reading() {
		mask |= ioloop.Read
	}
	if s.self.writing() {
		mask |= ioloop.Write
	}
	if mask == ioloop.Error {
		// Open question #2: stay registered for Read even when fully
		// idle, so peer hangup is still observed.
		mask |= ioloop.Read
	}
	if mask != s.interest {
		s.interest = mask
		s.loop.UpdateHandler(s.fd(), mask)
	}
}

func (s *Stream) addIOState(extra ioloop.Mask) error {
	if s.closed {
		return nil
	}
	if !s.registered {
		mask := ioloop.Error | extra
		if s.self.reading() {
			mask |= ioloop.Read
		}
		s.interest = mask
		s.registered = true
		return s.loop.AddHandler(s.fd(), s.HandleEvents, mask)
	}
	if s.interest&extra == extra {
		return nil
	}
	s.interest |= extra
	return s.loop.UpdateHandler(s.fd(), s.interest)
}

// runCallback schedules fn on the loop, tracking in-flight callbacks so
// Close can know when it's safe to run the user's close callback, and
// recovering panics so one bad callback can't wedge the loop without at
// least closing the stream first.
func (s *Stream) runCallback(fn func()) {
	atomic.AddInt32(&s.pendingCallbacks, 1)
	wrapped := s.ctx.Wrap(fn)
	s.loop.AddCallback(func() {
		defer func() {
			atomic.AddInt32(&s.pendingCallbacks, -1)
			s.maybeAddErrorListener()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.closeWithError(errPanic(r))
				panic(r)
			}
		}()
		wrapped()
	})
}

// AddCallback schedules fn to run on the loop's dispatch goroutine. Unlike
// the read/write callbacks armed through ReadUntil/Write, this is meant to
// be called from outside the loop entirely: a background goroutine bridging
// a blocking API (a smux.Stream, a DNS lookup) reports its result here
// instead of touching the stream's state directly, the same handoff
// TLSStream uses to bring a completed handshake back onto the loop.
func (s *Stream) AddCallback(fn func()) {
	s.loop.AddCallback(fn)
}

func errPanic(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{r}
}

type panicError struct{ v interface{} }

func (p *panicError) Error() string { return "iostream: callback panicked" }

func (s *Stream) maybeAddErrorListener() {
	if atomic.LoadInt32(&s.pendingCallbacks) > 0 {
		return
	}
	if s.closed {
		s.maybeRunCloseCallback()
		return
	}
	s.addIOState(ioloop.Read)
}

func (s *Stream) closeWithError(err error) {
	s.err = err
	s.Close()
}

// Close is idempotent: it drains any armed until-close read against
// whatever is buffered, deregisters from the loop, releases the
// transport, and fires the close callback once pendingCallbacks drains
// to zero.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	if s.transport != nil {
		s.deliverUntilClose()
		if s.registered {
			s.loop.RemoveHandler(s.fd())
			s.registered = false
		}
		s.transport.Close()
		s.transport = nil
	}
	s.closed = true
	s.maybeRunCloseCallback()
	return nil
}

func (s *Stream) deliverUntilClose() {
	if s.mode.kind != modeUntilClose {
		return
	}
	cb := s.readCB
	scb := s.streamingCB
	s.mode = readMode{}
	s.readCB = nil
	s.streamingCB = nil
	data := s.readBuffer.drainAll()
	if scb != nil && len(data) > 0 {
		s.runCallback(func() { scb(data) })
	}
	if cb != nil {
		s.runCallback(func() { cb(data) })
	}
}

func (s *Stream) maybeRunCloseCallback() {
	if !s.closed || atomic.LoadInt32(&s.pendingCallbacks) != 0 {
		return
	}
	cb := s.closeCB
	if cb == nil {
		return
	}
	s.closeCB = nil
	s.runCallback(cb)
}

// --- Read API ---

// ReadBytes arms a read for exactly n bytes. If streamCB is non-nil it
// receives opportunistic chunks as they arrive and cb receives an empty
// slice on completion instead of the full payload.
func (s *Stream) ReadBytes(n int, cb func([]byte), streamCB func([]byte)) error {
	if n <= 0 {
		return ErrInvalidCount
	}
	return s.armRead(readMode{kind: modeExactCount, count: int64(n)}, cb, streamCB)
}

func (s *Stream) ReadUntil(delim []byte, cb func([]byte)) error {
	return s.armRead(readMode{kind: modeUntilDelimiter, delimiter: delim}, cb, nil)
}

func (s *Stream) ReadUntilRegex(pattern *regexp.Regexp, cb func([]byte)) error {
	return s.armRead(readMode{kind: modeUntilRegex, pattern: pattern}, cb, nil)
}

// ReadUntilClose delivers everything read from now until the stream
// closes. If the stream is already closed, whatever remains buffered is
// delivered on the next loop turn rather than inline, preserving the
// scheduling guarantees every other callback gets.
func (s *Stream) ReadUntilClose(cb func([]byte), streamCB func([]byte)) error {
	if s.closed {
		data := s.readBuffer.drainAll()
		if streamCB != nil && len(data) > 0 {
			s.runCallback(func() { streamCB(data) })
		}
		if cb != nil {
			s.runCallback(func() { cb(data) })
		}
		return nil
	}
	return s.armRead(readMode{kind: modeUntilClose}, cb, streamCB)
}

func (s *Stream) armRead(mode readMode, cb func([]byte), streamCB func([]byte)) error {
	if s.closed {
		return ErrAlreadyClosed
	}
	if s.mode.armed() {
		return ErrDoubleRead
	}
	s.mode = mode
	s.readCB = cb
	s.streamingCB = streamCB

	if s.tryDispatch() {
		return nil
	}

	atomic.AddInt32(&s.pendingCallbacks, 1)
	for {
		n, err := s.readToBufferOnce()
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}
	atomic.AddInt32(&s.pendingCallbacks, -1)

	if s.closed {
		s.maybeAddErrorListener()
		return nil
	}

	if s.tryDispatch() {
		return nil
	}
	return s.addIOState(ioloop.Read)
}

func (s *Stream) readToBufferOnce() (int, error) {
	buf := make([]byte, s.readChunkSize)
	n, err := s.transport.Recv(buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return 0, nil
		}
		s.closeWithError(err)
		return 0, errStreamGone
	}
	if n == 0 {
		s.Close()
		return 0, errStreamGone
	}
	s.readBuffer.pushBackOwned(buf[:n])
	if s.readBuffer.Len() >= s.maxBufferSize {
		s.closeWithError(ErrBufferFull)
		return 0, errStreamGone
	}
	return n, nil
}

// tryDispatch attempts to satisfy the armed read mode from buffered
// data alone, delivering opportunistic streaming chunks first when
// applicable. Returns true if the mode is now idle again.
func (s *Stream) tryDispatch() bool {
	if !s.mode.armed() {
		return true
	}

	if s.streamingCB != nil && s.readBuffer.Len() > 0 &&
		(s.mode.kind == modeExactCount || s.mode.kind == modeUntilClose) {
		want := s.readBuffer.Len()
		if s.mode.kind == modeExactCount && s.mode.count < want {
			want = s.mode.count
		}
		chunk := s.readBuffer.popFront(want)
		scb := s.streamingCB
		s.runCallback(func() { scb(chunk) })
		if s.mode.kind == modeExactCount {
			s.mode.count -= int64(len(chunk))
		}
	}

	switch s.mode.kind {
	case modeExactCount:
		if s.streamingCB != nil {
			if s.mode.count == 0 {
				return s.completeRead(nil)
			}
			return false
		}
		if s.readBuffer.Len() >= s.mode.count {
			return s.completeRead(s.readBuffer.popFront(s.mode.count))
		}
		return false
	case modeUntilDelimiter:
		return s.dispatchDelimiter()
	case modeUntilRegex:
		return s.dispatchRegex()
	case modeUntilClose:
		return false
	default:
		return true
	}
}

func (s *Stream) completeRead(data []byte) bool {
	cb := s.readCB
	s.mode = readMode{}
	s.readCB = nil
	s.streamingCB = nil
	if cb != nil {
		s.runCallback(func() { cb(data) })
	}
	return true
}

func (s *Stream) dispatchDelimiter() bool {
	for {
		if len(s.readBuffer.chunks) == 0 {
			return false
		}
		loc := bytes.Index(s.readBuffer.chunks[0], s.mode.delimiter)
		if loc >= 0 {
			n := int64(loc + len(s.mode.delimiter))
			return s.completeRead(s.readBuffer.popFront(n))
		}
		if len(s.readBuffer.chunks) > 1 {
			s.readBuffer.doublePrefix()
			continue
		}
		return false
	}
}

func (s *Stream) dispatchRegex() bool {
	for {
		if len(s.readBuffer.chunks) == 0 {
			return false
		}
		loc := s.mode.pattern.FindIndex(s.readBuffer.chunks[0])
		if loc != nil {
			return s.completeRead(s.readBuffer.popFront(int64(loc[1])))
		}
		if len(s.readBuffer.chunks) > 1 {
			s.readBuffer.doublePrefix()
			continue
		}
		return false
	}
}

// baseHandleRead drains the socket to EAGAIN/EOF, then tries to satisfy
// the armed mode from the newly buffered data.
func (s *Stream) baseHandleRead() {
	for {
		n, err := s.readToBufferOnce()
		if err != nil {
			return
		}
		if n == 0 {
			break
		}
	}
	if s.closed {
		return
	}
	if !s.tryDispatch() {
		s.maybeRunCloseCallback()
	}
}

// --- Write API ---

// Write queues data for sending and arranges for cb to run once the
// entire call's data has been flushed to the socket.
func (s *Stream) Write(data []byte, cb func()) error {
	if s.closed {
		return ErrAlreadyClosed
	}
	for len(data) > 0 {
		n := len(data)
		if n > maxWriteChunk {
			n = maxWriteChunk
		}
		s.writeBuffer.pushBack(data[:n])
		data = data[n:]
	}
	s.writeCB = cb

	if !s.connecting {
		s.self.handleWrite()
		if s.closed {
			return nil
		}
	}
	if s.writeBuffer.Len() > 0 {
		return s.addIOState(ioloop.Write)
	}
	return nil
}

func (s *Stream) baseHandleWrite() {
	for s.writeBuffer.Len() > 0 {
		if !s.writeBufferFrozen {
			want := s.writeBuffer.Len()
			if want > maxWriteChunk {
				want = maxWriteChunk
			}
			s.writeBuffer.mergePrefix(want)
		}
		n, err := s.transport.Send(s.writeBuffer.chunks[0])
		// Pop whatever was actually sent before inspecting err: a partial
		// send can return n>0 alongside EAGAIN (e.g. a TLS write deadline
		// firing mid-record), and leaving those bytes at the front of
		// writeBuffer would resend them on the next call.
		if n > 0 {
			s.writeBuffer.popFront(int64(n))
		}
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				s.writeBufferFrozen = true
				return
			}
			s.closeWithError(err)
			return
		}
		if n == 0 {
			s.writeBufferFrozen = true
			return
		}
		s.writeBufferFrozen = false
	}
	if s.writeCB != nil {
		cb := s.writeCB
		s.writeCB = nil
		s.runCallback(cb)
	}
}

// --- Connect completion ---

func (s *Stream) handleConnect() {
	if err := socketError(s.fd()); err != nil {
		s.closeWithError(err)
		return
	}
	s.connecting = false
	s.self.handleConnectDone()
}

func (s *Stream) baseHandleConnectDone() {
	if s.connectCB != nil {
		cb := s.connectCB
		s.connectCB = nil
		s.runCallback(func() { cb(nil) })
	}
}

// --- State predicates ---

func (s *Stream) Reading() bool { return s.mode.armed() }
func (s *Stream) Writing() bool { return s.writeBuffer.Len() > 0 }
func (s *Stream) Closed() bool  { return s.closed }
func (s *Stream) Err() error    { return s.err }

func (s *Stream) SetCloseCallback(cb func()) { s.closeCB = cb }

func (s *Stream) fd() int { return s.transport.Fd() }
