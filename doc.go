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

// Package iostream implements a non-blocking, buffered byte stream over a
// single socket, driven by readiness notifications from an ioloop.Loop.
//
// A Stream arms exactly one read mode at a time (fixed length, delimiter,
// regex, or until-close), buffers writes across partial-send boundaries,
// and schedules every user callback through the loop rather than calling
// it inline, so reentrant close/read/write from within a callback is
// always safe. TLSStream splices a TLS handshake state machine into the
// same read/write path without requiring the caller to re-plumb its
// callbacks.
//
// A Stream is not safe for concurrent use by multiple goroutines; it is
// meant to be driven entirely from its Loop's dispatch goroutine.
package iostream
