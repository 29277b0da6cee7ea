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

import "github.com/pkg/errors"

// Sentinel errors for the stream-local failure taxonomy. ErrBufferFull is
// recorded on Err() when the stream closes itself on overflow; the others
// are returned directly by the call that was rejected.
var (
	ErrAlreadyClosed = errors.New("iostream: operation on closed stream")
	ErrDoubleRead    = errors.New("iostream: a read mode is already armed")
	ErrBufferFull    = errors.New("iostream: read buffer exceeded max_buffer_size")
	ErrInvalidCount  = errors.New("iostream: read_bytes requires a positive count")
	ErrHandshaking   = errors.New("iostream: TLS handshake has not completed")

	// errStreamGone is internal: it unwinds the inline-drain loop after
	// the socket has already been closed and the real cause recorded on
	// Err(), without being surfaced to callers.
	errStreamGone = errors.New("iostream: internal: stream already closed")
)
