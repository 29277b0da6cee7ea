// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
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

package relay

import (
	"io"
	"log"
	"sync"

	"github.com/nbio/iostream"
)

// farReadChunk is the size of each blocking Read off the smux side. Each
// Read gets a freshly allocated buffer, since the bytes read here cross a
// goroutine boundary into the loop via AddCallback.
const farReadChunk = 32 * 1024

// Bridge relays bytes between a near iostream.Stream, driven non-blocking on
// the loop's single goroutine, and a far io.ReadWriteCloser (a smux.Stream,
// optionally QPP-wrapped) that only offers blocking Read/Write. Bridging a
// blocking API into the loop follows the same shape as TLSStream's handshake
// bridge: a dedicated goroutine drives the blocking side, and only the
// resulting data or error crosses back onto the loop via AddCallback.
type Bridge struct {
	label string
	quiet bool

	near *iostream.Stream
	far  io.ReadWriteCloser

	writeCh   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewBridge constructs a Bridge. Call Start to begin relaying; the bridge
// closes both near and far, exactly once, when either side ends.
func NewBridge(label string, near *iostream.Stream, far io.ReadWriteCloser, quiet bool) *Bridge {
	return &Bridge{
		label:   label,
		quiet:   quiet,
		near:    near,
		far:     far,
		writeCh: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (b *Bridge) logln(v ...any) {
	if !b.quiet {
		log.Println(v...)
	}
}

// Start wires the two directions and returns immediately; relaying continues
// on background goroutines and the loop's own dispatch goroutine until one
// side closes.
func (b *Bridge) Start() {
	b.logln("stream opened", b.label)

	go b.farWriter()
	go b.farReader()

	b.near.SetCloseCallback(func() {
		b.closeBoth()
	})

	// cb is left nil: on close, Stream.deliverUntilClose calls streamCB
	// with any final leftover bytes before also invoking cb with that same
	// slice, so handling both would double-forward the last chunk. Closure
	// itself is already observed through SetCloseCallback above.
	err := b.near.ReadUntilClose(nil, func(data []byte) {
		b.enqueue(data)
	})
	if err != nil {
		b.closeBoth()
	}
}

// enqueue copies data (the slice iostream handed to the streaming
// callback) and hands the copy to the writer goroutine, which performs the
// blocking far.Write.
func (b *Bridge) enqueue(data []byte) {
	if len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	// Blocks the loop's dispatch goroutine if the writer goroutine is
	// behind and the channel is full; backpressure here is preferable to
	// an unbounded queue, and in practice smux's own flow control keeps
	// the writer caught up. Select against done so a bridge already
	// tearing down doesn't wedge the loop on a writer that quit.
	select {
	case b.writeCh <- cp:
	case <-b.done:
	}
}

// farWriter drains writeCh and performs the blocking Write to far on its own
// goroutine, so the loop's dispatch goroutine never blocks on smux I/O.
func (b *Bridge) farWriter() {
	for {
		select {
		case data := <-b.writeCh:
			if _, err := b.far.Write(data); err != nil {
				b.closeBoth()
				return
			}
		case <-b.done:
			return
		}
	}
}

// farReader blocks reading from far and feeds each chunk to near.Write via
// AddCallback, the same handoff TLSStream uses to report handshake results.
func (b *Bridge) farReader() {
	for {
		buf := make([]byte, farReadChunk)
		n, err := b.far.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			wrote := make(chan struct{})
			b.near.AddCallback(func() {
				b.near.Write(chunk, nil)
				close(wrote)
			})
			<-wrote
		}
		if err != nil {
			b.closeBoth()
			return
		}
	}
}

func (b *Bridge) closeBoth() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.near.Close()
		b.far.Close()
		b.logln("stream closed", b.label)
	})
}
