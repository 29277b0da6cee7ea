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
	"net"
	"time"

	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"
)

// CompStream wraps a net.Conn (the KCP session) with snappy compression, so
// smux frames its session over the compressed stream transparently.
type CompStream struct {
	conn net.Conn
	w    *snappy.Writer
	r    *snappy.Reader
}

// NewCompStream wraps conn with a buffered snappy writer and a streaming
// snappy reader.
func NewCompStream(conn net.Conn) *CompStream {
	return &CompStream{
		conn: conn,
		w:    snappy.NewBufferedWriter(conn),
		r:    snappy.NewReader(conn),
	}
}

func (c *CompStream) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *CompStream) Write(p []byte) (int, error) {
	if _, err := c.w.Write(p); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := c.w.Flush(); err != nil {
		return 0, errors.WithStack(err)
	}
	return len(p), nil
}

func (c *CompStream) Close() error                       { return c.conn.Close() }
func (c *CompStream) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *CompStream) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *CompStream) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *CompStream) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *CompStream) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
