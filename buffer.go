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

// chunkDeque is an ordered sequence of byte slices whose total length is
// tracked incrementally, so Len() never walks the slice. Reads consume
// from the front; writes append at the back. mergePrefix/doublePrefix are
// the two operations the read engine needs to turn "N bytes spread across
// several chunks" into "one contiguous chunk of at least N bytes".
type chunkDeque struct {
	chunks [][]byte
	size   int64
}

func (d *chunkDeque) Len() int64 { return d.size }

// pushBack copies b and appends it. Used on the write path, where the
// caller's slice may be reused or mutated after Write returns.
func (d *chunkDeque) pushBack(b []byte) {
	if len(b) == 0 {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	d.chunks = append(d.chunks, cp)
	d.size += int64(len(cp))
}

// pushBackOwned appends b without copying. Used on the read path, where b
// is a freshly allocated chunk nobody else holds a reference to.
func (d *chunkDeque) pushBackOwned(b []byte) {
	if len(b) == 0 {
		return
	}
	d.chunks = append(d.chunks, b)
	d.size += int64(len(b))
}

// mergePrefix ensures chunks[0] is a single contiguous slice of at least
// min(size, d.size) bytes, splitting the chunk that crosses the boundary
// and leaving its remainder in place as the new second chunk.
func (d *chunkDeque) mergePrefix(size int64) {
	if size > d.size {
		size = d.size
	}
	if len(d.chunks) == 0 {
		return
	}
	if len(d.chunks) == 1 && int64(len(d.chunks[0])) <= size {
		return
	}

	prefix := make([]byte, 0, size)
	var collected int64
	i := 0
	for i < len(d.chunks) && collected < size {
		c := d.chunks[i]
		need := size - collected
		if int64(len(c)) <= need {
			prefix = append(prefix, c...)
			collected += int64(len(c))
			i++
			continue
		}
		prefix = append(prefix, c[:need]...)
		collected += need
		d.chunks[i] = c[need:]
		break
	}

	rest := d.chunks[i:]
	merged := make([][]byte, 0, len(rest)+1)
	merged = append(merged, prefix)
	merged = append(merged, rest...)
	d.chunks = merged
}

// doublePrefix grows the merged prefix geometrically: at least double the
// size of the current first chunk, or enough to also swallow the second
// chunk whole, whichever is larger. Requires at least two chunks.
func (d *chunkDeque) doublePrefix() {
	if len(d.chunks) < 2 {
		return
	}
	newLen := 2 * int64(len(d.chunks[0]))
	if alt := int64(len(d.chunks[0])) + int64(len(d.chunks[1])); alt > newLen {
		newLen = alt
	}
	d.mergePrefix(newLen)
}

// popFront merges and removes the first n bytes, returning them as one
// contiguous slice. n must not exceed d.size.
func (d *chunkDeque) popFront(n int64) []byte {
	d.mergePrefix(n)
	out := d.chunks[0][:n]
	rem := d.chunks[0][n:]
	if len(rem) == 0 {
		d.chunks = d.chunks[1:]
	} else {
		d.chunks[0] = rem
	}
	d.size -= n
	return out
}

// drainAll merges the whole deque into one slice and empties it. Used to
// deliver whatever is buffered when a stream closes mid until-close read.
func (d *chunkDeque) drainAll() []byte {
	if d.size == 0 {
		return nil
	}
	return d.popFront(d.size)
}
