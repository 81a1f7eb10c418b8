// Copyright © 2021 Kris Nóva <kris@nivenly.com>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package capture

// Position is a snapshot of a Cursor's read position, useful for
// diagnostics ("data byte N, record M offset K").
type Position struct {
	ChunkIndex        int
	OffsetWithinChunk int
	AbsoluteByteCount int
	EOF               bool
}

// Cursor reads forward-only through a Stream, with bookmark/rewind
// semantics. It never blocks: the whole Stream is already materialized in
// memory by the time a Cursor exists.
type Cursor struct {
	stream *Stream
	idx    int
	offset int
	abs    int
	eof    bool
}

// Read returns up to n bytes. It returns fewer than n only when the stream
// is exhausted, in which case EOF becomes true; further reads return an
// empty slice.
func (c *Cursor) Read(n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		if c.idx >= len(c.stream.chunks) {
			c.eof = true
			break
		}
		chunk := c.stream.chunks[c.idx]
		avail := chunk[c.offset:]
		need := n - len(out)
		if need >= len(avail) {
			out = append(out, avail...)
			c.idx++
			c.offset = 0
		} else {
			out = append(out, avail[:need]...)
			c.offset += need
		}
	}
	c.abs += len(out)
	return out
}

// ReadByte reads a single byte, or ok=false at EOF.
func (c *Cursor) ReadByte() (b byte, ok bool) {
	buf := c.Read(1)
	if len(buf) == 0 {
		return 0, false
	}
	return buf[0], true
}

// EOF reports whether the last Read hit the end of the stream.
func (c *Cursor) EOF() bool {
	return c.eof
}

// Snapshot captures the current position for diagnostic reporting.
func (c *Cursor) Snapshot() Position {
	return Position{
		ChunkIndex:        c.idx,
		OffsetWithinChunk: c.offset,
		AbsoluteByteCount: c.abs,
		EOF:               c.eof,
	}
}

// Rewind restarts the cursor at byte 0 and clears EOF.
func (c *Cursor) Rewind() {
	c.idx = 0
	c.offset = 0
	c.abs = 0
	c.eof = false
}
