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

// Stream is the flattened, ordered byte stream produced by
// Reassembler.Finalize. It keeps the original per-record chunk boundaries
// so a Cursor can report a diagnostic position in terms of "which record,
// what offset" rather than a single opaque byte count.
type Stream struct {
	chunks [][]byte
	total  int
}

func (s *Stream) append(payload []byte) {
	if len(payload) == 0 {
		return
	}
	s.chunks = append(s.chunks, payload)
	s.total += len(payload)
}

// Len returns the total number of bytes in the stream.
func (s *Stream) Len() int {
	return s.total
}

// NewCursor returns a Cursor positioned at the start of the stream.
func (s *Stream) NewCursor() *Cursor {
	return &Cursor{stream: s}
}
