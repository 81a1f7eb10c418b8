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

// Package rtmp decodes a byte stream produced by the capture package as a
// sequence of interleaved RTMP chunks, reconstituting full messages. It
// never dials a server and never performs the RTMP handshake in the
// initiating sense — it only recognizes and discards one if the capture
// happens to start with it.
package rtmp

import (
	"errors"

	"github.com/gwuhaolin/livego/utils/pool"
)

// Sentinel error kinds raised by the decoder.
var (
	ErrBadRoutingID               = errors.New("routing id out of range")
	ErrContinuationWithoutContext = errors.New("continuation chunk with no prior header for its stream")
	ErrPartialMismatch            = errors.New("re-declared header disagrees with buffered message")
	ErrUnknownChunkSizeMessage    = errors.New("set chunk size message missing leading zero byte")
)

// Message types the decoder passes through unchanged. Types outside this
// set are not fatal; they produce a Warning log line and are still
// buffered and emitted like any other message.
const (
	TypeSetChunkSize     = 0x01
	TypeAbort            = 0x02
	TypeAck              = 0x03
	TypeUserControl      = 0x04
	TypeWindowAckSize    = 0x05
	TypeSetPeerBandwidth = 0x06
	TypeAudio            = 0x08
	TypeVideo            = 0x09
	TypeAMF3Data         = 0x0F
	TypeAMF3SharedObject = 0x10
	TypeAMF3Command      = 0x11
	TypeAMF0Data         = 0x12
	TypeAMF0SharedObject = 0x13
	TypeAMF0Command      = 0x14
	TypeAggregate        = 0x16
)

var knownTypes = map[uint8]bool{
	TypeAck: true, TypeUserControl: true, TypeWindowAckSize: true,
	TypeSetPeerBandwidth: true, TypeAudio: true, TypeVideo: true,
	TypeAMF3Data: true, TypeAMF3SharedObject: true, TypeAMF3Command: true,
	TypeAMF0Data: true, TypeAMF0SharedObject: true, TypeAMF0Command: true,
	TypeAggregate: true,
}

// chunkStream is the per-csid state the decoder keeps while a message is
// mid-flight.
type chunkStream struct {
	csid      uint32
	timestamp uint32
	length    uint32
	typeID    uint32
	streamID  uint32
	hasHeader bool // a full (>=4-byte) header has been seen at least once
	payload   []byte
	filled    int
	readSize  uint32 // chunk size in effect when the current chunk's header was read
}

func (cs *chunkStream) full() bool {
	return cs.payload != nil && cs.filled == int(cs.length)
}

// reset draws a fresh fixed-length buffer sized from the declared message
// length, from the shared pool.
func (cs *chunkStream) reset(p *pool.Pool) {
	cs.payload = p.Get(int(cs.length))
	cs.filled = 0
}

// write appends b to the buffer at the current fill position and reports how
// many bytes were consumed (always len(b), since callers never overrun).
func (cs *chunkStream) write(b []byte) int {
	n := copy(cs.payload[cs.filled:], b)
	cs.filled += n
	return n
}
