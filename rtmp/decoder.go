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

package rtmp

import (
	"fmt"
	"io"

	"github.com/gwuhaolin/livego/utils/pool"
	"github.com/kris-nova/logger"

	"github.com/nivenly/flvtap/capture"
)

const (
	handshakeMagic = 0x03
	handshakeSize  = 3072

	// DefaultChunkSize is the chunk size in effect before any SetChunkSize
	// message has been observed.
	DefaultChunkSize = 128
)

// Config carries the collaborator toggles Decoder needs from the CLI/config
// layer.
type Config struct {
	// ChunkSize seeds the global chunk size before any SetChunkSize message.
	ChunkSize uint32
	// MaxRoutingID bounds accepted message_stream_id values.
	MaxRoutingID uint32
	// SalvageEnabled turns on the NUL-skip salvage reinterpretation; it is
	// only meaningful when the reassembler ran with lenient+insert-zeros,
	// since that is the only source of the zero padding it exists to
	// recover from.
	SalvageEnabled bool
}

// Decoder pulls RTMP chunks from a capture.Cursor and reconstitutes complete
// messages. It is not safe for concurrent use.
type Decoder struct {
	cur    *capture.Cursor
	cfg    Config
	pool   *pool.Pool
	chunks map[uint32]*chunkStream

	chunkSize      uint32
	lastFullHeader uint8
	sawFullHeader  bool

	bytesRead int64
}

// NewDecoder wraps cur. cfg.ChunkSize of zero is treated as DefaultChunkSize.
func NewDecoder(cur *capture.Cursor, cfg Config) *Decoder {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Decoder{
		cur:       cur,
		cfg:       cfg,
		pool:      pool.NewPool(),
		chunks:    make(map[uint32]*chunkStream),
		chunkSize: cfg.ChunkSize,
	}
}

// skipHandshake discards a leading two-way handshake if the capture happens
// to start with one. It is only meaningful at position zero, so Next invokes
// it on its first call, before reading any chunk header.
func (d *Decoder) skipHandshake() error {
	b, ok := d.cur.ReadByte()
	if !ok {
		return nil
	}
	if b != handshakeMagic {
		d.cur.Rewind()
		return nil
	}
	if rest := d.cur.Read(handshakeSize); len(rest) != handshakeSize {
		return fmt.Errorf("skip handshake: %w", io.ErrUnexpectedEOF)
	}
	return nil
}

func (d *Decoder) anyIncomplete() bool {
	for _, cs := range d.chunks {
		if cs.hasHeader && cs.payload != nil && cs.filled < int(cs.length) {
			return true
		}
	}
	return false
}

func headerSize(b0 byte) int {
	switch b0 >> 6 {
	case 0:
		return 12
	case 1:
		return 8
	case 2:
		return 4
	default:
		return 1
	}
}

// Next decodes and returns the next completed RTMP message. It returns
// io.EOF when the cursor is exhausted, whether cleanly between chunks or
// partway through a chunk header or payload; a partial message is then
// dropped. Any other error is fatal.
func (d *Decoder) Next() (Message, error) {
	if d.bytesRead == 0 {
		if err := d.skipHandshake(); err != nil {
			return Message{}, err
		}
	}
	for {
		b0, ok := d.cur.ReadByte()
		if !ok {
			return Message{}, io.EOF
		}
		d.bytesRead++

		if b0 == 0x00 {
			if d.cfg.SalvageEnabled && d.sawFullHeader && d.anyIncomplete() {
				logger.Warning("rtmp: NUL header byte salvaged via last full header 0x%02x", d.lastFullHeader)
				b0 = d.lastFullHeader | 0xC0
			} else {
				var skipped int
				for b0 == 0x00 {
					next, ok := d.cur.ReadByte()
					if !ok {
						return Message{}, io.EOF
					}
					skipped++
					b0 = next
				}
				logger.Debug("rtmp: skipped %d NUL padding bytes before header", skipped)
			}
		}

		hsz := headerSize(b0)
		csid := uint32(b0 & 0x3F)

		var hdr [11]byte
		if hsz > 1 {
			buf := d.cur.Read(hsz - 1)
			if len(buf) != hsz-1 {
				return Message{}, io.EOF
			}
			copy(hdr[:], buf)
		}

		cs, ok := d.chunks[csid]
		if !ok {
			cs = &chunkStream{csid: csid}
			d.chunks[csid] = cs
		}

		msg, err := d.applyHeader(cs, b0, hsz, hdr)
		if err != nil {
			return Message{}, err
		}
		if msg != nil {
			return *msg, nil
		}

		// The chunk size in effect when this chunk's header was read
		// governs the chunk, even for a message already in progress.
		cs.readSize = d.chunkSize
		remaining := int(cs.length) - cs.filled
		want := remaining
		if uint32(want) > cs.readSize {
			want = int(cs.readSize)
		}
		got := d.cur.Read(want)
		d.bytesRead += int64(len(got))
		cs.write(got)
		if len(got) != want {
			return Message{}, io.EOF
		}

		if cs.full() {
			out, err := d.completeMessage(cs)
			if err != nil {
				return Message{}, err
			}
			if out != nil {
				return *out, nil
			}
			continue
		}
	}
}

// applyHeader updates cs from a freshly parsed header. When the header
// itself completes a zero-length message it returns the message directly;
// otherwise it returns (nil, nil) and the caller proceeds to read payload
// bytes.
func (d *Decoder) applyHeader(cs *chunkStream, b0 byte, hsz int, hdr [11]byte) (*Message, error) {
	midMessage := cs.hasHeader && cs.payload != nil && cs.filled < int(cs.length)

	if hsz == 1 {
		if !cs.hasHeader {
			return nil, fmt.Errorf("csid %d: %w", cs.csid, ErrContinuationWithoutContext)
		}
		if !midMessage {
			cs.reset(d.pool)
			cs.readSize = d.chunkSize
		}
		return d.maybeComplete(cs)
	}

	timestamp := u24be(hdr[0:3])
	var length, typeID, streamID uint32
	if hsz >= 8 {
		length = u24be(hdr[3:6])
		typeID = uint32(hdr[6])
	}
	if hsz == 12 {
		streamID = u32le(hdr[7:11])
		if streamID > d.cfg.MaxRoutingID {
			return nil, fmt.Errorf("stream id %d: %w", streamID, ErrBadRoutingID)
		}
	}

	if midMessage {
		if timestamp != cs.timestamp {
			return nil, fmt.Errorf("csid %d: timestamp: %w", cs.csid, ErrPartialMismatch)
		}
		if hsz >= 8 && (length != cs.length || typeID != cs.typeID) {
			return nil, fmt.Errorf("csid %d: length/type: %w", cs.csid, ErrPartialMismatch)
		}
		if hsz == 12 && streamID != cs.streamID {
			return nil, fmt.Errorf("csid %d: stream id: %w", cs.csid, ErrPartialMismatch)
		}
		cs.timestamp = timestamp
		return nil, nil
	}

	switch hsz {
	case 4:
		if !cs.hasHeader {
			if d.sawFullHeader {
				logger.Warning("rtmp: csid %d has no prior header, inheriting length/type/stream id from csid %d", cs.csid, d.lastFullHeader&0x3F)
				fallback := d.chunks[uint32(d.lastFullHeader&0x3F)]
				if fallback != nil {
					cs.length, cs.typeID, cs.streamID = fallback.length, fallback.typeID, fallback.streamID
				}
			}
		}
	case 8:
		if !cs.hasHeader && d.sawFullHeader {
			fallback := d.chunks[uint32(d.lastFullHeader&0x3F)]
			if fallback != nil {
				logger.Warning("rtmp: csid %d has no prior header, inheriting stream id from csid %d", cs.csid, fallback.csid)
				cs.streamID = fallback.streamID
			}
		}
		cs.length, cs.typeID = length, typeID
	case 12:
		cs.length, cs.typeID, cs.streamID = length, typeID, streamID
	}
	cs.timestamp = timestamp
	cs.hasHeader = true
	d.lastFullHeader = b0
	d.sawFullHeader = true
	cs.reset(d.pool)
	cs.readSize = d.chunkSize

	return d.maybeComplete(cs)
}

// maybeComplete handles the degenerate case of a zero-length message, which
// completes as soon as its header is parsed with no payload bytes to read.
func (d *Decoder) maybeComplete(cs *chunkStream) (*Message, error) {
	if !cs.full() {
		return nil, nil
	}
	return d.completeMessage(cs)
}

func (d *Decoder) completeMessage(cs *chunkStream) (*Message, error) {
	payload := cs.payload
	cs.payload = nil
	cs.filled = 0

	msg := &Message{
		AMFIndex:  cs.csid,
		Type:      uint8(cs.typeID),
		Timestamp: cs.timestamp,
		StreamID:  cs.streamID,
		Payload:   payload,
	}

	if msg.Type == TypeSetChunkSize {
		size, err := parseSetChunkSize(payload)
		if err != nil {
			return nil, err
		}
		logger.Debug("rtmp: chunk size %d -> %d", d.chunkSize, size)
		d.chunkSize = size
	} else if !knownTypes[msg.Type] {
		logger.Warning("rtmp: unrecognized message type 0x%02x on csid %d", msg.Type, cs.csid)
	}

	return msg, nil
}

func parseSetChunkSize(payload []byte) (uint32, error) {
	if len(payload) == 0 || payload[0] != 0x00 {
		return 0, ErrUnknownChunkSizeMessage
	}
	var size uint32
	for _, b := range payload[1:] {
		size = size<<8 | uint32(b)
	}
	return size, nil
}

func u24be(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func u32le(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
