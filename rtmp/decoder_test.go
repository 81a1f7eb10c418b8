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
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/nivenly/flvtap/capture"
)

func hdr12(csid, ts, length, typeID, streamID uint32) []byte {
	b := []byte{byte(csid & 0x3F)}
	b = append(b, byte(ts>>16), byte(ts>>8), byte(ts))
	b = append(b, byte(length>>16), byte(length>>8), byte(length))
	b = append(b, byte(typeID))
	b = append(b, byte(streamID), byte(streamID>>8), byte(streamID>>16), byte(streamID>>24))
	return b
}

func hdr1(csid uint32) []byte {
	return []byte{0xC0 | byte(csid&0x3F)}
}

func cursorOf(t *testing.T, chunks ...[]byte) *capture.Cursor {
	t.Helper()
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c)
	}
	r := capture.NewReassembler(capture.PolicyStrict, false)
	a := capture.NewAdapter(r)
	seg := capture.Segment{ACK: true, RawSeq: 1000, Payload: buf.Bytes()}
	if err := a.Accept(seg); err != nil {
		t.Fatal(err)
	}
	stream, err := r.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	return stream.NewCursor()
}

func TestDecoderBasicMessage(t *testing.T) {
	payload := []byte("hello world")
	// csid 5, not 3: a leading 0x03 byte is taken as the handshake marker.
	cur := cursorOf(t, hdr12(5, 0, uint32(len(payload)), TypeAudio, 1), payload)
	d := NewDecoder(cur, Config{MaxRoutingID: 16})

	msg, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if msg.AMFIndex != 5 || msg.Type != TypeAudio || msg.StreamID != 1 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("got %q, want %q", msg.Payload, payload)
	}

	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestDecoderHeaderCompression(t *testing.T) {
	p1 := []byte("AAAA")
	p2 := []byte("BBBB")
	cur := cursorOf(t,
		hdr12(4, 0, uint32(len(p1)), TypeVideo, 1), p1,
		hdr1(4), p2,
	)
	d := NewDecoder(cur, Config{MaxRoutingID: 16})

	m1, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(m1.Payload, p1) {
		t.Fatalf("got %q", m1.Payload)
	}

	m2, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if m2.Type != TypeVideo || m2.StreamID != 1 {
		t.Fatalf("compressed header did not inherit fields: %+v", m2)
	}
	if !bytes.Equal(m2.Payload, p2) {
		t.Fatalf("got %q", m2.Payload)
	}
}

func TestDecoderChunkSizeChangeAppliesToLaterMessages(t *testing.T) {
	scPayload := []byte{0x00, 0x00, 0x00, 0x00, 0x04} // new chunk size = 4
	longPayload := []byte("12345678")                 // 8 bytes, > new size of 4

	cur := cursorOf(t,
		hdr12(2, 0, uint32(len(scPayload)), TypeSetChunkSize, 0), scPayload,
		hdr12(5, 0, uint32(len(longPayload)), TypeVideo, 1), longPayload[:4],
		hdr1(5), longPayload[4:],
	)
	d := NewDecoder(cur, Config{ChunkSize: DefaultChunkSize, MaxRoutingID: 16})

	if _, err := d.Next(); err != nil {
		t.Fatalf("SetChunkSize message: %v", err)
	}
	if d.chunkSize != 4 {
		t.Fatalf("chunkSize = %d, want 4", d.chunkSize)
	}

	msg, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg.Payload, longPayload) {
		t.Fatalf("got %q, want %q", msg.Payload, longPayload)
	}
}

func TestDecoderBadRoutingID(t *testing.T) {
	cur := cursorOf(t, hdr12(1, 0, 1, TypeAudio, 99), []byte{0x00})
	d := NewDecoder(cur, Config{MaxRoutingID: 16})
	if _, err := d.Next(); !errors.Is(err, ErrBadRoutingID) {
		t.Fatalf("got %v, want ErrBadRoutingID", err)
	}
}

func TestDecoderContinuationWithoutContext(t *testing.T) {
	cur := cursorOf(t, hdr1(7))
	d := NewDecoder(cur, Config{MaxRoutingID: 16})
	if _, err := d.Next(); !errors.Is(err, ErrContinuationWithoutContext) {
		t.Fatalf("got %v, want ErrContinuationWithoutContext", err)
	}
}

func TestDecoderPartialMismatchFatal(t *testing.T) {
	p := []byte("0123456789")
	cur := cursorOf(t,
		hdr12(6, 0, uint32(len(p)), TypeVideo, 1), p[:5],
		hdr12(6, 0, uint32(len(p))+1, TypeVideo, 1), p[5:],
	)
	// Chunk size 5 so the first chunk stops after p[:5], mid-message.
	d := NewDecoder(cur, Config{ChunkSize: 5, MaxRoutingID: 16})
	if _, err := d.Next(); !errors.Is(err, ErrPartialMismatch) {
		t.Fatalf("got %v, want ErrPartialMismatch", err)
	}
}

func TestDecoderUnknownChunkSizeMessage(t *testing.T) {
	cur := cursorOf(t, hdr12(2, 0, 2, TypeSetChunkSize, 0), []byte{0x01, 0x02})
	d := NewDecoder(cur, Config{MaxRoutingID: 16})
	if _, err := d.Next(); !errors.Is(err, ErrUnknownChunkSizeMessage) {
		t.Fatalf("got %v, want ErrUnknownChunkSizeMessage", err)
	}
}

func TestDecoderSkipsHandshake(t *testing.T) {
	payload := []byte("post-handshake")
	handshake := append([]byte{0x03}, make([]byte, handshakeSize)...)
	cur := cursorOf(t, handshake, hdr12(3, 0, uint32(len(payload)), TypeAudio, 1), payload)
	d := NewDecoder(cur, Config{MaxRoutingID: 16})
	msg, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("got %q, want %q", msg.Payload, payload)
	}
}
