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

// Package flv reconstitutes an FLV container from decoded RTMP messages: it
// tracks the session's script-message sequence and writes byte-exact FLV
// tags.
package flv

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gwuhaolin/livego/utils/pio"
	"github.com/gwuhaolin/livego/utils/uid"
)

const headerLen = 11

var flvHeader = []byte{0x46, 0x4c, 0x56, 0x01, 0x05, 0x00, 0x00, 0x00, 0x09}

// Writer emits a byte-exact FLV file. It writes to a temporary sibling of
// the requested output path and only renames it into place once told the
// stream finished cleanly; any earlier failure removes the temp file.
type Writer struct {
	finalPath string
	tmpPath   string
	f         *os.File
	buf       [headerLen]byte
	renamed   bool
}

// NewWriter opens a temporary file next to path. The FLV header is not
// written until WriteHeader is called — the session state machine controls
// exactly when that happens.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.flvtap-%s", filepath.Base(path), uid.NewId()))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open temp output: %w", err)
	}
	return &Writer{finalPath: path, tmpPath: tmp, f: f}, nil
}

// WriteHeader writes the 9-byte FLV header and the PreviousTagSize0 trailer.
func (w *Writer) WriteHeader() error {
	if _, err := w.f.Write(flvHeader); err != nil {
		return err
	}
	pio.PutI32BE(w.buf[:4], 0)
	_, err := w.f.Write(w.buf[:4])
	return err
}

// WriteTag emits one FLV tag: an 11-byte header, the payload verbatim, and
// the 4-byte PreviousTagSize trailer.
func (w *Writer) WriteTag(tagType uint8, timestamp uint32, payload []byte) error {
	h := w.buf[:headerLen]
	dataLen := len(payload)
	tsBase := timestamp & 0xffffff
	// TimestampExtended is always written as zero; only the low 24 bits of
	// the timestamp are carried.
	tsExt := uint8(0)

	pio.PutU8(h[0:1], tagType)
	pio.PutI24BE(h[1:4], int32(dataLen))
	pio.PutI24BE(h[4:7], int32(tsBase))
	pio.PutU8(h[7:8], tsExt)
	pio.PutI24BE(h[8:11], 0) // StreamID, always 0

	if _, err := w.f.Write(h); err != nil {
		return err
	}
	if _, err := w.f.Write(payload); err != nil {
		return err
	}

	pio.PutI32BE(w.buf[:4], int32(dataLen+headerLen))
	_, err := w.f.Write(w.buf[:4])
	return err
}

// WriteRaw writes bytes verbatim, for aggregate (0x16) messages that are
// already framed as complete FLV tags.
func (w *Writer) WriteRaw(b []byte) error {
	_, err := w.f.Write(b)
	return err
}

// Finish closes the temp file and renames it into place.
func (w *Writer) Finish() error {
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return err
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		os.Remove(w.tmpPath)
		return err
	}
	w.renamed = true
	return nil
}

// Abort closes and removes the temp file. Safe to call after Finish (no-op).
func (w *Writer) Abort() {
	if w.renamed {
		return
	}
	w.abort()
}

func (w *Writer) abort() {
	w.f.Close()
	os.Remove(w.tmpPath)
}
