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

package flv

import (
	"errors"
	"fmt"
	"io"

	"github.com/kris-nova/logger"

	"github.com/nivenly/flvtap/rtmp"
)

// Sentinel error kinds raised by the muxer.
var (
	ErrUnexpectedEnd     = errors.New("stream ended before required session marker")
	ErrMissingTerminator = errors.New("stream ended without NetStream.Play.Complete")
)

// State names one phase of the session sequence a muxed RTMP session must
// pass through in order.
type State int

const (
	AwaitPlayStart State = iota
	AwaitDataStart
	AwaitMetaData
	AwaitSkippableSync
	StreamingMedia
	PlayComplete
)

func (s State) String() string {
	switch s {
	case AwaitPlayStart:
		return "AwaitPlayStart"
	case AwaitDataStart:
		return "AwaitDataStart"
	case AwaitMetaData:
		return "AwaitMetaData"
	case AwaitSkippableSync:
		return "AwaitSkippableSync"
	case StreamingMedia:
		return "StreamingMedia"
	case PlayComplete:
		return "PlayComplete"
	default:
		return "unknown"
	}
}

// MessageSource is what Muxer pulls decoded RTMP messages from; rtmp.Decoder
// satisfies it.
type MessageSource interface {
	Next() (rtmp.Message, error)
}

// Muxer drives a MessageSource through the FLV session state machine and
// writes tags to a Writer as they clear each gate.
type Muxer struct {
	state      State
	streamName string
}

// NewMuxer returns a Muxer ready to consume a fresh session, starting in
// AwaitPlayStart.
func NewMuxer() *Muxer {
	return &Muxer{state: AwaitPlayStart}
}

// State reports the muxer's current session phase.
func (m *Muxer) State() State { return m.state }

// StreamName reports the name captured from the NetStream.Play.Start
// message, once AwaitPlayStart has cleared.
func (m *Muxer) StreamName() string { return m.streamName }

// Run drives src to completion, writing FLV output to w. It returns nil only
// after reaching PlayComplete (on NetStream.Play.Complete, or on a message
// type that ends streaming) and successfully finishing w. On any error the
// temporary output is removed.
func (m *Muxer) Run(src MessageSource, w *Writer) error {
	for {
		msg, err := src.Next()
		if err == io.EOF {
			endErr := m.handleEnd()
			if endErr != nil {
				w.Abort()
			}
			return endErr
		}
		if err != nil {
			w.Abort()
			return err
		}

		if err := m.dispatch(msg, w); err != nil {
			w.Abort()
			return err
		}
		if m.state == PlayComplete {
			return w.Finish()
		}
	}
}

func (m *Muxer) handleEnd() error {
	switch m.state {
	case PlayComplete:
		return nil
	case StreamingMedia:
		return ErrMissingTerminator
	default:
		return fmt.Errorf("session ended in state %s: %w", m.state, ErrUnexpectedEnd)
	}
}

func (m *Muxer) dispatch(msg rtmp.Message, w *Writer) error {
	switch m.state {
	case AwaitPlayStart:
		if msg.Type == rtmp.TypeAMF0Command {
			if name, ok := IsPlayStart(msg.Payload); ok {
				m.streamName = name
				m.state = AwaitDataStart
			}
		}
		return nil

	case AwaitDataStart:
		if msg.Type == rtmp.TypeAMF0Data && IsDataStart(msg.Payload) {
			if err := w.WriteHeader(); err != nil {
				return err
			}
			m.state = AwaitMetaData
		}
		return nil

	case AwaitMetaData:
		if msg.Type == rtmp.TypeAMF0Data && IsMetaData(msg.Payload) {
			if err := w.WriteTag(msg.Type, msg.Timestamp, msg.Payload); err != nil {
				return err
			}
			m.state = AwaitSkippableSync
		}
		return nil

	case AwaitSkippableSync:
		if IsSkippableSync(msg.Type, msg.Payload) {
			logger.Debug("flv: skipping synchronization frame on csid %d", msg.AMFIndex)
			return nil
		}
		m.state = StreamingMedia
		return m.streamMessage(msg, w)

	case StreamingMedia:
		return m.streamMessage(msg, w)

	default:
		return nil
	}
}

func (m *Muxer) streamMessage(msg rtmp.Message, w *Writer) error {
	switch msg.Type {
	case rtmp.TypeAudio, rtmp.TypeVideo:
		return w.WriteTag(msg.Type, msg.Timestamp, msg.Payload)
	case rtmp.TypeAggregate:
		return w.WriteRaw(msg.Payload)
	case rtmp.TypeUserControl:
		return nil
	case rtmp.TypeAMF0Data:
		if IsOnPlayStatus(msg.Payload) && IsPlayComplete(msg.Payload) {
			m.state = PlayComplete
		}
		return nil
	default:
		logger.Debug("flv: ending stream on unrecognized message type 0x%02x", msg.Type)
		m.state = PlayComplete
		return nil
	}
}
