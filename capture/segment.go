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

// Package capture turns a stream of decoded TCP segments belonging to one
// half-flow into a contiguous, seekable byte stream. It knows nothing about
// RTMP; it is the TCP reassembly layer that sits underneath it.
package capture

import (
	"errors"
	"fmt"
	"net"
)

// Sentinel error kinds. Every fatal condition the package can raise wraps
// one of these with positional context, so callers can match with errors.Is.
var (
	ErrMixedFlow             = errors.New("mixed flow: segment does not match the accepted four-tuple")
	ErrUnsupported           = errors.New("unsupported segment: fragment, URG/RST set, or ACK missing")
	ErrOutOfOrderUnplaceable = errors.New("out of order: no insertion point for segment")
	ErrRetransmitLenMismatch = errors.New("retransmit length mismatch")
	ErrMissingData           = errors.New("missing data: gap in strict mode")
	ErrSeqOverflow           = errors.New("sequence overflow: expected sequence exceeds 2^32")
)

// FourTuple identifies one direction of a TCP connection.
type FourTuple struct {
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
}

func (t FourTuple) Equal(o FourTuple) bool {
	return t.SrcIP.Equal(o.SrcIP) && t.DstIP.Equal(o.DstIP) &&
		t.SrcPort == o.SrcPort && t.DstPort == o.DstPort
}

func (t FourTuple) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", t.SrcIP, t.SrcPort, t.DstIP, t.DstPort)
}

// Segment is one captured TCP segment as decoded by the capture reader.
// It carries only the fields the reassembler and the ingest adapter need.
type Segment struct {
	Flow     FourTuple
	RawSeq   uint32
	SYN      bool
	ACK      bool
	URG      bool
	RST      bool
	Fragment bool
	Payload  []byte
}

// Adapter normalizes an unordered, possibly duplicated stream of Segments
// into the single half-flow the Reassembler expects. It is the "Packet
// Ingest Adapter" component: it does no reordering itself, it only fences
// off segments that do not belong.
type Adapter struct {
	flow    FourTuple
	haveFlow bool
	reasm   *Reassembler
}

// NewAdapter binds an Adapter to the Reassembler it feeds.
func NewAdapter(r *Reassembler) *Adapter {
	return &Adapter{reasm: r}
}

// Accept validates one Segment against the adapter's invariants and, if it
// passes, hands it to the Reassembler. The first accepted segment fixes the
// four-tuple for the remainder of the capture.
func (a *Adapter) Accept(seg Segment) error {
	if seg.Fragment || seg.URG || seg.RST || !seg.ACK {
		return fmt.Errorf("%w: flow=%s seq=%d", ErrUnsupported, seg.Flow, seg.RawSeq)
	}
	if !a.haveFlow {
		a.flow = seg.Flow
		a.haveFlow = true
	} else if !a.flow.Equal(seg.Flow) {
		return fmt.Errorf("%w: accepted=%s got=%s", ErrMixedFlow, a.flow, seg.Flow)
	}
	return a.reasm.accept(seg)
}

// Flow reports the four-tuple pinned by the first accepted segment. The
// zero value is returned if no segment has been accepted yet.
func (a *Adapter) Flow() FourTuple {
	return a.flow
}
