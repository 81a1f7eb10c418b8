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

// Package pcapsrc implements the offline half of the Packet Ingest
// Adapter's collaborator: it turns a .pcap/.pcapng capture file into the
// capture.Segment records the core actually consumes. It performs no
// reassembly and no RTMP decoding; it exists purely to keep gopacket's
// layer-decoding surface out of the core packages.
package pcapsrc

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/kris-nova/logger"

	"github.com/nivenly/flvtap/capture"
)

// Filter selects which half-flow to extract from a (possibly multi-flow)
// capture file.
type Filter struct {
	// SrcPort restricts extraction to packets whose TCP source port
	// matches, i.e. the server->client direction of an RTMP session.
	// Zero means "don't filter by port".
	SrcPort uint16
}

// Reader decodes a capture file into capture.Segment values in file order.
type Reader struct {
	filter Filter
}

// NewReader constructs a Reader with the given Filter.
func NewReader(filter Filter) *Reader {
	return &Reader{filter: filter}
}

// packetDataSource is satisfied by both pcapgo.Reader (classic .pcap) and
// pcapgo.NgReader (.pcapng).
type packetDataSource interface {
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
	LinkType() layers.LinkType
}

// open sniffs the file's magic number and returns the matching pcapgo
// reader wrapped as a packetDataSource.
func open(f *os.File) (packetDataSource, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	// pcapng blocks always start with a Section Header Block type 0x0A0D0D0A.
	if magic[0] == 0x0A && magic[1] == 0x0D && magic[2] == 0x0D && magic[3] == 0x0A {
		return pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(f)
}

// ReadFile opens path and streams every matching Segment to yield, in
// capture-file order. Segments outside the Filter are dropped silently;
// they are never handed to the ingest adapter, so they cannot trip
// MixedFlow.
func (r *Reader) ReadFile(ctx context.Context, path string, yield func(capture.Segment) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	src, err := open(f)
	if err != nil {
		return fmt.Errorf("open capture reader: %w", err)
	}

	var packetIndex int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, _, err := src.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet %d: %w", packetIndex, err)
		}
		packetIndex++

		pkt := gopacket.NewPacket(data, src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		seg, ok, err := decodePacket(pkt)
		if err != nil {
			return fmt.Errorf("decode IP packet %d: %w", packetIndex, err)
		}
		if !ok {
			continue
		}
		if r.filter.SrcPort != 0 && seg.Flow.SrcPort != r.filter.SrcPort {
			continue
		}
		if err := yield(seg); err != nil {
			return err
		}
	}
}

// decodePacket extracts a capture.Segment from one decoded gopacket.Packet.
// ok is false for non-TCP or otherwise irrelevant packets, which the
// caller silently skips.
func decodePacket(pkt gopacket.Packet) (capture.Segment, bool, error) {
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return capture.Segment{}, false, nil
	}
	tcp := tcpLayer.(*layers.TCP)

	seg := capture.Segment{
		RawSeq:  tcp.Seq,
		SYN:     tcp.SYN,
		ACK:     tcp.ACK,
		URG:     tcp.URG,
		RST:     tcp.RST,
		Payload: tcp.Payload,
	}
	seg.Flow.SrcPort = uint16(tcp.SrcPort)
	seg.Flow.DstPort = uint16(tcp.DstPort)

	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		v4 := ip4.(*layers.IPv4)
		seg.Flow.SrcIP = v4.SrcIP
		seg.Flow.DstIP = v4.DstIP
		seg.Fragment = v4.FragOffset != 0 || v4.Flags&layers.IPv4MoreFragments != 0
	} else if ip6 := pkt.Layer(layers.LayerTypeIPv6); ip6 != nil {
		v6 := ip6.(*layers.IPv6)
		seg.Flow.SrcIP = v6.SrcIP
		seg.Flow.DstIP = v6.DstIP
		if frag := pkt.Layer(layers.LayerTypeIPv6Fragment); frag != nil {
			seg.Fragment = true
		}
	} else {
		return capture.Segment{}, false, nil
	}

	if seg.Fragment {
		logger.Debug("IP fragment on %s, passing through for the adapter to reject", seg.Flow)
	}
	return seg, true, nil
}
