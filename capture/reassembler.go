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

import "fmt"

// GapPolicy controls what Finalize does when it finds a hole between two
// records in the reassembly buffer.
type GapPolicy int

const (
	// PolicyStrict fails Finalize with ErrMissingData on any gap.
	PolicyStrict GapPolicy = iota
	// PolicyLenient tolerates gaps; whether they are zero-filled or
	// skipped depends on InsertZeros.
	PolicyLenient
)

// record is one placed segment payload, keyed by its sequence number
// relative to the flow's initial sequence number.
type record struct {
	relSeq  uint64
	payload []byte
}

// Reassembler orders, deduplicates and gap-fills the payloads of one TCP
// half-flow. It owns the only unbounded allocation in the pipeline; the
// buffer is released once Finalize returns.
type Reassembler struct {
	Policy      GapPolicy
	InsertZeros bool

	initialSeq  uint32
	haveInitial bool
	records     []record
}

// NewReassembler constructs a Reassembler with the given gap policy.
// InsertZeros only has an effect under PolicyLenient.
func NewReassembler(policy GapPolicy, insertZeros bool) *Reassembler {
	return &Reassembler{Policy: policy, InsertZeros: insertZeros}
}

// relative computes a segment's sequence number relative to the flow's
// initial sequence number, handling 32-bit wraparound. The result lies in
// [0, 2^32) but is held in 64 bits so that Finalize can detect a record
// whose end would overflow the original 32-bit space.
func (r *Reassembler) relative(rawSeq uint32) uint64 {
	delta := int64(rawSeq) - int64(r.initialSeq)
	if delta < 0 {
		delta += int64(1) << 32
	}
	return uint64(delta)
}

// accept places seg into the buffer at its relative sequence number,
// resolving exact retransmits in place and rejecting anything it can't
// order against what's already buffered.
func (r *Reassembler) accept(seg Segment) error {
	if !r.haveInitial {
		r.initialSeq = seg.RawSeq
		if seg.SYN {
			r.initialSeq++
		}
		r.haveInitial = true
	}
	if len(seg.Payload) == 0 {
		// No stream bytes to place (the SYN itself, a bare ACK).
		return nil
	}

	relSeq := r.relative(seg.RawSeq)

	for i := len(r.records) - 1; i >= 0; i-- {
		rec := &r.records[i]
		if rec.relSeq == relSeq {
			if len(rec.payload) != len(seg.Payload) {
				return fmt.Errorf("%w: seq=%d existing_len=%d new_len=%d",
					ErrRetransmitLenMismatch, relSeq, len(rec.payload), len(seg.Payload))
			}
			rec.payload = seg.Payload
			return nil
		}
		if rec.relSeq < relSeq {
			r.insertAt(i+1, record{relSeq: relSeq, payload: seg.Payload})
			return nil
		}
	}

	if len(r.records) == 0 {
		r.records = append(r.records, record{relSeq: relSeq, payload: seg.Payload})
		return nil
	}
	return fmt.Errorf("%w: seq=%d", ErrOutOfOrderUnplaceable, relSeq)
}

func (r *Reassembler) insertAt(idx int, rec record) {
	r.records = append(r.records, record{})
	copy(r.records[idx+1:], r.records[idx:])
	r.records[idx] = rec
}

// Finalize walks the ordered buffer once, resolving gaps per policy, and
// returns the resulting contiguous Stream. The buffer is not reusable
// afterward.
func (r *Reassembler) Finalize() (*Stream, error) {
	stream := &Stream{}
	var expected uint64

	for _, rec := range r.records {
		if rec.relSeq > expected {
			gap := rec.relSeq - expected
			switch {
			case r.Policy == PolicyStrict:
				return nil, fmt.Errorf("%w: gap=%d at byte %d", ErrMissingData, gap, expected)
			case r.InsertZeros:
				stream.append(make([]byte, gap))
				expected += gap
			default:
				expected = rec.relSeq
			}
		} else if rec.relSeq < expected {
			// Overlap that accept() did not resolve as an exact
			// retransmit (partial overlap). Trim the already-covered
			// prefix rather than duplicate bytes.
			overlap := expected - rec.relSeq
			if overlap >= uint64(len(rec.payload)) {
				continue
			}
			rec.payload = rec.payload[overlap:]
			rec.relSeq = expected
		}

		newExpected := rec.relSeq + uint64(len(rec.payload))
		if newExpected > (uint64(1) << 32) {
			return nil, fmt.Errorf("%w: computed expected=%d", ErrSeqOverflow, newExpected)
		}
		stream.append(rec.payload)
		expected = newExpected
	}

	r.records = nil
	return stream, nil
}
