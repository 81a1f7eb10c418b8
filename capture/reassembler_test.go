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

import (
	"bytes"
	"errors"
	"testing"
)

func seg(rawSeq uint32, payload string) Segment {
	return Segment{ACK: true, RawSeq: rawSeq, Payload: []byte(payload)}
}

func mustFinalize(t *testing.T, r *Reassembler) *Stream {
	t.Helper()
	s, err := r.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return s
}

func readAll(s *Stream) []byte {
	c := s.NewCursor()
	var out []byte
	for {
		b := c.Read(4096)
		out = append(out, b...)
		if c.EOF() {
			break
		}
	}
	return out
}

func TestReassemblerInOrder(t *testing.T) {
	r := NewReassembler(PolicyStrict, false)
	a := NewAdapter(r)
	if err := a.Accept(seg(1000, "hello ")); err != nil {
		t.Fatal(err)
	}
	if err := a.Accept(seg(1006, "world")); err != nil {
		t.Fatal(err)
	}
	s := mustFinalize(t, r)
	if got := readAll(s); string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestReassemblerOutOfOrder(t *testing.T) {
	r := NewReassembler(PolicyStrict, false)
	a := NewAdapter(r)
	if err := a.Accept(seg(1006, "world")); err != nil {
		t.Fatal(err)
	}
	if err := a.Accept(seg(1000, "hello ")); err != nil {
		t.Fatal(err)
	}
	s := mustFinalize(t, r)
	if got := readAll(s); string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestReassemblerRetransmitIdentical(t *testing.T) {
	r := NewReassembler(PolicyStrict, false)
	a := NewAdapter(r)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(a.Accept(seg(1000, "hello ")))
	must(a.Accept(seg(1000, "hello ")))
	must(a.Accept(seg(1006, "world")))
	s := mustFinalize(t, r)
	if got := readAll(s); string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestReassemblerRetransmitLengthMismatch(t *testing.T) {
	r := NewReassembler(PolicyStrict, false)
	a := NewAdapter(r)
	if err := a.Accept(seg(1000, "hello ")); err != nil {
		t.Fatal(err)
	}
	err := a.Accept(seg(1000, "hi "))
	if !errors.Is(err, ErrRetransmitLenMismatch) {
		t.Fatalf("got %v, want ErrRetransmitLenMismatch", err)
	}
}

func TestReassemblerStrictGapFails(t *testing.T) {
	r := NewReassembler(PolicyStrict, false)
	a := NewAdapter(r)
	if err := a.Accept(seg(1000, "hello")); err != nil {
		t.Fatal(err)
	}
	if err := a.Accept(seg(1010, "world")); err != nil {
		t.Fatal(err)
	}
	_, err := r.Finalize()
	if !errors.Is(err, ErrMissingData) {
		t.Fatalf("got %v, want ErrMissingData", err)
	}
}

func TestReassemblerLenientZeroFill(t *testing.T) {
	r := NewReassembler(PolicyLenient, true)
	a := NewAdapter(r)
	if err := a.Accept(seg(1000, "hello")); err != nil {
		t.Fatal(err)
	}
	if err := a.Accept(seg(1010, "world")); err != nil {
		t.Fatal(err)
	}
	s := mustFinalize(t, r)
	got := readAll(s)
	want := append([]byte("hello"), append(make([]byte, 5), []byte("world")...)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if s.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d", s.Len(), len(want))
	}
}

func TestReassemblerLenientSkip(t *testing.T) {
	r := NewReassembler(PolicyLenient, false)
	a := NewAdapter(r)
	if err := a.Accept(seg(1000, "hello")); err != nil {
		t.Fatal(err)
	}
	if err := a.Accept(seg(1010, "world")); err != nil {
		t.Fatal(err)
	}
	s := mustFinalize(t, r)
	if got := readAll(s); string(got) != "helloworld" {
		t.Fatalf("got %q", got)
	}
}

func TestReassemblerSYNAdjustsInitialSeq(t *testing.T) {
	r := NewReassembler(PolicyStrict, false)
	a := NewAdapter(r)
	syn := seg(999, "")
	syn.SYN = true
	if err := a.Accept(syn); err != nil {
		t.Fatal(err)
	}
	if err := a.Accept(seg(1000, "hello")); err != nil {
		t.Fatal(err)
	}
	s := mustFinalize(t, r)
	if got := readAll(s); string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestReassemblerWraparound(t *testing.T) {
	r := NewReassembler(PolicyStrict, false)
	a := NewAdapter(r)
	// initial sequence at the top of the 32-bit space; the next segment
	// wraps around to sequence number 0.
	if err := a.Accept(seg(4294967294, "AB")); err != nil { // 2^32-2
		t.Fatal(err)
	}
	if err := a.Accept(seg(0, "CD")); err != nil {
		t.Fatal(err)
	}
	s := mustFinalize(t, r)
	if got := readAll(s); string(got) != "ABCD" {
		t.Fatalf("got %q", got)
	}
}

func TestAdapterRejectsMixedFlow(t *testing.T) {
	r := NewReassembler(PolicyStrict, false)
	a := NewAdapter(r)
	s1 := seg(1000, "a")
	s1.Flow = FourTuple{SrcPort: 1935}
	s2 := seg(1001, "b")
	s2.Flow = FourTuple{SrcPort: 4444}
	if err := a.Accept(s1); err != nil {
		t.Fatal(err)
	}
	if err := a.Accept(s2); !errors.Is(err, ErrMixedFlow) {
		t.Fatalf("got %v, want ErrMixedFlow", err)
	}
}

func TestAdapterRejectsUnsupported(t *testing.T) {
	r := NewReassembler(PolicyStrict, false)
	a := NewAdapter(r)
	bad := seg(1000, "a")
	bad.ACK = false
	if err := a.Accept(bad); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
}
