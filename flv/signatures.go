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
	"bytes"
	"strings"
)

// This file recognizes AMF0 command/status payloads by fixed byte signature
// rather than by decoding AMF0 in general — the session marker strings this
// muxer needs to recognize never vary in shape, so a general decoder is more
// machinery than the job needs.

// amf0String is the wire encoding of an AMF0 string value: a 0x02 marker, a
// 2-byte big-endian length, then the raw bytes.
func amf0String(s string) []byte {
	b := make([]byte, 0, 3+len(s))
	b = append(b, 0x02, byte(len(s)>>8), byte(len(s)))
	return append(b, s...)
}

// amf0Key is the wire encoding of an object property name: a 2-byte
// big-endian length then the raw bytes, with no leading type marker.
func amf0Key(s string) []byte {
	b := make([]byte, 0, 2+len(s))
	b = append(b, byte(len(s)>>8), byte(len(s)))
	return append(b, s...)
}

func amf0Property(key, val string) []byte {
	return append(amf0Key(key), amf0String(val)...)
}

var (
	sigOnStatus     = amf0String("onStatus")
	sigOnPlayStatus = amf0String("onPlayStatus")
	sigOnMetaData   = amf0String("onMetaData")
)

// IsOnStatus reports whether payload is an AMF0 command whose first value is
// the string "onStatus".
func IsOnStatus(payload []byte) bool {
	return bytes.HasPrefix(payload, sigOnStatus)
}

// IsOnPlayStatus reports whether payload is an AMF0 command whose first
// value is the string "onPlayStatus".
func IsOnPlayStatus(payload []byte) bool {
	return bytes.HasPrefix(payload, sigOnPlayStatus)
}

// IsMetaData reports whether payload is an AMF0 onMetaData script message.
func IsMetaData(payload []byte) bool {
	return bytes.HasPrefix(payload, sigOnMetaData)
}

func hasCode(payload []byte, code string) bool {
	return bytes.Contains(payload, amf0Property("code", code))
}

// IsPlayStart reports whether payload is the onStatus/NetStream.Play.Start
// message that opens a session, and extracts the stream name from its
// description field ("Started playing NAME." or "Started playing NAME").
func IsPlayStart(payload []byte) (name string, ok bool) {
	if !IsOnStatus(payload) || !hasCode(payload, "NetStream.Play.Start") {
		return "", false
	}
	return extractDescriptionName(payload)
}

// IsDataStart reports the onStatus/NetStream.Data.Start message.
func IsDataStart(payload []byte) bool {
	return IsOnStatus(payload) && hasCode(payload, "NetStream.Data.Start")
}

// IsPlayComplete reports the onPlayStatus/NetStream.Play.Complete message.
func IsPlayComplete(payload []byte) bool {
	return IsOnPlayStatus(payload) && hasCode(payload, "NetStream.Play.Complete")
}

const descriptionPrefix = "Started playing "

func extractDescriptionName(payload []byte) (string, bool) {
	key := amf0Key("description")
	idx := bytes.Index(payload, key)
	if idx < 0 {
		return "", false
	}
	rest := payload[idx+len(key):]
	if len(rest) < 3 || rest[0] != 0x02 {
		return "", false
	}
	strLen := int(rest[1])<<8 | int(rest[2])
	if len(rest) < 3+strLen {
		return "", false
	}
	desc := string(rest[3 : 3+strLen])
	if !strings.HasPrefix(desc, descriptionPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(desc, descriptionPrefix)
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return "", false
	}
	return name, true
}

// IsSkippableSync reports the type=0x09, 2-byte 0x52-prefixed video
// synchronization frame that appears once before real media begins.
func IsSkippableSync(messageType uint8, payload []byte) bool {
	return messageType == 0x09 && len(payload) == 2 && payload[0] == 0x52
}
