// Copyright 2024 The moq-go Authors
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

package mqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformedPacket is wrapped by every decoding failure. A malformed packet
// only affects its own handling; the stream it arrived on stays usable.
var ErrMalformedPacket = errors.New("malformed packet")

const (
	// fixedSize is header + remaining length + variable header.
	fixedSize = 1 + 4 + VariableHeaderSize
	// lenPrefixSize is the width of a string length prefix.
	lenPrefixSize = 8
	// MinPacketSize is the encoded size of a packet with empty strings.
	MinPacketSize = fixedSize + 2*lenPrefixSize
)

// EncodedSize returns the number of bytes Encode produces for p.
func (p *Packet) EncodedSize() int {
	return MinPacketSize + len(p.Topic) + len(p.Payload)
}

// Encode serialises p. Fields are written in declaration order using
// little-endian fixed-width integers; the topic and payload are each prefixed
// with their byte length as a uint64.
func Encode(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, errors.New("cannot encode nil packet")
	}
	if !p.Type().Valid() {
		return nil, fmt.Errorf("cannot encode packet with type %s", p.Type())
	}
	buf := make([]byte, 0, p.EncodedSize())
	buf = append(buf, p.Header)
	buf = binary.LittleEndian.AppendUint32(buf, p.RemainingLength)
	buf = append(buf, p.VariableHeader[:]...)
	buf = appendString(buf, p.Topic)
	buf = appendString(buf, p.Payload)
	return buf, nil
}

// Decode parses a packet previously produced by Encode. Truncated input,
// trailing bytes, invalid UTF-8 and unknown packet types are reported as
// errors wrapping ErrMalformedPacket.
func Decode(b []byte) (*Packet, error) {
	if len(b) < MinPacketSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte minimum", ErrMalformedPacket, len(b), MinPacketSize)
	}
	p := &Packet{Header: b[0]}
	if !p.Type().Valid() {
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformedPacket, b[0]>>4)
	}
	p.RemainingLength = binary.LittleEndian.Uint32(b[1:5])
	copy(p.VariableHeader[:], b[5:fixedSize])

	offset := fixedSize
	var err error
	if p.Topic, offset, err = readString(b, offset, "topic"); err != nil {
		return nil, err
	}
	if p.Payload, offset, err = readString(b, offset, "payload"); err != nil {
		return nil, err
	}
	if offset != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, len(b)-offset)
	}
	return p, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

// readString reads a uint64 length-prefixed UTF-8 string starting at offset.
func readString(b []byte, offset int, field string) (string, int, error) {
	if len(b) < offset+lenPrefixSize {
		return "", 0, fmt.Errorf("%w: buffer too short to read %s length", ErrMalformedPacket, field)
	}
	n := binary.LittleEndian.Uint64(b[offset : offset+lenPrefixSize])
	offset += lenPrefixSize
	if n > uint64(len(b)-offset) {
		return "", 0, fmt.Errorf("%w: %s length %d exceeds remaining %d bytes", ErrMalformedPacket, field, n, len(b)-offset)
	}
	raw := b[offset : offset+int(n)]
	if !utf8.Valid(raw) {
		return "", 0, fmt.Errorf("%w: %s is not valid UTF-8", ErrMalformedPacket, field)
	}
	return string(raw), offset + int(n), nil
}
