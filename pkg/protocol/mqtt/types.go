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

// Package mqtt provides the packet model and binary codec shared by the broker
// and its publisher/subscriber clients. The packet layout borrows MQTT's fixed
// header (type in the high nibble, flags in the low nibble) but carries the
// topic and payload as length-prefixed strings.
package mqtt

import "fmt"

// PacketType is the control packet kind stored in the high nibble of the
// header byte.
type PacketType byte

// Control packet types. The numbering follows section 2.2.1 of the MQTT
// v3.1.1 specification; 0 and 15 are reserved and never valid on the wire.
const (
	_               PacketType = iota // 0: Reserved
	TypeCONNECT                       // 1: Client request to connect to Server
	TypeCONNACK                       // 2: Connect acknowledgment
	TypePUBLISH                       // 3: Publish message
	TypePUBACK                        // 4: Publish acknowledgment
	TypePUBREC                        // 5: Publish received (assured delivery part 1)
	TypePUBREL                        // 6: Publish release (assured delivery part 2)
	TypePUBCOMP                       // 7: Publish complete (assured delivery part 3)
	TypeSUBSCRIBE                     // 8: Client subscribe request
	TypeSUBACK                        // 9: Subscribe acknowledgment
	TypeUNSUBSCRIBE                   // 10: Unsubscribe request
	TypeUNSUBACK                      // 11: Unsubscribe acknowledgment
	TypePINGREQ                       // 12: PING request
	TypePINGRESP                      // 13: PING response
	TypeDISCONNECT                    // 14: Client is disconnecting
)

var packetTypeNames = [...]string{
	TypeCONNECT:     "CONNECT",
	TypeCONNACK:     "CONNACK",
	TypePUBLISH:     "PUBLISH",
	TypePUBACK:      "PUBACK",
	TypePUBREC:      "PUBREC",
	TypePUBREL:      "PUBREL",
	TypePUBCOMP:     "PUBCOMP",
	TypeSUBSCRIBE:   "SUBSCRIBE",
	TypeSUBACK:      "SUBACK",
	TypeUNSUBSCRIBE: "UNSUBSCRIBE",
	TypeUNSUBACK:    "UNSUBACK",
	TypePINGREQ:     "PINGREQ",
	TypePINGRESP:    "PINGRESP",
	TypeDISCONNECT:  "DISCONNECT",
}

// Valid reports whether t is one of the 14 defined packet kinds.
func (t PacketType) Valid() bool {
	return t >= TypeCONNECT && t <= TypeDISCONNECT
}

func (t PacketType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
	return packetTypeNames[t]
}

// VariableHeaderSize is the width of the reserved variable header field.
const VariableHeaderSize = 16

// Packet is one framed protocol message exchanged over a stream.
type Packet struct {
	// Header is (packetType << 4) | flags. Flags are currently always zero.
	Header byte
	// RemainingLength is supplied by whoever builds the packet as
	// variable header length + payload length. It is advisory and is not
	// checked against the encoded size.
	RemainingLength uint32
	// VariableHeader is a reserved 128-bit field, zero in current usage.
	VariableHeader [VariableHeaderSize]byte
	// Topic names the destination of the packet.
	Topic string
	// Payload carries the message body. Empty for control packets.
	Payload string
}

// NewPacket builds a packet of the given type. The remaining length is taken
// from the caller-supplied variable header and payload lengths.
func NewPacket(t PacketType, flags byte, topic, payload string, variableHeaderLen, payloadLen uint32) *Packet {
	return &Packet{
		Header:          byte(t)<<4 | flags&0x0F,
		RemainingLength: variableHeaderLen + payloadLen,
		Topic:           topic,
		Payload:         payload,
	}
}

// NewPublish builds the PUBLISH packet a publisher sends for a single message.
func NewPublish(topic, payload string) *Packet {
	return NewPacket(TypePUBLISH, 0, topic, payload, 0, uint32(len(payload)))
}

// NewSubscribe builds a SUBSCRIBE packet for one topic.
func NewSubscribe(topic string) *Packet {
	return NewPacket(TypeSUBSCRIBE, 0, topic, "", 0, 0)
}

// Type returns the packet kind, header >> 4.
func (p *Packet) Type() PacketType {
	return PacketType(p.Header >> 4)
}

// Flags returns the low nibble of the header.
func (p *Packet) Flags() byte {
	return p.Header & 0x0F
}

// DebugString renders the packet the way the command line clients print it.
func (p *Packet) DebugString(prefix string) string {
	return fmt.Sprintf("%s\nHeader: '0b%08b'\n%s", prefix, p.Header, p.Payload)
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s topic=%q remaining=%d payload=%dB", p.Type(), p.Topic, p.RemainingLength, len(p.Payload))
}
