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

package transport

import (
	"sync"

	"github.com/libp2p/go-msgio"
	"github.com/turtacn/moq-go/pkg/protocol/mqtt"
)

// DefaultMaxFrameSize bounds a single framed packet.
const DefaultMaxFrameSize = 1024 * 1024

// ReadHalf is the receive side of a split stream. It must be driven by a
// single goroutine.
type ReadHalf struct {
	stream Stream
	r      msgio.ReadCloser
}

// WriteHalf is the send side of a split stream. It is safe for concurrent use;
// writes are serialised so frames from different writers never interleave.
type WriteHalf struct {
	mu     sync.Mutex
	stream Stream
	w      msgio.WriteCloser
	closed bool
}

// Split divides s into independently usable read and write halves. Each
// packet is carried in one frame prefixed with its big-endian uint32 length.
// Frames larger than maxFrame are rejected by the reader; a non-positive
// maxFrame selects DefaultMaxFrameSize.
func Split(s Stream, maxFrame int) (*ReadHalf, *WriteHalf) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &ReadHalf{stream: s, r: msgio.NewReaderSize(s, maxFrame)},
		&WriteHalf{stream: s, w: msgio.NewWriter(s)}
}

// StreamID returns the ID of the underlying stream.
func (h *ReadHalf) StreamID() uint64 {
	return h.stream.ID()
}

// ReadPacket reads and decodes the next frame. Decoding failures wrap
// mqtt.ErrMalformedPacket and leave the stream positioned at the next frame;
// any other error means the stream can no longer be read.
func (h *ReadHalf) ReadPacket() (*mqtt.Packet, error) {
	msg, err := h.r.ReadMsg()
	if err != nil {
		return nil, err
	}
	defer h.r.ReleaseMsg(msg)
	return mqtt.Decode(msg)
}

// StreamID returns the ID of the underlying stream.
func (h *WriteHalf) StreamID() uint64 {
	return h.stream.ID()
}

// WritePacket encodes pk and writes it as one frame.
func (h *WriteHalf) WritePacket(pk *mqtt.Packet) error {
	b, err := mqtt.Encode(pk)
	if err != nil {
		return err
	}
	return h.WriteFrame(b)
}

// WriteFrame writes an already encoded packet as one frame.
func (h *WriteHalf) WriteFrame(b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return h.w.WriteMsg(b)
}

// Close closes the underlying stream's write direction. Subsequent writes
// fail with ErrClosed.
func (h *WriteHalf) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.stream.Close()
}
