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

// package transport defines the secure, multiplexed stream transport the
// broker and its clients run on, and the framing used to exchange packets
// over a single stream.
//
// A Conn is one transport session carrying many independent, ordered,
// bidirectional streams. Implementations are provided for QUIC, for
// TLS-over-TCP multiplexed with yamux, and for an in-process network used in
// tests.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ALPN is the application protocol negotiated during the TLS handshake.
const ALPN = "moq-go"

const (
	NetworkQUIC = "quic"
	NetworkTCP  = "tcp"
)

// ErrClosed is returned by operations on a closed listener or connection.
var ErrClosed = errors.New("transport closed")

// Listener accepts incoming transport connections.
type Listener interface {
	// Accept blocks until a connection arrives, ctx is done or the listener
	// is closed.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Conn is one transport session offering many streams.
type Conn interface {
	// AcceptStream blocks until the peer opens a stream.
	AcceptStream(ctx context.Context) (Stream, error)
	// OpenStream opens a new bidirectional stream to the peer.
	OpenStream(ctx context.Context) (Stream, error)
	RemoteAddr() net.Addr
	Close() error
}

// Stream is an ordered, reliable, bidirectional byte stream. Close ends the
// local write direction; depending on the implementation it may also release
// the read direction.
type Stream interface {
	io.ReadWriteCloser
	// ID identifies the stream within its connection.
	ID() uint64
}

// Options tunes the transport implementations.
type Options struct {
	// KeepAlive is the keep-alive period for idle connections. Zero leaves
	// the implementation default.
	KeepAlive time.Duration
	// MaxIdleTimeout closes connections idle for longer than this. Zero
	// leaves the implementation default.
	MaxIdleTimeout time.Duration
	// MaxIncomingStreams bounds concurrently open peer streams per
	// connection. Zero leaves the implementation default.
	MaxIncomingStreams int64
}

// Listen opens a listener on addr for the named network.
func Listen(network, addr string, tlsConf *tls.Config, opts Options) (Listener, error) {
	switch network {
	case NetworkQUIC, "":
		return ListenQUIC(addr, tlsConf, opts)
	case NetworkTCP:
		return ListenTCP(addr, tlsConf)
	default:
		return nil, fmt.Errorf("unsupported transport %q", network)
	}
}

// Dial connects to addr over the named network.
func Dial(ctx context.Context, network, addr string, tlsConf *tls.Config, opts Options) (Conn, error) {
	switch network {
	case NetworkQUIC, "":
		return DialQUIC(ctx, addr, tlsConf, opts)
	case NetworkTCP:
		return DialTCP(ctx, addr, tlsConf)
	default:
		return nil, fmt.Errorf("unsupported transport %q", network)
	}
}

// withALPN returns a copy of conf advertising the broker's ALPN.
func withALPN(conf *tls.Config) *tls.Config {
	if conf == nil {
		conf = &tls.Config{}
	} else {
		conf = conf.Clone()
	}
	conf.NextProtos = []string{ALPN}
	if conf.MinVersion == 0 {
		conf.MinVersion = tls.VersionTLS13
	}
	return conf
}
