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
	"context"
	"crypto/tls"
	"net"

	"github.com/quic-go/quic-go"
)

type quicListener struct {
	ln *quic.Listener
}

// ListenQUIC listens for QUIC connections on a UDP address. tlsConf must
// carry the server certificate.
func ListenQUIC(addr string, tlsConf *tls.Config, opts Options) (Listener, error) {
	ln, err := quic.ListenAddr(addr, withALPN(tlsConf), quicConfig(opts))
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln}, nil
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &quicConn{conn: conn}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}

// DialQUIC opens a QUIC connection to addr. tlsConf must trust the broker's
// certificate and name the server.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, opts Options) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, withALPN(tlsConf), quicConfig(opts))
	if err != nil {
		return nil, err
	}
	return &quicConn{conn: conn}, nil
}

func quicConfig(opts Options) *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    opts.KeepAlive,
		MaxIdleTimeout:     opts.MaxIdleTimeout,
		MaxIncomingStreams: opts.MaxIncomingStreams,
	}
}

type quicConn struct {
	conn *quic.Conn
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{Stream: s}, nil
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{Stream: s}, nil
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *quicConn) Close() error {
	return c.conn.CloseWithError(0, "")
}

// quicStream adapts a QUIC stream. Close only finishes the send direction,
// the peer still sees every byte written before it.
type quicStream struct {
	*quic.Stream
}

func (s *quicStream) ID() uint64 {
	return uint64(s.StreamID())
}
