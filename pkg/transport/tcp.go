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
	"sync/atomic"

	"github.com/libp2p/go-yamux/v5"
)

type tcpListener struct {
	ln net.Listener
}

// ListenTCP listens for TCP connections, secures them with TLS and
// multiplexes streams over each one with yamux. A nil tlsConf disables TLS,
// which is only meant for local testing.
func ListenTCP(addr string, tlsConf *tls.Config) (Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	if tlsConf != nil {
		ln, err = tls.Listen("tcp", addr, withALPN(tlsConf))
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

// Accept ignores ctx while blocked; close the listener to unblock it.
func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	sess, err := yamux.Server(c, yamux.DefaultConfig(), nil)
	if err != nil {
		c.Close()
		return nil, err
	}
	return &yamuxConn{sess: sess}, nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

// DialTCP connects to addr over TCP, secured with TLS unless tlsConf is nil,
// and starts a yamux client session.
func DialTCP(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	var (
		c   net.Conn
		err error
	)
	if tlsConf != nil {
		d := &tls.Dialer{Config: withALPN(tlsConf)}
		c, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		c, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	sess, err := yamux.Client(c, yamux.DefaultConfig(), nil)
	if err != nil {
		c.Close()
		return nil, err
	}
	return &yamuxConn{sess: sess}, nil
}

type yamuxConn struct {
	sess   *yamux.Session
	nextID atomic.Uint64
}

// AcceptStream ignores ctx while blocked; closing the connection unblocks it.
func (c *yamuxConn) AcceptStream(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := c.sess.AcceptStream()
	if err != nil {
		return nil, err
	}
	return &yamuxStream{Stream: s, id: c.nextID.Add(1)}, nil
}

func (c *yamuxConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.sess.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return &yamuxStream{Stream: s, id: c.nextID.Add(1)}, nil
}

func (c *yamuxConn) RemoteAddr() net.Addr {
	return c.sess.RemoteAddr()
}

func (c *yamuxConn) Close() error {
	return c.sess.Close()
}

type yamuxStream struct {
	*yamux.Stream
	id uint64
}

func (s *yamuxStream) ID() uint64 {
	return s.id
}
