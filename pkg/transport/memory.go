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
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// MemoryNetwork is a process-local transport. Every stream is a net.Pipe, so
// writes block until the peer reads. It is intended for tests.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryListener
	dials     atomic.Uint64
}

// NewMemoryNetwork returns an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*MemoryListener)}
}

// Listen registers a listener under addr.
func (n *MemoryNetwork) Listen(addr string) (*MemoryListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("memory address %s already in use", addr)
	}
	l := &MemoryListener{
		network: n,
		addr:    memoryAddr(addr),
		conns:   make(chan Conn, 16),
		done:    make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// Dial connects to the listener registered under addr.
func (n *MemoryNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory address %s: connection refused", addr)
	}

	sess := &memorySession{done: make(chan struct{})}
	local := memoryAddr(fmt.Sprintf("client-%d", n.dials.Add(1)))
	client := &memoryConn{sess: sess, local: local, remote: l.addr, incoming: make(chan Stream, 16)}
	server := &memoryConn{sess: sess, local: l.addr, remote: local, incoming: make(chan Stream, 16)}
	client.peer, server.peer = server, client

	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MemoryListener accepts connections dialled through its MemoryNetwork.
type MemoryListener struct {
	network *MemoryNetwork
	addr    memoryAddr
	conns   chan Conn
	done    chan struct{}
	once    sync.Once
}

func (l *MemoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Addr() net.Addr {
	return l.addr
}

func (l *MemoryListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.mu.Lock()
		delete(l.network.listeners, string(l.addr))
		l.network.mu.Unlock()
	})
	return nil
}

// memorySession is shared by both ends of a memory connection.
type memorySession struct {
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	pipes  []net.Conn
	nextID atomic.Uint64
}

func (s *memorySession) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, p := range s.pipes {
			p.Close()
		}
		s.pipes = nil
	})
}

type memoryConn struct {
	sess     *memorySession
	local    memoryAddr
	remote   memoryAddr
	peer     *memoryConn
	incoming chan Stream
}

func (c *memoryConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-c.sess.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryConn) OpenStream(ctx context.Context) (Stream, error) {
	local, remote := net.Pipe()
	id := c.sess.nextID.Add(1)

	c.sess.mu.Lock()
	select {
	case <-c.sess.done:
		c.sess.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.sess.pipes = append(c.sess.pipes, local, remote)
	c.sess.mu.Unlock()

	select {
	case c.peer.incoming <- &memoryStream{Conn: remote, id: id}:
		return &memoryStream{Conn: local, id: id}, nil
	case <-c.sess.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryConn) RemoteAddr() net.Addr {
	return c.remote
}

// Close tears down the whole session, closing every stream on both ends.
func (c *memoryConn) Close() error {
	c.sess.close()
	return nil
}

type memoryStream struct {
	net.Conn
	id uint64
}

func (s *memoryStream) ID() uint64 {
	return s.id
}

type memoryAddr string

func (a memoryAddr) Network() string { return "memory" }
func (a memoryAddr) String() string  { return string(a) }
