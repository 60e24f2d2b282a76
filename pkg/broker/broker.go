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

// Package broker contains the routing core: it accepts transport
// connections, runs one receive loop per client stream and fans published
// packets out to the streams subscribed to their topic.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/turtacn/moq-go/pkg/metrics"
	"github.com/turtacn/moq-go/pkg/protocol/mqtt"
	"github.com/turtacn/moq-go/pkg/supervisor"
	"github.com/turtacn/moq-go/pkg/topic"
	"github.com/turtacn/moq-go/pkg/transport"
)

// Options tunes the broker.
type Options struct {
	// ChannelCapacity is the number of messages retained per topic for slow
	// subscribers. Zero means topic.DefaultCapacity.
	ChannelCapacity int
	// MaxFrameSize bounds one encoded packet. Zero means
	// transport.DefaultMaxFrameSize.
	MaxFrameSize int
	// CancelForwardersOnStreamClose stops the subscriptions of a stream as
	// soon as its receive loop ends. When false, a subscription keeps running
	// until its next write fails, the topic channel closes or the connection
	// goes away.
	CancelForwardersOnStreamClose bool
}

// Broker routes packets between client streams.
type Broker struct {
	opts   Options
	log    *slog.Logger
	topics *topic.Registry
	sup    *supervisor.Supervisor
}

// New creates a new Broker with an empty topic registry.
func New(opts Options, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	if opts.ChannelCapacity <= 0 {
		opts.ChannelCapacity = topic.DefaultCapacity
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = transport.DefaultMaxFrameSize
	}
	return &Broker{
		opts:   opts,
		log:    log,
		topics: topic.NewRegistry(opts.ChannelCapacity, log),
		sup:    supervisor.New(log),
	}
}

// Topics returns the broker's topic registry.
func (b *Broker) Topics() *topic.Registry {
	return b.topics
}

// ActiveTasks returns the number of running connection, stream and
// subscription tasks.
func (b *Broker) ActiveTasks() int64 {
	return b.sup.Active()
}

// Serve accepts connections from ln until ctx is done, then closes ln and
// waits for every task it started to finish. An accept failure that is not
// caused by ctx is returned without waiting.
func (b *Broker) Serve(ctx context.Context, ln transport.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	b.log.Info("broker listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.log.Info("listener is shutting down", "addr", ln.Addr().String())
				b.sup.Wait()
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		b.ServeConn(ctx, conn)
	}
}

// ServeConn starts a task that accepts streams on conn until the connection
// ends or ctx is done.
func (b *Broker) ServeConn(ctx context.Context, conn transport.Conn) {
	id := uuid.NewString()
	b.sup.Go(ctx, supervisor.Spec{
		ID:   "conn-" + id,
		Kind: supervisor.KindConnection,
		Run: func(ctx context.Context) error {
			return b.handleConnection(ctx, id, conn)
		},
	})
}

// handleConnection runs the accept-stream loop of a single connection.
func (b *Broker) handleConnection(ctx context.Context, id string, conn transport.Conn) error {
	metrics.ConnectionsTotal.Inc()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	log := b.log.With("conn", id, "remote", conn.RemoteAddr().String())
	log.Info("accepted connection")

	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			log.Info("connection closed", "error", err)
			return nil
		}
		metrics.StreamsTotal.Inc()
		streamLog := log.With("stream", s.ID())
		b.sup.Go(ctx, supervisor.Spec{
			ID:   fmt.Sprintf("stream-%s/%d", id, s.ID()),
			Kind: supervisor.KindStream,
			Run: func(ctx context.Context) error {
				return b.handleStream(ctx, id, s, streamLog)
			},
		})
	}
}

// streamState is the receive-loop state of one stream.
type streamState int

const (
	stateReading streamState = iota
	stateClosed
)

func (s streamState) String() string {
	switch s {
	case stateReading:
		return "reading"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("streamState(%d)", int(s))
	}
}

// session is the per-stream context shared by the receive loop and the
// forwarders it spawns.
type session struct {
	connID string
	stream transport.Stream
	out    *transport.WriteHalf
	log    *slog.Logger

	// ctx scopes the stream's forwarders.
	ctx        context.Context
	forwarders sync.WaitGroup
}

// handleStream runs the receive loop of one stream. Packets are processed in
// arrival order. The write half is closed once the loop has ended and every
// forwarder writing to it has stopped.
func (b *Broker) handleStream(ctx context.Context, connID string, s transport.Stream, log *slog.Logger) error {
	in, out := transport.Split(s, b.opts.MaxFrameSize)

	fwdCtx, cancelForwarders := context.WithCancel(ctx)
	defer cancelForwarders()
	sess := &session{connID: connID, stream: s, out: out, log: log, ctx: fwdCtx}

	state := stateReading
	log.Debug("stream opened", "state", state)
	for state == stateReading {
		pk, err := in.ReadPacket()
		switch {
		case err == nil:
			b.dispatch(sess, pk)
		case errors.Is(err, mqtt.ErrMalformedPacket):
			metrics.MalformedPacketsTotal.Inc()
			log.Warn("dropped malformed packet", "error", err)
		default:
			if !errors.Is(err, io.EOF) {
				log.Debug("stream read failed", "error", err)
			}
			state = stateClosed
		}
	}
	log.Debug("stream receive loop ended", "state", state)

	if b.opts.CancelForwardersOnStreamClose {
		cancelForwarders()
	}
	sess.forwarders.Wait()
	return out.Close()
}

// dispatch handles one decoded packet.
func (b *Broker) dispatch(sess *session, pk *mqtt.Packet) {
	t := pk.Type()
	metrics.PacketsReceivedTotal.WithLabelValues(t.String()).Inc()
	sess.log.Debug("received packet", "type", t.String(), "topic", pk.Topic)

	switch t {
	case mqtt.TypePUBLISH:
		b.publish(sess, pk)
	case mqtt.TypeSUBSCRIBE:
		b.subscribe(sess, pk.Topic)
	case mqtt.TypeCONNECT, mqtt.TypeCONNACK, mqtt.TypePUBACK, mqtt.TypePUBREC,
		mqtt.TypePUBREL, mqtt.TypePUBCOMP, mqtt.TypeSUBACK, mqtt.TypeUNSUBSCRIBE,
		mqtt.TypeUNSUBACK, mqtt.TypePINGREQ, mqtt.TypePINGRESP, mqtt.TypeDISCONNECT:
		sess.log.Info("ignoring unimplemented packet type", "type", t.String())
	default:
		sess.log.Warn("ignoring unknown packet type", "type", t.String())
	}
}

func (b *Broker) publish(sess *session, pk *mqtt.Packet) {
	n, err := b.topics.Publish(pk.Topic, pk)
	if err != nil {
		sess.log.Warn("publish failed", "topic", pk.Topic, "error", err)
		return
	}
	if n == 0 {
		metrics.MessagesDroppedTotal.Inc()
		sess.log.Debug("no subscribers for topic", "topic", pk.Topic)
		return
	}
	metrics.MessagesPublishedTotal.Inc()
	sess.log.Debug("routed message", "topic", pk.Topic, "subscribers", n)
}

func (b *Broker) subscribe(sess *session, name string) {
	f := &forwarder{
		topic: name,
		rx:    b.topics.Subscribe(name),
		out:   sess.out,
		log:   sess.log.With("topic", name),
	}
	sess.forwarders.Add(1)
	b.sup.Go(sess.ctx, supervisor.Spec{
		ID:   fmt.Sprintf("forwarder-%s/%d/%s", sess.connID, sess.stream.ID(), name),
		Kind: supervisor.KindForwarder,
		Run: func(ctx context.Context) error {
			defer sess.forwarders.Done()
			return f.run(ctx)
		},
	})
	sess.log.Info("subscribed", "topic", name)
}
