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

// Package client implements the publisher and subscriber roles: each opens a
// single stream to the broker, sends one packet and then idles or listens.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/turtacn/moq-go/pkg/protocol/mqtt"
	"github.com/turtacn/moq-go/pkg/transport"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultLinger  = 10 * time.Second
)

// Options configures the client roles.
type Options struct {
	Topic   string
	Message string
	// Timeout is how long a subscriber waits for a packet before it logs
	// and waits again.
	Timeout time.Duration
	// Linger is how long a publisher keeps the connection after sending.
	Linger time.Duration
	// MaxFrameSize bounds one received packet. Zero means
	// transport.DefaultMaxFrameSize.
	MaxFrameSize int
	Log          *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o.Log == nil {
		return slog.Default()
	}
	return o.Log
}

// Handler is called for every packet a subscriber receives.
type Handler func(pk *mqtt.Packet)

// Printer returns a Handler that writes each packet's debug rendering to w.
func Printer(w io.Writer) Handler {
	return func(pk *mqtt.Packet) {
		prefix := "UNKNOWN MESSAGE"
		if pk.Type() == mqtt.TypePUBLISH {
			prefix = "FROM PUBLISHER"
		}
		fmt.Fprintln(w, pk.DebugString(prefix))
	}
}

// Publish sends one PUBLISH of opts.Message to opts.Topic on a new stream,
// closes the sending side and then idles for opts.Linger or until ctx is
// done.
func Publish(ctx context.Context, conn transport.Conn, opts Options) error {
	log := opts.logger().With("role", "publisher", "topic", opts.Topic)

	s, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	_, out := transport.Split(s, opts.MaxFrameSize)

	pk := mqtt.NewPublish(opts.Topic, opts.Message)
	log.Debug(pk.DebugString("TO SERVER"))
	if err := out.WritePacket(pk); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	if err := out.Close(); err != nil {
		log.Debug("closing stream failed", "error", err)
	}
	log.Info("published message", "bytes", len(opts.Message))

	linger := opts.Linger
	if linger <= 0 {
		return nil
	}
	t := time.NewTimer(linger)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return nil
}

type readResult struct {
	pk  *mqtt.Packet
	err error
}

// Subscribe sends one SUBSCRIBE for opts.Topic on a new stream and passes
// every received packet to h. It returns nil when the broker ends the stream
// or ctx is done, and an error for any other read failure. Quiet periods
// longer than opts.Timeout are not errors.
func Subscribe(ctx context.Context, conn transport.Conn, opts Options, h Handler) error {
	log := opts.logger().With("role", "subscriber", "topic", opts.Topic)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	in, out := transport.Split(s, opts.MaxFrameSize)
	defer out.Close()

	pk := mqtt.NewSubscribe(opts.Topic)
	log.Debug(pk.DebugString("TO SERVER"))
	if err := out.WritePacket(pk); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	log.Info("subscriber listening for messages")

	done := make(chan struct{})
	defer close(done)
	results := make(chan readResult, 1)
	go func() {
		for {
			pk, err := in.ReadPacket()
			select {
			case results <- readResult{pk: pk, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case r := <-results:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					log.Info("stream closed by broker")
					return nil
				}
				return fmt.Errorf("failed to receive: %w", r.err)
			}
			h(r.pk)
		case <-t.C:
			log.Debug("no message received", "timeout", timeout)
		case <-ctx.Done():
			return nil
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(timeout)
	}
}
