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

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/turtacn/moq-go/pkg/fanout"
	"github.com/turtacn/moq-go/pkg/metrics"
	"github.com/turtacn/moq-go/pkg/topic"
	"github.com/turtacn/moq-go/pkg/transport"
)

// Forwarder exit reasons, used as metric labels.
const (
	exitChannelClosed = "channel_closed"
	exitCancelled     = "cancelled"
	exitWriteFailed   = "write_failed"
)

// forwarder copies the packets of one topic subscription onto a stream.
// Several forwarders may share one write half.
type forwarder struct {
	topic string
	rx    *topic.Receiver
	out   *transport.WriteHalf
	log   *slog.Logger
}

func (f *forwarder) run(ctx context.Context) error {
	defer f.rx.Close()

	for {
		pk, err := f.rx.Recv(ctx)
		if err != nil {
			var lagged *fanout.LaggedError
			switch {
			case errors.As(err, &lagged):
				metrics.LaggedMessagesTotal.Add(float64(lagged.Skipped))
				f.log.Warn("subscriber lagged", "skipped", lagged.Skipped)
				continue
			case errors.Is(err, fanout.ErrClosed):
				f.exit(exitChannelClosed)
				return nil
			case ctx.Err() != nil:
				f.exit(exitCancelled)
				return nil
			default:
				return err
			}
		}

		if err := f.out.WritePacket(pk); err != nil {
			f.exit(exitWriteFailed)
			return fmt.Errorf("forward %q: %w", f.topic, err)
		}
		metrics.MessagesForwardedTotal.Inc()
	}
}

func (f *forwarder) exit(reason string) {
	metrics.ForwarderExitsTotal.WithLabelValues(reason).Inc()
	f.log.Debug("forwarder stopped", "reason", reason)
}
