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

// package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal is a counter for the total number of transport
	// connections accepted by the broker.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moq_connections_total",
		Help: "The total number of connections made to the broker.",
	})

	// StreamsTotal counts streams accepted across all connections.
	StreamsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moq_streams_total",
		Help: "The total number of streams opened by clients.",
	})

	// PacketsReceivedTotal counts decoded packets by packet type.
	PacketsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moq_packets_received_total",
		Help: "The total number of packets received, by packet type.",
	},
		[]string{"type"},
	)

	// MalformedPacketsTotal counts frames that could not be decoded.
	MalformedPacketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moq_malformed_packets_total",
		Help: "The total number of received frames that failed to decode.",
	})

	// MessagesPublishedTotal counts PUBLISH packets handed to at least one
	// subscriber.
	MessagesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moq_messages_published_total",
		Help: "The total number of messages routed to a topic channel.",
	})

	// MessagesDroppedTotal counts PUBLISH packets that reached no subscriber.
	MessagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moq_messages_dropped_total",
		Help: "The total number of messages published to topics without subscribers.",
	})

	// MessagesForwardedTotal counts packets written to subscriber streams.
	MessagesForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moq_messages_forwarded_total",
		Help: "The total number of messages delivered to subscriber streams.",
	})

	// LaggedMessagesTotal counts messages a slow subscriber skipped.
	LaggedMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moq_lagged_messages_total",
		Help: "The total number of messages skipped by lagging subscribers.",
	})

	// ForwarderExitsTotal counts forwarder terminations by reason.
	ForwarderExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moq_forwarder_exits_total",
		Help: "The total number of subscription forwarders that stopped, by reason.",
	},
		[]string{"reason"},
	)

	// Topics is the number of topics in the registry.
	Topics = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "moq_topics",
		Help: "The number of topics known to the broker.",
	})

	// ActiveTasks is the number of running supervised tasks, by kind.
	ActiveTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "moq_active_tasks",
		Help: "The number of running broker tasks, by kind.",
	},
		[]string{"kind"},
	)

	// TaskPanicsTotal counts supervised tasks that terminated with a panic.
	TaskPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moq_task_panics_total",
		Help: "The total number of broker tasks that panicked, by kind.",
	},
		[]string{"kind"},
	)
)

// Handler returns the HTTP handler exposing /metrics and /healthz. Each
// register function may add further routes.
func Handler(register ...func(*http.ServeMux)) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	for _, r := range register {
		r(mux)
	}
	return mux
}

// Serve exposes the metrics handler on addr until ctx is done.
func Serve(ctx context.Context, addr string, log *slog.Logger, register ...func(*http.ServeMux)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, log, register...)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener, log *slog.Logger, register ...func(*http.ServeMux)) error {
	srv := &http.Server{
		Handler:           Handler(register...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", "address", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
