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

// Package topic provides the broker's process-wide topic registry. It maps
// topic names to bounded fan-out channels so that a PUBLISH on one stream can
// be delivered to every stream currently subscribed to the same topic.
//
// Topics are created lazily by the first subscription and are never removed.
package topic

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/turtacn/moq-go/pkg/fanout"
	"github.com/turtacn/moq-go/pkg/metrics"
	"github.com/turtacn/moq-go/pkg/protocol/mqtt"
)

// DefaultCapacity is the number of messages each topic channel retains for
// slow subscribers.
const DefaultCapacity = 100

// Channel is the fan-out channel backing one topic.
type Channel = fanout.Channel[*mqtt.Packet]

// Receiver is one subscription's read side of a topic channel.
type Receiver = fanout.Receiver[*mqtt.Packet]

// Registry is a concurrency-safe map from topic name to fan-out channel.
// Lookups take a read lock; only topic creation takes the write lock.
type Registry struct {
	mu       sync.RWMutex
	topics   map[string]*Channel
	capacity int
	log      *slog.Logger
}

// NewRegistry creates an empty registry whose channels retain capacity
// messages each. A non-positive capacity selects DefaultCapacity.
func NewRegistry(capacity int, log *slog.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		topics:   make(map[string]*Channel),
		capacity: capacity,
		log:      log,
	}
}

// Capacity returns the per-topic channel capacity.
func (r *Registry) Capacity() int {
	return r.capacity
}

// GetOrCreate returns the channel for name, creating it if needed.
func (r *Registry) GetOrCreate(name string) *Channel {
	r.mu.RLock()
	ch, ok := r.topics[name]
	r.mu.RUnlock()
	if ok {
		return ch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another subscriber may have created it between the two locks.
	if ch, ok = r.topics[name]; ok {
		return ch
	}
	ch = fanout.New[*mqtt.Packet](r.capacity)
	r.topics[name] = ch
	metrics.Topics.Set(float64(len(r.topics)))
	r.log.Info("created topic channel", "topic", name, "capacity", r.capacity)
	return ch
}

// Subscribe returns a receiver for name positioned at the channel's current
// head. Messages published before this call are never delivered to it.
func (r *Registry) Subscribe(name string) *Receiver {
	return r.GetOrCreate(name).Subscribe()
}

// Publish pushes pk to every current subscriber of name and returns how many
// receivers were attached. Publishing to a topic that has never been
// subscribed to is a silent no-op. Publish never blocks on slow subscribers.
func (r *Registry) Publish(name string, pk *mqtt.Packet) (int, error) {
	r.mu.RLock()
	ch, ok := r.topics[name]
	r.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return ch.Send(pk)
}

// Lookup returns the channel for name without creating it.
func (r *Registry) Lookup(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.topics[name]
	return ch, ok
}

// Topics returns the registered topic names in sorted order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of registered topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// Close closes every topic channel. Receivers drain what is retained and
// then observe fanout.ErrClosed, which ends their forwarders.
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.topics {
		ch.Close()
	}
}
