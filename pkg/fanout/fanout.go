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

// Package fanout implements a bounded one-to-many broadcast channel.
//
// A Channel keeps the most recent values in a fixed size ring. Sending never
// blocks: when the ring is full the oldest value is overwritten. Each Receiver
// tracks its own position; a receiver that falls further behind than the ring
// capacity is told how many values it missed through a LaggedError and then
// continues from the oldest value still retained.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned by Send on a closed channel, and by Recv once a
	// closed channel has been drained.
	ErrClosed = errors.New("fanout channel closed")
	// ErrEmpty is returned by TryRecv when no value is ready.
	ErrEmpty = errors.New("fanout channel empty")
)

// LaggedError reports that a receiver was overrun and Skipped values were
// discarded before it could read them.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("receiver lagged behind, %d messages skipped", e.Skipped)
}

// Channel is a broadcast channel with a fixed capacity.
type Channel[T any] struct {
	mu sync.Mutex

	// ring holds the last cap(ring) values. The value with sequence number
	// n lives at ring[n % cap].
	ring []T
	// head is the sequence number the next Send will use.
	head uint64
	// wake is closed and replaced on every Send and on Close.
	wake chan struct{}

	receivers int
	closed    bool
}

// New returns a channel retaining up to capacity values. A capacity below one
// is treated as one.
func New[T any](capacity int) *Channel[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel[T]{
		ring: make([]T, capacity),
		wake: make(chan struct{}),
	}
}

// Cap returns the ring capacity.
func (c *Channel[T]) Cap() int {
	return len(c.ring)
}

// Send stores v and wakes every waiting receiver. It returns the number of
// receivers attached at the time of the send. Sending with no receivers is
// not an error; the value is retained but nobody will read it.
func (c *Channel[T]) Send(v T) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	c.ring[c.head%uint64(len(c.ring))] = v
	c.head++
	close(c.wake)
	c.wake = make(chan struct{})
	return c.receivers, nil
}

// Subscribe attaches a new receiver positioned at the current head. It only
// observes values sent after this call returns.
func (c *Channel[T]) Subscribe() *Receiver[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.receivers++
	return &Receiver[T]{ch: c, next: c.head}
}

// ReceiverCount returns the number of attached receivers.
func (c *Channel[T]) ReceiverCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivers
}

// Close stops the channel. Receivers may still drain retained values before
// observing ErrClosed. Closing twice is a no-op.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.wake)
}

// oldest returns the lowest sequence number still held in the ring.
// c.mu must be held.
func (c *Channel[T]) oldest() uint64 {
	size := uint64(len(c.ring))
	if c.head <= size {
		return 0
	}
	return c.head - size
}

// Receiver is one subscriber's view of a Channel. A Receiver must only be
// used from a single goroutine.
type Receiver[T any] struct {
	ch       *Channel[T]
	next     uint64
	detached bool
}

// Recv blocks until the next value is available, the channel is closed and
// drained, or ctx is done.
//
// If the receiver was overrun, Recv returns a *LaggedError and moves the
// receiver to the oldest retained value; the following call returns it.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	for {
		v, wake, err := r.poll()
		if err != ErrEmpty {
			return v, err
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wake:
		}
	}
}

// TryRecv returns the next value without blocking. It returns ErrEmpty when
// the receiver is caught up.
func (r *Receiver[T]) TryRecv() (T, error) {
	v, _, err := r.poll()
	return v, err
}

func (r *Receiver[T]) poll() (T, <-chan struct{}, error) {
	var zero T
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if oldest := c.oldest(); r.next < oldest {
		skipped := oldest - r.next
		r.next = oldest
		return zero, nil, &LaggedError{Skipped: skipped}
	}
	if r.next < c.head {
		v := c.ring[r.next%uint64(len(c.ring))]
		r.next++
		return v, nil, nil
	}
	if c.closed {
		return zero, nil, ErrClosed
	}
	return zero, c.wake, ErrEmpty
}

// Len returns how many retained values the receiver has not read yet.
func (r *Receiver[T]) Len() int {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	next := r.next
	if oldest := c.oldest(); next < oldest {
		next = oldest
	}
	return int(c.head - next)
}

// Close detaches the receiver from its channel. It is safe to call more than
// once.
func (r *Receiver[T]) Close() {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.detached {
		return
	}
	r.detached = true
	c.receivers--
}
