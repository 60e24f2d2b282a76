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

// package supervisor tracks the broker's concurrent tasks: one per
// connection, one per stream receive loop and one per subscription
// forwarder. Every task runs in its own goroutine under a context derived
// from the one it was started with, so cancelling a parent context reaches all
// of its descendants. Tasks are never restarted.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/turtacn/moq-go/pkg/metrics"
)

// Kind classifies a task for logging and metrics.
type Kind string

const (
	KindConnection Kind = "connection"
	KindStream     Kind = "stream"
	KindForwarder  Kind = "forwarder"
)

// Spec describes one supervised task.
type Spec struct {
	// ID identifies the task in logs.
	ID string
	// Kind groups tasks in metrics.
	Kind Kind
	// Run is the task body. It should return when ctx is done.
	Run func(ctx context.Context) error
}

// Supervisor starts and tracks tasks.
type Supervisor struct {
	log    *slog.Logger
	wg     sync.WaitGroup
	active atomic.Int64
}

// New creates a supervisor that logs task terminations to log.
func New(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log}
}

// Go runs spec in a new goroutine and returns a function that cancels the
// task's context. The cancel function may be ignored; the task's context is
// also released when the task returns.
func (s *Supervisor) Go(ctx context.Context, spec Spec) context.CancelFunc {
	taskCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	s.active.Add(1)
	metrics.ActiveTasks.WithLabelValues(string(spec.Kind)).Inc()

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.active.Add(-1)
			metrics.ActiveTasks.WithLabelValues(string(spec.Kind)).Dec()
		}()

		err := s.run(taskCtx, spec)
		if err != nil {
			s.log.Debug("task terminated", "task", spec.ID, "kind", spec.Kind, "error", err)
			return
		}
		s.log.Debug("task finished", "task", spec.ID, "kind", spec.Kind)
	}()
	return cancel
}

// run invokes the task body, converting a panic into an error so a single
// faulty task cannot take the process down.
func (s *Supervisor) run(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskPanicsTotal.WithLabelValues(string(spec.Kind)).Inc()
			s.log.Error("task panicked", "task", spec.ID, "kind", spec.Kind, "panic", r)
			err = fmt.Errorf("task %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Run(ctx)
}

// Active returns the number of running tasks.
func (s *Supervisor) Active() int64 {
	return s.active.Load()
}

// Wait blocks until every task started so far has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
