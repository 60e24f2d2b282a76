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

package topic

import (
	"fmt"
	"testing"

	"github.com/turtacn/moq-go/pkg/logging"
	"github.com/turtacn/moq-go/pkg/protocol/mqtt"
)

// BenchmarkRegistrySubscribe measures subscription performance
func BenchmarkRegistrySubscribe(b *testing.B) {
	r := NewRegistry(DefaultCapacity, logging.Discard())

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rx := r.Subscribe(fmt.Sprintf("bench/topic/%d", i%1000))
			rx.Close()
			i++
		}
	})
}

// BenchmarkRegistryPublish measures the publish fast path with one
// subscriber per topic.
func BenchmarkRegistryPublish(b *testing.B) {
	r := NewRegistry(DefaultCapacity, logging.Discard())
	for i := 0; i < 1000; i++ {
		r.Subscribe(fmt.Sprintf("bench/topic/%d", i))
	}
	pk := mqtt.NewPublish("bench", "payload")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = r.Publish(fmt.Sprintf("bench/topic/%d", i%1000), pk)
			i++
		}
	})
}

// BenchmarkRegistryMixed measures mixed operations performance
func BenchmarkRegistryMixed(b *testing.B) {
	r := NewRegistry(DefaultCapacity, logging.Discard())
	pk := mqtt.NewPublish("bench", "payload")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			name := fmt.Sprintf("bench/topic/%d", i%1000)
			switch i % 10 {
			case 0: // 10% subscribe
				r.Subscribe(name).Close()
			case 1, 2: // 20% lookup
				_, _ = r.Lookup(name)
			default: // 70% publish
				_, _ = r.Publish(name, pk)
			}
			i++
		}
	})
}
