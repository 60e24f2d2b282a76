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
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryPair(t *testing.T) (client, server Conn) {
	network := NewMemoryNetwork()
	ln, err := network.Listen("mem")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err = network.Dial(ctx, "mem")
	require.NoError(t, err)
	server, err = ln.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, server
}

func TestMemoryNetwork_ListenAndDial(t *testing.T) {
	network := NewMemoryNetwork()
	ln, err := network.Listen("a")
	require.NoError(t, err)
	assert.Equal(t, "a", ln.Addr().String())
	assert.Equal(t, "memory", ln.Addr().Network())

	_, err = network.Listen("a")
	assert.Error(t, err, "address already in use")

	_, err = network.Dial(context.Background(), "b")
	assert.Error(t, err, "nobody listens on b")

	require.NoError(t, ln.Close())
	_, err = ln.Accept(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = network.Dial(context.Background(), "a")
	assert.Error(t, err)

	// The address can be reused once the listener is closed.
	_, err = network.Listen("a")
	assert.NoError(t, err)
}

func TestMemoryConn_Streams(t *testing.T) {
	client, server := memoryPair(t)
	ctx := context.Background()

	s1, err := client.OpenStream(ctx)
	require.NoError(t, err)
	s2, err := client.OpenStream(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())

	r1, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	r2, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, s1.ID(), r1.ID())
	assert.Equal(t, s2.ID(), r2.ID())

	go func() {
		_, _ = s2.Write([]byte("two"))
		_ = s2.Close()
	}()
	data, err := io.ReadAll(r2)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestMemoryConn_CloseEndsEverything(t *testing.T) {
	client, server := memoryPair(t)
	ctx := context.Background()

	s, err := client.OpenStream(ctx)
	require.NoError(t, err)
	r, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	accepted := make(chan error, 1)
	go func() {
		_, err := server.AcceptStream(ctx)
		accepted <- err
	}()

	require.NoError(t, client.Close())

	select {
	case err := <-accepted:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptStream did not return after close")
	}

	_, err = r.Read(make([]byte, 1))
	assert.Error(t, err)
	_, err = s.Write([]byte("x"))
	assert.Error(t, err)
	_, err = client.OpenStream(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryConn_AcceptHonoursContext(t *testing.T) {
	_, server := memoryPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := server.AcceptStream(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
