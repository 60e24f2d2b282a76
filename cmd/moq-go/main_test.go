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

package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/moq-go/pkg/config"
)

func noEnv(string) (string, bool) { return "", false }

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestParseArgs_Defaults(t *testing.T) {
	cfg, opts, err := parseArgs([]string{"broker"}, io.Discard, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "broker", opts.command)
	assert.Equal(t, config.RoleBroker, cfg.Role)
	assert.Equal(t, "0.0.0.0:54321", cfg.HostPort())
	assert.Equal(t, "./certs/quicrs.crt", cfg.CertFile)
	assert.Equal(t, "Test", cfg.Client.Topic)
}

func TestParseArgs_Layering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moq.yaml")
	fileCfg := config.DefaultConfig()
	fileCfg.Port = 1000
	fileCfg.Client.Topic = "from-file"
	fileCfg.Client.Message = "from-file"
	fileCfg.Address = "10.0.0.1"
	require.NoError(t, config.SaveConfig(fileCfg, path))

	env := envFrom(map[string]string{
		config.EnvTopic:   "from-env",
		config.EnvMessage: "from-env",
	})
	cfg, opts, err := parseArgs([]string{"-config", path, "-message", "from-flag", "-linger", "0s", "publisher"}, io.Discard, env)
	require.NoError(t, err)

	assert.Equal(t, "publisher", opts.command)
	assert.Equal(t, config.RolePublisher, cfg.Role)
	assert.Equal(t, "10.0.0.1:1000", cfg.HostPort(), "file overrides defaults")
	assert.Equal(t, "from-env", cfg.Client.Topic, "environment overrides file")
	assert.Equal(t, "from-flag", cfg.Client.Message, "flags override environment")
	assert.Equal(t, config.Duration(0), cfg.Client.Linger)
}

func TestParseArgs_ServerAlias(t *testing.T) {
	cfg, _, err := parseArgs([]string{"server"}, io.Discard, noEnv)
	require.NoError(t, err)
	assert.Equal(t, config.RoleBroker, cfg.Role)
}

func TestParseArgs_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"no command", nil, nil},
		{"two commands", []string{"broker", "publisher"}, nil},
		{"unknown command", []string{"client"}, nil},
		{"unknown flag", []string{"-nope", "broker"}, nil},
		{"port out of range", []string{"-port", "70000", "broker"}, nil},
		{"bad env port", []string{"broker"}, map[string]string{config.EnvPort: "x"}},
		{"bad transport", []string{"-transport", "udp", "broker"}, nil},
		{"missing config file", []string{"-config", "/does/not/exist.yaml", "broker"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseArgs(tt.args, io.Discard, envFrom(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestGencert(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "certs", "broker.crt")
	key := filepath.Join(dir, "certs", "broker.key")

	var out bytes.Buffer
	err := run(context.Background(), []string{"-cert", cert, "-key", key, "-hosts", "localhost, example.test", "gencert"}, &out, io.Discard, noEnv)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Certificate written to "+cert)
	assert.Contains(t, out.String(), "Hosts: localhost, example.test")
	assert.Contains(t, out.String(), "SHA-256 fingerprint:")
	assert.FileExists(t, key)
}

func TestGenconfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moq.json")

	var out bytes.Buffer
	err := run(context.Background(), []string{"-config", path, "-topic", "room1", "genconfig"}, &out, io.Discard, noEnv)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Sample configuration saved to "+path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "room1", cfg.Client.Topic)

	assert.Error(t, run(context.Background(), []string{"genconfig"}, io.Discard, io.Discard, noEnv))
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
}

func TestRun_PublishSubscribeOverTCP(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "broker.crt")
	key := filepath.Join(dir, "broker.key")
	require.NoError(t, run(context.Background(), []string{"-cert", cert, "-key", key, "gencert"}, io.Discard, io.Discard, noEnv))

	common := []string{"-address", "127.0.0.1", "-port", freePort(t), "-transport", "tcp", "-cert", cert, "-key", key, "-topic", "room1"}
	args := func(extra ...string) []string {
		return append(append([]string{}, common...), extra...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsAddr := "127.0.0.1:" + freePort(t)
	brokerDone := make(chan error, 1)
	go func() { brokerDone <- run(ctx, args("-metrics", metricsAddr, "broker"), io.Discard, io.Discard, noEnv) }()

	subCtx, stopSub := context.WithCancel(ctx)
	defer stopSub()
	var subOut syncBuffer
	subDone := make(chan error, 1)
	go func() {
		// The broker may not be listening yet.
		for {
			err := run(subCtx, args("subscriber"), &subOut, io.Discard, noEnv)
			if err == nil || subCtx.Err() != nil {
				subDone <- err
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	// Publish until the subscriber has registered and printed the message.
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(subOut.String(), "hello over tcp") {
		require.True(t, time.Now().Before(deadline), "subscriber never received the message")
		_ = run(ctx, args("-message", "hello over tcp", "-linger", "100ms", "publisher"), io.Discard, io.Discard, noEnv)
		time.Sleep(50 * time.Millisecond)
	}
	assert.Contains(t, subOut.String(), "FROM PUBLISHER\nHeader: '0b00110000'\nhello over tcp")

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://" + metricsAddr + "/health")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"listener"`)

	stopSub()
	assert.NoError(t, <-subDone)

	cancel()
	select {
	case err := <-brokerDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not stop")
	}
}
