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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, RoleBroker, cfg.Role)
	assert.Equal(t, "0.0.0.0", cfg.Address)
	assert.Equal(t, uint16(54321), cfg.Port)
	assert.Equal(t, "./certs/quicrs.crt", cfg.CertFile)
	assert.Equal(t, "./certs/quicrs.key", cfg.KeyFile)
	assert.Equal(t, "quic", cfg.Transport)
	assert.Equal(t, 100, cfg.Broker.ChannelCapacity)
	assert.False(t, cfg.Broker.CancelForwardersOnStreamClose)
	assert.Equal(t, "Test", cfg.Client.Topic)
	assert.Equal(t, "Hello, World!", cfg.Client.Message)
	assert.Equal(t, Duration(10*time.Second), cfg.Client.ReadTimeout)
	assert.Equal(t, "0.0.0.0:54321", cfg.HostPort())
	assert.NoError(t, cfg.Validate())
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"broker", RoleBroker},
		{"server", RoleBroker},
		{"Publisher", RolePublisher},
		{" SUBSCRIBER ", RoleSubscriber},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseRole("client")
	assert.Error(t, err)
}

func TestLoadConfigYAML(t *testing.T) {
	yamlContent := `
role: subscriber
address: 127.0.0.1
port: 4433
cert_file: /etc/moq/ca.crt
transport: tcp
broker:
  channel_capacity: 16
  cancel_forwarders_on_stream_close: true
client:
  topic: room1
  read_timeout: 2s
  linger: 500ms
`
	tmpFile := createTempFile(t, "config.yaml", yamlContent)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, RoleSubscriber, cfg.Role)
	assert.Equal(t, "127.0.0.1:4433", cfg.HostPort())
	assert.Equal(t, "/etc/moq/ca.crt", cfg.CertFile)
	assert.Equal(t, "tcp", cfg.Transport)
	assert.Equal(t, 16, cfg.Broker.ChannelCapacity)
	assert.True(t, cfg.Broker.CancelForwardersOnStreamClose)
	assert.Equal(t, "room1", cfg.Client.Topic)
	assert.Equal(t, Duration(2*time.Second), cfg.Client.ReadTimeout)
	assert.Equal(t, Duration(500*time.Millisecond), cfg.Client.Linger)
	// Unset fields keep their defaults
	assert.Equal(t, "Hello, World!", cfg.Client.Message)
	assert.Equal(t, 1024*1024, cfg.Broker.MaxFrameSize)
}

func TestLoadConfigJSON(t *testing.T) {
	jsonContent := `{
  "role": "publisher",
  "port": 6000,
  "client": {"topic": "news", "message": "hello", "linger": "1s"}
}`
	tmpFile := createTempFile(t, "config.json", jsonContent)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, RolePublisher, cfg.Role)
	assert.Equal(t, uint16(6000), cfg.Port)
	assert.Equal(t, "news", cfg.Client.Topic)
	assert.Equal(t, "hello", cfg.Client.Message)
	assert.Equal(t, Duration(time.Second), cfg.Client.Linger)
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigNonExistent(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name, file, content, errPart string
	}{
		{"bad yaml", "invalid.yaml", "role: [broker", "failed to parse"},
		{"bad duration", "duration.yaml", "client:\n  read_timeout: soon\n", "failed to parse"},
		{"bad role", "role.yaml", "role: client\n", "unknown role"},
		{"bad transport", "transport.yaml", "transport: udp\n", "unsupported transport"},
		{"unknown extension", "config.toml", "role = 'broker'", "unsupported config file format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(createTempFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, name := range []string{"saved.yaml", "saved.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Client.Topic = "room1"
			cfg.Client.ReadTimeout = Duration(3 * time.Second)

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}

	assert.Error(t, SaveConfig(DefaultConfig(), filepath.Join(t.TempDir(), "config.ini")))
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvAddress:  "10.0.0.1",
		EnvPort:     "7000",
		EnvCertFile: "/tmp/a.crt",
		EnvKeyFile:  "/tmp/a.key",
		EnvTopic:    "room9",
		EnvMessage:  "ping",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "10.0.0.1:7000", cfg.HostPort())
	assert.Equal(t, "/tmp/a.crt", cfg.CertFile)
	assert.Equal(t, "/tmp/a.key", cfg.KeyFile)
	assert.Equal(t, "room9", cfg.Client.Topic)
	assert.Equal(t, "ping", cfg.Client.Message)

	env[EnvPort] = "99999"
	assert.Error(t, DefaultConfig().ApplyEnv(lookup))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Address = "" }},
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"no cert", func(c *Config) { c.CertFile = "" }},
		{"broker without key", func(c *Config) { c.KeyFile = "" }},
		{"zero capacity", func(c *Config) { c.Broker.ChannelCapacity = 0 }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"subscriber without topic", func(c *Config) { c.Role = RoleSubscriber; c.Client.Topic = "" }},
		{"subscriber without timeout", func(c *Config) { c.Role = RoleSubscriber; c.Client.ReadTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// A publisher does not need a key file
	cfg := DefaultConfig()
	cfg.Role = RolePublisher
	cfg.KeyFile = ""
	assert.NoError(t, cfg.Validate())

	cfg.Role = "server"
	cfg.KeyFile = "k"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, RoleBroker, cfg.Role)
}

func createTempFile(t *testing.T, filename, content string) string {
	tmpFile := filepath.Join(t.TempDir(), filename)
	err := os.WriteFile(tmpFile, []byte(content), 0644)
	require.NoError(t, err)
	return tmpFile
}
