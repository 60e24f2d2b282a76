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

// Package config provides configuration management for moq-go: the broker's
// listen address and certificates, the client roles' topic and message, and
// the tuning knobs of the routing core.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Role selects what the process runs as.
type Role string

const (
	RoleBroker     Role = "broker"
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// ParseRole parses a role name case-insensitively. "server" is accepted as
// an alias for broker.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "broker", "server":
		return RoleBroker, nil
	case "publisher":
		return RolePublisher, nil
	case "subscriber":
		return RoleSubscriber, nil
	default:
		return "", fmt.Errorf("unknown role %q (supported: broker, publisher, subscriber)", s)
	}
}

// Duration is a time.Duration that reads and writes as a string such as "10s".
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.set(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// BrokerConfig holds the routing core settings.
type BrokerConfig struct {
	// ChannelCapacity is the number of messages each topic retains for slow
	// subscribers before they start skipping.
	ChannelCapacity int `yaml:"channel_capacity" json:"channel_capacity"`
	// MaxFrameSize bounds a single encoded packet on the wire.
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size"`
	// MaxIncomingStreams bounds concurrently open client streams per connection.
	MaxIncomingStreams int64 `yaml:"max_incoming_streams" json:"max_incoming_streams"`
	// CancelForwardersOnStreamClose stops a stream's subscriptions as soon as
	// its receive loop ends instead of when their next write fails.
	CancelForwardersOnStreamClose bool `yaml:"cancel_forwarders_on_stream_close" json:"cancel_forwarders_on_stream_close"`
	// MetricsAddr exposes Prometheus metrics when not empty.
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// ClientConfig holds the publisher and subscriber settings.
type ClientConfig struct {
	Topic   string `yaml:"topic" json:"topic"`
	Message string `yaml:"message" json:"message"`
	// ServerName is the name the broker certificate is verified against.
	ServerName string `yaml:"server_name" json:"server_name"`
	// ReadTimeout is how long a subscriber waits before polling again.
	ReadTimeout Duration `yaml:"read_timeout" json:"read_timeout"`
	// Linger is how long a publisher keeps its connection open after sending.
	Linger Duration `yaml:"linger" json:"linger"`
}

// Config holds the complete configuration
type Config struct {
	Role      Role     `yaml:"role" json:"role"`
	Address   string   `yaml:"address" json:"address"`
	Port      uint16   `yaml:"port" json:"port"`
	CertFile  string   `yaml:"cert_file" json:"cert_file"`
	KeyFile   string   `yaml:"key_file" json:"key_file"`
	Transport string   `yaml:"transport" json:"transport"`
	KeepAlive Duration `yaml:"keep_alive" json:"keep_alive"`
	LogLevel  string   `yaml:"log_level" json:"log_level"`
	LogFormat string   `yaml:"log_format" json:"log_format"`

	Broker BrokerConfig `yaml:"broker" json:"broker"`
	Client ClientConfig `yaml:"client" json:"client"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Role:      RoleBroker,
		Address:   "0.0.0.0",
		Port:      54321,
		CertFile:  "./certs/quicrs.crt",
		KeyFile:   "./certs/quicrs.key",
		Transport: "quic",
		KeepAlive: Duration(15 * time.Second),
		LogLevel:  "info",
		LogFormat: "text",
		Broker: BrokerConfig{
			ChannelCapacity:    100,
			MaxFrameSize:       1024 * 1024,
			MaxIncomingStreams: 1000,
		},
		Client: ClientConfig{
			Topic:       "Test",
			Message:     "Hello, World!",
			ServerName:  "localhost",
			ReadTimeout: Duration(10 * time.Second),
			Linger:      Duration(10 * time.Second),
		},
	}
}

// LoadConfig loads configuration from a file on top of the defaults.
func LoadConfig(configPath string) (*Config, error) {
	// If no config file specified, return default config
	if configPath == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	return nil
}

// Environment variables read by ApplyEnv.
const (
	EnvAddress  = "ADDRESS"
	EnvPort     = "PORT"
	EnvCertFile = "CERT_FILE"
	EnvKeyFile  = "KEY_FILE"
	EnvTopic    = "MOQ_TOPIC"
	EnvMessage  = "PAYLOAD_MESSAGE"
)

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAddress); ok && v != "" {
		c.Address = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q: %w", EnvPort, v, err)
		}
		c.Port = uint16(port)
	}
	if v, ok := lookup(EnvCertFile); ok && v != "" {
		c.CertFile = v
	}
	if v, ok := lookup(EnvKeyFile); ok && v != "" {
		c.KeyFile = v
	}
	if v, ok := lookup(EnvTopic); ok && v != "" {
		c.Client.Topic = v
	}
	if v, ok := lookup(EnvMessage); ok && v != "" {
		c.Client.Message = v
	}
	return nil
}

// HostPort returns the address and port joined for dialing or listening.
func (c *Config) HostPort() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(int(c.Port)))
}

// Validate validates the configuration and normalises the role name.
func (c *Config) Validate() error {
	role, err := ParseRole(string(c.Role))
	if err != nil {
		return err
	}
	c.Role = role
	if c.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if c.Port == 0 {
		return fmt.Errorf("port cannot be zero")
	}
	if c.CertFile == "" {
		return fmt.Errorf("cert_file cannot be empty")
	}
	switch c.Transport {
	case "quic", "tcp":
	default:
		return fmt.Errorf("unsupported transport: %s (supported: quic, tcp)", c.Transport)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log_format: %s (supported: text, json)", c.LogFormat)
	}

	switch c.Role {
	case RoleBroker:
		if c.KeyFile == "" {
			return fmt.Errorf("key_file cannot be empty for the broker")
		}
		if c.Broker.ChannelCapacity <= 0 {
			return fmt.Errorf("broker.channel_capacity must be positive")
		}
		if c.Broker.MaxFrameSize <= 0 {
			return fmt.Errorf("broker.max_frame_size must be positive")
		}
	case RolePublisher, RoleSubscriber:
		if c.Client.Topic == "" {
			return fmt.Errorf("client.topic cannot be empty")
		}
		if c.Role == RoleSubscriber && c.Client.ReadTimeout <= 0 {
			return fmt.Errorf("client.read_timeout must be positive")
		}
	}
	return nil
}
