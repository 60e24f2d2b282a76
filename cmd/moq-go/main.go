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

// Package main is the moq-go command: it runs the broker, a one-shot
// publisher or a subscriber, and generates certificates and sample
// configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/turtacn/moq-go/pkg/broker"
	"github.com/turtacn/moq-go/pkg/client"
	"github.com/turtacn/moq-go/pkg/config"
	"github.com/turtacn/moq-go/pkg/logging"
	"github.com/turtacn/moq-go/pkg/metrics"
	"github.com/turtacn/moq-go/pkg/monitor"
	moqtls "github.com/turtacn/moq-go/pkg/tls"
	"github.com/turtacn/moq-go/pkg/transport"
	"golang.org/x/sync/errgroup"
)

const (
	dialTimeout   = 10 * time.Second
	certExpiryLag = 30 * 24 * time.Hour
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "moq-go: %v\n", err)
		os.Exit(1)
	}
}

// options holds the command-line flags that are not part of config.Config.
type options struct {
	configPath string
	command    string
	hosts      string
	validFor   time.Duration
	noColor    bool
}

// parseArgs layers configuration: defaults, then the config file, then the
// environment, then explicitly set flags.
func parseArgs(args []string, stderr io.Writer, lookupEnv func(string) (string, bool)) (*config.Config, *options, error) {
	fs := flag.NewFlagSet("moq-go", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	def := config.DefaultConfig()
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML or JSON configuration file")
	address := fs.String("address", def.Address, "Address to listen on or connect to (env ADDRESS)")
	port := fs.Uint("port", uint(def.Port), "UDP or TCP port (env PORT)")
	cert := fs.String("cert", def.CertFile, "Certificate file; the CA to trust for clients (env CERT_FILE)")
	key := fs.String("key", def.KeyFile, "Private key file, broker only (env KEY_FILE)")
	topic := fs.String("topic", def.Client.Topic, "Topic to publish or subscribe to (env MOQ_TOPIC)")
	message := fs.String("message", def.Client.Message, "Message the publisher sends (env PAYLOAD_MESSAGE)")
	network := fs.String("transport", def.Transport, "Transport: quic or tcp")
	serverName := fs.String("server-name", def.Client.ServerName, "Name the broker certificate is verified against")
	logLevel := fs.String("log-level", def.LogLevel, "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", def.LogFormat, "Log format: text or json")
	metricsAddr := fs.String("metrics", def.Broker.MetricsAddr, "Address for the Prometheus metrics endpoint, empty to disable")
	capacity := fs.Int("capacity", def.Broker.ChannelCapacity, "Messages retained per topic for slow subscribers")
	timeout := fs.Duration("timeout", time.Duration(def.Client.ReadTimeout), "Subscriber wait before polling again")
	linger := fs.Duration("linger", time.Duration(def.Client.Linger), "How long the publisher stays connected after sending")
	fs.StringVar(&opts.hosts, "hosts", "localhost,127.0.0.1", "Comma-separated host names and IPs for gencert")
	fs.DurationVar(&opts.validFor, "valid-for", 365*24*time.Hour, "Validity period for gencert")
	fs.BoolVar(&opts.noColor, "no-color", false, "Disable colored log output")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "moq-go: publish/subscribe broker over QUIC\n\n")
		fmt.Fprintf(stderr, "Usage: moq-go [OPTIONS] COMMAND\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  broker        Run the broker (alias: server)\n")
		fmt.Fprintf(stderr, "  publisher     Publish one message and linger\n")
		fmt.Fprintf(stderr, "  subscriber    Subscribe to a topic and print what arrives\n")
		fmt.Fprintf(stderr, "  gencert       Write a self-signed certificate and key\n")
		fmt.Fprintf(stderr, "  genconfig     Write the effective configuration to -config\n")
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  moq-go gencert\n")
		fmt.Fprintf(stderr, "  moq-go broker\n")
		fmt.Fprintf(stderr, "  moq-go -topic room1 subscriber\n")
		fmt.Fprintf(stderr, "  moq-go -topic room1 -message hi publisher\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, nil, fmt.Errorf("expected exactly one command, got %d", fs.NArg())
	}
	opts.command = strings.ToLower(fs.Arg(0))

	cfg := config.DefaultConfig()
	if opts.configPath != "" && opts.command != "genconfig" {
		loaded, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(lookupEnv); err != nil {
		return nil, nil, err
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "address":
			cfg.Address = *address
		case "port":
			if *port == 0 || *port > 65535 {
				flagErr = fmt.Errorf("invalid port %d", *port)
			}
			cfg.Port = uint16(*port)
		case "cert":
			cfg.CertFile = *cert
		case "key":
			cfg.KeyFile = *key
		case "topic":
			cfg.Client.Topic = *topic
		case "message":
			cfg.Client.Message = *message
		case "transport":
			cfg.Transport = *network
		case "server-name":
			cfg.Client.ServerName = *serverName
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "metrics":
			cfg.Broker.MetricsAddr = *metricsAddr
		case "capacity":
			cfg.Broker.ChannelCapacity = *capacity
		case "timeout":
			cfg.Client.ReadTimeout = config.Duration(*timeout)
		case "linger":
			cfg.Client.Linger = config.Duration(*linger)
		}
	})
	if flagErr != nil {
		return nil, nil, flagErr
	}

	switch opts.command {
	case "gencert", "genconfig":
	default:
		role, err := config.ParseRole(opts.command)
		if err != nil {
			fs.Usage()
			return nil, nil, fmt.Errorf("unknown command: %s", opts.command)
		}
		cfg.Role = role
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookupEnv func(string) (string, bool)) error {
	cfg, opts, err := parseArgs(args, stderr, lookupEnv)
	if err != nil {
		return err
	}

	log, err := logging.New(stderr, logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, NoColor: opts.noColor})
	if err != nil {
		return err
	}

	switch opts.command {
	case "gencert":
		return generateCert(cfg, opts, stdout)
	case "genconfig":
		return generateConfig(cfg, opts, stdout)
	}

	switch cfg.Role {
	case config.RoleBroker:
		return runBroker(ctx, cfg, log)
	case config.RolePublisher:
		return runPublisher(ctx, cfg, log)
	case config.RoleSubscriber:
		return runSubscriber(ctx, cfg, log, stdout)
	default:
		return fmt.Errorf("unsupported role %q", cfg.Role)
	}
}

func runBroker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	tlsConf, info, err := moqtls.LoadServerConfig(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return err
	}
	log.Info("loaded certificate",
		"subject", info.Subject,
		"not_after", info.NotAfter,
		"fingerprint", info.Fingerprint)
	if info.ExpiresWithin(certExpiryLag) {
		log.Warn("certificate expires soon", "not_after", info.NotAfter)
	}

	ln, err := transport.Listen(cfg.Transport, cfg.HostPort(), tlsConf, transport.Options{
		KeepAlive:          time.Duration(cfg.KeepAlive),
		MaxIncomingStreams: cfg.Broker.MaxIncomingStreams,
	})
	if err != nil {
		return fmt.Errorf("failed to listen on %s/%s: %w", cfg.Transport, cfg.HostPort(), err)
	}

	b := broker.New(broker.Options{
		ChannelCapacity:               cfg.Broker.ChannelCapacity,
		MaxFrameSize:                  cfg.Broker.MaxFrameSize,
		CancelForwardersOnStreamClose: cfg.Broker.CancelForwardersOnStreamClose,
	}, log)
	defer b.Topics().Close()

	var serving atomic.Bool
	health := monitor.NewHealthChecker()
	health.RegisterCheck("listener", func() error {
		if !serving.Load() {
			return errors.New("broker is not accepting connections")
		}
		return nil
	}, true)
	health.RegisterCheck("certificate", func() error {
		if info.Expired(time.Now()) {
			return fmt.Errorf("certificate expired at %s", info.NotAfter.Format(time.RFC3339))
		}
		return nil
	}, true)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		serving.Store(true)
		defer serving.Store(false)
		return b.Serve(ctx, ln)
	})
	if cfg.Broker.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, cfg.Broker.MetricsAddr, log, health.RegisterRoutes)
		})
	}
	err = g.Wait()
	log.Info("broker stopped", "topics", b.Topics().Len())
	return err
}

func dialBroker(ctx context.Context, cfg *config.Config, log *slog.Logger) (transport.Conn, error) {
	tlsConf, err := moqtls.LoadClientConfig(cfg.CertFile, cfg.Client.ServerName)
	if err != nil {
		return nil, err
	}

	log.Info("connecting", "role", cfg.Role, "address", cfg.HostPort(), "transport", cfg.Transport)
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := transport.Dial(dialCtx, cfg.Transport, cfg.HostPort(), tlsConf, transport.Options{
		KeepAlive: time.Duration(cfg.KeepAlive),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.HostPort(), err)
	}
	log.Info("connected", "role", cfg.Role)
	return conn, nil
}

func clientOptions(cfg *config.Config, log *slog.Logger) client.Options {
	return client.Options{
		Topic:   cfg.Client.Topic,
		Message: cfg.Client.Message,
		Timeout: time.Duration(cfg.Client.ReadTimeout),
		Linger:  time.Duration(cfg.Client.Linger),
		Log:     log,
	}
}

func runPublisher(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	conn, err := dialBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer conn.Close()
	return client.Publish(ctx, conn, clientOptions(cfg, log))
}

func runSubscriber(ctx context.Context, cfg *config.Config, log *slog.Logger, stdout io.Writer) error {
	conn, err := dialBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer conn.Close()
	return client.Subscribe(ctx, conn, clientOptions(cfg, log), client.Printer(stdout))
}

func generateCert(cfg *config.Config, opts *options, stdout io.Writer) error {
	var hosts []string
	for _, h := range strings.Split(opts.hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	if err := moqtls.WriteSelfSigned(cfg.CertFile, cfg.KeyFile, hosts, opts.validFor); err != nil {
		return err
	}
	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return err
	}
	info, err := moqtls.Inspect(certPEM)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Certificate written to %s\n", cfg.CertFile)
	fmt.Fprintf(stdout, "Private key written to %s\n", cfg.KeyFile)
	fmt.Fprintf(stdout, "Hosts: %s\n", strings.Join(hosts, ", "))
	fmt.Fprintf(stdout, "Valid until: %s\n", info.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(stdout, "SHA-256 fingerprint: %s\n", info.Fingerprint)
	return nil
}

func generateConfig(cfg *config.Config, opts *options, stdout io.Writer) error {
	if opts.configPath == "" {
		return errors.New("genconfig needs -config to name the output file")
	}
	if err := config.SaveConfig(cfg, opts.configPath); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	fmt.Fprintf(stdout, "Sample configuration saved to %s\n", opts.configPath)
	return nil
}
