// Command rudp-echo is a small demonstration of the rudp package: it binds
// a Host and either listens, echoing every segment it receives back to its
// sender, or connects out to a listening rudp-echo and sends one message.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rudpnet/rudp"
	"github.com/rudpnet/rudp/segment"
)

// config mirrors the flag set below; a --config file, if given, is loaded
// first and flags override whatever it set.
type config struct {
	Listen       string `yaml:"listen"`
	Connect      string `yaml:"connect"`
	Channel      uint8  `yaml:"channel"`
	ChannelCount int    `yaml:"channel_count"`
	MaxPeers     int    `yaml:"max_peers"`
	Message      string `yaml:"message"`
	Verbose      bool   `yaml:"verbose"`
}

func defaultConfig() config {
	return config{
		Listen:       ":9000",
		ChannelCount: 2,
		MaxPeers:     32,
		Message:      "hello from rudp-echo",
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := defaultConfig()
	var configPath string

	cmd := &cobra.Command{
		Use:   "rudp-echo",
		Short: "Demonstration echo server/client for the rudp transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := loadConfigFile(configPath, &cfg); err != nil {
					return err
				}
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "optional YAML config file; flags override it")
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "address to bind (\"host:port\")")
	flags.StringVar(&cfg.Connect, "connect", cfg.Connect, "remote address to dial; leave empty to run as a listener")
	flags.Uint8Var(&cfg.Channel, "channel", cfg.Channel, "channel id to send/echo on")
	flags.IntVar(&cfg.ChannelCount, "channels", cfg.ChannelCount, "channel count negotiated for every peer")
	flags.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "maximum simultaneous peers")
	flags.StringVar(&cfg.Message, "message", cfg.Message, "message sent once connected, in client mode")
	flags.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable debug logging")

	return cmd
}

func loadConfigFile(path string, cfg *config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(cfg)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg = zap.NewDevelopmentConfig()
	}
	return zcfg.Build()
}

func run(cfg config) error {
	log, err := newLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	host, err := rudp.NewHost("udp", cfg.Listen, rudp.HostConfig{
		MaxPeers:     cfg.MaxPeers,
		ChannelCount: cfg.ChannelCount,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	defer host.Close()

	log.Info("rudp-echo listening", zap.String("addr", host.LocalAddr().String()))

	if cfg.Connect != "" {
		if _, err := host.Connect("udp", cfg.Connect, 0); err != nil {
			return fmt.Errorf("connect to %s: %w", cfg.Connect, err)
		}
		log.Info("dialing", zap.String("remote", cfg.Connect))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	sentGreeting := false
	for {
		select {
		case sig := <-sigCh:
			log.Info("shutting down", zap.String("signal", sig.String()))
			return nil
		default:
		}

		ev, err := host.Service(100 * time.Millisecond)
		if err != nil {
			return fmt.Errorf("service: %w", err)
		}

		switch ev.Type {
		case rudp.EventConnect:
			log.Info("peer connected", zap.String("remote", ev.Peer.RemoteAddr()))
			if cfg.Connect != "" && !sentGreeting {
				if err := host.Send(ev.Peer, cfg.Channel, []byte(cfg.Message), segment.FlagReliable); err != nil {
					log.Warn("send failed", zap.Error(err))
				}
				sentGreeting = true
			}

		case rudp.EventReceive:
			log.Info("received segment",
				zap.String("remote", ev.Peer.RemoteAddr()),
				zap.Uint8("channel", ev.ChannelID),
				zap.Int("bytes", ev.Segment.Len()),
				zap.ByteString("data", ev.Segment.Data))

			if cfg.Connect == "" {
				if err := host.Send(ev.Peer, ev.ChannelID, ev.Segment.Data, segment.FlagReliable); err != nil {
					log.Warn("echo failed", zap.Error(err))
				}
			}

		case rudp.EventDisconnect:
			log.Info("peer disconnected", zap.Uint32("data", ev.Data))
		}
	}
}
