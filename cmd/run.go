package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wechatslave/pkg/bus"
	"wechatslave/pkg/channel"
	"wechatslave/pkg/channel/slave"
	"wechatslave/pkg/config"
	"wechatslave/pkg/gateway"
	"wechatslave/pkg/logger"
	amqprelay "wechatslave/pkg/relay/amqp"
	"wechatslave/pkg/relay/telegram"
	"wechatslave/pkg/storage"
	"wechatslave/pkg/wechat/wsgateway"

	"github.com/spf13/cobra"
)

const (
	amqpDialAttempts = 5
	amqpDialDelay    = time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the WeChat slave channel",
	Long:  "Connects to the WeChat gateway sidecar, relays inbound messages to the configured host and serves health and readiness endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.run")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mb := bus.NewMessageBus(cfg.Channel.QueueSize)
		defer mb.Close()

		ch, closeClient, err := openSlave(runCtx, cfg, mb, log)
		if err != nil {
			log.Error("Failed to start WeChat channel", "error", err)
			return
		}
		defer closeClient()

		relay, err := buildRelay(runCtx, cfg, mb, ch, log)
		if err != nil {
			log.Error("Host configuration invalid", "error", err)
			return
		}

		svc, err := gateway.NewService(cfg, ch, relay, mb, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Bridge started", "channel", ch.ID(), "host", relay.Name())
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Bridge runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// openSlave dials the sidecar and builds the WeChat channel over it.
func openSlave(ctx context.Context, cfg *config.Config, mb *bus.MessageBus, log *slog.Logger) (*slave.Slave, func(), error) {
	dir, err := storage.Open(cfg.Storage.Path, cfg.Channel.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}

	client, err := wsgateway.Dial(ctx, wsgateway.Options{
		URL:            cfg.Channel.GatewayURL,
		MediaURL:       cfg.Channel.MediaURL,
		RequestTimeout: time.Duration(cfg.Channel.RequestTimeoutSeconds) * time.Second,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	ch, err := slave.New(slave.Options{ID: cfg.Channel.ID, Name: cfg.Channel.Name}, client, mb, dir, log)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return ch, func() { _ = client.Close() }, nil
}

// buildRelay constructs the ingress consumer selected by host.kind.
func buildRelay(ctx context.Context, cfg *config.Config, mb *bus.MessageBus, operator channel.Operator, log *slog.Logger) (channel.Relay, error) {
	switch cfg.Host.Kind {
	case config.HostLog, "":
		relay, err := gateway.NewLogRelay(mb, log)
		if err != nil {
			return nil, err
		}
		return relay, nil
	case config.HostTelegram:
		relay, err := telegram.New(cfg.Host.Telegram, mb, operator, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram host: %w", err)
		}
		return relay, nil
	case config.HostAMQP:
		return buildAMQPRelay(ctx, cfg, mb, log)
	default:
		return nil, fmt.Errorf("unknown host kind %q (want %s, %s or %s)", cfg.Host.Kind, config.HostLog, config.HostTelegram, config.HostAMQP)
	}
}

func buildAMQPRelay(ctx context.Context, cfg *config.Config, mb *bus.MessageBus, log *slog.Logger) (channel.Relay, error) {
	amqpCfg := cfg.Host.AMQP
	if strings.TrimSpace(amqpCfg.URL) == "" {
		return nil, errors.New("host.amqp.url is required")
	}
	exchange := strings.TrimSpace(amqpCfg.Exchange)
	if exchange == "" {
		exchange = amqprelay.DefaultExchange
	}

	publisher, err := amqprelay.Dial(ctx, amqprelay.DialOptions{
		URL:           amqpCfg.URL,
		Exchange:      exchange,
		RetryAttempts: amqpDialAttempts,
		Delay:         amqpDialDelay,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("configure amqp host: %w", err)
	}

	relay, err := amqprelay.New(amqprelay.Options{
		RoutingKey: amqpCfg.RoutingKey,
		Producer:   "wechatslave/" + cfg.Channel.ID,
	}, mb, publisher, log)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	return relay, nil
}
