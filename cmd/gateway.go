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

	"tgpipe/pkg/bus"
	"tgpipe/pkg/channel"
	"tgpipe/pkg/channel/telegram"
	"tgpipe/pkg/config"
	"tgpipe/pkg/gateway"
	"tgpipe/pkg/logger"
	"tgpipe/pkg/transport"

	"github.com/mymmrac/telego"
	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Dispatch Telegram updates",
	Long:  "Long-polls the Bot API, dispatches every update through the demo bot pipeline and serves health, readiness, stats and event endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig(configPath, strategyName)
		if err != nil {
			return err
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runGateway(runCtx, cfg, appLogger)
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) error {
	log := appLogger.With("component", "cmd.gateway")

	exec, err := transport.NewHTTPExecutor(
		transport.WithProxy(cfg.Transport.Proxy),
		transport.WithTimeout(cfg.Transport.Timeout.Std()),
		transport.WithLogger(appLogger),
	)
	if err != nil {
		return fmt.Errorf("configure transport: %w", err)
	}

	adapters, err := enabledAdapters(cfg, exec, appLogger)
	if err != nil {
		return err
	}

	p, err := newPipeline(ctx, cfg, cfg.Channels.Telegram.Token, exec, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn("Failed to close stats backend", "error", err)
		}
	}()

	opts := []gateway.Option{gateway.WithBotInfo(p.client)}
	if p.stats.Reader != nil {
		opts = append(opts, gateway.WithStats(p.stats.Reader))
	}

	svc, err := gateway.NewService(cfg.Gateway, bus.NewUpdateBus(cfg.Gateway.QueueSize), p.dispatcher, adapters, appLogger, opts...)
	if err != nil {
		return fmt.Errorf("initialize gateway service: %w", err)
	}

	log.Info("Gateway started", "channels", enabledChannelNames(adapters), "strategy", cfg.RateLimit.Strategy, "stats", cfg.Stats.Backend)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gateway runtime failed: %w", err)
	}

	log.Info("Gateway stopped")
	return nil
}

func enabledAdapters(cfg *config.Config, exec *transport.HTTPExecutor, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.Telegram.Enabled {
		botOpts := []telego.BotOption{telego.WithHTTPClient(exec.HTTPClient())}
		if cfg.Transport.BaseURL != "" {
			botOpts = append(botOpts, telego.WithAPIServer(cfg.Transport.BaseURL))
		}

		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log, telegram.WithBotOptions(botOpts...))
		if err != nil {
			return nil, fmt.Errorf("configure telegram channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
