package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"tgpipe/pkg/bus"
	"tgpipe/pkg/channel"
	"tgpipe/pkg/channel/console"
	"tgpipe/pkg/config"
	"tgpipe/pkg/gateway"
	"tgpipe/pkg/logger"

	"github.com/spf13/cobra"
)

var consoleLogFile string

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Chat with the demo bot in the terminal",
	Long:  "Runs the dispatch pipeline against a local terminal chat instead of the Bot API. Replies are rendered in the terminal; nothing is sent to Telegram.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig(configPath, strategyName)
		if err != nil {
			return err
		}

		logWriter := io.Discard
		if consoleLogFile != "" {
			file, err := os.OpenFile(consoleLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer file.Close()
			logWriter = file
		}

		appLogger, err := logger.NewWithWriter(cfg.Logging, logWriter)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)

		return runConsole(cmd.Context(), cfg, appLogger)
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&consoleLogFile, "log-file", "", "append logs to this file (default: discard)")
}

func runConsole(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	con := console.New(
		console.WithTitle(fmt.Sprintf("tgpipe console · %s", cfg.RateLimit.Strategy)),
		console.WithLogger(appLogger),
	)

	p, err := newPipeline(runCtx, cfg, "", con, appLogger)
	if err != nil {
		return err
	}
	defer p.Close()

	opts := []gateway.Option{gateway.WithBotInfo(p.client)}
	if p.stats.Reader != nil {
		opts = append(opts, gateway.WithStats(p.stats.Reader))
	}

	svc, err := gateway.NewService(cfg.Gateway, bus.NewUpdateBus(cfg.Gateway.QueueSize), p.dispatcher, []channel.Adapter{con}, appLogger, opts...)
	if err != nil {
		return fmt.Errorf("initialize gateway service: %w", err)
	}

	if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
