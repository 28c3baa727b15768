package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tgpipe/pkg/api"
	"tgpipe/pkg/bot"
	"tgpipe/pkg/config"
	"tgpipe/pkg/dispatch"
	"tgpipe/pkg/ratelimit"
	"tgpipe/pkg/transport"
)

// pipeline is the dispatcher with everything registered in its base context.
type pipeline struct {
	client     *api.Client
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	stats      *bot.Stats
}

func (p *pipeline) Close() error {
	return p.stats.Close()
}

// loadConfig reads the configuration and applies the --strategy override.
func loadConfig(path, strategy string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if value := strings.TrimSpace(strategy); value != "" {
		if _, err := ratelimit.ParseStrategy(value); err != nil {
			return nil, err
		}
		cfg.RateLimit.Strategy = value
	}

	return cfg, nil
}

// newPipeline builds the api client over exec and the demo bot dispatcher. The limiter janitor
// runs until ctx ends.
func newPipeline(ctx context.Context, cfg *config.Config, token string, exec transport.Executor, log *slog.Logger) (*pipeline, error) {
	var clientOpts []api.ClientOption
	if cfg.Transport.BaseURL != "" {
		clientOpts = append(clientOpts, api.WithBaseURL(cfg.Transport.BaseURL))
	}

	client, err := api.NewClient(token, exec, clientOpts...)
	if err != nil {
		return nil, err
	}

	base := dispatch.NewContext()
	dispatch.Insert(base, client)
	dispatch.Insert(base, cfg)
	dispatch.Insert(base, log)

	stats, err := bot.OpenStats(ctx, cfg.Stats)
	if err != nil {
		return nil, err
	}

	d := dispatch.NewDispatcher(base, log)
	limiter, err := bot.Setup(d, cfg, bot.Deps{Stats: stats.Store, Log: log})
	if err != nil {
		_ = stats.Close()
		return nil, err
	}
	limiter.Start(ctx)

	return &pipeline{client: client, dispatcher: d, limiter: limiter, stats: stats}, nil
}
