// Package bot is the demo bot served by the gateway and console commands.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tgpipe/pkg/access"
	"tgpipe/pkg/api"
	"tgpipe/pkg/command"
	"tgpipe/pkg/config"
	"tgpipe/pkg/dispatch"
	"tgpipe/pkg/ratelimit"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Deps are the optional collaborators of Setup.
type Deps struct {
	Stats ratelimit.StatsStore
	Log   *slog.Logger
	// LimiterOptions are appended to the echo limiter options, e.g. a fixed clock in tests.
	LimiterOptions []ratelimit.Option
}

// Setup registers the demo pipeline on d:
//
//   - access middleware, when access rules are configured
//   - update logging middleware
//   - /start and /ping commands
//   - an echo handler gated by the configured rate limit strategy
//
// The *api.Client used for replies is looked up in the dispatch Context. The returned limiter
// must be started by the caller to evict idle buckets.
func Setup(d *dispatch.Dispatcher, cfg *config.Config, deps Deps) (*ratelimit.Limiter, error) {
	if d == nil || cfg == nil {
		return nil, dispatch.ConfigurationError("bot", "dispatcher and config are required")
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	strategy, err := ratelimit.ParseStrategy(cfg.RateLimit.Strategy)
	if err != nil {
		return nil, err
	}
	quota, err := ratelimit.NewQuota(cfg.RateLimit.Period.Std(), cfg.RateLimit.Burst)
	if err != nil {
		return nil, err
	}

	opts := []ratelimit.Option{
		ratelimit.WithLogger(log),
		ratelimit.WithIdleTTL(cfg.RateLimit.IdleTTL.Std()),
		ratelimit.WithCleanupEvery(cfg.RateLimit.CleanupEvery.Std()),
	}
	if deps.Stats != nil {
		opts = append(opts, ratelimit.WithStats(deps.Stats))
	}
	opts = append(opts, deps.LimiterOptions...)

	limiter, err := ratelimit.FromStrategy(strategy, quota, ratelimit.UpTo(cfg.RateLimit.Jitter.Std()), opts...)
	if err != nil {
		return nil, err
	}

	if cfg.Access.Enabled() {
		policy, err := access.FromConfig(cfg.Access)
		if err != nil {
			return nil, dispatch.NewError(dispatch.ErrorConfiguration, "bot", err)
		}
		d.AddMiddleware(access.Middleware(policy, log))
		log.Info("Access control enabled", "rules", len(policy.Rules()))
	}

	d.AddMiddleware(LogUpdates(log))
	d.AddHandler(command.Handle("/start", startHandler(strategy, quota)))
	d.AddHandler(command.Handle("/ping", pingHandler))
	d.AddHandler(limiter.Predicate(dispatch.OnMessage(echoHandler)))

	log.Info("Demo bot registered", "strategy", strategy.Name, "policy", strategy.Policy.String(), "period", quota.Period, "burst", quota.Burst)

	return limiter, nil
}

// LogUpdates logs every update and always continues.
func LogUpdates(log *slog.Logger) dispatch.Handler {
	log = log.With("component", "bot.updates")

	return dispatch.HandlerFunc(func(_ context.Context, dc *dispatch.Context, update *telego.Update) (dispatch.Result, error) {
		attrs := []any{}
		if cycle, err := dispatch.Get[dispatch.CycleID](dc); err == nil {
			attrs = append(attrs, "cycle_id", string(cycle))
		}
		if update != nil {
			attrs = append(attrs, "update_id", update.UpdateID)
		}
		if id, ok := dispatch.ChatID(update); ok {
			attrs = append(attrs, "chat_id", id)
		}
		if id, ok := dispatch.UserID(update); ok {
			attrs = append(attrs, "user_id", id)
		}
		if message := dispatch.MessageOf(update); message != nil && message.Text != "" {
			attrs = append(attrs, "text", message.Text)
		}
		log.Info("Got update", attrs...)

		return dispatch.Continue, nil
	})
}

func startHandler(strategy ratelimit.Strategy, quota ratelimit.Quota) dispatch.TypedFunc[command.Command] {
	text := strings.Join([]string{
		"Hi! I am the tgpipe demo bot.",
		"/ping replies with pong.",
		fmt.Sprintf("Anything else is echoed back, at most %d per %s (%s).", quota.Burst, quota.Period, strategy.Name),
	}, "\n")

	return func(ctx context.Context, dc *dispatch.Context, cmd command.Command) (dispatch.Result, error) {
		if err := Reply(ctx, dc, cmd.ChatID(), text); err != nil {
			return dispatch.Continue, err
		}
		return dispatch.Stop, nil
	}
}

func pingHandler(ctx context.Context, dc *dispatch.Context, cmd command.Command) (dispatch.Result, error) {
	if err := Reply(ctx, dc, cmd.ChatID(), "pong"); err != nil {
		return dispatch.Continue, err
	}
	return dispatch.Stop, nil
}

func echoHandler(ctx context.Context, dc *dispatch.Context, message *telego.Message) (dispatch.Result, error) {
	if message.Text == "" {
		return dispatch.Continue, nil
	}

	return dispatch.Continue, Reply(ctx, dc, message.Chat.ID, message.Text)
}

// Reply sends text to chatID with the *api.Client registered in dc.
func Reply(ctx context.Context, dc *dispatch.Context, chatID int64, text string) error {
	client, err := dispatch.Get[*api.Client](dc)
	if err != nil {
		return err
	}

	if _, err := client.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("reply to chat %d: %w", chatID, err)
	}

	return nil
}
