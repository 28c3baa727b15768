package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"tgpipe/pkg/channel"
	"tgpipe/pkg/config"

	"github.com/mymmrac/telego"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const defaultPollTimeout = 30

// Adapter receives Telegram updates through long polling and hands every one of them to the
// sink. Filtering is left to the dispatcher.
type Adapter struct {
	token       string
	pollTimeout int
	botOptions  []telego.BotOption
	log         *slog.Logger
}

type Option func(*Adapter)

// WithBotOptions passes options to telego.NewBot, e.g. a shared HTTP client or API server.
func WithBotOptions(opts ...telego.BotOption) Option {
	return func(a *Adapter) { a.botOptions = append(a.botOptions, opts...) }
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger, opts ...Option) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		token:       token,
		pollTimeout: cfg.PollTimeoutSeconds,
		log:         log.With("component", "channel.telegram"),
	}
	if a.pollTimeout <= 0 {
		a.pollTimeout = defaultPollTimeout
	}
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts long polling and blocks until ctx ends or the sink refuses an update.
func (a *Adapter) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	bot, err := telego.NewBot(a.token, a.botOptions...)
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{Timeout: a.pollTimeout})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "poll_timeout", a.pollTimeout)

	return a.forward(ctx, updates, sink)
}

func (a *Adapter) forward(ctx context.Context, updates <-chan telego.Update, sink channel.Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			a.log.Debug("Received update", "update_id", update.UpdateID, "kind", updateKind(update), "content", previewText(updateText(update)))

			if !sink(ctx, update) {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("update sink closed")
			}
		}
	}
}

func updateKind(update telego.Update) string {
	switch {
	case update.Message != nil:
		return "message"
	case update.EditedMessage != nil:
		return "edited_message"
	case update.CallbackQuery != nil:
		return "callback_query"
	case update.InlineQuery != nil:
		return "inline_query"
	case update.ChannelPost != nil:
		return "channel_post"
	default:
		return "other"
	}
}

func updateText(update telego.Update) string {
	switch {
	case update.Message != nil:
		return update.Message.Text
	case update.CallbackQuery != nil:
		return update.CallbackQuery.Data
	case update.InlineQuery != nil:
		return update.InlineQuery.Query
	default:
		return ""
	}
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
