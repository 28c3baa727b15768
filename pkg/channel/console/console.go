// Package console is a local channel: lines typed in a terminal UI become Telegram updates, and
// Bot API calls made by handlers are answered in the same UI.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf16"

	"tgpipe/pkg/channel"
	"tgpipe/pkg/transport"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mymmrac/telego"
)

const (
	channelName       = "console"
	replyBufferSize   = 64
	chatTypePrivate   = "private"
	entityTypeCommand = "bot_command"
)

// Console is both a channel.Adapter and a transport.Executor. Wire it as the executor of the
// api.Client so replies are rendered locally instead of sent to Telegram.
type Console struct {
	user  telego.User
	bot   telego.User
	title string
	now   func() time.Time
	log   *slog.Logger

	replies    chan string
	programOpt []tea.ProgramOption

	nextUpdateID  atomic.Int64
	nextMessageID atomic.Int64
}

type Option func(*Console)

// WithUser sets the sender of typed lines. Its ID doubles as the private chat id.
func WithUser(user telego.User) Option {
	return func(c *Console) { c.user = user }
}

// WithTitle sets the header line, e.g. the active rate limit strategy.
func WithTitle(title string) Option {
	return func(c *Console) { c.title = title }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Console) { c.log = log }
}

// WithProgramOptions passes options to tea.NewProgram.
func WithProgramOptions(opts ...tea.ProgramOption) Option {
	return func(c *Console) { c.programOpt = append(c.programOpt, opts...) }
}

func New(opts ...Option) *Console {
	c := &Console{
		user:    telego.User{ID: 1, FirstName: "you", Username: "console"},
		bot:     telego.User{ID: 2, IsBot: true, FirstName: "tgpipe", Username: "tgpipe_bot"},
		title:   "tgpipe console",
		now:     time.Now,
		replies: make(chan string, replyBufferSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "channel.console")

	return c
}

func (c *Console) Name() string {
	return channelName
}

// Run shows the UI until the user quits or ctx ends. Quitting returns nil.
func (c *Console) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	submit := func(text string) error {
		if !sink(ctx, c.NewUpdate(text)) {
			return errors.New("gateway is not accepting updates")
		}
		return nil
	}

	opts := append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, c.programOpt...)

	program := tea.NewProgram(newModel(c.title, c.bot.Username, submit, c.replies), opts...)
	if _, err := program.Run(); err != nil {
		if ctx.Err() != nil && errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return fmt.Errorf("run console ui: %w", err)
	}

	return nil
}

// NewUpdate builds a private-chat message update from a typed line. A leading "/" token is
// marked with a bot_command entity the way Telegram does.
func (c *Console) NewUpdate(text string) telego.Update {
	user := c.user
	message := &telego.Message{
		MessageID: int(c.nextMessageID.Add(1)),
		From:      &user,
		Date:      c.now().Unix(),
		Chat:      telego.Chat{ID: user.ID, Type: chatTypePrivate, Username: user.Username, FirstName: user.FirstName},
		Text:      text,
	}

	if strings.HasPrefix(text, "/") {
		head := text
		if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
			head = text[:i]
		}
		message.Entities = []telego.MessageEntity{{
			Type:   entityTypeCommand,
			Offset: 0,
			Length: len(utf16.Encode([]rune(head))),
		}}
	}

	return telego.Update{UpdateID: int(c.nextUpdateID.Add(1)), Message: message}
}

// Execute answers the Bot API methods the demo handlers use. Everything else is rejected with
// a Bot API style error envelope.
func (c *Console) Execute(ctx context.Context, req transport.Request) ([]byte, error) {
	method := path.Base(req.URL)

	switch method {
	case "getMe":
		return okEnvelope(c.bot)
	case "sendMessage":
		var params struct {
			ChatID any    `json:"chat_id"`
			Text   string `json:"text"`
		}
		if err := json.Unmarshal(req.Body, &params); err != nil {
			return nil, &transport.Error{Op: "send", URL: req.URL, Err: fmt.Errorf("decode sendMessage params: %w", err)}
		}
		if err := c.deliver(ctx, params.Text); err != nil {
			return nil, &transport.Error{Op: "send", URL: req.URL, Err: err}
		}

		bot := c.bot
		return okEnvelope(telego.Message{
			MessageID: int(c.nextMessageID.Add(1)),
			From:      &bot,
			Date:      c.now().Unix(),
			Chat:      telego.Chat{ID: c.user.ID, Type: chatTypePrivate},
			Text:      params.Text,
		})
	case "answerCallbackQuery":
		return okEnvelope(true)
	default:
		c.log.Debug("Unsupported Bot API method", "method", method)
		return json.Marshal(map[string]any{
			"ok":          false,
			"error_code":  404,
			"description": "Not Found: method " + method + " is not available in the console",
		})
	}
}

func (c *Console) deliver(ctx context.Context, text string) error {
	select {
	case c.replies <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func okEnvelope(result any) ([]byte, error) {
	return json.Marshal(map[string]any{"ok": true, "result": result})
}
