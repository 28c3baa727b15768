package dispatch

import (
	"context"

	"github.com/mymmrac/telego"
)

// Result tells the dispatcher whether to run the next chain entry.
type Result int

const (
	// Continue proceeds to the next middleware or handler.
	Continue Result = iota
	// Stop ends the chain for the current update without an error.
	Stop
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Handler processes one update. Middlewares and handlers share this interface.
type Handler interface {
	Handle(ctx context.Context, dc *Context, update *telego.Update) (Result, error)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, dc *Context, update *telego.Update) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, dc *Context, update *telego.Update) (Result, error) {
	return f(ctx, dc, update)
}

// Converter extracts a typed input from an update. ok=false means the handler does not apply.
type Converter[T any] func(dc *Context, update *telego.Update) (value T, ok bool, err error)

// TypedFunc handles a converted input.
type TypedFunc[T any] func(ctx context.Context, dc *Context, input T) (Result, error)

type typedHandler[T any] struct {
	convert Converter[T]
	fn      TypedFunc[T]
}

// Typed builds a Handler that converts the update before calling fn.
//
// A conversion that does not apply is an implicit Continue; a conversion error is returned as
// a conversion error and ends the chain.
func Typed[T any](convert Converter[T], fn TypedFunc[T]) Handler {
	return &typedHandler[T]{convert: convert, fn: fn}
}

func (h *typedHandler[T]) Handle(ctx context.Context, dc *Context, update *telego.Update) (Result, error) {
	input, ok, err := h.convert(dc, update)
	if err != nil {
		return Continue, NewError(ErrorConversion, "", err)
	}
	if !ok {
		return Continue, nil
	}

	return h.fn(ctx, dc, input)
}

// UpdateInput requires the update itself; a missing update is a conversion error.
func UpdateInput(_ *Context, update *telego.Update) (*telego.Update, bool, error) {
	if update == nil {
		return nil, false, ErrNoUpdate
	}

	return update, true, nil
}

// MessageInput extracts the message of an update: new, edited, or channel post.
func MessageInput(_ *Context, update *telego.Update) (*telego.Message, bool, error) {
	message := MessageOf(update)
	return message, message != nil, nil
}

// CallbackQueryInput extracts the callback query of an update.
func CallbackQueryInput(_ *Context, update *telego.Update) (*telego.CallbackQuery, bool, error) {
	if update == nil || update.CallbackQuery == nil {
		return nil, false, nil
	}

	return update.CallbackQuery, true, nil
}

// InlineQueryInput extracts the inline query of an update.
func InlineQueryInput(_ *Context, update *telego.Update) (*telego.InlineQuery, bool, error) {
	if update == nil || update.InlineQuery == nil {
		return nil, false, nil
	}

	return update.InlineQuery, true, nil
}

func OnUpdate(fn TypedFunc[*telego.Update]) Handler { return Typed(UpdateInput, fn) }

func OnMessage(fn TypedFunc[*telego.Message]) Handler { return Typed(MessageInput, fn) }

func OnCallbackQuery(fn TypedFunc[*telego.CallbackQuery]) Handler {
	return Typed(CallbackQueryInput, fn)
}

func OnInlineQuery(fn TypedFunc[*telego.InlineQuery]) Handler {
	return Typed(InlineQueryInput, fn)
}

// MessageOf returns the first message-like payload of an update, or nil.
func MessageOf(update *telego.Update) *telego.Message {
	if update == nil {
		return nil
	}

	switch {
	case update.Message != nil:
		return update.Message
	case update.EditedMessage != nil:
		return update.EditedMessage
	case update.ChannelPost != nil:
		return update.ChannelPost
	case update.EditedChannelPost != nil:
		return update.EditedChannelPost
	default:
		return nil
	}
}

// ChatID returns the chat an update belongs to.
func ChatID(update *telego.Update) (int64, bool) {
	if message := MessageOf(update); message != nil {
		return message.Chat.ID, true
	}

	return 0, false
}

// SenderOf returns the user who caused an update.
func SenderOf(update *telego.Update) *telego.User {
	if update == nil {
		return nil
	}

	if message := MessageOf(update); message != nil {
		return message.From
	}
	if update.CallbackQuery != nil {
		return &update.CallbackQuery.From
	}
	if update.InlineQuery != nil {
		return &update.InlineQuery.From
	}

	return nil
}

// UserID returns the id of the user who caused an update.
func UserID(update *telego.Update) (int64, bool) {
	if user := SenderOf(update); user != nil {
		return user.ID, true
	}

	return 0, false
}
