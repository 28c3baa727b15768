package channel

import (
	"context"

	"tgpipe/pkg/bus"

	"github.com/mymmrac/telego"
)

// Sink accepts one update from a channel. It returns false once the update can no longer be
// delivered, which tells the channel to stop.
type Sink func(context.Context, telego.Update) bool

// Adapter is an update source, for example Telegram long polling or the local console.
type Adapter interface {
	Name() string
	Run(context.Context, Sink) error
}

// BusSink publishes updates from the named channel into b.
func BusSink(b *bus.UpdateBus, name string) Sink {
	return func(ctx context.Context, update telego.Update) bool {
		return b.PublishUpdate(ctx, bus.InboundUpdate{Channel: name, Update: update})
	}
}
