package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"tgpipe/pkg/bus"
	"tgpipe/pkg/dispatch"

	"github.com/mymmrac/telego"
)

const defaultMaxConcurrent = 16

// Dispatcher runs one update through the handler pipeline.
type Dispatcher interface {
	DispatchCycle(ctx context.Context, cycle dispatch.CycleID, update *telego.Update) (dispatch.Result, error)
}

// workerPool consumes the update bus and dispatches at most cap(sem) updates at a time. A
// dispatch waiting in dispatch.Suspend gives its slot back and takes one again before it goes on.
type workerPool struct {
	bus        *bus.UpdateBus
	dispatcher Dispatcher
	log        *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	inFlight  atomic.Int64
	suspended atomic.Int64
	completed atomic.Uint64
	stopped   atomic.Uint64
	failed    atomic.Uint64
}

type workerStats struct {
	MaxConcurrent int    `json:"max_concurrent"`
	InFlight      int64  `json:"in_flight"`
	Suspended     int64  `json:"suspended"`
	Pending       int    `json:"pending"`
	Completed     uint64 `json:"completed"`
	Stopped       uint64 `json:"stopped"`
	Failed        uint64 `json:"failed"`
}

func newWorkerPool(updates *bus.UpdateBus, dispatcher Dispatcher, maxConcurrent int, log *slog.Logger) *workerPool {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if log == nil {
		log = slog.Default()
	}

	return &workerPool{
		bus:        updates,
		dispatcher: dispatcher,
		log:        log.With("component", "gateway.workers"),
		sem:        make(chan struct{}, maxConcurrent),
	}
}

// Run consumes updates until ctx ends or the bus closes, then waits for in-flight dispatches.
func (p *workerPool) Run(ctx context.Context) {
	defer p.wg.Wait()

	for {
		in, ok := p.bus.ConsumeUpdate(ctx)
		if !ok {
			return
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		p.wg.Add(1)
		p.inFlight.Add(1)
		go func() {
			held := true
			defer func() {
				p.inFlight.Add(-1)
				if held {
					<-p.sem
				}
				p.wg.Done()
			}()

			suspend := func(ctx context.Context, wait func() error) error {
				if !held {
					return wait()
				}
				<-p.sem
				held = false
				p.suspended.Add(1)
				err := wait()
				p.suspended.Add(-1)

				select {
				case p.sem <- struct{}{}:
					held = true
				case <-ctx.Done():
					if err == nil {
						err = ctx.Err()
					}
				}
				return err
			}
			p.handle(dispatch.WithSuspend(ctx, suspend), in)
		}()
	}
}

// handle dispatches one update and reports the outcome. A failing update never stops the pool.
func (p *workerPool) handle(ctx context.Context, in bus.InboundUpdate) {
	update := in.Update
	cycle := dispatch.NewCycleID()

	result, err := p.dispatcher.DispatchCycle(ctx, cycle, &update)

	event := bus.Event{
		Channel:  in.Channel,
		UpdateID: update.UpdateID,
		CycleID:  string(cycle),
	}
	if chatID, ok := dispatch.ChatID(&update); ok {
		event.ChatID = chatID
	}

	switch {
	case err != nil:
		p.failed.Add(1)
		event.Type = bus.EventDispatchFailed
		event.Category = dispatch.CategoryFromError(err)
		event.Error = err.Error()
		p.log.Warn("Update failed", "cycle_id", string(cycle), "channel", in.Channel, "update_id", update.UpdateID, "category", event.Category, "error", err)
	case result == dispatch.Stop:
		p.stopped.Add(1)
		event.Type = bus.EventDispatchStopped
	default:
		p.completed.Add(1)
		event.Type = bus.EventDispatchCompleted
	}

	p.bus.PublishEvent(context.WithoutCancel(ctx), event)
}

func (p *workerPool) Stats() workerStats {
	return workerStats{
		MaxConcurrent: cap(p.sem),
		InFlight:      p.inFlight.Load(),
		Suspended:     p.suspended.Load(),
		Pending:       p.bus.Pending(),
		Completed:     p.completed.Load(),
		Stopped:       p.stopped.Load(),
		Failed:        p.failed.Load(),
	}
}
