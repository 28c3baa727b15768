package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func messageUpdate(text string) *telego.Update {
	return &telego.Update{
		UpdateID: 1,
		Message: &telego.Message{
			MessageID: 10,
			From:      &telego.User{ID: 7, Username: "alice"},
			Chat:      telego.Chat{ID: 100, Type: "private"},
			Text:      text,
		},
	}
}

func TestDispatchStopsAtFirstStop(t *testing.T) {
	t.Parallel()

	for stopAt := 0; stopAt < 4; stopAt++ {
		d := NewDispatcher(nil, quietLogger())
		entries := make([]*countingHandler, 4)
		for i := range entries {
			entries[i] = &countingHandler{result: Continue}
			if i == stopAt {
				entries[i].result = Stop
			}
			d.AddHandler(entries[i])
		}

		result, err := d.Dispatch(context.Background(), messageUpdate("hi"))
		require.NoError(t, err)
		require.Equal(t, Stop, result)

		for i, entry := range entries {
			want := 1
			if i > stopAt {
				want = 0
			}
			require.Equalf(t, want, entry.calls, "stopAt=%d entry=%d", stopAt, i)
		}
	}
}

func TestDispatchStopsAtFirstError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	d := NewDispatcher(nil, quietLogger())
	first := &countingHandler{}
	failing := &countingHandler{err: boom}
	last := &countingHandler{}
	d.AddHandler(first)
	d.AddHandler(failing)
	d.AddHandler(last)

	_, err := d.Dispatch(context.Background(), messageUpdate("hi"))
	require.ErrorIs(t, err, boom)
	require.True(t, IsHandler(err))
	require.Equal(t, 1, first.calls)
	require.Equal(t, 1, failing.calls)
	require.Zero(t, last.calls)
}

func TestDispatchExhaustedChainContinues(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, quietLogger())
	d.AddMiddleware(&countingHandler{})
	d.AddHandler(&countingHandler{})

	result, err := d.Dispatch(context.Background(), messageUpdate("hi"))
	require.NoError(t, err)
	require.Equal(t, Continue, result)
}

func TestMiddlewareStopPreventsHandlers(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, quietLogger())
	var order []string
	d.AddHandler(HandlerFunc(func(context.Context, *Context, *telego.Update) (Result, error) {
		order = append(order, "handler")
		return Continue, nil
	}))
	d.AddMiddleware(HandlerFunc(func(context.Context, *Context, *telego.Update) (Result, error) {
		order = append(order, "middleware")
		return Continue, nil
	}))

	_, err := d.Dispatch(context.Background(), messageUpdate("hi"))
	require.NoError(t, err)
	require.Equal(t, []string{"middleware", "handler"}, order)

	d.AddMiddleware(&countingHandler{result: Stop})
	order = nil
	result, err := d.Dispatch(context.Background(), messageUpdate("hi"))
	require.NoError(t, err)
	require.Equal(t, Stop, result)
	require.Equal(t, []string{"middleware"}, order)
}

func TestTypedHandlerSkipsInapplicableUpdates(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, quietLogger())
	callbacks := 0
	d.AddHandler(OnCallbackQuery(func(context.Context, *Context, *telego.CallbackQuery) (Result, error) {
		callbacks++
		return Stop, nil
	}))
	after := &countingHandler{}
	d.AddHandler(after)

	result, err := d.Dispatch(context.Background(), messageUpdate("hi"))
	require.NoError(t, err)
	require.Equal(t, Continue, result)
	require.Zero(t, callbacks)
	require.Equal(t, 1, after.calls)
}

func TestOnUpdateRequiresUpdate(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, quietLogger())
	d.AddHandler(OnUpdate(func(context.Context, *Context, *telego.Update) (Result, error) {
		return Continue, nil
	}))

	_, err := d.Dispatch(context.Background(), nil)
	require.True(t, IsConversion(err), "err = %v", err)
	require.ErrorIs(t, err, ErrNoUpdate)
}

func TestDispatchRecoversPanics(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, quietLogger())
	d.AddHandler(HandlerFunc(func(context.Context, *Context, *telego.Update) (Result, error) {
		panic("handler bug")
	}))

	_, err := d.Dispatch(context.Background(), messageUpdate("hi"))
	require.True(t, IsHandler(err))

	// The next update is processed normally.
	d2 := NewDispatcher(nil, quietLogger())
	d2.AddHandler(&countingHandler{result: Stop})
	result, err := d2.Dispatch(context.Background(), messageUpdate("again"))
	require.NoError(t, err)
	require.Equal(t, Stop, result)
}

func TestDispatchForksContextPerCycle(t *testing.T) {
	t.Parallel()

	base := NewContext()
	Insert(base, &apiStub{name: "client"})
	d := NewDispatcher(base, quietLogger())

	var cycles []CycleID
	d.AddMiddleware(HandlerFunc(func(_ context.Context, dc *Context, _ *telego.Update) (Result, error) {
		Insert(dc, "from middleware")
		return Continue, nil
	}))
	d.AddHandler(OnMessage(func(_ context.Context, dc *Context, message *telego.Message) (Result, error) {
		stub, err := Get[*apiStub](dc)
		if err != nil {
			return Continue, err
		}
		if stub.name != "client" {
			return Continue, errors.New("unexpected singleton")
		}
		if MustGet[string](dc) != "from middleware" {
			return Continue, errors.New("middleware value not shared")
		}
		if MustGet[*telego.Update](dc).Message != message {
			return Continue, errors.New("update not registered")
		}
		cycles = append(cycles, MustGet[CycleID](dc))
		return Stop, nil
	}))

	for range 2 {
		_, err := d.Dispatch(context.Background(), messageUpdate("hi"))
		require.NoError(t, err)
	}

	require.Len(t, cycles, 2)
	require.NotEqual(t, cycles[0], cycles[1])
	_, err := Get[string](base)
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestDispatchCycleUsesGivenID(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, quietLogger())
	var seen CycleID
	d.AddHandler(HandlerFunc(func(_ context.Context, dc *Context, _ *telego.Update) (Result, error) {
		seen = MustGet[CycleID](dc)
		return Stop, nil
	}))

	_, err := d.DispatchCycle(context.Background(), "cycle-1", messageUpdate("hi"))
	require.NoError(t, err)
	require.Equal(t, CycleID("cycle-1"), seen)

	_, err = d.DispatchCycle(context.Background(), "", messageUpdate("hi"))
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	require.NotEqual(t, CycleID("cycle-1"), seen)
}

func TestRegistrationDuringDispatchAffectsOnlyFutureUpdates(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, quietLogger())
	late := &countingHandler{result: Stop}
	d.AddHandler(HandlerFunc(func(context.Context, *Context, *telego.Update) (Result, error) {
		d.AddHandler(late)
		return Continue, nil
	}))

	_, err := d.Dispatch(context.Background(), messageUpdate("first"))
	require.NoError(t, err)
	require.Zero(t, late.calls)

	_, err = d.Dispatch(context.Background(), messageUpdate("second"))
	require.NoError(t, err)
	require.Equal(t, 1, late.calls)
}

func TestConcurrentDispatch(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, quietLogger())
	var handled atomic.Int64
	d.AddHandler(OnMessage(func(context.Context, *Context, *telego.Message) (Result, error) {
		handled.Add(1)
		return Stop, nil
	}))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Dispatch(context.Background(), messageUpdate("hi"))
		}()
	}
	wg.Wait()

	require.EqualValues(t, 50, handled.Load())
}

func TestUpdateAccessors(t *testing.T) {
	t.Parallel()

	update := messageUpdate("hi")
	chatID, ok := ChatID(update)
	require.True(t, ok)
	require.EqualValues(t, 100, chatID)

	userID, ok := UserID(update)
	require.True(t, ok)
	require.EqualValues(t, 7, userID)

	callback := &telego.Update{CallbackQuery: &telego.CallbackQuery{ID: "cb", From: telego.User{ID: 9}}}
	_, ok = ChatID(callback)
	require.False(t, ok)
	userID, ok = UserID(callback)
	require.True(t, ok)
	require.EqualValues(t, 9, userID)

	_, ok = UserID(nil)
	require.False(t, ok)
}
