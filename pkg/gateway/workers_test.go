package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"tgpipe/pkg/bus"
	"tgpipe/pkg/dispatch"
	"tgpipe/pkg/ratelimit"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/require"
)

type slowDispatcher struct {
	mu      sync.Mutex
	current int
	peak    int
	cycles  []dispatch.CycleID
}

func (d *slowDispatcher) DispatchCycle(_ context.Context, cycle dispatch.CycleID, _ *telego.Update) (dispatch.Result, error) {
	d.mu.Lock()
	d.current++
	d.peak = max(d.peak, d.current)
	d.cycles = append(d.cycles, cycle)
	d.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	d.mu.Lock()
	d.current--
	d.mu.Unlock()
	return dispatch.Continue, nil
}

func (d *slowDispatcher) snapshot() (int, []dispatch.CycleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak, append([]dispatch.CycleID(nil), d.cycles...)
}

func TestWorkerPoolBoundsConcurrentDispatches(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := bus.NewUpdateBus(16)
	dispatcher := &slowDispatcher{}
	pool := newWorkerPool(updates, dispatcher, 2, quietLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	for i := range 6 {
		require.True(t, updates.PublishUpdate(ctx, bus.InboundUpdate{Channel: "test", Update: messageUpdate(i, 1, "hi")}))
	}

	require.Eventually(t, func() bool { return pool.Stats().Completed == 6 }, 3*time.Second, 10*time.Millisecond)

	peak, cycles := dispatcher.snapshot()
	require.LessOrEqual(t, peak, 2)
	require.GreaterOrEqual(t, peak, 1)
	require.Len(t, cycles, 6)
	seen := make(map[dispatch.CycleID]bool)
	for _, cycle := range cycles {
		require.NotEmpty(t, cycle)
		require.False(t, seen[cycle], "cycle ids must be unique")
		seen[cycle] = true
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop")
	}
	require.Zero(t, pool.Stats().InFlight)
}

func TestWorkerPoolStopsWhenBusCloses(t *testing.T) {
	t.Parallel()

	updates := bus.NewUpdateBus(1)
	pool := newWorkerPool(updates, &slowDispatcher{}, 0, nil)
	require.Equal(t, defaultMaxConcurrent, pool.Stats().MaxConcurrent)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(context.Background())
	}()

	updates.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop after bus close")
	}
}

type servedLog struct {
	mu     sync.Mutex
	byUser map[int64]int
}

func (s *servedLog) add(user int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[user]++
}

func (s *servedLog) count(user int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byUser[user]
}

func TestWorkerPoolServesOtherUsersWhileOneWaits(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quota, err := ratelimit.NewQuota(2*time.Second, 1)
	require.NoError(t, err)
	limiter, err := ratelimit.Wait(quota, ratelimit.WithKey(ratelimit.KeyUser), ratelimit.WithLogger(quietLogger()))
	require.NoError(t, err)

	served := &servedLog{byUser: make(map[int64]int)}
	d := dispatch.NewDispatcher(nil, quietLogger())
	d.AddHandler(limiter.Predicate(dispatch.OnMessage(func(_ context.Context, _ *dispatch.Context, message *telego.Message) (dispatch.Result, error) {
		served.add(message.From.ID)
		return dispatch.Continue, nil
	})))

	updates := bus.NewUpdateBus(16)
	pool := newWorkerPool(updates, d, 2, quietLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	for i := range 3 {
		require.True(t, updates.PublishUpdate(ctx, bus.InboundUpdate{Channel: "test", Update: messageUpdate(i, 1, "spam")}))
	}
	require.True(t, updates.PublishUpdate(ctx, bus.InboundUpdate{Channel: "test", Update: messageUpdate(3, 2, "hello")}))

	require.Eventually(t, func() bool { return served.count(2) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, served.count(1), "user 1 is still waiting for its bucket")
	require.Eventually(t, func() bool { return pool.Stats().Suspended == 2 }, time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, pool.Stats().InFlight-pool.Stats().Suspended, int64(2))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop")
	}

	stats := pool.Stats()
	require.Zero(t, stats.InFlight)
	require.Zero(t, stats.Suspended)
	require.Equal(t, uint64(2), stats.Failed, "abandoned waits fail with the context error")
	require.Equal(t, 1, served.count(1))
}
