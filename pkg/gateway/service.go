package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tgpipe/pkg/bus"
	"tgpipe/pkg/channel"
	"tgpipe/pkg/config"
	"tgpipe/pkg/ratelimit"

	"github.com/mymmrac/telego"
)

const (
	defaultHealthInterval = 30 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// BotInfo reports the bot identity; a successful call marks the Bot API as reachable.
type BotInfo interface {
	GetMe(ctx context.Context) (*telego.User, error)
}

// Service runs channels, dispatch workers and the status server until its context ends or
// every channel has stopped.
type Service struct {
	cfg      config.GatewayConfig
	log      *slog.Logger
	bus      *bus.UpdateBus
	workers  *workerPool
	channels []channel.Adapter

	bot            BotInfo
	stats          ratelimit.StatsReader
	healthInterval time.Duration

	mu            sync.RWMutex
	startedAt     time.Time
	botLastOKAt   time.Time
	botLastErr    string
	botUsername   string
	channelStates map[string]channelState
}

type Option func(*Service)

// WithBotInfo enables Bot API health checks; readiness then requires the last check to pass.
func WithBotInfo(bot BotInfo) Option {
	return func(s *Service) { s.bot = bot }
}

// WithStats exposes rate limiter counters on /stats.
func WithStats(stats ratelimit.StatsReader) Option {
	return func(s *Service) { s.stats = stats }
}

func WithHealthInterval(d time.Duration) Option {
	return func(s *Service) { s.healthInterval = d }
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Bot           string                  `json:"bot,omitempty"`
	BotLastOKAt   string                  `json:"bot_last_ok_at,omitempty"`
	BotLastErr    string                  `json:"bot_last_error,omitempty"`
	Channels      map[string]channelState `json:"channels"`
	Workers       workerStats             `json:"workers"`
}

func NewService(cfg config.GatewayConfig, updates *bus.UpdateBus, dispatcher Dispatcher, adapters []channel.Adapter, log *slog.Logger, opts ...Option) (*Service, error) {
	if updates == nil {
		return nil, errors.New("update bus is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	s := &Service{
		cfg:            cfg,
		log:            log.With("component", "gateway.service"),
		bus:            updates,
		workers:        newWorkerPool(updates, dispatcher, cfg.MaxConcurrent, log),
		channels:       adapters,
		healthInterval: defaultHealthInterval,
		channelStates:  channelStates,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Run blocks until ctx ends, a channel fails, the status server fails, or every channel
// returned. In-flight dispatches are cancelled and awaited, and the bus is closed on return.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkBotHealth(ctx); err != nil {
		return err
	}

	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})
	}

	runCtx, cancel := context.WithCancel(ctx)
	var background sync.WaitGroup
	defer func() {
		cancel()
		background.Wait()
		s.bus.Close()
	}()

	serverErrors := make(chan error, 1)
	if s.cfg.StatusEnabled() {
		background.Add(1)
		go func() {
			defer background.Done()
			s.runStatusServer(runCtx, serverErrors)
		}()
	}

	if s.bot != nil && s.healthInterval > 0 {
		background.Add(1)
		go func() {
			defer background.Done()
			ticker := time.NewTicker(s.healthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					_ = s.checkBotHealth(runCtx)
				}
			}
		}()
	}

	background.Add(1)
	go func() {
		defer background.Done()
		s.workers.Run(runCtx)
	}()

	errCh := make(chan error, len(s.channels))
	doneCh := make(chan struct{}, len(s.channels))
	for _, adapter := range s.channels {
		background.Add(1)
		go func() {
			defer background.Done()
			err := adapter.Run(runCtx, channel.BusSink(s.bus, adapter.Name()))
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
				return
			}
			s.log.Info("Channel stopped", "channel", adapter.Name())
			doneCh <- struct{}{}
		}()
	}

	stopped := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serverErrors:
			return err
		case err := <-errCh:
			return err
		case <-doneCh:
			stopped++
			if stopped == len(s.channels) {
				return nil
			}
		}
	}
}

func (s *Service) runStatusServer(ctx context.Context, errCh chan<- error) {
	addr := s.cfg.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondJSON(w, statusCode, s.currentStatus(status))
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "rate limit stats are disabled"})
		return
	}

	snapshot, err := s.stats.Snapshot(r.Context())
	if err != nil {
		s.log.Warn("Failed to read rate limit stats", "error", err)
		s.respondJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	s.respondJSON(w, http.StatusOK, snapshot)
}

func (s *Service) respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	botLastOK := ""
	if !s.botLastOKAt.IsZero() {
		botLastOK = s.botLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Bot:           s.botUsername,
		BotLastOKAt:   botLastOK,
		BotLastErr:    s.botLastErr,
		Channels:      channels,
		Workers:       s.workers.Stats(),
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anyRunning := false
	for _, state := range s.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}
	if !anyRunning {
		return false
	}

	if s.bot == nil {
		return true
	}

	return !s.botLastOKAt.IsZero() && s.botLastErr == ""
}

func (s *Service) checkBotHealth(ctx context.Context) error {
	if s.bot == nil {
		return nil
	}

	me, err := s.bot.GetMe(ctx)
	if err != nil {
		s.mu.Lock()
		s.botLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("bot api health check failed: %w", err)
	}

	s.mu.Lock()
	s.botLastErr = ""
	s.botLastOKAt = time.Now().UTC()
	if me != nil {
		s.botUsername = me.Username
	}
	s.mu.Unlock()

	return nil
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
