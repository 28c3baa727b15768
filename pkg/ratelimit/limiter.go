package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"tgpipe/pkg/dispatch"

	"github.com/mymmrac/telego"
)

// Outcome is the kind of a limiter decision.
type Outcome int

const (
	Admit Outcome = iota
	AdmitAfterDelay
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Admit:
		return "admitted"
	case AdmitAfterDelay:
		return "delayed"
	case Reject:
		return "rejected"
	default:
		return "unknown"
	}
}

// Decision is the answer for one check. Delay is the suspension for AdmitAfterDelay and the
// time until a token is available for Reject.
type Decision struct {
	Outcome Outcome
	Delay   time.Duration
}

// Admitted reports whether the guarded handler may run.
func (d Decision) Admitted() bool {
	return d.Outcome != Reject
}

// Limiter is a token bucket gate with one bucket per key.
type Limiter struct {
	quota  Quota
	policy Policy
	jitter Jitter
	key    KeyFunc
	store  *Store
	stats  StatsStore
	log    *slog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	int64n func(n int64) int64

	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type Option func(*Limiter)

// WithKey selects how updates map to buckets. The default is DirectKey.
func WithKey(fn KeyFunc) Option {
	return func(l *Limiter) { l.key = fn }
}

// WithJitter sets the extra delay range of PolicyWaitWithJitter.
func WithJitter(j Jitter) Option {
	return func(l *Limiter) { l.jitter = j }
}

func WithStats(s StatsStore) Option {
	return func(l *Limiter) { l.stats = s }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleeper replaces the context-aware sleep used by the wait policies.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// WithRandom replaces the source of jitter. int64n(n) must return a value in [0, n).
func WithRandom(int64n func(n int64) int64) Option {
	return func(l *Limiter) { l.int64n = int64n }
}

// WithIdleTTL sets how long an unused bucket is kept. Values below the quota period are raised.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

// WithCleanupEvery sets the janitor interval. Zero disables the janitor.
func WithCleanupEvery(d time.Duration) Option {
	return func(l *Limiter) { l.cleanupEvery = d }
}

// New creates a limiter. An invalid quota or jitter is a configuration error.
func New(quota Quota, policy Policy, opts ...Option) (*Limiter, error) {
	if err := quota.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		quota:        quota,
		policy:       policy,
		key:          DirectKey,
		now:          time.Now,
		sleep:        sleepContext,
		idleTTL:      defaultIdleTTL,
		cleanupEvery: defaultCleanupEvery,
	}
	for _, opt := range opts {
		opt(l)
	}

	switch policy {
	case PolicyDiscard, PolicyWait, PolicyWaitWithJitter:
	default:
		return nil, dispatch.ConfigurationError("limiter", "unknown policy %d", int(policy))
	}
	if l.jitter.Max < 0 {
		return nil, dispatch.ConfigurationError("limiter", "jitter must not be negative, got %s", l.jitter.Max)
	}
	if l.key == nil {
		return nil, dispatch.ConfigurationError("limiter", "key function is nil")
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.log = l.log.With("component", "ratelimit", "policy", policy.String())
	l.store = NewStore(quota, l.idleTTL, l.cleanupEvery)

	return l, nil
}

// Discard rejects updates that find their bucket empty.
func Discard(quota Quota, opts ...Option) (*Limiter, error) {
	return New(quota, PolicyDiscard, opts...)
}

// Wait delays updates until their reserved token is due.
func Wait(quota Quota, opts ...Option) (*Limiter, error) {
	return New(quota, PolicyWait, opts...)
}

// WaitWithJitter delays like Wait plus a random extra delay of at most jitter.Max.
func WaitWithJitter(quota Quota, jitter Jitter, opts ...Option) (*Limiter, error) {
	return New(quota, PolicyWaitWithJitter, append(opts, WithJitter(jitter))...)
}

// Store exposes the bucket store.
func (l *Limiter) Store() *Store { return l.store }

// Start runs the idle bucket janitor until ctx is done.
func (l *Limiter) Start(ctx context.Context) {
	l.store.StartJanitor(ctx, l.now)
}

// Decide takes the decision for key without sleeping.
//
// Under the wait policies the token is reserved here, so the bucket is projected forward and
// concurrent callers queue behind each other instead of sharing one token.
func (l *Limiter) Decide(key string) Decision {
	now := l.now()
	lim := l.store.Get(key, now)

	if l.policy == PolicyDiscard {
		if lim.AllowN(now, 1) {
			return Decision{Outcome: Admit}
		}
		return Decision{Outcome: Reject, Delay: l.quota.deficit(lim.TokensAt(now))}
	}

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Outcome: Reject}
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return Decision{Outcome: Admit}
	}
	if l.policy == PolicyWaitWithJitter {
		delay += l.jitter.sample(l.int64n)
	}

	return Decision{Outcome: AdmitAfterDelay, Delay: delay}
}

// Check decides for key and, for a delayed admission, sleeps until it is due.
//
// The sleep runs through dispatch.Suspend. When ctx ends during the sleep the context error is
// returned and the reserved token stays consumed.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	decision := l.Decide(key)
	l.record(ctx, key, decision)

	if decision.Outcome == AdmitAfterDelay {
		err := dispatch.Suspend(ctx, func() error { return l.sleep(ctx, decision.Delay) })
		if err != nil {
			l.log.Debug("Rate limit wait abandoned", "key", key, "delay", decision.Delay, "error", err)
			return decision, err
		}
	}

	return decision, nil
}

// Gate evaluates to true when the update is admitted. Updates without a key are not admitted.
func (l *Limiter) Gate() dispatch.Gate {
	return func(ctx context.Context, _ *dispatch.Context, update *telego.Update) (bool, error) {
		key, ok := l.key(update)
		if !ok {
			l.log.Debug("Update has no rate limit key")
			return false, nil
		}

		decision, err := l.Check(ctx, key)
		if err != nil {
			return false, err
		}
		if !decision.Admitted() {
			l.log.Debug("Update rejected by rate limit", "key", key, "retry_after", decision.Delay)
		}

		return decision.Admitted(), nil
	}
}

// Predicate wraps inner with the limiter gate.
func (l *Limiter) Predicate(inner dispatch.Handler) dispatch.Handler {
	return dispatch.Predicate(l.Gate(), inner)
}

func (l *Limiter) record(ctx context.Context, key string, decision Decision) {
	if l.stats == nil {
		return
	}

	ev := StatsEvent{Key: key, Outcome: decision.Outcome, Delay: decision.Delay, At: l.now()}
	if err := l.stats.Record(context.WithoutCancel(ctx), ev); err != nil {
		l.log.Warn("Failed to record rate limit stats", "key", key, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
