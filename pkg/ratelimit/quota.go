// Package ratelimit gates handlers with per-key token buckets.
//
// A Limiter admits an update immediately while its bucket holds a token. When the bucket is
// empty the configured Policy decides: discard rejects the update, wait reserves the next token
// and suspends the update until it is due, and wait-with-jitter adds a random extra delay.
package ratelimit

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"tgpipe/pkg/dispatch"

	"golang.org/x/time/rate"
)

const (
	DefaultPeriod = 5 * time.Second
	DefaultBurst  = 1
	DefaultJitter = 5 * time.Second
)

// Quota is the size and refill period of a token bucket. Burst tokens refill over Period.
type Quota struct {
	Period time.Duration
	Burst  int
}

// NewQuota validates and builds a quota.
func NewQuota(period time.Duration, burst int) (Quota, error) {
	q := Quota{Period: period, Burst: burst}
	if err := q.Validate(); err != nil {
		return Quota{}, err
	}

	return q, nil
}

// Validate reports a configuration error for a non-positive period or a burst below 1.
func (q Quota) Validate() error {
	if q.Period <= 0 {
		return dispatch.ConfigurationError("quota", "period must be positive, got %s", q.Period)
	}
	if q.Burst < 1 {
		return dispatch.ConfigurationError("quota", "burst must be at least 1, got %d", q.Burst)
	}

	return nil
}

// Limit is the refill rate in tokens per second.
func (q Quota) Limit() rate.Limit {
	return rate.Limit(float64(q.Burst) / q.Period.Seconds())
}

// deficit is the time until one token is available when the bucket holds tokens.
func (q Quota) deficit(tokens float64) time.Duration {
	if tokens >= 1 {
		return 0
	}

	return time.Duration((1 - tokens) * float64(q.Period) / float64(q.Burst))
}

// Jitter is a uniformly distributed extra delay in [0, Max].
type Jitter struct {
	Max time.Duration
}

// UpTo creates a jitter of at most max.
func UpTo(max time.Duration) Jitter {
	return Jitter{Max: max}
}

func (j Jitter) sample(int64n func(int64) int64) time.Duration {
	if j.Max <= 0 {
		return 0
	}
	if int64n == nil {
		int64n = rand.Int64N
	}

	return time.Duration(int64n(int64(j.Max) + 1))
}

// Policy decides what happens to an update that finds its bucket empty.
type Policy int

const (
	PolicyDiscard Policy = iota
	PolicyWait
	PolicyWaitWithJitter
)

func (p Policy) String() string {
	switch p {
	case PolicyDiscard:
		return "discard"
	case PolicyWait:
		return "wait"
	case PolicyWaitWithJitter:
		return "wait_with_jitter"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts "discard", "wait" and "wait_with_jitter".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "discard":
		return PolicyDiscard, nil
	case "wait":
		return PolicyWait, nil
	case "wait_with_jitter":
		return PolicyWaitWithJitter, nil
	default:
		return 0, dispatch.ConfigurationError("policy", "unknown rate limit policy %q", s)
	}
}

// Strategy couples a key mode with a policy, as selected by name on the command line.
type Strategy struct {
	Name   string
	Policy Policy
	Key    KeyFunc
	Keyed  bool
}

var strategies = map[string]Strategy{
	"direct_discard":          {Policy: PolicyDiscard, Key: DirectKey},
	"direct_wait":             {Policy: PolicyWait, Key: DirectKey},
	"direct_wait_with_jitter": {Policy: PolicyWaitWithJitter, Key: DirectKey},
	"keyed_discard":           {Policy: PolicyDiscard, Key: KeyChat, Keyed: true},
	"keyed_wait":              {Policy: PolicyWait, Key: KeyUser, Keyed: true},
	"keyed_wait_with_jitter":  {Policy: PolicyWaitWithJitter, Key: KeyChatUser, Keyed: true},
}

// ParseStrategy resolves a strategy name such as "keyed_wait".
func ParseStrategy(name string) (Strategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	s, ok := strategies[normalized]
	if !ok {
		return Strategy{}, dispatch.ConfigurationError("strategy", "unknown rate limit strategy %q (known: %s)", name, strings.Join(StrategyNames(), ", "))
	}
	s.Name = normalized

	return s, nil
}

// StrategyNames lists the accepted strategy names in a stable order.
func StrategyNames() []string {
	return []string{
		"direct_discard",
		"direct_wait",
		"direct_wait_with_jitter",
		"keyed_discard",
		"keyed_wait",
		"keyed_wait_with_jitter",
	}
}

// FromStrategy builds a limiter for a named strategy.
func FromStrategy(s Strategy, quota Quota, jitter Jitter, opts ...Option) (*Limiter, error) {
	if s.Key == nil {
		return nil, dispatch.ConfigurationError("strategy", "strategy %q has no key function", s.Name)
	}

	opts = append([]Option{WithKey(s.Key), WithJitter(jitter)}, opts...)
	return New(quota, s.Policy, opts...)
}

func (s Strategy) String() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.Policy)
}
