// Package access decides which updates reach the handlers, based on who sent them.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"tgpipe/pkg/config"
	"tgpipe/pkg/dispatch"

	"github.com/mymmrac/telego"
)

const (
	chatPrefix     = "chat:"
	usernamePrefix = "@"
	anyone         = "*"
)

type principalKind int

const (
	kindAll principalKind = iota
	kindUserID
	kindUsername
	kindChatID
)

// Principal identifies the origin of an update: a user id, a username or a chat.
type Principal struct {
	kind     principalKind
	id       int64
	username string
}

// All matches every update.
func All() Principal { return Principal{kind: kindAll} }

func UserID(id int64) Principal { return Principal{kind: kindUserID, id: id} }

// Username matches the sender username, case-insensitively, with or without the leading "@".
func Username(name string) Principal {
	return Principal{kind: kindUsername, username: strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), usernamePrefix))}
}

func ChatID(id int64) Principal { return Principal{kind: kindChatID, id: id} }

// ParsePrincipal reads "*", "123", "@name" or "chat:-100123".
func ParsePrincipal(raw string) (Principal, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return Principal{}, fmt.Errorf("empty principal")
	case s == anyone:
		return All(), nil
	case strings.HasPrefix(s, usernamePrefix):
		if len(s) == len(usernamePrefix) {
			return Principal{}, fmt.Errorf("principal %q has no username", raw)
		}
		return Username(s), nil
	case strings.HasPrefix(s, chatPrefix):
		id, err := strconv.ParseInt(strings.TrimPrefix(s, chatPrefix), 10, 64)
		if err != nil {
			return Principal{}, fmt.Errorf("parse chat principal %q: %w", raw, err)
		}
		return ChatID(id), nil
	default:
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Principal{}, fmt.Errorf("parse user principal %q: %w", raw, err)
		}
		return UserID(id), nil
	}
}

// Matches reports whether the update originates from the principal.
func (p Principal) Matches(update *telego.Update) bool {
	switch p.kind {
	case kindAll:
		return true
	case kindUserID:
		id, ok := dispatch.UserID(update)
		return ok && id == p.id
	case kindUsername:
		sender := dispatch.SenderOf(update)
		return sender != nil && sender.Username != "" && strings.EqualFold(sender.Username, p.username)
	case kindChatID:
		id, ok := dispatch.ChatID(update)
		return ok && id == p.id
	default:
		return false
	}
}

func (p Principal) String() string {
	switch p.kind {
	case kindAll:
		return anyone
	case kindUserID:
		return strconv.FormatInt(p.id, 10)
	case kindUsername:
		return usernamePrefix + p.username
	case kindChatID:
		return chatPrefix + strconv.FormatInt(p.id, 10)
	default:
		return "unknown"
	}
}

// Rule grants or denies access to a principal.
type Rule struct {
	Principal Principal
	Allow     bool
}

func AllowRule(p Principal) Rule { return Rule{Principal: p, Allow: true} }

func DenyRule(p Principal) Rule { return Rule{Principal: p} }

// ParseRule reads an action ("allow" or "deny") and a principal.
func ParseRule(action, principal string) (Rule, error) {
	p, err := ParsePrincipal(principal)
	if err != nil {
		return Rule{}, err
	}

	switch strings.ToLower(strings.TrimSpace(action)) {
	case "allow":
		return AllowRule(p), nil
	case "deny":
		return DenyRule(p), nil
	default:
		return Rule{}, fmt.Errorf("unknown access action %q", action)
	}
}

func (r Rule) String() string {
	if r.Allow {
		return "allow " + r.Principal.String()
	}

	return "deny " + r.Principal.String()
}

// Policy decides whether an update may proceed.
type Policy interface {
	IsGranted(ctx context.Context, update *telego.Update) (bool, error)
}

// InMemoryPolicy evaluates rules in order. The first matching rule decides; no match denies.
type InMemoryPolicy struct {
	rules []Rule
}

func NewInMemoryPolicy(rules ...Rule) *InMemoryPolicy {
	return &InMemoryPolicy{rules: append([]Rule(nil), rules...)}
}

// PushRule appends a rule. Rules must be added before the policy is used concurrently.
func (p *InMemoryPolicy) PushRule(rule Rule) *InMemoryPolicy {
	p.rules = append(p.rules, rule)
	return p
}

func (p *InMemoryPolicy) Rules() []Rule {
	return append([]Rule(nil), p.rules...)
}

func (p *InMemoryPolicy) IsGranted(_ context.Context, update *telego.Update) (bool, error) {
	for _, rule := range p.rules {
		if rule.Principal.Matches(update) {
			return rule.Allow, nil
		}
	}

	return false, nil
}

// FromConfig builds a policy from configuration: every Allow entry becomes an allow rule, then
// Rules follow in order.
func FromConfig(cfg config.AccessConfig) (*InMemoryPolicy, error) {
	policy := NewInMemoryPolicy()
	for _, raw := range cfg.Allow {
		p, err := ParsePrincipal(raw)
		if err != nil {
			return nil, fmt.Errorf("access.allow: %w", err)
		}
		policy.PushRule(AllowRule(p))
	}

	for i, rc := range cfg.Rules {
		rule, err := ParseRule(rc.Action, rc.Principal)
		if err != nil {
			return nil, fmt.Errorf("access.rules[%d]: %w", i, err)
		}
		policy.PushRule(rule)
	}

	return policy, nil
}

// Middleware continues granted updates and stops the rest. A policy failure ends the chain.
func Middleware(policy Policy, log *slog.Logger) dispatch.Handler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "access")

	return dispatch.HandlerFunc(func(ctx context.Context, _ *dispatch.Context, update *telego.Update) (dispatch.Result, error) {
		granted, err := policy.IsGranted(ctx, update)
		if err != nil {
			return dispatch.Continue, dispatch.NewError(dispatch.ErrorGate, "access", err)
		}
		if granted {
			return dispatch.Continue, nil
		}

		attrs := []any{}
		if update != nil {
			attrs = append(attrs, "update_id", update.UpdateID)
		}
		if id, ok := dispatch.UserID(update); ok {
			attrs = append(attrs, "user_id", id)
		}
		if id, ok := dispatch.ChatID(update); ok {
			attrs = append(attrs, "chat_id", id)
		}
		log.Info("Access denied", attrs...)

		return dispatch.Stop, nil
	})
}
