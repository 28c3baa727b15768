// Package api calls Telegram Bot API methods through a transport.Executor.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tgpipe/pkg/transport"

	"github.com/mymmrac/telego"
)

const DefaultBaseURL = "https://api.telegram.org"

// Client is safe for concurrent use. It is registered once in the base dispatch Context.
type Client struct {
	token    string
	baseURL  string
	executor transport.Executor
}

type ClientOption func(*Client)

// WithBaseURL points the client at a Bot API server other than api.telegram.org.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// NewClient creates a client. An empty token is allowed for executors that do not need one.
func NewClient(token string, executor transport.Executor, opts ...ClientOption) (*Client, error) {
	if executor == nil {
		return nil, fmt.Errorf("api client requires an executor")
	}

	c := &Client{token: token, baseURL: DefaultBaseURL, executor: executor}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Error is a request the Bot API answered with ok=false.
type Error struct {
	Method          string
	Code            int
	Description     string
	RetryAfter      time.Duration
	MigrateToChatID int64
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}

	return msg
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter      int   `json:"retry_after"`
		MigrateToChatID int64 `json:"migrate_to_chat_id"`
	} `json:"parameters"`
}

func (c *Client) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

// Call invokes method and decodes its result into T. A nil params sends a GET.
func Call[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var zero T

	req := transport.Request{Method: transport.MethodGet, URL: c.methodURL(method)}
	if params != nil {
		body, err := json.Marshal(params)
		if err != nil {
			return zero, fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Method = transport.MethodPost
		req.Body = body
	}

	data, err := c.executor.Execute(ctx, req)
	if err != nil {
		return zero, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !env.OK {
		apiErr := &Error{Method: method, Code: env.ErrorCode, Description: env.Description}
		if env.Parameters != nil {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
			apiErr.MigrateToChatID = env.Parameters.MigrateToChatID
		}
		return zero, apiErr
	}

	var result T
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return zero, fmt.Errorf("decode %s result: %w", method, err)
	}

	return result, nil
}

func (c *Client) GetMe(ctx context.Context) (*telego.User, error) {
	return Call[*telego.User](ctx, c, "getMe", nil)
}

func (c *Client) SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	return Call[*telego.Message](ctx, c, "sendMessage", params)
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, params *telego.AnswerCallbackQueryParams) (bool, error) {
	return Call[bool](ctx, c, "answerCallbackQuery", params)
}
