// Package command extracts slash commands from messages and gates handlers on their name.
package command

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"tgpipe/pkg/dispatch"

	"github.com/mymmrac/telego"
)

const (
	marker            = "/"
	entityTypeCommand = "bot_command"
	mentionSeparator  = "@"
)

var (
	// ErrNotCommand is returned by Parse for text that does not start with a command token.
	ErrNotCommand = errors.New("text is not a command")
	// ErrUnterminatedQuote is returned by Parse when an argument quote is never closed.
	ErrUnterminatedQuote = errors.New("unterminated quote in command arguments")
)

// Command is a parsed slash command.
type Command struct {
	// Name includes the leading "/" and never the bot mention.
	Name string
	// Args are the whitespace separated arguments; quotes group words.
	Args []string
	// Mention is the bot username after "@" in "/name@bot", if any.
	Mention string
	// Message is the message the command was parsed from.
	Message *telego.Message
}

// Parse extracts a command from message text.
func Parse(text string) (Command, error) {
	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(trimmed, marker) {
		return Command{}, ErrNotCommand
	}

	head, rest := trimmed, ""
	if i := strings.IndexFunc(trimmed, unicode.IsSpace); i >= 0 {
		head, rest = trimmed[:i], trimmed[i:]
	}

	name, mention, _ := strings.Cut(head, mentionSeparator)
	if name == marker {
		return Command{}, ErrNotCommand
	}

	args, err := splitArgs(rest)
	if err != nil {
		return Command{}, err
	}

	return Command{Name: name, Args: args, Mention: mention}, nil
}

// FromMessage parses the command of a message. The message text must start with a command
// token; when entities are present the first one must be a bot_command at offset 0.
func FromMessage(message *telego.Message) (Command, bool) {
	if message == nil || message.Text == "" {
		return Command{}, false
	}

	if len(message.Entities) > 0 {
		first := message.Entities[0]
		if first.Type != entityTypeCommand || first.Offset != 0 {
			return Command{}, false
		}
	}

	cmd, err := Parse(message.Text)
	if err != nil {
		return Command{}, false
	}
	cmd.Message = message

	return cmd, true
}

// Input is a dispatch.Converter for commands. Non-command updates do not apply.
func Input(_ *dispatch.Context, update *telego.Update) (Command, bool, error) {
	cmd, ok := FromMessage(dispatch.MessageOf(update))
	return cmd, ok, nil
}

// ChatID returns the chat of the message the command came from.
func (c Command) ChatID() int64 {
	if c.Message == nil {
		return 0
	}

	return c.Message.Chat.ID
}

// Arg returns the argument at index i, or "" when absent.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}

	return c.Args[i]
}

// splitArgs splits on whitespace, honouring single quotes, double quotes and backslash escapes.
func splitArgs(input string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)

	for _, r := range input {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inArg = true
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case unicode.IsSpace(r):
			if inArg {
				args = append(args, current.String())
				current.Reset()
				inArg = false
			}
		default:
			current.WriteRune(r)
			inArg = true
		}
	}

	if quote != 0 || escaped {
		return nil, ErrUnterminatedQuote
	}
	if inArg {
		args = append(args, current.String())
	}

	return args, nil
}

// Predicate matches commands by exact, case-sensitive name including the leading "/".
type Predicate struct {
	Name string
}

// NewPredicate creates a Predicate for name, e.g. "/start".
func NewPredicate(name string) Predicate {
	return Predicate{Name: name}
}

// Matches reports whether cmd has the configured name. Arguments are ignored.
func (p Predicate) Matches(cmd Command) bool {
	return cmd.Name == p.Name
}

// Gate lifts the predicate to a dispatch.Gate. Updates without a command do not match.
func (p Predicate) Gate() dispatch.Gate {
	return dispatch.GateFor(Input, func(_ context.Context, _ *dispatch.Context, cmd Command) (bool, error) {
		return p.Matches(cmd), nil
	})
}

// Handle registers fn for the command name.
func Handle(name string, fn dispatch.TypedFunc[Command]) dispatch.Handler {
	return dispatch.Predicate(NewPredicate(name).Gate(), dispatch.Typed(Input, fn))
}
