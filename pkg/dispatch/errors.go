package dispatch

import (
	"errors"
	"fmt"
)

const (
	ErrorConfiguration = "configuration"
	ErrorConversion    = "conversion"
	ErrorGate          = "gate"
	ErrorHandler       = "handler"
)

var (
	// ErrNotRegistered is returned when no value of the requested type is stored in a Context.
	ErrNotRegistered = errors.New("type not registered")
	// ErrWrongType is returned when the stored value cannot be converted to the requested type.
	ErrWrongType = errors.New("wrong type requested")
	// ErrNoUpdate is the cause of a conversion error for handlers that require an update.
	ErrNoUpdate = errors.New("update is missing")
)

// Error is a categorized pipeline failure. Err keeps the cause reachable through errors.Is/As.
type Error struct {
	Category string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Category
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Err == nil {
		return msg
	}

	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// NewError creates a categorized pipeline error.
func NewError(category string, op string, err error) error {
	return &Error{Category: category, Op: op, Err: err}
}

// ConfigurationError reports an invalid construction parameter.
func ConfigurationError(op string, format string, args ...any) error {
	return &Error{Category: ErrorConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// CategoryFromError returns the category of the outermost pipeline error, or "" if err is not one.
func CategoryFromError(err error) string {
	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return ""
}

func IsConfiguration(err error) bool { return CategoryFromError(err) == ErrorConfiguration }
func IsConversion(err error) bool    { return CategoryFromError(err) == ErrorConversion }
func IsGate(err error) bool          { return CategoryFromError(err) == ErrorGate }
func IsHandler(err error) bool       { return CategoryFromError(err) == ErrorHandler }

// categorize wraps err as a handler error unless it already carries a category.
func categorize(op string, err error) error {
	if err == nil {
		return nil
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return err
	}

	return &Error{Category: ErrorHandler, Op: op, Err: err}
}
