package transform

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to classify a failure.
var (
	// ErrSyntax is returned by Compile for malformed source.
	ErrSyntax = errors.New("transform: syntax error")

	// ErrBudgetExceeded is returned when evaluation runs out of steps or time.
	ErrBudgetExceeded = errors.New("transform: execution budget exceeded")

	// ErrRuntime wraps type errors and other evaluation failures.
	ErrRuntime = errors.New("transform: runtime error")

	// ErrUnknownIdentifier is returned for names other than value, raw and meta.
	ErrUnknownIdentifier = errors.New("transform: unknown identifier")

	// ErrUnknownFunction is returned for calls outside the whitelist.
	ErrUnknownFunction = errors.New("transform: unknown function")
)

// SyntaxError locates a compile failure in the source.
type SyntaxError struct {
	Pos  int
	Msg  string
	kind error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("transform: syntax error at %d: %s", e.Pos, e.Msg)
}

// Unwrap makes errors.Is(err, ErrSyntax) hold, plus ErrUnknownIdentifier or
// ErrUnknownFunction when the failure was a name outside the whitelist.
func (e *SyntaxError) Unwrap() []error {
	if e.kind != nil {
		return []error{ErrSyntax, e.kind}
	}
	return []error{ErrSyntax}
}

func syntaxErr(pos int, format string, args ...any) error {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func runtimeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRuntime, fmt.Sprintf(format, args...))
}
