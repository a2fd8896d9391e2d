package transform

import (
	"context"
	"time"
)

// Default execution budget.
const (
	DefaultMaxSteps = 10000
	DefaultTimeout  = 50 * time.Millisecond
)

// Limits bounds a single evaluation. Zero fields fall back to the defaults.
type Limits struct {
	MaxSteps int
	Timeout  time.Duration
}

// DefaultLimits returns the standard budget.
func DefaultLimits() Limits {
	return Limits{MaxSteps: DefaultMaxSteps, Timeout: DefaultTimeout}
}

func (l Limits) withDefaults() Limits {
	if l.MaxSteps <= 0 {
		l.MaxSteps = DefaultMaxSteps
	}
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	return l
}

// Meta describes the register a value came from.
type Meta struct {
	Address  int
	Register string
	Datatype string
	Offset   int
}

// Env is everything an expression can see.
type Env struct {
	// Value is the decoded register value. Go numeric types are
	// presented to the expression as numbers.
	Value any

	// Raw holds the register's bytes; it appears as an array of numbers.
	Raw []byte

	Meta Meta
}

func (e Env) bindings() map[string]any {
	return map[string]any{
		"value": normalize(e.Value),
		"raw":   normalize(e.Raw),
		"meta": map[string]any{
			"address":  float64(e.Meta.Address),
			"register": e.Meta.Register,
			"datatype": e.Meta.Datatype,
			"offset":   float64(e.Meta.Offset),
		},
	}
}

// Program is a compiled expression. It is immutable and safe for
// concurrent use.
type Program struct {
	src  string
	root node
}

// Compile parses src into a Program.
//
// Parameters:
//   - src: expression source, at most 4096 bytes
//
// Returns:
//   - *Program: ready to evaluate
//   - error: a *SyntaxError matching ErrSyntax, and also ErrUnknownIdentifier
//     or ErrUnknownFunction when a name is outside the whitelist
func Compile(src string) (*Program, error) {
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	return &Program{src: src, root: root}, nil
}

// Source returns the text the program was compiled from.
func (p *Program) Source() string { return p.src }

// Eval runs the program against env within limits.
//
// The result is one of nil, bool, float64, string, []any or
// map[string]any. Running out of steps, passing the deadline or a
// cancelled ctx all yield ErrBudgetExceeded.
func (p *Program) Eval(ctx context.Context, env Env, limits Limits) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	limits = limits.withDefaults()
	s := &state{
		ctx:      ctx,
		env:      env.bindings(),
		maxSteps: limits.MaxSteps,
		deadline: time.Now().Add(limits.Timeout),
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrBudgetExceeded
	}
	return p.root.eval(s)
}
