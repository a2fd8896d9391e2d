package transform

import (
	"context"
	"math"
	"strconv"
	"time"
)

type node interface {
	eval(s *state) (any, error)
}

// clockInterval is how many steps run between wall clock checks.
const clockInterval = 64

// state carries the budget for one evaluation.
type state struct {
	ctx      context.Context
	env      map[string]any
	steps    int
	maxSteps int
	deadline time.Time
}

func (s *state) tick() error {
	s.steps++
	if s.maxSteps > 0 && s.steps > s.maxSteps {
		return ErrBudgetExceeded
	}
	if s.steps%clockInterval == 0 {
		if !s.deadline.IsZero() && time.Now().After(s.deadline) {
			return ErrBudgetExceeded
		}
		if err := s.ctx.Err(); err != nil {
			return ErrBudgetExceeded
		}
	}
	return nil
}

type literalNode struct{ v any }

func (n *literalNode) eval(s *state) (any, error) {
	return n.v, s.tick()
}

type bindingNode struct{ name string }

func (n *bindingNode) eval(s *state) (any, error) {
	return s.env[n.name], s.tick()
}

type memberNode struct {
	obj node
	key node
}

func (n *memberNode) eval(s *state) (any, error) {
	if err := s.tick(); err != nil {
		return nil, err
	}
	obj, err := n.obj.eval(s)
	if err != nil {
		return nil, err
	}
	key, err := n.key.eval(s)
	if err != nil {
		return nil, err
	}
	return member(obj, key)
}

func member(obj, key any) (any, error) {
	switch o := obj.(type) {
	case nil:
		return nil, runtimeErr("cannot read property %q of null", toString(key))
	case map[string]any:
		return o[toString(key)], nil
	case []any:
		if toString(key) == "length" {
			return float64(len(o)), nil
		}
		if i, ok := index(key, len(o)); ok {
			return o[i], nil
		}
		return nil, nil
	case string:
		if toString(key) == "length" {
			return float64(len(o)), nil
		}
		if i, ok := index(key, len(o)); ok {
			return o[i : i+1], nil
		}
		return nil, nil
	}
	return nil, nil
}

func index(key any, n int) (int, bool) {
	var f float64
	switch k := key.(type) {
	case float64:
		f = k
	case string:
		v, err := strconv.Atoi(k)
		if err != nil {
			return 0, false
		}
		f = float64(v)
	default:
		return 0, false
	}
	if f != math.Trunc(f) || f < 0 || f >= float64(n) {
		return 0, false
	}
	return int(f), true
}

type callNode struct {
	name string
	fn   func(args []any) (any, error)
	args []node
}

func (n *callNode) eval(s *state) (any, error) {
	if err := s.tick(); err != nil {
		return nil, err
	}
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(s)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return n.fn(args)
}

type unaryNode struct {
	op string
	x  node
}

func (n *unaryNode) eval(s *state) (any, error) {
	if err := s.tick(); err != nil {
		return nil, err
	}
	x, err := n.x.eval(s)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(x), nil
	case "-":
		return -toNumber(x), nil
	case "+":
		return toNumber(x), nil
	case "~":
		return float64(^toInt(x)), nil
	}
	return nil, runtimeErr("unknown operator %s", n.op)
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(s *state) (any, error) {
	if err := s.tick(); err != nil {
		return nil, err
	}
	a, err := n.left.eval(s)
	if err != nil {
		return nil, err
	}
	b, err := n.right.eval(s)
	if err != nil {
		return nil, err
	}
	return binary(n.op, a, b)
}

func binary(op string, a, b any) (any, error) {
	switch op {
	case "+":
		_, as := a.(string)
		_, bs := b.(string)
		if as || bs {
			return toString(a) + toString(b), nil
		}
		return toNumber(a) + toNumber(b), nil
	case "-":
		return toNumber(a) - toNumber(b), nil
	case "*":
		return toNumber(a) * toNumber(b), nil
	case "/":
		return toNumber(a) / toNumber(b), nil
	case "%":
		return math.Mod(toNumber(a), toNumber(b)), nil
	case "&":
		return float64(toInt(a) & toInt(b)), nil
	case "|":
		return float64(toInt(a) | toInt(b)), nil
	case "^":
		return float64(toInt(a) ^ toInt(b)), nil
	case "<<":
		return float64(toInt(a) << (uint64(toInt(b)) & 63)), nil
	case ">>":
		return float64(toInt(a) >> (uint64(toInt(b)) & 63)), nil
	case "==":
		return looseEqual(a, b), nil
	case "!=":
		return !looseEqual(a, b), nil
	case "===":
		return strictEqual(a, b), nil
	case "!==":
		return !strictEqual(a, b), nil
	case "<", "<=", ">", ">=":
		c, ok := compare(a, b)
		if !ok {
			return false, nil
		}
		switch op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}
	return nil, runtimeErr("unknown operator %s", op)
}

// logicalNode short-circuits; the right side is only evaluated when needed.
type logicalNode struct {
	op          string
	left, right node
}

func (n *logicalNode) eval(s *state) (any, error) {
	if err := s.tick(); err != nil {
		return nil, err
	}
	a, err := n.left.eval(s)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !truthy(a) {
			return a, nil
		}
	case "||":
		if truthy(a) {
			return a, nil
		}
	case "??":
		if a != nil {
			return a, nil
		}
	}
	return n.right.eval(s)
}

type condNode struct {
	cond, then, otherwise node
}

func (n *condNode) eval(s *state) (any, error) {
	if err := s.tick(); err != nil {
		return nil, err
	}
	c, err := n.cond.eval(s)
	if err != nil {
		return nil, err
	}
	if truthy(c) {
		return n.then.eval(s)
	}
	return n.otherwise.eval(s)
}

type arrayNode struct{ elems []node }

func (n *arrayNode) eval(s *state) (any, error) {
	if err := s.tick(); err != nil {
		return nil, err
	}
	out := make([]any, len(n.elems))
	for i, e := range n.elems {
		v, err := e.eval(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type objectNode struct {
	keys []string
	vals []node
}

func (n *objectNode) eval(s *state) (any, error) {
	if err := s.tick(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(n.keys))
	for i, k := range n.keys {
		v, err := n.vals[i].eval(s)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
