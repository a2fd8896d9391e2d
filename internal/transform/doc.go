// Package transform evaluates the small expression language used by
// register-map entries to post-process decoded values.
//
// The language is an expression grammar only: literals, member access,
// arithmetic, bitwise and comparison operators, the ternary, and a fixed
// set of functions (abs, min, max, round, floor, ceil, trunc, pow, sqrt,
// bit, hex, str, num, fixed, len). The only names in scope are value, raw
// and meta. There are no loops, assignments or user functions, and every
// evaluation runs under a step and wall-clock budget.
//
//	prog, err := transform.Compile("(value & 8) ? 'alarm' : 'ok'")
//	if err != nil {
//	    return err
//	}
//	out, err := prog.Eval(ctx, transform.Env{Value: 8}, transform.DefaultLimits())
package transform
