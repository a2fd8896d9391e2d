package transform

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// builtin is a whitelisted function. maxArgs of -1 means variadic.
type builtin struct {
	minArgs int
	maxArgs int
	call    func(args []any) (any, error)
}

// builtins is the complete set of callable names. Nothing outside this
// table is reachable from an expression.
var builtins = map[string]builtin{
	"abs":   {1, 1, math1(math.Abs)},
	"floor": {1, 1, math1(math.Floor)},
	"ceil":  {1, 1, math1(math.Ceil)},
	"trunc": {1, 1, math1(math.Trunc)},
	"sqrt":  {1, 1, math1(math.Sqrt)},
	"round": {1, 2, fnRound},
	"pow":   {2, 2, fnPow},
	"min":   {1, -1, fnMin},
	"max":   {1, -1, fnMax},
	"bit":   {2, 2, fnBit},
	"hex":   {1, 2, fnHex},
	"str":   {1, 1, fnStr},
	"num":   {1, 1, fnNum},
	"fixed": {2, 2, fnFixed},
	"len":   {1, 1, fnLen},
}

func math1(f func(float64) float64) func([]any) (any, error) {
	return func(args []any) (any, error) {
		return f(toNumber(args[0])), nil
	}
}

// fnRound rounds half up. round(x, d) keeps d decimal places.
func fnRound(args []any) (any, error) {
	x := toNumber(args[0])
	if len(args) == 1 {
		return math.Floor(x + 0.5), nil
	}
	d := clampInt(toInt(args[1]), 0, 15)
	p := math.Pow(10, float64(d))
	return math.Floor(x*p+0.5) / p, nil
}

func fnPow(args []any) (any, error) {
	return math.Pow(toNumber(args[0]), toNumber(args[1])), nil
}

func fnMin(args []any) (any, error) {
	out := math.Inf(1)
	for _, a := range args {
		n := toNumber(a)
		if math.IsNaN(n) {
			return math.NaN(), nil
		}
		out = math.Min(out, n)
	}
	return out, nil
}

func fnMax(args []any) (any, error) {
	out := math.Inf(-1)
	for _, a := range args {
		n := toNumber(a)
		if math.IsNaN(n) {
			return math.NaN(), nil
		}
		out = math.Max(out, n)
	}
	return out, nil
}

// fnBit returns bit n of v as 0 or 1.
func fnBit(args []any) (any, error) {
	v := toInt(args[0])
	n := uint64(toInt(args[1])) & 63
	return float64((v >> n) & 1), nil
}

// fnHex formats v as lowercase hex, zero padded to width digits.
// Negative values use their 64-bit two's complement form.
func fnHex(args []any) (any, error) {
	s := strconv.FormatUint(uint64(toInt(args[0])), 16)
	if len(args) == 2 {
		w := int(clampInt(toInt(args[1]), 0, 16))
		if len(s) < w {
			s = strings.Repeat("0", w-len(s)) + s
		}
	}
	return s, nil
}

func fnStr(args []any) (any, error) {
	return toString(args[0]), nil
}

func fnNum(args []any) (any, error) {
	return toNumber(args[0]), nil
}

func fnFixed(args []any) (any, error) {
	x := toNumber(args[0])
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return formatNumber(x), nil
	}
	d := int(clampInt(toInt(args[1]), 0, 20))
	return strconv.FormatFloat(x, 'f', d, 64), nil
}

func fnLen(args []any) (any, error) {
	switch v := args[0].(type) {
	case string:
		return float64(utf8.RuneCountInString(v)), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	case nil:
		return nil, runtimeErr("len of null")
	}
	return nil, runtimeErr("len of %s", typeName(args[0]))
}

func clampInt(v, lo, hi int64) int64 {
	return max(lo, min(v, hi))
}
