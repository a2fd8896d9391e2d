package transform

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
)

func eval(t *testing.T, src string, env Env) any {
	t.Helper()
	prog, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile(%q) error = %v", src, err)
	}
	out, err := prog.Eval(context.Background(), env, DefaultLimits())
	if err != nil {
		t.Fatalf("Eval(%q) error = %v", src, err)
	}
	return out
}

func TestEvalOperators(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{"1 + 2 * 3", 7.0},
		{"(1 + 2) * 3", 9.0},
		{"10 / 4", 2.5},
		{"10 % 4", 2.0},
		{"-value", -5.0},
		{"+'3'", 3.0},
		{"!0", true},
		{"~0", -1.0},
		{"0xff & 0x0f", 15.0},
		{"1 << 4", 16.0},
		{"256 >> 4", 16.0},
		{"5 | 2", 7.0},
		{"6 ^ 3", 5.0},
		{"1 << 65", 2.0},
		{"'a' + 1", "a1"},
		{"1 + '1'", "11"},
		{"1 == '1'", true},
		{"1 === '1'", false},
		{"null == undefined", true},
		{"null == 0", false},
		{"2 != 3", true},
		{"2 !== 2", false},
		{"'abc' < 'abd'", true},
		{"3 >= 3", true},
		{"0 && 'x'", 0.0},
		{"1 && 'x'", "x"},
		{"'' || 'fallback'", "fallback"},
		{"null ?? 'dflt'", "dflt"},
		{"0 ?? 'dflt'", 0.0},
		{"value > 3 ? 'hi' : 'lo'", "hi"},
		{"false ? 1 : false ? 2 : 3", 3.0},
		{"[1, 2, 3][1]", 2.0},
		{"[1, 2, 3].length", 3.0},
		{"{a: 1, 'b': 2}.b", 2.0},
		{"'hello'[1]", "e"},
		{"1e3", 1000.0},
		{".5 + .5", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got := eval(t, tt.src, Env{Value: 5})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEvalBitfieldAlarm(t *testing.T) {
	prog, err := Compile("(value & 8) ? 'alarm' : 'ok'")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	tests := []struct {
		value any
		want  string
	}{
		{uint16(8), "alarm"},
		{uint16(0x0f), "alarm"},
		{uint16(7), "ok"},
		{int64(0), "ok"},
	}
	for _, tt := range tests {
		got, err := prog.Eval(context.Background(), Env{Value: tt.value}, DefaultLimits())
		if err != nil {
			t.Fatalf("Eval(%v) error = %v", tt.value, err)
		}
		if got != tt.want {
			t.Errorf("Eval(%v) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestEvalBindings(t *testing.T) {
	env := Env{
		Value: 21.5,
		Raw:   []byte{0x00, 0xd7},
		Meta:  Meta{Address: 40001, Register: "40001", Datatype: "uint16", Offset: 0},
	}

	tests := []struct {
		src  string
		want any
	}{
		{"value * 2", 43.0},
		{"raw[1]", 215.0},
		{"raw.length", 2.0},
		{"raw[5]", nil},
		{"meta.address", 40001.0},
		{"meta.register + '/' + meta.datatype", "40001/uint16"},
		{"meta.offset", 0.0},
		{"meta.nothing", nil},
		{"(raw[0] << 8) | raw[1]", 215.0},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			if got := eval(t, tt.src, env); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEvalFunctions(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{"abs(-3)", 3.0},
		{"min(4, 2, 8)", 2.0},
		{"max(4, 2, 8)", 8.0},
		{"round(2.5)", 3.0},
		{"round(-2.5)", -2.0},
		{"round(1.2345, 2)", 1.23},
		{"floor(2.7)", 2.0},
		{"ceil(2.1)", 3.0},
		{"trunc(-2.7)", -2.0},
		{"pow(2, 10)", 1024.0},
		{"sqrt(16)", 4.0},
		{"bit(8, 3)", 1.0},
		{"bit(8, 2)", 0.0},
		{"hex(255)", "ff"},
		{"hex(10, 4)", "000a"},
		{"str(2.5)", "2.5"},
		{"str(true)", "true"},
		{"num('42')", 42.0},
		{"num('0x10')", 16.0},
		{"fixed(3.14159, 2)", "3.14"},
		{"fixed(2, 1)", "2.0"},
		{"len('abc')", 3.0},
		{"len([1, 2])", 2.0},
		{"len({a: 1})", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			if got := eval(t, tt.src, Env{}); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEvalNaN(t *testing.T) {
	got := eval(t, "num('abc')", Env{})
	f, ok := got.(float64)
	if !ok || !math.IsNaN(f) {
		t.Errorf("num('abc') = %v, want NaN", got)
	}
	if got := eval(t, "num('abc') < 1", Env{}); got != false {
		t.Errorf("NaN comparison = %v, want false", got)
	}
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
		is   error
	}{
		{"empty", "", ErrSyntax},
		{"blank", "   ", ErrSyntax},
		{"unknown identifier", "process.exit(1)", ErrUnknownIdentifier},
		{"global object", "globalThis", ErrUnknownIdentifier},
		{"unknown function", "require('fs')", ErrUnknownFunction},
		{"eval", "eval('1')", ErrUnknownFunction},
		{"call on value", "value()", ErrSyntax},
		{"method call", "meta.register.toString()", ErrSyntax},
		{"assignment", "value = 1", ErrSyntax},
		{"statement", "value; 1", ErrSyntax},
		{"unterminated string", "'abc", ErrSyntax},
		{"unbalanced paren", "(1 + 2", ErrSyntax},
		{"trailing token", "1 2", ErrSyntax},
		{"bad arity", "abs()", ErrSyntax},
		{"too many args", "sqrt(1, 2)", ErrSyntax},
		{"bad number", "0x", ErrSyntax},
		{"too long", strings.Repeat("1+", maxSourceLen) + "1", ErrSyntax},
		{"too deep", strings.Repeat("(", maxDepth+1) + "1" + strings.Repeat(")", maxDepth+1), ErrSyntax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.src)
			if err == nil {
				t.Fatalf("Compile(%q) succeeded, want error", tt.src)
			}
			if !errors.Is(err, tt.is) {
				t.Errorf("Compile(%q) error = %v, want errors.Is %v", tt.src, err, tt.is)
			}
			var se *SyntaxError
			if !errors.As(err, &se) {
				t.Errorf("error %T is not a *SyntaxError", err)
			}
		})
	}
}

func TestEvalRuntimeErrors(t *testing.T) {
	tests := []string{
		"meta.nothing.deeper",
		"null[0]",
		"len(null)",
		"len(3)",
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			prog, err := Compile(src)
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			_, err = prog.Eval(context.Background(), Env{}, DefaultLimits())
			if !errors.Is(err, ErrRuntime) {
				t.Errorf("Eval() error = %v, want ErrRuntime", err)
			}
		})
	}
}

func TestEvalBudget(t *testing.T) {
	src := strings.Repeat("1 + ", 500) + "1"
	prog, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	t.Run("within budget", func(t *testing.T) {
		got, err := prog.Eval(context.Background(), Env{}, DefaultLimits())
		if err != nil {
			t.Fatalf("Eval() error = %v", err)
		}
		if got != 501.0 {
			t.Errorf("Eval() = %v, want 501", got)
		}
	})

	t.Run("step limit", func(t *testing.T) {
		_, err := prog.Eval(context.Background(), Env{}, Limits{MaxSteps: 100})
		if !errors.Is(err, ErrBudgetExceeded) {
			t.Errorf("Eval() error = %v, want ErrBudgetExceeded", err)
		}
	})

	t.Run("deadline", func(t *testing.T) {
		_, err := prog.Eval(context.Background(), Env{}, Limits{Timeout: time.Nanosecond})
		if !errors.Is(err, ErrBudgetExceeded) {
			t.Errorf("Eval() error = %v, want ErrBudgetExceeded", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := prog.Eval(ctx, Env{}, DefaultLimits())
		if !errors.Is(err, ErrBudgetExceeded) {
			t.Errorf("Eval() error = %v, want ErrBudgetExceeded", err)
		}
	})
}

func TestProgramConcurrentUse(t *testing.T) {
	prog, err := Compile("value * 2")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if prog.Source() != "value * 2" {
		t.Errorf("Source() = %q", prog.Source())
	}

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		i := i
		go func() {
			out, err := prog.Eval(context.Background(), Env{Value: i}, DefaultLimits())
			if err == nil && out != float64(i*2) {
				err = errors.New("wrong result")
			}
			done <- err
		}()
	}
	for n := 0; n < 8; n++ {
		if err := <-done; err != nil {
			t.Error(err)
		}
	}
}
