package vm

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"unicode/utf8"
)

// Function is a closure: a nested program plus the frame it was created in.
type Function struct {
	Program *Program
	Env     *Frame
}

// Builtin is a host function handle.
type Builtin struct {
	Name  string
	Arity int // -1 for variadic
	Fn    func(ctx context.Context, args []Value) (Value, error)
}

func (b *Builtin) call(ctx context.Context, args []Value) (Value, error) {
	if b.Arity >= 0 && len(args) != b.Arity {
		return nil, typeMismatch("%s expects %d arguments, got %d", b.Name, b.Arity, len(args))
	}
	v, err := b.Fn(ctx, args)
	if err != nil {
		return nil, asException(err)
	}
	return v, nil
}

// StandardBuiltins returns the builtins available to assembled programs.
// print writes to w.
func StandardBuiltins(w io.Writer) map[string]*Builtin {
	list := []*Builtin{
		{Name: "print", Arity: -1, Fn: func(_ context.Context, args []Value) (Value, error) {
			for i, a := range args {
				if i > 0 {
					fmt.Fprint(w, " ")
				}
				fmt.Fprint(w, Format(a))
			}
			fmt.Fprintln(w)
			return nil, nil
		}},
		{Name: "len", Arity: 1, Fn: func(_ context.Context, args []Value) (Value, error) {
			switch x := args[0].(type) {
			case string:
				return int64(utf8.RuneCountInString(x)), nil
			case *Object:
				return int64(len(x.fields)), nil
			}
			return nil, typeMismatch("len: unsupported %s", TypeName(args[0]))
		}},
		{Name: "str", Arity: 1, Fn: func(_ context.Context, args []Value) (Value, error) {
			return Format(args[0]), nil
		}},
		{Name: "int", Arity: 1, Fn: func(_ context.Context, args []Value) (Value, error) {
			return toInteger(args[0])
		}},
		{Name: "float", Arity: 1, Fn: func(_ context.Context, args []Value) (Value, error) {
			switch x := args[0].(type) {
			case int64, *big.Int, float64:
				return toFloat(x), nil
			case string:
				f, err := strconv.ParseFloat(x, 64)
				if err != nil {
					return nil, typeMismatch("float: cannot convert %q", x)
				}
				return f, nil
			}
			return nil, typeMismatch("float: unsupported %s", TypeName(args[0]))
		}},
		{Name: "type", Arity: 1, Fn: func(_ context.Context, args []Value) (Value, error) {
			return TypeName(args[0]), nil
		}},
		{Name: "error", Arity: 1, Fn: func(_ context.Context, args []Value) (Value, error) {
			return &Exception{Kind: ExceptionThrown, Payload: args[0], BCI: -1}, nil
		}},
		{Name: "payload", Arity: 1, Fn: func(_ context.Context, args []Value) (Value, error) {
			ex, ok := args[0].(*Exception)
			if !ok {
				return nil, typeMismatch("payload: %s is not an exception", TypeName(args[0]))
			}
			if ex.Kind == ExceptionThrown {
				return ex.Payload, nil
			}
			return ex.Kind.String(), nil
		}},
	}
	m := make(map[string]*Builtin, len(list))
	for _, b := range list {
		m[b.Name] = b
	}
	return m
}

func toInteger(v Value) (Value, error) {
	switch x := v.(type) {
	case int64, *big.Int:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, typeMismatch("int: cannot convert %v", x)
		}
		b, _ := big.NewFloat(math.Trunc(x)).Int(nil)
		return NormalizeInt(b), nil
	case string:
		b, ok := new(big.Int).SetString(x, 10)
		if !ok {
			return nil, typeMismatch("int: cannot convert %q", x)
		}
		return NormalizeInt(b), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, typeMismatch("int: unsupported %s", TypeName(v))
}
