package compiler

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/chazu/tiervm/vm"
)

const sumSource = `
.func sum n
.local i s
    push 0
    store i
    push 0
    store s
loop:
    load i
    load n
    lt
    branch.false done
    load s
    load i
    add
    store s
    load i
    push 1
    add
    store i
    branch loop
done:
    load s
    return
.end
`

func assemble(t *testing.T, src string, builtins map[string]*vm.Builtin) *vm.Program {
	t.Helper()
	p, err := Assemble(src, builtins)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return p
}

func run(t *testing.T, p *vm.Program, args ...vm.Value) vm.Value {
	t.Helper()
	e, err := vm.NewEngine(vm.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	v, err := e.Call(context.Background(), p, args...)
	if err != nil {
		t.Fatalf("%s: %v", p.Name, err)
	}
	return v
}

func TestAssembleSum(t *testing.T) {
	p := assemble(t, sumSource, nil)
	if p.Name != "sum" || p.Arity != 1 || p.MaxLocals() != 2 {
		t.Errorf("program = %s/%d locals %d", p.Name, p.Arity, p.MaxLocals())
	}
	if err := p.SetUncachedThreshold(0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if got := run(t, p, int64(100)); got != int64(4950) {
			t.Errorf("sum(100) = %v, want 4950", got)
		}
	}
	var names []string
	for _, ii := range p.Instructions() {
		names = append(names, ii.Name)
	}
	joined := strings.Join(names, " ")
	for _, want := range []string{"load.local$Long$unboxed", "add$Long", "branch.false$Boolean"} {
		if !strings.Contains(joined, want) {
			t.Errorf("instructions %q missing %s", joined, want)
		}
	}
}

func TestAssembleClosure(t *testing.T) {
	src := `
.func counter
.local n
    push 0
    store n
.func inc
    load n
    push 1
    add
    dup
    store n
    return
.end
    closure inc
    return
.end
`
	p := assemble(t, src, nil)
	if !p.Captured(0) {
		t.Errorf("n should be captured")
	}
	e, _ := vm.NewEngine(vm.DefaultOptions())
	fn, err := e.Call(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	for want := int64(1); want <= 3; want++ {
		if v, err := e.CallValue(context.Background(), fn); err != nil || v != want {
			t.Errorf("inc() = %v, %v; want %d", v, err, want)
		}
	}
}

func TestAssembleTry(t *testing.T) {
	src := `
.func safediv a b
.local ex
.try caught ex
    load a
    load b
    div
    return
.endtry
caught:
    push -1
    return
.end
`
	p := assemble(t, src, nil)
	if hs := p.ExceptionHandlers(); len(hs) != 1 || hs[0].ExceptionSlot != 0 {
		t.Fatalf("handlers = %v", hs)
	}
	if got := run(t, p, int64(9), int64(3)); got != int64(3) {
		t.Errorf("safediv(9, 3) = %v", got)
	}
	if got := run(t, p, int64(9), int64(0)); got != int64(-1) {
		t.Errorf("safediv(9, 0) = %v", got)
	}
}

func TestAssembleBuiltinsAndEntry(t *testing.T) {
	var out bytes.Buffer
	src := `
.func greet who
    builtin print
    push "hello"
    load who
    call 2
    return
.end

.func main
    closure greet
    push "world"
    call 1
    pop
    push 123456789012345678901234567890
    return
.end

.func helper
    load.null
    return
.end
`
	progs, entry, err := AssembleAll(src, vm.StandardBuiltins(&out))
	if err != nil {
		t.Fatalf("AssembleAll: %v", err)
	}
	if entry != "main" || len(progs) != 3 {
		t.Errorf("entry = %s with %d programs", entry, len(progs))
	}
	got := run(t, progs[entry])
	want, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	if b, ok := got.(*big.Int); !ok || b.Cmp(want) != 0 {
		t.Errorf("main() = %v, want %v", got, want)
	}
	if out.String() != "hello world\n" {
		t.Errorf("printed %q", out.String())
	}
}

func TestAssembleProperties(t *testing.T) {
	src := `
.func point x y
    new.object
    load x
    set.prop x
    load y
    set.prop "y"
    dup
    get.prop x
    pop
    return
.end
`
	p := assemble(t, src, nil)
	obj, ok := run(t, p, int64(1), 2.5).(*vm.Object)
	if !ok {
		t.Fatalf("point() did not return an object")
	}
	if obj.String() != "{x: 1, y: 2.5}" {
		t.Errorf("point = %s", obj)
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown instruction", ".func f\n  frob\n.end\n", "unknown instruction frob"},
		{"undefined label", ".func f\n  branch nowhere\n.end\n", "undefined label nowhere"},
		{"label twice", ".func f\nl:\nl:\n  load.null\n  return\n.end\n", "label l defined twice"},
		{"unknown builtin", ".func f\n  builtin nope\n  return\n.end\n", "unknown builtin nope"},
		{"store to parameter", ".func f a\n  push 1\n  store a\n.end\n", "cannot store to parameter a"},
		{"undefined name", ".func f\n  load q\n  return\n.end\n", "undefined name q"},
		{"capture parameter", ".func f a\n.func g\n  load a\n  return\n.end\n  load.null\n  return\n.end\n", "parameter a of f cannot be captured"},
		{"operand count", ".func f\n  add 1\n.end\n", "add expects 0 operands"},
		{"verify failure", ".func f\n  add\n  return\n.end\n", "stack underflow"},
		{"duplicate local", ".func f\n.local a a\n  load.null\n  return\n.end\n", "local a declared twice"},
		{"try slot", ".func f\n.try h e\n  load.null\n  return\n.endtry\nh:\n  load.null\n  return\n.end\n", "e is not a local"},
		{"no functions", "; nothing\n", "no functions defined"},
		{"unknown closure", ".func f\n  closure g\n  return\n.end\n", "unknown function g"},
		{"tryfinally slot", ".func f\n.tryfinally e\n  nop\n.finally\n  nop\n.endtry\n  load.null\n  return\n.end\n", ".tryfinally: e is not a local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assemble(tt.src, vm.StandardBuiltins(nil))
			if err == nil {
				t.Fatalf("Assemble succeeded, want error")
			}
			var se *SyntaxError
			if !errors.As(err, &se) {
				t.Errorf("error %v is not a *SyntaxError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestAssembleOuterDepth(t *testing.T) {
	src := `
.func outer
.local a
    push 40
    store a
.func middle
.local b
    push 2
    store b
.func inner
    load a
    load b
    add
    return
.end
    closure inner
    return
.end
    closure middle
    return
.end
`
	p := assemble(t, src, nil)
	e, _ := vm.NewEngine(vm.DefaultOptions())
	ctx := context.Background()
	middle, err := e.Call(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	inner, err := e.CallValue(ctx, middle)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := e.CallValue(ctx, inner); err != nil || v != int64(42) {
		t.Errorf("inner() = %v, %v; want 42", v, err)
	}
}

func TestUndefinedLabelsReportedInSourceOrder(t *testing.T) {
	src := ".func f\n  branch zeta\n  branch alpha\n  branch mid\n  branch alpha\n.end\n"
	for i := 0; i < 5; i++ {
		_, err := Assemble(src, nil)
		if err == nil {
			t.Fatal("Assemble succeeded, want error")
		}
		var lines []string
		for _, l := range strings.Split(err.Error(), "\n") {
			if strings.Contains(l, "undefined label") {
				lines = append(lines, l[strings.LastIndex(l, " ")+1:])
			}
		}
		if got := strings.Join(lines, " "); got != "zeta alpha mid" {
			t.Fatalf("undefined labels reported as %q, want \"zeta alpha mid\"", got)
		}
	}
}

func TestErrorInFinallyReportedOnce(t *testing.T) {
	src := ".func f\n.local e\n.tryfinally e\n  nop\n.finally\n  frob\n.endtry\n  load.null\n  return\n.end\n"
	_, err := Assemble(src, nil)
	if err == nil {
		t.Fatal("Assemble succeeded, want error")
	}
	if n := strings.Count(err.Error(), "unknown instruction frob"); n != 1 {
		t.Errorf("error reported %d times: %v", n, err)
	}
}

func TestAssembleOtherwise(t *testing.T) {
	src := `
.func f a b
.local ex r
.try caught ex
    load a
    load b
    div
    store r
.otherwise
    push 12
    load r
    div
    store r
.endtry
    load r
    return
caught:
    push -1
    return
.end
`
	p := assemble(t, src, nil)
	if got := run(t, p, int64(9), int64(3)); got != int64(4) {
		t.Errorf("f(9, 3) = %v, want 4", got)
	}
	if got := run(t, p, int64(9), int64(0)); got != int64(-1) {
		t.Errorf("f(9, 0) = %v, want -1", got)
	}
	// The otherwise block is not protected by the handler.
	e, _ := vm.NewEngine(vm.DefaultOptions())
	_, err := e.Call(context.Background(), p, int64(0), int64(5))
	var ex *vm.Exception
	if !errors.As(err, &ex) || ex.Kind != vm.ExceptionArithmetic {
		t.Errorf("f(0, 5) error = %v, want Arithmetic", err)
	}
}

func TestAssembleFinally(t *testing.T) {
	src := `
.func f o n
.local ex i
.tryfinally ex
    load n
    push 0
    eq
    branch.false nonzero
    push "zero"
    return
nonzero:
    push 10
    load n
    div
    store i
.finally
    load o
    load o
    get.prop count
    push 1
    add
    set.prop count
    pop
    push true
    branch.false skip
    nop
skip:
.endtry
    load i
    return
.end
`
	p := assemble(t, src, nil)
	e, err := vm.NewEngine(vm.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		n      vm.Value
		want   vm.Value
		raises bool
	}{
		{int64(0), "zero", false},
		{int64(5), int64(2), false},
		{"x", nil, true},
	}
	for _, tt := range tests {
		o := vm.NewObject()
		o.Set("count", int64(0))
		v, err := e.Call(context.Background(), p, o, tt.n)
		if tt.raises {
			var ex *vm.Exception
			if !errors.As(err, &ex) || ex.Kind != vm.ExceptionTypeMismatch {
				t.Errorf("f(%v) error = %v, want TypeMismatch", tt.n, err)
			}
		} else if err != nil || v != tt.want {
			t.Errorf("f(%v) = %v, %v; want %v", tt.n, v, err, tt.want)
		}
		if c, _ := o.Get("count"); c != int64(1) {
			t.Errorf("f(%v): finally ran %v times, want 1", tt.n, c)
		}
	}
}
