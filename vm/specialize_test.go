package vm

import (
	"context"
	"math"
	"math/big"
	"reflect"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestAddSpecializesThenGeneralizes(t *testing.T) {
	e := newEngine(t, nil)
	p := cachedNow(t, binaryProgram(t, OpAdd))

	if v := call(t, e, p, int64(10), int64(20)); v != int64(30) {
		t.Fatalf("10 + 20 = %v, want 30", v)
	}
	want := []string{"load.argument$Long$unboxed", "load.argument$Long$unboxed", "add$Long", "return"}
	if got := instructionNames(p); !reflect.DeepEqual(got, want) {
		t.Errorf("after 10 + 20: %v, want %v", got, want)
	}
	if s := p.Site(0); !reflect.DeepEqual(s.Active, []string{"Long"}) {
		t.Errorf("active = %v, want [Long]", s.Active)
	}

	_, err := e.Call(context.Background(), p, int64(10), "x")
	if k := exceptionKind(t, err); k != ExceptionTypeMismatch {
		t.Fatalf("10 + \"x\" kind = %v, want TypeMismatch", k)
	}
	want = []string{"load.argument$Long", "load.argument", "add", "return"}
	if got := instructionNames(p); !reflect.DeepEqual(got, want) {
		t.Errorf("after 10 + \"x\": %v, want %v", got, want)
	}
	s := p.Site(0)
	if !reflect.DeepEqual(s.Active, []string{"Long", "TypeError"}) {
		t.Errorf("active = %v, want [Long TypeError]", s.Active)
	}

	// The generic variant still computes correct results.
	if v := call(t, e, p, int64(10), int64(20)); v != int64(30) {
		t.Errorf("10 + 20 after generalization = %v, want 30", v)
	}
	if v := call(t, e, p, "a", "b"); v != "ab" {
		t.Errorf("\"a\" + \"b\" = %v, want ab", v)
	}
}

func TestAddOverflowExcludesLong(t *testing.T) {
	e := newEngine(t, nil)
	p := cachedNow(t, binaryProgram(t, OpAdd))

	v := call(t, e, p, int64(math.MaxInt64), int64(1))
	b, ok := v.(*big.Int)
	if !ok || b.String() != "9223372036854775808" {
		t.Fatalf("MaxInt64 + 1 = %v, want 9223372036854775808", v)
	}
	s := p.Site(0)
	if !reflect.DeepEqual(s.Excluded, []string{"Long"}) {
		t.Errorf("excluded = %v, want [Long]", s.Excluded)
	}
	if !reflect.DeepEqual(s.Active, []string{"BigInteger"}) {
		t.Errorf("active = %v, want [BigInteger]", s.Active)
	}

	// Small results are normalized back to int64.
	if v := call(t, e, p, int64(1), int64(2)); v != int64(3) {
		t.Errorf("1 + 2 = %v (%T), want int64 3", v, v)
	}
	if got := p.Stats().Exclusions; got != 1 {
		t.Errorf("exclusions = %d, want 1", got)
	}
}

func TestOperationShapes(t *testing.T) {
	big2to64, _ := new(big.Int).SetString("18446744073709551616", 10)
	tests := []struct {
		op   Opcode
		a, b Value
		want Value
		kind ExceptionKind
		err  bool
	}{
		{op: OpSub, a: int64(5), b: int64(7), want: int64(-2)},
		{op: OpMul, a: int64(1 << 32), b: int64(1 << 32), want: big2to64},
		{op: OpMul, a: 2.5, b: int64(2), want: 5.0},
		{op: OpDiv, a: int64(7), b: int64(2), want: int64(3)},
		{op: OpDiv, a: int64(7), b: int64(0), err: true, kind: ExceptionArithmetic},
		{op: OpDiv, a: int64(math.MinInt64), b: int64(-1), want: new(big.Int).Neg(new(big.Int).SetInt64(math.MinInt64))},
		{op: OpMod, a: int64(7), b: int64(3), want: int64(1)},
		{op: OpMod, a: int64(7), b: int64(0), err: true, kind: ExceptionArithmetic},
		{op: OpAdd, a: 1.5, b: 2.25, want: 3.75},
		{op: OpAdd, a: int64(1), b: 0.5, want: 1.5},
		{op: OpAdd, a: true, b: int64(1), err: true, kind: ExceptionTypeMismatch},
		{op: OpSub, a: "a", b: "b", err: true, kind: ExceptionTypeMismatch},
		{op: OpLt, a: int64(1), b: int64(2), want: true},
		{op: OpLt, a: "b", b: "a", want: false},
		{op: OpGe, a: big2to64, b: int64(1), want: true},
		{op: OpLe, a: 1.0, b: int64(1), want: true},
		{op: OpGt, a: nil, b: int64(1), err: true, kind: ExceptionTypeMismatch},
		{op: OpEq, a: int64(1), b: 1.0, want: true},
		{op: OpEq, a: true, b: true, want: true},
		{op: OpEq, a: nil, b: nil, want: true},
		{op: OpEq, a: "x", b: int64(1), want: false},
		{op: OpNe, a: "x", b: "y", want: true},
		{op: OpNe, a: int64(3), b: int64(3), want: false},
	}
	for _, tt := range tests {
		for _, threshold := range []int{0, 1000} {
			e := newEngine(t, nil)
			p := binaryProgram(t, tt.op)
			if err := p.SetUncachedThreshold(threshold); err != nil {
				t.Fatal(err)
			}
			v, err := e.Call(context.Background(), p, tt.a, tt.b)
			if tt.err {
				if err == nil {
					t.Errorf("%v %s %v (threshold %d) = %v, want %v", tt.a, tt.op, tt.b, threshold, v, tt.kind)
				} else if k := exceptionKind(t, err); k != tt.kind {
					t.Errorf("%v %s %v (threshold %d) kind = %v, want %v", tt.a, tt.op, tt.b, threshold, k, tt.kind)
				}
				continue
			}
			if err != nil {
				t.Errorf("%v %s %v (threshold %d): %v", tt.a, tt.op, tt.b, threshold, err)
				continue
			}
			if !Equal(v, tt.want) || KindOf(v) != KindOf(tt.want) {
				t.Errorf("%v %s %v (threshold %d) = %v (%T), want %v", tt.a, tt.op, tt.b, threshold, v, v, tt.want)
			}
		}
	}
}

func TestUnaryShapes(t *testing.T) {
	unary := func(op Opcode) *Program {
		b := NewBuilder(op.Name(), 1)
		b.LoadArgument(0)
		b.Op(op)
		b.Return()
		return cachedNow(t, build(t, b))
	}
	e := newEngine(t, nil)
	neg := unary(OpNeg)
	if v := call(t, e, neg, int64(4)); v != int64(-4) {
		t.Errorf("neg 4 = %v", v)
	}
	v := call(t, e, neg, int64(math.MinInt64))
	if b, ok := v.(*big.Int); !ok || b.String() != "9223372036854775808" {
		t.Errorf("neg MinInt64 = %v", v)
	}
	if v := call(t, e, neg, 1.5); v != -1.5 {
		t.Errorf("neg 1.5 = %v", v)
	}
	not := unary(OpNot)
	if v := call(t, e, not, false); v != true {
		t.Errorf("not false = %v", v)
	}
	if _, err := e.Call(context.Background(), not, int64(1)); exceptionKind(t, err) != ExceptionTypeMismatch {
		t.Errorf("not 1 should be a type mismatch")
	}
}

func TestSiteStateMonotonic(t *testing.T) {
	e := newEngine(t, nil)
	p := cachedNow(t, binaryProgram(t, OpAdd))

	inputs := [][2]Value{
		{int64(1), int64(2)},
		{1.5, 2.5},
		{int64(math.MaxInt64), int64(1)},
		{"a", "b"},
		{int64(1), 2.0},
		{true, false},
		{int64(3), int64(4)},
	}
	var prevState, prevExclude uint32
	for _, in := range inputs {
		e.Call(context.Background(), p, in[0], in[1])
		s := p.Site(0)
		if prevState&^s.State != 0 {
			t.Errorf("state lost bits: %b -> %b", prevState, s.State)
		}
		if prevExclude&^s.Exclude != 0 {
			t.Errorf("exclude lost bits: %b -> %b", prevExclude, s.Exclude)
		}
		prevState, prevExclude = s.State, s.Exclude
	}
}

func TestConcurrentSpecialization(t *testing.T) {
	e := newEngine(t, func(o *Options) { o.UncachedThreshold = 4 })
	p := binaryProgram(t, OpAdd)

	inputs := []struct {
		a, b, want Value
	}{
		{int64(1), int64(2), int64(3)},
		{1.5, 2.5, 4.0},
		{"a", "b", "ab"},
		{int64(2), 0.5, 2.5},
	}

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			var prev uint32
			for i := 0; i < 200; i++ {
				in := inputs[(i+w)%len(inputs)]
				v, err := e.Call(context.Background(), p, in.a, in.b)
				if err != nil {
					return err
				}
				if !Equal(v, in.want) {
					t.Errorf("%v + %v = %v, want %v", in.a, in.b, v, in.want)
				}
				st := p.Site(0).State
				if prev&^st != 0 {
					t.Errorf("state lost bits: %b -> %b", prev, st)
				}
				prev = st
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if p.Tier() != TierCached {
		t.Errorf("tier = %v, want cached", p.Tier())
	}
	if got := instructionNames(p)[2]; got != "add" {
		t.Errorf("polymorphic add = %s, want add", got)
	}
}
