package vm

import (
	"context"
	"errors"
	"testing"
)

// nestedThrow builds a program with an outer and an inner protected
// region. With inInner the throw sits inside both regions; otherwise it
// follows the inner region and only the outer one covers it.
func nestedThrow(t *testing.T, inInner bool) *Program {
	t.Helper()
	b := NewBuilder("nested", 0)
	ex1 := b.Local("ex1")
	ex2 := b.Local("ex2")
	innerH := b.NewLabel()
	outerH := b.NewLabel()

	outer := b.BeginTry(ex1)
	inner := b.BeginTry(ex2)
	if inInner {
		b.LoadConstant("boom")
		b.Op(OpThrow)
	} else {
		b.Op(OpNop)
	}
	b.EndTry(inner, innerH)
	if !inInner {
		b.LoadConstant("boom")
		b.Op(OpThrow)
	}
	b.EndTry(outer, outerH)

	b.Mark(innerH)
	b.LoadConstant("inner")
	b.Return()
	b.Mark(outerH)
	b.LoadConstant("outer")
	b.Return()
	return build(t, b)
}

func TestNestedHandlersInnermostFirst(t *testing.T) {
	for _, threshold := range []int{0, 1000} {
		e := newEngine(t, nil)
		for _, tt := range []struct {
			inInner bool
			want    string
		}{
			{true, "inner"},
			{false, "outer"},
		} {
			p := nestedThrow(t, tt.inInner)
			if err := p.SetUncachedThreshold(threshold); err != nil {
				t.Fatal(err)
			}
			if got := call(t, e, p); got != tt.want {
				t.Errorf("threshold %d inInner %v: caught by %v, want %s", threshold, tt.inInner, got, tt.want)
			}
		}
	}
}

func TestHandlerTableOrder(t *testing.T) {
	p := nestedThrow(t, true)
	hs := p.ExceptionHandlers()
	if len(hs) != 2 {
		t.Fatalf("handlers = %d, want 2", len(hs))
	}
	if hs[0].ExceptionSlot != 1 || hs[1].ExceptionSlot != 0 {
		t.Errorf("handler slots = %d, %d; want inner (1) before outer (0)", hs[0].ExceptionSlot, hs[1].ExceptionSlot)
	}

	// Listing the enclosing region first is rejected.
	def := p.Def()
	def.Handlers = []ExceptionHandler{
		{StartBCI: 0, EndBCI: 3, HandlerBCI: 6, ExceptionSlot: 0},
		{StartBCI: 0, EndBCI: 2, HandlerBCI: 3, ExceptionSlot: 1},
	}
	if _, err := NewProgram(def); err == nil {
		t.Errorf("outer-before-inner handler table should not verify")
	}
}

func TestHandlerResetsStackDepth(t *testing.T) {
	// 5 stays on the stack across the protected division; the handler
	// sees the stack at the depth the region started with.
	b := NewBuilder("safediv", 2)
	ex := b.Local("ex")
	h := b.NewLabel()
	b.LoadConstant(int64(5))
	try := b.BeginTry(ex)
	b.LoadArgument(0)
	b.LoadArgument(1)
	b.Op(OpDiv)
	b.Op(OpAdd)
	b.Return()
	b.EndTry(try, h)
	b.Mark(h)
	b.LoadConstant(int64(-1))
	b.Op(OpAdd)
	b.Return()
	p := build(t, b)

	if d := p.ExceptionHandlers()[0].StackDepth; d != 1 {
		t.Fatalf("handler depth = %d, want 1", d)
	}
	e := newEngine(t, func(o *Options) {
		o.UncachedThreshold = 2
		o.Assertions = true
	})
	for i := 0; i < 4; i++ {
		if got := call(t, e, p, int64(10), int64(2)); got != int64(10) {
			t.Errorf("safediv(10, 2) = %v, want 10", got)
		}
		if got := call(t, e, p, int64(10), int64(0)); got != int64(4) {
			t.Errorf("safediv(10, 0) = %v, want 4", got)
		}
	}
}

func TestExceptionStoredInSlot(t *testing.T) {
	thrower := NewBuilder("thrower", 1)
	thrower.LoadArgument(0)
	thrower.Op(OpThrow)
	inner := build(t, thrower)

	b := NewBuilder("catcher", 1)
	ex := b.Local("ex")
	h := b.NewLabel()
	try := b.BeginTry(ex)
	b.LoadConstant(&Function{Program: inner})
	b.LoadArgument(0)
	b.Call(1)
	b.Return()
	b.EndTry(try, h)
	b.Mark(h)
	b.LoadLocal(ex)
	b.Return()
	p := build(t, b)

	e := newEngine(t, nil)
	v := call(t, e, p, "payload")
	ex2, ok := v.(*Exception)
	if !ok {
		t.Fatalf("result = %v, want exception", v)
	}
	if ex2.Kind != ExceptionThrown || ex2.Payload != "payload" {
		t.Errorf("exception = %+v", ex2)
	}
	if ex2.Program != "thrower" || ex2.BCI != 2 {
		t.Errorf("raised at %s@%d, want thrower@2", ex2.Program, ex2.BCI)
	}
}

func TestUncaughtExceptionPropagates(t *testing.T) {
	b := NewBuilder("fail", 0)
	b.LoadConstant(int64(1))
	b.LoadConstant(int64(0))
	b.Op(OpMod)
	b.Return()
	p := build(t, b)

	e := newEngine(t, nil)
	_, err := e.Call(context.Background(), p)
	if !errors.Is(err, &Exception{Kind: ExceptionArithmetic}) {
		t.Errorf("error = %v, want arithmetic exception", err)
	}
	var ex *Exception
	if errors.As(err, &ex) && (ex.Program != "fail" || ex.BCI != 4) {
		t.Errorf("raised at %s@%d, want fail@4", ex.Program, ex.BCI)
	}
}

func TestThrowRethrowsException(t *testing.T) {
	orig := &Exception{Kind: ExceptionArithmetic, Message: "x", BCI: -1}
	if got := Throw(orig); got != orig {
		t.Errorf("Throw(exception) should rethrow it unchanged")
	}
	if got := Throw(int64(1)); got.Kind != ExceptionThrown || got.Payload != int64(1) {
		t.Errorf("Throw(1) = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Finally regions
// ---------------------------------------------------------------------------

// appendTrail returns code that appends s to the trail property of the
// object in argument 0, leaving the stack as it was.
func appendTrail(b *Builder, s string) func() {
	return func() {
		b.LoadArgument(0)
		b.LoadArgument(0)
		b.GetProp("trail")
		b.LoadConstant(s)
		b.Op(OpAdd)
		b.SetProp("trail")
		b.Op(OpPop)
	}
}

func TestFinallyRunsOnEveryExit(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		want  Value
		trail string
	}{
		{"fallthrough", func(b *Builder) {
			try := b.BeginTryFinally(b.Local("ex"), appendTrail(b, "f"))
			appendTrail(b, "b")()
			b.EndTryFinally(try)
			b.LoadConstant("done")
			b.Return()
		}, "done", "bf"},
		{"return", func(b *Builder) {
			try := b.BeginTryFinally(b.Local("ex"), appendTrail(b, "f"))
			appendTrail(b, "b")()
			b.LoadConstant("early")
			b.Return()
			b.EndTryFinally(try)
			b.LoadConstant("late")
			b.Return()
		}, "early", "bf"},
		{"raise", func(b *Builder) {
			caught := b.Local("caught")
			h := b.NewLabel()
			outer := b.BeginTry(caught)
			try := b.BeginTryFinally(b.Local("ex"), appendTrail(b, "f"))
			appendTrail(b, "b")()
			b.LoadConstant("boom")
			b.Op(OpThrow)
			b.EndTryFinally(try)
			b.EndTry(outer, h)
			b.LoadConstant("unreached")
			b.Return()
			b.Mark(h)
			b.LoadLocal(caught)
			b.Return()
		}, Throw("boom"), "bf"},
		{"forward branch out", func(b *Builder) {
			out := b.NewLabel()
			try := b.BeginTryFinally(b.Local("ex"), appendTrail(b, "f"))
			appendTrail(b, "b")()
			b.Branch(out)
			appendTrail(b, "x")()
			b.EndTryFinally(try)
			appendTrail(b, "a")()
			b.Mark(out)
			appendTrail(b, "o")()
			b.LoadConstant("done")
			b.Return()
		}, "done", "bfo"},
		{"loop continues and exits", func(b *Builder) {
			i := b.Local("i")
			top, done := b.NewLabel(), b.NewLabel()
			b.LoadConstant(int64(0))
			b.StoreLocal(i)
			b.Mark(top)
			b.LoadLocal(i)
			b.LoadConstant(int64(1))
			b.Op(OpAdd)
			b.StoreLocal(i)
			try := b.BeginTryFinally(b.Local("ex"), appendTrail(b, "f"))
			appendTrail(b, "b")()
			b.LoadLocal(i)
			b.LoadConstant(int64(3))
			b.Op(OpLt)
			b.BranchFalse(done)
			b.Branch(top)
			b.EndTryFinally(try)
			b.Mark(done)
			b.LoadLocal(i)
			b.Return()
		}, int64(3), "bfbfbf"},
		{"conditional branch back out", func(b *Builder) {
			i := b.Local("i")
			top := b.NewLabel()
			b.LoadConstant(int64(0))
			b.StoreLocal(i)
			b.Mark(top)
			b.LoadLocal(i)
			b.LoadConstant(int64(1))
			b.Op(OpAdd)
			b.StoreLocal(i)
			try := b.BeginTryFinally(b.Local("ex"), appendTrail(b, "f"))
			appendTrail(b, "b")()
			b.LoadLocal(i)
			b.LoadConstant(int64(3))
			b.Op(OpGe)
			b.BranchFalse(top)
			b.EndTryFinally(try)
			b.LoadLocal(i)
			b.Return()
		}, int64(3), "bfbfbf"},
		{"nested return", func(b *Builder) {
			outer := b.BeginTryFinally(b.Local("ex1"), appendTrail(b, "F"))
			inner := b.BeginTryFinally(b.Local("ex2"), appendTrail(b, "f"))
			appendTrail(b, "b")()
			b.LoadConstant("early")
			b.Return()
			b.EndTryFinally(inner)
			b.EndTryFinally(outer)
			b.LoadConstant("late")
			b.Return()
		}, "early", "bfF"},
		{"raise in finally skips own handler", func(b *Builder) {
			caught := b.Local("caught")
			h := b.NewLabel()
			outer := b.BeginTry(caught)
			try := b.BeginTryFinally(b.Local("ex"), func() {
				appendTrail(b, "f")()
				b.LoadConstant("late")
				b.Op(OpThrow)
			})
			appendTrail(b, "b")()
			b.EndTryFinally(try)
			b.EndTry(outer, h)
			b.LoadConstant("unreached")
			b.Return()
			b.Mark(h)
			b.LoadLocal(caught)
			b.Return()
		}, Throw("late"), "bf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, threshold := range []int{0, 1000} {
				b := NewBuilder("fin", 1)
				tt.build(b)
				p := build(t, b)
				if err := p.SetUncachedThreshold(threshold); err != nil {
					t.Fatal(err)
				}
				obj := NewObject()
				obj.Set("trail", "")
				got := call(t, newEngine(t, func(o *Options) { o.Assertions = true }), p, obj)
				if !sameResult(got, tt.want) {
					t.Errorf("threshold %d: result = %v, want %v", threshold, got, tt.want)
				}
				if trail, _ := obj.Get("trail"); trail != tt.trail {
					t.Errorf("threshold %d: trail = %v, want %s", threshold, trail, tt.trail)
				}
			}
		})
	}
}

// sameResult compares exceptions by kind and payload.
func sameResult(a, b Value) bool {
	x, ok1 := a.(*Exception)
	y, ok2 := b.(*Exception)
	if ok1 || ok2 {
		return ok1 && ok2 && x.Kind == y.Kind && x.Payload == y.Payload
	}
	return Equal(a, b)
}

func TestFinallyRethrowsOriginal(t *testing.T) {
	b := NewBuilder("fin", 1)
	try := b.BeginTryFinally(b.Local("ex"), appendTrail(b, "f"))
	b.LoadConstant(int64(1))
	b.LoadConstant(int64(0))
	b.Op(OpDiv)
	b.Return()
	b.EndTryFinally(try)
	b.Op(OpLoadNull)
	b.Return()
	p := build(t, b)

	obj := NewObject()
	obj.Set("trail", "")
	_, err := newEngine(t, nil).Call(context.Background(), p, obj)
	var ex *Exception
	if !errors.As(err, &ex) || ex.Kind != ExceptionArithmetic || ex.BCI != 4 {
		t.Fatalf("error = %v, want Arithmetic raised at 4", err)
	}
	if trail, _ := obj.Get("trail"); trail != "f" {
		t.Errorf("trail = %v, want f", trail)
	}
}
