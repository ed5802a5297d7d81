package vm

import (
	"context"
	"fmt"
	"reflect"
	"testing"
)

// applyProgram returns apply(f, x) = f(x).
func applyProgram(t *testing.T) *Program {
	t.Helper()
	b := NewBuilder("apply", 2)
	b.LoadArgument(0)
	b.LoadArgument(1)
	b.Call(1)
	b.Return()
	return cachedNow(t, build(t, b))
}

func adder(n int64) *Builtin {
	return &Builtin{Name: fmt.Sprintf("add%d", n), Arity: 1, Fn: func(_ context.Context, args []Value) (Value, error) {
		return args[0].(int64) + n, nil
	}}
}

func TestCallSiteMonomorphic(t *testing.T) {
	e := newEngine(t, nil)
	p := applyProgram(t)
	f := adder(1)
	for i := int64(0); i < 3; i++ {
		if got := call(t, e, p, f, i); got != i+1 {
			t.Errorf("apply(add1, %d) = %v", i, got)
		}
	}
	s := p.Site(0)
	if s.Cache != CacheMonomorphic || s.Entries != 1 {
		t.Errorf("cache = %v/%d, want mono/1", s.Cache, s.Entries)
	}
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("hits = %d misses = %d, want 2 and 1", s.Hits, s.Misses)
	}
	if chain := p.Chain(0); len(chain) != 1 || chain[0].Key != f {
		t.Errorf("chain = %v, want one entry for add1", chain)
	}
}

func TestCallSiteDirectHitKeepsCalleeEnvironment(t *testing.T) {
	ib := NewBuilder("get", 0)
	ib.LoadOuter(1, 0)
	ib.Return()
	get := build(t, ib)

	mb := NewBuilder("make", 1)
	n := mb.Local("n")
	mb.LoadArgument(0)
	mb.StoreLocal(n)
	mb.Closure(get)
	mb.Return()
	maker := build(t, mb)

	ab := NewBuilder("apply0", 1)
	ab.LoadArgument(0)
	ab.Call(0)
	ab.Return()
	p := cachedNow(t, build(t, ab))

	e := newEngine(t, nil)
	for i := int64(1); i <= 3; i++ {
		fn := call(t, e, maker, i)
		if got := call(t, e, p, fn); got != i {
			t.Errorf("closure %d returned %v through the cached target", i, got)
		}
	}
	s := p.Site(0)
	if s.Cache != CacheMonomorphic || s.Hits != 2 || s.Misses != 1 {
		t.Errorf("cache = %v hits = %d misses = %d, want mono, 2 and 1", s.Cache, s.Hits, s.Misses)
	}
	if chain := p.Chain(0); len(chain) != 1 || chain[0].Data != get {
		t.Errorf("chain = %v, want the program of the closures", chain)
	}
}

func TestCallSiteMegamorphic(t *testing.T) {
	e := newEngine(t, nil)
	p := applyProgram(t)

	// Six distinct targets into a site that holds four.
	var targets []Value
	for n := int64(1); n <= 4; n++ {
		targets = append(targets, adder(n))
	}
	prog := func(n int64) *Function {
		b := NewBuilder(fmt.Sprintf("plus%d", n), 1)
		b.LoadArgument(0)
		b.LoadConstant(n)
		b.Op(OpAdd)
		b.Return()
		return &Function{Program: build(t, b)}
	}
	targets = append(targets, prog(5), prog(6))

	for round := 0; round < 2; round++ {
		for i, f := range targets {
			want := int64(10 + i + 1)
			if got := call(t, e, p, f, int64(10)); got != want {
				t.Errorf("round %d target %d: %v, want %d", round, i, got, want)
			}
			s := p.Site(0)
			switch {
			case round == 0 && i == 0:
				if s.Cache != CacheMonomorphic {
					t.Errorf("after 1 target cache = %v, want mono", s.Cache)
				}
			case round == 0 && i < 4:
				if s.Cache != CachePolymorphic {
					t.Errorf("after %d targets cache = %v, want poly", i+1, s.Cache)
				}
			default:
				if s.Cache != CacheMegamorphic {
					t.Errorf("after %d targets cache = %v, want mega", i+1, s.Cache)
				}
			}
		}
	}

	s := p.Site(0)
	if s.Entries != 4 {
		t.Errorf("entries = %d, want 4", s.Entries)
	}
	if !reflect.DeepEqual(s.Active, []string{"Indirect"}) || !reflect.DeepEqual(s.Excluded, []string{"Direct"}) {
		t.Errorf("active = %v excluded = %v, want [Indirect] [Direct]", s.Active, s.Excluded)
	}
	if st := p.CacheStats(); st.Megamorphic != 1 || st.Sites != 1 {
		t.Errorf("cache stats = %+v", st)
	}
}

func TestCallSiteCacheLimitOption(t *testing.T) {
	e := newEngine(t, func(o *Options) { o.CacheLimit = 2 })
	p := applyProgram(t)
	for n := int64(1); n <= 3; n++ {
		call(t, e, p, adder(n), int64(0))
	}
	if s := p.Site(0); s.Cache != CacheMegamorphic || s.Entries != 2 {
		t.Errorf("cache = %v/%d, want mega/2", s.Cache, s.Entries)
	}
}

func TestCallNotCallable(t *testing.T) {
	e := newEngine(t, nil)
	p := applyProgram(t)
	for i := 0; i < 2; i++ {
		_, err := e.Call(context.Background(), p, "nope", int64(1))
		if k := exceptionKind(t, err); k != ExceptionTypeMismatch {
			t.Errorf("kind = %v, want TypeMismatch", k)
		}
	}
	if s := p.Site(0); !reflect.DeepEqual(s.Active, []string{"NotCallable"}) {
		t.Errorf("active = %v, want [NotCallable]", s.Active)
	}
	// A callable target still works after the error shape is installed.
	if got := call(t, e, p, adder(2), int64(1)); got != int64(3) {
		t.Errorf("apply(add2, 1) = %v", got)
	}
}

func TestPropertySiteLayouts(t *testing.T) {
	b := NewBuilder("getx", 1)
	b.LoadArgument(0)
	b.GetProp("x")
	b.Return()
	p := cachedNow(t, build(t, b))
	e := newEngine(t, nil)

	// Six layouts that all have x at different positions.
	var objs []*Object
	for i := 0; i < 6; i++ {
		o := NewObject()
		for j := 0; j < i; j++ {
			o.Set(fmt.Sprintf("f%d", j), int64(j))
		}
		o.Set("x", int64(100+i))
		objs = append(objs, o)
	}
	for round := 0; round < 2; round++ {
		for i, o := range objs {
			if got := call(t, e, p, o); got != int64(100+i) {
				t.Errorf("getx(obj%d) = %v, want %d", i, got, 100+i)
			}
		}
	}
	s := p.Site(0)
	if s.Cache != CacheMegamorphic || s.Entries != DefaultCacheLimit {
		t.Errorf("cache = %v/%d, want mega/%d", s.Cache, s.Entries, DefaultCacheLimit)
	}

	// Absent properties read null.
	if got := call(t, e, p, NewObject()); got != nil {
		t.Errorf("getx({}) = %v, want nil", got)
	}
	// Non-objects are unsupported and never cached.
	_, err := e.Call(context.Background(), p, int64(3))
	if k := exceptionKind(t, err); k != ExceptionUnsupported {
		t.Errorf("kind = %v, want Unsupported", k)
	}
}

func TestPropertySetTransitionsCached(t *testing.T) {
	b := NewBuilder("setx", 2)
	b.LoadArgument(0)
	b.LoadArgument(1)
	b.SetProp("x")
	b.Return()
	p := cachedNow(t, build(t, b))
	e := newEngine(t, nil)

	for i := int64(0); i < 3; i++ {
		o := NewObject()
		call(t, e, p, o, i)
		if v, ok := o.Get("x"); !ok || v != i {
			t.Errorf("x = %v, %v; want %d", v, ok, i)
		}
		if o.Layout() != EmptyLayout.With("x") {
			t.Errorf("layout not shared after cached transition")
		}
	}
	s := p.Site(0)
	if s.Entries != 1 || s.Hits != 2 {
		t.Errorf("entries = %d hits = %d, want 1 and 2", s.Entries, s.Hits)
	}

	// Existing field: the cached slot is overwritten in place.
	o := NewObject()
	o.Set("x", int64(1))
	call(t, e, p, o, int64(9))
	if v, _ := o.Get("x"); v != int64(9) {
		t.Errorf("x = %v, want 9", v)
	}
}
