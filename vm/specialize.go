package vm

import (
	"math"
	"math/big"
	"math/bits"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Shapes and operations
// ---------------------------------------------------------------------------

// shape is one specialization of an operation. Shapes are kept in a fixed
// priority order; bit i of a site's bitsets refers to shapes[i].
type shape struct {
	name     string
	operand  Kind // quickened variant when this is the only active shape
	result   Kind // primitive result kind, or KindObject
	fallback bool // applies exactly when no other shape does

	guard func(a, b Value) bool
	exec  func(a, b Value) (Value, error)

	// Unboxed fast paths used by quickened encodings. ok=false sends the
	// instruction to the site path.
	long    func(x, y int64) (uint64, bool)
	double  func(x, y float64) (uint64, bool)
	boolean func(x, y bool) (uint64, bool)
}

// operation is the shape list of one opcode.
type operation struct {
	name   string
	unary  bool
	shapes []shape
	names  []string
}

var operations [numOpcodes]*operation

func (o *operation) byOperand(k Kind) *shape {
	for i := range o.shapes {
		if o.shapes[i].operand == k {
			return &o.shapes[i]
		}
	}
	return nil
}

// applies reports whether shape i accepts the operands.
func (o *operation) applies(i int, a, b Value) bool {
	sh := &o.shapes[i]
	if !sh.fallback {
		return sh.guard(a, b)
	}
	for j := range o.shapes {
		if j != i && !o.shapes[j].fallback && o.shapes[j].guard(a, b) {
			return false
		}
	}
	return true
}

// match returns the first shape in priority order that is not excluded
// and accepts the operands, or -1.
func (o *operation) match(exclude uint32, a, b Value) int {
	for i := range o.shapes {
		if exclude&(1<<i) == 0 && o.applies(i, a, b) {
			return i
		}
	}
	return -1
}

func (o *operation) describe(a, b Value) string {
	if o.unary {
		return TypeName(a)
	}
	return TypeName(a) + " and " + TypeName(b)
}

// executeUncached derives the behavior from the operand types alone. It
// walks the shapes in the same order the cached tier installs them and
// never touches a site.
func (o *operation) executeUncached(a, b Value) (Value, error) {
	for i := range o.shapes {
		if !o.applies(i, a, b) {
			continue
		}
		v, err := o.shapes[i].exec(a, b)
		if err == errRespecialize {
			continue
		}
		return v, err
	}
	return nil, unsupported("%s: no shape for %s", o.name, o.describe(a, b))
}

// ---------------------------------------------------------------------------
// Site state machine
// ---------------------------------------------------------------------------

// execute runs the operation at site si. Active shapes are tried without
// locking; anything else goes through specialize.
func (e *Engine) execute(p *Program, o *operation, si int, a, b Value) (Value, error) {
	s := &p.sites[si]
	for m := s.active(); m != 0; m &= m - 1 {
		i := bits.TrailingZeros32(m)
		if !o.applies(i, a, b) {
			continue
		}
		v, err := o.shapes[i].exec(a, b)
		if err == errRespecialize {
			break
		}
		return v, err
	}
	return e.specialize(p, o, si, a, b)
}

// specialize installs the first applicable shape under the program lock,
// then executes it outside the lock. A shape that turns out not to handle
// the operands is excluded and matching starts over.
func (e *Engine) specialize(p *Program, o *operation, si int, a, b Value) (Value, error) {
	s := &p.sites[si]
	for {
		p.mu.Lock()
		i := o.match(s.exclude.Load(), a, b)
		if i < 0 {
			p.mu.Unlock()
			return nil, unsupported("%s: no shape for %s", o.name, o.describe(a, b))
		}
		if s.state.Load()&(1<<i) == 0 {
			s.state.Or(1 << i)
			p.stats.specializations.Add(1)
			e.quickenSite(p, o, si)
			if log.AllowLevel(debugLevel) {
				log.Debugf("%s@%d: %s installs %s", p.Name, p.siteBCI[si], o.name, o.shapes[i].name)
			}
		}
		p.mu.Unlock()

		v, err := o.shapes[i].exec(a, b)
		if err != errRespecialize {
			return v, err
		}

		p.mu.Lock()
		if s.exclude.Load()&(1<<i) == 0 {
			s.exclude.Or(1 << i)
			p.stats.exclusions.Add(1)
			e.quickenSite(p, o, si)
			log.Debugf("%s@%d: %s excludes %s", p.Name, p.siteBCI[si], o.name, o.shapes[i].name)
		}
		p.mu.Unlock()
	}
}

// quickenSite rewrites the instruction owning site si to the variant of
// its single active shape, or to the generic variant.
func (e *Engine) quickenSite(p *Program, o *operation, si int) {
	want := KindObject
	if active := p.sites[si].active(); bits.OnesCount32(active) == 1 {
		want = o.shapes[bits.TrailingZeros32(active)].operand
	}
	e.quicken(p, p.siteBCI[si], want)
}

// quicken moves the instruction at bci towards variant want. Variants
// only move forward: Uninit to a kind, and any kind to Object. The
// rewrite is a single compare-and-swap; a racing rewrite just retries.
func (e *Engine) quicken(p *Program, bci int, want Kind) {
	for {
		w := atomic.LoadUint32(&p.code[bci])
		cur := wordKind(w)
		next := want
		if cur != KindUninit && cur != want {
			next = KindObject
		}
		if cur == next {
			break
		}
		if atomic.CompareAndSwapUint32(&p.code[bci], w, makeWord(wordOpcode(w), next)) {
			p.stats.quickenings.Add(1)
			break
		}
	}
	if e.opts.BoxingElimination {
		e.linkOperands(p, bci)
		e.linkUnboxed(p, bci)
	}
}

// linkOperands refreshes the unboxed flag of every producer feeding bci.
func (e *Engine) linkOperands(p *Program, bci int) {
	op := wordOpcode(atomic.LoadUint32(&p.code[bci]))
	for i, k := range op.Info().Operands {
		if k != OperandProducer {
			continue
		}
		if prod := p.code[bci+1+i]; prod != noProducer {
			e.linkUnboxed(p, int(prod))
		}
	}
}

// linkUnboxed sets the unboxed flag of the producer at bci when its
// consumer expects exactly the kind it produces, and clears it otherwise.
func (e *Engine) linkUnboxed(p *Program, bci int) {
	c := p.consumers[bci]
	for {
		w := atomic.LoadUint32(&p.code[bci])
		want := false
		if rk := resultKind(w); c >= 0 && rk.IsPrimitive() {
			want = operandKind(atomic.LoadUint32(&p.code[c])) == rk
		}
		if wordUnboxed(w) == want {
			return
		}
		if atomic.CompareAndSwapUint32(&p.code[bci], w, w^unboxedBit) {
			p.stats.quickenings.Add(1)
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Shape constructors
// ---------------------------------------------------------------------------

func isLong(v Value) bool   { _, ok := v.(int64); return ok }
func isDouble(v Value) bool { _, ok := v.(float64); return ok }
func isBool(v Value) bool   { _, ok := v.(bool); return ok }
func isString(v Value) bool { _, ok := v.(string); return ok }

func longShape(unary bool, result Kind, f func(x, y int64) (uint64, bool)) shape {
	guard := func(a, b Value) bool { return isLong(a) && isLong(b) }
	if unary {
		guard = func(a, _ Value) bool { return isLong(a) }
	}
	return shape{
		name: "Long", operand: KindLong, result: result, guard: guard, long: f,
		exec: func(a, b Value) (Value, error) {
			y, _ := b.(int64)
			r, ok := f(a.(int64), y)
			if !ok {
				return nil, errRespecialize
			}
			return boxBits(r, result), nil
		},
	}
}

func doubleShape(unary bool, result Kind, f func(x, y float64) (uint64, bool)) shape {
	guard := func(a, b Value) bool { return isDouble(a) && isDouble(b) }
	if unary {
		guard = func(a, _ Value) bool { return isDouble(a) }
	}
	return shape{
		name: "Double", operand: KindDouble, result: result, guard: guard, double: f,
		exec: func(a, b Value) (Value, error) {
			y, _ := b.(float64)
			r, _ := f(a.(float64), y)
			return boxBits(r, result), nil
		},
	}
}

func boolShape(unary bool, f func(x, y bool) (uint64, bool)) shape {
	guard := func(a, b Value) bool { return isBool(a) && isBool(b) }
	if unary {
		guard = func(a, _ Value) bool { return isBool(a) }
	}
	return shape{
		name: "Boolean", operand: KindBool, result: KindBool, guard: guard, boolean: f,
		exec: func(a, b Value) (Value, error) {
			y, _ := b.(bool)
			r, _ := f(a.(bool), y)
			return r != 0, nil
		},
	}
}

func bigShape(unary bool, f func(x, y *big.Int) (Value, error)) shape {
	guard := func(a, b Value) bool { return isInteger(a) && isInteger(b) }
	if unary {
		guard = func(a, _ Value) bool { return isInteger(a) }
	}
	return shape{
		name: "BigInteger", guard: guard,
		exec: func(a, b Value) (Value, error) {
			var y *big.Int
			if b != nil {
				y = toBig(b)
			}
			return f(toBig(a), y)
		},
	}
}

// numericShape handles a float mixed with an integer of either size.
func numericShape(f func(x, y float64) Value) shape {
	return shape{
		name: "Numeric",
		guard: func(a, b Value) bool {
			return isNumber(a) && isNumber(b) && isDouble(a) != isDouble(b)
		},
		exec: func(a, b Value) (Value, error) { return f(toFloat(a), toFloat(b)), nil },
	}
}

func stringShape(f func(x, y string) Value) shape {
	return shape{
		name:  "String",
		guard: func(a, b Value) bool { return isString(a) && isString(b) },
		exec:  func(a, b Value) (Value, error) { return f(a.(string), b.(string)), nil },
	}
}

func typeErrorShape(o *operation) shape {
	return shape{
		name: "TypeError", fallback: true,
		exec: func(a, b Value) (Value, error) {
			return nil, typeMismatch("%s: unsupported operand types %s", o.name, o.describe(a, b))
		},
	}
}

// ---------------------------------------------------------------------------
// Exact integer arithmetic
// ---------------------------------------------------------------------------

func addExact(x, y int64) (uint64, bool) {
	r := x + y
	return uint64(r), (x^r)&(y^r) >= 0
}

func subExact(x, y int64) (uint64, bool) {
	r := x - y
	return uint64(r), (x^y)&(x^r) >= 0
}

func mulExact(x, y int64) (uint64, bool) {
	if x == 0 || y == 0 {
		return 0, true
	}
	if (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
		return 0, false
	}
	r := x * y
	return uint64(r), r/y == x
}

func divExact(x, y int64) (uint64, bool) {
	if y == 0 || (x == math.MinInt64 && y == -1) {
		return 0, false
	}
	return uint64(x / y), true
}

func modExact(x, y int64) (uint64, bool) {
	if y == 0 {
		return 0, false
	}
	return uint64(x % y), true
}

func cmpLong(f func(x, y int64) bool) func(x, y int64) (uint64, bool) {
	return func(x, y int64) (uint64, bool) { return boolBits(f(x, y)), true }
}

func cmpDouble(f func(x, y float64) bool) func(x, y float64) (uint64, bool) {
	return func(x, y float64) (uint64, bool) { return boolBits(f(x, y)), true }
}

func arithDouble(f func(x, y float64) float64) func(x, y float64) (uint64, bool) {
	return func(x, y float64) (uint64, bool) { return doubleBits(f(x, y)), true }
}

func bigArith(f func(z, x, y *big.Int) *big.Int) func(x, y *big.Int) (Value, error) {
	return func(x, y *big.Int) (Value, error) { return NormalizeInt(f(new(big.Int), x, y)), nil }
}

func bigDivide(f func(z, x, y *big.Int) *big.Int) func(x, y *big.Int) (Value, error) {
	return func(x, y *big.Int) (Value, error) {
		if y.Sign() == 0 {
			return nil, arithmetic("division by zero")
		}
		return NormalizeInt(f(new(big.Int), x, y)), nil
	}
}

func bigCompare(f func(c int) bool) func(x, y *big.Int) (Value, error) {
	return func(x, y *big.Int) (Value, error) { return f(x.Cmp(y)), nil }
}

func nonZeroDivisor(a, b Value) bool {
	y, ok := b.(int64)
	return ok && y != 0 && isLong(a)
}

// ---------------------------------------------------------------------------
// Operation table
// ---------------------------------------------------------------------------

func defineOperation(op Opcode, unary bool, build func(o *operation) []shape) {
	o := &operation{name: op.Name(), unary: unary}
	o.shapes = build(o)
	if len(o.shapes) > 32 {
		panic(internalf("%s: too many shapes", o.name))
	}
	for _, sh := range o.shapes {
		o.names = append(o.names, sh.name)
	}
	operations[op] = o
}

func defineArith(op Opcode, long func(x, y int64) (uint64, bool), double func(x, y float64) float64,
	integer func(x, y *big.Int) (Value, error), extra ...shape) {
	defineOperation(op, false, func(o *operation) []shape {
		shapes := []shape{
			longShape(false, KindLong, long),
			doubleShape(false, KindDouble, arithDouble(double)),
			bigShape(false, integer),
			numericShape(func(x, y float64) Value { return double(x, y) }),
		}
		shapes = append(shapes, extra...)
		return append(shapes, typeErrorShape(o))
	})
}

func defineCompare(op Opcode, long func(x, y int64) bool, double func(x, y float64) bool,
	integer func(c int) bool, str func(x, y string) bool) {
	defineOperation(op, false, func(o *operation) []shape {
		return []shape{
			longShape(false, KindBool, cmpLong(long)),
			doubleShape(false, KindBool, cmpDouble(double)),
			bigShape(false, bigCompare(integer)),
			numericShape(func(x, y float64) Value { return double(x, y) }),
			stringShape(func(x, y string) Value { return str(x, y) }),
			typeErrorShape(o),
		}
	})
}

func defineEquality(op Opcode, negate bool) {
	eq := func(same bool) bool { return same != negate }
	defineOperation(op, false, func(o *operation) []shape {
		return []shape{
			longShape(false, KindBool, cmpLong(func(x, y int64) bool { return eq(x == y) })),
			doubleShape(false, KindBool, cmpDouble(func(x, y float64) bool { return eq(x == y) })),
			boolShape(false, func(x, y bool) (uint64, bool) { return boolBits(eq(x == y)), true }),
			bigShape(false, bigCompare(func(c int) bool { return eq(c == 0) })),
			numericShape(func(x, y float64) Value { return eq(x == y) }),
			stringShape(func(x, y string) Value { return eq(x == y) }),
			{
				name:  "Identity",
				guard: func(a, b Value) bool { return true },
				exec:  func(a, b Value) (Value, error) { return eq(Equal(a, b)), nil },
			},
		}
	})
}

func init() {
	defineArith(OpAdd, addExact, func(x, y float64) float64 { return x + y }, bigArith((*big.Int).Add),
		stringShape(func(x, y string) Value { return x + y }))
	defineArith(OpSub, subExact, func(x, y float64) float64 { return x - y }, bigArith((*big.Int).Sub))
	defineArith(OpMul, mulExact, func(x, y float64) float64 { return x * y }, bigArith((*big.Int).Mul))
	defineArith(OpDiv, divExact, func(x, y float64) float64 { return x / y }, bigDivide((*big.Int).Quo))
	defineArith(OpMod, modExact, math.Mod, bigDivide((*big.Int).Rem))
	operations[OpDiv].shapes[0].guard = nonZeroDivisor
	operations[OpMod].shapes[0].guard = nonZeroDivisor

	defineOperation(OpNeg, true, func(o *operation) []shape {
		return []shape{
			longShape(true, KindLong, func(x, _ int64) (uint64, bool) {
				return uint64(-x), x != math.MinInt64
			}),
			doubleShape(true, KindDouble, func(x, _ float64) (uint64, bool) { return doubleBits(-x), true }),
			bigShape(true, func(x, _ *big.Int) (Value, error) { return NormalizeInt(new(big.Int).Neg(x)), nil }),
			typeErrorShape(o),
		}
	})

	defineCompare(OpLt,
		func(x, y int64) bool { return x < y }, func(x, y float64) bool { return x < y },
		func(c int) bool { return c < 0 }, func(x, y string) bool { return x < y })
	defineCompare(OpLe,
		func(x, y int64) bool { return x <= y }, func(x, y float64) bool { return x <= y },
		func(c int) bool { return c <= 0 }, func(x, y string) bool { return x <= y })
	defineCompare(OpGt,
		func(x, y int64) bool { return x > y }, func(x, y float64) bool { return x > y },
		func(c int) bool { return c > 0 }, func(x, y string) bool { return x > y })
	defineCompare(OpGe,
		func(x, y int64) bool { return x >= y }, func(x, y float64) bool { return x >= y },
		func(c int) bool { return c >= 0 }, func(x, y string) bool { return x >= y })
	defineEquality(OpEq, false)
	defineEquality(OpNe, true)

	defineOperation(OpNot, true, func(o *operation) []shape {
		return []shape{
			boolShape(true, func(x, _ bool) (uint64, bool) { return boolBits(!x), true }),
			typeErrorShape(o),
		}
	})

	// The condition of branch.false is specialized like a unary operation
	// that passes a boolean through.
	defineOperation(OpBranchFalse, true, func(o *operation) []shape {
		return []shape{
			boolShape(true, func(x, _ bool) (uint64, bool) { return boolBits(x), true }),
			{
				name: "TypeError", fallback: true,
				exec: func(a, _ Value) (Value, error) {
					return nil, typeMismatch("condition must be boolean, got %s", TypeName(a))
				},
			},
		}
	})
}
