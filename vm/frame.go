package vm

import "math"

// Frame holds the locals and operand stack of one invocation. Slots
// [0, MaxLocals) are locals; the operand stack grows above them.
//
// Every slot has a boxed cell, a primitive cell and a tag saying which of
// the two is current, so a consumer can always read a slot correctly no
// matter how its producer was quickened.
type Frame struct {
	program *Program
	args    []Value
	parent  *Frame

	slots []Value
	prims []uint64
	tags  []Kind
}

func newFrame(p *Program, args []Value, parent *Frame) *Frame {
	n := p.maxLocals + p.maxStack
	return &Frame{
		program: p,
		args:    args,
		parent:  parent,
		slots:   make([]Value, n),
		prims:   make([]uint64, n),
		tags:    make([]Kind, n),
	}
}

// Program returns the program executing in f.
func (f *Frame) Program() *Program { return f.program }

// Local returns local slot i boxed.
func (f *Frame) Local(i int) Value { return f.value(i) }

func (f *Frame) value(i int) Value {
	if k := f.tags[i]; k != KindObject {
		return boxBits(f.prims[i], k)
	}
	return f.slots[i]
}

func (f *Frame) setValue(i int, v Value) {
	f.slots[i] = v
	f.tags[i] = KindObject
}

func (f *Frame) setBits(i int, bits uint64, k Kind) {
	f.prims[i] = bits
	f.tags[i] = k
	f.slots[i] = nil
}

// put stores a primitive result, unboxed when the producing instruction
// carries the unboxed flag.
func (f *Frame) put(i int, bits uint64, k Kind, unboxed bool) {
	if unboxed {
		f.setBits(i, bits, k)
		return
	}
	f.setValue(i, boxBits(bits, k))
}

// values returns slots [from, to) boxed.
func (f *Frame) values(from, to int) []Value {
	out := make([]Value, to-from)
	for i := range out {
		out[i] = f.value(from + i)
	}
	return out
}

func (f *Frame) copySlot(dst, src int) {
	f.slots[dst] = f.slots[src]
	f.prims[dst] = f.prims[src]
	f.tags[dst] = f.tags[src]
}

func (f *Frame) clear(i int) {
	f.slots[i] = nil
	f.tags[i] = KindObject
}

// expect returns the primitive encoding of slot i if it holds a value of
// kind k, boxed or not.
func (f *Frame) expect(i int, k Kind) (uint64, bool) {
	if f.tags[i] == k {
		return f.prims[i], true
	}
	if f.tags[i] != KindObject {
		return 0, false
	}
	switch x := f.slots[i].(type) {
	case int64:
		return longBits(x), k == KindLong
	case float64:
		return doubleBits(x), k == KindDouble
	case bool:
		return boolBits(x), k == KindBool
	}
	return 0, false
}

func (f *Frame) expectLong(i int) (int64, bool) {
	bits, ok := f.expect(i, KindLong)
	return int64(bits), ok
}

func (f *Frame) expectDouble(i int) (float64, bool) {
	bits, ok := f.expect(i, KindDouble)
	return math.Float64frombits(bits), ok
}

func (f *Frame) expectBool(i int) (bool, bool) {
	bits, ok := f.expect(i, KindBool)
	return bits != 0, ok
}

// reaches reports whether f has depth enclosing frames.
func (f *Frame) reaches(depth int) bool {
	env := f
	for ; depth > 0 && env != nil; depth-- {
		env = env.parent
	}
	return env != nil
}

// outer walks depth lexical levels out.
func (f *Frame) outer(depth int) *Frame {
	env := f
	for ; depth > 0 && env != nil; depth-- {
		env = env.parent
	}
	if env == nil {
		panic(internalf("%s: no enclosing frame at depth %d", f.program.Name, depth))
	}
	return env
}

// ---------------------------------------------------------------------------
// Snapshots for OSR transfer
// ---------------------------------------------------------------------------

// Snapshot is the boxed state of an invocation at a re-entry point.
type Snapshot struct {
	Program *Program
	BCI     int
	Args    []Value
	Locals  []Value
	Stack   []Value
}

func (f *Frame) snapshot(bci, sp int) *Snapshot {
	p := f.program
	s := &Snapshot{
		Program: p,
		BCI:     bci,
		Args:    f.args,
		Locals:  make([]Value, p.maxLocals),
		Stack:   make([]Value, sp-p.maxLocals),
	}
	for i := range s.Locals {
		s.Locals[i] = f.value(i)
	}
	for i := range s.Stack {
		s.Stack[i] = f.value(p.maxLocals + i)
	}
	return s
}

// restore loads s into f and returns the stack pointer to resume with.
func (f *Frame) restore(s *Snapshot) int {
	p := f.program
	if d := p.StackDepth(s.BCI); len(s.Locals) != p.maxLocals || d < 0 || d != len(s.Stack) {
		panic(internalf("%s: invalid resume snapshot at %d with depth %d", p.Name, s.BCI, len(s.Stack)))
	}
	for i, v := range s.Locals {
		f.setValue(i, v)
	}
	for i, v := range s.Stack {
		f.setValue(p.maxLocals+i, v)
	}
	return p.maxLocals + len(s.Stack)
}
