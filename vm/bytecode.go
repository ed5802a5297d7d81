package vm

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies a logical instruction. An instruction occupies one
// opcode word followed by its operand words. The opcode word also
// carries the variant tag of the quickened encoding:
//
//	bits 4..31  opcode
//	bit  3      result is pushed unboxed
//	bits 0..2   variant kind (see Kind)
type Opcode uint32

const (
	opShift    = 4
	unboxedBit = 1 << 3
	kindMask   = 7

	// noProducer marks an operand whose producing instruction is not on
	// the same straight-line path.
	noProducer = ^uint32(0)
)

// Stack operations
const (
	OpNop Opcode = iota
	OpPop
	OpDup
	OpBox
)

// Loads and stores
const (
	OpLoadNull Opcode = iota + 8
	OpLoadConstant
	OpLoadArgument
	OpLoadLocal
	OpStoreLocal
	OpLoadOuter
	OpStoreOuter
)

// Arithmetic, comparison and logic; all specialize through a site.
const (
	OpAdd Opcode = iota + 16
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpLt
	OpLe
	OpGt
	OpGe
	OpEq
	OpNe
	OpNot
)

// Control flow
const (
	OpBranch Opcode = iota + 32
	OpBranchFalse
	OpThrow
	OpReturn
)

// Calls and objects
const (
	OpCall Opcode = iota + 40
	OpClosure
	OpNewObject
	OpGetProp
	OpSetProp

	numOpcodes
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind describes what an operand word refers to.
type OperandKind uint8

const (
	OperandConstant OperandKind = iota
	OperandArgument
	OperandLocal
	OperandDepth   // lexical depth for outer access
	OperandTarget  // absolute branch target
	OperandCount   // argument count
	OperandSite    // specialization site index (assigned by NewProgram)
	OperandProfile // branch profile index (assigned by NewProgram)
	OperandProducer
)

var operandKindNames = [...]string{
	OperandConstant: "const",
	OperandArgument: "arg",
	OperandLocal:    "local",
	OperandDepth:    "depth",
	OperandTarget:   "target",
	OperandCount:    "argc",
	OperandSite:     "site",
	OperandProfile:  "profile",
	OperandProducer: "producer",
}

func (k OperandKind) String() string { return operandKindNames[k] }

// internal reports whether the operand is filled in by NewProgram rather
// than supplied by the builder.
func (k OperandKind) internal() bool {
	return k == OperandSite || k == OperandProfile || k == OperandProducer
}

type opFlags uint8

const (
	flagQuicken  opFlags = 1 << iota // starts in the Uninit variant
	flagProducer                     // may push its result unboxed
	flagTerminal                     // never falls through
	flagBranch                       // has an OperandTarget
	flagSite                         // owns a specialization site
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Operands []OperandKind
	Pop      int // -1 for call, which pops argc+1
	Push     int
	flags    opFlags
}

// Length returns the instruction length in words.
func (info *OpcodeInfo) Length() int { return 1 + len(info.Operands) }

var (
	binaryOperands = []OperandKind{OperandSite, OperandProducer, OperandProducer}
	unaryOperands  = []OperandKind{OperandSite, OperandProducer}
)

var opcodeTable = [numOpcodes]OpcodeInfo{
	OpNop: {Name: "nop"},
	OpPop: {Name: "pop", Pop: 1},
	OpDup: {Name: "dup", Pop: 1, Push: 2},
	OpBox: {Name: "box", Pop: 1, Push: 1},

	OpLoadNull:     {Name: "load.null", Push: 1},
	OpLoadConstant: {Name: "load.constant", Operands: []OperandKind{OperandConstant}, Push: 1, flags: flagQuicken | flagProducer},
	OpLoadArgument: {Name: "load.argument", Operands: []OperandKind{OperandArgument}, Push: 1, flags: flagQuicken | flagProducer},
	OpLoadLocal:    {Name: "load.local", Operands: []OperandKind{OperandLocal}, Push: 1, flags: flagQuicken | flagProducer},
	OpStoreLocal:   {Name: "store.local", Operands: []OperandKind{OperandLocal, OperandProducer}, Pop: 1, flags: flagQuicken},
	OpLoadOuter:    {Name: "load.outer", Operands: []OperandKind{OperandDepth, OperandLocal}, Push: 1},
	OpStoreOuter:   {Name: "store.outer", Operands: []OperandKind{OperandDepth, OperandLocal}, Pop: 1},

	OpAdd: {Name: "add", Operands: binaryOperands, Pop: 2, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpSub: {Name: "sub", Operands: binaryOperands, Pop: 2, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpMul: {Name: "mul", Operands: binaryOperands, Pop: 2, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpDiv: {Name: "div", Operands: binaryOperands, Pop: 2, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpMod: {Name: "mod", Operands: binaryOperands, Pop: 2, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpNeg: {Name: "neg", Operands: unaryOperands, Pop: 1, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpLt:  {Name: "lt", Operands: binaryOperands, Pop: 2, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpLe:  {Name: "le", Operands: binaryOperands, Pop: 2, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpGt:  {Name: "gt", Operands: binaryOperands, Pop: 2, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpGe:  {Name: "ge", Operands: binaryOperands, Pop: 2, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpEq:  {Name: "eq", Operands: binaryOperands, Pop: 2, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpNe:  {Name: "ne", Operands: binaryOperands, Pop: 2, Push: 1, flags: flagQuicken | flagProducer | flagSite},
	OpNot: {Name: "not", Operands: unaryOperands, Pop: 1, Push: 1, flags: flagQuicken | flagProducer | flagSite},

	OpBranch:      {Name: "branch", Operands: []OperandKind{OperandTarget}, flags: flagBranch | flagTerminal},
	OpBranchFalse: {Name: "branch.false", Operands: []OperandKind{OperandTarget, OperandSite, OperandProfile, OperandProducer}, Pop: 1, flags: flagQuicken | flagBranch | flagSite},
	OpThrow:       {Name: "throw", Pop: 1, flags: flagTerminal},
	OpReturn:      {Name: "return", Pop: 1, flags: flagTerminal},

	OpCall:      {Name: "call", Operands: []OperandKind{OperandCount, OperandSite}, Pop: -1, Push: 1, flags: flagSite},
	OpClosure:   {Name: "closure", Operands: []OperandKind{OperandConstant}, Push: 1},
	OpNewObject: {Name: "new.object", Push: 1},
	OpGetProp:   {Name: "get.prop", Operands: []OperandKind{OperandConstant, OperandSite}, Pop: 1, Push: 1, flags: flagSite},
	OpSetProp:   {Name: "set.prop", Operands: []OperandKind{OperandConstant, OperandSite}, Pop: 2, Push: 1, flags: flagSite},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() *OpcodeInfo {
	if op >= numOpcodes || opcodeTable[op].Name == "" {
		return nil
	}
	return &opcodeTable[op]
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool { return op.Info() != nil }

// Name returns the base instruction name.
func (op Opcode) Name() string {
	if info := op.Info(); info != nil {
		return info.Name
	}
	return fmt.Sprintf("op%d", uint32(op))
}

func (op Opcode) String() string { return op.Name() }

// Length returns the instruction length in words.
func (op Opcode) Length() int { return op.Info().Length() }

// LookupOpcode finds an opcode by its base name.
func LookupOpcode(name string) (Opcode, bool) {
	for op := Opcode(0); op < numOpcodes; op++ {
		if opcodeTable[op].Name == name {
			return op, true
		}
	}
	return 0, false
}

// Opcodes returns every defined opcode in numeric order.
func Opcodes() []Opcode {
	var out []Opcode
	for op := Opcode(0); op < numOpcodes; op++ {
		if op.Valid() {
			out = append(out, op)
		}
	}
	return out
}

// HasSite reports whether instructions with this opcode own a
// specialization site.
func (op Opcode) HasSite() bool {
	info := op.Info()
	return info != nil && info.flags&flagSite != 0
}

// operandIndex returns the word offset of the first operand of the given
// kind, or -1.
func (op Opcode) operandIndex(kind OperandKind) int {
	for i, k := range op.Info().Operands {
		if k == kind {
			return i + 1
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Opcode words
// ---------------------------------------------------------------------------

func makeWord(op Opcode, k Kind) uint32 { return uint32(op)<<opShift | uint32(k) }

func wordOpcode(w uint32) Opcode { return Opcode(w >> opShift) }
func wordKind(w uint32) Kind     { return Kind(w & kindMask) }
func wordUnboxed(w uint32) bool  { return w&unboxedBit != 0 }

// initialWord is the unquickened encoding of op.
func initialWord(op Opcode) uint32 {
	if op.Info().flags&flagQuicken != 0 {
		return makeWord(op, KindUninit)
	}
	return makeWord(op, KindObject)
}

// InstructionName renders the quickened name of an opcode word, for
// example "add$Long$unboxed" or "load.local$Double".
func InstructionName(w uint32) string {
	op := wordOpcode(w)
	name := op.Name()
	if k := wordKind(w); k.IsPrimitive() {
		name += "$" + k.String()
	}
	if wordUnboxed(w) {
		name += "$unboxed"
	}
	return name
}

// resultKind is the kind an instruction produces when its result can be
// pushed unboxed, or KindObject.
func resultKind(w uint32) Kind {
	op := wordOpcode(w)
	info := op.Info()
	if info == nil || info.flags&flagProducer == 0 {
		return KindObject
	}
	k := wordKind(w)
	if !k.IsPrimitive() {
		return KindObject
	}
	if o := operations[op]; o != nil {
		if sh := o.byOperand(k); sh != nil {
			return sh.result
		}
		return KindObject
	}
	return k
}

// operandKind is the kind a consumer expects for the value at producer
// operand slot i, or KindObject.
func operandKind(w uint32) Kind {
	k := wordKind(w)
	if !k.IsPrimitive() {
		return KindObject
	}
	return k
}

// ---------------------------------------------------------------------------
// Builder: helper for constructing programs
// ---------------------------------------------------------------------------

// Builder assembles a ProgramDef. Operands for sites, branch profiles and
// producers are left zero; NewProgram assigns them.
type Builder struct {
	name      string
	arity     int
	code      []uint32
	constants []Value
	handlers  []ExceptionHandler
	locals    []string
	pending   []pendingHandler
	open      []*Try
	labels    []*Label
	err       error
}

// Label is a branch target that may be referenced before it is marked.
type Label struct {
	resolved bool
	position int
	refs     []int // operand positions that need patching
}

// Try is an open protected region. A region with finally code is split
// into ranges wherever an exit runs that code inline.
type Try struct {
	begin   int
	start   int // -1 while suspended
	ranges  [][2]int
	slot    int
	closed  bool
	finally func()
	exits   []exit
}

// exit is a forward branch out of a finally region whose target was not
// yet marked when it was emitted.
type exit struct {
	label *Label
	at    int
}

func (t *Try) suspend(at int) {
	if t.start >= 0 && at > t.start {
		t.ranges = append(t.ranges, [2]int{t.start, at})
	}
	t.start = -1
}

type pendingHandler struct {
	index   int
	handler *Label
}

// NewBuilder creates a builder for a program with the given arity.
func NewBuilder(name string, arity int) *Builder {
	return &Builder{name: name, arity: arity}
}

// Len returns the current code length in words.
func (b *Builder) Len() int { return len(b.code) }

func (b *Builder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = &VerifyError{Program: b.name, BCI: len(b.code), Reason: fmt.Sprintf(format, args...)}
	}
}

// Local declares a new local slot and returns its index.
func (b *Builder) Local(name string) int {
	b.locals = append(b.locals, name)
	return len(b.locals) - 1
}

// Constant adds v to the constant pool, reusing an equal scalar entry.
func (b *Builder) Constant(v Value) int {
	switch v.(type) {
	case nil, bool, int64, float64, string:
		for i, c := range b.constants {
			if KindOf(c) == KindOf(v) && c == v {
				return i
			}
		}
	}
	b.constants = append(b.constants, v)
	return len(b.constants) - 1
}

// Emit appends op. Only builder-supplied operands are passed; internal
// operands are reserved as zero.
func (b *Builder) Emit(op Opcode, operands ...int) {
	info := op.Info()
	if info == nil {
		b.fail("unknown opcode %d", uint32(op))
		return
	}
	b.code = append(b.code, initialWord(op))
	next := 0
	for _, k := range info.Operands {
		if k.internal() {
			b.code = append(b.code, 0)
			continue
		}
		if next >= len(operands) {
			b.fail("%s: missing %s operand", info.Name, k)
			b.code = append(b.code, 0)
			continue
		}
		b.code = append(b.code, uint32(operands[next]))
		next++
	}
	if next != len(operands) {
		b.fail("%s: %d extra operands", info.Name, len(operands)-next)
	}
}

// LoadConstant emits load.constant for v.
func (b *Builder) LoadConstant(v Value) { b.Emit(OpLoadConstant, b.Constant(v)) }

// LoadArgument emits load.argument.
func (b *Builder) LoadArgument(i int) { b.Emit(OpLoadArgument, i) }

// LoadLocal emits load.local.
func (b *Builder) LoadLocal(slot int) { b.Emit(OpLoadLocal, slot) }

// StoreLocal emits store.local.
func (b *Builder) StoreLocal(slot int) { b.Emit(OpStoreLocal, slot) }

// LoadOuter reads a local of the program depth levels out.
func (b *Builder) LoadOuter(depth, slot int) { b.Emit(OpLoadOuter, depth, slot) }

// StoreOuter writes a local of the program depth levels out.
func (b *Builder) StoreOuter(depth, slot int) { b.Emit(OpStoreOuter, depth, slot) }

// Op emits an operation whose operands are all internal.
func (b *Builder) Op(op Opcode) {
	if op == OpReturn {
		b.Return()
		return
	}
	b.Emit(op)
}

// Call emits a call with argc arguments above the callee.
func (b *Builder) Call(argc int) { b.Emit(OpCall, argc) }

// Closure emits a closure over the nested program p.
func (b *Builder) Closure(p *Program) { b.Emit(OpClosure, b.Constant(p)) }

// GetProp emits a property read.
func (b *Builder) GetProp(name string) { b.Emit(OpGetProp, b.Constant(name)) }

// SetProp emits a property write.
func (b *Builder) SetProp(name string) { b.Emit(OpSetProp, b.Constant(name)) }

// Return emits return, running the finally code of every region it
// leaves first.
func (b *Builder) Return() {
	n := 0
	for i, t := range b.open {
		if t.finally != nil && t.start >= 0 {
			n = len(b.open) - i
			break
		}
	}
	left := b.leave(n)
	b.Emit(OpReturn)
	b.resume(left)
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the current position.
func (b *Builder) Mark(l *Label) {
	if l.resolved {
		b.fail("label marked twice")
		return
	}
	l.resolved = true
	l.position = len(b.code)
	for _, ref := range l.refs {
		b.code[ref] = uint32(l.position)
	}
}

// Branch emits an unconditional branch to l.
func (b *Builder) Branch(l *Label) { b.emitBranch(OpBranch, l) }

// BranchFalse emits a conditional branch taken when the condition is false.
func (b *Builder) BranchFalse(l *Label) { b.emitBranch(OpBranchFalse, l) }

func (b *Builder) emitBranch(op Opcode, l *Label) {
	if l.resolved {
		if n := b.leaving(l.position); n > 0 {
			b.branchOut(op, l, n)
			return
		}
	}
	at := len(b.code) + op.operandIndex(OperandTarget)
	b.Emit(op, l.position)
	if l.resolved {
		return
	}
	l.refs = append(l.refs, at)
	for i := len(b.open) - 1; i >= 0; i-- {
		if t := b.open[i]; t.finally != nil && t.start >= 0 {
			t.exits = append(t.exits, exit{label: l, at: at})
			break
		}
	}
}

// leaving returns how many open regions a branch back to pos leaves, or 0
// when none of them has finally code.
func (b *Builder) leaving(pos int) int {
	n, fin := 0, false
	for i := len(b.open) - 1; i >= 0 && b.open[i].begin > pos; i-- {
		n++
		fin = fin || b.open[i].finally != nil
	}
	if !fin {
		return 0
	}
	return n
}

// branchOut emits a backward branch that leaves n regions.
func (b *Builder) branchOut(op Opcode, l *Label, n int) {
	if op == OpBranchFalse {
		taken, skip := b.NewLabel(), b.NewLabel()
		b.BranchFalse(taken)
		b.Branch(skip)
		b.Mark(taken)
		b.branchOut(OpBranch, l, n)
		b.Mark(skip)
		return
	}
	left := b.leave(n)
	b.Emit(OpBranch, l.position)
	b.resume(left)
}

// leave suspends the innermost n regions, running the finally code of
// each one on the way out. Finally code stays covered by the regions
// that enclose its own. Regions already suspended are skipped.
func (b *Builder) leave(n int) []*Try {
	var left []*Try
	for i := len(b.open) - 1; i >= len(b.open)-n; i-- {
		t := b.open[i]
		if t.start < 0 {
			continue
		}
		t.suspend(len(b.code))
		left = append(left, t)
		if t.finally != nil {
			t.finally()
		}
	}
	return left
}

func (b *Builder) resume(left []*Try) {
	for _, t := range left {
		t.start = len(b.code)
	}
}

// BeginTry opens a protected region whose handler receives the exception
// in local slot.
func (b *Builder) BeginTry(slot int) *Try {
	t := &Try{begin: len(b.code), start: len(b.code), slot: slot}
	b.open = append(b.open, t)
	return t
}

// BeginTryFinally opens a region whose finally code runs on every way
// out of it: falling through, raising, returning or branching away. The
// exception is kept in local slot while finally runs before it is
// rethrown. finally must leave the operand stack as it found it.
func (b *Builder) BeginTryFinally(slot int, finally func()) *Try {
	t := b.BeginTry(slot)
	t.finally = finally
	return t
}

// EndTry closes the innermost open region and registers handler as its
// entry point. Regions must be closed innermost first.
func (b *Builder) EndTry(t *Try, handler *Label) {
	if t.finally != nil {
		b.fail("try region with finally code closed by EndTry")
		return
	}
	b.closeTry(t, handler)
}

// EndTryFinally closes the innermost open region and emits its finally
// code for each way out.
func (b *Builder) EndTryFinally(t *Try) {
	if t.finally == nil {
		b.fail("try region without finally code closed by EndTryFinally")
		return
	}
	handler, end := b.NewLabel(), b.NewLabel()
	if !b.closeTry(t, handler) {
		return
	}
	t.finally()
	b.Branch(end)

	b.Mark(handler)
	t.finally()
	b.LoadLocal(t.slot)
	b.Emit(OpThrow)

	stubs := make(map[*Label]*Label)
	for _, x := range t.exits {
		if x.label.resolved {
			continue
		}
		x.label.refs = slices.DeleteFunc(x.label.refs, func(at int) bool { return at == x.at })
		stub, ok := stubs[x.label]
		if !ok {
			stub = b.NewLabel()
			stubs[x.label] = stub
		}
		stub.refs = append(stub.refs, x.at)
	}
	for _, x := range t.exits {
		stub := stubs[x.label]
		if stub == nil || stub.resolved {
			continue
		}
		b.Mark(stub)
		t.finally()
		b.Branch(x.label)
	}
	b.Mark(end)
}

func (b *Builder) closeTry(t *Try, handler *Label) bool {
	if len(b.open) == 0 || b.open[len(b.open)-1] != t {
		b.fail("try regions closed out of order")
		return false
	}
	b.open = b.open[:len(b.open)-1]
	t.closed = true
	t.suspend(len(b.code))
	for _, r := range t.ranges {
		b.handlers = append(b.handlers, ExceptionHandler{
			StartBCI:      r[0],
			EndBCI:        r[1],
			ExceptionSlot: t.slot,
		})
		b.pending = append(b.pending, pendingHandler{index: len(b.handlers) - 1, handler: handler})
	}
	return true
}

// Def returns the program definition built so far.
func (b *Builder) Def() (ProgramDef, error) {
	if b.err != nil {
		return ProgramDef{}, b.err
	}
	if len(b.open) > 0 {
		return ProgramDef{}, &VerifyError{Program: b.name, BCI: -1, Reason: "unclosed try region"}
	}
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return ProgramDef{}, &VerifyError{Program: b.name, BCI: l.refs[0], Reason: "branch to unmarked label"}
		}
	}
	handlers := make([]ExceptionHandler, len(b.handlers))
	copy(handlers, b.handlers)
	for _, ph := range b.pending {
		if !ph.handler.resolved {
			return ProgramDef{}, &VerifyError{Program: b.name, BCI: -1, Reason: "exception handler label not marked"}
		}
		handlers[ph.index].HandlerBCI = ph.handler.position
	}
	code := make([]uint32, len(b.code))
	copy(code, b.code)
	return ProgramDef{
		Name:       b.name,
		Arity:      b.arity,
		Code:       code,
		Constants:  append([]Value(nil), b.constants...),
		Handlers:   handlers,
		MaxLocals:  len(b.locals),
		LocalNames: append([]string(nil), b.locals...),
	}, nil
}

// Build verifies the definition and returns the program.
func (b *Builder) Build() (*Program, error) {
	def, err := b.Def()
	if err != nil {
		return nil, err
	}
	return NewProgram(def)
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at bci.
func (p *Program) DisassembleInstruction(bci int) string {
	w := atomic.LoadUint32(&p.code[bci])
	op := wordOpcode(w)
	info := op.Info()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%04d  %-26s", bci, InstructionName(w))
	for i, k := range info.Operands {
		v := p.code[bci+1+i]
		switch k {
		case OperandProducer:
			if v == noProducer {
				fmt.Fprintf(&sb, " %s=-", k)
				continue
			}
		case OperandConstant:
			fmt.Fprintf(&sb, " %s=%d(%s)", k, v, constantString(p.constants[v]))
			continue
		case OperandLocal:
			if op != OpLoadOuter && op != OpStoreOuter && int(v) < len(p.localNames) && p.localNames[v] != "" {
				fmt.Fprintf(&sb, " %s=%d(%s)", k, v, p.localNames[v])
				continue
			}
		}
		fmt.Fprintf(&sb, " %s=%d", k, v)
	}
	return sb.String()
}

func constantString(v Value) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return Format(v)
}

// Dump renders the whole program: instructions with their site state,
// the exception table and the local tags.
func (p *Program) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "program %s arity=%d locals=%d stack=%d tier=%s\n",
		p.Name, p.Arity, p.maxLocals, p.maxStack, p.Tier())
	for _, info := range p.Instructions() {
		sb.WriteString("  ")
		sb.WriteString(p.DisassembleInstruction(info.BCI))
		if s := info.Site; s != nil {
			fmt.Fprintf(&sb, "  [%s]", s)
		}
		sb.WriteByte('\n')
	}
	if len(p.handlers) > 0 {
		sb.WriteString("exception handlers:\n")
		for _, h := range p.handlers {
			sb.WriteString("  ")
			sb.WriteString(h.String())
			sb.WriteByte('\n')
		}
	}
	if p.maxLocals > 0 {
		sb.WriteString("locals:\n")
		for i, k := range p.LocalTags() {
			name := ""
			if i < len(p.localNames) {
				name = p.localNames[i]
			}
			captured := ""
			if p.captured[i] {
				captured = " captured"
			}
			fmt.Fprintf(&sb, "  %d %s: %s%s\n", i, name, k, captured)
		}
	}
	return sb.String()
}
