package compiler

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"strconv"

	"github.com/chazu/tiervm/vm"
)

// ---------------------------------------------------------------------------
// Codegen: compile parsed functions onto vm.Builder
// ---------------------------------------------------------------------------

// Compiler turns a parsed File into programs.
type Compiler struct {
	builtins map[string]*vm.Builtin
	globals  map[string]*vm.Program // top-level functions compiled so far
	errors   []error
}

// NewCompiler creates a compiler resolving builtin references against
// builtins.
func NewCompiler(builtins map[string]*vm.Builtin) *Compiler {
	return &Compiler{builtins: builtins, globals: make(map[string]*vm.Program)}
}

// Errors returns accumulated compilation errors.
func (c *Compiler) Errors() []error {
	return c.errors
}

func (c *Compiler) errorAt(pos Position, format string, args ...any) {
	c.errors = append(c.errors, &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

// scope is the name environment of one function being compiled.
type scope struct {
	fn     *FuncDecl
	parent *scope
	params map[string]int
	locals map[string]int
	funcs  map[string]*vm.Program // compiled nested functions

	builder *vm.Builder
	labels  map[string]*label
}

type label struct {
	l       *vm.Label
	defined bool
	ref     Position // first reference, for error reporting
	used    bool
}

// CompileFile compiles every top-level function in order and returns
// them by name. A function may close over any top-level function
// defined before it.
func (c *Compiler) CompileFile(f *File) map[string]*vm.Program {
	for _, fn := range f.Funcs {
		if _, dup := c.globals[fn.Name]; dup {
			c.errorAt(fn.Pos, "function %s redefined", fn.Name)
			continue
		}
		if p := c.compileFunc(fn, nil); p != nil {
			c.globals[fn.Name] = p
		}
	}
	return c.globals
}

func (c *Compiler) compileFunc(fn *FuncDecl, parent *scope) *vm.Program {
	errs := len(c.errors)
	sc := &scope{
		fn:      fn,
		parent:  parent,
		params:  make(map[string]int),
		locals:  make(map[string]int),
		funcs:   make(map[string]*vm.Program),
		builder: vm.NewBuilder(fn.Name, len(fn.Params)),
		labels:  make(map[string]*label),
	}
	for i, name := range fn.Params {
		if _, dup := sc.params[name]; dup {
			c.errorAt(fn.Pos, "%s: duplicate parameter %s", fn.Name, name)
		}
		sc.params[name] = i
	}
	for _, l := range fn.Locals {
		if _, dup := sc.params[l.Name]; dup {
			c.errorAt(l.Pos, "local %s shadows a parameter", l.Name)
			continue
		}
		if _, dup := sc.locals[l.Name]; dup {
			c.errorAt(l.Pos, "local %s declared twice", l.Name)
			continue
		}
		sc.locals[l.Name] = sc.builder.Local(l.Name)
	}
	for _, nested := range fn.Funcs {
		if _, dup := sc.funcs[nested.Name]; dup {
			c.errorAt(nested.Pos, "function %s redefined", nested.Name)
			continue
		}
		if p := c.compileFunc(nested, sc); p != nil {
			sc.funcs[nested.Name] = p
		}
	}

	c.compileBody(sc, fn.Body)

	var undefined []string
	for name, l := range sc.labels {
		if l.used && !l.defined {
			undefined = append(undefined, name)
		}
	}
	slices.SortFunc(undefined, func(a, b string) int {
		pa, pb := sc.labels[a].ref, sc.labels[b].ref
		return cmp.Or(cmp.Compare(pa.Line, pb.Line), cmp.Compare(pa.Column, pb.Column), cmp.Compare(a, b))
	})
	for _, name := range undefined {
		c.errorAt(sc.labels[name].ref, "undefined label %s", name)
	}
	if len(c.errors) > errs {
		return nil
	}
	p, err := sc.builder.Build()
	if err != nil {
		c.errorAt(fn.Pos, "%s: %v", fn.Name, err)
		return nil
	}
	return p
}

func (sc *scope) label(name string, pos Position) *label {
	l, ok := sc.labels[name]
	if !ok {
		l = &label{l: sc.builder.NewLabel(), ref: pos}
		sc.labels[name] = l
	}
	return l
}

func (c *Compiler) compileBody(sc *scope, body []Stmt) {
	for _, s := range body {
		switch s := s.(type) {
		case *LabelStmt:
			l := sc.label(s.Name, s.Pos)
			if l.defined {
				c.errorAt(s.Pos, "label %s defined twice", s.Name)
				continue
			}
			l.defined = true
			sc.builder.Mark(l.l)
		case *TryStmt:
			slot, ok := sc.locals[s.ExVar]
			if !ok {
				directive := ".try"
				if s.Finally {
					directive = ".tryfinally"
				}
				c.errorAt(s.Pos, "%s: %s is not a local", directive, s.ExVar)
				continue
			}
			if s.Finally {
				try := sc.builder.BeginTryFinally(slot, c.finallyBlock(sc, s.Exit))
				c.compileBody(sc, s.Body)
				sc.builder.EndTryFinally(try)
				continue
			}
			try := sc.builder.BeginTry(slot)
			c.compileBody(sc, s.Body)
			h := sc.label(s.Handler, s.Pos)
			h.used = true
			sc.builder.EndTry(try, h.l)
			c.compileBody(sc, s.Exit)
		case *Instr:
			c.compileInstr(sc, s)
		}
	}
}

// finallyBlock returns the emitter of a .finally block. The block is
// emitted once per way out of its region, so labels it defines get fresh
// builder labels each time and its errors are reported once.
func (c *Compiler) finallyBlock(sc *scope, body []Stmt) func() {
	local := make(map[string]bool)
	var collect func(body []Stmt)
	collect = func(body []Stmt) {
		for _, s := range body {
			switch s := s.(type) {
			case *LabelStmt:
				local[s.Name] = true
			case *TryStmt:
				collect(s.Body)
				collect(s.Exit)
			}
		}
	}
	collect(body)

	emitted := 0
	return func() {
		outer := sc.labels
		sc.labels = maps.Clone(outer)
		for name := range local {
			sc.labels[name] = &label{l: sc.builder.NewLabel()}
		}
		errs := len(c.errors)
		c.compileBody(sc, body)
		if emitted > 0 {
			c.errors = c.errors[:errs]
		}
		emitted++
		for name, l := range sc.labels {
			if _, ok := outer[name]; !ok && !local[name] {
				outer[name] = l
			}
		}
		sc.labels = outer
	}
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

func (c *Compiler) compileInstr(sc *scope, in *Instr) {
	b := sc.builder
	argc := func(n int) bool {
		if len(in.Args) != n {
			c.errorAt(in.Pos, "%s expects %d operands, got %d", in.Mnemonic, n, len(in.Args))
			return false
		}
		return true
	}

	switch in.Mnemonic {
	case "push", "load.constant":
		if argc(1) {
			if v, ok := c.literal(in.Args[0]); ok {
				b.LoadConstant(v)
			}
		}

	case "load":
		if argc(1) {
			c.load(sc, in.Args[0])
		}

	case "store":
		if argc(1) {
			c.store(sc, in.Args[0])
		}

	case "load.argument":
		if argc(1) {
			if i, ok := c.slot(in.Args[0], sc.params, "parameter"); ok {
				b.LoadArgument(i)
			}
		}

	case "load.local":
		if argc(1) {
			if i, ok := c.slot(in.Args[0], sc.locals, "local"); ok {
				b.LoadLocal(i)
			}
		}

	case "store.local":
		if argc(1) {
			if i, ok := c.slot(in.Args[0], sc.locals, "local"); ok {
				b.StoreLocal(i)
			}
		}

	case "load.outer", "store.outer":
		if !argc(2) {
			return
		}
		depth, ok1 := c.integer(in.Args[0])
		slot, ok2 := c.integer(in.Args[1])
		if !ok1 || !ok2 {
			return
		}
		if in.Mnemonic == "load.outer" {
			b.LoadOuter(depth, slot)
		} else {
			b.StoreOuter(depth, slot)
		}

	case "builtin":
		if !argc(1) {
			return
		}
		name := in.Args[0].Text
		fn, ok := c.builtins[name]
		if !ok {
			c.errorAt(in.Args[0].Pos, "unknown builtin %s", name)
			return
		}
		b.LoadConstant(fn)

	case "closure":
		if !argc(1) {
			return
		}
		name := in.Args[0].Text
		p, ok := sc.funcs[name]
		if !ok {
			p, ok = c.globals[name]
		}
		if !ok {
			c.errorAt(in.Args[0].Pos, "unknown function %s", name)
			return
		}
		b.Closure(p)

	case "branch", "branch.false":
		if !argc(1) {
			return
		}
		if in.Args[0].Type != OperandName {
			c.errorAt(in.Args[0].Pos, "%s expects a label", in.Mnemonic)
			return
		}
		l := sc.label(in.Args[0].Text, in.Args[0].Pos)
		l.used = true
		if in.Mnemonic == "branch" {
			b.Branch(l.l)
		} else {
			b.BranchFalse(l.l)
		}

	case "call":
		if !argc(1) {
			return
		}
		if n, ok := c.integer(in.Args[0]); ok {
			b.Call(n)
		}

	case "get.prop", "set.prop":
		if !argc(1) {
			return
		}
		a := in.Args[0]
		if a.Type != OperandName && a.Type != OperandString {
			c.errorAt(a.Pos, "%s expects a property name", in.Mnemonic)
			return
		}
		if in.Mnemonic == "get.prop" {
			b.GetProp(a.Text)
		} else {
			b.SetProp(a.Text)
		}

	default:
		op, ok := vm.LookupOpcode(in.Mnemonic)
		if !ok {
			c.errorAt(in.Pos, "unknown instruction %s", in.Mnemonic)
			return
		}
		if argc(0) {
			b.Op(op)
		}
	}
}

// load resolves name against the current function's locals and
// parameters, then against enclosing functions' locals.
func (c *Compiler) load(sc *scope, a Operand) {
	if a.Type != OperandName {
		c.errorAt(a.Pos, "load expects a name")
		return
	}
	if slot, ok := sc.locals[a.Text]; ok {
		sc.builder.LoadLocal(slot)
		return
	}
	if i, ok := sc.params[a.Text]; ok {
		sc.builder.LoadArgument(i)
		return
	}
	if depth, slot, ok := c.outer(sc, a); ok {
		sc.builder.LoadOuter(depth, slot)
	}
}

func (c *Compiler) store(sc *scope, a Operand) {
	if a.Type != OperandName {
		c.errorAt(a.Pos, "store expects a name")
		return
	}
	if slot, ok := sc.locals[a.Text]; ok {
		sc.builder.StoreLocal(slot)
		return
	}
	if _, ok := sc.params[a.Text]; ok {
		c.errorAt(a.Pos, "cannot store to parameter %s", a.Text)
		return
	}
	if depth, slot, ok := c.outer(sc, a); ok {
		sc.builder.StoreOuter(depth, slot)
	}
}

// outer finds name in an enclosing function. Parameters of enclosing
// functions are not addressable; only their locals are captured.
func (c *Compiler) outer(sc *scope, a Operand) (depth, slot int, ok bool) {
	depth = 1
	for s := sc.parent; s != nil; s = s.parent {
		if slot, ok := s.locals[a.Text]; ok {
			return depth, slot, true
		}
		if _, ok := s.params[a.Text]; ok {
			c.errorAt(a.Pos, "parameter %s of %s cannot be captured; copy it to a local", a.Text, s.fn.Name)
			return 0, 0, false
		}
		depth++
	}
	c.errorAt(a.Pos, "undefined name %s", a.Text)
	return 0, 0, false
}

// slot resolves a numeric operand or a name from names.
func (c *Compiler) slot(a Operand, names map[string]int, what string) (int, bool) {
	if a.Type == OperandName {
		i, ok := names[a.Text]
		if !ok {
			c.errorAt(a.Pos, "unknown %s %s", what, a.Text)
		}
		return i, ok
	}
	return c.integer(a)
}

func (c *Compiler) integer(a Operand) (int, bool) {
	if a.Type != OperandInt {
		c.errorAt(a.Pos, "expected an integer, got %q", a.Text)
		return 0, false
	}
	n, err := strconv.ParseInt(a.Text, 0, 32)
	if err != nil || n < 0 {
		c.errorAt(a.Pos, "operand %s out of range", a.Text)
		return 0, false
	}
	return int(n), true
}

// literal converts a constant operand. Integers of any size are
// accepted; those outside int64 become *big.Int.
func (c *Compiler) literal(a Operand) (vm.Value, bool) {
	switch a.Type {
	case OperandInt:
		n, ok := new(big.Int).SetString(a.Text, 0)
		if !ok {
			c.errorAt(a.Pos, "bad integer %s", a.Text)
			return nil, false
		}
		return vm.NormalizeInt(n), true
	case OperandFloat:
		f, err := strconv.ParseFloat(a.Text, 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			c.errorAt(a.Pos, "bad float %s", a.Text)
			return nil, false
		}
		return f, true
	case OperandString:
		return a.Text, true
	case OperandTrue:
		return true, true
	case OperandFalse:
		return false, true
	case OperandNull:
		return nil, true
	}
	c.errorAt(a.Pos, "expected a literal, got %s", a.Text)
	return nil, false
}
