package vm

import (
	"fmt"
	"sync/atomic"
)

// NewProgram verifies def and prepares it for execution. Verification
// decodes every instruction, checks operand ranges, computes the operand
// stack depth before each instruction, assigns site, profile and producer
// operands, and derives the local tables. The engine trusts the result
// and only asserts it at runtime.
func NewProgram(def ProgramDef) (*Program, error) {
	p := &Program{
		Name:       def.Name,
		Arity:      def.Arity,
		code:       append([]uint32(nil), def.Code...),
		constants:  append([]Value(nil), def.Constants...),
		handlers:   append([]ExceptionHandler(nil), def.Handlers...),
		maxLocals:  def.MaxLocals,
		localNames: append([]string(nil), def.LocalNames...),
	}
	if err := p.verify(); err != nil {
		return nil, err
	}
	p.budget.Store(DefaultUncachedThreshold)
	return p, nil
}

type verifier struct {
	p      *Program
	starts []bool
	merge  []bool
	work   []int
}

func (v *verifier) errorf(bci int, format string, args ...any) error {
	return &VerifyError{Program: v.p.Name, BCI: bci, Reason: fmt.Sprintf(format, args...)}
}

func (p *Program) verify() error {
	v := &verifier{p: p}
	switch {
	case p.Arity < 0:
		return v.errorf(-1, "negative arity %d", p.Arity)
	case p.maxLocals < 0:
		return v.errorf(-1, "negative local count %d", p.maxLocals)
	case len(p.code) == 0:
		return v.errorf(-1, "empty code")
	}
	for len(p.localNames) < p.maxLocals {
		p.localNames = append(p.localNames, "")
	}
	if err := v.decode(); err != nil {
		return err
	}
	if err := v.checkTargets(); err != nil {
		return err
	}
	if err := v.flow(); err != nil {
		return err
	}
	v.link()
	return v.locals()
}

// decode checks every instruction and resets the internal operands.
func (v *verifier) decode() error {
	p := v.p
	n := len(p.code)
	v.starts = make([]bool, n)
	v.merge = make([]bool, n)
	var profiles int
	for bci := 0; bci < n; {
		op := wordOpcode(p.code[bci])
		info := op.Info()
		if info == nil {
			return v.errorf(bci, "unknown opcode %d", uint32(op))
		}
		if bci+info.Length() > n {
			return v.errorf(bci, "%s: truncated instruction", info.Name)
		}
		v.starts[bci] = true
		p.code[bci] = initialWord(op)
		for i, k := range info.Operands {
			at := bci + 1 + i
			x := p.code[at]
			switch k {
			case OperandConstant:
				if int(x) >= len(p.constants) {
					return v.errorf(bci, "%s: constant %d out of range", info.Name, x)
				}
				c := p.constants[x]
				if _, ok := c.(*Program); op == OpClosure && !ok {
					return v.errorf(bci, "closure: constant %d is %s, not a program", x, TypeName(c))
				}
				if _, ok := c.(string); (op == OpGetProp || op == OpSetProp) && !ok {
					return v.errorf(bci, "%s: property name must be a string", info.Name)
				}
			case OperandArgument:
				if int(x) >= p.Arity {
					return v.errorf(bci, "argument %d out of range (arity %d)", x, p.Arity)
				}
			case OperandLocal:
				if op != OpLoadOuter && op != OpStoreOuter && int(x) >= p.maxLocals {
					return v.errorf(bci, "local %d out of range (%d locals)", x, p.maxLocals)
				}
			case OperandDepth:
				if x == 0 {
					return v.errorf(bci, "%s: depth must be at least 1", info.Name)
				}
				if int(x) > p.outerDepth {
					p.outerDepth = int(x)
				}
			case OperandSite:
				p.code[at] = uint32(len(p.siteBCI))
				p.siteBCI = append(p.siteBCI, bci)
			case OperandProfile:
				p.code[at] = uint32(profiles)
				profiles++
			case OperandProducer:
				p.code[at] = noProducer
			}
		}
		bci += info.Length()
	}
	p.sites = make([]Site, len(p.siteBCI))
	for i := range p.sites {
		p.sites[i].head.Store(-1)
	}
	p.profiles = make([]BranchProfile, profiles)
	return nil
}

func (v *verifier) checkTargets() error {
	p := v.p
	n := len(p.code)
	isStart := func(bci int) bool { return bci >= 0 && bci < n && v.starts[bci] }
	for bci := 0; bci < n; {
		op := wordOpcode(p.code[bci])
		if i := op.operandIndex(OperandTarget); i > 0 {
			t := int(p.code[bci+i])
			if !isStart(t) {
				return v.errorf(bci, "%s: target %d is not an instruction", op, t)
			}
			v.merge[t] = true
		}
		bci += op.Length()
	}
	for i, h := range p.handlers {
		switch {
		case !isStart(h.StartBCI) || h.EndBCI <= h.StartBCI || h.EndBCI > n || (h.EndBCI < n && !v.starts[h.EndBCI]):
			return v.errorf(-1, "handler %d: bad range [%d, %d)", i, h.StartBCI, h.EndBCI)
		case !isStart(h.HandlerBCI):
			return v.errorf(-1, "handler %d: handler bci %d is not an instruction", i, h.HandlerBCI)
		case h.ExceptionSlot < 0 || h.ExceptionSlot >= p.maxLocals:
			return v.errorf(-1, "handler %d: exception slot %d out of range", i, h.ExceptionSlot)
		}
		v.merge[h.HandlerBCI] = true
		for j := 0; j < i; j++ {
			o := p.handlers[j]
			if o.StartBCI <= h.StartBCI && h.EndBCI <= o.EndBCI && (o.StartBCI != h.StartBCI || o.EndBCI != h.EndBCI) {
				return v.errorf(-1, "handler %d: nested in handler %d but listed after it", i, j)
			}
		}
	}
	return nil
}

func (v *verifier) setDepth(bci int, d int32) error {
	p := v.p
	if bci >= len(p.code) {
		return v.errorf(bci, "control falls off the end of the code")
	}
	switch cur := p.depths[bci]; {
	case cur < 0:
		p.depths[bci] = d
		v.work = append(v.work, bci)
	case cur != d:
		return v.errorf(bci, "inconsistent stack depth %d and %d", cur, d)
	}
	return nil
}

// flow computes the operand stack depth before every reachable
// instruction, the maximum depth, and each handler's stack depth.
func (v *verifier) flow() error {
	p := v.p
	p.depths = make([]int32, len(p.code))
	for i := range p.depths {
		p.depths[i] = -1
	}
	p.loopHeaders = make([]bool, len(p.code))
	if err := v.setDepth(0, 0); err != nil {
		return err
	}
	seeded := make([]bool, len(p.handlers))
	for {
		for len(v.work) > 0 {
			bci := v.work[len(v.work)-1]
			v.work = v.work[:len(v.work)-1]
			d := p.depths[bci]
			op := wordOpcode(p.code[bci])
			info := op.Info()
			pop := info.Pop
			if pop < 0 {
				pop = int(p.code[bci+1]) + 1
			}
			if int(d) < pop {
				return v.errorf(bci, "%s: stack underflow (depth %d, pops %d)", info.Name, d, pop)
			}
			nd := d - int32(pop) + int32(info.Push)
			if int(nd) > p.maxStack {
				p.maxStack = int(nd)
			}
			if info.flags&flagBranch != 0 {
				t := int(p.code[bci+op.operandIndex(OperandTarget)])
				if t <= bci {
					p.loopHeaders[t] = true
				}
				if err := v.setDepth(t, nd); err != nil {
					return err
				}
			}
			if info.flags&flagTerminal == 0 {
				if err := v.setDepth(bci+info.Length(), nd); err != nil {
					return err
				}
			}
		}
		progress := false
		for i := range p.handlers {
			h := &p.handlers[i]
			if seeded[i] || p.depths[h.StartBCI] < 0 {
				continue
			}
			seeded[i] = true
			progress = true
			h.StackDepth = int(p.depths[h.StartBCI])
			if err := v.setDepth(h.HandlerBCI, int32(h.StackDepth)); err != nil {
				return err
			}
		}
		if !progress {
			break
		}
	}
	// A range that starts in dead code shares the depth of its siblings.
	for i := range p.handlers {
		if seeded[i] {
			continue
		}
		for j := range p.handlers {
			if seeded[j] && p.handlers[j].HandlerBCI == p.handlers[i].HandlerBCI {
				p.handlers[i].StackDepth = p.handlers[j].StackDepth
				break
			}
		}
	}
	for i, h := range p.handlers {
		for bci := h.StartBCI; bci < h.EndBCI; bci++ {
			if v.starts[bci] && p.depths[bci] >= 0 && int(p.depths[bci]) < h.StackDepth {
				return v.errorf(bci, "handler %d: stack depth %d below handler depth %d", i, p.depths[bci], h.StackDepth)
			}
		}
	}
	return nil
}

// link records, for every instruction that consumes stack operands, which
// instruction produced each operand when both lie on one straight-line
// path. Merge points and instructions after a terminal forget producers.
func (v *verifier) link() {
	p := v.p
	p.consumers = make([]int32, len(p.code))
	for i := range p.consumers {
		p.consumers[i] = -1
	}
	var stack []int32
	fresh := true
	for bci := 0; bci < len(p.code); {
		op := wordOpcode(p.code[bci])
		info := op.Info()
		d := int(p.depths[bci])
		if d < 0 {
			fresh = true
			bci += info.Length()
			continue
		}
		if fresh || v.merge[bci] {
			stack = stack[:0]
			for i := 0; i < d; i++ {
				stack = append(stack, -1)
			}
		}
		pop := info.Pop
		if pop < 0 {
			pop = int(p.code[bci+1]) + 1
		}
		popped := stack[len(stack)-pop:]
		j := 0
		for i, k := range info.Operands {
			if k != OperandProducer {
				continue
			}
			prod := popped[j]
			j++
			if prod >= 0 {
				p.code[bci+1+i] = uint32(prod)
				p.consumers[prod] = int32(bci)
			}
		}
		stack = stack[:len(stack)-pop]
		for i := 0; i < info.Push; i++ {
			if info.flags&flagProducer != 0 {
				stack = append(stack, int32(bci))
			} else {
				stack = append(stack, -1)
			}
		}
		fresh = info.flags&flagTerminal != 0
		bci += info.Length()
	}
}

// locals derives the local access index, the captured set and the
// initial local tags.
func (v *verifier) locals() error {
	p := v.p
	p.localAccess = make([][]int, p.maxLocals)
	p.captured = make([]bool, p.maxLocals)
	for bci := 0; bci < len(p.code); {
		op := wordOpcode(p.code[bci])
		if op == OpLoadLocal || op == OpStoreLocal {
			slot := p.code[bci+1]
			p.localAccess[slot] = append(p.localAccess[slot], bci)
		}
		bci += op.Length()
	}

	var mark func(q *Program, level int) error
	mark = func(q *Program, level int) error {
		for bci := 0; bci < len(q.code); {
			op := wordOpcode(atomic.LoadUint32(&q.code[bci]))
			if (op == OpLoadOuter || op == OpStoreOuter) && int(q.code[bci+1]) == level {
				slot := int(q.code[bci+2])
				if slot >= p.maxLocals {
					return v.errorf(-1, "%s@%d: outer local %d out of range", q.Name, bci, slot)
				}
				p.captured[slot] = true
			}
			bci += op.Length()
		}
		for _, c := range q.constants {
			if nested, ok := c.(*Program); ok {
				if err := mark(nested, level+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, c := range p.constants {
		if nested, ok := c.(*Program); ok {
			if err := mark(nested, 1); err != nil {
				return err
			}
		}
	}

	p.localTags = make([]atomic.Uint32, p.maxLocals)
	for i := range p.localTags {
		p.localTags[i].Store(uint32(KindUninit))
		if p.captured[i] {
			p.localTags[i].Store(uint32(KindObject))
		}
	}
	for _, h := range p.handlers {
		p.localTags[h.ExceptionSlot].Store(uint32(KindObject))
	}
	return nil
}
