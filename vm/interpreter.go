package vm

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// resumePoint is where a dispatch loop picks up an invocation that another
// loop or compiled code started.
type resumePoint struct {
	bci  int
	sp   int
	loop loopState
}

// transferResult is the outcome of running compiled code: a finished
// invocation, or a resume point after a deopt.
type transferResult struct {
	value Value
	err   error
	at    *resumePoint
}

func (e *Engine) invoke(t *thread, p *Program, args []Value, env *Frame) (Value, error) {
	if len(args) != p.Arity {
		return nil, typeMismatch("%s expects %d arguments, got %d", p.Name, p.Arity, len(args))
	}
	if t.depth >= e.opts.MaxCallDepth {
		return nil, &Exception{
			Kind:    ExceptionStackOverflow,
			Message: fmt.Sprintf("call depth exceeds %d", e.opts.MaxCallDepth),
			Program: p.Name,
			BCI:     0,
		}
	}
	if err := t.poll(); err != nil {
		return nil, err
	}
	f := newFrame(p, args, env)
	if !f.reaches(p.outerDepth) {
		return nil, unsupported("%s reads locals %d levels out but has no enclosing frame; call it through a closure",
			p.Name, p.outerDepth)
	}
	t.depth++
	defer func() { t.depth-- }()

	p.prepareFor(&e.opts)
	p.stats.invocations.Add(1)
	if e.profiler != nil {
		e.profiler.RecordInvocation(p)
	}

	if p.Tier() == TierUncached {
		v, at, err := e.runUncached(t, f)
		if at == nil {
			return v, err
		}
		return e.runCached(t, f, at.bci, at.sp, at.loop)
	}
	if e.host != nil {
		if c := e.host.OSRContinuation(p, EntryBCI, 0); c != nil {
			r := e.transfer(t, c, f, 0, p.maxLocals)
			switch {
			case r.at != nil:
				return e.runCached(t, f, r.at.bci, r.at.sp, e.newLoopState())
			case r.err != nil:
				bci, sp, err := e.unwind(f, 0, r.err)
				if err != nil {
					return nil, err
				}
				return e.runCached(t, f, bci, sp, e.newLoopState())
			}
			return r.value, nil
		}
	}
	return e.runCached(t, f, 0, p.maxLocals, e.newLoopState())
}

// callValue invokes a closure or builtin.
func (e *Engine) callValue(t *thread, callee Value, args []Value) (Value, error) {
	switch c := callee.(type) {
	case *Function:
		return e.invoke(t, c.Program, args, c.Env)
	case *Builtin:
		return c.call(t.ctx, args)
	}
	return nil, notCallable(callee)
}

// transfer enters compiled code with a snapshot of f at bci.
func (e *Engine) transfer(t *thread, c Continuation, f *Frame, bci, sp int) transferResult {
	p := f.program
	p.stats.osrEntries.Add(1)
	log.Debugf("%s: entering compiled code at %d", p.Name, bci)
	v, s, err := c.Run(t.ctx, f.snapshot(bci, sp))
	if err != nil {
		return transferResult{err: asException(err)}
	}
	if s == nil {
		return transferResult{value: v}
	}
	if s.Program != p {
		panic(internalf("%s: deopt snapshot belongs to another program", p.Name))
	}
	p.stats.deopts.Add(1)
	log.Debugf("%s: deopt, resuming at %d", p.Name, s.BCI)
	return transferResult{at: &resumePoint{bci: s.BCI, sp: f.restore(s)}}
}

// unwind looks up the handler for an error raised at bci. On a hit it
// resets the operand stack, stores the exception and returns the handler
// entry. Otherwise it returns the exception for the caller.
func (e *Engine) unwind(f *Frame, bci int, err error) (int, int, error) {
	p := f.program
	ex := asException(err)
	if ex.Program == "" {
		ex.Program = p.Name
		ex.BCI = bci
	}
	h := p.findHandler(bci)
	if h == nil {
		return 0, 0, ex
	}
	if log.AllowLevel(debugLevel) {
		log.Debugf("%s@%d: %s caught by handler at %d", p.Name, bci, ex.Kind, h.HandlerBCI)
	}
	sp := p.maxLocals + h.StackDepth
	for i := sp; i < len(f.slots); i++ {
		f.clear(i)
	}
	f.setValue(h.ExceptionSlot, ex)
	return h.HandlerBCI, sp, nil
}

// ---------------------------------------------------------------------------
// Cached loop
// ---------------------------------------------------------------------------

// runCached is the specializing dispatch loop. It starts at bci with the
// stack pointer sp, which lets it continue an invocation begun elsewhere.
func (e *Engine) runCached(t *thread, f *Frame, bci, sp int, loop loopState) (Value, error) {
	p := f.program
	code := p.code
	for {
		if e.opts.Assertions {
			if d := p.StackDepth(bci); d < 0 || p.maxLocals+d != sp {
				panic(internalf("%s@%d: stack depth %d, verified %d", p.Name, bci, sp-p.maxLocals, d))
			}
		}
		w := atomic.LoadUint32(&code[bci])
		op := wordOpcode(w)
		var err error

		switch op {
		case OpNop:

		case OpPop:
			sp--
			f.clear(sp)

		case OpDup:
			f.copySlot(sp, sp-1)
			sp++

		case OpBox:
			f.setValue(sp-1, f.value(sp-1))

		case OpLoadNull:
			f.setValue(sp, nil)
			sp++

		case OpLoadConstant:
			e.loadObserved(f, bci, w, sp, p.constants[code[bci+1]])
			sp++

		case OpLoadArgument:
			e.loadObserved(f, bci, w, sp, f.args[code[bci+1]])
			sp++

		case OpLoadLocal:
			e.loadLocal(f, bci, w, sp)
			sp++

		case OpStoreLocal:
			e.storeLocal(f, bci, w, sp)
			sp--
			f.clear(sp)

		case OpLoadOuter:
			env := f.outer(int(code[bci+1]))
			f.setValue(sp, env.value(int(code[bci+2])))
			sp++

		case OpStoreOuter:
			sp--
			env := f.outer(int(code[bci+1]))
			env.setValue(int(code[bci+2]), f.value(sp))
			f.clear(sp)

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpLt, OpLe, OpGt, OpGe, OpEq, OpNe:
			sp--
			err = e.binary(f, bci, w, op, sp-1)

		case OpNeg, OpNot:
			err = e.unary(f, bci, w, op, sp-1)

		case OpBranch:
			target := int(code[bci+1])
			if target <= bci {
				r, perr := e.backEdge(t, f, target, sp, &loop)
				if perr != nil {
					err = perr
					break
				}
				if r != nil {
					if r.err != nil {
						err = r.err
						break
					}
					if r.at == nil {
						return r.value, nil
					}
					bci, sp = r.at.bci, r.at.sp
					continue
				}
			}
			bci = target
			continue

		case OpBranchFalse:
			sp--
			var cond bool
			cond, err = e.condition(f, bci, w, sp)
			f.clear(sp)
			if err != nil {
				break
			}
			p.profiles[code[bci+3]].record(!cond)
			if cond {
				break
			}
			target := int(code[bci+1])
			if target <= bci {
				r, perr := e.backEdge(t, f, target, sp, &loop)
				if perr != nil {
					err = perr
					break
				}
				if r != nil {
					if r.err != nil {
						err = r.err
						break
					}
					if r.at == nil {
						return r.value, nil
					}
					bci, sp = r.at.bci, r.at.sp
					continue
				}
			}
			bci = target
			continue

		case OpThrow:
			sp--
			err = Throw(f.value(sp))

		case OpReturn:
			return f.value(sp - 1), nil

		case OpCall:
			argc := int(code[bci+1])
			base := sp - argc - 1
			callee := f.value(base)
			var target any
			if target, err = e.resolveCall(p, int(code[bci+2]), callee); err != nil {
				break
			}
			var v Value
			if v, err = e.callTarget(t, target, callee, f.values(base+1, sp)); err != nil {
				break
			}
			for i := base + 1; i < sp; i++ {
				f.clear(i)
			}
			f.setValue(base, v)
			sp = base + 1

		case OpClosure:
			f.setValue(sp, &Function{Program: p.constants[code[bci+1]].(*Program), Env: f})
			sp++

		case OpNewObject:
			f.setValue(sp, NewObject())
			sp++

		case OpGetProp:
			name := p.constants[code[bci+1]].(string)
			var v Value
			if v, err = e.getProp(p, int(code[bci+2]), f.value(sp-1), name); err == nil {
				f.setValue(sp-1, v)
			}

		case OpSetProp:
			name := p.constants[code[bci+1]].(string)
			sp--
			err = e.setProp(p, int(code[bci+2]), f.value(sp-1), name, f.value(sp))
			f.clear(sp)

		default:
			panic(internalf("%s@%d: unknown opcode %d", p.Name, bci, uint32(op)))
		}

		if err != nil {
			if bci, sp, err = e.unwind(f, bci, err); err != nil {
				return nil, err
			}
			continue
		}
		bci += op.Length()
	}
}

// loadObserved pushes a constant or argument, quickening the load to the
// kind it observes.
func (e *Engine) loadObserved(f *Frame, bci int, w uint32, sp int, v Value) {
	k := wordKind(w)
	if k.IsPrimitive() {
		if bits, vk := unboxBits(v); vk == k {
			f.put(sp, bits, k, wordUnboxed(w))
			return
		}
	}
	if k != KindObject {
		e.quicken(f.program, bci, KindOf(v))
	}
	f.setValue(sp, v)
}

// binary executes a two-operand instruction on the slots i and i+1 and
// leaves the result in slot i.
func (e *Engine) binary(f *Frame, bci int, w uint32, op Opcode, i int) error {
	o := operations[op]
	if k := wordKind(w); k.IsPrimitive() {
		if sh := o.byOperand(k); sh != nil {
			if bits, ok := fastPath(f, sh, k, i, i+1, false); ok {
				f.put(i, bits, sh.result, wordUnboxed(w))
				f.clear(i + 1)
				return nil
			}
		}
	}
	p := f.program
	v, err := e.execute(p, o, int(p.code[bci+1]), f.value(i), f.value(i+1))
	f.clear(i + 1)
	if err != nil {
		return err
	}
	f.setValue(i, v)
	return nil
}

// unary executes a one-operand instruction in place on slot i.
func (e *Engine) unary(f *Frame, bci int, w uint32, op Opcode, i int) error {
	o := operations[op]
	if k := wordKind(w); k.IsPrimitive() {
		if sh := o.byOperand(k); sh != nil {
			if bits, ok := fastPath(f, sh, k, i, i, true); ok {
				f.put(i, bits, sh.result, wordUnboxed(w))
				return nil
			}
		}
	}
	p := f.program
	v, err := e.execute(p, o, int(p.code[bci+1]), f.value(i), nil)
	if err != nil {
		return err
	}
	f.setValue(i, v)
	return nil
}

// condition evaluates the branch.false operand in slot i.
func (e *Engine) condition(f *Frame, bci int, w uint32, i int) (bool, error) {
	if wordKind(w) == KindBool {
		if b, ok := f.expectBool(i); ok {
			return b, nil
		}
	}
	p := f.program
	v, err := e.execute(p, operations[OpBranchFalse], int(p.code[bci+2]), f.value(i), nil)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// fastPath runs the unboxed form of sh when the operands have its kind.
func fastPath(f *Frame, sh *shape, k Kind, i, j int, unary bool) (uint64, bool) {
	switch k {
	case KindLong:
		x, ok := f.expectLong(i)
		if !ok || sh.long == nil {
			return 0, false
		}
		var y int64
		if !unary {
			if y, ok = f.expectLong(j); !ok {
				return 0, false
			}
		}
		return sh.long(x, y)
	case KindDouble:
		x, ok := f.expectDouble(i)
		if !ok || sh.double == nil {
			return 0, false
		}
		var y float64
		if !unary {
			if y, ok = f.expectDouble(j); !ok {
				return 0, false
			}
		}
		return sh.double(x, y)
	case KindBool:
		x, ok := f.expectBool(i)
		if !ok || sh.boolean == nil {
			return 0, false
		}
		var y bool
		if !unary {
			if y, ok = f.expectBool(j); !ok {
				return 0, false
			}
		}
		return sh.boolean(x, y)
	}
	return 0, false
}

// backEdge charges a backward branch to the loop controller. When the
// budget runs out it polls the safepoint, reports the loop count and
// offers the loop header to the host. A non-nil result means control left
// the bytecode loop.
func (e *Engine) backEdge(t *thread, f *Frame, target, sp int, ls *loopState) (*transferResult, error) {
	if !e.tick(ls) {
		return nil, nil
	}
	if err := t.poll(); err != nil {
		return nil, err
	}
	p := f.program
	if e.profiler != nil {
		e.profiler.RecordLoop(p, ls.count)
	}
	if e.host == nil {
		return nil, nil
	}
	e.host.LoopCountReported(p, ls.count)
	depth := sp - p.maxLocals
	if !p.IsOSRPoint(target, depth) {
		return nil, nil
	}
	c := e.host.OSRContinuation(p, target, depth)
	if c == nil {
		return nil, nil
	}
	r := e.transfer(t, c, f, target, sp)
	return &r, nil
}

// ---------------------------------------------------------------------------
// Uncached loop
// ---------------------------------------------------------------------------

// runUncached executes without consulting or updating any site. Every
// return and back edge charges the program's warm-up budget; once the
// program moves to the cached tier a back edge hands the invocation to
// the cached loop through the returned resume point.
func (e *Engine) runUncached(t *thread, f *Frame) (Value, *resumePoint, error) {
	p := f.program
	code := p.code
	bci, sp := 0, p.maxLocals
	loop := e.newLoopState()
	for {
		w := atomic.LoadUint32(&code[bci])
		op := wordOpcode(w)
		var err error
		jump := -1

		switch op {
		case OpNop, OpBox:

		case OpPop:
			sp--
			f.clear(sp)

		case OpDup:
			f.copySlot(sp, sp-1)
			sp++

		case OpLoadNull:
			f.setValue(sp, nil)
			sp++

		case OpLoadConstant:
			f.setValue(sp, p.constants[code[bci+1]])
			sp++

		case OpLoadArgument:
			f.setValue(sp, f.args[code[bci+1]])
			sp++

		case OpLoadLocal:
			f.setValue(sp, f.value(int(code[bci+1])))
			sp++

		case OpStoreLocal:
			sp--
			f.setValue(int(code[bci+1]), f.value(sp))
			f.clear(sp)

		case OpLoadOuter:
			env := f.outer(int(code[bci+1]))
			f.setValue(sp, env.value(int(code[bci+2])))
			sp++

		case OpStoreOuter:
			sp--
			env := f.outer(int(code[bci+1]))
			env.setValue(int(code[bci+2]), f.value(sp))
			f.clear(sp)

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpLt, OpLe, OpGt, OpGe, OpEq, OpNe:
			sp--
			var v Value
			v, err = operations[op].executeUncached(f.value(sp-1), f.value(sp))
			f.clear(sp)
			if err == nil {
				f.setValue(sp-1, v)
			}

		case OpNeg, OpNot:
			var v Value
			if v, err = operations[op].executeUncached(f.value(sp-1), nil); err == nil {
				f.setValue(sp-1, v)
			}

		case OpBranch:
			jump = int(code[bci+1])

		case OpBranchFalse:
			sp--
			var v Value
			v, err = operations[OpBranchFalse].executeUncached(f.value(sp), nil)
			f.clear(sp)
			if err == nil && !v.(bool) {
				jump = int(code[bci+1])
			}

		case OpThrow:
			sp--
			err = Throw(f.value(sp))

		case OpReturn:
			p.consumeBudget()
			return f.value(sp - 1), nil, nil

		case OpCall:
			argc := int(code[bci+1])
			base := sp - argc - 1
			var v Value
			if v, err = e.callValue(t, f.value(base), f.values(base+1, sp)); err != nil {
				break
			}
			for i := base + 1; i < sp; i++ {
				f.clear(i)
			}
			f.setValue(base, v)
			sp = base + 1

		case OpClosure:
			f.setValue(sp, &Function{Program: p.constants[code[bci+1]].(*Program), Env: f})
			sp++

		case OpNewObject:
			f.setValue(sp, NewObject())
			sp++

		case OpGetProp:
			name := p.constants[code[bci+1]].(string)
			obj, ok := f.value(sp - 1).(*Object)
			if !ok {
				err = unsupported("cannot read property %q of %s", name, TypeName(f.value(sp-1)))
				break
			}
			f.setValue(sp-1, obj.field(obj.layout.Index(name)))

		case OpSetProp:
			name := p.constants[code[bci+1]].(string)
			sp--
			obj, ok := f.value(sp - 1).(*Object)
			if !ok {
				err = unsupported("cannot set property %q of %s", name, TypeName(f.value(sp-1)))
				break
			}
			obj.Set(name, f.value(sp))
			f.clear(sp)

		default:
			panic(internalf("%s@%d: unknown opcode %d", p.Name, bci, uint32(op)))
		}

		if err != nil {
			if bci, sp, err = e.unwind(f, bci, err); err != nil {
				return nil, nil, err
			}
			continue
		}
		if jump < 0 {
			bci += op.Length()
			continue
		}
		if jump <= bci {
			if e.tick(&loop) {
				if err := t.poll(); err != nil {
					if bci, sp, err = e.unwind(f, bci, err); err != nil {
						return nil, nil, err
					}
					continue
				}
				if e.profiler != nil {
					e.profiler.RecordLoop(p, loop.count)
				}
			}
			p.consumeBudget()
			if p.Tier() == TierCached {
				return nil, &resumePoint{bci: jump, sp: sp, loop: loop}, nil
			}
		}
		bci = jump
	}
}
