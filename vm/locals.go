package vm

import "sync/atomic"

// Boxing elimination for locals.
//
// Each local has a program-wide tag: Uninit until the first store in the
// cached tier, then the kind of that value if it is a primitive, Object
// otherwise. A store of a different kind reverts the local to Object and
// rewrites every load and store of the slot to the generic variant. The
// reversion is permanent.

func (p *Program) localTag(slot int) Kind { return Kind(p.localTags[slot].Load()) }

// LocalTags returns the current tag of every local.
func (p *Program) LocalTags() []Kind {
	out := make([]Kind, len(p.localTags))
	for i := range p.localTags {
		out[i] = p.localTag(i)
	}
	return out
}

// loadLocal pushes local slot onto the stack at sp.
func (e *Engine) loadLocal(f *Frame, bci int, w uint32, sp int) {
	p := f.program
	slot := int(p.code[bci+1])
	k := wordKind(w)
	if k.IsPrimitive() {
		if bits, ok := f.expect(slot, k); ok {
			f.put(sp, bits, k, wordUnboxed(w))
			return
		}
	}
	if k != KindObject {
		if tag := p.localTag(slot); tag != KindUninit {
			e.quicken(p, bci, tag)
		}
	}
	f.setValue(sp, f.value(slot))
}

// storeLocal pops the top of stack into local slot.
func (e *Engine) storeLocal(f *Frame, bci int, w uint32, sp int) {
	p := f.program
	slot := int(p.code[bci+1])
	top := sp - 1
	if k := wordKind(w); k.IsPrimitive() {
		if bits, ok := f.expect(top, k); ok {
			f.setBits(slot, bits, k)
			return
		}
	}
	v := f.value(top)
	vk := KindOf(v)
	for {
		tag := p.localTag(slot)
		switch {
		case tag == KindUninit:
			p.localTags[slot].CompareAndSwap(uint32(KindUninit), uint32(vk))
		case tag == vk && vk.IsPrimitive():
			e.quicken(p, bci, tag)
			bits, _ := unboxBits(v)
			f.setBits(slot, bits, tag)
			return
		case tag == KindObject:
			e.quicken(p, bci, KindObject)
			f.setValue(slot, v)
			return
		default:
			e.generalizeLocal(p, slot)
		}
	}
}

// generalizeLocal reverts slot to boxed and rewrites all its accesses.
func (e *Engine) generalizeLocal(p *Program, slot int) {
	for {
		old := p.localTags[slot].Load()
		if Kind(old) == KindObject {
			return
		}
		if p.localTags[slot].CompareAndSwap(old, uint32(KindObject)) {
			break
		}
	}
	p.stats.generalizations.Add(1)
	for _, bci := range p.localAccess[slot] {
		e.quicken(p, bci, KindObject)
	}
	log.Debugf("%s: local %d (%s) reverted to boxed", p.Name, slot, p.localNames[slot])
}

// typedAccesses counts the access instructions of slot currently in
// a typed variant.
func (p *Program) typedAccesses(slot int) int {
	n := 0
	for _, bci := range p.localAccess[slot] {
		if wordKind(atomic.LoadUint32(&p.code[bci])).IsPrimitive() {
			n++
		}
	}
	return n
}
