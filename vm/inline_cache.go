package vm

import (
	"fmt"
	"sync/atomic"
)

// Chained inline caches for calls and property access.
//
// A site owning a chain keeps the index of its first entry; entries live
// in a per-program arena and link to the next entry by index. An entry is
// fully built before the arena and then the chain head are published, so
// a reader that sees the head also sees the entry. Entries are never
// modified or removed. Once a chain reaches the cache limit the site
// excludes its cached shape and switches to a generic shape.

// CacheState summarizes a chained site.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // no entry yet
	CacheMonomorphic                   // one entry
	CachePolymorphic                   // 2..limit entries
	CacheMegamorphic                   // generic lookup on every execution
)

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheMonomorphic:
		return "mono"
	case CachePolymorphic:
		return "poly"
	case CacheMegamorphic:
		return "mega"
	}
	return fmt.Sprintf("CacheState(%d)", uint8(s))
}

// DefaultCacheLimit is the number of chained entries before a site goes
// megamorphic.
const DefaultCacheLimit = 4

// CacheEntry is one immutable link of a chain.
type CacheEntry struct {
	Key  any // call target program or builtin, or object layout
	Data any
	next int32
}

// lookup walks the chain of s. It takes no lock.
func (p *Program) lookup(s *Site, key any) *CacheEntry {
	head := s.head.Load()
	if head < 0 {
		return nil
	}
	arena := *p.cache.Load()
	for i := head; i >= 0; i = arena[i].next {
		if arena[i].Key == key {
			return arena[i]
		}
	}
	return nil
}

// insert prepends an entry to the chain of s. The caller holds p.mu.
func (p *Program) insert(s *Site, key, data any) *CacheEntry {
	var arena []*CacheEntry
	if cur := p.cache.Load(); cur != nil {
		arena = make([]*CacheEntry, len(*cur), len(*cur)+1)
		copy(arena, *cur)
	}
	e := &CacheEntry{Key: key, Data: data, next: s.head.Load()}
	arena = append(arena, e)
	p.cache.Store(&arena)
	s.head.Store(int32(len(arena) - 1))
	s.length.Add(1)
	return e
}

// chain returns the entries of s, most recent first.
func (p *Program) chain(s *Site) []*CacheEntry {
	head := s.head.Load()
	if head < 0 {
		return nil
	}
	arena := *p.cache.Load()
	var out []*CacheEntry
	for i := head; i >= 0; i = arena[i].next {
		out = append(out, arena[i])
	}
	return out
}

// Chain returns the cache entries of site i, most recent first.
func (p *Program) Chain(i int) []*CacheEntry { return p.chain(&p.sites[i]) }

func (p *Program) cacheState(s *Site, op Opcode) CacheState {
	generic := uint32(1 << callIndirect)
	if op != OpCall {
		generic = 1 << propGeneric
	}
	switch n := s.length.Load(); {
	case s.state.Load()&generic != 0:
		return CacheMegamorphic
	case n == 0:
		return CacheEmpty
	case n == 1:
		return CacheMonomorphic
	default:
		return CachePolymorphic
	}
}

// ICStats aggregates the chained sites of a program.
type ICStats struct {
	Sites       int
	Empty       int
	Monomorphic int
	Polymorphic int
	Megamorphic int
	Hits        uint64
	Misses      uint64
}

// HitRate returns the hit rate as a percentage (0-100).
func (s ICStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) * 100 / float64(total)
}

// CacheStats returns aggregate statistics for all chained sites.
func (p *Program) CacheStats() ICStats {
	var stats ICStats
	for i, bci := range p.siteBCI {
		op := wordOpcode(atomic.LoadUint32(&p.code[bci]))
		if op != OpCall && op != OpGetProp && op != OpSetProp {
			continue
		}
		s := &p.sites[i]
		stats.Sites++
		switch p.cacheState(s, op) {
		case CacheEmpty:
			stats.Empty++
		case CacheMonomorphic:
			stats.Monomorphic++
		case CachePolymorphic:
			stats.Polymorphic++
		case CacheMegamorphic:
			stats.Megamorphic++
		}
		stats.Hits += s.hits.Load()
		stats.Misses += s.misses.Load()
	}
	return stats
}

// ---------------------------------------------------------------------------
// Call sites
// ---------------------------------------------------------------------------

const (
	callDirect      = iota // chained by target
	callIndirect           // megamorphic
	callNotCallable        // type error
)

var callShapeNames = [...]string{"Direct", "Indirect", "NotCallable"}

// callKey identifies the code a callee runs: the program of a closure or
// the builtin itself. It returns nil for values that cannot be called.
func callKey(callee Value) any {
	switch c := callee.(type) {
	case *Function:
		return c.Program
	case *Builtin:
		return c
	}
	return nil
}

func notCallable(callee Value) *Exception {
	return typeMismatch("%s is not callable", TypeName(callee))
}

// resolveCall checks callee against the call site and specializes the site
// on a miss. It returns the cached target for a chained site, or nil when
// the site is generic. Values that cannot be called yield a type mismatch.
func (e *Engine) resolveCall(p *Program, si int, callee Value) (any, error) {
	s := &p.sites[si]
	key := callKey(callee)
	active := s.active()
	switch {
	case key != nil && active&(1<<callDirect) != 0:
		if ce := p.lookup(s, key); ce != nil {
			s.hits.Add(1)
			return ce.Data, nil
		}
		if active&(1<<callIndirect) != 0 {
			return nil, nil
		}
	case key != nil && active&(1<<callIndirect) != 0:
		return nil, nil
	case key == nil && active&(1<<callNotCallable) != 0:
		return nil, notCallable(callee)
	}
	s.misses.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if key == nil {
		if s.state.Load()&(1<<callNotCallable) == 0 {
			s.state.Or(1 << callNotCallable)
			p.stats.specializations.Add(1)
		}
		return nil, notCallable(callee)
	}
	e.cacheKey(p, si, key, key, callDirect, callIndirect)
	if ce := p.lookup(s, key); ce != nil {
		return ce.Data, nil
	}
	return nil, nil
}

// callTarget invokes the target a call site cached for callee, falling
// back to a full dispatch on the callee when the site is generic.
func (e *Engine) callTarget(t *thread, target any, callee Value, args []Value) (Value, error) {
	switch tg := target.(type) {
	case *Program:
		return e.invoke(t, tg, args, callee.(*Function).Env)
	case *Builtin:
		return tg.call(t.ctx, args)
	}
	return e.callValue(t, callee, args)
}

// cacheKey adds key to the chain of site si, or promotes the site to its
// generic shape once the chain is full. The caller holds p.mu.
func (e *Engine) cacheKey(p *Program, si int, key, data any, cached, generic int) {
	s := &p.sites[si]
	if s.exclude.Load()&(1<<cached) != 0 {
		return
	}
	if p.lookup(s, key) != nil {
		return
	}
	if int(s.length.Load()) < e.opts.CacheLimit {
		p.insert(s, key, data)
		if s.state.Load()&(1<<cached) == 0 {
			s.state.Or(1 << cached)
			p.stats.specializations.Add(1)
		}
		return
	}
	s.state.Or(1 << generic)
	s.exclude.Or(1 << cached)
	p.stats.specializations.Add(1)
	p.stats.exclusions.Add(1)
	log.Debugf("%s@%d: site megamorphic after %d entries", p.Name, p.siteBCI[si], s.length.Load())
}

// ---------------------------------------------------------------------------
// Property sites
// ---------------------------------------------------------------------------

const (
	propCached  = iota // chained by layout
	propGeneric        // megamorphic
)

var propShapeNames = [...]string{"Cached", "Generic"}

// propSlot is the cached outcome of a property access on one layout.
// index < 0 means the property is absent; next != nil means a store
// appends the field and moves the object to layout next.
type propSlot struct {
	index int
	next  *Layout
}

func (e *Engine) getProp(p *Program, si int, target Value, name string) (Value, error) {
	obj, ok := target.(*Object)
	if !ok {
		return nil, unsupported("cannot read property %q of %s", name, TypeName(target))
	}
	s := &p.sites[si]
	active := s.active()
	if active&(1<<propCached) != 0 {
		if ent := p.lookup(s, obj.layout); ent != nil {
			s.hits.Add(1)
			return obj.field(ent.Data.(propSlot).index), nil
		}
	}
	if active&(1<<propGeneric) != 0 {
		return obj.field(obj.layout.Index(name)), nil
	}
	s.misses.Add(1)
	slot := propSlot{index: obj.layout.Index(name)}
	p.mu.Lock()
	e.cacheKey(p, si, obj.layout, slot, propCached, propGeneric)
	p.mu.Unlock()
	return obj.field(slot.index), nil
}

func (e *Engine) setProp(p *Program, si int, target Value, name string, v Value) error {
	obj, ok := target.(*Object)
	if !ok {
		return unsupported("cannot set property %q of %s", name, TypeName(target))
	}
	s := &p.sites[si]
	active := s.active()
	if active&(1<<propCached) != 0 {
		if ent := p.lookup(s, obj.layout); ent != nil {
			s.hits.Add(1)
			obj.store(ent.Data.(propSlot), v)
			return nil
		}
	}
	if active&(1<<propGeneric) != 0 {
		obj.Set(name, v)
		return nil
	}
	s.misses.Add(1)
	slot := propSlot{index: obj.layout.Index(name)}
	if slot.index < 0 {
		slot.next = obj.layout.With(name)
	}
	p.mu.Lock()
	e.cacheKey(p, si, obj.layout, slot, propCached, propGeneric)
	p.mu.Unlock()
	obj.store(slot, v)
	return nil
}
