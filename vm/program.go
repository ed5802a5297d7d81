package vm

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Program: the executable unit
// ---------------------------------------------------------------------------

// Tier is the dispatch loop a program's invocations start in.
type Tier int32

const (
	TierUncached Tier = iota // no caches, no quickening; counts down the warm-up budget
	TierCached               // specializing loop
)

func (t Tier) String() string {
	switch t {
	case TierUncached:
		return "uncached"
	case TierCached:
		return "cached"
	}
	return fmt.Sprintf("Tier(%d)", int32(t))
}

// DefaultUncachedThreshold is the warm-up budget of a fresh program.
const DefaultUncachedThreshold = 16

// DisableTransition as an uncached threshold keeps a program in the
// uncached tier for good.
const DisableTransition = math.MinInt32

// ProgramDef is the plain description of a program as produced by a
// builder or decoded from an image.
type ProgramDef struct {
	Name       string
	Arity      int
	Code       []uint32
	Constants  []Value
	Handlers   []ExceptionHandler
	MaxLocals  int
	LocalNames []string
}

// Program is a verified, executable unit. Its code array is shared by all
// invocations and is rewritten in place as instructions quicken.
type Program struct {
	Name  string
	Arity int

	code       []uint32
	constants  []Value
	handlers   []ExceptionHandler
	maxLocals  int
	maxStack   int
	localNames []string

	// Results of verification.
	depths      []int32 // operand stack depth before each instruction, -1 elsewhere
	loopHeaders []bool  // backward branch targets
	consumers   []int32 // consumer bci of each producer, -1 if none
	siteBCI     []int
	localAccess [][]int // load.local/store.local bcis per slot
	captured    []bool
	outerDepth  int // deepest load.outer/store.outer level

	sites     []Site
	profiles  []BranchProfile
	localTags []atomic.Uint32
	cache     atomic.Pointer[[]*CacheEntry]

	// mu serializes site transitions and cache insertion. Readers never take it.
	mu sync.Mutex

	tier         atomic.Int32
	budget       atomic.Int64
	thresholdSet atomic.Bool
	pinned       atomic.Bool // never leaves the uncached tier
	prepare      sync.Once

	stats programStats
}

type programStats struct {
	quickenings     atomic.Int64
	specializations atomic.Int64
	exclusions      atomic.Int64
	generalizations atomic.Int64
	osrEntries      atomic.Int64
	deopts          atomic.Int64
	invocations     atomic.Int64
}

// ProgramStats is a snapshot of a program's adaptive counters.
type ProgramStats struct {
	Tier            Tier
	Budget          int64
	Invocations     int64
	Quickenings     int64 // opcode words rewritten
	Specializations int64 // shape bits installed
	Exclusions      int64 // shape bits excluded
	Generalizations int64 // locals reverted to boxed
	OSREntries      int64
	Deopts          int64
}

// Stats returns the current counters.
func (p *Program) Stats() ProgramStats {
	return ProgramStats{
		Tier:            p.Tier(),
		Budget:          p.budget.Load(),
		Invocations:     p.stats.invocations.Load(),
		Quickenings:     p.stats.quickenings.Load(),
		Specializations: p.stats.specializations.Load(),
		Exclusions:      p.stats.exclusions.Load(),
		Generalizations: p.stats.generalizations.Load(),
		OSREntries:      p.stats.osrEntries.Load(),
		Deopts:          p.stats.deopts.Load(),
	}
}

// Tier returns the tier new invocations start in.
func (p *Program) Tier() Tier { return Tier(p.tier.Load()) }

// SetUncachedThreshold sets the number of returns and back edges executed
// uncached before the program transitions to the cached tier.
// DisableTransition turns the transition off. It has no effect once the
// program is cached.
func (p *Program) SetUncachedThreshold(n int) error {
	if n == DisableTransition {
		p.thresholdSet.Store(true)
		p.pinned.Store(true)
		return nil
	}
	if n < 0 {
		return fmt.Errorf("uncached threshold must be non-negative, got %d", n)
	}
	p.thresholdSet.Store(true)
	p.pinned.Store(false)
	p.budget.Store(int64(n))
	if n == 0 {
		p.transitionToCached()
	}
	return nil
}

// consumeBudget charges one return or back edge against the warm-up
// budget. It reports whether the call moved the program to the cached tier.
func (p *Program) consumeBudget() bool {
	if p.pinned.Load() || p.budget.Add(-1) > 0 {
		return false
	}
	return p.transitionToCached()
}

func (p *Program) transitionToCached() bool {
	if !p.tier.CompareAndSwap(int32(TierUncached), int32(TierCached)) {
		return false
	}
	log.Debugf("%s: tier uncached -> cached", p.Name)
	return true
}

// Accessors.

func (p *Program) MaxLocals() int         { return p.maxLocals }
func (p *Program) MaxStack() int          { return p.maxStack }
func (p *Program) Constants() []Value     { return append([]Value(nil), p.constants...) }
func (p *Program) LocalNames() []string   { return append([]string(nil), p.localNames...) }
func (p *Program) NumSites() int          { return len(p.sites) }
func (p *Program) Captured(slot int) bool { return p.captured[slot] }

// Code returns a copy of the current, possibly quickened, code array.
func (p *Program) Code() []uint32 {
	out := make([]uint32, len(p.code))
	for i := range p.code {
		out[i] = atomic.LoadUint32(&p.code[i])
	}
	return out
}

// StackDepth returns the verified operand stack depth before the
// instruction at bci, or -1 if bci is not a reachable instruction.
func (p *Program) StackDepth(bci int) int {
	if bci < 0 || bci >= len(p.depths) {
		return -1
	}
	return int(p.depths[bci])
}

// EntryBCI is the re-entry point standing for a fresh invocation of the
// whole program, as opposed to a loop header that happens to be at bci 0.
const EntryBCI = -1

// IsOSRPoint reports whether (bci, depth) is a valid re-entry point: a
// loop header reached with the given operand stack depth, or EntryBCI
// with an empty stack.
func (p *Program) IsOSRPoint(bci, depth int) bool {
	if bci == EntryBCI {
		return depth == 0
	}
	return bci >= 0 && bci < len(p.loopHeaders) && p.loopHeaders[bci] && int(p.depths[bci]) == depth
}

// Def returns the pristine definition: every opcode word in its
// unquickened form. Quickening state is never serialized.
func (p *Program) Def() ProgramDef {
	code := p.Code()
	for bci := 0; bci < len(code); {
		op := wordOpcode(code[bci])
		code[bci] = initialWord(op)
		bci += op.Length()
	}
	handlers := make([]ExceptionHandler, len(p.handlers))
	copy(handlers, p.handlers)
	return ProgramDef{
		Name:       p.Name,
		Arity:      p.Arity,
		Code:       code,
		Constants:  p.Constants(),
		Handlers:   handlers,
		MaxLocals:  p.maxLocals,
		LocalNames: p.LocalNames(),
	}
}

// Walk calls fn for p and every program nested in its constants.
func (p *Program) Walk(fn func(*Program)) {
	fn(p)
	for _, c := range p.constants {
		if nested, ok := c.(*Program); ok {
			nested.Walk(fn)
		}
	}
}

// prepareFor applies engine options the first time a program runs.
func (p *Program) prepareFor(opts *Options) {
	p.prepare.Do(func() {
		if !p.thresholdSet.Load() {
			if opts.UncachedThreshold == DisableTransition {
				p.pinned.Store(true)
			} else {
				p.budget.Store(int64(opts.UncachedThreshold))
			}
		}
		if !p.pinned.Load() && p.budget.Load() <= 0 {
			p.transitionToCached()
		}
		if !opts.BoxingElimination {
			for i := range p.localTags {
				p.localTags[i].Store(uint32(KindObject))
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Branch profiles
// ---------------------------------------------------------------------------

// BranchProfile counts the outcomes of a conditional branch in the cached tier.
type BranchProfile struct {
	taken    atomic.Uint64
	notTaken atomic.Uint64
}

func (b *BranchProfile) record(taken bool) {
	if taken {
		b.taken.Add(1)
	} else {
		b.notTaken.Add(1)
	}
}

// BranchCounts is a snapshot of one branch profile.
type BranchCounts struct {
	BCI      int
	Taken    uint64
	NotTaken uint64
}

// BranchProfiles returns the branch counters in code order.
func (p *Program) BranchProfiles() []BranchCounts {
	var out []BranchCounts
	for bci := 0; bci < len(p.code); {
		w := atomic.LoadUint32(&p.code[bci])
		op := wordOpcode(w)
		if op == OpBranchFalse {
			prof := &p.profiles[p.code[bci+op.operandIndex(OperandProfile)]]
			out = append(out, BranchCounts{BCI: bci, Taken: prof.taken.Load(), NotTaken: prof.notTaken.Load()})
		}
		bci += op.Length()
	}
	return out
}
