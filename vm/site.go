package vm

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Specialization sites
// ---------------------------------------------------------------------------

// Site is the adaptive state of one instruction. Bit i of state means
// shape i has been installed; bit i of exclude means shape i must never
// be used again. Both sets only grow. A shape is active when its state bit
// is set and its exclude bit is not.
//
// Writers hold the program lock. Readers load the bitsets and chain head
// atomically and never block.
type Site struct {
	state   atomic.Uint32
	exclude atomic.Uint32
	head    atomic.Int32 // first cache entry in the program arena, -1 if none
	length  atomic.Int32

	hits   atomic.Uint64
	misses atomic.Uint64
}

func (s *Site) active() uint32 {
	return s.state.Load() &^ s.exclude.Load()
}

// errRespecialize is returned by a shape that cannot handle its operands
// after all, such as an int64 add that overflows. The site excludes the
// shape and retries. It never leaves a site.
var errRespecialize = errors.New("respecialize")

// Site returns the state of site i.
func (p *Program) Site(i int) SiteState {
	s := &p.sites[i]
	bci := p.siteBCI[i]
	op := wordOpcode(atomic.LoadUint32(&p.code[bci]))
	st := SiteState{
		Index:   i,
		BCI:     bci,
		State:   s.state.Load(),
		Exclude: s.exclude.Load(),
		Entries: int(s.length.Load()),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}
	names := siteShapeNames(op)
	for b := st.State; b != 0; b &= b - 1 {
		i := bits.TrailingZeros32(b)
		if st.Exclude&(1<<i) != 0 {
			st.Excluded = append(st.Excluded, names[i])
		} else {
			st.Active = append(st.Active, names[i])
		}
	}
	for b := st.Exclude &^ st.State; b != 0; b &= b - 1 {
		st.Excluded = append(st.Excluded, names[bits.TrailingZeros32(b)])
	}
	if op == OpCall || op == OpGetProp || op == OpSetProp {
		st.Cache = p.cacheState(s, op)
	}
	return st
}

// SiteState is a snapshot of one site.
type SiteState struct {
	Index    int
	BCI      int
	State    uint32
	Exclude  uint32
	Active   []string
	Excluded []string
	Cache    CacheState
	Entries  int
	Hits     uint64
	Misses   uint64
}

func (s SiteState) String() string {
	var sb strings.Builder
	sb.WriteString(strings.Join(s.Active, "|"))
	if len(s.Excluded) > 0 {
		sb.WriteString(" excluded=")
		sb.WriteString(strings.Join(s.Excluded, "|"))
	}
	if s.Entries > 0 || s.Cache != CacheEmpty {
		fmt.Fprintf(&sb, " cache=%s/%d", s.Cache, s.Entries)
	}
	return sb.String()
}

// siteShapeNames returns the shape names of op, indexed by shape bit.
func siteShapeNames(op Opcode) []string {
	switch op {
	case OpCall:
		return callShapeNames[:]
	case OpGetProp, OpSetProp:
		return propShapeNames[:]
	}
	if o := operations[op]; o != nil {
		return o.names
	}
	return nil
}
