package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler tracks invocation counts and loop activity per program to
// identify hot code for a compiled tier. Programs become hot once either
// their invocations reach HotThreshold or one invocation reports
// HotThreshold loop counts.

// ProgramProfile holds profiling data for a single program.
type ProgramProfile struct {
	Invocations atomic.Uint64
	LoopReports atomic.Uint64 // safepoints reached by back edges
	MaxLoop     atomic.Int64  // largest back-edge count of one invocation
	hot         atomic.Bool
}

// IsHot reports whether the program crossed the threshold.
func (pp *ProgramProfile) IsHot() bool { return pp.hot.Load() }

// Profiler manages profiles for all programs run by an engine.
type Profiler struct {
	profiles sync.Map // *Program -> *ProgramProfile

	// HotThreshold is the invocation count at which a program becomes hot.
	HotThreshold uint64

	// OnHot is called once, from the executing goroutine, when a program
	// becomes hot.
	OnHot func(p *Program, profile *ProgramProfile)

	hotCount atomic.Uint64
}

// NewProfiler creates a profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: 100}
}

func (pr *Profiler) profile(p *Program) *ProgramProfile {
	if val, ok := pr.profiles.Load(p); ok {
		return val.(*ProgramProfile)
	}
	val, _ := pr.profiles.LoadOrStore(p, &ProgramProfile{})
	return val.(*ProgramProfile)
}

// RecordInvocation counts one invocation of p. It reports whether this
// invocation made p hot.
func (pr *Profiler) RecordInvocation(p *Program) bool {
	if p == nil {
		return false
	}
	profile := pr.profile(p)
	count := profile.Invocations.Add(1)
	return count >= pr.HotThreshold && pr.markHot(p, profile)
}

// RecordLoop notes that an invocation of p has taken count back edges.
func (pr *Profiler) RecordLoop(p *Program, count int) bool {
	profile := pr.profile(p)
	profile.LoopReports.Add(1)
	for {
		cur := profile.MaxLoop.Load()
		if int64(count) <= cur || profile.MaxLoop.CompareAndSwap(cur, int64(count)) {
			break
		}
	}
	return uint64(count) >= pr.HotThreshold && pr.markHot(p, profile)
}

func (pr *Profiler) markHot(p *Program, profile *ProgramProfile) bool {
	if !profile.hot.CompareAndSwap(false, true) {
		return false
	}
	pr.hotCount.Add(1)
	log.Debugf("%s: hot after %d invocations", p.Name, profile.Invocations.Load())
	if pr.OnHot != nil {
		pr.OnHot(p, profile)
	}
	return true
}

// Profile returns the profile for p, or nil if it never ran.
func (pr *Profiler) Profile(p *Program) *ProgramProfile {
	if val, ok := pr.profiles.Load(p); ok {
		return val.(*ProgramProfile)
	}
	return nil
}

// IsHot reports whether p has become hot.
func (pr *Profiler) IsHot(p *Program) bool {
	profile := pr.Profile(p)
	return profile != nil && profile.IsHot()
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Programs    int
	HotPrograms int
	Invocations uint64
	LoopReports uint64
}

// Stats returns aggregate profiling statistics.
func (pr *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	pr.profiles.Range(func(_, value any) bool {
		profile := value.(*ProgramProfile)
		stats.Programs++
		stats.Invocations += profile.Invocations.Load()
		stats.LoopReports += profile.LoopReports.Load()
		return true
	})
	stats.HotPrograms = int(pr.hotCount.Load())
	return stats
}

// HotPrograms returns the hot programs sorted by name.
func (pr *Profiler) HotPrograms() []*Program {
	var hot []*Program
	pr.profiles.Range(func(key, value any) bool {
		if value.(*ProgramProfile).IsHot() {
			hot = append(hot, key.(*Program))
		}
		return true
	})
	sort.Slice(hot, func(i, j int) bool { return hot[i].Name < hot[j].Name })
	return hot
}

// Reset clears all profiles.
func (pr *Profiler) Reset() {
	pr.profiles.Range(func(key, _ any) bool {
		pr.profiles.Delete(key)
		return true
	})
	pr.hotCount.Store(0)
}
