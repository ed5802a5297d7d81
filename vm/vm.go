package vm

import (
	"context"
	"fmt"
)

// ---------------------------------------------------------------------------
// Engine: configuration and host collaboration
// ---------------------------------------------------------------------------

// Options configures an Engine.
type Options struct {
	// UncachedThreshold is the number of returns and back edges a program
	// executes in the uncached tier before switching to the cached tier.
	// DisableTransition keeps programs uncached.
	UncachedThreshold int

	// OSRThreshold is the number of back edges between safepoint polls,
	// loop-count reports and OSR checks.
	OSRThreshold int

	// CacheLimit bounds chained inline caches before a site goes megamorphic.
	CacheLimit int

	// BoxingElimination enables typed locals and unboxed results. With it
	// off every local stays boxed.
	BoxingElimination bool

	// Assertions checks the operand stack depth before every instruction
	// in the cached tier.
	Assertions bool

	// MaxCallDepth bounds nested invocations.
	MaxCallDepth int
}

// DefaultOptions returns the standard configuration.
func DefaultOptions() Options {
	return Options{
		UncachedThreshold: DefaultUncachedThreshold,
		OSRThreshold:      1024,
		CacheLimit:        DefaultCacheLimit,
		BoxingElimination: true,
		MaxCallDepth:      10000,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	switch {
	case o.UncachedThreshold < 0 && o.UncachedThreshold != DisableTransition:
		return fmt.Errorf("uncached threshold must be non-negative, got %d", o.UncachedThreshold)
	case o.OSRThreshold <= 0:
		return fmt.Errorf("osr threshold must be positive, got %d", o.OSRThreshold)
	case o.CacheLimit <= 0:
		return fmt.Errorf("cache limit must be positive, got %d", o.CacheLimit)
	case o.MaxCallDepth <= 0:
		return fmt.Errorf("max call depth must be positive, got %d", o.MaxCallDepth)
	}
	return nil
}

// Host is the optional compiled-tier collaborator. Both methods are called
// from executing goroutines and must be safe for concurrent use.
type Host interface {
	// LoopCountReported is called every OSRThreshold back edges of one
	// invocation with the number of back edges taken so far.
	LoopCountReported(p *Program, count int)

	// OSRContinuation returns compiled code that can continue p from the
	// re-entry point (bci, depth), or nil. EntryBCI with depth 0 asks for
	// a compiled entry of the whole program; the snapshot it then runs
	// with is at bci 0 with an empty stack. An error from the continuation
	// is raised at the re-entry point and unwinds like any other.
	OSRContinuation(p *Program, bci, depth int) Continuation
}

// Continuation is compiled code entered with a snapshot of the
// invocation. It returns the invocation result, or a snapshot to resume
// the bytecode loop from when it deoptimizes.
type Continuation interface {
	Run(ctx context.Context, s *Snapshot) (Value, *Snapshot, error)
}

// Engine executes programs. An Engine is safe for concurrent use; any
// number of goroutines may call the same program at once.
type Engine struct {
	opts     Options
	host     Host
	profiler *Profiler
}

// NewEngine creates an engine with the given options.
func NewEngine(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Engine{opts: opts}, nil
}

// Options returns the engine configuration.
func (e *Engine) Options() Options { return e.opts }

// SetHost installs the compiled-tier collaborator. Call before running programs.
func (e *Engine) SetHost(h Host) { e.host = h }

// SetProfiler installs an invocation profiler. Call before running programs.
func (e *Engine) SetProfiler(p *Profiler) { e.profiler = p }

// Profiler returns the installed profiler, if any.
func (e *Engine) Profiler() *Profiler { return e.profiler }

// Call invokes p with args. Language-level failures are returned as
// *Exception. Cancelling ctx raises an ExceptionCancelled at the next
// safepoint.
func (e *Engine) Call(ctx context.Context, p *Program, args ...Value) (Value, error) {
	t := newThread(ctx)
	return e.invoke(t, p, args, nil)
}

// CallValue invokes a callable value: a *Function or *Builtin.
func (e *Engine) CallValue(ctx context.Context, callee Value, args ...Value) (Value, error) {
	t := newThread(ctx)
	return e.callValue(t, callee, args)
}
