package vm

import (
	"context"
)

// ---------------------------------------------------------------------------
// Safepoints
// ---------------------------------------------------------------------------

// thread is the execution state shared by the nested invocations of one
// Call: its context and the current call depth.
type thread struct {
	ctx   context.Context
	done  <-chan struct{}
	depth int
}

func newThread(ctx context.Context) *thread {
	if ctx == nil {
		ctx = context.Background()
	}
	return &thread{ctx: ctx, done: ctx.Done()}
}

// poll is the safepoint check. Loops poll every OSRThreshold back edges
// and every invocation polls on entry. A cancelled context surfaces as a
// language-level exception that handlers may catch.
func (t *thread) poll() error {
	if t.done == nil {
		return nil
	}
	select {
	case <-t.done:
		err := context.Cause(t.ctx)
		log.Debugf("safepoint: %v", err)
		return &Exception{Kind: ExceptionCancelled, Message: err.Error(), Err: err, BCI: -1}
	default:
		return nil
	}
}

// loopState is the per-invocation loop controller.
type loopState struct {
	budget int // back edges until the next poll
	count  int // back edges taken
}

func (e *Engine) newLoopState() loopState {
	return loopState{budget: e.opts.OSRThreshold}
}

// tick charges one back edge and reports whether the budget ran out.
func (e *Engine) tick(ls *loopState) bool {
	ls.count++
	ls.budget--
	if ls.budget > 0 {
		return false
	}
	ls.budget = e.opts.OSRThreshold
	return true
}
