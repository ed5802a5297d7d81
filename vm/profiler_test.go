package vm

import (
	"context"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestProfilerHotThreshold(t *testing.T) {
	pr := NewProfiler()
	pr.HotThreshold = 5
	var mu sync.Mutex
	var hot []string
	pr.OnHot = func(p *Program, _ *ProgramProfile) {
		mu.Lock()
		hot = append(hot, p.Name)
		mu.Unlock()
	}

	e := newEngine(t, nil)
	e.SetProfiler(pr)
	p := binaryProgram(t, OpAdd)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 5; j++ {
				if _, err := e.Call(context.Background(), p, int64(i), int64(j)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(hot) != 1 || hot[0] != "add" {
		t.Errorf("OnHot calls = %v, want [add]", hot)
	}
	if !pr.IsHot(p) {
		t.Errorf("add should be hot")
	}
	if n := pr.Profile(p).Invocations.Load(); n != 20 {
		t.Errorf("invocations = %d, want 20", n)
	}
	st := pr.Stats()
	if st.Programs != 1 || st.HotPrograms != 1 || st.Invocations != 20 {
		t.Errorf("stats = %+v", st)
	}
}

func TestProfilerLoopReports(t *testing.T) {
	pr := NewProfiler()
	pr.HotThreshold = 50
	e := newEngine(t, func(o *Options) { o.OSRThreshold = 10 })
	e.SetProfiler(pr)
	p := sumProgram(t)

	// 100 iterations take 100 back edges: ten reports in one invocation.
	call(t, e, p, int64(100))
	prof := pr.Profile(p)
	if n := prof.LoopReports.Load(); n != 10 {
		t.Errorf("loop reports = %d, want 10", n)
	}
	if m := prof.MaxLoop.Load(); m != 100 {
		t.Errorf("max loop = %d, want 100", m)
	}
	if !prof.IsHot() {
		t.Errorf("a long loop should make the program hot")
	}
	if hot := pr.HotPrograms(); len(hot) != 1 || hot[0] != p {
		t.Errorf("hot programs = %v", hot)
	}

	pr.Reset()
	if pr.Profile(p) != nil || pr.Stats().HotPrograms != 0 {
		t.Errorf("Reset left profiles behind")
	}
}

func TestProfilerColdProgram(t *testing.T) {
	pr := NewProfiler()
	e := newEngine(t, nil)
	e.SetProfiler(pr)
	p := binaryProgram(t, OpSub)
	call(t, e, p, int64(3), int64(1))
	if pr.IsHot(p) {
		t.Errorf("one call should not make a program hot")
	}
	if got := e.Profiler(); got != pr {
		t.Errorf("Profiler() returned a different profiler")
	}
	if pr.IsHot(binaryProgram(t, OpMul)) {
		t.Errorf("unknown program reported hot")
	}
}
