package profile

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/tiervm/vm"
)

// sumProgram returns sum(n) = 0 + 1 + ... + n-1.
func sumProgram(t *testing.T) *vm.Program {
	t.Helper()
	b := vm.NewBuilder("sum", 1)
	i := b.Local("i")
	s := b.Local("s")
	b.LoadConstant(int64(0))
	b.StoreLocal(i)
	b.LoadConstant(int64(0))
	b.StoreLocal(s)
	loop := b.NewLabel()
	end := b.NewLabel()
	b.Mark(loop)
	b.LoadLocal(i)
	b.LoadArgument(0)
	b.Op(vm.OpLt)
	b.BranchFalse(end)
	b.LoadLocal(s)
	b.LoadLocal(i)
	b.Op(vm.OpAdd)
	b.StoreLocal(s)
	b.LoadLocal(i)
	b.LoadConstant(int64(1))
	b.Op(vm.OpAdd)
	b.StoreLocal(i)
	b.Branch(loop)
	b.Mark(end)
	b.LoadLocal(s)
	b.Return()
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := p.SetUncachedThreshold(0); err != nil {
		t.Fatal(err)
	}
	return p
}

func newRecorder(t *testing.T, s *Store, opts Options) (*vm.Engine, *Recorder) {
	t.Helper()
	eo := vm.DefaultOptions()
	eo.OSRThreshold = 10
	e, err := vm.NewEngine(eo)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRecorder(s, opts)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	t.Cleanup(func() { r.Close(context.Background()) })
	r.Attach(e)
	return e, r
}

func TestRecorderCapturesHotProgram(t *testing.T) {
	s := openStore(t)
	e, r := newRecorder(t, s, Options{Label: "sum", HotThreshold: 5})
	p := sumProgram(t)

	for i := 0; i < 3; i++ {
		v, err := e.Call(context.Background(), p, int64(100))
		if err != nil || v != int64(4950) {
			t.Fatalf("sum(100) = %v, %v", v, err)
		}
	}
	if !e.Profiler().IsHot(p) {
		t.Fatalf("sum should be hot")
	}
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	snaps, err := s.Load(r.Run().ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) == 0 {
		t.Fatalf("no snapshots recorded")
	}
	var names []string
	for _, sn := range snaps {
		if sn.Program != "sum" {
			t.Errorf("snapshot of %s, want sum", sn.Program)
		}
		if sn.MaxLoop != 100 {
			t.Errorf("%s@%d max loop = %d, want 100", sn.Instruction, sn.BCI, sn.MaxLoop)
		}
		if sn.Invocations != 3 {
			t.Errorf("%s@%d invocations = %d, want 3", sn.Instruction, sn.BCI, sn.Invocations)
		}
		names = append(names, sn.Instruction)
	}
	if joined := strings.Join(names, " "); !strings.Contains(joined, "add$Long") || !strings.Contains(joined, "lt$Long") {
		t.Errorf("snapshots %q missing specialized arithmetic", joined)
	}

	st := r.Stats()
	if st.Programs != 1 || st.Queued != 1 || st.Failures != 0 || st.Saved < uint64(2*len(snaps)) {
		t.Errorf("stats = %+v", st)
	}
}

func TestRecorderNeverCompiles(t *testing.T) {
	s := openStore(t)
	_, r := newRecorder(t, s, Options{})
	if c := r.OSRContinuation(sumProgram(t), vm.EntryBCI, 0); c != nil {
		t.Errorf("OSRContinuation = %v, want nil", c)
	}
}

func TestRecorderConcurrentCallers(t *testing.T) {
	s := openStore(t)
	e, r := newRecorder(t, s, Options{HotThreshold: 1000})
	p := sumProgram(t)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 10; i++ {
				if _, err := e.Call(context.Background(), p, int64(50)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	// Never hot, but loop reports still register the program.
	if e.Profiler().IsHot(p) {
		t.Errorf("sum should not be hot below the threshold")
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	snaps, err := s.Load(r.Run().ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, sn := range snaps {
		if sn.MaxLoop != 50 || sn.Invocations != 80 {
			t.Errorf("%s@%d: loop %d invocations %d, want 50 and 80", sn.Instruction, sn.BCI, sn.MaxLoop, sn.Invocations)
		}
	}
	if len(snaps) == 0 {
		t.Errorf("no snapshots after close")
	}

	if err := r.Flush(context.Background()); err == nil {
		t.Errorf("Flush after Close should fail")
	}
	if err := r.Close(context.Background()); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestRecorderCloseRacesHotReports(t *testing.T) {
	s := openStore(t)
	for round := 0; round < 10; round++ {
		_, r := newRecorder(t, s, Options{})
		p := sumProgram(t)
		start := make(chan struct{})
		var g errgroup.Group
		for w := 0; w < 4; w++ {
			g.Go(func() error {
				<-start
				for i := 0; i < 200; i++ {
					r.enqueue(p)
				}
				return nil
			})
		}
		close(start)
		if err := r.Close(context.Background()); err != nil {
			t.Fatalf("Close: %v", err)
		}
		g.Wait()
		if n := len(r.pending); n != 0 {
			t.Fatalf("round %d: %d captures queued after the worker stopped", round, n)
		}
	}
}

func TestRecorderRunsListed(t *testing.T) {
	s := openStore(t)
	_, r1 := newRecorder(t, s, Options{Label: "first"})
	_, r2 := newRecorder(t, s, Options{Label: "second"})
	if r1.Run().ID == r2.Run().ID {
		t.Fatalf("runs share id %s", r1.Run().ID)
	}
	runs, err := s.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %v, want 2", runs)
	}
	labels := map[string]string{}
	for _, run := range runs {
		labels[run.ID] = run.Label
	}
	if labels[r1.Run().ID] != "first" || labels[r2.Run().ID] != "second" {
		t.Errorf("labels = %v", labels)
	}
}
