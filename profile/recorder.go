package profile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/tiervm/vm"
)

var log = commonlog.GetLogger("tiervm.profile")

// Options configures a Recorder.
type Options struct {
	// Label is stored with the run.
	Label string

	// QueueSize bounds pending captures. Captures beyond it are dropped.
	QueueSize int

	// HotThreshold is used when the engine has no profiler yet.
	HotThreshold uint64
}

// Recorder is a compiled-tier host that never supplies compiled code. It
// captures the site state of hot programs on a background worker and
// persists it to a Store under a fresh run.
type Recorder struct {
	store *Store
	run   Run
	opts  Options

	pending chan job
	done    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool

	mu    sync.Mutex
	seen  map[*vm.Program]*atomic.Int64 // program -> largest reported loop count
	order []*vm.Program

	queued   atomic.Uint64
	dropped  atomic.Uint64
	saved    atomic.Uint64
	failures atomic.Uint64
	lastErr  atomic.Pointer[error]
}

type job struct {
	program *vm.Program
	flushed chan struct{} // non-nil marks a flush barrier
}

// NewRecorder starts a run in store and its background worker.
func NewRecorder(store *Store, opts Options) (*Recorder, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	r := &Recorder{
		store:   store,
		run:     Run{ID: uuid.NewString(), Label: opts.Label, Started: time.Now()},
		opts:    opts,
		pending: make(chan job, opts.QueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		seen:    make(map[*vm.Program]*atomic.Int64),
	}
	if err := store.CreateRun(r.run); err != nil {
		return nil, err
	}
	go r.worker()
	log.Infof("recording run %s to %s", r.run.ID, store.Path())
	return r, nil
}

// Run returns the run being recorded.
func (r *Recorder) Run() Run { return r.run }

// Attach installs r as the host of e and hooks the engine profiler,
// creating one when e has none.
func (r *Recorder) Attach(e *vm.Engine) {
	pr := e.Profiler()
	if pr == nil {
		pr = vm.NewProfiler()
		if r.opts.HotThreshold > 0 {
			pr.HotThreshold = r.opts.HotThreshold
		}
		e.SetProfiler(pr)
	}
	prev := pr.OnHot
	pr.OnHot = func(p *vm.Program, profile *vm.ProgramProfile) {
		if prev != nil {
			prev(p, profile)
		}
		r.LoopCountReported(p, int(profile.MaxLoop.Load()))
		r.enqueue(p)
	}
	e.SetHost(r)
}

func (r *Recorder) track(p *vm.Program) *atomic.Int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	loops, ok := r.seen[p]
	if !ok {
		loops = new(atomic.Int64)
		r.seen[p] = loops
		r.order = append(r.order, p)
	}
	return loops
}

// LoopCountReported implements vm.Host.
func (r *Recorder) LoopCountReported(p *vm.Program, count int) {
	loops := r.track(p)
	for {
		cur := loops.Load()
		if int64(count) <= cur || loops.CompareAndSwap(cur, int64(count)) {
			return
		}
	}
}

// OSRContinuation implements vm.Host. The recorder only observes, so the
// program always keeps running in bytecode.
func (r *Recorder) OSRContinuation(*vm.Program, int, int) vm.Continuation {
	return nil
}

// enqueue never blocks. The closed check and the send happen under r.mu
// so that nothing lands in the queue after Close stopped the worker.
func (r *Recorder) enqueue(p *vm.Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return
	}
	select {
	case r.pending <- job{program: p}:
		r.queued.Add(1)
	default:
		r.dropped.Add(1)
		log.Warningf("%s: capture queue full, dropping", p.Name)
	}
}

func (r *Recorder) worker() {
	defer close(r.stopped)
	for {
		select {
		case j := <-r.pending:
			r.handle(j)
		case <-r.done:
			for {
				select {
				case j := <-r.pending:
					r.handle(j)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) handle(j job) {
	if j.flushed != nil {
		close(j.flushed)
		return
	}
	if err := r.capture(j.program); err != nil {
		r.failures.Add(1)
		r.lastErr.Store(&err)
		log.Errorf("%s: %s", j.program.Name, err.Error())
	}
}

func (r *Recorder) capture(p *vm.Program) error {
	snaps := Capture(p)
	loops := r.track(p).Load()
	for i := range snaps {
		snaps[i].MaxLoop = loops
	}
	if err := r.store.Save(r.run.ID, snaps); err != nil {
		return err
	}
	r.saved.Add(uint64(len(snaps)))
	if log.AllowLevel(commonlog.Debug) {
		log.Debugf("%s: captured %d sites", p.Name, len(snaps))
	}
	return nil
}

// Flush captures the current state of every program seen so far and
// waits until the worker has persisted it.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.closed.Load() {
		return fmt.Errorf("recorder closed")
	}
	r.mu.Lock()
	progs := append([]*vm.Program(nil), r.order...)
	r.mu.Unlock()

	for _, p := range append(progs, nil) {
		j := job{program: p}
		if p == nil {
			j.flushed = make(chan struct{})
		}
		select {
		case r.pending <- j:
		case <-r.stopped:
			return fmt.Errorf("recorder closed")
		case <-ctx.Done():
			return ctx.Err()
		}
		if j.flushed != nil {
			select {
			case <-j.flushed:
			case <-r.stopped:
				return fmt.Errorf("recorder closed")
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if errp := r.lastErr.Swap(nil); errp != nil {
		return *errp
	}
	return nil
}

// Close flushes outstanding captures and stops the worker. The store
// stays open.
func (r *Recorder) Close(ctx context.Context) error {
	if r.closed.Load() {
		return nil
	}
	err := r.Flush(ctx)
	r.mu.Lock()
	first := r.closed.CompareAndSwap(false, true)
	r.mu.Unlock()
	if first {
		close(r.done)
		<-r.stopped
	}
	return err
}

// RecorderStats holds recorder statistics.
type RecorderStats struct {
	Programs int
	Queued   uint64
	Dropped  uint64
	Saved    uint64 // site snapshots written
	Failures uint64
}

// Stats returns recorder statistics.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecorderStats{
		Programs: len(r.seen),
		Queued:   r.queued.Load(),
		Dropped:  r.dropped.Load(),
		Saved:    r.saved.Load(),
		Failures: r.failures.Load(),
	}
}
