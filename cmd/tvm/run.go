package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/tiervm/compiler"
	"github.com/chazu/tiervm/config"
	"github.com/chazu/tiervm/image"
	"github.com/chazu/tiervm/profile"
	"github.com/chazu/tiervm/vm"
)

var log = commonlog.GetLogger("tiervm.cli")

type runOptions struct {
	Path     string
	Args     []string
	Runs     int
	Parallel int
	Dump     bool
	ImageOut string
	Verbose  bool
}

// load assembles a source file or decodes an image, deciding by content.
func load(path string, builtins map[string]*vm.Builtin) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if image.IsImage(data) {
		return image.Decode(data, builtins)
	}
	p, err := compiler.Assemble(string(data), builtins)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// parseArg reads a command-line argument as a literal: integers (of any
// size), floats, true, false, null, quoted strings. Anything else is a
// bare string.
func parseArg(s string) vm.Value {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return n
	}
	if n, ok := new(big.Int).SetString(s, 0); ok {
		return vm.NormalizeInt(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}

func run(ctx context.Context, cfg *config.Config, opts runOptions, w io.Writer) error {
	if opts.Runs < 1 || opts.Parallel < 1 {
		return fmt.Errorf("-n and -parallel must be positive")
	}
	builtins := vm.StandardBuiltins(w)
	p, err := load(opts.Path, builtins)
	if err != nil {
		return err
	}

	if opts.ImageOut != "" {
		n, err := image.WriteFile(opts.ImageOut, p)
		if err != nil {
			return err
		}
		log.Noticef("wrote %s (%s)", opts.ImageOut, units.HumanSize(float64(n)))
		if opts.Verbose {
			fmt.Fprintf(w, "Wrote %s (%s)\n", opts.ImageOut, units.HumanSize(float64(n)))
		}
	}

	e, err := vm.NewEngine(cfg.EngineOptions())
	if err != nil {
		return err
	}
	profiler := vm.NewProfiler()
	if cfg.Profile.HotThreshold > 0 {
		profiler.HotThreshold = cfg.Profile.HotThreshold
	}
	e.SetProfiler(profiler)

	if cfg.Profile.Database != "" {
		store, err := profile.Open(cfg.Profile.Database)
		if err != nil {
			return err
		}
		defer store.Close()
		rec, err := profile.NewRecorder(store, profile.Options{
			Label:        filepath.Base(opts.Path),
			HotThreshold: cfg.Profile.HotThreshold,
		})
		if err != nil {
			return err
		}
		rec.Attach(e)
		defer func() {
			if err := rec.Close(context.Background()); err != nil {
				log.Errorf("profile: %s", err.Error())
			}
			if opts.Verbose {
				st := rec.Stats()
				fmt.Fprintf(w, "Profile run %s: %d programs, %d site snapshots\n", rec.Run().ID, st.Programs, st.Saved)
			}
		}()
	}

	args := make([]vm.Value, len(opts.Args))
	for i, a := range opts.Args {
		args[i] = parseArg(a)
	}

	var (
		mu     sync.Mutex
		result vm.Value
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Parallel; i++ {
		g.Go(func() error {
			for j := 0; j < opts.Runs; j++ {
				v, err := e.Call(gctx, p, args...)
				if err != nil {
					return err
				}
				mu.Lock()
				result = v
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Fprintln(w, vm.Format(result))

	if opts.Dump {
		p.Walk(func(q *vm.Program) {
			fmt.Fprint(w, q.Dump())
		})
	}
	if opts.Verbose {
		st := p.Stats()
		fmt.Fprintf(w, "%d invocations in %s, tier %s\n", opts.Runs*opts.Parallel, elapsed, st.Tier)
		fmt.Fprintf(w, "quickenings=%d specializations=%d exclusions=%d generalizations=%d osr=%d deopts=%d\n",
			st.Quickenings, st.Specializations, st.Exclusions, st.Generalizations, st.OSREntries, st.Deopts)
		ps := profiler.Stats()
		fmt.Fprintf(w, "programs=%d hot=%d loop-reports=%d\n", ps.Programs, ps.HotPrograms, ps.LoopReports)
	}
	return nil
}
