// tvm - assemble and run programs on the tiered bytecode engine
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tiervm/config"
	"github.com/chazu/tiervm/server"
	"github.com/chazu/tiervm/vm"
)

func main() {
	configPath := flag.String("config", "", "Config file (default: nearest tiervm.toml)")
	verbose := flag.Bool("v", false, "Verbose output")
	runs := flag.Int("n", 1, "Number of invocations")
	parallel := flag.Int("parallel", 1, "Concurrent callers; each performs -n invocations")
	dump := flag.Bool("dump", false, "Print instructions and site state after running")
	imageOut := flag.String("image", "", "Write the loaded program to an image file")
	profileDB := flag.String("profile", "", "Record specialization snapshots to this SQLite database")
	lspMode := flag.Bool("lsp", false, "Start the assembler language server on stdio")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tvm [options] file.(tasm|tvmi) [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Assembles or loads a program and calls its entry function with args.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tvm examples/sum.tasm 1000            # Run once\n")
		fmt.Fprintf(os.Stderr, "  tvm -n 50 -dump examples/sum.tasm 10  # Run 50 times, show quickened code\n")
		fmt.Fprintf(os.Stderr, "  tvm -image sum.tvmi examples/sum.tasm  # Assemble, run and save an image\n")
		fmt.Fprintf(os.Stderr, "  tvm -parallel 8 -n 100 sum.tvmi 100   # Call from 8 goroutines\n")
		fmt.Fprintf(os.Stderr, "\nLanguage Server:\n")
		fmt.Fprintf(os.Stderr, "  tvm -lsp                              # Serve .tasm diagnostics and navigation\n")
	}
	flag.Parse()

	if *lspMode {
		commonlog.Configure(0, nil)
		if err := server.NewLSP(vm.StandardBuiltins(io.Discard)).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbose && cfg.Log.Verbosity < 1 {
		cfg.Log.Verbosity = 1
	}
	if *profileDB != "" {
		cfg.Profile.Database = *profileDB
	}
	var logFile *string
	if cfg.Log.File != "" {
		logFile = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity, logFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := runOptions{
		Path:     flag.Arg(0),
		Args:     flag.Args()[1:],
		Runs:     *runs,
		Parallel: *parallel,
		Dump:     *dump,
		ImageOut: *imageOut,
		Verbose:  *verbose,
	}
	if err := run(ctx, cfg, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads path, or the nearest tiervm.toml above the working
// directory, or the defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}
