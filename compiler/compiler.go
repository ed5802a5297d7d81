// Package compiler assembles textual programs into verified vm programs.
//
// Source is line oriented:
//
//	.func sum n          ; function with one parameter
//	.local i s
//	    push 0
//	    store i
//	loop:
//	    load i
//	    load n
//	    lt
//	    branch.false done
//	    ...
//	    branch loop
//	done:
//	    load s
//	    return
//	.end
//
// Functions nest; a nested function reads and writes the locals of its
// enclosing functions by name and is instantiated with closure.
// Protected regions are written .try handler exvar ... .endtry, with an
// optional .otherwise block before .endtry that runs only when the body
// completes without raising. A .tryfinally exvar ... .finally ... .endtry
// region runs its finally block on every way out of the body and
// rethrows whatever it caught.
package compiler

import (
	"errors"
	"fmt"
	"os"

	"github.com/chazu/tiervm/vm"
)

// SyntaxError is an assembler error with its source position.
type SyntaxError struct {
	Pos Position
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
}

// EntryName is the function Assemble returns when a file defines more
// than one top-level function.
const EntryName = "main"

// Assemble compiles src and returns its entry function: the one named
// main, or the last top-level function. Errors are *SyntaxError values,
// joined when there are several.
func Assemble(src string, builtins map[string]*vm.Builtin) (*vm.Program, error) {
	progs, entry, err := AssembleAll(src, builtins)
	if err != nil {
		return nil, err
	}
	return progs[entry], nil
}

// AssembleAll compiles src and returns every top-level function together
// with the name of the entry function.
func AssembleAll(src string, builtins map[string]*vm.Builtin) (map[string]*vm.Program, string, error) {
	f, err := Parse(src)
	if err != nil {
		return nil, "", err
	}
	if len(f.Funcs) == 0 {
		return nil, "", &SyntaxError{Pos: Position{Line: 1, Column: 1}, Msg: "no functions defined"}
	}
	c := NewCompiler(builtins)
	progs := c.CompileFile(f)
	if errs := c.Errors(); len(errs) > 0 {
		return nil, "", errors.Join(errs...)
	}
	entry := f.Funcs[len(f.Funcs)-1].Name
	if _, ok := progs[EntryName]; ok {
		entry = EntryName
	}
	return progs, entry, nil
}

// AssembleFile reads and assembles a source file.
func AssembleFile(path string, builtins map[string]*vm.Builtin) (*vm.Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Assemble(string(src), builtins)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
