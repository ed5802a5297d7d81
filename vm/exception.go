package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Language-level exceptions
// ---------------------------------------------------------------------------

// ExceptionKind classifies a language-level exception.
type ExceptionKind uint8

const (
	ExceptionTypeMismatch ExceptionKind = iota // operand types match no shape of an operation with a fallback
	ExceptionUnsupported                       // no shape at all; raised immediately, never cached
	ExceptionArithmetic                        // division by zero
	ExceptionThrown                            // user throw
	ExceptionCancelled                         // cancellation observed at a safepoint
	ExceptionHost                              // a builtin returned a plain Go error
	ExceptionStackOverflow                     // call depth limit exceeded
)

var exceptionKindNames = [...]string{
	ExceptionTypeMismatch:  "TypeMismatch",
	ExceptionUnsupported:   "Unsupported",
	ExceptionArithmetic:    "Arithmetic",
	ExceptionThrown:        "Thrown",
	ExceptionCancelled:     "Cancelled",
	ExceptionHost:          "Host",
	ExceptionStackOverflow: "StackOverflow",
}

func (k ExceptionKind) String() string {
	if int(k) < len(exceptionKindNames) {
		return exceptionKindNames[k]
	}
	return fmt.Sprintf("ExceptionKind(%d)", k)
}

// Exception is a language-level error. It unwinds through the exception
// handler table and is stored into the handler's exception slot when caught.
type Exception struct {
	Kind    ExceptionKind
	Message string
	Payload Value // the thrown value for ExceptionThrown

	// Where the exception was first raised. Filled in by the dispatch loop.
	Program string
	BCI     int

	Err error // underlying cause, if any
}

func (e *Exception) Error() string {
	msg := e.Message
	if e.Kind == ExceptionThrown && msg == "" {
		msg = Format(e.Payload)
	}
	if e.Program != "" {
		return fmt.Sprintf("%s: %s (%s@%d)", e.Kind, msg, e.Program, e.BCI)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Exception) Unwrap() error { return e.Err }

// Is matches exceptions by kind so callers can write
// errors.Is(err, &vm.Exception{Kind: vm.ExceptionArithmetic}).
func (e *Exception) Is(target error) bool {
	t, ok := target.(*Exception)
	return ok && t.Kind == e.Kind && t.Message == "" && t.Payload == nil
}

func typeMismatch(format string, args ...any) *Exception {
	return &Exception{Kind: ExceptionTypeMismatch, Message: fmt.Sprintf(format, args...), BCI: -1}
}

func unsupported(format string, args ...any) *Exception {
	return &Exception{Kind: ExceptionUnsupported, Message: fmt.Sprintf(format, args...), BCI: -1}
}

func arithmetic(msg string) *Exception {
	return &Exception{Kind: ExceptionArithmetic, Message: msg, BCI: -1}
}

// Throw wraps a thrown value. Throwing an exception rethrows it unchanged.
func Throw(v Value) *Exception {
	if ex, ok := v.(*Exception); ok {
		return ex
	}
	return &Exception{Kind: ExceptionThrown, Payload: v, BCI: -1}
}

// asException converts any error surfacing from an operation into a
// language-level exception. Internal errors are never converted; they panic.
func asException(err error) *Exception {
	var ex *Exception
	if errors.As(err, &ex) {
		return ex
	}
	return &Exception{Kind: ExceptionHost, Message: err.Error(), Err: err, BCI: -1}
}

// ---------------------------------------------------------------------------
// Internal and verification errors
// ---------------------------------------------------------------------------

// InternalError reports a broken engine invariant: an unknown opcode, a
// stack-depth assertion, a malformed operand. It is raised with panic and
// is not meant to be recovered.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string { return "internal error: " + e.Msg }

func internalf(format string, args ...any) *InternalError {
	return &InternalError{Msg: fmt.Sprintf(format, args...)}
}

// VerifyError reports a malformed program definition.
type VerifyError struct {
	Program string
	BCI     int
	Reason  string
}

func (e *VerifyError) Error() string {
	if e.BCI < 0 {
		return fmt.Sprintf("verify %s: %s", e.Program, e.Reason)
	}
	return fmt.Sprintf("verify %s@%d: %s", e.Program, e.BCI, e.Reason)
}

// ---------------------------------------------------------------------------
// Exception handler table
// ---------------------------------------------------------------------------

// ExceptionHandler covers the half-open bci range [StartBCI, EndBCI).
// When an exception is raised inside the range the operand stack is
// reset to StackDepth, the exception is stored into the local
// ExceptionSlot and control transfers to HandlerBCI.
type ExceptionHandler struct {
	StartBCI      int `cbor:"1,keyasint"`
	EndBCI        int `cbor:"2,keyasint"`
	HandlerBCI    int `cbor:"3,keyasint"`
	ExceptionSlot int `cbor:"4,keyasint"`
	StackDepth    int `cbor:"5,keyasint"` // computed by NewProgram
}

// Covers reports whether bci lies in the protected range.
func (h *ExceptionHandler) Covers(bci int) bool {
	return bci >= h.StartBCI && bci < h.EndBCI
}

func (h ExceptionHandler) String() string {
	return fmt.Sprintf("[%04d, %04d) -> %04d ex=local%d depth=%d",
		h.StartBCI, h.EndBCI, h.HandlerBCI, h.ExceptionSlot, h.StackDepth)
}

// findHandler scans the table linearly. Inner handlers precede outer
// ones, so the first match is the innermost covering handler.
func (p *Program) findHandler(bci int) *ExceptionHandler {
	for i := range p.handlers {
		if p.handlers[i].Covers(bci) {
			return &p.handlers[i]
		}
	}
	return nil
}

// ExceptionHandlers returns a copy of the handler table in scan order.
func (p *Program) ExceptionHandlers() []ExceptionHandler {
	out := make([]ExceptionHandler, len(p.handlers))
	copy(out, p.handlers)
	return out
}
