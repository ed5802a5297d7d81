package server

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/chazu/tiervm/vm"
)

const sumDoc = `.func sum n
.local i s
    push 0
    store i
loop:
    load i
    branch loop
    load s
    return
.end
`

func newTestLSP() *LspServer {
	return NewLSP(vm.StandardBuiltins(nil))
}

func at(line, char int) protocol.Position {
	return protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(char)}
}

// ---------------------------------------------------------------------------
// Text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		text string
		pos  protocol.Position
		want string
	}{
		{"    lo", at(0, 6), "lo"},
		{"    load.lo", at(0, 11), "load.lo"},
		{".fu", at(0, 3), ".fu"},
		{"", at(0, 0), ""},
		{"hello", at(0, 0), ""},
		{"first\nsecond\n  br", at(2, 4), "br"},
		{"single line", at(5, 0), ""},
	}
	for _, tt := range tests {
		if got := extractPrefix(tt.text, tt.pos); got != tt.want {
			t.Errorf("extractPrefix(%q, %v) = %q, want %q", tt.text, tt.pos, got, tt.want)
		}
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		text string
		pos  protocol.Position
		want string
	}{
		{"    branch.false done", at(0, 6), "branch.false"},
		{"    branch.false done", at(0, 19), "done"},
		{"loop:", at(0, 2), "loop"},
		{".func sum n", at(0, 2), "func"},
		{"hello world", at(0, 5), "hello"},
		{"", at(0, 0), ""},
		{"a\nb", at(3, 0), ""},
	}
	for _, tt := range tests {
		if got := extractWord(tt.text, tt.pos); got != tt.want {
			t.Errorf("extractWord(%q, %v) = %q, want %q", tt.text, tt.pos, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func TestDiagnosticsClean(t *testing.T) {
	s := newTestLSP()
	if d := s.diagnostics(sumDoc); d == nil || len(d) != 0 {
		t.Errorf("diagnostics = %v, want empty", d)
	}
}

func TestDiagnosticsPositions(t *testing.T) {
	s := newTestLSP()
	d := s.diagnostics(".func f\n  frob\n  builtin nope\n  return\n.end\n")
	if len(d) != 2 {
		t.Fatalf("diagnostics = %+v, want 2", d)
	}
	if d[0].Message != "unknown instruction frob" {
		t.Errorf("message = %q", d[0].Message)
	}
	if d[0].Range.Start != at(1, 2) || d[0].Range.End != at(1, 6) {
		t.Errorf("range = %+v, want 1:2-1:6", d[0].Range)
	}
	if d[1].Message != "unknown builtin nope" || d[1].Range.Start.Line != 2 {
		t.Errorf("second diagnostic = %+v", d[1])
	}
	if d[0].Severity == nil || *d[0].Severity != protocol.DiagnosticSeverityError {
		t.Errorf("severity = %v", d[0].Severity)
	}
}

func TestDiagnosticsSyntaxError(t *testing.T) {
	s := newTestLSP()
	d := s.diagnostics("add\n")
	if len(d) == 0 || !strings.Contains(d[0].Message, "expected .func") {
		t.Errorf("diagnostics = %+v", d)
	}
}

// ---------------------------------------------------------------------------
// Completion, hover and navigation
// ---------------------------------------------------------------------------

func labels(items []protocol.CompletionItem) map[string]bool {
	out := map[string]bool{}
	for _, it := range items {
		out[it.Label] = true
	}
	return out
}

func TestCompleteMnemonicsAndSymbols(t *testing.T) {
	s := newTestLSP()
	doc := sumDoc + ".func g\n    lo\n.end\n"
	got := labels(s.complete(doc, at(11, 6)))
	for _, want := range []string{"load", "load.local", "load.null", "loop"} {
		if !got[want] {
			t.Errorf("completion missing %s: %v", want, got)
		}
	}
	if got["push"] {
		t.Errorf("completion should filter by prefix: %v", got)
	}

	got = labels(s.complete("    pr", at(0, 6)))
	if !got["print"] {
		t.Errorf("completion missing builtin print: %v", got)
	}
}

func TestCompleteDirectives(t *testing.T) {
	s := newTestLSP()
	got := labels(s.complete(".e", at(0, 2)))
	if len(got) != 2 || !got["end"] || !got["endtry"] {
		t.Errorf("directives = %v, want end and endtry", got)
	}
	got = labels(s.complete(".t", at(0, 2)))
	if len(got) != 2 || !got["try"] || !got["tryfinally"] {
		t.Errorf("directives = %v, want try and tryfinally", got)
	}
}

func hoverText(t *testing.T, s *LspServer, text string, pos protocol.Position) string {
	t.Helper()
	h := s.hover(text, pos)
	if h == nil {
		t.Fatalf("no hover at %v", pos)
	}
	return h.Contents.(protocol.MarkupContent).Value
}

func TestHover(t *testing.T) {
	s := newTestLSP()
	if v := hoverText(t, s, "    add", at(0, 5)); !strings.Contains(v, "**add**") || !strings.Contains(v, "specialization site") {
		t.Errorf("hover add = %q", v)
	}
	if v := hoverText(t, s, "    load x", at(0, 5)); !strings.Contains(v, "shorthand") {
		t.Errorf("hover load = %q", v)
	}
	if v := hoverText(t, s, "    builtin print", at(0, 14)); !strings.Contains(v, "variadic") {
		t.Errorf("hover print = %q", v)
	}
	if v := hoverText(t, s, sumDoc, at(6, 12)); !strings.Contains(v, "label **loop** in sum, line 5") {
		t.Errorf("hover loop = %q", v)
	}
	if v := hoverText(t, s, sumDoc, at(0, 7)); !strings.Contains(v, "**.func sum** n") {
		t.Errorf("hover sum = %q", v)
	}
	if h := s.hover(sumDoc, at(2, 9)); h != nil {
		t.Errorf("hover on a number = %v, want nil", h)
	}
}

func TestDefinition(t *testing.T) {
	s := newTestLSP()
	uri := protocol.DocumentUri("file:///sum.tasm")

	locs := s.definition(uri, sumDoc, at(6, 12))
	if len(locs) != 1 || locs[0].URI != uri || locs[0].Range.Start != at(4, 0) {
		t.Errorf("definition of loop = %+v, want line 4", locs)
	}
	locs = s.definition(uri, sumDoc, at(5, 9))
	if len(locs) != 1 || locs[0].Range.Start != at(1, 7) {
		t.Errorf("definition of i = %+v, want 1:7", locs)
	}
	if locs := s.definition(uri, sumDoc, at(2, 5)); len(locs) != 0 {
		t.Errorf("definition of push = %+v, want none", locs)
	}
}

func TestReferences(t *testing.T) {
	s := newTestLSP()
	uri := protocol.DocumentUri("file:///sum.tasm")

	refs := s.references(uri, sumDoc, at(3, 11), false)
	if len(refs) != 2 {
		t.Fatalf("references to i = %+v, want 2 uses", refs)
	}
	if refs[0].Range.Start != at(3, 10) || refs[0].Range.End != at(3, 11) {
		t.Errorf("first use = %+v", refs[0].Range)
	}
	if refs := s.references(uri, sumDoc, at(3, 11), true); len(refs) != 3 {
		t.Errorf("references with declaration = %d, want 3", len(refs))
	}
}
