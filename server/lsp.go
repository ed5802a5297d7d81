// Package server provides a language server for assembler source.
package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/tiervm/compiler"
	"github.com/chazu/tiervm/vm"
)

const lspName = "tiervm-lsp"

var log = commonlog.GetLogger("tiervm.lsp")

// LspServer provides diagnostics, completion, hover and navigation for
// assembler documents.
type LspServer struct {
	builtins map[string]*vm.Builtin

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a language server that resolves builtin operands
// against builtins.
func NewLSP(builtins map[string]*vm.Builtin) *LspServer {
	s := &LspServer{
		builtins: builtins,
		docs:     make(map[string]string),
		version:  "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Info("language server initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return s.complete(text, params.Position), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return s.hover(text, params.Position), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	locs := s.definition(uri, text, params.Position)
	if len(locs) == 0 {
		return nil, nil
	}
	return locs, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	return s.references(uri, text, params.Position, params.Context.IncludeDeclaration), nil
}

// --- Document symbols ---

type symbolKind int

const (
	symFunc symbolKind = iota
	symLabel
	symLocal
	symParam
)

type symbol struct {
	name string
	kind symbolKind
	pos  compiler.Position
	fn   *compiler.FuncDecl // declaring function
}

// index holds the declarations and name operands of a parsed document.
// Parsing recovers from errors, so a partly broken document still
// yields the symbols it could read.
type index struct {
	symbols []symbol
	uses    []compiler.Operand
}

func buildIndex(text string) *index {
	ix := &index{}
	f := compiler.NewParser(text).ParseFile()
	for _, fn := range f.Funcs {
		ix.addFunc(fn)
	}
	return ix
}

func (ix *index) addFunc(fn *compiler.FuncDecl) {
	ix.symbols = append(ix.symbols, symbol{name: fn.Name, kind: symFunc, pos: fn.Pos, fn: fn})
	for _, p := range fn.Params {
		ix.symbols = append(ix.symbols, symbol{name: p, kind: symParam, pos: fn.Pos, fn: fn})
	}
	for _, l := range fn.Locals {
		ix.symbols = append(ix.symbols, symbol{name: l.Name, kind: symLocal, pos: l.Pos, fn: fn})
	}
	for _, nested := range fn.Funcs {
		ix.addFunc(nested)
	}
	ix.addBody(fn, fn.Body)
}

func (ix *index) addBody(fn *compiler.FuncDecl, body []compiler.Stmt) {
	for _, st := range body {
		switch st := st.(type) {
		case *compiler.LabelStmt:
			ix.symbols = append(ix.symbols, symbol{name: st.Name, kind: symLabel, pos: st.Pos, fn: fn})
		case *compiler.Instr:
			for _, a := range st.Args {
				if a.Type == compiler.OperandName {
					ix.uses = append(ix.uses, a)
				}
			}
		case *compiler.TryStmt:
			if !st.Finally {
				ix.uses = append(ix.uses, compiler.Operand{Pos: st.Pos, Type: compiler.OperandName, Text: st.Handler})
			}
			ix.uses = append(ix.uses, compiler.Operand{Pos: st.Pos, Type: compiler.OperandName, Text: st.ExVar})
			ix.addBody(fn, st.Body)
			ix.addBody(fn, st.Exit)
		}
	}
}

func (ix *index) lookup(name string) []symbol {
	var out []symbol
	for _, sym := range ix.symbols {
		if sym.name == name {
			out = append(out, sym)
		}
	}
	return out
}

// --- Feature logic ---

func (s *LspServer) complete(text string, pos protocol.Position) []protocol.CompletionItem {
	prefix := extractPrefix(text, pos)
	if prefix == "" {
		return nil
	}

	var items []protocol.CompletionItem
	add := func(label string, kind protocol.CompletionItemKind, detail string) {
		labelCopy := label
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &labelCopy,
		})
	}

	if strings.HasPrefix(prefix, ".") {
		for _, d := range compiler.Directives {
			if strings.HasPrefix(d, prefix[1:]) {
				add(d, protocol.CompletionItemKindKeyword, "directive")
			}
		}
		return items
	}

	for _, m := range compiler.Mnemonics() {
		if strings.HasPrefix(m.Name, prefix) {
			add(m.Name, protocol.CompletionItemKindKeyword, strings.TrimSpace(m.Name+" "+m.Operands))
		}
	}

	names := make([]string, 0, len(s.builtins))
	for name := range s.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			add(name, protocol.CompletionItemKindFunction, "builtin")
		}
	}

	seen := map[string]bool{}
	for _, sym := range buildIndex(text).symbols {
		if !strings.HasPrefix(sym.name, prefix) || seen[sym.name] || sym.name == prefix {
			continue
		}
		seen[sym.name] = true
		switch sym.kind {
		case symFunc:
			add(sym.name, protocol.CompletionItemKindFunction, "function")
		case symLabel:
			add(sym.name, protocol.CompletionItemKindReference, "label in "+sym.fn.Name)
		case symLocal:
			add(sym.name, protocol.CompletionItemKindVariable, "local of "+sym.fn.Name)
		case symParam:
			add(sym.name, protocol.CompletionItemKindVariable, "parameter of "+sym.fn.Name)
		}
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	return items
}

func (s *LspServer) hover(text string, pos protocol.Position) *protocol.Hover {
	word := extractWord(text, pos)
	if word == "" {
		return nil
	}

	var b strings.Builder
	if m, ok := compiler.LookupMnemonic(word); ok {
		fmt.Fprintf(&b, "**%s**", m.Name)
		if m.Operands != "" {
			fmt.Fprintf(&b, " `%s`", m.Operands)
		}
		fmt.Fprintf(&b, "\n\n%s", m.Doc)
		if m.Pseudo {
			b.WriteString("\n\nAssembler shorthand, resolved by its operand.")
		} else if m.Opcode.HasSite() {
			b.WriteString("\n\nOwns a specialization site.")
		}
	} else if syms := buildIndex(text).lookup(word); len(syms) > 0 {
		for i, sym := range syms {
			if i > 0 {
				b.WriteString("\n\n")
			}
			switch sym.kind {
			case symFunc:
				fmt.Fprintf(&b, "**.func %s** %s", sym.name, strings.Join(sym.fn.Params, " "))
				fmt.Fprintf(&b, "\n\n%d locals, %d nested functions", len(sym.fn.Locals), len(sym.fn.Funcs))
			case symLabel:
				fmt.Fprintf(&b, "label **%s** in %s, line %d", sym.name, sym.fn.Name, sym.pos.Line)
			case symLocal:
				fmt.Fprintf(&b, "local **%s** of %s", sym.name, sym.fn.Name)
			case symParam:
				fmt.Fprintf(&b, "parameter **%s** of %s", sym.name, sym.fn.Name)
			}
		}
	} else if fn, ok := s.builtins[word]; ok {
		arity := fmt.Sprintf("%d arguments", fn.Arity)
		if fn.Arity < 0 {
			arity = "variadic"
		}
		fmt.Fprintf(&b, "builtin **%s** (%s)", fn.Name, arity)
	} else {
		return nil
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

func (s *LspServer) definition(uri protocol.DocumentUri, text string, pos protocol.Position) []protocol.Location {
	word := extractWord(text, pos)
	if word == "" {
		return nil
	}
	var locations []protocol.Location
	for _, sym := range buildIndex(text).lookup(word) {
		locations = append(locations, location(uri, sym.pos, 0))
	}
	return locations
}

func (s *LspServer) references(uri protocol.DocumentUri, text string, pos protocol.Position, includeDecl bool) []protocol.Location {
	word := extractWord(text, pos)
	if word == "" {
		return nil
	}
	ix := buildIndex(text)
	var locations []protocol.Location
	if includeDecl {
		for _, sym := range ix.lookup(word) {
			locations = append(locations, location(uri, sym.pos, 0))
		}
	}
	for _, use := range ix.uses {
		if use.Text == word {
			locations = append(locations, location(uri, use.Pos, len(use.Text)))
		}
	}
	return locations
}

// --- Diagnostics ---

// diagnostics assembles text and converts every error to a diagnostic.
func (s *LspServer) diagnostics(text string) []protocol.Diagnostic {
	_, _, err := compiler.AssembleAll(text, s.builtins)
	if err == nil {
		return []protocol.Diagnostic{}
	}

	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}

	severity := protocol.DiagnosticSeverityError
	source := lspName
	diagnostics := make([]protocol.Diagnostic, 0, len(errs))
	for _, e := range errs {
		d := protocol.Diagnostic{
			Range:    location("", compiler.Position{Line: 1, Column: 1}, 0).Range,
			Severity: &severity,
			Source:   &source,
			Message:  e.Error(),
		}
		var se *compiler.SyntaxError
		if errors.As(e, &se) {
			d.Range = location("", se.Pos, len(extractWord(text, toProtocol(se.Pos)))).Range
			d.Message = se.Msg
		}
		diagnostics = append(diagnostics, d)
	}
	return diagnostics
}

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := s.diagnostics(text)
	if len(diagnostics) > 0 && log.AllowLevel(commonlog.Debug) {
		log.Debugf("%s: %d diagnostics", uri, len(diagnostics))
	}
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// --- Position helpers ---

func toProtocol(p compiler.Position) protocol.Position {
	line, col := p.Line-1, p.Column-1
	if line < 0 {
		line = 0
	}
	if col < 0 {
		col = 0
	}
	return protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col)}
}

func location(uri protocol.DocumentUri, p compiler.Position, length int) protocol.Location {
	start := toProtocol(p)
	end := start
	end.Character += protocol.UInteger(length)
	return protocol.Location{URI: uri, Range: protocol.Range{Start: start, End: end}}
}

// --- Text extraction helpers ---

func isNameChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the name
	start := col
	for start > 0 && isNameChar(rune(line[start-1])) {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full name under the cursor. A leading dot is
// dropped so directives hover as their name.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Find start
	start := col
	for start > 0 && isNameChar(rune(line[start-1])) {
		start--
	}

	// Find end
	end := col
	for end < len(line) && isNameChar(rune(line[end])) {
		end++
	}

	return strings.TrimLeft(line[start:end], ".")
}

func boolPtr(b bool) *bool {
	return &b
}
