package compiler

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
)

// ---------------------------------------------------------------------------
// Parser: line-oriented parser for assembler source
// ---------------------------------------------------------------------------

// Parser parses assembler source into a File.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
	errors    []error
}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	// Read two tokens to fill curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) atLineEnd() bool {
	return p.curTokenIs(TokenNewline) || p.curTokenIs(TokenEOF)
}

// errorf records a syntax error at the current token.
func (p *Parser) errorf(format string, args ...any) {
	p.errorAt(p.curToken.Pos, format, args...)
}

func (p *Parser) errorAt(pos Position, format string, args ...any) {
	p.errors = append(p.errors, &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

// Errors returns accumulated syntax errors.
func (p *Parser) Errors() []error {
	return p.errors
}

// skipLine discards the rest of the current line after an error.
func (p *Parser) skipLine() {
	for !p.atLineEnd() {
		p.nextToken()
	}
}

// endLine expects the end of a statement.
func (p *Parser) endLine() {
	if !p.atLineEnd() {
		p.errorf("unexpected %s at end of statement", p.curToken)
		p.skipLine()
	}
	if p.curTokenIs(TokenNewline) {
		p.nextToken()
	}
}

func (p *Parser) skipNewlines() {
	for p.curTokenIs(TokenNewline) {
		p.nextToken()
	}
}

// ---------------------------------------------------------------------------
// Top-level parsing
// ---------------------------------------------------------------------------

// ParseFile parses a whole source file.
func (p *Parser) ParseFile() *File {
	f := &File{}
	for {
		p.skipNewlines()
		switch {
		case p.curTokenIs(TokenEOF):
			return f
		case p.curTokenIs(TokenError):
			p.errorf("%s", p.curToken.Literal)
			return f
		case p.curTokenIs(TokenDirective) && p.curToken.Literal == "func":
			if fn := p.parseFunc(); fn != nil {
				f.Funcs = append(f.Funcs, fn)
			}
		default:
			p.errorf("expected .func, got %s", p.curToken)
			p.skipLine()
		}
	}
}

// parseFunc parses from .func through the matching .end.
func (p *Parser) parseFunc() *FuncDecl {
	fn := &FuncDecl{Pos: p.curToken.Pos}
	p.nextToken() // consume .func
	if !p.curTokenIs(TokenIdentifier) {
		p.errorf("expected function name, got %s", p.curToken)
		p.skipLine()
		return nil
	}
	fn.Name = p.curToken.Literal
	p.nextToken()
	for p.curTokenIs(TokenIdentifier) {
		fn.Params = append(fn.Params, p.curToken.Literal)
		p.nextToken()
	}
	p.endLine()

	body, closer := p.parseBody(fn, "end")
	fn.Body = body
	if closer == "" {
		p.errorAt(fn.Pos, ".func %s: missing .end", fn.Name)
	}
	return fn
}

// parseBody parses statements until one of the directives closing the
// block and returns the one it found, or "" when the block is cut short.
func (p *Parser) parseBody(fn *FuncDecl, closing ...string) ([]Stmt, string) {
	var body []Stmt
	for {
		p.skipNewlines()
		switch p.curToken.Type {
		case TokenEOF:
			return body, ""
		case TokenError:
			p.errorf("%s", p.curToken.Literal)
			p.nextToken()
			p.skipLine()
		case TokenLabel:
			body = append(body, &LabelStmt{Pos: p.curToken.Pos, Name: p.curToken.Literal})
			p.nextToken()
			if p.curTokenIs(TokenNewline) {
				p.nextToken()
			}
		case TokenDirective:
			if lit := p.curToken.Literal; slices.Contains(closing, lit) {
				p.nextToken()
				p.endLine()
				return body, lit
			}
			switch p.curToken.Literal {
			case "end", "endtry", "otherwise", "finally":
				// Closes an enclosing block; leave it for that block.
				return body, ""
			}
			if s := p.parseDirective(fn); s != nil {
				body = append(body, s)
			}
		case TokenIdentifier:
			body = append(body, p.parseInstr())
		default:
			p.errorf("expected instruction, got %s", p.curToken)
			p.skipLine()
		}
	}
}

// parseDirective handles directives inside a function body. Declarations
// are recorded on fn; .try returns a statement.
func (p *Parser) parseDirective(fn *FuncDecl) Stmt {
	tok := p.curToken
	switch tok.Literal {
	case "func":
		if nested := p.parseFunc(); nested != nil {
			fn.Funcs = append(fn.Funcs, nested)
		}
		return nil

	case "local":
		p.nextToken()
		if !p.curTokenIs(TokenIdentifier) {
			p.errorf("expected local name, got %s", p.curToken)
			p.skipLine()
			return nil
		}
		for p.curTokenIs(TokenIdentifier) {
			fn.Locals = append(fn.Locals, LocalDecl{Pos: p.curToken.Pos, Name: p.curToken.Literal})
			p.nextToken()
		}
		p.endLine()
		return nil

	case "try":
		p.nextToken()
		s := &TryStmt{Pos: tok.Pos}
		if !p.curTokenIs(TokenIdentifier) || !p.peekTokenIsIdentifier() {
			p.errorf(".try expects a handler label and an exception local")
			p.skipLine()
			return nil
		}
		s.Handler = p.curToken.Literal
		p.nextToken()
		s.ExVar = p.curToken.Literal
		p.nextToken()
		p.endLine()
		body, closer := p.parseBody(fn, "otherwise", "endtry")
		s.Body = body
		if closer == "otherwise" {
			s.Exit, closer = p.parseBody(fn, "endtry")
		}
		if closer == "" {
			p.errorAt(tok.Pos, ".try: missing .endtry")
		}
		return s

	case "tryfinally":
		p.nextToken()
		s := &TryStmt{Pos: tok.Pos, Finally: true}
		if !p.curTokenIs(TokenIdentifier) {
			p.errorf(".tryfinally expects an exception local")
			p.skipLine()
			return nil
		}
		s.ExVar = p.curToken.Literal
		p.nextToken()
		p.endLine()
		body, closer := p.parseBody(fn, "finally")
		s.Body = body
		if closer == "" {
			p.errorAt(tok.Pos, ".tryfinally: missing .finally")
			return s
		}
		if s.Exit, closer = p.parseBody(fn, "endtry"); closer == "" {
			p.errorAt(tok.Pos, ".tryfinally: missing .endtry")
		}
		return s
	}
	p.errorf("unknown directive .%s", tok.Literal)
	p.nextToken()
	p.skipLine()
	return nil
}

func (p *Parser) peekTokenIsIdentifier() bool {
	return p.peekToken.Type == TokenIdentifier
}

// parseInstr parses a mnemonic and its operands.
func (p *Parser) parseInstr() *Instr {
	in := &Instr{Pos: p.curToken.Pos, Mnemonic: p.curToken.Literal}
	p.nextToken()
	for !p.atLineEnd() {
		tok := p.curToken
		op := Operand{Pos: tok.Pos, Text: tok.Literal}
		switch tok.Type {
		case TokenIdentifier:
			op.Type = OperandName
		case TokenInteger:
			op.Type = OperandInt
		case TokenFloat:
			op.Type = OperandFloat
		case TokenString:
			s, err := strconv.Unquote(tok.Literal)
			if err != nil {
				p.errorf("bad string literal %s", tok.Literal)
			}
			op.Type = OperandString
			op.Text = s
		case TokenTrue:
			op.Type = OperandTrue
		case TokenFalse:
			op.Type = OperandFalse
		case TokenNull:
			op.Type = OperandNull
		case TokenError:
			p.errorf("%s", tok.Literal)
			p.nextToken()
			p.skipLine()
			return in
		default:
			p.errorf("unexpected %s in operands", tok)
			p.skipLine()
			return in
		}
		in.Args = append(in.Args, op)
		p.nextToken()
	}
	p.endLine()
	return in
}

// Parse parses source into a File. All syntax errors are returned
// joined; each is a *SyntaxError.
func Parse(src string) (*File, error) {
	p := NewParser(src)
	f := p.ParseFile()
	if len(p.errors) > 0 {
		return nil, errors.Join(p.errors...)
	}
	return f, nil
}
