package compiler

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: tokenizer for assembler source
// ---------------------------------------------------------------------------

// Lexer tokenizes assembler source. Newlines are significant: every
// statement ends at one.
type Lexer struct {
	input     string
	pos       int  // current position in input
	readPos   int  // reading position (after current char)
	ch        rune // current character
	line      int  // line of the current character (1-based)
	lineStart int  // offset of current line start
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, line: 1}
	l.readChar()
	return l
}

// readChar reads the next character.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.lineStart = l.readPos
	}
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
		l.pos = l.readPos
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() Position {
	return Position{Offset: l.pos, Line: l.line, Column: l.pos - l.lineStart + 1}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipBlanksAndComments()

	pos := l.position()

	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Pos: pos}

	case l.ch == '\n':
		l.readChar()
		return Token{Type: TokenNewline, Literal: "\n", Pos: pos}

	case l.ch == '"':
		return l.readString(pos)

	case l.ch == '.' && isLetter(l.peekChar()):
		l.readChar() // consume .
		return Token{Type: TokenDirective, Literal: l.readName(), Pos: pos}

	case isDigit(l.ch) || (l.ch == '-' && isDigit(l.peekChar())):
		return l.readNumber(pos)

	case isLetter(l.ch):
		name := l.readName()
		if l.ch == ':' {
			l.readChar()
			return Token{Type: TokenLabel, Literal: name, Pos: pos}
		}
		if tokType, ok := reservedWords[name]; ok {
			return Token{Type: tokType, Literal: name, Pos: pos}
		}
		return Token{Type: TokenIdentifier, Literal: name, Pos: pos}

	default:
		ch := l.ch
		l.readChar()
		return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character: %q", ch), Pos: pos}
	}
}

// skipBlanksAndComments skips spaces, tabs, carriage returns and ';'
// comments. Newlines are left for NextToken.
func (l *Lexer) skipBlanksAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\r' {
			l.readChar()
		}
		if l.ch != ';' {
			return
		}
		for l.ch != '\n' && l.ch != 0 {
			l.readChar()
		}
	}
}

// readName reads an identifier. Dots may appear inside a name so that
// mnemonics like branch.false lex as one token.
func (l *Lexer) readName() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || (l.ch == '.' && isLetter(l.peekChar())) {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// readString reads a double-quoted string. Escapes are kept raw; the
// parser unquotes them.
func (l *Lexer) readString(pos Position) Token {
	start := l.pos
	l.readChar() // consume opening "
	for l.ch != '"' {
		switch l.ch {
		case 0, '\n':
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		case '\\':
			l.readChar()
			if l.ch == 0 || l.ch == '\n' {
				return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
			}
		}
		l.readChar()
	}
	l.readChar() // consume closing "
	return Token{Type: TokenString, Literal: l.input[start:l.pos], Pos: pos}
}

// readNumber reads an integer or float literal.
func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	if l.ch == '-' {
		l.readChar()
	}

	// Hex integers: 0xff
	if l.ch == '0' && (l.peekChar() == 'x' || l.peekChar() == 'X') {
		l.readChar()
		l.readChar()
		for isHexDigit(l.ch) {
			l.readChar()
		}
		return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
	}

	isFloat := false
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		isFloat = true
		l.readChar() // consume .
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		isFloat = true
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if isLetter(l.ch) || l.ch == '_' {
		for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
			l.readChar()
		}
		return Token{Type: TokenError, Literal: fmt.Sprintf("malformed number %q", l.input[start:l.pos]), Pos: pos}
	}

	if isFloat {
		return Token{Type: TokenFloat, Literal: l.input[start:l.pos], Pos: pos}
	}
	return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
}

// Helper functions

func isLetter(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isHexDigit(r rune) bool {
	return isDigit(r) || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// Tokenize returns all tokens from the input.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			break
		}
	}
	return tokens
}
