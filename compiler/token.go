package compiler

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the assembler
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenNewline

	// Literals
	TokenInteger // 42, -7, 0xff, 123456789012345678901234567890
	TokenFloat   // 3.14, 1.5e10
	TokenString  // "hello\n"

	// Names
	TokenIdentifier // add, load.local, loop_end
	TokenDirective  // .func, .local, .try, .endtry, .end
	TokenLabel      // loop:

	// Reserved identifiers
	TokenTrue
	TokenFalse
	TokenNull
)

var tokenNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenError:      "ERROR",
	TokenNewline:    "NEWLINE",
	TokenInteger:    "INTEGER",
	TokenFloat:      "FLOAT",
	TokenString:     "STRING",
	TokenIdentifier: "IDENTIFIER",
	TokenDirective:  "DIRECTIVE",
	TokenLabel:      "LABEL",
	TokenTrue:       "true",
	TokenFalse:      "false",
	TokenNull:       "null",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

func (p Position) String() string { return fmt.Sprintf("%d:%d", p.Line, p.Column) }

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // the raw text; labels and directives without punctuation
	Pos     Position // start position
}

func (t Token) String() string {
	switch t.Type {
	case TokenEOF:
		return "EOF"
	case TokenNewline:
		return "NEWLINE"
	case TokenError:
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// Reserved words mapped to their token types.
var reservedWords = map[string]TokenType{
	"true":  TokenTrue,
	"false": TokenFalse,
	"null":  TokenNull,
}
