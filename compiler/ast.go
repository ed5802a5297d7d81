package compiler

// ---------------------------------------------------------------------------
// AST: parsed assembler source
// ---------------------------------------------------------------------------

// File is a parsed source file: a list of top-level functions.
type File struct {
	Funcs []*FuncDecl
}

// FuncDecl is one .func ... .end block.
type FuncDecl struct {
	Pos    Position
	Name   string
	Params []string
	Locals []LocalDecl
	Funcs  []*FuncDecl // nested functions, closable from this body
	Body   []Stmt
}

// LocalDecl is a .local directive.
type LocalDecl struct {
	Pos  Position
	Name string
}

// Stmt is the interface for body statements.
type Stmt interface {
	Position() Position
	stmt() // marker method
}

// LabelStmt marks a branch target.
type LabelStmt struct {
	Pos  Position
	Name string
}

func (s *LabelStmt) Position() Position { return s.Pos }
func (s *LabelStmt) stmt()              {}

// Instr is one instruction line.
type Instr struct {
	Pos      Position
	Mnemonic string
	Args     []Operand
}

func (s *Instr) Position() Position { return s.Pos }
func (s *Instr) stmt()              {}

// TryStmt is a protected region. A .try handler exvar region may carry
// an .otherwise block that runs when the body completes normally. A
// .tryfinally exvar region carries the .finally block instead, run on
// every way out of the body.
type TryStmt struct {
	Pos     Position
	Handler string // label of the handler entry, empty with Finally
	ExVar   string // local receiving the exception
	Body    []Stmt
	Exit    []Stmt // the .otherwise or .finally block
	Finally bool
}

func (s *TryStmt) Position() Position { return s.Pos }
func (s *TryStmt) stmt()              {}

// OperandType classifies an instruction operand.
type OperandType int

const (
	OperandName OperandType = iota
	OperandInt
	OperandFloat
	OperandString
	OperandTrue
	OperandFalse
	OperandNull
)

// Operand is one instruction argument. Text holds the raw literal for
// numbers and the unquoted value for strings.
type Operand struct {
	Pos  Position
	Type OperandType
	Text string
}
