package compiler

import (
	"sort"

	"github.com/chazu/tiervm/vm"
)

// Mnemonic describes one assembler instruction form.
type Mnemonic struct {
	Name     string
	Operands string // operand syntax, empty for none
	Doc      string
	Opcode   vm.Opcode
	Pseudo   bool // resolves to one of several opcodes by its operand
}

// Directives lists the assembler directives without their leading dot.
var Directives = []string{"func", "local", "try", "otherwise", "tryfinally", "finally", "endtry", "end"}

var pseudoMnemonics = []Mnemonic{
	{Name: "push", Operands: "literal", Doc: "Push a constant.", Opcode: vm.OpLoadConstant, Pseudo: true},
	{Name: "load", Operands: "name", Doc: "Push a local, parameter or enclosing function's local.", Opcode: vm.OpLoadLocal, Pseudo: true},
	{Name: "store", Operands: "name", Doc: "Pop into a local or enclosing function's local.", Opcode: vm.OpStoreLocal, Pseudo: true},
	{Name: "builtin", Operands: "name", Doc: "Push a host builtin function.", Opcode: vm.OpLoadConstant, Pseudo: true},
}

var opcodeSyntax = map[vm.Opcode]struct{ operands, doc string }{
	vm.OpNop:          {"", "Do nothing."},
	vm.OpPop:          {"", "Discard the top of the stack."},
	vm.OpDup:          {"", "Duplicate the top of the stack."},
	vm.OpBox:          {"", "Box an unboxed value."},
	vm.OpLoadNull:     {"", "Push null."},
	vm.OpLoadConstant: {"literal", "Push a constant."},
	vm.OpLoadArgument: {"param|index", "Push a parameter."},
	vm.OpLoadLocal:    {"local|index", "Push a local."},
	vm.OpStoreLocal:   {"local|index", "Pop into a local."},
	vm.OpLoadOuter:    {"depth slot", "Push a local of an enclosing function."},
	vm.OpStoreOuter:   {"depth slot", "Pop into a local of an enclosing function."},
	vm.OpAdd:          {"", "Add, or concatenate strings."},
	vm.OpSub:          {"", "Subtract."},
	vm.OpMul:          {"", "Multiply."},
	vm.OpDiv:          {"", "Divide; integer division truncates."},
	vm.OpMod:          {"", "Remainder."},
	vm.OpNeg:          {"", "Negate."},
	vm.OpLt:           {"", "Less than."},
	vm.OpLe:           {"", "Less than or equal."},
	vm.OpGt:           {"", "Greater than."},
	vm.OpGe:           {"", "Greater than or equal."},
	vm.OpEq:           {"", "Equal."},
	vm.OpNe:           {"", "Not equal."},
	vm.OpNot:          {"", "Boolean not."},
	vm.OpBranch:       {"label", "Jump to label."},
	vm.OpBranchFalse:  {"label", "Pop a boolean and jump to label when false."},
	vm.OpThrow:        {"", "Pop a value and raise it."},
	vm.OpReturn:       {"", "Return the top of the stack."},
	vm.OpCall:         {"argc", "Call the function below argc arguments."},
	vm.OpClosure:      {"func", "Push a closure over the current frame."},
	vm.OpNewObject:    {"", "Push an empty object."},
	vm.OpGetProp:      {"name", "Pop an object and push its property."},
	vm.OpSetProp:      {"name", "Pop a value and an object, set the property, push the object."},
}

// Mnemonics returns every instruction form the assembler accepts,
// sorted by name.
func Mnemonics() []Mnemonic {
	out := append([]Mnemonic(nil), pseudoMnemonics...)
	for _, op := range vm.Opcodes() {
		syn := opcodeSyntax[op]
		out = append(out, Mnemonic{Name: op.Name(), Operands: syn.operands, Doc: syn.doc, Opcode: op})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupMnemonic finds an instruction form by name.
func LookupMnemonic(name string) (Mnemonic, bool) {
	for _, m := range pseudoMnemonics {
		if m.Name == name {
			return m, true
		}
	}
	op, ok := vm.LookupOpcode(name)
	if !ok {
		return Mnemonic{}, false
	}
	syn := opcodeSyntax[op]
	return Mnemonic{Name: name, Operands: syn.operands, Doc: syn.doc, Opcode: op}, true
}
