package vm

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Instruction inspection
// ---------------------------------------------------------------------------

// InstructionInfo describes one instruction in its current quickened form.
type InstructionInfo struct {
	BCI        int
	Opcode     Opcode
	Name       string // quickened name, e.g. add$Long$unboxed
	Kind       Kind   // variant kind; KindUninit before first execution
	Unboxed    bool
	Operands   []int // all operand words; producers are -1 when unlinked
	StackDepth int
	Site       *SiteState // nil for instructions without a site
}

// Instructions decodes the current code array.
func (p *Program) Instructions() []InstructionInfo {
	var out []InstructionInfo
	for bci := 0; bci < len(p.code); {
		w := atomic.LoadUint32(&p.code[bci])
		op := wordOpcode(w)
		info := op.Info()
		ii := InstructionInfo{
			BCI:        bci,
			Opcode:     op,
			Name:       InstructionName(w),
			Kind:       wordKind(w),
			Unboxed:    wordUnboxed(w),
			StackDepth: p.StackDepth(bci),
		}
		for i, k := range info.Operands {
			v := p.code[bci+1+i]
			switch {
			case k == OperandProducer && v == noProducer:
				ii.Operands = append(ii.Operands, -1)
			case k == OperandSite:
				s := p.Site(int(v))
				ii.Site = &s
				ii.Operands = append(ii.Operands, int(v))
			default:
				ii.Operands = append(ii.Operands, int(v))
			}
		}
		out = append(out, ii)
		bci += info.Length()
	}
	return out
}

// Instruction returns the instruction at bci.
func (p *Program) Instruction(bci int) (InstructionInfo, bool) {
	for _, ii := range p.Instructions() {
		if ii.BCI == bci {
			return ii, true
		}
	}
	return InstructionInfo{}, false
}

// ---------------------------------------------------------------------------
// Value inspection
// ---------------------------------------------------------------------------

// InspectionResult contains structured information about an inspected value.
type InspectionResult struct {
	Type   string // TypeName of the value
	Value  string // Format of the value
	Fields []FieldInfo
	Size   int // for objects: number of fields
}

// FieldInfo contains one object field.
type FieldInfo struct {
	Name  string
	Value *InspectionResult
}

// DefaultMaxDepth is the default recursion depth for inspection.
const DefaultMaxDepth = 3

// Inspect inspects a value with the default maximum depth.
func Inspect(v Value) *InspectionResult {
	return InspectDepth(v, DefaultMaxDepth)
}

// InspectDepth inspects a value down to depth nested objects. At depth 0
// objects are summarized.
func InspectDepth(v Value, depth int) *InspectionResult {
	result := &InspectionResult{Type: TypeName(v)}
	switch x := v.(type) {
	case *Object:
		result.Size = len(x.fields)
		if depth <= 0 {
			result.Value = fmt.Sprintf("{%d fields}", len(x.fields))
			return result
		}
		result.Value = x.String()
		for i, name := range x.layout.names {
			result.Fields = append(result.Fields, FieldInfo{Name: name, Value: InspectDepth(x.fields[i], depth-1)})
		}
	case *Exception:
		result.Value = x.Error()
		if x.Kind == ExceptionThrown {
			result.Fields = append(result.Fields, FieldInfo{Name: "payload", Value: InspectDepth(x.Payload, depth-1)})
		}
	case *Function:
		result.Value = fmt.Sprintf("<function %s/%d>", x.Program.Name, x.Program.Arity)
	default:
		result.Value = Format(v)
	}
	return result
}

// String renders the result as an indented tree.
func (r *InspectionResult) String() string {
	var sb strings.Builder
	r.write(&sb, 0)
	return sb.String()
}

func (r *InspectionResult) write(sb *strings.Builder, indent int) {
	fmt.Fprintf(sb, "%s (%s)\n", r.Value, r.Type)
	for _, f := range r.Fields {
		sb.WriteString(strings.Repeat("  ", indent+1))
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		f.Value.write(sb, indent+1)
	}
}
