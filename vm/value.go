package vm

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// Value is a boxed runtime value.
//
// The dynamic type of a Value is its runtime type:
//   - nil: null
//   - bool
//   - int64
//   - float64
//   - *big.Int: only for integers outside the int64 range
//   - string
//   - *Function, *Builtin, *Object, *Exception
//   - *Program: only as a constant (closure template)
//
// Frames hold primitives unboxed next to the boxed slots; see Frame.
type Value interface{}

// Kind is the representation of a primitive value. It is used both as the
// per-slot tag of a frame and as the variant tag of a quickened instruction.
type Kind uint8

const (
	KindObject Kind = 0 // boxed or generic
	KindLong   Kind = 1 // int64
	KindDouble Kind = 2 // float64
	KindBool   Kind = 3 // bool
	KindUninit Kind = 7 // not yet observed
)

var kindNames = [...]string{
	KindObject: "Object",
	KindLong:   "Long",
	KindDouble: "Double",
	KindBool:   "Boolean",
	4:          "?",
	5:          "?",
	6:          "?",
	KindUninit: "Uninit",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// IsPrimitive reports whether values of this kind can live in the primitive lane.
func (k Kind) IsPrimitive() bool {
	return k == KindLong || k == KindDouble || k == KindBool
}

// KindOf returns the primitive kind of v, or KindObject.
func KindOf(v Value) Kind {
	switch v.(type) {
	case int64:
		return KindLong
	case float64:
		return KindDouble
	case bool:
		return KindBool
	default:
		return KindObject
	}
}

// ---------------------------------------------------------------------------
// Primitive lane encoding
// ---------------------------------------------------------------------------

func longBits(x int64) uint64     { return uint64(x) }
func doubleBits(x float64) uint64 { return math.Float64bits(x) }

func boolBits(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// boxBits converts a primitive lane value back to a boxed Value.
func boxBits(bits uint64, k Kind) Value {
	switch k {
	case KindLong:
		return int64(bits)
	case KindDouble:
		return math.Float64frombits(bits)
	case KindBool:
		return bits != 0
	}
	panic(internalf("boxBits: kind %v is not primitive", k))
}

// unboxBits converts a boxed primitive to its lane encoding.
func unboxBits(v Value) (uint64, Kind) {
	switch x := v.(type) {
	case int64:
		return longBits(x), KindLong
	case float64:
		return doubleBits(x), KindDouble
	case bool:
		return boolBits(x), KindBool
	}
	return 0, KindObject
}

// ---------------------------------------------------------------------------
// Integers
// ---------------------------------------------------------------------------

var (
	minInt64Big = big.NewInt(math.MinInt64)
	maxInt64Big = big.NewInt(math.MaxInt64)
)

// NormalizeInt returns x as an int64 when it fits and as *big.Int otherwise.
func NormalizeInt(x *big.Int) Value {
	if x.IsInt64() {
		return x.Int64()
	}
	return x
}

// isInteger reports whether v is an int64 or a *big.Int.
func isInteger(v Value) bool {
	switch v.(type) {
	case int64, *big.Int:
		return true
	}
	return false
}

// isNumber reports whether v is an integer or a float64.
func isNumber(v Value) bool {
	switch v.(type) {
	case int64, *big.Int, float64:
		return true
	}
	return false
}

func toBig(v Value) *big.Int {
	switch x := v.(type) {
	case int64:
		return big.NewInt(x)
	case *big.Int:
		return x
	}
	panic(internalf("toBig: %s is not an integer", TypeName(v)))
}

func toFloat(v Value) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	case *big.Int:
		f, _ := new(big.Float).SetInt(x).Float64()
		return f
	}
	panic(internalf("toFloat: %s is not a number", TypeName(v)))
}

// ---------------------------------------------------------------------------
// Naming and formatting
// ---------------------------------------------------------------------------

// TypeName returns the language-level type name of v.
func TypeName(v Value) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int64, *big.Int:
		return "integer"
	case float64:
		return "float"
	case string:
		return "string"
	case *Function, *Builtin:
		return "function"
	case *Object:
		return "object"
	case *Exception:
		return "exception"
	case *Program:
		return "program"
	}
	return fmt.Sprintf("host(%T)", v)
}

// Format renders v the way the print builtin shows it.
func Format(v Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case *big.Int:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	case *Function:
		return "<function " + x.Program.Name + ">"
	case *Builtin:
		return "<builtin " + x.Name + ">"
	case *Object:
		return x.String()
	case *Exception:
		return x.Error()
	case *Program:
		return "<program " + x.Name + ">"
	}
	return fmt.Sprintf("%v", v)
}

// Equal reports whether a and b are the same language-level value.
// Integers compare by value regardless of representation; floats
// compare numerically against integers.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case *big.Int:
		switch y := b.(type) {
		case *big.Int:
			return x.Cmp(y) == 0
		case float64:
			return toFloat(x) == y
		}
		return false
	case float64:
		switch b.(type) {
		case int64, *big.Int, float64:
			return x == toFloat(b)
		}
		return false
	}
	return a == b
}
