// Package image serializes programs to a compact, content-addressed file
// format: the magic "TVMI", a version byte, the SHA-256 of the payload,
// and an lz4 frame holding the canonical CBOR payload.
//
// Images carry program definitions only. Quickening, site state and
// local tags are runtime state and are rebuilt on load.
package image

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/chazu/tiervm/vm"
)

// Version is the current image format version.
const Version = 1

var magic = []byte("TVMI")

const headerSize = 4 + 1 + sha256.Size

// ErrNotImage is returned for data without the image magic.
var ErrNotImage = errors.New("image: not a program image")

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type payload struct {
	Programs []programRecord `cbor:"1,keyasint"` // entry first
}

type programRecord struct {
	Name       string                `cbor:"1,keyasint"`
	Arity      int                   `cbor:"2,keyasint"`
	Code       []uint32              `cbor:"3,keyasint"`
	Constants  []constant            `cbor:"4,keyasint,omitempty"`
	Handlers   []vm.ExceptionHandler `cbor:"5,keyasint,omitempty"`
	MaxLocals  int                   `cbor:"6,keyasint,omitempty"`
	LocalNames []string              `cbor:"7,keyasint,omitempty"`
}

type constKind uint8

const (
	constNull constKind = iota
	constBool
	constInt
	constBigInt
	constFloat
	constString
	constProgram
	constBuiltin
)

type constant struct {
	Kind  constKind `cbor:"1,keyasint"`
	Bool  bool      `cbor:"2,keyasint,omitempty"`
	Int   int64     `cbor:"3,keyasint,omitempty"`
	Float float64   `cbor:"4,keyasint,omitempty"`
	Text  string    `cbor:"5,keyasint,omitempty"` // string, builtin name or decimal big integer
	Ref   int       `cbor:"6,keyasint,omitempty"` // program index
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type encoder struct {
	index    map[*vm.Program]int
	programs []programRecord
}

func (e *encoder) add(p *vm.Program) (int, error) {
	if i, ok := e.index[p]; ok {
		return i, nil
	}
	i := len(e.programs)
	e.index[p] = i
	e.programs = append(e.programs, programRecord{})

	def := p.Def()
	rec := programRecord{
		Name:       def.Name,
		Arity:      def.Arity,
		Code:       def.Code,
		Handlers:   def.Handlers,
		MaxLocals:  def.MaxLocals,
		LocalNames: def.LocalNames,
	}
	for ci, c := range def.Constants {
		var k constant
		switch x := c.(type) {
		case nil:
			k.Kind = constNull
		case bool:
			k = constant{Kind: constBool, Bool: x}
		case int64:
			k = constant{Kind: constInt, Int: x}
		case *big.Int:
			k = constant{Kind: constBigInt, Text: x.String()}
		case float64:
			k = constant{Kind: constFloat, Float: x}
		case string:
			k = constant{Kind: constString, Text: x}
		case *vm.Builtin:
			k = constant{Kind: constBuiltin, Text: x.Name}
		case *vm.Program:
			ref, err := e.add(x)
			if err != nil {
				return 0, err
			}
			k = constant{Kind: constProgram, Ref: ref}
		default:
			return 0, fmt.Errorf("image: %s constant %d: cannot serialize %s", p.Name, ci, vm.TypeName(c))
		}
		rec.Constants = append(rec.Constants, k)
	}
	e.programs[i] = rec
	return i, nil
}

func marshal(p *vm.Program) ([]byte, error) {
	e := &encoder{index: make(map[*vm.Program]int)}
	if _, err := e.add(p); err != nil {
		return nil, err
	}
	return encMode.Marshal(&payload{Programs: e.programs})
}

// Hash returns the content hash of p: the SHA-256 of its canonical CBOR
// encoding. Programs with equal definitions hash equally regardless of
// their runtime state.
func Hash(p *vm.Program) ([32]byte, error) {
	data, err := marshal(p)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// Encode serializes p and every program nested in its constants.
func Encode(p *vm.Program) ([]byte, error) {
	data, err := marshal(p)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)

	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(Version)
	buf.Write(sum[:])
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("image: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("image: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode rebuilds the entry program of an image. Builtin constants are
// resolved by name against builtins. Every program is verified again.
func Decode(data []byte, builtins map[string]*vm.Builtin) (*vm.Program, error) {
	if len(data) < headerSize || !bytes.Equal(data[:4], magic) {
		return nil, ErrNotImage
	}
	if v := data[4]; v != Version {
		return nil, fmt.Errorf("image: unsupported version %d", v)
	}
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data[headerSize:])))
	if err != nil {
		return nil, fmt.Errorf("image: decompress: %w", err)
	}
	if sum := sha256.Sum256(raw); !bytes.Equal(sum[:], data[5:headerSize]) {
		return nil, errors.New("image: checksum mismatch")
	}

	var pl payload
	if err := cbor.Unmarshal(raw, &pl); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if len(pl.Programs) == 0 {
		return nil, errors.New("image: no programs")
	}
	d := &decoder{records: pl.Programs, builtins: builtins, built: make([]*vm.Program, len(pl.Programs)), busy: make([]bool, len(pl.Programs))}
	return d.build(0)
}

type decoder struct {
	records  []programRecord
	builtins map[string]*vm.Builtin
	built    []*vm.Program
	busy     []bool
}

func (d *decoder) build(i int) (*vm.Program, error) {
	if i < 0 || i >= len(d.records) {
		return nil, fmt.Errorf("image: program reference %d out of range", i)
	}
	if p := d.built[i]; p != nil {
		return p, nil
	}
	if d.busy[i] {
		return nil, fmt.Errorf("image: program %d refers to itself", i)
	}
	d.busy[i] = true

	rec := d.records[i]
	def := vm.ProgramDef{
		Name:       rec.Name,
		Arity:      rec.Arity,
		Code:       rec.Code,
		Handlers:   rec.Handlers,
		MaxLocals:  rec.MaxLocals,
		LocalNames: rec.LocalNames,
	}
	for ci, k := range rec.Constants {
		var v vm.Value
		switch k.Kind {
		case constNull:
		case constBool:
			v = k.Bool
		case constInt:
			v = k.Int
		case constBigInt:
			n, ok := new(big.Int).SetString(k.Text, 10)
			if !ok {
				return nil, fmt.Errorf("image: %s constant %d: bad integer %q", rec.Name, ci, k.Text)
			}
			v = vm.NormalizeInt(n)
		case constFloat:
			v = k.Float
		case constString:
			v = k.Text
		case constBuiltin:
			b, ok := d.builtins[k.Text]
			if !ok {
				return nil, fmt.Errorf("image: %s constant %d: unknown builtin %s", rec.Name, ci, k.Text)
			}
			v = b
		case constProgram:
			nested, err := d.build(k.Ref)
			if err != nil {
				return nil, err
			}
			v = nested
		default:
			return nil, fmt.Errorf("image: %s constant %d: unknown kind %d", rec.Name, ci, k.Kind)
		}
		def.Constants = append(def.Constants, v)
	}

	p, err := vm.NewProgram(def)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	d.built[i] = p
	return p, nil
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// WriteFile encodes p to path and returns the number of bytes written.
func WriteFile(path string, p *vm.Program) (int, error) {
	data, err := Encode(p)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return 0, fmt.Errorf("image: %w", err)
	}
	return len(data), nil
}

// ReadFile decodes the image at path.
func ReadFile(path string, builtins map[string]*vm.Builtin) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	return Decode(data, builtins)
}

// IsImage reports whether data starts with the image magic.
func IsImage(data []byte) bool {
	return len(data) >= len(magic) && bytes.Equal(data[:len(magic)], magic)
}
