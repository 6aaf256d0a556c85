package wasm

import (
	"fmt"
	"strings"
)

// ValType is a WebAssembly value type.
type ValType byte

// Value types.
const (
	I32       ValType = 0x7F
	I64       ValType = 0x7E
	F32       ValType = 0x7D
	F64       ValType = 0x7C
	V128      ValType = 0x7B
	FuncRef   ValType = 0x70
	ExternRef ValType = 0x6F
)

// Valid reports whether v is a known value type.
func (v ValType) Valid() bool {
	switch v {
	case I32, I64, F32, F64, V128, FuncRef, ExternRef:
		return true
	}
	return false
}

func (v ValType) String() string {
	switch v {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case V128:
		return "v128"
	case FuncRef:
		return "funcref"
	case ExternRef:
		return "externref"
	}
	return fmt.Sprintf("valtype(0x%02x)", byte(v))
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Key returns a canonical string form of the signature, usable as a
// cache key.
func (t FuncType) Key() string {
	var sb strings.Builder
	for _, p := range t.Params {
		sb.WriteByte(byte(p))
	}
	sb.WriteByte(0)
	for _, r := range t.Results {
		sb.WriteByte(byte(r))
	}
	return sb.String()
}

func (t FuncType) String() string {
	params := make([]string, len(t.Params))
	for i, p := range t.Params {
		params[i] = p.String()
	}
	results := make([]string, len(t.Results))
	for i, r := range t.Results {
		results[i] = r.String()
	}
	return "(" + strings.Join(params, ", ") + ") -> (" + strings.Join(results, ", ") + ")"
}

// BodyRange locates one function body inside the module's wire bytes.
// Offset points at the first byte of the body (the locals vector), Size
// is the body length in bytes.
type BodyRange struct {
	Offset uint32
	Size   uint32
}

// End returns the offset one past the last body byte.
func (b BodyRange) End() uint32 {
	return b.Offset + b.Size
}

// Function describes one function in the module's index space, imported
// functions first.
type Function struct {
	TypeIndex uint32
	Imported  bool
	Body      BodyRange // zero for imports until the code section is decoded
}

// Import is one import entry.
type Import struct {
	Module string
	Name   string
	Kind   byte   // ExternalFunction etc.
	Index  uint32 // type index for functions, ignored otherwise
}

// Export is one export entry.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Limits bounds a table or memory.
type Limits struct {
	Min uint32
	Max *uint32
}

// Global describes a global's type; initializer expressions are
// validated during decoding but not retained.
type Global struct {
	Type    ValType
	Mutable bool
}

// ModuleDescriptor is the immutable decoded form of a module: enough
// structure to schedule and compile every function, without parsed
// instruction lists. Function bodies stay as byte ranges into the wire
// bytes; the per-function compiler reads them directly.
//
// A descriptor is shared read-only between the foreground thread and
// background compile tasks and must not be mutated after decoding.
type ModuleDescriptor struct {
	Types    []FuncType
	Funcs    []Function // imported functions first
	Imports  []Import
	Exports  []Export
	Tables   []Limits
	Memories []Limits
	Globals  []Global
	Start    *uint32

	// NumImportedFuncs is the count of imported functions at the front
	// of Funcs.
	NumImportedFuncs uint32

	names map[uint32]string
}

// NumDeclaredFuncs returns the number of functions defined in this
// module (excluding imports).
func (d *ModuleDescriptor) NumDeclaredFuncs() uint32 {
	return uint32(len(d.Funcs)) - d.NumImportedFuncs
}

// Signature returns the signature of the function at index i.
func (d *ModuleDescriptor) Signature(i uint32) FuncType {
	return d.Types[d.Funcs[i].TypeIndex]
}

// FunctionName returns the name-section name of function i, or the
// empty string if the module does not name it.
func (d *ModuleDescriptor) FunctionName(i uint32) string {
	return d.names[i]
}
