package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-compiler/internal/binary"
)

// Decoding errors.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// Decoder decodes a module section by section into a ModuleDescriptor.
// The batch entry point DecodeModule drives it over a complete byte
// buffer; the streaming front end drives it one section (and one
// function body) at a time as bytes arrive.
type Decoder struct {
	m          *ModuleDescriptor
	lastOrder  int
	headerSeen bool
	codeSeen   bool
	nextBody   uint32
}

// NewDecoder creates a Decoder with an empty descriptor.
func NewDecoder() *Decoder {
	return &Decoder{m: &ModuleDescriptor{names: map[uint32]string{}}}
}

// Descriptor returns the partially decoded descriptor. The streaming
// compiler uses it once the function declarations are known, before the
// code section has fully arrived.
func (d *Decoder) Descriptor() *ModuleDescriptor {
	return d.m
}

// DecodeHeader checks the 8-byte module header.
func (d *Decoder) DecodeHeader(header []byte) error {
	r := binary.NewReader(header, 0)
	magic, err := r.ReadU32LE()
	if err != nil {
		return r.WrapError("header", err)
	}
	if magic != Magic {
		return ErrInvalidMagic
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return r.WrapError("header", err)
	}
	if version != Version {
		return ErrInvalidVersion
	}
	d.headerSeen = true
	return nil
}

// DecodeSection decodes one complete section payload. The code section
// is not handled here; its header and bodies go through
// CheckFunctionCount and DecodeFunctionBody so that compilation can
// start before the section has fully arrived.
func (d *Decoder) DecodeSection(id byte, payload []byte, offset uint32) error {
	if err := d.checkOrder(id); err != nil {
		return err
	}
	r := binary.NewReader(payload, offset)
	var err error
	switch id {
	case SectionCustom:
		err = d.decodeCustom(r)
	case SectionType:
		err = d.decodeTypes(r)
	case SectionImport:
		err = d.decodeImports(r)
	case SectionFunction:
		err = d.decodeFunctions(r)
	case SectionTable:
		err = d.decodeTables(r)
	case SectionMemory:
		err = d.decodeMemories(r)
	case SectionGlobal:
		err = d.decodeGlobals(r)
	case SectionExport:
		err = d.decodeExports(r)
	case SectionStart:
		err = d.decodeStart(r)
	case SectionElement, SectionData, SectionDataCount:
		// Opaque to the compilation pipeline.
	default:
		err = fmt.Errorf("unknown section id %d", id)
	}
	if err != nil {
		return r.WrapError(sectionName(id), err)
	}
	return nil
}

func (d *Decoder) checkOrder(id byte) error {
	if !d.headerSeen {
		return errors.New("wasm: section before module header")
	}
	if id == SectionCustom {
		return nil
	}
	order := sectionOrder(id)
	if order <= d.lastOrder {
		return fmt.Errorf("wasm: section %d appears out of order", id)
	}
	d.lastOrder = order
	return nil
}

// CheckFunctionCount validates the code section header count against
// the function declarations.
func (d *Decoder) CheckFunctionCount(count uint32) error {
	if err := d.checkOrder(SectionCode); err != nil {
		return err
	}
	declared := d.m.NumDeclaredFuncs()
	if count != declared {
		return fmt.Errorf("wasm: code section declares %d bodies, function section declares %d", count, declared)
	}
	d.codeSeen = true
	return nil
}

// DecodeFunctionBody records the byte range of the next declared
// function's body. Bodies arrive in declaration order.
func (d *Decoder) DecodeFunctionBody(index uint32, size uint32, offset uint32) error {
	if index != d.nextBody {
		return fmt.Errorf("wasm: function body %d out of order (expected %d)", index, d.nextBody)
	}
	if index >= d.m.NumDeclaredFuncs() {
		return fmt.Errorf("wasm: excess function body %d", index)
	}
	d.m.Funcs[d.m.NumImportedFuncs+index].Body = BodyRange{Offset: offset, Size: size}
	d.nextBody++
	return nil
}

// Finish validates completeness and returns the descriptor.
func (d *Decoder) Finish() (*ModuleDescriptor, error) {
	if !d.headerSeen {
		return nil, errors.New("wasm: missing module header")
	}
	declared := d.m.NumDeclaredFuncs()
	if declared > 0 && !d.codeSeen {
		return nil, errors.New("wasm: missing code section")
	}
	if d.nextBody != declared {
		return nil, fmt.Errorf("wasm: %d function bodies, %d declared", d.nextBody, declared)
	}
	return d.m, nil
}

// DecodeModule decodes a complete module byte buffer into a descriptor.
func DecodeModule(data []byte) (*ModuleDescriptor, error) {
	d := NewDecoder()
	if len(data) < HeaderSize {
		return nil, errors.New("wasm: truncated module header")
	}
	if err := d.DecodeHeader(data[:HeaderSize]); err != nil {
		return nil, err
	}
	r := binary.NewReader(data[HeaderSize:], HeaderSize)
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		start := r.Position()
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError("section payload", err)
		}
		if id == SectionCode {
			if err := d.decodeCodeSection(payload, start); err != nil {
				return nil, err
			}
			continue
		}
		if err := d.DecodeSection(id, payload, start); err != nil {
			return nil, err
		}
	}
	return d.Finish()
}

func (d *Decoder) decodeCodeSection(payload []byte, offset uint32) error {
	r := binary.NewReader(payload, offset)
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("code section", err)
	}
	if err := d.CheckFunctionCount(count); err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		size, err := r.ReadU32()
		if err != nil {
			return r.WrapError("function body size", err)
		}
		start := r.Position()
		if _, err := r.ReadBytes(int(size)); err != nil {
			return r.WrapError("function body", err)
		}
		if err := d.DecodeFunctionBody(i, size, start); err != nil {
			return err
		}
	}
	if r.Len() != 0 {
		return fmt.Errorf("wasm: %d trailing bytes in code section", r.Len())
	}
	return nil
}

func (d *Decoder) decodeTypes(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	d.m.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != FuncTypeByte {
			return fmt.Errorf("type %d: unsupported form 0x%02x", i, form)
		}
		params, err := d.readValTypes(r)
		if err != nil {
			return err
		}
		results, err := d.readValTypes(r)
		if err != nil {
			return err
		}
		d.m.Types = append(d.m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func (d *Decoder) readValTypes(r *binary.Reader) ([]ValType, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	types := make([]ValType, 0, count)
	for i := uint32(0); i < count; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		v := ValType(b)
		if !v.Valid() {
			return nil, fmt.Errorf("invalid value type 0x%02x", b)
		}
		types = append(types, v)
	}
	return types, nil
}

func (d *Decoder) decodeImports(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mod, err := r.ReadName()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		imp := Import{Module: mod, Name: name, Kind: kind}
		switch kind {
		case ExternalFunction:
			typeIndex, err := r.ReadU32()
			if err != nil {
				return err
			}
			if typeIndex >= uint32(len(d.m.Types)) {
				return fmt.Errorf("import %d: type index %d out of range", i, typeIndex)
			}
			imp.Index = typeIndex
			d.m.Funcs = append(d.m.Funcs, Function{TypeIndex: typeIndex, Imported: true})
			d.m.NumImportedFuncs++
		case ExternalTable:
			if _, err := r.ReadByte(); err != nil { // element type
				return err
			}
			if _, err := d.readLimits(r); err != nil {
				return err
			}
		case ExternalMemory:
			if _, err := d.readLimits(r); err != nil {
				return err
			}
		case ExternalGlobal:
			if _, _, err := d.readGlobalType(r); err != nil {
				return err
			}
		default:
			return fmt.Errorf("import %d: unknown kind 0x%02x", i, kind)
		}
		d.m.Imports = append(d.m.Imports, imp)
	}
	return nil
}

func (d *Decoder) decodeFunctions(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		typeIndex, err := r.ReadU32()
		if err != nil {
			return err
		}
		if typeIndex >= uint32(len(d.m.Types)) {
			return fmt.Errorf("function %d: type index %d out of range", i, typeIndex)
		}
		d.m.Funcs = append(d.m.Funcs, Function{TypeIndex: typeIndex})
	}
	return nil
}

func (d *Decoder) readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	min, err := r.ReadU32()
	if err != nil {
		return Limits{}, err
	}
	l := Limits{Min: min}
	if flags&1 != 0 {
		max, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		if max < min {
			return Limits{}, fmt.Errorf("limits: max %d below min %d", max, min)
		}
		l.Max = &max
	}
	return l, nil
}

func (d *Decoder) decodeTables(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		if _, err := r.ReadByte(); err != nil { // element type
			return err
		}
		l, err := d.readLimits(r)
		if err != nil {
			return err
		}
		d.m.Tables = append(d.m.Tables, l)
	}
	return nil
}

func (d *Decoder) decodeMemories(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		l, err := d.readLimits(r)
		if err != nil {
			return err
		}
		d.m.Memories = append(d.m.Memories, l)
	}
	return nil
}

func (d *Decoder) readGlobalType(r *binary.Reader) (ValType, bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	v := ValType(b)
	if !v.Valid() {
		return 0, false, fmt.Errorf("invalid global type 0x%02x", b)
	}
	mut, err := r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	if mut > 1 {
		return 0, false, fmt.Errorf("invalid mutability flag 0x%02x", mut)
	}
	return v, mut == 1, nil
}

func (d *Decoder) decodeGlobals(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		v, mutable, err := d.readGlobalType(r)
		if err != nil {
			return err
		}
		if err := skipConstExpr(r); err != nil {
			return fmt.Errorf("global %d: %w", i, err)
		}
		d.m.Globals = append(d.m.Globals, Global{Type: v, Mutable: mutable})
	}
	return nil
}

// skipConstExpr advances past a constant initializer expression.
func skipConstExpr(r *binary.Reader) error {
	op, err := r.ReadByte()
	if err != nil {
		return err
	}
	switch op {
	case opI32Const:
		_, err = r.ReadS32()
	case opI64Const:
		_, err = r.ReadS64()
	case opF32Const:
		_, err = r.ReadBytes(4)
	case opF64Const:
		_, err = r.ReadBytes(8)
	case opGlobalGet, opRefFunc:
		_, err = r.ReadU32()
	case opRefNull:
		_, err = r.ReadByte()
	default:
		return fmt.Errorf("unsupported initializer opcode 0x%02x", op)
	}
	if err != nil {
		return err
	}
	end, err := r.ReadByte()
	if err != nil {
		return err
	}
	if end != opEnd {
		return fmt.Errorf("initializer not terminated (0x%02x)", end)
	}
	return nil
}

func (d *Decoder) decodeExports(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		index, err := r.ReadU32()
		if err != nil {
			return err
		}
		if kind == ExternalFunction && index >= uint32(len(d.m.Funcs)) {
			return fmt.Errorf("export %q: function index %d out of range", name, index)
		}
		d.m.Exports = append(d.m.Exports, Export{Name: name, Kind: kind, Index: index})
	}
	return nil
}

func (d *Decoder) decodeStart(r *binary.Reader) error {
	index, err := r.ReadU32()
	if err != nil {
		return err
	}
	if index >= uint32(len(d.m.Funcs)) {
		return fmt.Errorf("start function index %d out of range", index)
	}
	d.m.Start = &index
	return nil
}

// decodeCustom parses the name section's function-name subsection;
// other custom sections are skipped.
func (d *Decoder) decodeCustom(r *binary.Reader) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	if name != "name" {
		return nil
	}
	for r.Len() > 0 {
		subID, err := r.ReadByte()
		if err != nil {
			return err
		}
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return err
		}
		if subID != 1 { // function names
			continue
		}
		sr := binary.NewReader(payload, r.Position()-size)
		count, err := sr.ReadU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			index, err := sr.ReadU32()
			if err != nil {
				return err
			}
			fname, err := sr.ReadName()
			if err != nil {
				return err
			}
			d.m.names[index] = fname
		}
	}
	return nil
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom section"
	case SectionType:
		return "type section"
	case SectionImport:
		return "import section"
	case SectionFunction:
		return "function section"
	case SectionTable:
		return "table section"
	case SectionMemory:
		return "memory section"
	case SectionGlobal:
		return "global section"
	case SectionExport:
		return "export section"
	case SectionStart:
		return "start section"
	case SectionElement:
		return "element section"
	case SectionCode:
		return "code section"
	case SectionData:
		return "data section"
	case SectionDataCount:
		return "data count section"
	}
	return fmt.Sprintf("section %d", id)
}
