package codegen

import (
	"fmt"

	"github.com/wippyai/wasm-compiler/wasm"
	"github.com/wippyai/wasm-compiler/internal/binary"
)

// maxLocals bounds the declared local count of one function.
const maxLocals = 50000

// Opcodes the scanner dispatches on by name; everything else is driven
// by the immediate tables below.
const (
	opUnreachable  byte = 0x00
	opNop          byte = 0x01
	opBlock        byte = 0x02
	opLoop         byte = 0x03
	opIf           byte = 0x04
	opElse         byte = 0x05
	opEnd          byte = 0x0B
	opBr           byte = 0x0C
	opBrIf         byte = 0x0D
	opBrTable      byte = 0x0E
	opReturn       byte = 0x0F
	opCall         byte = 0x10
	opCallIndirect byte = 0x11
	opDrop         byte = 0x1A
	opSelect       byte = 0x1B
	opSelectT      byte = 0x1C
	opLocalGet     byte = 0x20
	opLocalSet     byte = 0x21
	opLocalTee     byte = 0x22
	opGlobalGet    byte = 0x23
	opGlobalSet    byte = 0x24
	opTableGet     byte = 0x25
	opTableSet     byte = 0x26
	opMemorySize   byte = 0x3F
	opMemoryGrow   byte = 0x40
	opI32Const     byte = 0x41
	opI64Const     byte = 0x42
	opF32Const     byte = 0x43
	opF64Const     byte = 0x44
	opRefNull      byte = 0xD0
	opRefIsNull    byte = 0xD1
	opRefFunc      byte = 0xD2
	opPrefixMisc   byte = 0xFC
	opPrefixSIMD   byte = 0xFD
)

type frameKind uint8

const (
	frameBlock frameKind = iota
	frameLoop
	frameIf
	frameElse
)

// scanner walks one function body instruction by instruction: it
// validates structure (locals vector, nesting, known opcodes,
// index bounds), records feature usage, and for the optimized tier
// re-emits the body with nops elided.
type scanner struct {
	env      *Env
	sig      wasm.FuncType
	detected *Features

	numLocals uint32
	frames    []frameKind

	emitOpt   bool
	optimized []byte
}

func (s *scanner) run(body []byte, base uint32) error {
	r := binary.NewReader(body, base)
	if err := s.scanLocals(r); err != nil {
		return err
	}
	if s.emitOpt {
		// locals vector is carried over unchanged
		consumed := int(r.Position() - base)
		s.optimized = append(s.optimized, body[:consumed]...)
	}
	return s.scanCode(r, body, base)
}

func (s *scanner) scanLocals(r *binary.Reader) error {
	groups, err := r.ReadU32()
	if err != nil {
		return errTruncated
	}
	total := uint64(len(s.sig.Params))
	for i := uint32(0); i < groups; i++ {
		count, err := r.ReadU32()
		if err != nil {
			return errTruncated
		}
		t, err := r.ReadByte()
		if err != nil {
			return errTruncated
		}
		if !wasm.ValType(t).Valid() {
			return fmt.Errorf("invalid local type 0x%02x", t)
		}
		total += uint64(count)
		if total > maxLocals {
			return fmt.Errorf("too many locals (%d)", total)
		}
	}
	s.numLocals = uint32(total)
	return nil
}

func (s *scanner) scanCode(r *binary.Reader, body []byte, base uint32) error {
	for {
		instrStart := int(r.Position() - base)
		op, err := r.ReadByte()
		if err != nil {
			return errTruncated
		}
		done, err := s.scanInstr(r, op)
		if err != nil {
			return err
		}
		if s.emitOpt && op != opNop {
			s.optimized = append(s.optimized, body[instrStart:int(r.Position()-base)]...)
		}
		if done {
			if r.Len() != 0 {
				return fmt.Errorf("%d trailing bytes after function end", r.Len())
			}
			return nil
		}
	}
}

// scanInstr validates one instruction's immediates. It returns true for
// the end opcode that closes the function body.
func (s *scanner) scanInstr(r *binary.Reader, op byte) (bool, error) {
	switch op {
	case opUnreachable, opNop, opReturn, opDrop, opSelect, opRefIsNull:
		return false, nil

	case opBlock, opLoop, opIf:
		if err := s.readBlockType(r); err != nil {
			return false, err
		}
		kind := frameBlock
		switch op {
		case opLoop:
			kind = frameLoop
		case opIf:
			kind = frameIf
		}
		s.frames = append(s.frames, kind)
		return false, nil

	case opElse:
		if len(s.frames) == 0 || s.frames[len(s.frames)-1] != frameIf {
			return false, fmt.Errorf("else outside if")
		}
		s.frames[len(s.frames)-1] = frameElse
		return false, nil

	case opEnd:
		if len(s.frames) == 0 {
			return true, nil
		}
		s.frames = s.frames[:len(s.frames)-1]
		return false, nil

	case opBr, opBrIf:
		depth, err := r.ReadU32()
		if err != nil {
			return false, errTruncated
		}
		if depth > uint32(len(s.frames)) {
			return false, fmt.Errorf("branch depth %d exceeds nesting %d", depth, len(s.frames))
		}
		return false, nil

	case opBrTable:
		count, err := r.ReadU32()
		if err != nil {
			return false, errTruncated
		}
		for i := uint32(0); i <= count; i++ { // targets plus default
			depth, err := r.ReadU32()
			if err != nil {
				return false, errTruncated
			}
			if depth > uint32(len(s.frames)) {
				return false, fmt.Errorf("branch depth %d exceeds nesting %d", depth, len(s.frames))
			}
		}
		return false, nil

	case opCall:
		index, err := r.ReadU32()
		if err != nil {
			return false, errTruncated
		}
		if index >= uint32(len(s.env.Module.Funcs)) {
			return false, fmt.Errorf("call target %d out of range", index)
		}
		return false, nil

	case opCallIndirect:
		typeIndex, err := r.ReadU32()
		if err != nil {
			return false, errTruncated
		}
		if typeIndex >= uint32(len(s.env.Module.Types)) {
			return false, fmt.Errorf("call_indirect type %d out of range", typeIndex)
		}
		if _, err := r.ReadU32(); err != nil { // table index
			return false, errTruncated
		}
		return false, nil

	case opSelectT:
		count, err := r.ReadU32()
		if err != nil {
			return false, errTruncated
		}
		for i := uint32(0); i < count; i++ {
			t, err := r.ReadByte()
			if err != nil {
				return false, errTruncated
			}
			if !wasm.ValType(t).Valid() {
				return false, fmt.Errorf("invalid select type 0x%02x", t)
			}
		}
		return false, nil

	case opLocalGet, opLocalSet, opLocalTee:
		index, err := r.ReadU32()
		if err != nil {
			return false, errTruncated
		}
		if index >= s.numLocals {
			return false, fmt.Errorf("local index %d out of range (%d locals)", index, s.numLocals)
		}
		return false, nil

	case opGlobalGet, opGlobalSet, opTableGet, opTableSet:
		if _, err := r.ReadU32(); err != nil {
			return false, errTruncated
		}
		return false, nil

	case opMemorySize, opMemoryGrow:
		if _, err := r.ReadByte(); err != nil {
			return false, errTruncated
		}
		return false, nil

	case opI32Const:
		if _, err := r.ReadS32(); err != nil {
			return false, errTruncated
		}
		return false, nil
	case opI64Const:
		if _, err := r.ReadS64(); err != nil {
			return false, errTruncated
		}
		return false, nil
	case opF32Const:
		if _, err := r.ReadBytes(4); err != nil {
			return false, errTruncated
		}
		return false, nil
	case opF64Const:
		if _, err := r.ReadBytes(8); err != nil {
			return false, errTruncated
		}
		return false, nil

	case opRefNull:
		s.detected.Merge(FeatureReferenceTypes)
		if _, err := r.ReadByte(); err != nil {
			return false, errTruncated
		}
		return false, nil
	case opRefFunc:
		s.detected.Merge(FeatureReferenceTypes)
		if _, err := r.ReadU32(); err != nil {
			return false, errTruncated
		}
		return false, nil

	case opPrefixMisc:
		return false, s.scanMisc(r)

	case opPrefixSIMD:
		return false, fmt.Errorf("SIMD opcodes are not supported")
	}

	// memarg loads/stores
	if op >= 0x28 && op <= 0x3E {
		if _, err := r.ReadU32(); err != nil { // alignment
			return false, errTruncated
		}
		if _, err := r.ReadU32(); err != nil { // offset
			return false, errTruncated
		}
		return false, nil
	}
	// plain numeric operators
	if op >= 0x45 && op <= 0xBF {
		return false, nil
	}
	// sign-extension operators
	if op >= 0xC0 && op <= 0xC4 {
		s.detected.Merge(FeatureSignExtension)
		return false, nil
	}
	return false, fmt.Errorf("unknown opcode 0x%02x", op)
}

func (s *scanner) scanMisc(r *binary.Reader) error {
	sub, err := r.ReadU32()
	if err != nil {
		return errTruncated
	}
	switch {
	case sub <= 7: // saturating truncations
		s.detected.Merge(FeatureSaturatingConversion)
		return nil
	case sub == 8 || sub == 10 || sub == 12 || sub == 14: // memory.init/copy, table.init/copy
		s.detected.Merge(FeatureBulkMemory)
		if _, err := r.ReadU32(); err != nil {
			return errTruncated
		}
		if _, err := r.ReadU32(); err != nil {
			return errTruncated
		}
		return nil
	case sub == 9 || sub == 11 || sub == 13 || sub >= 15 && sub <= 17:
		// data.drop, memory.fill, elem.drop, table.grow/size/fill
		s.detected.Merge(FeatureBulkMemory)
		if _, err := r.ReadU32(); err != nil {
			return errTruncated
		}
		return nil
	}
	return fmt.Errorf("unknown misc opcode 0xFC %d", sub)
}

func (s *scanner) readBlockType(r *binary.Reader) error {
	// blocktype: 0x40 (empty), a value type, or an s33 type index.
	v, err := r.ReadS64()
	if err != nil {
		return errTruncated
	}
	if v >= 0 {
		if v >= int64(len(s.env.Module.Types)) {
			return fmt.Errorf("block type index %d out of range", v)
		}
		s.detected.Merge(FeatureMultiValue)
		return nil
	}
	b := byte(v & 0x7f)
	if b == 0x40 || wasm.ValType(b).Valid() {
		return nil
	}
	return fmt.Errorf("invalid block type 0x%02x", b)
}
