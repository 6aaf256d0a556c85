package compile

import (
	"errors"
	"hash/fnv"

	"github.com/wippyai/wasm-compiler/codegen"
	"github.com/wippyai/wasm-compiler/wasm"
	"github.com/wippyai/wasm-compiler/internal/binary"
)

// serializeMagic identifies a serialized module code blob ("WMC1").
const serializeMagic uint32 = 0x31434D57

// ErrIncomplete is returned when serializing a module whose code table
// still has holes (lazy modules, or tier-up still running).
var ErrIncomplete = errors.New("module code is incomplete")

// Serialize captures the module's compiled code so a later streaming
// compilation of the same wire bytes can skip compiling. The output
// embeds a hash of the wire bytes; deserialization rejects a mismatch.
func (m *Module) Serialize() ([]byte, error) {
	if err := m.checkComplete(); err != nil {
		return nil, ErrIncomplete
	}
	w := binary.NewWriter()
	w.WriteU32LE(serializeMagic)
	w.WriteByte(byte(m.state.mode))
	wire := m.WireBytes()
	w.WriteU32LE(uint32(len(wire)))
	w.WriteU32LE(hashWire(wire))

	var arts []*codegen.Artifact
	for i := m.desc.NumImportedFuncs; i < uint32(len(m.code)); i++ {
		arts = append(arts, m.code[i])
	}
	w.WriteU32(uint32(len(arts)))
	for _, a := range arts {
		w.WriteU32(a.FuncIndex)
		w.WriteByte(byte(a.Tier))
		w.WriteBlob(a.Code)
	}
	w.WriteU32(uint32(len(m.wrappers)))
	for _, a := range m.wrappers {
		w.WriteByte(byte(a.Tier))
		w.WriteBlob(a.Code)
	}
	return w.Bytes(), nil
}

// deserializeModule rebuilds a module from serialized code. It reports
// false on any mismatch with the compiler configuration or the wire
// bytes; the caller then compiles normally.
func deserializeModule(c *Compiler, compiled, wire []byte, desc *wasm.ModuleDescriptor) (*Module, bool) {
	r := binary.NewReader(compiled, 0)
	magic, err := r.ReadU32LE()
	if err != nil || magic != serializeMagic {
		return nil, false
	}
	mode, err := r.ReadByte()
	if err != nil || Mode(mode) != c.mode() {
		return nil, false
	}
	wireLen, err := r.ReadU32LE()
	if err != nil || wireLen != uint32(len(wire)) {
		return nil, false
	}
	hash, err := r.ReadU32LE()
	if err != nil || hash != hashWire(wire) {
		return nil, false
	}

	m := newModule(c, desc)
	m.state.setWireBytes(wire)
	numFuncs, err := r.ReadU32()
	if err != nil || numFuncs != desc.NumDeclaredFuncs() {
		return nil, false
	}
	for i := uint32(0); i < numFuncs; i++ {
		index, err := r.ReadU32()
		if err != nil || index >= uint32(len(m.code)) {
			return nil, false
		}
		tier, err := r.ReadByte()
		if err != nil {
			return nil, false
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, false
		}
		code, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, false
		}
		m.code[index] = &codegen.Artifact{FuncIndex: index, Tier: codegen.Tier(tier), Code: code}
	}
	numWrappers, err := r.ReadU32()
	if err != nil {
		return nil, false
	}
	for i := uint32(0); i < numWrappers; i++ {
		tier, err := r.ReadByte()
		if err != nil {
			return nil, false
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, false
		}
		code, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, false
		}
		m.wrappers = append(m.wrappers, &codegen.Artifact{Tier: codegen.Tier(tier), Code: code})
	}
	if r.Len() != 0 {
		return nil, false
	}
	if m.checkComplete() != nil {
		return nil, false
	}
	return m, true
}

func hashWire(wire []byte) uint32 {
	h := fnv.New32a()
	h.Write(wire)
	return h.Sum32()
}
