package codegen

import (
	"github.com/wippyai/wasm-compiler/wasm"
	"github.com/wippyai/wasm-compiler/internal/binary"
)

// wrapper code header tag
const wrapperTag byte = 0xB7

// GenerateWrapper produces the boundary wrapper artifact for calling a
// function with the given signature from outside the module. Wrappers
// depend only on the signature and the import direction, so callers
// cache them per (signature, is-import) pair.
func GenerateWrapper(sig wasm.FuncType, isImport bool) *Artifact {
	w := binary.NewWriter()
	w.WriteByte(wrapperTag)
	if isImport {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	w.WriteU32(uint32(len(sig.Params)))
	for _, p := range sig.Params {
		w.WriteByte(byte(p))
	}
	w.WriteU32(uint32(len(sig.Results)))
	for _, r := range sig.Results {
		w.WriteByte(byte(r))
	}
	return &Artifact{Tier: TierBaseline, Code: w.Bytes()}
}
