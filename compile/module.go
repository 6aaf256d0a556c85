package compile

import (
	"fmt"

	"github.com/wippyai/wasm-compiler/codegen"
	"github.com/wippyai/wasm-compiler/compile/internal/exec"
	"github.com/wippyai/wasm-compiler/wasm"
)

// Module is one compilation target: the decoded descriptor, the shared
// read-only wire bytes, the per-function code-artifact table, and the
// scheduler driving compilation. The code table is written only by the
// foreground thread; each slot is populated once per tier, optimized
// code replacing baseline code for the same function.
type Module struct {
	desc     *wasm.ModuleDescriptor
	state    *state
	lazy     bool
	code     []*codegen.Artifact // indexed by function index
	wrappers []*codegen.Artifact // indexed by export position, function exports only
}

func newModule(c *Compiler, desc *wasm.ModuleDescriptor) *Module {
	m := &Module{
		desc: desc,
		lazy: c.opts.Lazy,
		code: make([]*codegen.Artifact, len(desc.Funcs)),
	}
	m.state = newState(c.platform, m, c.mode(), c.maxTasks())
	return m
}

// Descriptor returns the module's immutable descriptor.
func (m *Module) Descriptor() *wasm.ModuleDescriptor {
	return m.desc
}

// WireBytes returns the module's wire bytes.
func (m *Module) WireBytes() []byte {
	return m.state.wireBytes()
}

// Code returns the current code artifact for the function at index, or
// nil if none has been produced (imported function, or lazy stub).
func (m *Module) Code(index uint32) *codegen.Artifact {
	if index >= uint32(len(m.code)) {
		return nil
	}
	return m.code[index]
}

// Wrapper returns the boundary wrapper for the i-th function export.
func (m *Module) Wrapper(i int) *codegen.Artifact {
	if i < 0 || i >= len(m.wrappers) {
		return nil
	}
	return m.wrappers[i]
}

// Lazy reports whether the module was compiled lazily.
func (m *Module) Lazy() bool {
	return m.lazy
}

// installCode publishes one finished artifact into the code table.
// Foreground only.
func (m *Module) installCode(_ exec.Token, a *codegen.Artifact) {
	m.code[a.FuncIndex] = a
}

// compilationEnv returns the immutable environment snapshot shared by
// this module's compilation units.
func (m *Module) compilationEnv() *codegen.Env {
	return codegen.NewEnv(m.desc)
}

// Close tears the module down: it cancels outstanding compilation and
// blocks until no background or foreground task still references the
// module. Must not be called from a compilation callback.
func (m *Module) Close() {
	m.state.cancelAndWait()
}

// checkComplete verifies that every declared function has code.
func (m *Module) checkComplete() error {
	for i := m.desc.NumImportedFuncs; i < uint32(len(m.code)); i++ {
		if m.code[i] == nil {
			return fmt.Errorf("function %d has no code", i)
		}
	}
	return nil
}
