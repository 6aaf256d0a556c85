package compile

import (
	"sync"

	"github.com/wippyai/wasm-compiler/codegen"
	"github.com/wippyai/wasm-compiler/wasm"
)

type wrapperKey struct {
	sig      string
	imported bool
}

// wrapperCache shares boundary wrappers across all modules of one
// Compiler, keyed by canonical signature. Wrappers are deterministic,
// so a cache hit is exactly the artifact a fresh generation would
// produce.
type wrapperCache struct {
	mu sync.Mutex
	m  map[wrapperKey]*codegen.Artifact
}

func (c *wrapperCache) get(sig wasm.FuncType, imported bool) *codegen.Artifact {
	key := wrapperKey{sig: sig.Key(), imported: imported}
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.m[key]; ok {
		return a
	}
	if c.m == nil {
		c.m = make(map[wrapperKey]*codegen.Artifact)
	}
	a := codegen.GenerateWrapper(sig, imported)
	c.m[key] = a
	return a
}

func (c *Compiler) wrapperFor(sig wasm.FuncType, imported bool) *codegen.Artifact {
	return c.wrappers.get(sig, imported)
}
