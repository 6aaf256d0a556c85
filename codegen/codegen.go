// Package codegen compiles a single function body at a given tier into
// a CodeArtifact, and generates the boundary wrappers for exported
// functions. It is the per-function collaborator of the compilation
// scheduler in package compile: the scheduler decides what gets
// compiled when and on which thread, codegen only ever sees one
// (function, tier) request at a time against a read-only environment.
package codegen

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-compiler/wasm"
	"github.com/wippyai/wasm-compiler/internal/binary"
)

// Tier is a compilation quality level.
type Tier uint8

const (
	// TierBaseline produces code quickly in a single pass.
	TierBaseline Tier = iota
	// TierOptimized spends extra work for better code.
	TierOptimized
)

func (t Tier) String() string {
	switch t {
	case TierBaseline:
		return "baseline"
	case TierOptimized:
		return "optimized"
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// Features is a bit set of wasm feature usage detected while compiling.
// Background compile tasks accumulate one per task and merge it into
// the scheduler when they stop.
type Features uint32

const (
	FeatureSignExtension Features = 1 << iota
	FeatureSaturatingConversion
	FeatureBulkMemory
	FeatureReferenceTypes
	FeatureMultiValue
)

// Merge folds other into f.
func (f *Features) Merge(other Features) {
	*f |= other
}

func (f Features) String() string {
	if f == 0 {
		return "none"
	}
	s := ""
	add := func(name string) {
		if s != "" {
			s += ","
		}
		s += name
	}
	if f&FeatureSignExtension != 0 {
		add("sign-extension")
	}
	if f&FeatureSaturatingConversion != 0 {
		add("saturating-conversion")
	}
	if f&FeatureBulkMemory != 0 {
		add("bulk-memory")
	}
	if f&FeatureReferenceTypes != 0 {
		add("reference-types")
	}
	if f&FeatureMultiValue != 0 {
		add("multi-value")
	}
	return s
}

// Env is the immutable compilation environment snapshot shared by all
// units of one module. It must not be mutated once compilation starts.
type Env struct {
	Module *wasm.ModuleDescriptor
}

// NewEnv creates an environment for the given descriptor.
func NewEnv(m *wasm.ModuleDescriptor) *Env {
	return &Env{Module: m}
}

// Artifact is the executable result of compiling one function at one
// tier (or one boundary wrapper). Code is a self-describing lowered
// encoding; its exact contents only matter to the execution backend,
// the scheduler treats it as opaque.
type Artifact struct {
	FuncIndex uint32
	Tier      Tier
	Code      []byte
}

// Size returns the artifact's code size in bytes.
func (a *Artifact) Size() int {
	return len(a.Code)
}

// artifact code header tag
const artifactTag byte = 0xA7

// Compile compiles the function at funcIndex from the module's wire
// bytes at the requested tier. Detected feature usage is merged into
// detected. Compile never touches shared mutable state and is safe to
// call from any goroutine.
func Compile(env *Env, wire []byte, funcIndex uint32, tier Tier, detected *Features) (*Artifact, error) {
	m := env.Module
	if funcIndex >= uint32(len(m.Funcs)) {
		return nil, fmt.Errorf("function index %d out of range", funcIndex)
	}
	fn := m.Funcs[funcIndex]
	if fn.Imported {
		return nil, fmt.Errorf("function %d is imported", funcIndex)
	}
	body := wire[fn.Body.Offset:fn.Body.End()]
	sig := m.Signature(funcIndex)
	if len(sig.Results) > 1 {
		detected.Merge(FeatureMultiValue)
	}

	sc := &scanner{env: env, sig: sig, detected: detected, emitOpt: tier == TierOptimized}
	if err := sc.run(body, fn.Body.Offset); err != nil {
		return nil, err
	}

	w := binary.NewWriter()
	w.WriteByte(artifactTag)
	w.WriteByte(byte(tier))
	w.WriteU32(funcIndex)
	if tier == TierOptimized {
		w.WriteBlob(sc.optimized)
	} else {
		w.WriteBlob(body)
	}
	return &Artifact{FuncIndex: funcIndex, Tier: tier, Code: w.Bytes()}, nil
}

// Validate checks the function body without producing code. The lazy
// compilation path validates every body up front and compiles on first
// use.
func Validate(env *Env, wire []byte, funcIndex uint32) error {
	m := env.Module
	fn := m.Funcs[funcIndex]
	body := wire[fn.Body.Offset:fn.Body.End()]
	var detected Features
	sc := &scanner{env: env, sig: m.Signature(funcIndex), detected: &detected}
	return sc.run(body, fn.Body.Offset)
}

// errTruncated is the scanner's generic truncation error.
var errTruncated = errors.New("truncated function body")
