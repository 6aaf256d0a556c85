package codegen_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/wippyai/wasm-compiler/codegen"
	"github.com/wippyai/wasm-compiler/wasm"
)

var header = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

func uleb(v uint32) []byte {
	var b []byte
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func sec(id byte, parts ...[]byte) []byte {
	payload := cat(parts...)
	return cat([]byte{id}, uleb(uint32(len(payload))), payload)
}

// buildModule assembles a module whose declared functions have the
// given bodies, all with signature () -> (i32).
func buildModule(bodies ...[]byte) []byte {
	funcSec := uleb(uint32(len(bodies)))
	for range bodies {
		funcSec = append(funcSec, 0x00)
	}
	codeParts := [][]byte{uleb(uint32(len(bodies)))}
	for _, b := range bodies {
		codeParts = append(codeParts, uleb(uint32(len(b))), b)
	}
	return cat(
		header,
		sec(wasm.SectionType, []byte{0x01, 0x60, 0x00, 0x01, 0x7F}),
		sec(wasm.SectionFunction, funcSec),
		sec(wasm.SectionCode, codeParts...),
	)
}

func envFor(t *testing.T, wire []byte) *codegen.Env {
	t.Helper()
	desc, err := wasm.DecodeModule(wire)
	if err != nil {
		t.Fatalf("DecodeModule: %v", err)
	}
	return codegen.NewEnv(desc)
}

func TestCompileBaseline(t *testing.T) {
	body := []byte{0x00, 0x41, 0x2A, 0x0B} // i32.const 42
	wire := buildModule(body)
	env := envFor(t, wire)

	var detected codegen.Features
	a, err := codegen.Compile(env, wire, 0, codegen.TierBaseline, &detected)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if a.FuncIndex != 0 || a.Tier != codegen.TierBaseline {
		t.Errorf("artifact = {index %d, tier %s}", a.FuncIndex, a.Tier)
	}
	if a.Size() == 0 {
		t.Error("empty artifact code")
	}
	// The baseline artifact carries the original body verbatim.
	if !bytes.Contains(a.Code, body) {
		t.Error("baseline artifact does not embed the body")
	}
	if detected != 0 {
		t.Errorf("detected features %s from a plain body", detected)
	}
}

func TestCompileOptimizedStripsNops(t *testing.T) {
	plain := []byte{0x00, 0x41, 0x07, 0x0B}
	noppy := []byte{0x00, 0x01, 0x01, 0x41, 0x07, 0x01, 0x0B}
	wire := buildModule(plain, noppy)
	env := envFor(t, wire)

	var detected codegen.Features
	a0, err := codegen.Compile(env, wire, 0, codegen.TierOptimized, &detected)
	if err != nil {
		t.Fatalf("Compile func 0: %v", err)
	}
	a1, err := codegen.Compile(env, wire, 1, codegen.TierOptimized, &detected)
	if err != nil {
		t.Fatalf("Compile func 1: %v", err)
	}
	if a1.Size() > a0.Size() {
		t.Errorf("nop-laden body compiled to %d bytes, plain body to %d", a1.Size(), a0.Size())
	}
}

func TestCompileTierMismatchArtifacts(t *testing.T) {
	body := []byte{0x00, 0x01, 0x41, 0x05, 0x0B}
	wire := buildModule(body)
	env := envFor(t, wire)

	var detected codegen.Features
	base, err := codegen.Compile(env, wire, 0, codegen.TierBaseline, &detected)
	if err != nil {
		t.Fatal(err)
	}
	opt, err := codegen.Compile(env, wire, 0, codegen.TierOptimized, &detected)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(base.Code, opt.Code) {
		t.Error("baseline and optimized artifacts are identical for a nop-bearing body")
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want string
	}{
		{"simd", []byte{0x00, 0xFD, 0x00, 0x0B}, "SIMD"},
		{"unknown opcode", []byte{0x00, 0x27, 0x0B}, "unknown opcode"},
		{"bad local index", []byte{0x00, 0x20, 0x05, 0x0B}, "local index"},
		{"bad call target", []byte{0x00, 0x10, 0x09, 0x1A, 0x0B}, "call target"},
		{"truncated", []byte{0x00, 0x41}, "truncated"},
		{"trailing bytes", []byte{0x00, 0x0B, 0x41, 0x00}, "trailing"},
		{"else outside if", []byte{0x00, 0x05, 0x0B}, "else outside if"},
		{"bad branch depth", []byte{0x00, 0x0C, 0x04, 0x0B}, "branch depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := buildModule(tt.body)
			env := envFor(t, wire)
			var detected codegen.Features
			_, err := codegen.Compile(env, wire, 0, codegen.TierBaseline, &detected)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFeatureDetection(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want codegen.Features
	}{
		{"sign extension", []byte{0x00, 0x41, 0x01, 0xC0, 0x1A, 0x0B}, codegen.FeatureSignExtension},
		{"saturating conversion", []byte{0x00, 0x43, 0, 0, 0, 0, 0xFC, 0x00, 0x1A, 0x0B}, codegen.FeatureSaturatingConversion},
		{"reference types", []byte{0x00, 0xD0, 0x70, 0x1A, 0x0B}, codegen.FeatureReferenceTypes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := buildModule(tt.body)
			env := envFor(t, wire)
			var detected codegen.Features
			if _, err := codegen.Compile(env, wire, 0, codegen.TierBaseline, &detected); err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if detected&tt.want == 0 {
				t.Errorf("detected %s, want %s set", detected, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	wire := buildModule([]byte{0x00, 0x41, 0x01, 0x0B})
	env := envFor(t, wire)
	if err := codegen.Validate(env, wire, 0); err != nil {
		t.Errorf("valid body rejected: %v", err)
	}

	bad := buildModule([]byte{0x00, 0xFD, 0x00, 0x0B})
	if err := codegen.Validate(envFor(t, bad), bad, 0); err == nil {
		t.Error("invalid body accepted")
	}
}

func TestGenerateWrapperDeterministic(t *testing.T) {
	sig := wasm.FuncType{Params: []wasm.ValType{wasm.I32, wasm.I64}, Results: []wasm.ValType{wasm.F64}}
	a := codegen.GenerateWrapper(sig, false)
	b := codegen.GenerateWrapper(sig, false)
	if !bytes.Equal(a.Code, b.Code) {
		t.Error("same signature produced different wrappers")
	}
	imp := codegen.GenerateWrapper(sig, true)
	if bytes.Equal(a.Code, imp.Code) {
		t.Error("import and export wrappers are identical")
	}
	other := codegen.GenerateWrapper(wasm.FuncType{Results: []wasm.ValType{wasm.I32}}, false)
	if bytes.Equal(a.Code, other.Code) {
		t.Error("different signatures produced identical wrappers")
	}
}
