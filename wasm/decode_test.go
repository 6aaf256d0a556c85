package wasm_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

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

func name(s string) []byte {
	return cat(uleb(uint32(len(s))), []byte(s))
}

// body returns a function body evaluating to the constant v (v < 64).
func body(v byte) []byte {
	return []byte{0x00, 0x41, v, 0x0B}
}

func codeSec(bodies ...[]byte) []byte {
	parts := [][]byte{uleb(uint32(len(bodies)))}
	for _, b := range bodies {
		parts = append(parts, uleb(uint32(len(b))), b)
	}
	return sec(wasm.SectionCode, parts...)
}

// typeSecI32 declares a single () -> (i32) type.
func typeSecI32() []byte {
	return sec(wasm.SectionType, []byte{0x01, 0x60, 0x00, 0x01, 0x7F})
}

func TestDecodeModule(t *testing.T) {
	wire := cat(
		header,
		typeSecI32(),
		sec(wasm.SectionFunction, []byte{0x02, 0x00, 0x00}),
		sec(wasm.SectionExport, cat([]byte{0x01}, name("answer"), []byte{0x00, 0x00})),
		codeSec(body(42), body(7)),
	)

	desc, err := wasm.DecodeModule(wire)
	if err != nil {
		t.Fatalf("DecodeModule: %v", err)
	}
	if len(desc.Types) != 1 {
		t.Fatalf("got %d types, want 1", len(desc.Types))
	}
	sig := desc.Types[0]
	if len(sig.Params) != 0 || len(sig.Results) != 1 || sig.Results[0] != wasm.I32 {
		t.Errorf("unexpected signature %s", sig)
	}
	if got := desc.NumDeclaredFuncs(); got != 2 {
		t.Fatalf("got %d declared functions, want 2", got)
	}
	if desc.NumImportedFuncs != 0 {
		t.Errorf("got %d imported functions, want 0", desc.NumImportedFuncs)
	}
	for i, want := range [][]byte{body(42), body(7)} {
		r := desc.Funcs[i].Body
		got := wire[r.Offset:r.End()]
		if !bytes.Equal(got, want) {
			t.Errorf("func %d body = %x, want %x", i, got, want)
		}
	}
	if len(desc.Exports) != 1 || desc.Exports[0].Name != "answer" {
		t.Errorf("unexpected exports %+v", desc.Exports)
	}
}

func TestDecodeImports(t *testing.T) {
	importSec := sec(wasm.SectionImport, cat(
		[]byte{0x02},
		name("env"), name("mul"), []byte{0x00, 0x00}, // function import, type 0
		name("env"), name("mem"), []byte{0x02, 0x00, 0x01}, // memory, min 1
	))
	wire := cat(
		header,
		typeSecI32(),
		importSec,
		sec(wasm.SectionFunction, []byte{0x01, 0x00}),
		codeSec(body(1)),
	)

	desc, err := wasm.DecodeModule(wire)
	if err != nil {
		t.Fatalf("DecodeModule: %v", err)
	}
	if desc.NumImportedFuncs != 1 {
		t.Fatalf("got %d imported functions, want 1", desc.NumImportedFuncs)
	}
	if !desc.Funcs[0].Imported {
		t.Error("Funcs[0] not marked imported")
	}
	if desc.Funcs[1].Imported {
		t.Error("Funcs[1] marked imported")
	}
	if got := desc.NumDeclaredFuncs(); got != 1 {
		t.Errorf("got %d declared functions, want 1", got)
	}
	if len(desc.Imports) != 2 {
		t.Errorf("got %d imports, want 2", len(desc.Imports))
	}
}

func TestDecodeNameSection(t *testing.T) {
	funcNames := cat([]byte{0x01}, uleb(0), name("the_answer"))
	nameSub := cat([]byte{0x01}, uleb(uint32(len(funcNames))), funcNames)
	wire := cat(
		header,
		typeSecI32(),
		sec(wasm.SectionFunction, []byte{0x01, 0x00}),
		codeSec(body(42)),
		sec(wasm.SectionCustom, cat(name("name"), nameSub)),
	)

	desc, err := wasm.DecodeModule(wire)
	if err != nil {
		t.Fatalf("DecodeModule: %v", err)
	}
	if got := desc.FunctionName(0); got != "the_answer" {
		t.Errorf("FunctionName(0) = %q, want %q", got, "the_answer")
	}
	if got := desc.FunctionName(1); got != "" {
		t.Errorf("FunctionName(1) = %q, want empty", got)
	}
}

func TestDecodeGlobalsAndStart(t *testing.T) {
	wire := cat(
		header,
		typeSecI32(),
		sec(wasm.SectionFunction, []byte{0x01, 0x00}),
		sec(wasm.SectionGlobal, []byte{0x01, 0x7F, 0x01, 0x41, 0x05, 0x0B}),
		sec(wasm.SectionStart, []byte{0x00}),
		codeSec(body(3)),
	)

	desc, err := wasm.DecodeModule(wire)
	if err != nil {
		t.Fatalf("DecodeModule: %v", err)
	}
	if len(desc.Globals) != 1 || desc.Globals[0].Type != wasm.I32 || !desc.Globals[0].Mutable {
		t.Errorf("unexpected globals %+v", desc.Globals)
	}
	if desc.Start == nil || *desc.Start != 0 {
		t.Errorf("unexpected start %v", desc.Start)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
		want string
	}{
		{
			name: "bad magic",
			wire: cat([]byte{0x01, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}),
			want: "magic",
		},
		{
			name: "bad version",
			wire: cat([]byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00}),
			want: "version",
		},
		{
			name: "out of order sections",
			wire: cat(header,
				sec(wasm.SectionFunction, []byte{0x00}),
				typeSecI32()),
			want: "out of order",
		},
		{
			name: "body count mismatch",
			wire: cat(header, typeSecI32(),
				sec(wasm.SectionFunction, []byte{0x02, 0x00, 0x00}),
				codeSec(body(1))),
			want: "bodies",
		},
		{
			name: "missing code section",
			wire: cat(header, typeSecI32(),
				sec(wasm.SectionFunction, []byte{0x01, 0x00})),
			want: "missing code section",
		},
		{
			name: "truncated",
			wire: header[:4],
			want: "truncated",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wasm.DecodeModule(tt.wire)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDecodeBadMagicSentinel(t *testing.T) {
	wire := cat([]byte{0xFF, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})
	_, err := wasm.DecodeModule(wire)
	if !errors.Is(err, wasm.ErrInvalidMagic) {
		t.Errorf("got %v, want ErrInvalidMagic", err)
	}
}

func TestDecodeEmptyModule(t *testing.T) {
	desc, err := wasm.DecodeModule(header)
	if err != nil {
		t.Fatalf("DecodeModule: %v", err)
	}
	if desc.NumDeclaredFuncs() != 0 {
		t.Errorf("got %d declared functions, want 0", desc.NumDeclaredFuncs())
	}
}
