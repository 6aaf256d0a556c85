// Package wasmcompiler provides background compilation of WebAssembly
// modules: decode a module's wire bytes, schedule its functions across
// worker goroutines, and collect per-function code artifacts, with
// optional two-tier compilation and streaming input.
//
// # Architecture Overview
//
// The module is organized into a small set of packages:
//
//	wasmcompiler/        Root package (documentation only)
//	├── compile/         The scheduler: Compiler, Module, sync/async/
//	│                    streaming entry points, tiering, serialization
//	├── codegen/         Per-function compilation at a given tier, body
//	│                    validation, boundary wrapper generation
//	├── wasm/            Wire-format decoding: batch and streaming
//	└── cmd/wasmc/       CLI front end
//
// # Quick Start
//
// Compile a module and inspect its code:
//
//	c := compile.New(compile.Options{Tiering: true})
//	defer c.Close()
//
//	m, err := c.Compile(wireBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	for i := uint32(0); i < uint32(len(m.Descriptor().Funcs)); i++ {
//	    if a := m.Code(i); a != nil {
//	        fmt.Println(i, a.Tier, a.Size())
//	    }
//	}
//
// Or compile from a network stream, starting work before the download
// finishes:
//
//	sink, future := c.CompileStreaming()
//	for chunk := range chunks {
//	    sink.Write(chunk)
//	}
//	sink.Finish()
//	m, err := future.Wait(ctx)
//
// # Thread Safety
//
// Compiler is safe for concurrent use. A Module is immutable once
// handed out, except that with tiering enabled optimized artifacts
// keep replacing baseline artifacts until tier-up completes; Code
// always returns a consistent artifact. StreamSink is single-producer.
package wasmcompiler
