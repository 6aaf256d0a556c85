// Package wasm decodes WebAssembly core-module binaries into the
// immutable ModuleDescriptor consumed by the compilation scheduler.
//
// Three entry points cover the pipeline's needs:
//
//   - DecodeModule parses a complete byte buffer.
//   - Decoder parses incrementally, one section at a time.
//   - StreamDecoder splits a chunked byte stream and drives a
//     StreamProcessor, surfacing the code section's function bodies
//     individually so compilation can begin mid-stream.
//
// Function bodies are never parsed into instruction lists here; the
// descriptor records their byte ranges and the per-function compiler
// reads them straight from the wire bytes.
package wasm
