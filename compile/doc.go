// Package compile schedules compilation of wasm modules across
// background workers while keeping all bookkeeping on a single
// foreground goroutine.
//
// A Compiler owns the goroutines. Modules can be compiled
// synchronously with Compile, asynchronously with CompileAsync, or
// incrementally from a byte stream with CompileStreaming, which starts
// compiling function bodies while later ones are still in flight on
// the network. Modules compile at one tier, or at two with Tiering
// enabled: baseline code is ready fast and optimized code replaces it
// function by function in the background.
//
// Work is tracked per (function, tier) as a compilation unit. Units
// flow pending -> executed -> retired: workers pull pending units and
// compile them anywhere, but only the foreground goroutine retires
// results into the module's code table and fires lifecycle events, so
// observers never need locks. The first failing unit fails the whole
// module; everything in flight drains and the error is reported once.
package compile
