package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-compiler/compile"
	"github.com/wippyai/wasm-compiler/wasm"
)

func main() {
	var (
		wasmFile    = flag.String("wasm", "", "Path to wasm module file")
		tiering     = flag.Bool("tiering", false, "Compile at two tiers (baseline, then optimized)")
		lazy        = flag.Bool("lazy", false, "Validate up front, compile functions on demand")
		workers     = flag.Int("workers", 0, "Background workers (0 = GOMAXPROCS, negative = none)")
		stream      = flag.Bool("stream", false, "Feed the module through the streaming compiler")
		chunkSize   = flag.Int("chunk", 4096, "Chunk size for -stream")
		serializeTo = flag.String("serialize", "", "Write serialized compiled code to file")
		compiledIn  = flag.String("compiled", "", "Serialized code file for the -stream deserialization shortcut")
		runFunc     = flag.Bool("run", false, "Instantiate the module and call a function")
		funcName    = flag.String("func", "", "Function to call with -run")
		funcArgs    = flag.String("args", "", "Comma-separated integer arguments for -run")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		verbose     = flag.Bool("v", false, "Verbose compiler logging")
	)
	flag.Parse()

	if *wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: wasmc -wasm <file.wasm> [-tiering] [-lazy] [-stream] [-workers n]")
		fmt.Fprintln(os.Stderr, "       wasmc -wasm <file.wasm> -run -func name [-args 1,2]")
		fmt.Fprintln(os.Stderr, "       wasmc -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		compile.SetLogger(logger)
	}

	opts := compile.Options{
		Tiering: *tiering,
		Lazy:    *lazy,
		Workers: *workers,
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(*wasmFile, opts, *chunkSize); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*wasmFile, opts, *stream, *chunkSize, *serializeTo, *compiledIn, *runFunc, *funcName, *funcArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(wasmFile string, opts compile.Options, stream bool, chunkSize int, serializeTo, compiledIn string, runFunc bool, funcName, funcArgs string) error {
	wire, err := os.ReadFile(wasmFile)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	c := compile.New(opts)
	defer c.Close()

	start := time.Now()
	var module *compile.Module
	if stream {
		module, err = compileStreaming(c, wire, chunkSize, compiledIn)
	} else {
		module, err = c.Compile(wire)
	}
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	defer module.Close()
	elapsed := time.Since(start)

	printModule(wasmFile, module, elapsed)

	if serializeTo != "" {
		blob, err := module.Serialize()
		if err != nil {
			return fmt.Errorf("serialize: %w", err)
		}
		if err := os.WriteFile(serializeTo, blob, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", serializeTo, err)
		}
		fmt.Printf("\nSerialized %d bytes to %s\n", len(blob), serializeTo)
	}

	if runFunc {
		return execute(module, funcName, funcArgs)
	}
	return nil
}

func compileStreaming(c *compile.Compiler, wire []byte, chunkSize int, compiledIn string) (*compile.Module, error) {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	sink, future := c.CompileStreaming()
	if compiledIn != "" {
		blob, err := os.ReadFile(compiledIn)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", compiledIn, err)
		}
		sink.SetCompiledBytes(blob)
	}
	for off := 0; off < len(wire); off += chunkSize {
		end := off + chunkSize
		if end > len(wire) {
			end = len(wire)
		}
		sink.Write(wire[off:end])
	}
	sink.Finish()
	return future.Wait(context.Background())
}

func printModule(wasmFile string, m *compile.Module, elapsed time.Duration) {
	desc := m.Descriptor()
	fmt.Printf("Module: %s\n", wasmFile)
	fmt.Printf("Compiled in %s\n", elapsed.Round(time.Microsecond))
	fmt.Printf("Functions: %d declared, %d imported\n", desc.NumDeclaredFuncs(), desc.NumImportedFuncs)
	fmt.Printf("Exports: %d\n", len(desc.Exports))

	if desc.NumDeclaredFuncs() > 0 {
		fmt.Printf("\nCode:\n")
		for i := desc.NumImportedFuncs; i < uint32(len(desc.Funcs)); i++ {
			name := desc.FunctionName(i)
			if name == "" {
				name = fmt.Sprintf("func[%d]", i)
			}
			if a := m.Code(i); a != nil {
				fmt.Printf("  %-30s %s, %d bytes\n", name, a.Tier, a.Size())
			} else {
				fmt.Printf("  %-30s (not compiled)\n", name)
			}
		}
	}

	fmt.Printf("\nExported functions:\n")
	for _, exp := range desc.Exports {
		if exp.Kind != wasm.ExternalFunction {
			continue
		}
		fmt.Printf("  %s%s\n", exp.Name, desc.Signature(exp.Index))
	}
}

// execute instantiates the original wire bytes with wazero and calls
// one export. The compiled artifacts describe lowered code for an
// execution backend; for actually running exports we lean on a real
// runtime.
func execute(m *compile.Module, funcName, funcArgs string) error {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	if importsWASI(m.Descriptor()) {
		wasi_snapshot_preview1.MustInstantiate(ctx, rt)
	}

	inst, err := rt.Instantiate(ctx, m.WireBytes())
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	defer inst.Close(ctx)

	if funcName == "" {
		return fmt.Errorf("-run needs -func")
	}
	fn := inst.ExportedFunction(funcName)
	if fn == nil {
		return fmt.Errorf("no exported function %q", funcName)
	}

	var params []uint64
	if funcArgs != "" {
		for _, s := range strings.Split(funcArgs, ",") {
			v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return fmt.Errorf("argument %q: %w", s, err)
			}
			params = append(params, v)
		}
	}

	fmt.Printf("\nCalling %s(%s)...\n", funcName, funcArgs)
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return fmt.Errorf("call %s: %w", funcName, err)
	}
	fmt.Printf("Result: %v\n", results)
	return nil
}

func importsWASI(desc *wasm.ModuleDescriptor) bool {
	for _, imp := range desc.Imports {
		if imp.Module == "wasi_snapshot_preview1" {
			return true
		}
	}
	return false
}
