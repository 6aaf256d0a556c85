package compile

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a compilation failure.
type ErrorKind uint8

const (
	// KindDecode marks malformed wire bytes, detected before any
	// compilation unit existed.
	KindDecode ErrorKind = iota
	// KindCompile marks a function that failed to compile. The whole
	// module fails; in-flight units drain but no new ones start.
	KindCompile
	// KindAbort marks an externally requested teardown.
	KindAbort
)

// errAborted is the failure value installed by Abort.
var errAborted = errors.New("compilation aborted")

// Error is the user-facing compilation error. For KindCompile the
// message names the failing function using the module's name section,
// or an index placeholder when the function is unnamed.
type Error struct {
	Kind      ErrorKind
	FuncIndex uint32
	FuncName  string
	Err       error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindDecode:
		return fmt.Sprintf("decoding wasm module failed: %v", e.Err)
	case KindAbort:
		return e.Err.Error()
	}
	name := e.FuncName
	if name == "" {
		name = fmt.Sprintf("wasm-function[%d]", e.FuncIndex)
	}
	return fmt.Sprintf("compiling wasm function %q failed: %v", name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// failure is the raw value stored in the scheduler's error cell before
// it is formatted on the foreground thread.
type failure struct {
	funcIndex uint32
	kind      ErrorKind
	err       error
}
