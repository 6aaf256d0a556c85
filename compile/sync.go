package compile

import (
	"runtime"

	"github.com/wippyai/wasm-compiler/codegen"
	"github.com/wippyai/wasm-compiler/compile/internal/exec"
	"github.com/wippyai/wasm-compiler/wasm"
)

// Compile compiles wire bytes synchronously and returns the finished
// module. The calling goroutine participates in compilation; with
// tiering enabled, only the baseline tier is awaited and optimized
// code keeps landing in the background afterwards.
func (c *Compiler) Compile(wire []byte) (*Module, error) {
	desc, err := wasm.DecodeModule(wire)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Err: err}
	}
	var m *Module
	var cerr error
	c.platform.Foreground().Call(func(tok exec.Token) {
		m, cerr = c.compileModule(tok, desc, wire)
	})
	if cerr != nil {
		return nil, cerr
	}
	if m == nil {
		// The foreground runner shut down before the task ran.
		return nil, ErrClosed
	}
	return m, nil
}

func (c *Compiler) compileModule(tok exec.Token, desc *wasm.ModuleDescriptor, wire []byte) (*Module, error) {
	m := newModule(c, desc)
	st := m.state
	st.setWireBytes(wire)
	if ev := c.opts.Events; ev != nil {
		st.addCallback(tok, func(_ exec.Token, e Event) { ev(e) })
	}

	declared := desc.NumDeclaredFuncs()
	switch {
	case c.opts.Lazy:
		if err := c.validateSequentially(m); err != nil {
			return nil, err
		}
	case declared == 0:
	case declared > 1 && c.platform.Workers() > 0:
		c.compileParallel(tok, m)
	default:
		c.compileSequential(tok, m)
	}
	if st.failed() {
		st.bgTasks.CancelAndWait()
		return nil, st.compileError()
	}
	c.buildWrappers(m)
	return m, nil
}

// compileParallel drives eager compilation with the calling goroutine
// as one more worker. It holds the finisher duty for the whole run so
// that publishing never schedules a competing foreground finisher, and
// hands the duty back at the end if tier-up is still outstanding.
func (c *Compiler) compileParallel(tok exec.Token, m *Module) {
	st := m.state
	desc := m.desc
	st.setFinisherRunning(true)
	st.setExpectedFunctions(tok, int(desc.NumDeclaredFuncs()))
	b := newUnitBuilder(m)
	for i := desc.NumImportedFuncs; i < uint32(len(desc.Funcs)); i++ {
		b.addUnit(i)
	}
	b.commit()

	env := m.compilationEnv()
	var detected codegen.Features
	for st.fetchAndExecuteUnit(env, &detected) {
		st.finishUnits(tok)
		if st.failed() || st.baselineFinished(tok) {
			break
		}
	}
	for !st.failed() && !st.baselineFinished(tok) {
		st.finishUnits(tok)
		runtime.Gosched()
	}
	st.mergeDetected(detected)
	st.publishDetectedFeatures(tok)

	if !st.failed() {
		st.setFinisherRunning(false)
		// Tier-up units published while we still held the duty did not
		// schedule a finisher. Pick them up ourselves.
		if st.hasExecutedUnit(tok) && st.setFinisherRunning(true) {
			st.scheduleFinisher()
		}
	}
}

func (c *Compiler) compileSequential(tok exec.Token, m *Module) {
	st := m.state
	desc := m.desc
	st.setExpectedFunctions(tok, int(desc.NumDeclaredFuncs()))
	env := m.compilationEnv()
	wire := st.wireBytes()
	var detected codegen.Features
	for i := desc.NumImportedFuncs; i < uint32(len(desc.Funcs)); i++ {
		a, err := codegen.Compile(env, wire, i, codegen.TierBaseline, &detected)
		if err != nil {
			st.recordFailure(i, KindCompile, err)
			break
		}
		st.retireUnit(tok, unit{index: i, tier: codegen.TierBaseline, artifact: a})
		if st.mode != ModeTiering {
			continue
		}
		a, err = codegen.Compile(env, wire, i, codegen.TierOptimized, &detected)
		if err != nil {
			st.recordFailure(i, KindCompile, err)
			break
		}
		st.retireUnit(tok, unit{index: i, tier: codegen.TierOptimized, artifact: a})
	}
	st.mergeDetected(detected)
	st.publishDetectedFeatures(tok)
}

// validateSequentially checks every declared function body without
// producing code. The first invalid body fails the whole module, same
// as eager compilation would.
func (c *Compiler) validateSequentially(m *Module) error {
	desc := m.desc
	env := m.compilationEnv()
	wire := m.state.wireBytes()
	for i := desc.NumImportedFuncs; i < uint32(len(desc.Funcs)); i++ {
		if err := codegen.Validate(env, wire, i); err != nil {
			return &Error{
				Kind:      KindCompile,
				FuncIndex: i,
				FuncName:  desc.FunctionName(i),
				Err:       err,
			}
		}
	}
	return nil
}

// finishUnits retires everything currently in the finished queues.
func (s *state) finishUnits(tok exec.Token) {
	for {
		u, ok := s.nextExecutedUnit(tok)
		if !ok {
			return
		}
		s.retireUnit(tok, u)
	}
}

// CompileFunction compiles one function of a lazily compiled module on
// demand, at the baseline tier. Returns the existing artifact if the
// function is already compiled.
func (c *Compiler) CompileFunction(m *Module, index uint32) (*codegen.Artifact, error) {
	var a *codegen.Artifact
	var cerr error
	c.platform.Foreground().Call(func(tok exec.Token) {
		if got := m.Code(index); got != nil {
			a = got
			return
		}
		var detected codegen.Features
		art, err := codegen.Compile(m.compilationEnv(), m.WireBytes(), index, codegen.TierBaseline, &detected)
		if err != nil {
			cerr = &Error{
				Kind:      KindCompile,
				FuncIndex: index,
				FuncName:  m.desc.FunctionName(index),
				Err:       err,
			}
			return
		}
		m.state.mergeDetected(detected)
		m.installCode(tok, art)
		a = art
	})
	if a == nil && cerr == nil {
		return nil, ErrClosed
	}
	return a, cerr
}

// buildWrappers fills the module's export wrapper table.
func (c *Compiler) buildWrappers(m *Module) {
	for _, exp := range m.desc.Exports {
		if exp.Kind != wasm.ExternalFunction {
			continue
		}
		m.wrappers = append(m.wrappers, c.wrapperFor(m.desc.Signature(exp.Index), false))
	}
}
