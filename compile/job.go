package compile

import (
	"sync/atomic"

	"github.com/wippyai/wasm-compiler/compile/internal/exec"
	"github.com/wippyai/wasm-compiler/wasm"
)

// stepKind names a phase of an asynchronous compilation job.
type stepKind uint8

const (
	stepDecodeModule stepKind = iota
	stepDecodeFail
	stepPrepareAndStartCompile
	stepCompileFailed
	stepCompileWrappers
	stepFinishModule
)

// step is the job's current phase plus that phase's inputs. Exactly the
// fields the kind needs are set; the rest stay zero.
type step struct {
	kind             stepKind
	desc             *wasm.ModuleDescriptor
	startCompilation bool
	err              *Error
}

// fgTask is one scheduled foreground continuation of a job. Clearing
// job cancels it without removing it from the queue.
type fgTask struct {
	job *Job
}

func (t *fgTask) run(tok exec.Token) {
	j := t.job
	if j == nil {
		return
	}
	j.pendingFG = nil
	j.runForegroundStep(tok)
}

// Job is one asynchronous compilation, batch or streaming. It advances
// through steps until it resolves its Resolver exactly once, with a
// Module or an error. All fields except bgTasks are foreground-owned;
// the only background step is the initial batch decode, which hands
// control back to the foreground with doSync and touches nothing else.
type Job struct {
	c        *Compiler
	resolver Resolver
	wire     []byte
	step     step

	pendingFG *fgTask
	bgTasks   exec.TaskManager

	// finishers counts parties that must report in before the module
	// can be finished: the compilation state (via the baseline event)
	// and, for streaming, the stream itself.
	finishers atomic.Int32

	module     *Module
	streamProc *streamingProcessor
	closed     bool
}

func newJob(c *Compiler, resolver Resolver) *Job {
	j := &Job{c: c, resolver: resolver}
	j.finishers.Store(1)
	return j
}

// startBatch kicks off compilation of fully available wire bytes with a
// background decode step.
func (j *Job) startBatch(wire []byte) {
	j.wire = wire
	j.doAsync(step{kind: stepDecodeModule})
}

// doSync schedules st on the foreground goroutine, reusing the already
// pending foreground task if one exists. Only the latest step matters;
// scheduling a new step while one is pending replaces it.
func (j *Job) doSync(st step) {
	j.step = st
	if j.pendingFG != nil {
		return
	}
	t := &fgTask{job: j}
	j.pendingFG = t
	j.c.platform.Foreground().Post(t.run)
}

// doImmediately runs st inline on the foreground goroutine.
func (j *Job) doImmediately(tok exec.Token, st step) {
	j.step = st
	j.runForegroundStep(tok)
}

// doAsync runs st on a background worker. Without workers the step
// lands on the foreground queue and registers when it runs, so a
// foreground CancelAndWait never waits on its own queue.
func (j *Job) doAsync(st step) {
	j.step = st
	if j.c.platform.Workers() > 0 {
		if !j.bgTasks.TryStart() {
			return
		}
		j.c.platform.SpawnBackground(func() {
			defer j.bgTasks.Done()
			j.runBackgroundStep()
		})
		return
	}
	j.c.platform.SpawnBackground(func() {
		if !j.bgTasks.TryStart() {
			return
		}
		defer j.bgTasks.Done()
		j.runBackgroundStep()
	})
}

func (j *Job) runBackgroundStep() {
	switch j.step.kind {
	case stepDecodeModule:
		desc, err := wasm.DecodeModule(j.wire)
		if err != nil {
			j.doSync(step{kind: stepDecodeFail, err: &Error{Kind: KindDecode, Err: err}})
			return
		}
		j.doSync(step{kind: stepPrepareAndStartCompile, desc: desc, startCompilation: true})
	default:
		panic("compile: step is not a background step")
	}
}

func (j *Job) runForegroundStep(tok exec.Token) {
	switch j.step.kind {
	case stepDecodeFail, stepCompileFailed:
		err := j.step.err
		j.c.removeJob(tok, j)
		j.resolver.OnCompilationFailed(err)
	case stepPrepareAndStartCompile:
		j.prepare(tok, j.step.desc, j.step.startCompilation)
	case stepCompileWrappers:
		j.compileWrappers(tok)
	case stepFinishModule:
		j.finishModule(tok)
	default:
		panic("compile: step is not a foreground step")
	}
}

// prepare creates the module and, for the batch path, enqueues every
// declared function for compilation. The streaming path calls it with
// startCompilation false and feeds units in as bodies arrive.
func (j *Job) prepare(tok exec.Token, desc *wasm.ModuleDescriptor, startCompilation bool) {
	j.bgTasks.CancelAndWait()
	j.createModule(tok, desc)

	if desc.NumDeclaredFuncs() == 0 {
		j.finishCompile(tok, true)
		return
	}

	st := j.module.state
	if startCompilation {
		st.setExpectedFunctions(tok, int(desc.NumDeclaredFuncs()))
		b := newUnitBuilder(j.module)
		for i := desc.NumImportedFuncs; i < uint32(len(desc.Funcs)); i++ {
			b.addUnit(i)
		}
		b.commit()
	}
}

// createModule builds the module and wires this job up as an event
// observer. Idempotent; the streaming path may have created the module
// before the batch fallback runs.
func (j *Job) createModule(tok exec.Token, desc *wasm.ModuleDescriptor) {
	if j.module != nil {
		return
	}
	j.module = newModule(j.c, desc)
	if j.wire != nil {
		j.module.state.setWireBytes(j.wire)
	}
	st := j.module.state
	if ev := j.c.opts.Events; ev != nil {
		st.addCallback(tok, func(_ exec.Token, e Event) { ev(e) })
	}
	st.addCallback(tok, j.stateCallback)
}

// stateCallback reacts to the module's compilation events.
func (j *Job) stateCallback(tok exec.Token, e Event) {
	switch e {
	case EventBaselineFinished:
		if j.finishers.Add(-1) == 0 {
			j.finishCompile(tok, true)
		}
	case EventTopTierFinished:
		// The job may have resolved already and be lingering only to
		// observe tier-up. Let go of it now.
		if j.pendingFG == nil && j.finishers.Load() == 0 {
			j.c.removeJob(tok, j)
		}
	case EventFailed:
		j.doSync(step{kind: stepCompileFailed, err: j.module.state.compileError()})
	}
}

// finishCompile transitions to module finalization once every finisher
// has reported in.
func (j *Job) finishCompile(tok exec.Token, wrappers bool) {
	j.module.state.publishDetectedFeatures(tok)
	if wrappers {
		j.doSync(step{kind: stepCompileWrappers})
	} else {
		j.doSync(step{kind: stepFinishModule})
	}
}

func (j *Job) compileWrappers(tok exec.Token) {
	j.c.buildWrappers(j.module)
	j.doSync(step{kind: stepFinishModule})
}

func (j *Job) finishModule(tok exec.Token) {
	st := j.module.state
	j.resolver.OnCompilationSucceeded(j.module)
	if st.mode == ModeRegular || !st.hasOutstandingUnits(tok) {
		j.c.removeJob(tok, j)
	}
	// Otherwise tier-up is still running; stateCallback removes the job
	// on EventTopTierFinished.
}

// close tears the job down. Called at most effectively once; later
// calls are no-ops.
func (j *Job) close(tok exec.Token) {
	if j.closed {
		return
	}
	j.closed = true
	j.bgTasks.CancelAndWait()
	if j.streamProc != nil {
		j.streamProc.jobGone()
	}
	if j.pendingFG != nil {
		j.pendingFG.job = nil
		j.pendingFG = nil
	}
	if j.module != nil {
		j.module.state.abort()
	}
}
