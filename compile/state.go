package compile

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-compiler/codegen"
	"github.com/wippyai/wasm-compiler/compile/internal/exec"
)

// stateCallback observes compilation lifecycle events. Callbacks run on
// the foreground goroutine. After EventTopTierFinished or EventFailed
// the callback list is cleared; EventBaselineFinished keeps it so the
// top-tier event can still be delivered.
type stateCallback func(exec.Token, Event)

// state is the scheduler core of one module's compilation. It owns the
// four work queues, the background task budget, the first-failure error
// cell and the event plumbing.
//
// Three protection domains, never mixed:
//   - errCell is a lock-free first-write-wins cell; background tasks
//     check it relaxed, readers of the payload load-acquire.
//   - mu guards the queues, the task count, the wire bytes, the merged
//     feature set and the code-log queue. Held only for short
//     bookkeeping sections, never across compilation or callbacks.
//   - fields below the "foreground only" marker are touched exclusively
//     by functions taking an exec.Token, so they need no lock at all.
type state struct {
	platform *exec.Platform
	module   *Module
	mode     Mode
	maxTasks int
	logCodes bool

	errCell atomic.Pointer[failure]

	bgTasks exec.TaskManager
	fgTasks exec.TaskManager

	mu              sync.Mutex
	pendingBaseline []unit
	pendingTiering  []unit
	finishedBaseline []unit
	finishedTiering  []unit
	finisherRunning bool
	numTasks        int
	wire            []byte
	detected        codegen.Features
	logQueue        []*codegen.Artifact
	logPending      bool

	// foreground only
	callbacks           []stateCallback
	outstandingBaseline int
	outstandingTiering  int
	baselineEventFired  bool
	topTierEventFired   bool
}

func newState(platform *exec.Platform, m *Module, mode Mode, maxTasks int) *state {
	return &state{
		platform: platform,
		module:   m,
		mode:     mode,
		maxTasks: maxTasks,
		logCodes: Logger().Core().Enabled(zapcore.DebugLevel),
	}
}

// setExpectedFunctions tells the scheduler how many functions will be
// compiled. In tiering mode every function is expected at both tiers.
func (s *state) setExpectedFunctions(_ exec.Token, n int) {
	s.outstandingBaseline += n
	if s.mode == ModeTiering {
		s.outstandingTiering += n
	}
}

// addCallback registers a lifecycle observer.
func (s *state) addCallback(_ exec.Token, cb stateCallback) {
	s.callbacks = append(s.callbacks, cb)
}

// addUnits moves a batch of units into the pending queues in one
// critical section and adjusts the background task count to match the
// new amount of work.
func (s *state) addUnits(baseline, tiering []unit) {
	s.mu.Lock()
	s.pendingBaseline = append(s.pendingBaseline, baseline...)
	s.pendingTiering = append(s.pendingTiering, tiering...)
	s.mu.Unlock()
	s.restartBackgroundTasks()
}

// nextPendingUnit hands out the most recently added unit, baseline
// before tiering. LIFO keeps the wire bytes a worker touches close to
// what it just compiled.
func (s *state) nextPendingUnit() (unit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.pendingBaseline); n > 0 {
		u := s.pendingBaseline[n-1]
		s.pendingBaseline = s.pendingBaseline[:n-1]
		return u, true
	}
	if n := len(s.pendingTiering); n > 0 {
		u := s.pendingTiering[n-1]
		s.pendingTiering = s.pendingTiering[:n-1]
		return u, true
	}
	return unit{}, false
}

// publishExecuted moves an executed unit to its finished queue and, if
// no finisher is currently responsible for draining it, starts one.
func (s *state) publishExecuted(u unit) {
	s.mu.Lock()
	if u.tier == codegen.TierOptimized {
		s.finishedTiering = append(s.finishedTiering, u)
	} else {
		s.finishedBaseline = append(s.finishedBaseline, u)
	}
	schedule := !s.finisherRunning && !s.failed()
	if schedule {
		s.finisherRunning = true
	}
	s.mu.Unlock()
	if schedule {
		s.scheduleFinisher()
	}
}

// nextExecutedUnit pops the next unit the finisher should retire.
// Baseline units retire strictly before tiering units: the tiering
// queue is only consulted once every baseline unit has been retired.
func (s *state) nextExecutedUnit(tok exec.Token) (unit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.finishedBaseline); n > 0 {
		u := s.finishedBaseline[n-1]
		s.finishedBaseline = s.finishedBaseline[:n-1]
		return u, true
	}
	if s.outstandingBaseline == 0 {
		if n := len(s.finishedTiering); n > 0 {
			u := s.finishedTiering[n-1]
			s.finishedTiering = s.finishedTiering[:n-1]
			return u, true
		}
	}
	return unit{}, false
}

func (s *state) hasExecutedUnit(tok exec.Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.finishedBaseline) > 0 {
		return true
	}
	return s.outstandingBaseline == 0 && len(s.finishedTiering) > 0
}

// retireUnit installs a unit's artifact and fires whatever lifecycle
// events its completion triggers. Foreground only.
func (s *state) retireUnit(tok exec.Token, u unit) {
	if u.artifact != nil {
		s.module.installCode(tok, u.artifact)
	}
	if u.tier == codegen.TierOptimized {
		s.outstandingTiering--
	} else {
		s.outstandingBaseline--
	}
	if s.outstandingBaseline == 0 && !s.baselineEventFired {
		s.baselineEventFired = true
		s.notifyEvent(tok, EventBaselineFinished)
		if s.mode == ModeRegular {
			s.topTierEventFired = true
			s.notifyEvent(tok, EventTopTierFinished)
		}
	}
	if s.mode == ModeTiering &&
		s.outstandingBaseline == 0 && s.outstandingTiering == 0 &&
		!s.topTierEventFired {
		s.topTierEventFired = true
		s.notifyEvent(tok, EventTopTierFinished)
	}
}

// notifyEvent delivers an event to the registered callbacks. The list
// survives EventBaselineFinished and is discarded afterwards.
func (s *state) notifyEvent(tok exec.Token, e Event) {
	cbs := s.callbacks
	if e != EventBaselineFinished {
		s.callbacks = nil
	}
	for _, cb := range cbs {
		cb(tok, e)
	}
}

// recordFailure installs err as the module's failure if no failure is
// set yet. The first writer wins; it schedules a foreground task that
// formats the error and delivers EventFailed. Later failures are
// dropped. Safe from any goroutine.
func (s *state) recordFailure(funcIndex uint32, kind ErrorKind, err error) {
	if !s.installFailure(funcIndex, kind, err) {
		return
	}
	s.platform.Foreground().Post(func(tok exec.Token) {
		if !s.fgTasks.TryStart() {
			return
		}
		defer s.fgTasks.Done()
		s.notifyEvent(tok, EventFailed)
	})
}

// installFailure performs the bare first-write-wins store without
// scheduling notification. Returns false if a failure was already set.
func (s *state) installFailure(funcIndex uint32, kind ErrorKind, err error) bool {
	f := &failure{funcIndex: funcIndex, kind: kind, err: err}
	return s.errCell.CompareAndSwap(nil, f)
}

// failed reports whether a failure has been recorded. Workers poll this
// between units; a relaxed read is all they need.
func (s *state) failed() bool {
	return s.errCell.Load() != nil
}

// compileError formats the recorded failure as a user-facing error, or
// returns nil if compilation has not failed.
func (s *state) compileError() *Error {
	f := s.errCell.Load()
	if f == nil {
		return nil
	}
	e := &Error{Kind: f.kind, FuncIndex: f.funcIndex, Err: f.err}
	if f.kind == KindCompile {
		e.FuncName = s.module.desc.FunctionName(f.funcIndex)
	}
	return e
}

// abort tears compilation down from outside: it installs the aborted
// failure, synchronously cancels background work and discards the
// callbacks from a posted foreground task so that no callback ever runs
// inline with the aborting caller.
func (s *state) abort() {
	s.installFailure(0, KindAbort, errAborted)
	s.bgTasks.CancelAndWait()
	s.platform.Foreground().Post(func(exec.Token) {
		if !s.fgTasks.TryStart() {
			return
		}
		defer s.fgTasks.Done()
		s.callbacks = nil
	})
}

// cancelAndWait cancels background work and then waits out any
// foreground task still referencing this state. After it returns,
// nothing touches the module anymore.
func (s *state) cancelAndWait() {
	s.bgTasks.CancelAndWait()
	s.fgTasks.CancelAndWait()
}

// restartBackgroundTasks tops the worker pool up to
// min(pending units, maxTasks). Called whenever units are added and
// whenever a task stops, so the pool tracks the queue without any task
// ever busy-waiting.
func (s *state) restartBackgroundTasks() {
	s.mu.Lock()
	if s.failed() {
		s.mu.Unlock()
		return
	}
	pending := len(s.pendingBaseline) + len(s.pendingTiering)
	spawn := s.maxTasks - s.numTasks
	if spawn > pending {
		spawn = pending
	}
	if spawn <= 0 {
		s.mu.Unlock()
		return
	}
	s.numTasks += spawn
	s.mu.Unlock()

	// With real workers the task registers before the goroutine exists,
	// so CancelAndWait covers tasks that were spawned but have not run
	// yet. Without workers the task lands on the foreground queue and
	// must register when it runs instead: registering up front would
	// make a foreground CancelAndWait wait for queue entries that can
	// only run on the goroutine doing the waiting.
	for i := 0; i < spawn; i++ {
		if s.platform.Workers() > 0 {
			if !s.bgTasks.TryStart() {
				s.mu.Lock()
				s.numTasks -= spawn - i
				s.mu.Unlock()
				return
			}
			s.platform.SpawnBackground(func() {
				defer s.bgTasks.Done()
				s.runBackgroundTask()
			})
		} else {
			s.platform.SpawnBackground(func() {
				if !s.bgTasks.TryStart() {
					s.mu.Lock()
					s.numTasks--
					s.mu.Unlock()
					return
				}
				defer s.bgTasks.Done()
				s.runBackgroundTask()
			})
		}
	}
}

// onBackgroundTaskStopped gives the task's slot back and folds the
// features it detected into the module-wide set. Units added between
// the task's last queue check and the slot release would otherwise be
// stranded, so admission runs once more if anything is pending.
func (s *state) onBackgroundTaskStopped(detected codegen.Features) {
	s.mu.Lock()
	s.numTasks--
	s.detected.Merge(detected)
	pending := len(s.pendingBaseline) + len(s.pendingTiering)
	s.mu.Unlock()
	if pending > 0 {
		s.restartBackgroundTasks()
	}
}

// setFinisherRunning flips the single-finisher flag. It returns false
// when the flag already had the requested value, which for v == true
// means another finisher holds the duty.
func (s *state) setFinisherRunning(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finisherRunning == v {
		return false
	}
	s.finisherRunning = v
	return true
}

// scheduleFinisher posts a finisher run to the foreground queue. The
// caller must already own the finisher flag.
func (s *state) scheduleFinisher() {
	s.platform.Foreground().Post(func(tok exec.Token) {
		if !s.fgTasks.TryStart() {
			return
		}
		defer s.fgTasks.Done()
		s.runFinisher(tok)
	})
}

// scheduleCodeLog queues an artifact for debug logging on the
// foreground thread. Artifacts are batched; at most one log task is in
// flight at a time.
func (s *state) scheduleCodeLog(a *codegen.Artifact) {
	if !s.logCodes {
		return
	}
	s.mu.Lock()
	s.logQueue = append(s.logQueue, a)
	if s.logPending {
		s.mu.Unlock()
		return
	}
	s.logPending = true
	s.mu.Unlock()
	s.platform.Foreground().Post(func(exec.Token) {
		s.mu.Lock()
		batch := s.logQueue
		s.logQueue = nil
		s.logPending = false
		s.mu.Unlock()
		for _, a := range batch {
			Logger().Debug("compiled wasm function",
				zap.Uint32("func", a.FuncIndex),
				zap.String("tier", a.Tier.String()),
				zap.Int("size", a.Size()))
		}
	})
}

func (s *state) setWireBytes(wire []byte) {
	s.mu.Lock()
	s.wire = wire
	s.mu.Unlock()
}

func (s *state) wireBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wire
}

// mergeDetected folds features detected on the foreground path (sync
// and lazy compilation) into the module-wide set.
func (s *state) mergeDetected(detected codegen.Features) {
	s.mu.Lock()
	s.detected.Merge(detected)
	s.mu.Unlock()
}

// publishDetectedFeatures logs the feature usage accumulated by all
// finished tasks. Called once per module when baseline compilation
// completes.
func (s *state) publishDetectedFeatures(_ exec.Token) {
	s.mu.Lock()
	detected := s.detected
	s.mu.Unlock()
	if detected != 0 {
		Logger().Info("detected wasm features", zap.Stringer("features", detected))
	}
}

// baselineFinished reports whether every baseline unit has retired.
func (s *state) baselineFinished(_ exec.Token) bool {
	return s.outstandingBaseline == 0
}

// hasOutstandingUnits reports whether any unit, at any tier, has not
// retired yet.
func (s *state) hasOutstandingUnits(_ exec.Token) bool {
	return s.outstandingBaseline > 0 || s.outstandingTiering > 0
}
