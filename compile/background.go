package compile

import (
	"github.com/wippyai/wasm-compiler/codegen"
)

// runBackgroundTask is the body of one worker. It drains pending units
// until the queue is empty, compilation fails, or teardown cancels the
// task, then returns its slot.
func (s *state) runBackgroundTask() {
	var detected codegen.Features
	env := s.module.compilationEnv()
	for !s.failed() && !s.bgTasks.Canceled() {
		if !s.fetchAndExecuteUnit(env, &detected) {
			break
		}
	}
	s.onBackgroundTaskStopped(detected)
}

// fetchAndExecuteUnit compiles one pending unit and publishes the
// result. It returns false when no unit was pending. A unit whose
// compilation fails is not published; the failure makes the whole
// module fail and the finisher stops retiring.
func (s *state) fetchAndExecuteUnit(env *codegen.Env, detected *codegen.Features) bool {
	u, ok := s.nextPendingUnit()
	if !ok {
		return false
	}
	a, err := codegen.Compile(env, s.wireBytes(), u.index, u.tier, detected)
	if err != nil {
		s.recordFailure(u.index, KindCompile, err)
		return true
	}
	u.artifact = a
	s.scheduleCodeLog(a)
	s.publishExecuted(u)
	return true
}
