package compile

import (
	"time"

	"github.com/wippyai/wasm-compiler/compile/internal/exec"
)

// finisherSlice caps how long one finisher run may occupy the
// foreground goroutine before yielding to other foreground work.
const finisherSlice = time.Millisecond

// runFinisher retires executed units on the foreground goroutine. The
// caller owns the finisher flag. The run gives the flag up when the
// finished queues drain, aborts without clearing it when compilation
// has failed (teardown owns the state from then on), and reposts
// itself, flag still held, when its time slice expires with work left.
func (s *state) runFinisher(tok exec.Token) {
	if s.failed() {
		return
	}
	deadline := s.platform.Now() + finisherSlice
	for {
		s.restartBackgroundTasks()
		u, ok := s.nextExecutedUnit(tok)
		if !ok {
			s.setFinisherRunning(false)
			// A unit published between the pop and the flag clear
			// saw the flag set and did not schedule. Re-acquire and
			// keep going if so.
			if s.hasExecutedUnit(tok) && s.setFinisherRunning(true) {
				continue
			}
			return
		}
		if s.failed() {
			return
		}
		s.retireUnit(tok, u)
		if s.platform.Now() > deadline {
			s.scheduleFinisher()
			return
		}
	}
}
