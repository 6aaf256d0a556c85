// Package exec provides the host-platform primitives the compilation
// scheduler runs on: a single-goroutine foreground runner that hands
// its tasks a Token proving foreground execution, cancelable task
// managers for cooperative teardown, and a worker spawner that falls
// back to the foreground queue when configured with zero workers (for
// deterministic scheduling).
package exec

import (
	"sync"
	"time"
)

// Token proves that the holder is executing on a Platform's foreground
// runner. Operations that may only run on the foreground goroutine take
// a Token parameter; since tokens are only ever minted by the runner
// itself, misuse fails to compile instead of failing at runtime.
type Token struct {
	r *Runner
}

// Runner is the single foreground executor. All posted tasks run
// sequentially on one goroutine, in post order.
type Runner struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func(Token)
	closed  bool
	stopped chan struct{}
}

// NewRunner starts a foreground runner.
func NewRunner() *Runner {
	r := &Runner{stopped: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer close(r.stopped)
	tok := Token{r: r}
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 && r.closed {
			r.mu.Unlock()
			return
		}
		task := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		task(tok)
	}
}

// Post enqueues a task for the foreground goroutine. Tasks posted after
// Close are dropped.
func (r *Runner) Post(task func(Token)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, task)
	r.mu.Unlock()
	r.cond.Signal()
}

// Call runs task on the foreground goroutine and waits for it to
// return. It must not be called from a foreground task (that would
// deadlock); foreground code already holds a Token and can call
// directly.
func (r *Runner) Call(task func(Token)) {
	done := make(chan struct{})
	r.Post(func(tok Token) {
		defer close(done)
		task(tok)
	})
	select {
	case <-done:
	case <-r.stopped:
	}
}

// Close drains already-posted tasks and stops the runner.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.stopped
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.cond.Signal()
	<-r.stopped
}

// TaskManager tracks a group of cooperative tasks so that they can be
// canceled as a unit and waited for. Tasks call TryStart before doing
// work and Done when finished; CancelAndWait prevents new starts and
// blocks until every started task is done.
type TaskManager struct {
	mu       sync.Mutex
	canceled bool
	running  sync.WaitGroup
}

// TryStart registers a task. It returns false if the manager has been
// canceled, in which case the task must not run.
func (m *TaskManager) TryStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.canceled {
		return false
	}
	m.running.Add(1)
	return true
}

// Done marks one started task as finished.
func (m *TaskManager) Done() {
	m.running.Done()
}

// Canceled reports whether CancelAndWait has been called. Long-running
// tasks poll this to stop early.
func (m *TaskManager) Canceled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canceled
}

// CancelAndWait cancels the manager and blocks until all started tasks
// have called Done. Safe to call more than once.
func (m *TaskManager) CancelAndWait() {
	m.mu.Lock()
	m.canceled = true
	m.mu.Unlock()
	m.running.Wait()
}

// Platform bundles the executors and the monotonic clock the scheduler
// uses. Workers is the number of background worker goroutines the host
// allows; zero routes background tasks through the foreground queue,
// which makes scheduling deterministic.
type Platform struct {
	workers int
	fg      *Runner
	epoch   time.Time
}

// NewPlatform creates a Platform with its foreground runner started.
func NewPlatform(workers int) *Platform {
	if workers < 0 {
		workers = 0
	}
	return &Platform{workers: workers, fg: NewRunner(), epoch: time.Now()}
}

// Workers returns the configured background worker count.
func (p *Platform) Workers() int {
	return p.workers
}

// Foreground returns the foreground runner.
func (p *Platform) Foreground() *Runner {
	return p.fg
}

// SpawnBackground runs task on a worker goroutine, or posts it to the
// foreground queue when the platform has no workers.
func (p *Platform) SpawnBackground(task func()) {
	if p.workers > 0 {
		go task()
		return
	}
	p.fg.Post(func(Token) { task() })
}

// Now returns monotonic time since platform creation.
func (p *Platform) Now() time.Duration {
	return time.Since(p.epoch)
}

// Close stops the foreground runner after draining pending tasks.
func (p *Platform) Close() {
	p.fg.Close()
}
