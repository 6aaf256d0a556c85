package compile

import (
	"errors"
	"runtime"
	"sync"

	"github.com/wippyai/wasm-compiler/compile/internal/exec"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("compiler is closed")

// Options configures a Compiler.
type Options struct {
	// Tiering compiles every function twice: baseline for startup
	// latency, optimized in the background afterwards.
	Tiering bool

	// Lazy validates functions up front and compiles each on first
	// request instead of eagerly.
	Lazy bool

	// Workers is the background worker goroutine count. Zero picks
	// GOMAXPROCS. A negative value disables background workers
	// entirely, which serializes all work onto the foreground
	// goroutine and makes scheduling deterministic.
	Workers int

	// Events, if set, observes every module's lifecycle events. Called
	// on the compiler's foreground goroutine; must not block.
	Events func(Event)
}

// Resolver receives the outcome of an asynchronous compilation,
// exactly once, on the compiler's foreground goroutine.
type Resolver interface {
	OnCompilationSucceeded(*Module)
	OnCompilationFailed(error)
}

// Compiler turns wasm wire bytes into compiled Modules. One Compiler
// owns one foreground goroutine and a bounded pool of background
// workers shared by all its compilations.
type Compiler struct {
	opts     Options
	platform *exec.Platform
	wrappers wrapperCache

	mu     sync.Mutex
	jobs   map[*Job]struct{}
	closed bool
}

// New creates a Compiler.
func New(opts Options) *Compiler {
	workers := opts.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers < 0 {
		workers = 0
	}
	return &Compiler{
		opts:     opts,
		platform: exec.NewPlatform(workers),
		jobs:     make(map[*Job]struct{}),
	}
}

func (c *Compiler) mode() Mode {
	if c.opts.Tiering {
		return ModeTiering
	}
	return ModeRegular
}

// maxTasks bounds how many background tasks one module may occupy.
func (c *Compiler) maxTasks() int {
	if w := c.platform.Workers(); w > 1 {
		return w
	}
	return 1
}

// CompileAsync starts compiling fully available wire bytes and returns
// a Future for the result.
func (c *Compiler) CompileAsync(wire []byte) *Future {
	f := newFuture()
	c.CompileAsyncResolver(wire, f)
	return f
}

// CompileAsyncResolver is CompileAsync with a caller-supplied Resolver.
// A closed compiler fails the resolver from the calling goroutine.
func (c *Compiler) CompileAsyncResolver(wire []byte, r Resolver) {
	j := newJob(c, r)
	if !c.addJob(j) {
		r.OnCompilationFailed(ErrClosed)
		return
	}
	j.startBatch(wire)
}

// CompileStreaming starts a streaming compilation. Wire bytes are fed
// through the returned sink; the Future resolves when the stream
// finishes (or fails, or is aborted).
func (c *Compiler) CompileStreaming() (*StreamSink, *Future) {
	f := newFuture()
	return c.CompileStreamingResolver(f), f
}

// CompileStreamingResolver is CompileStreaming with a caller-supplied
// Resolver.
func (c *Compiler) CompileStreamingResolver(r Resolver) *StreamSink {
	j := newJob(c, r)
	sink := newStreamSink(j)
	if !c.addJob(j) {
		sink.closed = true
		j.streamProc.jobGone()
		r.OnCompilationFailed(ErrClosed)
		return sink
	}
	return sink
}

func (c *Compiler) addJob(j *Job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.jobs[j] = struct{}{}
	return true
}

// removeJob drops the job from the registry. Idempotent.
func (c *Compiler) removeJob(_ exec.Token, j *Job) {
	c.mu.Lock()
	delete(c.jobs, j)
	c.mu.Unlock()
}

// Close aborts all in-flight compilations and stops the compiler's
// goroutines. Modules already handed out stay usable; their Close is
// the caller's job. Must not be called from a Resolver or Events
// callback.
func (c *Compiler) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	jobs := make([]*Job, 0, len(c.jobs))
	for j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	c.platform.Foreground().Call(func(tok exec.Token) {
		for _, j := range jobs {
			j.close(tok)
		}
	})
	c.platform.Close()
}
