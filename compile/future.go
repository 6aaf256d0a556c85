package compile

import (
	"context"
	"sync"
)

// Future is the default Resolver: it captures the outcome and lets the
// caller wait for it.
type Future struct {
	once   sync.Once
	done   chan struct{}
	module *Module
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// OnCompilationSucceeded implements Resolver.
func (f *Future) OnCompilationSucceeded(m *Module) {
	f.once.Do(func() {
		f.module = m
		close(f.done)
	})
}

// OnCompilationFailed implements Resolver.
func (f *Future) OnCompilationFailed(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks for the outcome or the context.
func (f *Future) Wait(ctx context.Context) (*Module, error) {
	select {
	case <-f.done:
		return f.module, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
