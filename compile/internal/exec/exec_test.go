package exec_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/wippyai/wasm-compiler/compile/internal/exec"
)

func TestRunnerOrder(t *testing.T) {
	r := exec.NewRunner()
	var got []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		r.Post(func(exec.Token) {
			got = append(got, i)
			if i == 9 {
				close(done)
			}
		})
	}
	<-done
	r.Close()
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestRunnerCall(t *testing.T) {
	r := exec.NewRunner()
	defer r.Close()
	ran := false
	r.Call(func(exec.Token) {
		ran = true
	})
	if !ran {
		t.Fatal("Call returned before the task ran")
	}
}

func TestRunnerCloseDrains(t *testing.T) {
	r := exec.NewRunner()
	var n atomic.Int32
	for i := 0; i < 100; i++ {
		r.Post(func(exec.Token) { n.Add(1) })
	}
	r.Close()
	if got := n.Load(); got != 100 {
		t.Fatalf("%d of 100 tasks ran before close", got)
	}
	// Posts after close are dropped, not queued.
	r.Post(func(exec.Token) { n.Add(1) })
	if got := n.Load(); got != 100 {
		t.Fatalf("task posted after close ran (%d)", got)
	}
}

func TestTaskManagerCancel(t *testing.T) {
	var m exec.TaskManager
	if !m.TryStart() {
		t.Fatal("fresh manager rejected a task")
	}

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		close(started)
		<-release
		m.Done()
	}()
	<-started

	waited := make(chan struct{})
	go func() {
		m.CancelAndWait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("CancelAndWait returned with a task still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("CancelAndWait never returned")
	}

	if m.TryStart() {
		t.Fatal("canceled manager accepted a task")
	}
	if !m.Canceled() {
		t.Fatal("Canceled() false after CancelAndWait")
	}
	// Safe to call again.
	m.CancelAndWait()
}

func TestPlatformWorkers(t *testing.T) {
	p := exec.NewPlatform(4)
	defer p.Close()
	if p.Workers() != 4 {
		t.Fatalf("Workers() = %d", p.Workers())
	}
	done := make(chan struct{})
	p.SpawnBackground(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background task never ran")
	}
}

// Without workers, background tasks run on the foreground queue in
// post order, which makes scheduling deterministic.
func TestPlatformZeroWorkersForegroundFallback(t *testing.T) {
	p := exec.NewPlatform(0)
	var got []string
	p.Foreground().Post(func(exec.Token) { got = append(got, "fg1") })
	p.SpawnBackground(func() { got = append(got, "bg") })
	p.Foreground().Post(func(exec.Token) { got = append(got, "fg2") })
	p.Close()
	want := []string{"fg1", "bg", "fg2"}
	if len(got) != len(want) {
		t.Fatalf("ran %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ran %v, want %v", got, want)
		}
	}
}

func TestPlatformNegativeWorkersClamped(t *testing.T) {
	p := exec.NewPlatform(-3)
	defer p.Close()
	if p.Workers() != 0 {
		t.Fatalf("Workers() = %d, want 0", p.Workers())
	}
}

func TestPlatformNowMonotonic(t *testing.T) {
	p := exec.NewPlatform(0)
	defer p.Close()
	a := p.Now()
	time.Sleep(time.Millisecond)
	b := p.Now()
	if b <= a {
		t.Fatalf("Now went backwards: %v then %v", a, b)
	}
}
