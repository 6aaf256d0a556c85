package compile_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/wippyai/wasm-compiler/compile"
)

func streamCompile(t *testing.T, c *compile.Compiler, wire []byte, chunk int) (*compile.Module, error) {
	t.Helper()
	sink, f := c.CompileStreaming()
	for off := 0; off < len(wire); off += chunk {
		end := off + chunk
		if end > len(wire) {
			end = len(wire)
		}
		sink.Write(wire[off:end])
	}
	sink.Finish()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

// A module streamed in arbitrarily small chunks compiles to exactly
// the same artifacts as the same bytes compiled in one piece.
func TestStreamingMatchesBatch(t *testing.T) {
	wire := buildWire(6, badFunc)
	for _, workers := range []int{0, -1} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			c := compile.New(compile.Options{Workers: workers})
			defer c.Close()

			batch, err := c.Compile(wire)
			if err != nil {
				t.Fatal(err)
			}
			defer batch.Close()

			for _, chunk := range []int{1, 9, len(wire)} {
				streamed, err := streamCompile(t, c, wire, chunk)
				if err != nil {
					t.Fatalf("chunk=%d: %v", chunk, err)
				}
				checkComplete(t, streamed, 6)
				for i := uint32(0); i < 6; i++ {
					if !bytes.Equal(streamed.Code(i).Code, batch.Code(i).Code) {
						t.Errorf("chunk=%d: function %d code differs from batch", chunk, i)
					}
				}
				if !bytes.Equal(streamed.WireBytes(), wire) {
					t.Errorf("chunk=%d: wire bytes differ", chunk)
				}
				streamed.Close()
			}
		})
	}
}

func TestStreamingEmptyModule(t *testing.T) {
	c := compile.New(compile.Options{})
	defer c.Close()
	m, err := streamCompile(t, c, header, 1)
	if err != nil {
		t.Fatalf("streaming empty module: %v", err)
	}
	defer m.Close()
	if got := m.Descriptor().NumDeclaredFuncs(); got != 0 {
		t.Errorf("%d declared functions", got)
	}
}

func TestStreamingDecodeError(t *testing.T) {
	// Function section before type section.
	wire := cat(
		header,
		sec(3, []byte{0x01, 0x00}),
		sec(1, []byte{0x01, 0x60, 0x00, 0x01, 0x7F}),
	)
	c := compile.New(compile.Options{})
	defer c.Close()
	_, err := streamCompile(t, c, wire, 4)
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *compile.Error
	if !errors.As(err, &ce) || ce.Kind != compile.KindDecode {
		t.Errorf("got %v, want KindDecode", err)
	}
}

func TestStreamingCompileError(t *testing.T) {
	c := compile.New(compile.Options{})
	defer c.Close()
	_, err := streamCompile(t, c, buildWire(6, 4), 3)
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *compile.Error
	if !errors.As(err, &ce) {
		t.Fatalf("error type %T", err)
	}
	if ce.Kind != compile.KindCompile || ce.FuncIndex != 4 {
		t.Errorf("got kind %v index %d, want KindCompile index 4", ce.Kind, ce.FuncIndex)
	}
}

func TestStreamingTruncated(t *testing.T) {
	wire := buildWire(3, badFunc)
	c := compile.New(compile.Options{})
	defer c.Close()
	sink, f := c.CompileStreaming()
	sink.Write(wire[:len(wire)-2])
	sink.Finish()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *compile.Error
	if !errors.As(err, &ce) || ce.Kind != compile.KindDecode {
		t.Errorf("got %v, want KindDecode", err)
	}
}

func TestStreamingAbort(t *testing.T) {
	wire := buildWire(8, badFunc)
	c := compile.New(compile.Options{})
	defer c.Close()
	sink, f := c.CompileStreaming()
	sink.Write(wire[:len(wire)/2])
	sink.Abort()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *compile.Error
	if !errors.As(err, &ce) || ce.Kind != compile.KindAbort {
		t.Fatalf("got %v, want KindAbort", err)
	}
	if !strings.Contains(err.Error(), "compilation aborted") {
		t.Errorf("message %q", err)
	}
	// The sink ignores everything after an abort.
	sink.Write(wire[len(wire)/2:])
	sink.Finish()
}

func TestStreamingTiering(t *testing.T) {
	events := make(chan compile.Event, 16)
	c := compile.New(compile.Options{
		Tiering: true,
		Events:  func(e compile.Event) { events <- e },
	})
	defer c.Close()
	m, err := streamCompile(t, c, buildWire(5, badFunc), 7)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	checkComplete(t, m, 5)

	deadline := time.After(10 * time.Second)
	var got []compile.Event
	for {
		select {
		case e := <-events:
			got = append(got, e)
			if e == compile.EventTopTierFinished {
				if got[0] != compile.EventBaselineFinished {
					t.Fatalf("events %v", got)
				}
				return
			}
			if e == compile.EventFailed {
				t.Fatalf("unexpected failure event; events %v", got)
			}
		case <-deadline:
			t.Fatalf("top tier never finished; events %v", got)
		}
	}
}

func TestCompilerCloseMidStream(t *testing.T) {
	wire := buildWire(8, badFunc)
	c := compile.New(compile.Options{})
	sink, _ := c.CompileStreaming()
	sink.Write(wire[:len(wire)/2])

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close deadlocked with a stream in flight")
	}
	// Sink calls against the closed compiler are no-ops.
	sink.Write(wire[len(wire)/2:])
	sink.Finish()
}
