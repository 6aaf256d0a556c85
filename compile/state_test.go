package compile

import (
	"fmt"
	"testing"

	"github.com/wippyai/wasm-compiler/compile/internal/exec"
	"github.com/wippyai/wasm-compiler/wasm"
)

// abortWire assembles a module with n declared ()->i32 functions.
// n must stay small enough for single-byte section sizes.
func abortWire(n int) []byte {
	wire := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	wire = append(wire, 0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7F)
	wire = append(wire, 0x03, byte(1+n), byte(n))
	for i := 0; i < n; i++ {
		wire = append(wire, 0x00)
	}
	wire = append(wire, 0x0A, byte(1+5*n), byte(n))
	for i := 0; i < n; i++ {
		wire = append(wire, 0x04, 0x00, 0x41, byte(i), 0x0B)
	}
	return wire
}

// Aborting a module with workers in flight must give every background
// task slot back, and admission must refuse new work afterwards even
// though pending units remain queued.
func TestAbortReleasesTaskSlots(t *testing.T) {
	wire := abortWire(16)
	desc, err := wasm.DecodeModule(wire)
	if err != nil {
		t.Fatal(err)
	}
	for _, workers := range []int{4, 1, -1} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			c := New(Options{Workers: workers})
			defer c.Close()

			for round := 0; round < 10; round++ {
				m := newModule(c, desc)
				st := m.state
				st.setWireBytes(wire)
				b := newUnitBuilder(m)
				c.platform.Foreground().Call(func(tok exec.Token) {
					st.setExpectedFunctions(tok, int(desc.NumDeclaredFuncs()))
					for i := desc.NumImportedFuncs; i < uint32(len(desc.Funcs)); i++ {
						b.addUnit(i)
					}
				})
				b.commit()

				st.abort()
				st.cancelAndWait()
				// Deterministic mode parks its tasks on the foreground
				// queue; drain it so run-time slot refunds have landed.
				c.platform.Foreground().Call(func(exec.Token) {})

				st.mu.Lock()
				n := st.numTasks
				pending := len(st.pendingBaseline) + len(st.pendingTiering)
				st.mu.Unlock()
				if n != 0 {
					t.Fatalf("round %d: %d task slots still held after abort", round, n)
				}

				st.restartBackgroundTasks()
				st.mu.Lock()
				n = st.numTasks
				st.mu.Unlock()
				if n != 0 {
					t.Fatalf("round %d: admission spawned %d tasks after abort (%d pending)", round, n, pending)
				}
			}
		})
	}
}
