package compile

import "github.com/wippyai/wasm-compiler/codegen"

// Mode selects between single-tier and two-tier compilation.
type Mode uint8

const (
	// ModeRegular compiles every function once, at the baseline tier.
	ModeRegular Mode = iota
	// ModeTiering compiles every function twice: baseline first for
	// fast startup, optimized afterwards.
	ModeTiering
)

// Event is a compilation lifecycle event. Events fire on the foreground
// thread, each at most once per module, in a fixed order:
// EventBaselineFinished always precedes EventTopTierFinished, and in
// single-tier mode the two fire back to back.
type Event uint8

const (
	EventBaselineFinished Event = iota
	EventTopTierFinished
	EventFailed
)

func (e Event) String() string {
	switch e {
	case EventBaselineFinished:
		return "baseline-finished"
	case EventTopTierFinished:
		return "top-tier-finished"
	case EventFailed:
		return "failed"
	}
	return "event(?)"
}

// unit is one (function, tier) compilation request. It is created by a
// unitBuilder, executed exactly once by a worker, and carries its
// artifact from execution to retirement.
type unit struct {
	index    uint32
	tier     codegen.Tier
	artifact *codegen.Artifact
}

// unitBuilder batches baseline/tiering unit pairs per function before
// committing them into the scheduler in one critical section.
type unitBuilder struct {
	m        *Module
	baseline []unit
	tiering  []unit
}

func newUnitBuilder(m *Module) *unitBuilder {
	return &unitBuilder{m: m}
}

func (b *unitBuilder) addUnit(funcIndex uint32) {
	switch b.m.state.mode {
	case ModeTiering:
		b.tiering = append(b.tiering, unit{index: funcIndex, tier: codegen.TierOptimized})
		b.baseline = append(b.baseline, unit{index: funcIndex, tier: codegen.TierBaseline})
	case ModeRegular:
		b.baseline = append(b.baseline, unit{index: funcIndex, tier: codegen.TierBaseline})
	}
}

// commit moves the batched units into the scheduler's pending queues,
// kicking off background compilation. It reports whether anything was
// committed.
func (b *unitBuilder) commit() bool {
	if len(b.baseline) == 0 && len(b.tiering) == 0 {
		return false
	}
	b.m.state.addUnits(b.baseline, b.tiering)
	b.clear()
	return true
}

func (b *unitBuilder) clear() {
	b.baseline = nil
	b.tiering = nil
}
