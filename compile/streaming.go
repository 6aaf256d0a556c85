package compile

import (
	"github.com/wippyai/wasm-compiler/compile/internal/exec"
	"github.com/wippyai/wasm-compiler/wasm"
)

// StreamSink feeds wire bytes of one module into a streaming
// compilation as they arrive from the network. All methods hand their
// work to the compiler's foreground goroutine and wait for it, so a
// slow compiler back-pressures the producer. Not safe for concurrent
// use by multiple goroutines.
type StreamSink struct {
	j      *Job
	proc   *streamingProcessor
	closed bool
}

func newStreamSink(j *Job) *StreamSink {
	p := &streamingProcessor{job: j, dec: wasm.NewDecoder()}
	p.sdec = wasm.NewStreamDecoder(p)
	j.streamProc = p
	return &StreamSink{j: j, proc: p}
}

// Write delivers the next chunk of the module byte stream. The chunk is
// copied; the caller may reuse the slice.
func (s *StreamSink) Write(chunk []byte) {
	if s.closed {
		return
	}
	data := append([]byte(nil), chunk...)
	s.call(func(tok exec.Token) {
		s.proc.sdec.OnBytesReceived(data)
	})
}

// Finish signals a clean end of stream. No more calls may follow.
func (s *StreamSink) Finish() {
	if s.closed {
		return
	}
	s.closed = true
	s.call(func(tok exec.Token) {
		s.proc.sdec.Finish()
	})
}

// Abort abandons the stream. The resolver is notified with an abort
// error. No more calls may follow.
func (s *StreamSink) Abort() {
	if s.closed {
		return
	}
	s.closed = true
	s.call(func(tok exec.Token) {
		s.proc.sdec.Abort()
	})
}

// SetCompiledBytes supplies previously serialized code for the module
// being streamed. If the serialized code matches the wire bytes the
// compilation is skipped entirely and the module is rebuilt from it;
// on any mismatch the stream falls back to a full compile.
func (s *StreamSink) SetCompiledBytes(compiled []byte) {
	if s.closed {
		return
	}
	data := append([]byte(nil), compiled...)
	s.call(func(exec.Token) {
		s.proc.compiled = data
	})
}

func (s *StreamSink) call(f func(exec.Token)) {
	s.j.c.platform.Foreground().Call(func(tok exec.Token) {
		if s.proc.job == nil {
			return
		}
		s.proc.tok = tok
		f(tok)
	})
}

// streamingProcessor wires the stream decoder into the compilation
// job: it accumulates descriptor state section by section, starts the
// module as soon as the code section header arrives and commits a
// batch of compilation units at every chunk boundary.
type streamingProcessor struct {
	job  *Job
	dec  *wasm.Decoder
	sdec *wasm.StreamDecoder

	// tok is the foreground token of the sink call currently driving
	// the decoder. Processor callbacks only ever run inside one.
	tok exec.Token

	builder  *unitBuilder
	nextFunc uint32
	compiled []byte
}

func (p *streamingProcessor) ProcessModuleHeader(header []byte) bool {
	if err := p.dec.DecodeHeader(header); err != nil {
		p.failWith(&Error{Kind: KindDecode, Err: err})
		return false
	}
	return true
}

func (p *streamingProcessor) ProcessSection(id byte, payload []byte, offset uint32) bool {
	p.commitUnits()
	if err := p.dec.DecodeSection(id, payload, offset); err != nil {
		p.failWith(&Error{Kind: KindDecode, Err: err})
		return false
	}
	return true
}

// ProcessCodeSectionHeader starts compilation: the descriptor holds
// everything compilation needs before the first body arrives.
func (p *streamingProcessor) ProcessCodeSectionHeader(count uint32, offset uint32) bool {
	if err := p.dec.CheckFunctionCount(count); err != nil {
		p.failWith(&Error{Kind: KindDecode, Err: err})
		return false
	}
	if count == 0 {
		return true
	}
	if p.compiled != nil {
		// Deserialization pending; decide at end of stream.
		return true
	}
	j := p.job
	j.doImmediately(p.tok, step{
		kind: stepPrepareAndStartCompile,
		desc: p.dec.Descriptor(),
	})
	st := j.module.state
	st.setWireBytes(p.sdec.Bytes())
	st.setExpectedFunctions(p.tok, int(count))
	// Two finishers now: the baseline event and the stream itself.
	j.finishers.Store(2)
	p.builder = newUnitBuilder(j.module)
	return true
}

func (p *streamingProcessor) ProcessFunctionBody(body []byte, offset uint32) bool {
	if err := p.dec.DecodeFunctionBody(p.nextFunc, uint32(len(body)), offset); err != nil {
		p.failWith(&Error{Kind: KindDecode, Err: err})
		return false
	}
	if p.builder != nil {
		p.builder.addUnit(p.dec.Descriptor().NumImportedFuncs + p.nextFunc)
	}
	p.nextFunc++
	return true
}

// commitUnits publishes the bodies decoded since the last commit. The
// wire snapshot is refreshed first so every published unit can see its
// own body bytes.
func (p *streamingProcessor) commitUnits() {
	if p.builder == nil {
		return
	}
	p.job.module.state.setWireBytes(p.sdec.Bytes())
	p.builder.commit()
}

func (p *streamingProcessor) OnFinishedChunk() {
	p.commitUnits()
}

func (p *streamingProcessor) OnFinishedStream(bytes []byte) {
	j := p.job
	desc, err := p.dec.Finish()
	if err != nil {
		p.failWith(&Error{Kind: KindDecode, Err: err})
		return
	}

	if p.compiled != nil {
		if m, ok := deserializeModule(j.c, p.compiled, bytes, desc); ok {
			j.module = m
			j.wire = bytes
			j.finishCompile(p.tok, false)
			return
		}
		// Serialized code did not match; compile from scratch.
		j.wire = bytes
		j.doImmediately(p.tok, step{
			kind:             stepPrepareAndStartCompile,
			desc:             desc,
			startCompilation: true,
		})
		return
	}

	needsFinish := j.finishers.Add(-1) == 0
	if j.module == nil {
		// No declared functions; the module was never started.
		j.wire = bytes
		j.doImmediately(p.tok, step{
			kind:             stepPrepareAndStartCompile,
			desc:             desc,
			startCompilation: true,
		})
		return
	}
	j.wire = bytes
	j.module.state.setWireBytes(bytes)
	if needsFinish {
		j.finishCompile(p.tok, true)
	}
}

func (p *streamingProcessor) OnError(err error) {
	p.failWith(&Error{Kind: KindDecode, Err: err})
}

func (p *streamingProcessor) OnAbort() {
	p.failWith(&Error{Kind: KindAbort, Err: errAborted})
}

// failWith stops whatever compilation is running and fails the job
// with e.
func (p *streamingProcessor) failWith(e *Error) {
	j := p.job
	if j.module != nil {
		j.module.state.abort()
		p.builder = nil
	}
	j.doSync(step{kind: stepDecodeFail, err: e})
}

// jobGone detaches the processor when the job is closed; later sink
// calls become no-ops.
func (p *streamingProcessor) jobGone() {
	p.job = nil
}
