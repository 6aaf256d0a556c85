package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-compiler/internal/binary"
)

// ErrStreamTruncated is reported when the stream ends inside a section.
var ErrStreamTruncated = errors.New("wasm: unexpected end of stream")

// StreamProcessor receives module structure as a StreamDecoder uncovers
// it. A false return from a Process method stops the decoder; the
// processor is expected to have reported the problem itself. Decoder-
// detected corruption is delivered through OnError instead.
//
// The code section is special-cased: the processor sees its header as
// soon as the function count is available and then each body as it
// completes, so compilation can start before the section has fully
// arrived.
type StreamProcessor interface {
	ProcessModuleHeader(header []byte) bool
	ProcessSection(id byte, payload []byte, offset uint32) bool
	ProcessCodeSectionHeader(count uint32, offset uint32) bool
	ProcessFunctionBody(body []byte, offset uint32) bool

	// OnFinishedChunk is called once per delivered chunk, after all
	// complete items in it have been processed.
	OnFinishedChunk()
	// OnFinishedStream is called on a clean end of stream with the
	// complete wire bytes.
	OnFinishedStream(bytes []byte)
	// OnError is called when the decoder itself detects malformed input.
	OnError(err error)
	// OnAbort is called when the producer abandons the stream.
	OnAbort()
}

type streamState uint8

const (
	stHeader streamState = iota
	stSectionID
	stSectionLen
	stSectionPayload
	stFuncCount
	stBodyLen
	stBodyBytes
)

// StreamDecoder splits an incrementally delivered module byte stream
// into header, sections and individual function bodies, forwarding each
// to a StreamProcessor. All delivered bytes are retained; slices handed
// to the processor alias that buffer and stay valid for the lifetime of
// the stream (the buffer is append-only).
type StreamDecoder struct {
	p    StreamProcessor
	full []byte
	pos  uint32

	state      streamState
	secID      byte
	secLen     uint32
	codeEnd    uint32
	bodiesLeft uint32
	bodyLen    uint32

	failed   bool
	finished bool
}

// NewStreamDecoder creates a StreamDecoder feeding p.
func NewStreamDecoder(p StreamProcessor) *StreamDecoder {
	return &StreamDecoder{p: p}
}

// Bytes returns all bytes received so far. The slice is append-only:
// the visible prefix never changes, so snapshots taken at chunk
// boundaries remain valid while later chunks arrive.
func (s *StreamDecoder) Bytes() []byte {
	return s.full
}

// OnBytesReceived consumes one chunk of the module byte stream.
func (s *StreamDecoder) OnBytesReceived(chunk []byte) {
	if s.failed || s.finished {
		return
	}
	s.full = append(s.full, chunk...)
	for s.step() {
	}
	if !s.failed {
		s.p.OnFinishedChunk()
	}
}

// Finish signals a clean end of stream.
func (s *StreamDecoder) Finish() {
	if s.failed || s.finished {
		return
	}
	s.finished = true
	if s.state != stSectionID && !(s.state == stHeader && len(s.full) == 0) {
		s.fail(ErrStreamTruncated)
		return
	}
	if s.state == stHeader {
		s.fail(errors.New("wasm: empty module stream"))
		return
	}
	s.p.OnFinishedStream(s.full)
}

// Abort abandons the stream without error reporting.
func (s *StreamDecoder) Abort() {
	if s.failed || s.finished {
		return
	}
	s.failed = true
	s.p.OnAbort()
}

func (s *StreamDecoder) fail(err error) {
	s.failed = true
	s.p.OnError(err)
}

func (s *StreamDecoder) avail() uint32 {
	return uint32(len(s.full)) - s.pos
}

// step processes one item if enough bytes are buffered. It returns
// false when the decoder must wait for more input (or has failed).
func (s *StreamDecoder) step() bool {
	if s.failed {
		return false
	}
	switch s.state {
	case stHeader:
		if s.avail() < HeaderSize {
			return false
		}
		header := s.full[:HeaderSize]
		s.pos = HeaderSize
		s.state = stSectionID
		return s.forward(s.p.ProcessModuleHeader(header))

	case stSectionID:
		if s.avail() == 0 {
			return false
		}
		s.secID = s.full[s.pos]
		s.pos++
		s.state = stSectionLen
		return true

	case stSectionLen:
		v, n, err := binary.TryUvarint32(s.full[s.pos:])
		if err != nil {
			s.fail(fmt.Errorf("wasm: section size: %w", err))
			return false
		}
		if n == 0 {
			return false
		}
		s.pos += uint32(n)
		s.secLen = v
		if s.secID == SectionCode {
			s.codeEnd = s.pos + s.secLen
			s.state = stFuncCount
		} else {
			s.state = stSectionPayload
		}
		return true

	case stSectionPayload:
		if s.avail() < s.secLen {
			return false
		}
		payload := s.full[s.pos : s.pos+s.secLen]
		offset := s.pos
		s.pos += s.secLen
		s.state = stSectionID
		return s.forward(s.p.ProcessSection(s.secID, payload, offset))

	case stFuncCount:
		v, n, err := binary.TryUvarint32(s.full[s.pos:])
		if err != nil {
			s.fail(fmt.Errorf("wasm: code section count: %w", err))
			return false
		}
		if n == 0 {
			return false
		}
		offset := s.pos
		s.pos += uint32(n)
		s.bodiesLeft = v
		if v == 0 {
			if s.pos != s.codeEnd {
				s.fail(errors.New("wasm: trailing bytes in code section"))
				return false
			}
			s.state = stSectionID
		} else {
			s.state = stBodyLen
		}
		return s.forward(s.p.ProcessCodeSectionHeader(v, offset))

	case stBodyLen:
		v, n, err := binary.TryUvarint32(s.full[s.pos:])
		if err != nil {
			s.fail(fmt.Errorf("wasm: function body size: %w", err))
			return false
		}
		if n == 0 {
			return false
		}
		s.pos += uint32(n)
		s.bodyLen = v
		if s.pos+s.bodyLen > s.codeEnd {
			s.fail(errors.New("wasm: function body extends past code section"))
			return false
		}
		s.state = stBodyBytes
		return true

	case stBodyBytes:
		if s.avail() < s.bodyLen {
			return false
		}
		body := s.full[s.pos : s.pos+s.bodyLen]
		offset := s.pos
		s.pos += s.bodyLen
		s.bodiesLeft--
		if s.bodiesLeft == 0 {
			if s.pos != s.codeEnd {
				s.fail(errors.New("wasm: trailing bytes in code section"))
				return false
			}
			s.state = stSectionID
		} else {
			s.state = stBodyLen
		}
		return s.forward(s.p.ProcessFunctionBody(body, offset))
	}
	return false
}

func (s *StreamDecoder) forward(ok bool) bool {
	if !ok {
		s.failed = true
	}
	return ok
}
