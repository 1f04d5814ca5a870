package canonical

import "io"

// DeltaKind discriminates streaming deltas.
type DeltaKind int

const (
	DeltaText DeltaKind = iota
	DeltaReasoning
	DeltaToolCallStart
	DeltaToolCallArgs
	DeltaImage
	DeltaUsage
	DeltaFinish
	DeltaError
)

// Delta is one canonical streaming event. Translators emit these; the
// dispatcher re-frames them as OpenAI chunks.
type Delta struct {
	Kind DeltaKind

	Text string // DeltaText, DeltaReasoning

	// Tool call cursor. Index identifies the call across start/args deltas.
	ToolIndex int
	ToolID    string
	ToolName  string
	ToolArgs  string

	ImageDataURL string

	Usage *Usage

	// FinishReason carries a provider-side override such as "length".
	FinishReason string

	Err error // DeltaError
}

// DeltaStream is a finite, non-restartable sequence of deltas. Next returns
// io.EOF after the last delta. Consumers stop iterating to cancel; Close
// releases the underlying connection and is safe to call more than once.
type DeltaStream interface {
	Next() (*Delta, error)
	Close() error
}

// Delta constructors used by the translators.

func TextDelta(s string) *Delta      { return &Delta{Kind: DeltaText, Text: s} }
func ReasoningDelta(s string) *Delta { return &Delta{Kind: DeltaReasoning, Text: s} }

func ToolCallStart(index int, id, name string) *Delta {
	return &Delta{Kind: DeltaToolCallStart, ToolIndex: index, ToolID: id, ToolName: name}
}

func ToolCallArgs(index int, args string) *Delta {
	return &Delta{Kind: DeltaToolCallArgs, ToolIndex: index, ToolArgs: args}
}

func ImageDelta(dataURL string) *Delta { return &Delta{Kind: DeltaImage, ImageDataURL: dataURL} }
func UsageDelta(u Usage) *Delta        { return &Delta{Kind: DeltaUsage, Usage: &u} }
func FinishDelta(reason string) *Delta { return &Delta{Kind: DeltaFinish, FinishReason: reason} }
func ErrorDelta(err error) *Delta      { return &Delta{Kind: DeltaError, Err: err} }

// sliceStream replays a fixed delta slice. Used by translators that buffer
// and by tests.
type sliceStream struct {
	deltas []*Delta
	pos    int
}

// NewSliceStream wraps a fixed set of deltas as a DeltaStream.
func NewSliceStream(deltas ...*Delta) DeltaStream {
	return &sliceStream{deltas: deltas}
}

func (s *sliceStream) Next() (*Delta, error) {
	if s.pos >= len(s.deltas) {
		return nil, io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *sliceStream) Close() error {
	s.pos = len(s.deltas)
	return nil
}

// funcStream adapts a pull function to DeltaStream.
type funcStream struct {
	next  func() (*Delta, error)
	close func() error
}

// StreamFunc builds a DeltaStream from a next function and an optional
// closer.
func StreamFunc(next func() (*Delta, error), closer func() error) DeltaStream {
	return &funcStream{next: next, close: closer}
}

func (f *funcStream) Next() (*Delta, error) { return f.next() }

func (f *funcStream) Close() error {
	if f.close == nil {
		return nil
	}
	return f.close()
}
