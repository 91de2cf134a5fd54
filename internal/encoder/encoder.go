package encoder

import (
	"time"

	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
)

// OutputKind tells what a drain call produced.
type OutputKind int

const (
	OutputNone OutputKind = iota
	OutputData
	OutputFormatChanged
	OutputEndOfStream
)

func (k OutputKind) String() string {
	switch k {
	case OutputNone:
		return "none"
	case OutputData:
		return "data"
	case OutputFormatChanged:
		return "format-changed"
	case OutputEndOfStream:
		return "end-of-stream"
	default:
		return "unknown"
	}
}

// Output is one result of Encoder.DrainOutput. Data is only valid until the
// next call; consumers copy it.
type Output struct {
	Kind   OutputKind
	Data   []byte
	PTS    int64 // microseconds
	Flags  media.SampleFlags
	Format media.Format
}

// Encoder is a frame encoder driven by a stream gate. SubmitInput returns
// media.ErrNoBufferAvailable when the encoder cannot take input right now;
// any other error is fatal for the gate. DrainOutput waits at most timeout
// and returns an Output of kind OutputNone when nothing is ready.
type Encoder interface {
	Configure(format media.Format) error
	Start() error
	SubmitInput(frame media.RawFrame, ptsUs int64) error
	SignalEndOfInput() error
	DrainOutput(timeout time.Duration) (Output, error)
	Stop() error
	Release() error
}
