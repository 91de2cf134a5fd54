package media

import "fmt"

// TrackID identifies one of the media streams a recording is made of.
type TrackID int

const (
	TrackVideo TrackID = iota
	TrackAudio
)

// AllTracks lists every track the start gate waits for.
var AllTracks = []TrackID{TrackVideo, TrackAudio}

func (t TrackID) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return fmt.Sprintf("track(%d)", int(t))
	}
}

// SampleFlags describes an encoded unit.
type SampleFlags uint8

const (
	FlagKeyFrame SampleFlags = 1 << iota
	FlagConfig
)

// Has reports whether all bits of f are set.
func (s SampleFlags) Has(f SampleFlags) bool {
	return s&f == f
}

// EncodedSample is a single encoded unit on its way from a stream gate to
// the container writer. It is not modified after construction.
type EncodedSample struct {
	Track   TrackID
	Payload []byte
	Offset  uint32
	Size    uint32
	PTS     int64 // Presentation timestamp in microseconds
	Flags   SampleFlags
}

// NewEncodedSample copies data so the sample does not alias encoder memory
// that is handed back to the encoder after the call.
func NewEncodedSample(track TrackID, data []byte, pts int64, flags SampleFlags) EncodedSample {
	payload := make([]byte, len(data))
	copy(payload, data)
	return EncodedSample{
		Track:   track,
		Payload: payload,
		Offset:  0,
		Size:    uint32(len(payload)),
		PTS:     pts,
		Flags:   flags,
	}
}

// Data returns the valid region of the payload.
func (s EncodedSample) Data() []byte {
	end := uint64(s.Offset) + uint64(s.Size)
	if end > uint64(len(s.Payload)) {
		return nil
	}
	return s.Payload[s.Offset:end]
}

// IsKeyFrame reports whether the sample is independently decodable.
func (s EncodedSample) IsKeyFrame() bool {
	return s.Flags.Has(FlagKeyFrame)
}

// RawFrame is an unencoded unit delivered by a capture source.
type RawFrame struct {
	Track TrackID
	Data  []byte
}
