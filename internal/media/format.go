package media

import (
	"bytes"
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// Quality selects a bitrate level for the video encoder.
type Quality int

const (
	QualityLow Quality = iota
	QualityMiddle
	QualityHigh
)

func (q Quality) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMiddle:
		return "middle"
	case QualityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseQuality maps a config string to a Quality, defaulting to middle.
func ParseQuality(s string) Quality {
	switch s {
	case "low":
		return QualityLow
	case "high":
		return QualityHigh
	default:
		return QualityMiddle
	}
}

// Format describes an encoded stream. Encoders receive it on Configure and
// report the negotiated one through a format change.
type Format struct {
	Track    TrackID
	MimeType string

	// Video
	Width      int
	Height     int
	FPS        int
	BitrateBps int
	SPS        []byte // without start code
	PPS        []byte // without start code

	// Audio
	SampleRate  int
	Channels    int
	AudioConfig *mpeg4audio.AudioSpecificConfig
}

const (
	MimeH264 = "video/avc"
	MimeAAC  = "audio/mp4a-latm"
)

// Equal reports whether two formats describe the same stream parameters.
func (f Format) Equal(o Format) bool {
	if f.Track != o.Track || f.MimeType != o.MimeType ||
		f.Width != o.Width || f.Height != o.Height ||
		f.SampleRate != o.SampleRate || f.Channels != o.Channels {
		return false
	}
	if !bytes.Equal(f.SPS, o.SPS) || !bytes.Equal(f.PPS, o.PPS) {
		return false
	}
	if (f.AudioConfig == nil) != (o.AudioConfig == nil) {
		return false
	}
	if f.AudioConfig != nil {
		a, b := f.AudioConfig, o.AudioConfig
		if a.Type != b.Type || a.SampleRate != b.SampleRate || a.ChannelCount != b.ChannelCount {
			return false
		}
	}
	return true
}

// VideoBitrate reproduces the bitrate table used for hardware encoders:
// a base of w*h*20*2*0.07 scaled by a factor that depends on the
// resolution class and the requested quality.
func VideoBitrate(width, height int, q Quality) int {
	bitrate := float64(width) * float64(height) * 20 * 2 * 0.07
	var factors [3]float64
	switch {
	case width >= 1920 || height >= 1920:
		factors = [3]float64{0.75, 1.1, 1.5}
	case width >= 1280 || height >= 1280:
		factors = [3]float64{1.0, 1.4, 1.9}
	case width >= 640 || height >= 640:
		factors = [3]float64{1.4, 2.1, 3}
	default:
		return int(math.Round(bitrate))
	}
	if q < QualityLow || q > QualityHigh {
		q = QualityMiddle
	}
	return int(math.Round(bitrate * factors[q]))
}
