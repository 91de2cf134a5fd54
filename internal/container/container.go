// Package container writes encoded samples into MP4 and WebM files.
package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/muxer"
)

// Kind selects the file format.
type Kind string

const (
	KindAuto Kind = ""
	KindMP4  Kind = "mp4"
	KindWebM Kind = "webm"
)

// ParseKind accepts "mp4", "webm" or "" (pick from the file extension).
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindAuto, KindMP4, KindWebM:
		return k, nil
	default:
		return "", fmt.Errorf("unknown container format %q", s)
	}
}

// KindFor resolves KindAuto from the extension of path. Unknown extensions
// default to MP4.
func KindFor(kind Kind, path string) Kind {
	if kind != KindAuto {
		return kind
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webm", ".mkv":
		return KindWebM
	default:
		return KindMP4
	}
}

// Options tune the container writers.
type Options struct {
	// FragmentDuration is the minimum span of an MP4 fragment. Fragments
	// are cut on video key frames.
	FragmentDuration time.Duration
}

// DefaultFragmentDuration is used when Options.FragmentDuration is zero.
const DefaultFragmentDuration = 2 * time.Second

// New creates the output file and returns a container for it.
func New(kind Kind, path string, opts Options) (muxer.Container, error) {
	if opts.FragmentDuration <= 0 {
		opts.FragmentDuration = DefaultFragmentDuration
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &media.InitializationError{Component: "container", Err: err}
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, &media.InitializationError{Component: "container", Err: err}
	}

	switch KindFor(kind, path) {
	case KindWebM:
		return newWebMFile(f, path), nil
	default:
		return newMP4File(f, path, opts.FragmentDuration), nil
	}
}

type fileState int

const (
	fileIdle fileState = iota
	fileStarted
	fileStopped
	fileReleased
)

// timeline maps encoder timestamps onto the file timeline. The first
// written sample of any track is time zero.
type timeline struct {
	origin int64
	set    bool
}

func (t *timeline) relative(ptsUs int64) int64 {
	if !t.set {
		t.origin = ptsUs
		t.set = true
	}
	if d := ptsUs - t.origin; d > 0 {
		return d
	}
	return 0
}

// scaleTimestampToTimescale converts a timestamp expressed in microseconds
// into the given track timescale units.
func scaleTimestampToTimescale(timestampUs int64, timeScale uint32) int64 {
	if timestampUs <= 0 {
		return 0
	}
	return (timestampUs * int64(timeScale)) / 1_000_000
}

// stripADTSHeader removes the ADTS header if present and returns the raw AAC payload.
func stripADTSHeader(data []byte) []byte {
	if len(data) < 7 {
		return data
	}
	if data[0] == 0xFF && (data[1]&0xF0) == 0xF0 {
		headerLen := 7
		if (data[1] & 0x01) == 0 { // CRC present
			headerLen = 9
		}
		if len(data) > headerLen {
			return data[headerLen:]
		}
	}
	return data
}

// audioConfig returns the AudioSpecificConfig of an audio format, building
// an AAC-LC one from the sample rate and channel count when the encoder did
// not supply it.
func audioConfig(f media.Format) (*mpeg4audio.AudioSpecificConfig, error) {
	if f.AudioConfig != nil {
		return f.AudioConfig, nil
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("audio format needs sample rate and channels (got %d Hz, %d ch)", f.SampleRate, f.Channels)
	}
	return &mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
	}, nil
}

func frameRate(f media.Format) int {
	if f.FPS > 0 {
		return f.FPS
	}
	return 30
}
