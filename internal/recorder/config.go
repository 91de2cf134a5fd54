package recorder

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/babelcloud/gbox/packages/avrecord/internal/container"
	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
)

// Supported video frame rates.
var FrameRatePresets = []int{20, 25, 30}

// Config describes one recording session.
type Config struct {
	OutputPath string
	Container  container.Kind

	Width   int
	Height  int
	FPS     int
	Quality media.Quality
	// BitrateBps overrides the quality table when positive.
	BitrateBps int

	SampleRate   int
	Channels     int
	AudioBitrate int

	// Recorded elementary streams the replay encoders play back.
	VideoSource string
	AudioSource string
	Loop        bool

	FragmentDuration time.Duration
	StartDelay       time.Duration
	PollTimeout      time.Duration
	MaxEmptyPolls    int
	// JoinTimeout bounds the wait for each gate during shutdown.
	JoinTimeout time.Duration

	// Manifest writes <OutputPath>.toml after a finalized session.
	Manifest bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Container:        container.KindAuto,
		Width:            1280,
		Height:           720,
		FPS:              20,
		Quality:          media.QualityMiddle,
		SampleRate:       44100,
		Channels:         2,
		AudioBitrate:     64000,
		Loop:             true,
		FragmentDuration: container.DefaultFragmentDuration,
		StartDelay:       200 * time.Millisecond,
		PollTimeout:      10 * time.Millisecond,
		MaxEmptyPolls:    10,
		JoinTimeout:      10 * time.Second,
		Manifest:         true,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.OutputPath == "" {
		return errors.New("output path is required")
	}
	if _, err := container.ParseKind(string(c.Container)); err != nil {
		return err
	}
	if c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("invalid video size %dx%d: dimensions must be positive and even", c.Width, c.Height)
	}
	if !slices.Contains(FrameRatePresets, c.FPS) {
		return fmt.Errorf("unsupported frame rate %d (supported: %v)", c.FPS, FrameRatePresets)
	}
	if c.Quality < media.QualityLow || c.Quality > media.QualityHigh {
		return fmt.Errorf("invalid quality %d", c.Quality)
	}
	if c.BitrateBps < 0 {
		return fmt.Errorf("invalid bitrate %d", c.BitrateBps)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("unsupported channel count %d", c.Channels)
	}
	if c.StartDelay < 0 || c.PollTimeout < 0 || c.JoinTimeout < 0 || c.FragmentDuration < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// VideoBitrate returns the configured bitrate, or the quality table value
// for the configured size.
func (c Config) VideoBitrate() int {
	if c.BitrateBps > 0 {
		return c.BitrateBps
	}
	return media.VideoBitrate(c.Width, c.Height, c.Quality)
}

// Format returns the format requested from the track's encoder.
func (c Config) Format(track media.TrackID) media.Format {
	if track == media.TrackVideo {
		return media.Format{
			Track:      media.TrackVideo,
			MimeType:   media.MimeH264,
			Width:      c.Width,
			Height:     c.Height,
			FPS:        c.FPS,
			BitrateBps: c.VideoBitrate(),
		}
	}
	return media.Format{
		Track:      media.TrackAudio,
		MimeType:   media.MimeAAC,
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		BitrateBps: c.AudioBitrate,
	}
}
