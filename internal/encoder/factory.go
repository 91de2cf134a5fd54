package encoder

import (
	"errors"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
)

// FactoryConfig names the recordings the replay encoders play back.
type FactoryConfig struct {
	VideoPath    string
	AudioPath    string
	Loop         bool
	OutputBuffer int
	Clock        clock.Clock
}

// Factory creates the encoder for a track.
type Factory interface {
	New(track media.TrackID) (Encoder, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(track media.TrackID) (Encoder, error)

func (f FactoryFunc) New(track media.TrackID) (Encoder, error) { return f(track) }

type replayFactory struct {
	cfg FactoryConfig
}

// NewFactory returns a factory of replay encoders.
func NewFactory(cfg FactoryConfig) Factory {
	return &replayFactory{cfg: cfg}
}

func (f *replayFactory) New(track media.TrackID) (Encoder, error) {
	opts := ReplayOptions{Loop: f.cfg.Loop, OutputBuffer: f.cfg.OutputBuffer, Clock: f.cfg.Clock}

	var (
		enc Encoder
		err error
	)
	switch track {
	case media.TrackVideo:
		if f.cfg.VideoPath == "" {
			err = errors.New("no H.264 source configured")
			break
		}
		enc, err = NewH264Replay(f.cfg.VideoPath, opts)
	case media.TrackAudio:
		if f.cfg.AudioPath == "" {
			err = errors.New("no AAC source configured")
			break
		}
		enc, err = NewADTSReplay(f.cfg.AudioPath, opts)
	default:
		err = fmt.Errorf("no encoder for %s", track)
	}
	if err != nil {
		return nil, &media.InitializationError{Component: track.String() + " encoder", Err: err}
	}
	return enc, nil
}
