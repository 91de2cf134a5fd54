package source

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/atomic"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
)

// FrameSink accepts raw frames without blocking. Stream gates implement it.
type FrameSink interface {
	Feed(frame media.RawFrame)
}

// Source produces raw frames until its context is cancelled.
type Source interface {
	Run(ctx context.Context, sink FrameSink)
	Produced() int64
}

// ticking runs produce at a fixed interval.
type ticking struct {
	clk      clock.WithTicker
	interval time.Duration
	produced atomic.Int64
	logger   *slog.Logger
}

func (t *ticking) run(ctx context.Context, sink FrameSink, produce func(n int64) media.RawFrame) {
	ticker := t.clk.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Debug("Source started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("Source stopped", "frames", t.produced.Load())
			return
		case <-ticker.C():
			n := t.produced.Inc()
			sink.Feed(produce(n - 1))
		}
	}
}

// Produced returns the number of frames handed to the sink.
func (t *ticking) Produced() int64 { return t.produced.Load() }

// TestPattern generates I420 frames with a vertical bar sweeping across a
// grey background.
type TestPattern struct {
	ticking
	width  int
	height int
}

// NewTestPattern creates a video source. fps must be positive.
func NewTestPattern(width, height, fps int, clk clock.WithTicker) *TestPattern {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if fps <= 0 {
		fps = 30
	}
	return &TestPattern{
		ticking: ticking{
			clk:      clk,
			interval: time.Second / time.Duration(fps),
			logger:   util.GetLogger().With("component", "source", "track", media.TrackVideo),
		},
		width:  width,
		height: height,
	}
}

// FrameSize is the size in bytes of one I420 frame.
func (p *TestPattern) FrameSize() int {
	return p.width * p.height * 3 / 2
}

// Frame renders frame n.
func (p *TestPattern) Frame(n int64) []byte {
	buf := make([]byte, p.FrameSize())
	luma := buf[:p.width*p.height]
	for i := range luma {
		luma[i] = 0x80
	}
	if p.width > 0 {
		barWidth := max(p.width/16, 1)
		x0 := int(n*int64(barWidth)) % p.width
		for y := 0; y < p.height; y++ {
			row := luma[y*p.width : (y+1)*p.width]
			for x := x0; x < x0+barWidth && x < p.width; x++ {
				row[x] = 0xEB
			}
		}
	}
	chroma := buf[p.width*p.height:]
	for i := range chroma {
		chroma[i] = 0x80
	}
	return buf
}

// Run feeds frames to sink until ctx is done.
func (p *TestPattern) Run(ctx context.Context, sink FrameSink) {
	p.run(ctx, sink, func(n int64) media.RawFrame {
		return media.RawFrame{Track: media.TrackVideo, Data: p.Frame(n)}
	})
}

// SamplesPerFrame is the number of PCM samples per channel in one audio
// frame, matching one AAC frame.
const SamplesPerFrame = 1024

// Silence generates 16-bit PCM frames of silence.
type Silence struct {
	ticking
	channels int
}

// NewSilence creates an audio source.
func NewSilence(sampleRate, channels int, clk clock.WithTicker) *Silence {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if channels <= 0 {
		channels = 1
	}
	return &Silence{
		ticking: ticking{
			clk:      clk,
			interval: time.Duration(SamplesPerFrame) * time.Second / time.Duration(sampleRate),
			logger:   util.GetLogger().With("component", "source", "track", media.TrackAudio),
		},
		channels: channels,
	}
}

// FrameSize is the size in bytes of one PCM frame.
func (s *Silence) FrameSize() int {
	return SamplesPerFrame * s.channels * 2
}

// Run feeds frames to sink until ctx is done.
func (s *Silence) Run(ctx context.Context, sink FrameSink) {
	s.run(ctx, sink, func(int64) media.RawFrame {
		return media.RawFrame{Track: media.TrackAudio, Data: make([]byte, s.FrameSize())}
	})
}
