package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/avrecord/internal/container"
	"github.com/babelcloud/gbox/packages/avrecord/internal/encoder"
	"github.com/babelcloud/gbox/packages/avrecord/internal/h264"
	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/muxer"
	"github.com/babelcloud/gbox/packages/avrecord/internal/source"
)

type results struct {
	mu        sync.Mutex
	successes []string
	failures  []string
}

func (r *results) OnSuccess(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, path)
}

func (r *results) OnFailure(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, msg)
}

func (r *results) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes), len(r.failures)
}

// stubEncoder never reports a format, so its track is never registered.
type stubEncoder struct {
	eos      atomic.Bool
	eosSent  atomic.Bool
	released atomic.Bool
}

func (e *stubEncoder) Configure(media.Format) error            { return nil }
func (e *stubEncoder) Start() error                            { return nil }
func (e *stubEncoder) SubmitInput(media.RawFrame, int64) error { return nil }
func (e *stubEncoder) SignalEndOfInput() error                 { e.eos.Store(true); return nil }
func (e *stubEncoder) Stop() error                             { return nil }
func (e *stubEncoder) Release() error                          { e.released.Store(true); return nil }
func (e *stubEncoder) DrainOutput(time.Duration) (encoder.Output, error) {
	if e.eos.Load() && e.eosSent.CompareAndSwap(false, true) {
		return encoder.Output{Kind: encoder.OutputEndOfStream}, nil
	}
	return encoder.Output{Kind: encoder.OutputNone}, nil
}

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0x56, 0x81, 0x41, 0xf9} // 320x240
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
)

func writeSources(t *testing.T, dir string) (string, string) {
	t.Helper()
	var video []byte
	for _, nalu := range [][]byte{
		testSPS, testPPS,
		{0x65, 0x88, 0x84, 0x21},
		{0x41, 0x9a, 0x22},
		{0x41, 0x9a, 0x23},
	} {
		video = append(video, h264.Prefix(nalu)...)
	}

	// AAC-LC, 44.1 kHz, stereo, no CRC
	payload := []byte{0x21, 0x10, 0x05}
	frameLen := 7 + len(payload)
	audio := append([]byte{
		0xFF, 0xF1,
		byte(1<<6 | 4<<2),
		byte(2<<6 | (frameLen>>11)&0x3),
		byte(frameLen >> 3),
		byte((frameLen&0x7)<<5 | 0x1F),
		0xFC,
	}, payload...)

	videoPath := filepath.Join(dir, "in.h264")
	audioPath := filepath.Join(dir, "in.aac")
	require.NoError(t, os.WriteFile(videoPath, video, 0o644))
	require.NoError(t, os.WriteFile(audioPath, audio, 0o644))
	return videoPath, audioPath
}

func testConfig(t *testing.T, name string) Config {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.OutputPath = filepath.Join(dir, name)
	cfg.Width, cfg.Height, cfg.FPS = 320, 240, 25
	cfg.StartDelay = 0
	cfg.JoinTimeout = 5 * time.Second
	cfg.VideoSource, cfg.AudioSource = writeSources(t, dir)
	return cfg
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.OutputPath = "/tmp/out.mp4"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no output", func(c *Config) { c.OutputPath = "" }},
		{"odd width", func(c *Config) { c.Width = 641 }},
		{"zero height", func(c *Config) { c.Height = 0 }},
		{"unsupported fps", func(c *Config) { c.FPS = 60 }},
		{"bad quality", func(c *Config) { c.Quality = media.Quality(9) }},
		{"negative bitrate", func(c *Config) { c.BitrateBps = -1 }},
		{"no sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"surround", func(c *Config) { c.Channels = 6 }},
		{"bad container", func(c *Config) { c.Container = "avi" }},
		{"negative delay", func(c *Config) { c.StartDelay = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfigFormats(t *testing.T) {
	c := DefaultConfig()
	c.Width, c.Height, c.Quality = 1280, 720, media.QualityHigh

	v := c.Format(media.TrackVideo)
	assert.Equal(t, media.MimeH264, v.MimeType)
	assert.Equal(t, media.VideoBitrate(1280, 720, media.QualityHigh), v.BitrateBps)

	c.BitrateBps = 2_000_000
	assert.Equal(t, 2_000_000, c.Format(media.TrackVideo).BitrateBps)

	a := c.Format(media.TrackAudio)
	assert.Equal(t, media.MimeAAC, a.MimeType)
	assert.Equal(t, 44100, a.SampleRate)
	assert.Equal(t, 2, a.Channels)
}

func TestRecordMP4EndToEnd(t *testing.T) {
	cfg := testConfig(t, "out.mp4")
	res := &results{}
	r := New()

	require.NoError(t, r.Start(cfg, res))
	assert.NotEmpty(t, r.SessionID())
	require.Eventually(t, func() bool { return r.Progress().Written >= 6 }, 10*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()

	successes, failures := res.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, failures)
	assert.Equal(t, []string{cfg.OutputPath}, res.successes)

	data, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, "ftyp", string(data[4:8]))

	sum := r.Summary()
	require.NotNil(t, sum)
	assert.True(t, sum.Finalized)
	video, ok := sum.Track(media.TrackVideo)
	require.True(t, ok)
	assert.Equal(t, int64(1), video.DroppedConfig, "the codec config unit never reaches the container")
	assert.Positive(t, video.Written)

	m, err := ReadManifest(ManifestPath(cfg.OutputPath))
	require.NoError(t, err)
	assert.Equal(t, r.SessionID(), m.SessionID)
	assert.Equal(t, sum.Written, m.Written)
	assert.Len(t, m.Tracks, 2)
}

func TestRecordWebM(t *testing.T) {
	cfg := testConfig(t, "out.webm")
	cfg.Manifest = false
	res := &results{}
	r := New()

	require.NoError(t, r.Start(cfg, res))
	require.Eventually(t, func() bool { return r.Progress().Written >= 4 }, 10*time.Second, 10*time.Millisecond)
	r.Stop()

	successes, _ := res.counts()
	assert.Equal(t, 1, successes)
	data, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	require.Greater(t, len(data), 4)
	assert.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3}, data[:4])
	_, err = os.Stat(ManifestPath(cfg.OutputPath))
	assert.True(t, os.IsNotExist(err))
}

func TestStopBeforeStart(t *testing.T) {
	res := &results{}
	r := New()
	r.Stop()

	err := r.Start(testConfig(t, "out.mp4"), res)
	assert.ErrorIs(t, err, ErrStopped)
	successes, failures := res.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 1, failures)
	assert.Nil(t, r.Summary())
}

func TestStopWhileAwaitingTracks(t *testing.T) {
	cfg := testConfig(t, "idle.mp4")
	var encoders []*stubEncoder
	factory := encoder.FactoryFunc(func(media.TrackID) (encoder.Encoder, error) {
		e := &stubEncoder{}
		encoders = append(encoders, e)
		return e, nil
	})
	res := &results{}
	r := New(WithEncoderFactory(factory))

	require.NoError(t, r.Start(cfg, res))
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	assert.Equal(t, []string{cfg.OutputPath}, res.successes)
	assert.Empty(t, res.failures)
	sum := r.Summary()
	require.NotNil(t, sum)
	assert.False(t, sum.Finalized)
	assert.Zero(t, sum.Written)
	for _, e := range encoders {
		assert.True(t, e.released.Load())
	}
	_, err := os.Stat(cfg.OutputPath)
	assert.True(t, os.IsNotExist(err), "an unstarted container leaves no file")
	_, err = os.Stat(ManifestPath(cfg.OutputPath))
	assert.True(t, os.IsNotExist(err))
}

func TestStartFailureReleasesEverything(t *testing.T) {
	cfg := testConfig(t, "fail.mp4")
	video := &stubEncoder{}
	factory := encoder.FactoryFunc(func(track media.TrackID) (encoder.Encoder, error) {
		if track == media.TrackAudio {
			return nil, &media.InitializationError{Component: "audio encoder", Err: errors.New("no device")}
		}
		return video, nil
	})
	res := &results{}
	r := New(WithEncoderFactory(factory))

	err := r.Start(cfg, res)
	var initErr *media.InitializationError
	require.ErrorAs(t, err, &initErr)

	successes, failures := res.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 1, failures)
	assert.True(t, video.released.Load())
	_, statErr := os.Stat(cfg.OutputPath)
	assert.True(t, os.IsNotExist(statErr))

	r.Stop()
	_, failures = res.counts()
	assert.Equal(t, 1, failures, "stop after a failed start reports nothing")
}

func TestInvalidConfigFailsStart(t *testing.T) {
	res := &results{}
	cfg := testConfig(t, "out.mp4")
	cfg.FPS = 24
	err := New().Start(cfg, res)
	assert.ErrorContains(t, err, "frame rate")
	_, failures := res.counts()
	assert.Equal(t, 1, failures)
}

func TestContainerFailureFailsStart(t *testing.T) {
	res := &results{}
	cfg := testConfig(t, "out.mp4")
	boom := &media.InitializationError{Component: "container", Err: errors.New("disk full")}
	r := New(WithContainerFactory(func(_ container.Kind, _ string, _ container.Options) (muxer.Container, error) {
		return nil, boom
	}))
	assert.ErrorIs(t, r.Start(cfg, res), boom)
	_, failures := res.counts()
	assert.Equal(t, 1, failures)
}

func stubFactory() encoder.Factory {
	return encoder.FactoryFunc(func(media.TrackID) (encoder.Encoder, error) {
		return &stubEncoder{}, nil
	})
}

func noSources(Config, media.TrackID, clock.WithTicker) source.Source { return nil }

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never returned", what)
	}
}

func TestStopFromFailureCallback(t *testing.T) {
	cfg := testConfig(t, "fail.mp4")
	factory := encoder.FactoryFunc(func(track media.TrackID) (encoder.Encoder, error) {
		if track == media.TrackAudio {
			return nil, &media.InitializationError{Component: "audio encoder", Err: errors.New("no device")}
		}
		return &stubEncoder{}, nil
	})
	r := New(WithEncoderFactory(factory), WithSourceFactory(noSources))

	var failures atomic.Int64
	stopped := make(chan struct{})
	listener := ResultFuncs{
		Failure: func(string) {
			failures.Inc()
			r.Stop()
			close(stopped)
		},
	}

	started := make(chan struct{})
	go func() {
		defer close(started)
		assert.Error(t, r.Start(cfg, listener))
	}()
	waitClosed(t, started, "Start")
	waitClosed(t, stopped, "Stop inside OnFailure")
	assert.Equal(t, int64(1), failures.Load())
	assert.Nil(t, r.Summary())
}

func TestRecorderCallableFromSuccessCallback(t *testing.T) {
	cfg := testConfig(t, "cb.mp4")
	r := New(WithEncoderFactory(stubFactory()), WithSourceFactory(noSources))

	var (
		successes atomic.Int64
		seen      *Summary
		sessionID string
	)
	listener := ResultFuncs{
		Success: func(string) {
			successes.Inc()
			seen = r.Summary()
			sessionID = r.SessionID()
			_ = r.Progress()
			r.Stop()
		},
	}
	require.NoError(t, r.Start(cfg, listener))

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		r.Stop()
	}()
	waitClosed(t, stopped, "Stop")

	assert.Equal(t, int64(1), successes.Load())
	require.NotNil(t, seen, "the summary is ready before the listener runs")
	assert.Equal(t, r.SessionID(), sessionID)
	assert.Same(t, r.Summary(), seen)
}

// blockingEncoder holds Start until release is closed.
type blockingEncoder struct {
	stubEncoder
	entered chan struct{}
	release chan struct{}
}

func (e *blockingEncoder) Start() error {
	close(e.entered)
	<-e.release
	return nil
}

func TestStopDuringStart(t *testing.T) {
	cfg := testConfig(t, "slow.mp4")
	video := &blockingEncoder{entered: make(chan struct{}), release: make(chan struct{})}
	audio := &stubEncoder{}
	factory := encoder.FactoryFunc(func(track media.TrackID) (encoder.Encoder, error) {
		if track == media.TrackVideo {
			return video, nil
		}
		return audio, nil
	})
	r := New(WithEncoderFactory(factory), WithSourceFactory(noSources))
	res := &results{}

	startErr := make(chan error, 1)
	go func() { startErr <- r.Start(cfg, res) }()
	waitClosed(t, video.entered, "encoder start")

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		r.Stop()
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while Start was still building the pipeline")
	case <-time.After(50 * time.Millisecond):
	}
	successes, failures := res.counts()
	assert.Equal(t, 0, successes+failures)

	close(video.release)
	require.NoError(t, <-startErr)
	waitClosed(t, stopped, "Stop")

	successes, failures = res.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, failures)
	assert.True(t, video.released.Load())
	assert.True(t, audio.released.Load())
	sum := r.Summary()
	require.NotNil(t, sum)
	assert.False(t, sum.Finalized)
}

func TestConcurrentStopReportsOnce(t *testing.T) {
	cfg := testConfig(t, "twice.mp4")
	r := New(WithEncoderFactory(stubFactory()), WithSourceFactory(noSources))
	res := &results{}
	require.NoError(t, r.Start(cfg, res))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Stop()
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	waitClosed(t, done, "Stop")

	require.Eventually(t, func() bool {
		successes, _ := res.counts()
		return successes == 1
	}, 5*time.Second, time.Millisecond)
	r.Stop()

	successes, failures := res.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, failures)
	assert.NotNil(t, r.Summary())
}

func TestSecondStartIsRejected(t *testing.T) {
	cfg := testConfig(t, "again.mp4")
	r := New(WithEncoderFactory(stubFactory()), WithSourceFactory(noSources))
	first := &results{}
	require.NoError(t, r.Start(cfg, first))

	second := &results{}
	assert.ErrorIs(t, r.Start(cfg, second), ErrAlreadyStarted)
	r.Stop()

	s1, f1 := first.counts()
	s2, f2 := second.counts()
	assert.Equal(t, []int{1, 0, 0, 0}, []int{s1, f1, s2, f2})
}
