// Package recorder runs a recording session: one gate per track, the mux
// consumer and the raw frame sources, with ordered startup and shutdown.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/avrecord/internal/container"
	"github.com/babelcloud/gbox/packages/avrecord/internal/encoder"
	"github.com/babelcloud/gbox/packages/avrecord/internal/gate"
	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/muxer"
	"github.com/babelcloud/gbox/packages/avrecord/internal/source"
	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
)

var (
	// ErrStopped is returned by Start once Stop has been called.
	ErrStopped = errors.New("recorder already stopped")
	// ErrAlreadyStarted is returned by a second Start. The listener passed
	// with it is not called.
	ErrAlreadyStarted = errors.New("recorder already started")
)

// ResultListener is told how the session ended, exactly once, after
// teardown finished.
type ResultListener interface {
	OnSuccess(path string)
	OnFailure(message string)
}

// ResultFuncs adapts two functions to ResultListener. Nil funcs are skipped.
type ResultFuncs struct {
	Success func(path string)
	Failure func(message string)
}

func (f ResultFuncs) OnSuccess(path string) {
	if f.Success != nil {
		f.Success(path)
	}
}

func (f ResultFuncs) OnFailure(message string) {
	if f.Failure != nil {
		f.Failure(message)
	}
}

// ContainerFactory opens the output file.
type ContainerFactory func(kind container.Kind, path string, opts container.Options) (muxer.Container, error)

// SourceFactory creates the raw frame source of a track. Returning nil
// means the track's gate gets no raw input.
type SourceFactory func(cfg Config, track media.TrackID, clk clock.WithTicker) source.Source

// Option customizes a Recorder.
type Option func(*Recorder)

// WithEncoderFactory replaces the replay encoders built from Config.
func WithEncoderFactory(f encoder.Factory) Option {
	return func(r *Recorder) { r.encoders = f }
}

// WithContainerFactory replaces container.New.
func WithContainerFactory(f ContainerFactory) Option {
	return func(r *Recorder) { r.containers = f }
}

// WithSourceFactory replaces the test pattern and silence sources.
func WithSourceFactory(f SourceFactory) Option {
	return func(r *Recorder) { r.sources = f }
}

// WithClock sets the clock used for pacing, timestamps and sources.
func WithClock(clk clock.WithTicker) Option {
	return func(r *Recorder) { r.clock = clk }
}

// Recorder owns one recording session. It is created by the caller and
// passed to whatever needs to stop it; there is no global instance.
type Recorder struct {
	encoders   encoder.Factory
	containers ContainerFactory
	sources    SourceFactory
	clock      clock.WithTicker

	mu       sync.Mutex // serializes Start and Stop
	stopped  bool
	session  *session
	summary  *Summary
	stopOnce sync.Once
}

type session struct {
	id       string
	cfg      Config
	listener ResultListener
	started  time.Time

	mux      *muxer.Muxer
	gates    []*gate.Gate
	consumer chan struct{}

	cancelSources context.CancelFunc
	sourcesWG     sync.WaitGroup

	logger *slog.Logger
}

// New creates an idle recorder.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		containers: container.New,
		sources:    defaultSources,
		clock:      clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultSources(cfg Config, track media.TrackID, clk clock.WithTicker) source.Source {
	if track == media.TrackVideo {
		return source.NewTestPattern(cfg.Width, cfg.Height, cfg.FPS, clk)
	}
	return source.NewSilence(cfg.SampleRate, cfg.Channels, clk)
}

// Start builds the pipeline and returns once every goroutine runs. On
// failure nothing is left running, listener.OnFailure has been called and
// the error is returned. The listener is never called with the recorder
// locked, so it may call back into it.
func (r *Recorder) Start(cfg Config, listener ResultListener) error {
	if listener == nil {
		listener = ResultFuncs{}
	}

	r.mu.Lock()
	err := r.start(cfg, listener)
	r.mu.Unlock()

	if err != nil && !errors.Is(err, ErrAlreadyStarted) {
		listener.OnFailure(err.Error())
	}
	return err
}

func (r *Recorder) start(cfg Config, listener ResultListener) error {
	if r.stopped {
		return ErrStopped
	}
	if r.session != nil {
		return ErrAlreadyStarted
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	s := &session{
		id:       uuid.NewString(),
		cfg:      cfg,
		listener: listener,
		started:  r.clock.Now(),
		consumer: make(chan struct{}),
	}
	s.logger = util.GetLogger().With("component", "recorder", "session", s.id)

	c, err := r.containers(cfg.Container, cfg.OutputPath, container.Options{FragmentDuration: cfg.FragmentDuration})
	if err != nil {
		return err
	}
	writer := muxer.NewWriter(c, cfg.OutputPath)
	s.mux = muxer.New(writer, media.AllTracks)
	if err := s.mux.Open(); err != nil {
		s.abort(nil, writer)
		return err
	}

	encoders := r.encoders
	if encoders == nil {
		encoders = encoder.NewFactory(encoder.FactoryConfig{
			VideoPath: cfg.VideoSource,
			AudioPath: cfg.AudioSource,
			Loop:      cfg.Loop,
			Clock:     r.clock,
		})
	}

	var started []*gate.Gate
	for _, track := range media.AllTracks {
		enc, err := encoders.New(track)
		if err != nil {
			s.abort(started, writer)
			return err
		}
		g := gate.New(gate.Config{
			Format:        cfg.Format(track),
			FPS:           fpsFor(cfg, track),
			PollTimeout:   cfg.PollTimeout,
			MaxEmptyPolls: cfg.MaxEmptyPolls,
			StartDelay:    cfg.StartDelay,
			Epoch:         s.started,
			Clock:         r.clock,
		}, enc, s.mux)
		if err := g.Start(); err != nil {
			s.abort(started, writer)
			return err
		}
		started = append(started, g)
	}
	s.gates = started

	for _, g := range s.gates {
		go g.Run()
	}
	go func() {
		defer close(s.consumer)
		s.mux.Run()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelSources = cancel
	for _, g := range s.gates {
		if r.sources == nil {
			break
		}
		src := r.sources(cfg, g.Track(), r.clock)
		if src == nil {
			continue
		}
		s.sourcesWG.Add(1)
		go func(src source.Source, sink source.FrameSink) {
			defer s.sourcesWG.Done()
			src.Run(ctx, sink)
		}(src, g)
	}

	r.session = s
	s.logger.Info("Recording started", "path", cfg.OutputPath, "size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS, "bitrate", cfg.VideoBitrate(), "sample_rate", cfg.SampleRate, "channels", cfg.Channels)
	return nil
}

func fpsFor(cfg Config, track media.TrackID) int {
	if track == media.TrackVideo {
		return cfg.FPS
	}
	return 0
}

// abort tears down a partially built pipeline. Started gates are stopped
// and run to completion on the calling goroutine, which drains and
// releases their encoders.
func (s *session) abort(started []*gate.Gate, writer *muxer.Writer) {
	for _, g := range started {
		g.Stop()
		g.Run()
	}
	if _, err := writer.Finalize(); err != nil {
		s.logger.Warn("Failed to release container", "error", err)
	}
}

// Stop shuts the session down: sources, then gates, then the consumer,
// then the container. The listener is called once teardown completed and
// the summary is available. Stop is idempotent and waits for an in-flight
// Start; calling it before Start makes a later Start fail.
func (r *Recorder) Stop() {
	var res *outcome
	r.stopOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.stopped = true
		if r.session == nil {
			return
		}
		res = r.session.shutdown(r.clock)
		r.summary = res.summary
	})
	if res != nil {
		res.report()
	}
}

// outcome is how a session ended. It is reported after the recorder is
// unlocked.
type outcome struct {
	listener ResultListener
	summary  *Summary
	path     string
	err      error
}

func (o *outcome) report() {
	if o.err != nil {
		o.listener.OnFailure(o.err.Error())
		return
	}
	o.listener.OnSuccess(o.path)
}

func (s *session) shutdown(clk clock.Clock) *outcome {
	s.logger.Info("Stopping recording")

	s.cancelSources()
	s.sourcesWG.Wait()

	for _, g := range s.gates {
		g.Stop()
	}
	for _, g := range s.gates {
		if err := s.join(g.Track().String()+" gate", g.Done(), clk); err != nil {
			s.logger.Warn("Continuing shutdown", "error", err)
			continue
		}
		if err := g.Err(); err != nil {
			s.logger.Warn("Gate ended with an encoder error", "track", g.Track(), "error", err)
		}
	}

	s.mux.Cancel()
	<-s.consumer

	finalized, err := s.mux.Finalize()
	res := &outcome{
		listener: s.listener,
		summary:  s.summarize(clk.Now(), finalized),
		path:     s.cfg.OutputPath,
		err:      err,
	}

	if err != nil {
		s.logger.Error("Recording failed", "error", err)
		return res
	}
	if finalized && s.cfg.Manifest {
		if path, err := WriteManifest(s.cfg.OutputPath, res.summary); err != nil {
			s.logger.Warn("Failed to write manifest", "error", err)
		} else {
			s.logger.Debug("Manifest written", "path", path)
		}
	}
	s.logger.Info("Recording finished", "path", s.cfg.OutputPath, "finalized", finalized,
		"written", res.summary.Written, "failed", res.summary.Failed)
	return res
}

// join waits for done, giving up after the configured join timeout.
func (s *session) join(component string, done <-chan struct{}, clk clock.Clock) error {
	if s.cfg.JoinTimeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-clk.After(s.cfg.JoinTimeout):
		return &media.InterruptedShutdown{Component: component, Err: fmt.Errorf("not finished after %s", s.cfg.JoinTimeout)}
	}
}

// Summary returns the summary of the stopped session, or nil.
func (r *Recorder) Summary() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Progress returns the consumer counters of the running session.
func (r *Recorder) Progress() muxer.Stats {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s == nil {
		return muxer.Stats{}
	}
	return s.mux.Stats()
}

// SessionID returns the id of the current session, or "".
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return ""
	}
	return r.session.id
}
