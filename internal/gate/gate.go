package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/avrecord/internal/encoder"
	"github.com/babelcloud/gbox/packages/avrecord/internal/h264"
	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/muxer"
	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
)

// Sink receives what a gate produces. *muxer.Muxer implements it.
type Sink interface {
	Register(track media.TrackID, format media.Format) (muxer.TrackHandle, error)
	Push(sample media.EncodedSample)
}

// Config controls one gate.
type Config struct {
	Format media.Format // requested encoder format; Format.Track selects the gate kind

	// FPS paces raw input; zero disables pacing.
	FPS int
	// PollTimeout bounds each encoder drain wait.
	PollTimeout time.Duration
	// IdleWait bounds how long the loop parks when there is neither input
	// nor output.
	IdleWait time.Duration
	// MaxEmptyPolls ends draining when the encoder keeps reporting nothing.
	MaxEmptyPolls int
	// StartDelay is waited before the encoder is configured.
	StartDelay time.Duration

	// Epoch is time zero for presentation timestamps; zero means the time
	// Start is called.
	Epoch time.Time
	Clock clock.Clock
}

func (c *Config) setDefaults() {
	if c.PollTimeout < 0 {
		c.PollTimeout = 0
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 10 * time.Millisecond
	}
	if c.MaxEmptyPolls <= 0 {
		c.MaxEmptyPolls = 10
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
}

// Stats are the gate counters.
type Stats struct {
	Submitted        int64
	InputRejected    int64
	InputOverwritten int64
	Enqueued         int64
	DroppedConfig    int64
	DroppedPreKey    int64
	DroppedBadLayout int64
	LastPTS          int64
}

type counters struct {
	submitted        atomic.Int64
	inputRejected    atomic.Int64
	inputOverwritten atomic.Int64
	enqueued         atomic.Int64
	droppedConfig    atomic.Int64
	droppedPreKey    atomic.Int64
	droppedBadLayout atomic.Int64
	lastPTS          atomic.Int64
}

// Gate drives one encoder: it feeds it raw frames, drains its output,
// decides which units are safe to mux and pushes them to the sink.
type Gate struct {
	track media.TrackID
	cfg   Config
	enc   encoder.Encoder
	sink  Sink

	stateMu sync.Mutex
	state   State

	inputMu sync.Mutex
	input   *media.RawFrame
	notify  chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneOnce sync.Once
	done     chan struct{}

	// Owned by the Run goroutine.
	pacer        *pacer
	pts          *ptsClock
	keyframeSeen bool
	err          error

	stats  counters
	logger *slog.Logger
}

// New creates a gate for cfg.Format.Track. Video gates classify encoder
// output by NAL type; audio gates pass every data unit through.
func New(cfg Config, enc encoder.Encoder, sink Sink) *Gate {
	cfg.setDefaults()
	return &Gate{
		track:  cfg.Format.Track,
		cfg:    cfg,
		enc:    enc,
		sink:   sink,
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		logger: util.GetLogger().With("component", "gate", "track", cfg.Format.Track),
	}
}

// Track returns the stream this gate serves.
func (g *Gate) Track() media.TrackID { return g.track }

// State returns the current lifecycle state.
func (g *Gate) State() State {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.state
}

func (g *Gate) setState(to State) error {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	next, err := g.state.transition(to)
	if err != nil {
		return err
	}
	g.logger.Debug("Gate state changed", "from", g.state, "to", next)
	g.state = next
	return nil
}

// Start configures and starts the encoder. On failure the encoder is
// released and an *media.InitializationError is returned.
func (g *Gate) Start() error {
	if err := g.setState(StateStarting); err != nil {
		return err
	}

	if g.cfg.StartDelay > 0 {
		g.cfg.Clock.Sleep(g.cfg.StartDelay)
	}

	fail := func(step string, err error) error {
		if rerr := g.enc.Release(); rerr != nil {
			g.logger.Warn("Failed to release encoder", "error", rerr)
		}
		_ = g.setState(StateStopped)
		g.closeDone()
		return &media.InitializationError{Component: g.track.String() + " encoder", Err: fmt.Errorf("%s: %w", step, err)}
	}

	if err := g.enc.Configure(g.cfg.Format); err != nil {
		return fail("configure", err)
	}
	if err := g.enc.Start(); err != nil {
		return fail("start", err)
	}

	epoch := g.cfg.Epoch
	if epoch.IsZero() {
		epoch = g.cfg.Clock.Now()
	}
	g.pts = newPTSClock(g.cfg.Clock, epoch)
	if g.track == media.TrackVideo {
		g.pacer = newPacer(g.cfg.Clock, g.cfg.FPS)
	} else {
		g.pacer = newPacer(g.cfg.Clock, 0)
	}

	if err := g.setState(StateRunning); err != nil {
		return fail("start", err)
	}
	g.logger.Info("Encoder started", "mime", g.cfg.Format.MimeType, "fps", g.cfg.FPS)
	return nil
}

// Feed offers a raw frame to the gate without blocking. A frame that has
// not been taken yet is replaced by the newer one.
func (g *Gate) Feed(frame media.RawFrame) {
	g.inputMu.Lock()
	if g.input != nil {
		g.stats.inputOverwritten.Inc()
	}
	g.input = &frame
	g.inputMu.Unlock()

	select {
	case g.notify <- struct{}{}:
	default:
	}
}

func (g *Gate) takeInput() *media.RawFrame {
	g.inputMu.Lock()
	defer g.inputMu.Unlock()
	f := g.input
	g.input = nil
	return f
}

// Stop asks the gate to drain and stop. It does not wait; use Done.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// Done is closed once the gate released its encoder.
func (g *Gate) Done() <-chan struct{} { return g.done }

func (g *Gate) closeDone() {
	g.doneOnce.Do(func() { close(g.done) })
}

// Err returns the fatal encoder error that ended the gate, if any.
func (g *Gate) Err() error {
	<-g.done
	return g.err
}

func (g *Gate) stopping() bool {
	select {
	case <-g.stopCh:
		return true
	default:
		return false
	}
}

// Run is the gate loop. It returns after the encoder was drained and
// released, either because Stop was called or because the encoder failed.
func (g *Gate) Run() {
	defer g.closeDone()
	if g.State() != StateRunning {
		return
	}

	for !g.stopping() {
		frame := g.takeInput()
		if frame != nil {
			if err := g.submit(*frame); err != nil {
				g.fatal(err)
				break
			}
		}

		n, err := g.drainPass()
		if err != nil {
			g.fatal(err)
			break
		}

		if frame == nil && n == 0 {
			select {
			case <-g.notify:
			case <-g.stopCh:
			case <-g.cfg.Clock.After(g.cfg.IdleWait):
			}
		}
	}

	if err := g.setState(StateDraining); err != nil {
		g.logger.Error("Unexpected gate state", "error", err)
	}
	if g.err == nil {
		g.drainRemaining()
	}
	g.release()

	st := g.Stats()
	g.logger.Info("Gate stopped",
		"submitted", st.Submitted, "enqueued", st.Enqueued,
		"dropped_config", st.DroppedConfig, "dropped_pre_key", st.DroppedPreKey,
		"dropped_bad_layout", st.DroppedBadLayout)
}

func (g *Gate) fatal(err error) {
	g.err = err
	g.logger.Error("Encoder failed, stopping gate", "error", err)
}

func (g *Gate) submit(frame media.RawFrame) error {
	g.pacer.before()
	err := g.enc.SubmitInput(frame, g.pts.now())
	if errors.Is(err, media.ErrNoBufferAvailable) {
		g.stats.inputRejected.Inc()
		g.logger.Debug("Encoder input busy, frame dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("submit input: %w", err)
	}
	g.stats.submitted.Inc()
	g.pacer.after()
	return nil
}

// drainPass handles every output that is ready now and returns how many
// were handled.
func (g *Gate) drainPass() (int, error) {
	n := 0
	for {
		out, err := g.enc.DrainOutput(g.cfg.PollTimeout)
		if errors.Is(err, media.ErrNoOutputReady) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("drain output: %w", err)
		}
		if out.Kind == encoder.OutputNone {
			return n, nil
		}
		n++
		if g.handle(out) {
			return n, nil
		}
	}
}

// drainRemaining stops input and collects what the encoder still holds.
func (g *Gate) drainRemaining() {
	if err := g.enc.SignalEndOfInput(); err != nil {
		g.logger.Warn("Failed to signal end of input", "error", err)
	}
	empty := 0
	for empty < g.cfg.MaxEmptyPolls {
		out, err := g.enc.DrainOutput(g.cfg.PollTimeout)
		if err != nil && !errors.Is(err, media.ErrNoOutputReady) {
			g.logger.Warn("Drain failed during shutdown", "error", err)
			return
		}
		if err != nil || out.Kind == encoder.OutputNone {
			empty++
			continue
		}
		empty = 0
		if g.handle(out) {
			return
		}
	}
	g.logger.Debug("Encoder did not report end of stream", "empty_polls", empty)
}

// handle processes one output and reports end of stream.
func (g *Gate) handle(out encoder.Output) bool {
	switch out.Kind {
	case encoder.OutputFormatChanged:
		format := out.Format
		format.Track = g.track
		if _, err := g.sink.Register(g.track, format); err != nil {
			g.logger.Warn("Track registration rejected, continuing", "error", err)
		}
	case encoder.OutputData:
		if g.track == media.TrackVideo {
			g.handleVideo(out)
		} else {
			g.handleAudio(out)
		}
	case encoder.OutputEndOfStream:
		g.logger.Debug("Encoder reached end of stream")
		return true
	}
	return false
}

func (g *Gate) handleVideo(out encoder.Output) {
	class, typ, err := h264.Classify(out.Data)
	if err != nil {
		g.stats.droppedBadLayout.Inc()
		g.logger.Warn("Dropping malformed video unit", "size", len(out.Data), "error", err)
		return
	}

	switch class {
	case h264.ClassParameterSet:
		g.stats.droppedConfig.Inc()
		g.logger.Debug("Parameter set dropped", "nal_type", typ)
	case h264.ClassKey:
		g.keyframeSeen = true
		g.enqueue(out, media.FlagKeyFrame)
	default:
		if !g.keyframeSeen {
			g.stats.droppedPreKey.Inc()
			g.logger.Debug("Dropping unit before first key frame", "nal_type", typ, "pts", out.PTS)
			return
		}
		g.enqueue(out, 0)
	}
}

func (g *Gate) handleAudio(out encoder.Output) {
	if out.Flags.Has(media.FlagConfig) || len(out.Data) == 0 {
		g.stats.droppedConfig.Inc()
		return
	}
	g.enqueue(out, media.FlagKeyFrame)
}

func (g *Gate) enqueue(out encoder.Output, flags media.SampleFlags) {
	pts := g.pts.record(out.PTS)
	g.sink.Push(media.NewEncodedSample(g.track, out.Data, pts, flags))
	g.stats.enqueued.Inc()
	g.stats.lastPTS.Store(pts)
}

func (g *Gate) release() {
	if err := g.enc.Stop(); err != nil {
		g.logger.Warn("Failed to stop encoder", "error", err)
	}
	if err := g.enc.Release(); err != nil {
		g.logger.Warn("Failed to release encoder", "error", err)
	}
	g.keyframeSeen = false
	if err := g.setState(StateStopped); err != nil {
		g.logger.Error("Unexpected gate state", "error", err)
	}
}

// Stats returns a snapshot of the counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Submitted:        g.stats.submitted.Load(),
		InputRejected:    g.stats.inputRejected.Load(),
		InputOverwritten: g.stats.inputOverwritten.Load(),
		Enqueued:         g.stats.enqueued.Load(),
		DroppedConfig:    g.stats.droppedConfig.Load(),
		DroppedPreKey:    g.stats.droppedPreKey.Load(),
		DroppedBadLayout: g.stats.droppedBadLayout.Load(),
		LastPTS:          g.stats.lastPTS.Load(),
	}
}
