package muxer

import (
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/atomic"

	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
)

// Muxer is the shared core between the stream gates and the container
// consumer. The sample queue, the track registry and the session state are
// guarded by one mutex with one condition variable, so a push, a
// registration and a cancellation can never slip between a consumer's check
// and its wait.
type Muxer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     sampleQueue
	registry  *trackRegistry
	state     State
	cancelled bool

	// Owned by the goroutine running Run.
	writer   *Writer
	startErr error

	written   atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
	perTrack  map[media.TrackID]*trackCounters

	logger *slog.Logger
}

type trackCounters struct {
	samples atomic.Int64
	bytes   atomic.Int64
}

// Stats summarises what the consumer did with queued samples.
type Stats struct {
	Written   int64
	Failed    int64
	Discarded int64
	Tracks    map[media.TrackID]TrackStats
}

// TrackStats counts samples written for one track.
type TrackStats struct {
	Samples int64
	Bytes   int64
}

// New creates a muxer in the idle state. The container is started once
// every track in required has been registered; nil means media.AllTracks.
func New(w *Writer, required []media.TrackID) *Muxer {
	if len(required) == 0 {
		required = media.AllTracks
	}
	m := &Muxer{
		registry: newTrackRegistry(required),
		writer:   w,
		perTrack: make(map[media.TrackID]*trackCounters),
		logger:   util.GetLogger().With("component", "muxer"),
	}
	for _, id := range required {
		m.perTrack[id] = &trackCounters{}
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Open moves the muxer from idle to awaiting tracks.
func (m *Muxer) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.state.transition(StateAwaitingTracks)
	if err != nil {
		return err
	}
	m.state = next
	return nil
}

// State returns the current session state.
func (m *Muxer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Register records the format of a track. Registering an already known
// track returns its existing handle and changes nothing. The call that
// completes the required set moves the muxer to started and wakes the
// consumer. It never blocks on the container.
func (m *Muxer) Register(track media.TrackID, format media.Format) (TrackHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAwaitingTracks && m.state != StateStarted {
		return -1, &media.TrackRegistrationError{Track: track, Reason: "muxer is " + m.state.String()}
	}

	if !m.registry.isRequired(track) {
		return -1, &media.TrackRegistrationError{Track: track, Reason: "track is not part of this recording"}
	}

	if ts, ok := m.registry.lookup(track); ok {
		if !ts.format.Equal(format) {
			if m.state == StateStarted {
				return ts.handle, &media.TrackRegistrationError{Track: track, Reason: "format changed after container start"}
			}
			m.logger.Warn("Format changed before start, keeping the first one", "track", track)
		}
		return ts.handle, nil
	}

	if m.state == StateStarted {
		return -1, &media.TrackRegistrationError{Track: track, Reason: "container already started"}
	}

	h := m.registry.add(track, format)
	m.logger.Info("Track registered", "track", track, "handle", h, "mime", format.MimeType)

	if m.registry.complete() {
		next, err := m.state.transition(StateStarted)
		if err != nil {
			return h, err
		}
		m.state = next
		m.logger.Info("All tracks registered, starting container", "tracks", len(m.registry.order))
		m.cond.Broadcast()
	}
	return h, nil
}

// Push appends a sample to the queue and wakes the consumer. It never
// blocks and never rejects a sample while the session is live.
func (m *Muxer) Push(s media.EncodedSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		m.discarded.Inc()
		return
	}
	m.queue.push(s)
	m.cond.Signal()
}

// Pending returns the number of queued samples.
func (m *Muxer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// Cancel asks the consumer to exit and wakes it. Samples already queued
// are still written if the container was started.
func (m *Muxer) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = true
	m.cond.Broadcast()
}

// waitStarted blocks until the muxer is started or cancelled and returns
// the registered tracks in handle order.
func (m *Muxer) waitStarted() ([]RegisteredTrack, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state != StateStarted && !m.cancelled {
		m.cond.Wait()
	}
	if m.state != StateStarted {
		return nil, false
	}
	return m.registry.snapshot(), true
}

// pop removes the oldest sample, blocking while the queue is empty. It
// returns false once cancelled with nothing left to drain.
func (m *Muxer) pop() (media.EncodedSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.queue.len() == 0 && !m.cancelled {
		m.cond.Wait()
	}
	return m.queue.pop()
}

// Run is the consumer loop. It waits for the start transition, starts the
// container, then writes queued samples until cancelled. A failing sample
// is logged and dropped.
func (m *Muxer) Run() {
	tracks, ok := m.waitStarted()
	if !ok {
		m.logger.Info("Cancelled before all tracks were registered")
		return
	}

	handles := make(map[media.TrackID]TrackHandle, len(tracks))
	m.startErr = m.startWriter(tracks, handles)
	if m.startErr != nil {
		m.logger.Error("Failed to start container", "error", m.startErr)
	}

	for {
		s, ok := m.pop()
		if !ok {
			break
		}
		if m.startErr != nil {
			m.discarded.Inc()
			continue
		}
		h, ok := handles[s.Track]
		if !ok {
			m.failed.Inc()
			m.logger.Warn("Dropping sample for unregistered track", "track", s.Track, "pts", s.PTS)
			continue
		}
		if err := m.writer.WriteSample(h, s); err != nil {
			m.failed.Inc()
			m.logger.Warn("Failed to write sample", "track", s.Track, "pts", s.PTS, "size", s.Size, "error", err)
			continue
		}
		m.written.Inc()
		if c, ok := m.perTrack[s.Track]; ok {
			c.samples.Inc()
			c.bytes.Add(int64(s.Size))
		}
	}

	m.logger.Info("Consumer exited",
		"written", m.written.Load(), "failed", m.failed.Load(), "discarded", m.discarded.Load())
}

func (m *Muxer) startWriter(tracks []RegisteredTrack, handles map[media.TrackID]TrackHandle) error {
	for _, t := range tracks {
		h, err := m.writer.AddTrack(t.Format)
		if err != nil {
			return err
		}
		if h != t.Handle {
			return fmt.Errorf("container assigned handle %d to %s track, expected %d", h, t.Track, t.Handle)
		}
		handles[t.Track] = h
	}
	return m.writer.Start()
}

// Finalize moves the muxer to stopped and finalizes or releases the
// container. It must be called after Run has returned. The boolean reports
// whether the container was finalized rather than just released.
func (m *Muxer) Finalize() (bool, error) {
	m.mu.Lock()
	if next, err := m.state.transition(StateStopped); err == nil {
		m.state = next
	}
	m.cancelled = true
	m.cond.Broadcast()
	m.mu.Unlock()

	finalized, err := m.writer.Finalize()
	if err != nil {
		return finalized, err
	}
	if m.startErr != nil {
		return false, &media.FinalizeError{Path: m.writer.Path(), Err: m.startErr}
	}
	return finalized, nil
}

// Stats returns a snapshot of the consumer counters.
func (m *Muxer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Written:   m.written.Load(),
		Failed:    m.failed.Load(),
		Discarded: m.discarded.Load(),
		Tracks:    make(map[media.TrackID]TrackStats, len(m.perTrack)),
	}
	for id, c := range m.perTrack {
		st.Tracks[id] = TrackStats{Samples: c.samples.Load(), Bytes: c.bytes.Load()}
	}
	return st
}
