package muxer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
)

// Container is the low-level file writer a recording session drives.
// Start is only called after every track was added.
type Container interface {
	AddTrack(format media.Format) (int, error)
	Start() error
	WriteSample(track int, sample media.EncodedSample) error
	Stop() error
	Release() error
}

type writerState int

const (
	writerIdle writerState = iota
	writerStarted
	writerFinalized
)

func (s writerState) String() string {
	switch s {
	case writerIdle:
		return "idle"
	case writerStarted:
		return "started"
	case writerFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Writer owns a Container and enforces its add/start/write/finalize order.
// It is used by a single goroutine.
type Writer struct {
	c      Container
	path   string
	state  writerState
	tracks []int
	logger *slog.Logger
}

// NewWriter wraps c. path is only used for reporting.
func NewWriter(c Container, path string) *Writer {
	return &Writer{
		c:      c,
		path:   path,
		logger: util.GetLogger().With("component", "writer", "path", path),
	}
}

// Path returns the output path.
func (w *Writer) Path() string { return w.path }

// Started reports whether samples can be written.
func (w *Writer) Started() bool { return w.state == writerStarted }

// AddTrack adds a track to the container. Tracks can only be added before
// Start.
func (w *Writer) AddTrack(format media.Format) (TrackHandle, error) {
	if w.state != writerIdle {
		return -1, &media.TrackRegistrationError{Track: format.Track, Reason: "container already " + w.state.String()}
	}
	idx, err := w.c.AddTrack(format)
	if err != nil {
		return -1, fmt.Errorf("add %s track: %w", format.Track, err)
	}
	w.tracks = append(w.tracks, idx)
	h := TrackHandle(len(w.tracks) - 1)
	w.logger.Debug("Track added", "track", format.Track, "handle", h, "mime", format.MimeType)
	return h, nil
}

// Start starts the container.
func (w *Writer) Start() error {
	if w.state != writerIdle {
		return fmt.Errorf("start container: writer is %s", w.state)
	}
	if len(w.tracks) == 0 {
		return errors.New("start container: no tracks added")
	}
	if err := w.c.Start(); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	w.state = writerStarted
	w.logger.Info("Container started", "tracks", len(w.tracks))
	return nil
}

// WriteSample writes one sample to the track behind h.
func (w *Writer) WriteSample(h TrackHandle, s media.EncodedSample) error {
	if w.state != writerStarted {
		return &media.WriteError{Track: s.Track, PTS: s.PTS, Err: media.ErrNotStarted}
	}
	if h < 0 || int(h) >= len(w.tracks) {
		return &media.WriteError{Track: s.Track, PTS: s.PTS, Err: fmt.Errorf("unknown track handle %d", h)}
	}
	if err := w.c.WriteSample(w.tracks[h], s); err != nil {
		return &media.WriteError{Track: s.Track, PTS: s.PTS, Err: err}
	}
	return nil
}

// Finalize stops the container if it was started and always releases it.
// It reports whether the container was actually finalized; from any state
// other than started it only releases resources.
func (w *Writer) Finalize() (bool, error) {
	switch w.state {
	case writerFinalized:
		return false, nil
	case writerIdle:
		w.state = writerFinalized
		if err := w.c.Release(); err != nil {
			w.logger.Warn("Failed to release container", "error", err)
		}
		w.logger.Debug("Container released without finalize")
		return false, nil
	}

	w.state = writerFinalized
	stopErr := w.c.Stop()
	if err := w.c.Release(); err != nil {
		w.logger.Warn("Failed to release container", "error", err)
	}
	if stopErr != nil {
		return true, &media.FinalizeError{Path: w.path, Err: stopErr}
	}
	w.logger.Info("Container finalized")
	return true, nil
}
