package container

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/babelcloud/gbox/packages/avrecord/internal/h264"
	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
)

const videoTimeScale = 90000

// MP4File writes a fragmented MP4 file. It is driven by a single goroutine
// (the muxer consumer) and is not safe for concurrent use.
type MP4File struct {
	path             string
	file             *os.File
	fragmentDuration time.Duration

	state     fileState
	tracks    []*mp4Track
	timeline  timeline
	seq       uint32
	fragStart int64 // µs on the file timeline, -1 before the first sample
	fragments int
	size      int64

	logger *slog.Logger
}

type mp4Track struct {
	id              int
	format          media.Format
	codec           mp4.Codec
	timeScale       uint32
	defaultDuration uint32

	// held waits for the next sample of the track to learn its duration.
	held         *heldSample
	frag         []*fmp4.Sample
	fragBase     uint64
	lastDuration uint32
	samples      int
}

type heldSample struct {
	dts    uint64
	sample *fmp4.Sample
}

func newMP4File(f *os.File, path string, fragmentDuration time.Duration) *MP4File {
	return &MP4File{
		path:             path,
		file:             f,
		fragmentDuration: fragmentDuration,
		seq:              1,
		fragStart:        -1,
		logger:           util.GetLogger().With("component", "mp4-writer", "path", path),
	}
}

func (w *MP4File) AddTrack(format media.Format) (int, error) {
	if w.state != fileIdle {
		return 0, errors.New("tracks must be added before start")
	}

	t := &mp4Track{id: len(w.tracks) + 1, format: format}
	switch format.Track {
	case media.TrackVideo:
		if len(format.SPS) == 0 || len(format.PPS) == 0 {
			return 0, errors.New("video format carries no SPS/PPS")
		}
		t.codec = &mp4.CodecH264{SPS: format.SPS, PPS: format.PPS}
		t.timeScale = videoTimeScale
		t.defaultDuration = uint32(videoTimeScale / frameRate(format))
	case media.TrackAudio:
		cfg, err := audioConfig(format)
		if err != nil {
			return 0, err
		}
		t.codec = &mp4.CodecMPEG4Audio{Config: *cfg}
		t.timeScale = uint32(cfg.SampleRate)
		t.defaultDuration = 1024
	default:
		return 0, fmt.Errorf("unsupported track %s", format.Track)
	}

	w.tracks = append(w.tracks, t)
	w.logger.Debug("Track added", "track", format.Track, "id", t.id, "timescale", t.timeScale)
	return len(w.tracks) - 1, nil
}

// Start writes the initialization segment.
func (w *MP4File) Start() error {
	if w.state != fileIdle {
		return errors.New("already started")
	}
	if len(w.tracks) == 0 {
		return errors.New("no tracks")
	}

	init := &fmp4.Init{}
	for _, t := range w.tracks {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     t.codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal init segment: %w", err)
	}
	if err := w.write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write init segment: %w", err)
	}

	w.state = fileStarted
	w.logger.Info("fMP4 init segment written", "size", len(buf.Bytes()), "tracks", len(w.tracks))
	return nil
}

func (w *MP4File) WriteSample(track int, sample media.EncodedSample) error {
	if w.state != fileStarted {
		return media.ErrNotStarted
	}
	if track < 0 || track >= len(w.tracks) {
		return fmt.Errorf("unknown track handle %d", track)
	}
	t := w.tracks[track]

	payload := sample.Data()
	key := true
	if t.format.Track == media.TrackVideo {
		avcc, err := h264.AnnexBToAVCC(payload, false)
		if err != nil {
			return fmt.Errorf("failed to convert AnnexB to AVCC: %w", err)
		}
		payload = avcc
		key = sample.IsKeyFrame()
	} else {
		payload = stripADTSHeader(payload)
	}
	if len(payload) == 0 {
		w.logger.Debug("Skipping empty sample", "track", t.format.Track, "pts", sample.PTS)
		return nil
	}

	rel := w.timeline.relative(sample.PTS)
	dts := uint64(scaleTimestampToTimescale(rel, t.timeScale))
	t.release(dts)

	if w.fragStart < 0 {
		w.fragStart = rel
	}
	if key && t.format.Track == media.TrackVideo && rel-w.fragStart >= w.fragmentDuration.Microseconds() {
		if err := w.flush(); err != nil {
			return err
		}
		w.fragStart = rel
	}

	t.held = &heldSample{
		dts: dts,
		sample: &fmp4.Sample{
			IsNonSyncSample: !key,
			Payload:         payload, // samples own their payload
		},
	}
	t.samples++
	return nil
}

// release moves the held sample into the open fragment now that the next
// sample's timestamp is known.
func (t *mp4Track) release(nextDTS uint64) {
	if t.held == nil {
		return
	}
	var d uint32
	if nextDTS > t.held.dts {
		d = uint32(nextDTS - t.held.dts)
		t.lastDuration = d
	}
	t.held.sample.Duration = d
	t.appendHeld()
}

// releaseLast closes the track, guessing the last sample's duration.
func (t *mp4Track) releaseLast() {
	if t.held == nil {
		return
	}
	d := t.lastDuration
	if d == 0 {
		d = t.defaultDuration
	}
	t.held.sample.Duration = d
	t.appendHeld()
}

func (t *mp4Track) appendHeld() {
	if len(t.frag) == 0 {
		t.fragBase = t.held.dts
	}
	t.frag = append(t.frag, t.held.sample)
	t.held = nil
}

// flush writes the open fragment as one moof+mdat pair.
func (w *MP4File) flush() error {
	part := &fmp4.Part{SequenceNumber: w.seq}
	for _, t := range w.tracks {
		if len(t.frag) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: t.fragBase,
			Samples:  t.frag,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal fragment: %w", err)
	}
	if err := w.write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write fragment: %w", err)
	}

	for _, t := range w.tracks {
		t.frag = nil
	}
	w.seq++
	w.fragments++
	w.logger.Debug("Fragment written", "sequence", part.SequenceNumber, "size", len(buf.Bytes()))
	return nil
}

func (w *MP4File) write(b []byte) error {
	n, err := w.file.Write(b)
	w.size += int64(n)
	return err
}

// Stop flushes the held samples and the last fragment.
func (w *MP4File) Stop() error {
	if w.state != fileStarted {
		return errors.New("not started")
	}
	w.state = fileStopped

	for _, t := range w.tracks {
		t.releaseLast()
	}
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", w.path, err)
	}

	attrs := []any{"fragments", w.fragments, "size", w.size}
	for _, t := range w.tracks {
		attrs = append(attrs, t.format.Track.String(), t.samples)
	}
	w.logger.Info("fMP4 file finalized", attrs...)
	return nil
}

// Release closes the file. A file that was never started is removed.
func (w *MP4File) Release() error {
	if w.state == fileReleased {
		return nil
	}
	neverStarted := w.state == fileIdle
	w.state = fileReleased

	err := w.file.Close()
	if neverStarted {
		if rmErr := os.Remove(w.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			w.logger.Warn("Failed to remove unused output", "error", rmErr)
		}
	}
	return err
}

// Size returns the number of bytes written so far.
func (w *MP4File) Size() int64 { return w.size }
