package container

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/babelcloud/gbox/packages/avrecord/internal/h264"
	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
)

// closeTimeout bounds the wait for the block writer to flush the file.
const closeTimeout = 5 * time.Second

// WebMFile writes a Matroska/WebM file with H.264 and AAC tracks. Block
// timestamps are milliseconds from the first written sample.
type WebMFile struct {
	path string
	file *os.File

	state    fileState
	formats  []media.Format
	entries  []webm.TrackEntry
	writers  []webm.BlockWriteCloser
	sink     *writerCloser
	timeline timeline
	samples  []int

	fatalMu sync.Mutex
	fatal   error

	logger *slog.Logger
}

func newWebMFile(f *os.File, path string) *WebMFile {
	logger := util.GetLogger().With("component", "webm-writer", "path", path)
	return &WebMFile{
		path:   path,
		file:   f,
		sink:   &writerCloser{writer: f, logger: logger, done: make(chan struct{})},
		logger: logger,
	}
}

// writerCloser hands the file to the block writer without giving it
// ownership; Close only reports that the writer is done with it.
type writerCloser struct {
	writer io.Writer
	logger *slog.Logger
	closed bool
	once   sync.Once
	done   chan struct{}
}

func (wc *writerCloser) Write(p []byte) (n int, err error) {
	if wc.closed {
		return 0, io.ErrClosedPipe
	}

	n, err = wc.writer.Write(p)
	if err != nil {
		wc.logger.Warn("Write error detected, marking writer as closed",
			"error", err,
			"data_size", len(p),
			"bytes_written", n)
		wc.closed = true
	}
	return n, err
}

func (wc *writerCloser) Close() error {
	wc.once.Do(func() { close(wc.done) })
	return nil
}

func (w *WebMFile) AddTrack(format media.Format) (int, error) {
	if w.state != fileIdle {
		return 0, errors.New("tracks must be added before start")
	}

	number := uint64(len(w.entries) + 1)
	entry := webm.TrackEntry{
		TrackNumber: number,
		TrackUID:    number,
	}
	switch format.Track {
	case media.TrackVideo:
		avcc, err := h264.DecoderConfig(format.SPS, format.PPS)
		if err != nil {
			return 0, err
		}
		entry.Name = "Video"
		entry.CodecID = "V_MPEG4/ISO/AVC"
		entry.CodecPrivate = avcc
		entry.TrackType = 1
		entry.DefaultDuration = uint64(time.Second.Nanoseconds() / int64(frameRate(format)))
		entry.Video = &webm.Video{
			PixelWidth:  uint64(format.Width),
			PixelHeight: uint64(format.Height),
		}
	case media.TrackAudio:
		cfg, err := audioConfig(format)
		if err != nil {
			return 0, err
		}
		asc, err := cfg.Marshal()
		if err != nil {
			return 0, fmt.Errorf("marshal audio specific config: %w", err)
		}
		entry.Name = "Audio"
		entry.CodecID = "A_AAC"
		entry.CodecPrivate = asc
		entry.TrackType = 2
		entry.DefaultDuration = uint64(1024 * time.Second.Nanoseconds() / int64(cfg.SampleRate))
		entry.Audio = &webm.Audio{
			SamplingFrequency: float64(cfg.SampleRate),
			Channels:          uint64(cfg.ChannelCount),
		}
	default:
		return 0, fmt.Errorf("unsupported track %s", format.Track)
	}

	w.entries = append(w.entries, entry)
	w.formats = append(w.formats, format)
	w.samples = append(w.samples, 0)
	w.logger.Debug("Track added", "track", format.Track, "codec", entry.CodecID)
	return len(w.entries) - 1, nil
}

// Start writes the EBML header and track list.
func (w *WebMFile) Start() error {
	if w.state != fileIdle {
		return errors.New("already started")
	}
	if len(w.entries) == 0 {
		return errors.New("no tracks")
	}

	writers, err := webm.NewSimpleBlockWriter(w.sink, w.entries,
		mkvcore.WithOnFatalHandler(func(err error) {
			w.logger.Error("WebM writer failed", "error", err)
			w.fatalMu.Lock()
			w.fatal = err
			w.fatalMu.Unlock()
		}))
	if err != nil {
		return fmt.Errorf("create webm writer: %w", err)
	}

	w.writers = writers
	w.state = fileStarted
	w.logger.Info("WebM container initialized", "tracks", len(w.entries))
	return nil
}

func (w *WebMFile) WriteSample(track int, sample media.EncodedSample) error {
	if w.state != fileStarted {
		return media.ErrNotStarted
	}
	if track < 0 || track >= len(w.writers) {
		return fmt.Errorf("unknown track handle %d", track)
	}
	if err := w.fatalErr(); err != nil {
		return err
	}

	payload := sample.Data()
	key := true
	if w.formats[track].Track == media.TrackVideo {
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
		return nil
	}

	ms := w.timeline.relative(sample.PTS) / 1000
	if _, err := w.writers[track].Write(key, ms, payload); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	w.samples[track]++
	return nil
}

func (w *WebMFile) fatalErr() error {
	w.fatalMu.Lock()
	defer w.fatalMu.Unlock()
	return w.fatal
}

// Stop closes every track and waits for the block writer to finish with
// the file.
func (w *WebMFile) Stop() error {
	if w.state != fileStarted {
		return errors.New("not started")
	}
	w.state = fileStopped

	for i, bw := range w.writers {
		if err := bw.Close(); err != nil {
			w.logger.Warn("Track writer close error", "track", w.formats[i].Track, "error", err)
		}
	}

	select {
	case <-w.sink.done:
	case <-time.After(closeTimeout):
		return fmt.Errorf("webm writer did not finish within %s", closeTimeout)
	}
	if err := w.fatalErr(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", w.path, err)
	}

	attrs := []any{}
	for i, f := range w.formats {
		attrs = append(attrs, f.Track.String(), w.samples[i])
	}
	w.logger.Info("WebM file finalized", attrs...)
	return nil
}

// Release closes the file. A file that was never started is removed.
func (w *WebMFile) Release() error {
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
