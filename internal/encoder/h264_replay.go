package encoder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/avrecord/internal/h264"
	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
)

// AccessUnit is one coded picture of an elementary stream, in Annex-B
// form with 4-byte start codes.
type AccessUnit struct {
	Data     []byte
	KeyFrame bool
}

// H264Stream is a parsed Annex-B elementary stream.
type H264Stream struct {
	SPS    []byte
	PPS    []byte
	Width  int
	Height int
	Units  []AccessUnit
}

// KeyFrames counts the access units that contain an IDR slice.
func (s *H264Stream) KeyFrames() int {
	n := 0
	for _, u := range s.Units {
		if u.KeyFrame {
			n++
		}
	}
	return n
}

// ParseH264Stream splits an Annex-B stream into access units. A new unit
// starts at every slice with first_mb_in_slice equal to zero. Parameter
// sets are collected separately; AUD, SEI and filler units are dropped.
// Pictures before the first IDR are skipped so the stream opens on a key
// frame.
func ParseH264Stream(data []byte) (*H264Stream, error) {
	nalus := h264.SplitNALUs(data)
	if len(nalus) == 0 {
		return nil, errors.New("no Annex-B start code found")
	}

	s := &H264Stream{}
	var cur []byte
	curKey, curHasVCL := false, false

	flush := func() {
		if curHasVCL && (curKey || len(s.Units) > 0) {
			s.Units = append(s.Units, AccessUnit{Data: cur, KeyFrame: curKey})
		}
		cur, curKey, curHasVCL = nil, false, false
	}

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		typ := h264.UnitType(nalu[0] & 0x1F)
		switch {
		case typ == h264.UnitTypeSPS:
			if s.SPS == nil {
				s.SPS = nalu
			}
		case typ == h264.UnitTypePPS:
			if s.PPS == nil {
				s.PPS = nalu
			}
		case h264.IsVCL(typ):
			if curHasVCL && h264.StartsAccessUnit(nalu) {
				flush()
			}
			cur = append(cur, h264.StartCode4...)
			cur = append(cur, nalu...)
			curHasVCL = true
			if typ == h264.UnitTypeIDR {
				curKey = true
			}
		}
	}
	flush()

	if s.SPS == nil || s.PPS == nil {
		return nil, errors.New("stream carries no SPS/PPS")
	}
	if len(s.Units) == 0 {
		return nil, errors.New("stream has no decodable pictures")
	}
	w, h, err := h264.Dimensions(s.SPS)
	if err != nil {
		return nil, err
	}
	s.Width, s.Height = w, h
	return s, nil
}

// H264Replay is a software stand-in for a hardware H.264 encoder. Every
// accepted raw frame releases the next access unit of a recorded stream,
// stamped with the submitted presentation time.
type H264Replay struct {
	stream *H264Stream
	loop   bool
	out    *outputQueue

	mu      sync.Mutex
	format  media.Format
	next    int
	started bool
	ended   bool

	logger *slog.Logger
}

// ReplayOptions tune the replay encoders.
type ReplayOptions struct {
	// Loop restarts the recording when it runs out.
	Loop bool
	// OutputBuffer is the number of undrained outputs after which input is
	// refused with media.ErrNoBufferAvailable.
	OutputBuffer int
	Clock        clock.Clock
}

// NewH264Replay loads an Annex-B file.
func NewH264Replay(path string, opts ReplayOptions) (*H264Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	stream, err := ParseH264Stream(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return NewH264ReplayFromStream(stream, opts), nil
}

// NewH264ReplayFromStream replays an already parsed stream.
func NewH264ReplayFromStream(stream *H264Stream, opts ReplayOptions) *H264Replay {
	return &H264Replay{
		stream: stream,
		loop:   opts.Loop,
		out:    newOutputQueue(opts.OutputBuffer, opts.Clock),
		logger: util.GetLogger().With("component", "h264-replay"),
	}
}

func (e *H264Replay) Configure(format media.Format) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("configure while started")
	}
	if format.MimeType != "" && format.MimeType != media.MimeH264 {
		return fmt.Errorf("unsupported mime type %q", format.MimeType)
	}
	e.format = format
	return nil
}

func (e *H264Replay) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("already started")
	}
	e.started = true
	e.next = 0
	e.ended = false

	if e.format.Width != 0 && (e.format.Width != e.stream.Width || e.format.Height != e.stream.Height) {
		e.logger.Warn("Recorded stream size differs from requested size",
			"requested", fmt.Sprintf("%dx%d", e.format.Width, e.format.Height),
			"stream", fmt.Sprintf("%dx%d", e.stream.Width, e.stream.Height))
	}

	negotiated := e.format
	negotiated.Track = media.TrackVideo
	negotiated.MimeType = media.MimeH264
	negotiated.Width = e.stream.Width
	negotiated.Height = e.stream.Height
	negotiated.SPS = e.stream.SPS
	negotiated.PPS = e.stream.PPS
	e.out.push(Output{Kind: OutputFormatChanged, Format: negotiated})

	// Codec config buffer, as hardware encoders emit it ahead of the first picture.
	config := append(h264.Prefix(e.stream.SPS), h264.Prefix(e.stream.PPS)...)
	e.out.push(Output{Kind: OutputData, Data: config, Flags: media.FlagConfig})
	return nil
}

func (e *H264Replay) SubmitInput(frame media.RawFrame, ptsUs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return errors.New("encoder not started")
	}
	if e.out.full() {
		return media.ErrNoBufferAvailable
	}
	if e.next >= len(e.stream.Units) {
		if !e.loop {
			if !e.ended {
				e.ended = true
				e.logger.Info("Recorded stream exhausted", "units", len(e.stream.Units))
			}
			return nil
		}
		e.next = 0
	}

	au := e.stream.Units[e.next]
	e.next++

	var flags media.SampleFlags
	if au.KeyFrame {
		flags = media.FlagKeyFrame
	}
	e.out.push(Output{Kind: OutputData, Data: au.Data, PTS: ptsUs, Flags: flags})
	return nil
}

func (e *H264Replay) SignalEndOfInput() error {
	e.out.endOfInput()
	return nil
}

func (e *H264Replay) DrainOutput(timeout time.Duration) (Output, error) {
	return e.out.drain(timeout), nil
}

func (e *H264Replay) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	return nil
}

func (e *H264Replay) Release() error {
	e.out.reset()
	return nil
}
