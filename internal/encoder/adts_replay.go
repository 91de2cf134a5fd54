package encoder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
)

var adtsSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// ADTSStream is a parsed ADTS file: raw AAC frames plus the decoder
// configuration taken from the first header.
type ADTSStream struct {
	Config mpeg4audio.AudioSpecificConfig
	Frames [][]byte
}

// FrameDuration is the duration of one AAC frame (1024 samples).
func (s *ADTSStream) FrameDuration() time.Duration {
	if s.Config.SampleRate == 0 {
		return 0
	}
	return time.Duration(1024) * time.Second / time.Duration(s.Config.SampleRate)
}

// ParseADTSStream splits ADTS data into raw AAC frames.
func ParseADTSStream(data []byte) (*ADTSStream, error) {
	s := &ADTSStream{}
	for pos := 0; pos < len(data); {
		if len(data)-pos < 7 {
			return nil, fmt.Errorf("truncated ADTS header at %d", pos)
		}
		h := data[pos:]
		// syncword 0xFFF
		if h[0] != 0xFF || h[1]&0xF0 != 0xF0 {
			return nil, fmt.Errorf("missing ADTS syncword at %d", pos)
		}
		headerLen := 7
		if h[1]&0x01 == 0 { // CRC present
			headerLen = 9
		}
		frameLen := int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5]>>5)
		if frameLen < headerLen || pos+frameLen > len(data) {
			return nil, fmt.Errorf("invalid ADTS frame length %d at %d", frameLen, pos)
		}

		if len(s.Frames) == 0 {
			rateIdx := int(h[2]>>2) & 0x0F
			if rateIdx >= len(adtsSampleRates) {
				return nil, fmt.Errorf("invalid sampling frequency index %d", rateIdx)
			}
			channels, err := adtsChannelCount(int(h[2]&0x01)<<2 | int(h[3]>>6))
			if err != nil {
				return nil, err
			}
			s.Config = mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectType(h[2]>>6 + 1),
				SampleRate:   adtsSampleRates[rateIdx],
				ChannelCount: channels,
			}
		}

		s.Frames = append(s.Frames, data[pos+headerLen:pos+frameLen])
		pos += frameLen
	}
	if len(s.Frames) == 0 {
		return nil, errors.New("no ADTS frames")
	}
	return s, nil
}

// adtsChannelCount maps an ADTS channel_configuration to a channel count.
// Configuration 7 is 7.1 surround.
func adtsChannelCount(config int) (int, error) {
	switch {
	case config >= 1 && config <= 6:
		return config, nil
	case config == 7:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported ADTS channel configuration %d", config)
	}
}

// ADTSReplay stands in for an AAC encoder by replaying a recorded ADTS
// stream, one frame per submitted PCM buffer.
type ADTSReplay struct {
	stream *ADTSStream
	loop   bool
	out    *outputQueue

	mu      sync.Mutex
	format  media.Format
	next    int
	started bool

	logger *slog.Logger
}

// NewADTSReplay loads an ADTS file.
func NewADTSReplay(path string, opts ReplayOptions) (*ADTSReplay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	stream, err := ParseADTSStream(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return NewADTSReplayFromStream(stream, opts), nil
}

// NewADTSReplayFromStream replays an already parsed stream.
func NewADTSReplayFromStream(stream *ADTSStream, opts ReplayOptions) *ADTSReplay {
	return &ADTSReplay{
		stream: stream,
		loop:   opts.Loop,
		out:    newOutputQueue(opts.OutputBuffer, opts.Clock),
		logger: util.GetLogger().With("component", "adts-replay"),
	}
}

func (e *ADTSReplay) Configure(format media.Format) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("configure while started")
	}
	if format.MimeType != "" && format.MimeType != media.MimeAAC {
		return fmt.Errorf("unsupported mime type %q", format.MimeType)
	}
	e.format = format
	return nil
}

func (e *ADTSReplay) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("already started")
	}
	e.started = true
	e.next = 0

	cfg := e.stream.Config
	if e.format.SampleRate != 0 && e.format.SampleRate != cfg.SampleRate {
		e.logger.Warn("Recorded stream sample rate differs from requested rate",
			"requested", e.format.SampleRate, "stream", cfg.SampleRate)
	}

	negotiated := e.format
	negotiated.Track = media.TrackAudio
	negotiated.MimeType = media.MimeAAC
	negotiated.SampleRate = cfg.SampleRate
	negotiated.Channels = cfg.ChannelCount
	negotiated.AudioConfig = &cfg
	e.out.push(Output{Kind: OutputFormatChanged, Format: negotiated})

	if asc, err := cfg.Marshal(); err == nil {
		e.out.push(Output{Kind: OutputData, Data: asc, Flags: media.FlagConfig})
	}
	return nil
}

func (e *ADTSReplay) SubmitInput(frame media.RawFrame, ptsUs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return errors.New("encoder not started")
	}
	if e.out.full() {
		return media.ErrNoBufferAvailable
	}
	if e.next >= len(e.stream.Frames) {
		if !e.loop {
			return nil
		}
		e.next = 0
	}
	au := e.stream.Frames[e.next]
	e.next++
	e.out.push(Output{Kind: OutputData, Data: au, PTS: ptsUs, Flags: media.FlagKeyFrame})
	return nil
}

func (e *ADTSReplay) SignalEndOfInput() error {
	e.out.endOfInput()
	return nil
}

func (e *ADTSReplay) DrainOutput(timeout time.Duration) (Output, error) {
	return e.out.drain(timeout), nil
}

func (e *ADTSReplay) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	return nil
}

func (e *ADTSReplay) Release() error {
	e.out.reset()
	return nil
}
