package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/avrecord/config"
	"github.com/babelcloud/gbox/packages/avrecord/internal/container"
	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/recorder"
	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
)

// RecordOptions holds command options
type RecordOptions struct {
	Output      string
	Container   string
	Duration    time.Duration
	Width       int
	Height      int
	FPS         int
	Quality     string
	Bitrate     int
	SampleRate  int
	Channels    int
	VideoSource string
	AudioSource string
	NoLoop      bool
	NoManifest  bool
}

// NewRecordCommand creates the record command
func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record audio and video into a container file",
		Long: `Record a video and an audio track into a single MP4 or WebM file.

Raw frames come from a test pattern and a silent audio source; encoded output is
replayed from an H.264 elementary stream and an ADTS AAC stream. Recording stops
on Ctrl+C, SIGTERM, or after --duration.`,
		Example: `  avrecord record --video-source clip.h264 --audio-source clip.aac --duration 10s
  avrecord record -o /tmp/out.webm --fps 30 --quality high --video-source clip.h264 --audio-source clip.aac`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output", "o", "", "Output file (default: <output dir>/avrecord-<time>.mp4)")
	flags.StringVar(&opts.Container, "container", config.GetContainer(), "Container format: mp4 or webm (default: from the output extension)")
	flags.DurationVarP(&opts.Duration, "duration", "d", 0, "Stop after this long (0 records until interrupted)")
	flags.IntVar(&opts.Width, "width", config.GetVideoWidth(), "Video width")
	flags.IntVar(&opts.Height, "height", config.GetVideoHeight(), "Video height")
	flags.IntVar(&opts.FPS, "fps", config.GetVideoFPS(), "Frame rate: 20, 25 or 30")
	flags.StringVar(&opts.Quality, "quality", config.GetVideoQuality(), "Bitrate level: low, middle or high")
	flags.IntVar(&opts.Bitrate, "bitrate", config.GetVideoBitrate(), "Video bitrate in bit/s (overrides --quality)")
	flags.IntVar(&opts.SampleRate, "sample-rate", config.GetAudioSampleRate(), "Audio sample rate")
	flags.IntVar(&opts.Channels, "channels", config.GetAudioChannels(), "Audio channels")
	flags.StringVar(&opts.VideoSource, "video-source", config.GetVideoSource(), "H.264 Annex-B stream replayed as encoder output")
	flags.StringVar(&opts.AudioSource, "audio-source", config.GetAudioSource(), "ADTS AAC stream replayed as encoder output")
	flags.BoolVar(&opts.NoLoop, "no-loop", !config.GetSourceLoop(), "Stop producing output when the source streams end")
	flags.BoolVar(&opts.NoManifest, "no-manifest", !config.GetManifestEnabled(), "Do not write the <output>.toml session manifest")

	return cmd
}

// buildConfig turns options and configuration into a recorder config.
func buildConfig(opts *RecordOptions, now time.Time) (recorder.Config, error) {
	kind, err := container.ParseKind(opts.Container)
	if err != nil {
		return recorder.Config{}, err
	}

	output := opts.Output
	if output == "" {
		ext := ".mp4"
		if kind == container.KindWebM {
			ext = ".webm"
		}
		output = filepath.Join(config.GetOutputDir(), "avrecord-"+now.Format("20060102-150405")+ext)
	}
	if output, err = filepath.Abs(output); err != nil {
		return recorder.Config{}, errors.Wrap(err, "failed to resolve output path")
	}

	if opts.VideoSource == "" || opts.AudioSource == "" {
		return recorder.Config{}, errors.New("both --video-source and --audio-source are required")
	}

	cfg := recorder.DefaultConfig()
	cfg.OutputPath = output
	cfg.Container = kind
	cfg.Width = opts.Width
	cfg.Height = opts.Height
	cfg.FPS = opts.FPS
	cfg.Quality = media.ParseQuality(opts.Quality)
	cfg.BitrateBps = opts.Bitrate
	cfg.SampleRate = opts.SampleRate
	cfg.Channels = opts.Channels
	cfg.VideoSource = opts.VideoSource
	cfg.AudioSource = opts.AudioSource
	cfg.Loop = !opts.NoLoop
	cfg.Manifest = !opts.NoManifest
	cfg.FragmentDuration = config.GetFragmentDuration()
	cfg.StartDelay = config.GetStartDelay()
	cfg.PollTimeout = config.GetPollTimeout()
	cfg.MaxEmptyPolls = config.GetMaxEmptyPolls()
	cfg.JoinTimeout = config.GetJoinTimeout()

	if err := cfg.Validate(); err != nil {
		return recorder.Config{}, errors.Wrap(err, "invalid recording settings")
	}
	return cfg, nil
}

type recordResult struct {
	path string
	err  error
}

func runRecord(ctx context.Context, opts *RecordOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := buildConfig(opts, time.Now())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	// The listener fires exactly once, after Start failed or Stop finished.
	result := make(chan recordResult, 1)
	listener := recorder.ResultFuncs{
		Success: func(path string) { result <- recordResult{path: path} },
		Failure: func(msg string) { result <- recordResult{err: errors.New(msg)} },
	}

	rec := recorder.New()
	if err := rec.Start(cfg, listener); err != nil {
		return errors.Wrap(err, "failed to start recording")
	}

	started := time.Now()
	sp := util.NewUISpinner(util.IsVerbose(), fmt.Sprintf("Recording to %s", cfg.OutputPath))
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

waitLoop:
	for {
		select {
		case <-ctx.Done():
			break waitLoop
		case <-ticker.C:
			p := rec.Progress()
			sp.Update(fmt.Sprintf("Recording %s, %s samples written",
				time.Since(started).Truncate(time.Second), humanize.Comma(p.Written)))
		}
	}

	sp.Update("Finishing recording")
	rec.Stop()
	res := <-result
	if res.err != nil {
		sp.Fail("Recording failed")
		return errors.Wrap(res.err, "recording failed")
	}

	sum := rec.Summary()
	if sum == nil || !sum.Finalized {
		sp.Success("Recording stopped before both tracks were ready; no file was written")
		return nil
	}

	size := "unknown size"
	if fi, err := os.Stat(res.path); err == nil {
		size = humanize.Bytes(uint64(fi.Size()))
	}
	sp.Success(fmt.Sprintf("Saved %s (%s)", color.CyanString(res.path), size))
	printSummary(sum, cfg)
	return nil
}

func printSummary(sum *recorder.Summary, cfg recorder.Config) {
	faint := color.New(color.Faint)
	faint.Printf("  Session:  %s\n", sum.SessionID)
	faint.Printf("  Length:   %s (started %s)\n", sum.Duration().Truncate(time.Millisecond), humanize.Time(sum.StartedAt))
	for _, t := range sum.Tracks {
		faint.Printf("  %-8s  %s samples, %s", t.Track+":", humanize.Comma(t.Written), humanize.Bytes(uint64(t.Bytes)))
		if dropped := t.DroppedConfig + t.DroppedPreKey + t.DroppedBadLayout; dropped > 0 {
			faint.Printf(", %d units dropped", dropped)
		}
		faint.Println()
	}
	if sum.Failed > 0 {
		color.New(color.FgYellow).Printf("  %d samples could not be written\n", sum.Failed)
	}
	if cfg.Manifest {
		faint.Printf("  Manifest: %s\n", recorder.ManifestPath(cfg.OutputPath))
	}
}
