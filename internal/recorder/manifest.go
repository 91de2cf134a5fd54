package recorder

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
	"github.com/babelcloud/gbox/packages/avrecord/internal/version"
)

// Summary describes a finished session. It is also the manifest written
// next to the output file.
type Summary struct {
	SessionID string        `toml:"session_id"`
	Recorder  string        `toml:"recorder"`
	Path      string        `toml:"path"`
	Container string        `toml:"container"`
	StartedAt time.Time     `toml:"started_at"`
	StoppedAt time.Time     `toml:"stopped_at"`
	Finalized bool          `toml:"finalized"`
	Written   int64         `toml:"samples_written"`
	Failed    int64         `toml:"samples_failed"`
	Discarded int64         `toml:"samples_discarded"`
	Tracks    []TrackReport `toml:"track"`
}

// TrackReport holds the per-track counters of a session.
type TrackReport struct {
	Track            string `toml:"track"`
	Submitted        int64  `toml:"frames_submitted"`
	InputRejected    int64  `toml:"frames_rejected"`
	Enqueued         int64  `toml:"units_enqueued"`
	DroppedConfig    int64  `toml:"dropped_config"`
	DroppedPreKey    int64  `toml:"dropped_pre_key"`
	DroppedBadLayout int64  `toml:"dropped_bad_layout"`
	Written          int64  `toml:"samples_written"`
	Bytes            int64  `toml:"bytes"`
}

// Duration is the wall-clock length of the session.
func (s *Summary) Duration() time.Duration {
	return s.StoppedAt.Sub(s.StartedAt)
}

func (s *session) summarize(stoppedAt time.Time, finalized bool) *Summary {
	ms := s.mux.Stats()
	sum := &Summary{
		SessionID: s.id,
		Recorder:  version.UserAgent(),
		Path:      s.cfg.OutputPath,
		Container: string(s.cfg.Container),
		StartedAt: s.started,
		StoppedAt: stoppedAt,
		Finalized: finalized,
		Written:   ms.Written,
		Failed:    ms.Failed,
		Discarded: ms.Discarded,
	}
	if sum.Container == "" {
		sum.Container = "auto"
	}
	for _, g := range s.gates {
		gs := g.Stats()
		ts := ms.Tracks[g.Track()]
		sum.Tracks = append(sum.Tracks, TrackReport{
			Track:            g.Track().String(),
			Submitted:        gs.Submitted,
			InputRejected:    gs.InputRejected,
			Enqueued:         gs.Enqueued,
			DroppedConfig:    gs.DroppedConfig,
			DroppedPreKey:    gs.DroppedPreKey,
			DroppedBadLayout: gs.DroppedBadLayout,
			Written:          ts.Samples,
			Bytes:            ts.Bytes,
		})
	}
	return sum
}

// Track returns the report for track, if present.
func (s *Summary) Track(track media.TrackID) (TrackReport, bool) {
	for _, t := range s.Tracks {
		if t.Track == track.String() {
			return t, true
		}
	}
	return TrackReport{}, false
}

// ManifestPath is where the manifest of output is written.
func ManifestPath(output string) string {
	return output + ".toml"
}

// WriteManifest stores summary next to output and returns the manifest path.
func WriteManifest(output string, summary *Summary) (string, error) {
	data, err := toml.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	path := ManifestPath(output)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return &s, nil
}
