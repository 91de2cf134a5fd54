package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/avrecord/internal/encoder"
	"github.com/babelcloud/gbox/packages/avrecord/internal/recorder"
	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
)

// NewProbeCommand creates the probe command
func NewProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe FILE...",
		Short: "Describe source streams and session manifests",
		Long: `Describe H.264 Annex-B streams (.h264), ADTS AAC streams (.aac) and session
manifests (.toml) written next to recordings.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.OutOrStdout(), args)
		},
	}
}

func runProbe(w io.Writer, paths []string) error {
	logger := util.GetCompatLogger()

	var rows []map[string]interface{}
	var failed int
	for _, path := range paths {
		logger.Debugf("probing %s", path)
		row, err := probeFile(path)
		if err != nil {
			logger.Warnf("cannot probe %s: %v", path, err)
			row = map[string]interface{}{"file": filepath.Base(path), "kind": "error", "details": err.Error()}
			failed++
		}
		rows = append(rows, row)
	}

	renderTable(w, []TableColumn{
		{Header: "FILE", Key: "file"},
		{Header: "KIND", Key: "kind"},
		{Header: "SIZE", Key: "size"},
		{Header: "DETAILS", Key: "details"},
	}, rows)

	if failed > 0 {
		return errors.Errorf("%d of %d files could not be probed", failed, len(paths))
	}
	return nil
}

func probeFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read")
	}
	row := map[string]interface{}{
		"file": filepath.Base(path),
		"size": humanize.Bytes(uint64(len(data))),
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".h264", ".264", ".avc":
		s, err := encoder.ParseH264Stream(data)
		if err != nil {
			return nil, err
		}
		row["kind"] = "h264"
		row["details"] = fmt.Sprintf("%dx%d, %d pictures, %d key", s.Width, s.Height, len(s.Units), s.KeyFrames())
	case ".aac", ".adts":
		s, err := encoder.ParseADTSStream(data)
		if err != nil {
			return nil, err
		}
		length := time.Duration(len(s.Frames)) * s.FrameDuration()
		row["kind"] = "aac"
		row["details"] = fmt.Sprintf("%d Hz, %d ch, %d frames, %s",
			s.Config.SampleRate, s.Config.ChannelCount, len(s.Frames), length.Truncate(time.Millisecond))
	case ".toml":
		m, err := recorder.ReadManifest(path)
		if err != nil {
			return nil, err
		}
		state := "finalized"
		if !m.Finalized {
			state = "not finalized"
		}
		row["kind"] = "manifest"
		row["details"] = fmt.Sprintf("%s: %s, %s samples in %s, %s",
			m.SessionID, filepath.Base(m.Path), humanize.Comma(m.Written), m.Duration().Truncate(time.Millisecond), state)
	default:
		return nil, errors.Errorf("unsupported file type %q", filepath.Ext(path))
	}
	return row, nil
}
