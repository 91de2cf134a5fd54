package container

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/avrecord/internal/h264"
	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
)

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0x56, 0x81, 0x41, 0xf9}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x21}
	testP   = []byte{0x41, 0x9a, 0x22}
)

func videoFormat() media.Format {
	return media.Format{
		Track: media.TrackVideo, MimeType: media.MimeH264,
		Width: 320, Height: 240, FPS: 25,
		SPS: testSPS, PPS: testPPS,
	}
}

func audioFormat() media.Format {
	return media.Format{
		Track: media.TrackAudio, MimeType: media.MimeAAC,
		SampleRate: 44100, Channels: 2,
		AudioConfig: &mpeg4audio.AudioSpecificConfig{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: 44100, ChannelCount: 2},
	}
}

func videoSample(pts int64, key bool) media.EncodedSample {
	if key {
		return media.NewEncodedSample(media.TrackVideo, h264.Prefix(testIDR), pts, media.FlagKeyFrame)
	}
	return media.NewEncodedSample(media.TrackVideo, h264.Prefix(testP), pts, 0)
}

func audioSample(pts int64) media.EncodedSample {
	return media.NewEncodedSample(media.TrackAudio, []byte{0x21, 0x10, 0x05}, pts, media.FlagKeyFrame)
}

// topLevelBoxes lists the box types at the top level of an ISO BMFF file.
func topLevelBoxes(t *testing.T, data []byte) []string {
	t.Helper()
	var types []string
	for off := 0; off < len(data); {
		require.GreaterOrEqual(t, len(data)-off, 8, "truncated box header at %d", off)
		size := int(binary.BigEndian.Uint32(data[off:]))
		require.GreaterOrEqual(t, size, 8)
		types = append(types, string(data[off+4:off+8]))
		off += size
	}
	return types
}

func TestKindFor(t *testing.T) {
	assert.Equal(t, KindWebM, KindFor(KindAuto, "/tmp/a.webm"))
	assert.Equal(t, KindWebM, KindFor(KindAuto, "/tmp/a.MKV"))
	assert.Equal(t, KindMP4, KindFor(KindAuto, "/tmp/a.mp4"))
	assert.Equal(t, KindMP4, KindFor(KindAuto, "/tmp/a"))
	assert.Equal(t, KindMP4, KindFor(KindMP4, "/tmp/a.webm"))

	k, err := ParseKind(" WebM ")
	require.NoError(t, err)
	assert.Equal(t, KindWebM, k)
	_, err = ParseKind("avi")
	assert.Error(t, err)
}

func TestTimestampHelpers(t *testing.T) {
	assert.Equal(t, int64(90000), scaleTimestampToTimescale(1_000_000, 90000))
	assert.Equal(t, int64(0), scaleTimestampToTimescale(-5, 90000))
	assert.Equal(t, int64(1024), scaleTimestampToTimescale(23_220, 44100))

	var tl timeline
	assert.Equal(t, int64(0), tl.relative(5_000))
	assert.Equal(t, int64(1_000), tl.relative(6_000))
	assert.Equal(t, int64(0), tl.relative(4_000), "samples before the origin clamp to zero")

	adts := []byte{0xFF, 0xF1, 0x50, 0x80, 0x01, 0x5F, 0xFC, 0xAA, 0xBB}
	assert.Equal(t, []byte{0xAA, 0xBB}, stripADTSHeader(adts))
	assert.Equal(t, []byte{0x21, 0x10}, stripADTSHeader([]byte{0x21, 0x10}))
}

func TestAudioConfigFallback(t *testing.T) {
	cfg, err := audioConfig(media.Format{Track: media.TrackAudio, SampleRate: 48000, Channels: 1})
	require.NoError(t, err)
	assert.Equal(t, mpeg4audio.ObjectTypeAACLC, cfg.Type)
	assert.Equal(t, 48000, cfg.SampleRate)

	_, err = audioConfig(media.Format{Track: media.TrackAudio})
	assert.Error(t, err)
}

func TestNewReportsInitializationError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := New(KindAuto, filepath.Join(blocker, "out.mp4"), Options{})
	var initErr *media.InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "container", initErr.Component)
}

func TestMP4FileFragments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.mp4")
	c, err := New(KindAuto, path, Options{FragmentDuration: 100 * time.Millisecond})
	require.NoError(t, err)
	w := c.(*MP4File)

	assert.ErrorIs(t, w.WriteSample(0, videoSample(0, true)), media.ErrNotStarted)

	v, err := w.AddTrack(videoFormat())
	require.NoError(t, err)
	a, err := w.AddTrack(audioFormat())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, []int{v, a})

	require.NoError(t, w.Start())
	_, err = w.AddTrack(videoFormat())
	assert.Error(t, err, "tracks are fixed once started")

	const base = 1_000_000
	require.NoError(t, w.WriteSample(v, videoSample(base, true)))
	require.NoError(t, w.WriteSample(a, audioSample(base+10_000)))
	require.NoError(t, w.WriteSample(v, videoSample(base+40_000, false)))

	// durations come from the following sample
	vt := w.tracks[v]
	require.Len(t, vt.frag, 1)
	assert.Equal(t, uint32(3600), vt.frag[0].Duration)
	assert.False(t, vt.frag[0].IsNonSyncSample)
	assert.Equal(t, uint64(3600), vt.held.dts)

	require.NoError(t, w.WriteSample(a, audioSample(base+33_220)))
	require.NoError(t, w.WriteSample(v, videoSample(base+120_000, true)))
	assert.Equal(t, 1, w.fragments, "key frame past the fragment duration cuts a fragment")

	require.NoError(t, w.WriteSample(v, videoSample(base+160_000, true)))
	assert.Equal(t, 1, w.fragments, "fragment still too short")

	require.NoError(t, w.Stop())
	require.NoError(t, w.Release())
	require.NoError(t, w.Release())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat"}, topLevelBoxes(t, data))
	assert.Equal(t, int64(len(data)), w.Size())
	assert.True(t, bytes.Contains(data, []byte("avcC")))
	assert.True(t, bytes.Contains(data, []byte("esds")))
}

func TestMP4FileRejectsIncompleteFormats(t *testing.T) {
	c, err := New(KindMP4, filepath.Join(t.TempDir(), "out.mp4"), Options{})
	require.NoError(t, err)
	defer c.Release()

	_, err = c.AddTrack(media.Format{Track: media.TrackVideo})
	assert.Error(t, err)
	_, err = c.AddTrack(media.Format{Track: media.TrackAudio})
	assert.Error(t, err)
	assert.Error(t, c.Start(), "no tracks")
}

func TestUnstartedFileIsRemoved(t *testing.T) {
	for _, name := range []string{"out.mp4", "out.webm"} {
		path := filepath.Join(t.TempDir(), name)
		c, err := New(KindAuto, path, Options{})
		require.NoError(t, err)
		_, err = c.AddTrack(videoFormat())
		require.NoError(t, err)

		require.NoError(t, c.Release())
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err), name)
	}
}

func TestWebMFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.webm")
	c, err := New(KindAuto, path, Options{})
	require.NoError(t, err)
	w, ok := c.(*WebMFile)
	require.True(t, ok)

	v, err := w.AddTrack(videoFormat())
	require.NoError(t, err)
	a, err := w.AddTrack(audioFormat())
	require.NoError(t, err)
	assert.Equal(t, "V_MPEG4/ISO/AVC", w.entries[v].CodecID)
	assert.Equal(t, uint64(40*time.Millisecond), w.entries[v].DefaultDuration)
	assert.Equal(t, []byte{0x12, 0x10}, w.entries[a].CodecPrivate)

	assert.ErrorIs(t, w.WriteSample(v, videoSample(0, true)), media.ErrNotStarted)
	require.NoError(t, w.Start())

	const base = 5_000_000
	require.NoError(t, w.WriteSample(v, videoSample(base, true)))
	require.NoError(t, w.WriteSample(a, audioSample(base+5_000)))
	require.NoError(t, w.WriteSample(v, videoSample(base+40_000, false)))
	require.NoError(t, w.WriteSample(a, audioSample(base+28_000)))
	assert.Error(t, w.WriteSample(7, audioSample(base+30_000)))

	require.NoError(t, w.Stop())
	require.NoError(t, w.Release())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 4)
	assert.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3}, data[:4])
	assert.True(t, bytes.Contains(data, []byte("V_MPEG4/ISO/AVC")))
	assert.True(t, bytes.Contains(data, []byte("A_AAC")))
	assert.True(t, bytes.Contains(data, testIDR))
	assert.Equal(t, []int{2, 2}, w.samples)
}
