package muxer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/avrecord/internal/media"
)

func TestWriterRejectsWriteBeforeStart(t *testing.T) {
	c := &fakeContainer{}
	w := NewWriter(c, "/tmp/w.mp4")

	h, err := w.AddTrack(videoFormat)
	require.NoError(t, err)

	err = w.WriteSample(h, sample(media.TrackVideo, 0))
	var writeErr *media.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.ErrorIs(t, err, media.ErrNotStarted)
	assert.Empty(t, c.snapshot())
}

func TestWriterStartOrder(t *testing.T) {
	c := &fakeContainer{}
	w := NewWriter(c, "/tmp/w.mp4")
	assert.Error(t, w.Start(), "start needs at least one track")

	_, err := w.AddTrack(videoFormat)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	assert.True(t, w.Started())

	_, err = w.AddTrack(audioFormat)
	var regErr *media.TrackRegistrationError
	assert.ErrorAs(t, err, &regErr)
	assert.Error(t, w.Start())

	assert.Error(t, w.WriteSample(TrackHandle(3), sample(media.TrackVideo, 0)))
	require.NoError(t, w.WriteSample(0, sample(media.TrackVideo, 0)))
	assert.Len(t, c.snapshot(), 1)
}

func TestWriterFinalize(t *testing.T) {
	t.Run("idle only releases", func(t *testing.T) {
		c := &fakeContainer{}
		w := NewWriter(c, "/tmp/w.mp4")
		finalized, err := w.Finalize()
		require.NoError(t, err)
		assert.False(t, finalized)
		assert.Equal(t, 0, c.stopped)
		assert.Equal(t, 1, c.released)

		finalized, err = w.Finalize()
		require.NoError(t, err)
		assert.False(t, finalized)
		assert.Equal(t, 1, c.released, "second finalize is a no-op")
	})

	t.Run("started stops and releases", func(t *testing.T) {
		c := &fakeContainer{}
		w := NewWriter(c, "/tmp/w.mp4")
		_, _ = w.AddTrack(videoFormat)
		require.NoError(t, w.Start())

		finalized, err := w.Finalize()
		require.NoError(t, err)
		assert.True(t, finalized)
		assert.Equal(t, 1, c.stopped)
		assert.Equal(t, 1, c.released)
	})

	t.Run("stop failure still releases", func(t *testing.T) {
		c := &fakeContainer{stopErr: errors.New("short write")}
		w := NewWriter(c, "/tmp/w.mp4")
		_, _ = w.AddTrack(videoFormat)
		require.NoError(t, w.Start())

		_, err := w.Finalize()
		var finErr *media.FinalizeError
		require.ErrorAs(t, err, &finErr)
		assert.Equal(t, "/tmp/w.mp4", finErr.Path)
		assert.Equal(t, 1, c.released)
	})
}
