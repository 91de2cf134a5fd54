package muxer

import "github.com/babelcloud/gbox/packages/avrecord/internal/media"

// TrackHandle is the container-side index of a registered track. Handles
// are assigned in registration order starting at zero.
type TrackHandle int

type trackState struct {
	registered bool
	handle     TrackHandle
	format     media.Format
}

// trackRegistry records which tracks have announced their format. Like the
// queue it relies on the Muxer mutex.
type trackRegistry struct {
	required []media.TrackID
	tracks   map[media.TrackID]*trackState
	order    []media.TrackID
}

func newTrackRegistry(required []media.TrackID) *trackRegistry {
	return &trackRegistry{
		required: append([]media.TrackID(nil), required...),
		tracks:   make(map[media.TrackID]*trackState),
	}
}

// lookup returns the state of a registered track.
func (r *trackRegistry) lookup(id media.TrackID) (*trackState, bool) {
	ts, ok := r.tracks[id]
	return ts, ok && ts.registered
}

// add records a new track and returns its handle. The caller has already
// checked that id is not registered.
func (r *trackRegistry) add(id media.TrackID, format media.Format) TrackHandle {
	h := TrackHandle(len(r.order))
	r.tracks[id] = &trackState{registered: true, handle: h, format: format}
	r.order = append(r.order, id)
	return h
}

// complete reports whether every required track is registered.
func (r *trackRegistry) complete() bool {
	for _, id := range r.required {
		if _, ok := r.lookup(id); !ok {
			return false
		}
	}
	return true
}

// isRequired reports whether the start gate waits for id.
func (r *trackRegistry) isRequired(id media.TrackID) bool {
	for _, req := range r.required {
		if req == id {
			return true
		}
	}
	return false
}

// snapshot returns registered tracks in handle order.
func (r *trackRegistry) snapshot() []RegisteredTrack {
	out := make([]RegisteredTrack, 0, len(r.order))
	for _, id := range r.order {
		ts := r.tracks[id]
		out = append(out, RegisteredTrack{Track: id, Handle: ts.handle, Format: ts.format})
	}
	return out
}

// RegisteredTrack is a track as it will be added to the container.
type RegisteredTrack struct {
	Track  media.TrackID
	Handle TrackHandle
	Format media.Format
}
