package muxer

import "github.com/babelcloud/gbox/packages/avrecord/internal/media"

// sampleQueue is an unbounded FIFO of encoded samples. It is not safe for
// concurrent use; Muxer guards it with the same mutex as the track registry.
type sampleQueue struct {
	items []media.EncodedSample
	head  int
}

func (q *sampleQueue) push(s media.EncodedSample) {
	q.items = append(q.items, s)
}

func (q *sampleQueue) pop() (media.EncodedSample, bool) {
	if q.head >= len(q.items) {
		return media.EncodedSample{}, false
	}
	s := q.items[q.head]
	q.items[q.head] = media.EncodedSample{}
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array.
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return s, true
}

func (q *sampleQueue) len() int {
	return len(q.items) - q.head
}
