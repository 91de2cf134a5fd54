package gate

import (
	"time"

	"k8s.io/utils/clock"
)

// pacer holds raw input to a target frame interval. The time left in the
// interval is split in two sleeps, one before and one after the input is
// handed to the encoder.
type pacer struct {
	clk      clock.Clock
	interval time.Duration
	last     time.Time
	pending  time.Duration
}

func newPacer(clk clock.Clock, fps int) *pacer {
	p := &pacer{clk: clk}
	if fps > 0 {
		p.interval = time.Second / time.Duration(fps)
	}
	return p
}

// before sleeps the first half of the remaining interval.
func (p *pacer) before() {
	p.pending = 0
	if p.interval <= 0 {
		return
	}
	now := p.clk.Now()
	if p.last.IsZero() {
		p.last = now
	}
	elapsed := now.Sub(p.last)
	if elapsed < 0 {
		return
	}
	if remaining := p.interval - elapsed; remaining > 0 {
		p.pending = remaining / 2
		p.clk.Sleep(p.pending)
	}
}

// after sleeps the second half and marks the input time. It is only called
// when the encoder accepted the input.
func (p *pacer) after() {
	if p.interval <= 0 {
		return
	}
	if p.pending > 0 {
		p.clk.Sleep(p.pending)
	}
	p.last = p.clk.Now()
}

// ptsClock produces presentation timestamps in microseconds since the
// session epoch. A candidate earlier than the last recorded timestamp is
// replaced by it, so timestamps never go backwards but may repeat.
type ptsClock struct {
	clk   clock.PassiveClock
	epoch time.Time
	last  int64
}

func newPTSClock(clk clock.PassiveClock, epoch time.Time) *ptsClock {
	return &ptsClock{clk: clk, epoch: epoch}
}

// now returns the wall-clock candidate corrected against the last recorded
// timestamp.
func (c *ptsClock) now() int64 {
	return c.correct(c.clk.Since(c.epoch).Microseconds())
}

func (c *ptsClock) correct(candidate int64) int64 {
	if candidate < c.last {
		return c.last
	}
	return candidate
}

// record stores the timestamp of an enqueued unit after correcting it.
func (c *ptsClock) record(pts int64) int64 {
	pts = c.correct(pts)
	c.last = pts
	return pts
}
