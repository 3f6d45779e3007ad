package vcam

import (
	"sync"
	"time"
)

// Pacer schedules fixed-rate frame slots. Each Wait advances the next slot
// by one interval and sleeps until it; when the caller falls more than one
// interval behind, the schedule resyncs to now instead of bursting.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// NewPacer creates a pacer for fps frames per second
func NewPacer(fps int) *Pacer {
	if fps <= 0 {
		fps = 1
	}
	return &Pacer{
		interval: time.Second / time.Duration(fps),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Interval returns the frame period
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait blocks until the next frame slot
func (p *Pacer) Wait() {
	p.mu.Lock()
	now := p.now()
	if p.next.IsZero() {
		p.next = now
	}
	p.next = p.next.Add(p.interval)
	d := p.next.Sub(now)
	if d < -p.interval {
		p.next = now
		d = 0
	}
	p.mu.Unlock()

	if d > 0 {
		p.sleep(d)
	}
}
