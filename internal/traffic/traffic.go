// Package traffic counts API request outcomes over a sliding window so the
// health check can report overload (rate-limit denials) and error spikes.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies one finished request.
type Outcome int

const (
	Success Outcome = iota
	Failure
	Denied
)

// Classify maps a response status to an outcome: 429 is a denial, 5xx a failure.
func Classify(status int) Outcome {
	switch {
	case status == 429:
		return Denied
	case status >= 500:
		return Failure
	default:
		return Success
	}
}

// Counts are the outcomes inside the window.
type Counts struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Denied  int `json:"denied"`
}

func (c Counts) Total() int { return c.Success + c.Failure + c.Denied }

// ErrorPct is failures as a percentage of served requests; denials are excluded.
func (c Counts) ErrorPct() float64 {
	served := c.Success + c.Failure
	if served == 0 {
		return 0
	}
	return float64(c.Failure) * 100 / float64(served)
}

// DenialPct is denials as a percentage of all requests.
func (c Counts) DenialPct() float64 {
	if c.Total() == 0 {
		return 0
	}
	return float64(c.Denied) * 100 / float64(c.Total())
}

type bucket struct {
	second int64
	counts Counts
}

// Window keeps one bucket per second in a ring. Safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets []bucket
}

// NewWindow returns a window covering size, rounded up to whole seconds.
// now may be nil, in which case time.Now is used.
func NewWindow(size time.Duration, now func() time.Time) *Window {
	secs := int((size + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Window{now: now, buckets: make([]bucket, secs)}
}

// Size returns the window length.
func (w *Window) Size() time.Duration {
	return time.Duration(len(w.buckets)) * time.Second
}

// Record adds one outcome at the current time.
func (w *Window) Record(o Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sec := w.now().Unix()
	b := &w.buckets[int(mod(sec, int64(len(w.buckets))))]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	switch o {
	case Failure:
		b.counts.Failure++
	case Denied:
		b.counts.Denied++
	default:
		b.counts.Success++
	}
}

// Counts sums the buckets still inside the window.
func (w *Window) Counts() Counts {
	w.mu.Lock()
	defer w.mu.Unlock()
	sec := w.now().Unix()
	oldest := sec - int64(len(w.buckets)) + 1
	var c Counts
	for _, b := range w.buckets {
		if b.second < oldest || b.second > sec {
			continue
		}
		c.Success += b.counts.Success
		c.Failure += b.counts.Failure
		c.Denied += b.counts.Denied
	}
	return c
}

// Reset drops every recorded outcome.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
