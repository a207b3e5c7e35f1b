// Package lifecycle holds process-level state read by the health endpoint:
// the shutdown flag and the outcome of the most recent background cycles.
package lifecycle

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// CycleStatus is the last known state of one background job.
type CycleStatus struct {
	Job         string    `json:"job"`
	Running     bool      `json:"running"`
	LastStart   time.Time `json:"lastStart,omitempty"`
	LastEnd     time.Time `json:"lastEnd,omitempty"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Failures    int       `json:"consecutiveFailures"`
}

// Healthy reports whether the last finished cycle succeeded. A job that has
// never finished a cycle is healthy.
func (s CycleStatus) Healthy() bool {
	return s.Failures == 0
}

// CycleTracker records cycle outcomes per job. Safe for concurrent use.
type CycleTracker struct {
	mu   sync.Mutex
	jobs map[string]*CycleStatus
}

func NewCycleTracker() *CycleTracker {
	return &CycleTracker{jobs: make(map[string]*CycleStatus)}
}

// Register makes a job visible before its first cycle.
func (t *CycleTracker) Register(job string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status(job)
}

// RecordCycleStart marks job as running.
func (t *CycleTracker) RecordCycleStart(job string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.status(job)
	s.Running = true
	s.LastStart = at
}

// RecordCycleResult records the end of a cycle; err nil means success.
func (t *CycleTracker) RecordCycleResult(job string, at time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.status(job)
	s.Running = false
	s.LastEnd = at
	if err != nil {
		s.LastError = err.Error()
		s.Failures++
		return
	}
	s.LastError = ""
	s.Failures = 0
	s.LastSuccess = at
}

// CycleStatuses returns a snapshot of every job, ordered by name.
func (t *CycleTracker) CycleStatuses() []CycleStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CycleStatus, 0, len(t.jobs))
	for _, s := range t.jobs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

func (t *CycleTracker) status(job string) *CycleStatus {
	s, ok := t.jobs[job]
	if !ok {
		s = &CycleStatus{Job: job}
		t.jobs[job] = s
	}
	return s
}
