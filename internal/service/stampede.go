package service

import (
	"sync"
)

// missKey identifies one kind of read for one location.
type missKey struct {
	kind       string
	locationID int64
}

// stampedeTracker counts misses in flight per key. More than one in flight
// means several callers are filling the same rows at once.
type stampedeTracker struct {
	mu       sync.Mutex
	inFlight map[missKey]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{inFlight: make(map[missKey]int)}
}

// begin registers a miss for k. It returns the number of misses in flight for
// k including this one, and a func that must be called once the miss resolves.
func (st *stampedeTracker) begin(k missKey) (int, func()) {
	st.mu.Lock()
	st.inFlight[k]++
	n := st.inFlight[k]
	st.mu.Unlock()

	var once sync.Once
	return n, func() {
		once.Do(func() { st.end(k) })
	}
}

func (st *stampedeTracker) end(k missKey) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inFlight[k] <= 1 {
		delete(st.inFlight, k)
		return
	}
	st.inFlight[k]--
}

func (st *stampedeTracker) active(k missKey) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight[k]
}
