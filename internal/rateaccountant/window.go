// Package rateaccountant tracks, per upstream endpoint, a sliding window
// of recent outbound call timestamps and answers whether another call can
// be sent right now without exceeding the endpoint's configured TPS/TPM
// caps.
package rateaccountant

import (
	"sync"
	"time"
)

const window = 60 * time.Second

// Window is a per-endpoint ring buffer of outbound call timestamps,
// guarded by one mutex per endpoint.
type Window struct {
	mu   sync.Mutex
	buf  []time.Time
	head int
	n    int

	maxTPS int
	maxTPM int // 0 means unset: no per-minute cap
}

// New builds a Window for an endpoint with the given caps. maxTPM of 0
// disables the per-minute check entirely.
func New(maxTPS, maxTPM int) *Window {
	return &Window{
		buf:    make([]time.Time, 64),
		maxTPS: maxTPS,
		maxTPM: maxTPM,
	}
}

// CanSend reports whether another call may be sent at now without
// exceeding either cap.
func (w *Window) CanSend(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)

	if w.countSince(now.Add(-time.Second)) >= w.maxTPS {
		return false
	}
	if w.maxTPM > 0 && w.n >= w.maxTPM {
		return false
	}
	return true
}

// Record appends now to the window. Must only be called at actual send
// time, never at selection time, so balancer retries don't double-count.
func (w *Window) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	w.push(now)
}

// EarliestAvailable returns the instant at which CanSend would next
// become true, given the window's current contents.
func (w *Window) EarliestAvailable(now time.Time) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)

	tpsBlocked := w.countSince(now.Add(-time.Second)) >= w.maxTPS
	tpmBlocked := w.maxTPM > 0 && w.n >= w.maxTPM
	if !tpsBlocked && !tpmBlocked {
		return now
	}

	// The 1s-window cap clears as soon as its oldest occupant falls out
	// of (now-1s, now]; the 60s cap clears as soon as the head entry
	// falls out of the full window. Whichever is binding determines the
	// wait; when both bind, the later of the two instants does.
	var candidates []time.Time
	if tpmBlocked && w.n > 0 {
		oldest := w.at(0)
		candidates = append(candidates, oldest.Add(window))
	}
	tpsOldest, ok := w.oldestSince(now.Add(-time.Second))
	if tpsBlocked && ok {
		candidates = append(candidates, tpsOldest.Add(time.Second))
	}
	if len(candidates) == 0 {
		return now
	}
	earliest := candidates[0]
	for _, c := range candidates[1:] {
		if c.After(earliest) {
			earliest = c
		}
	}
	if earliest.Before(now) {
		return now
	}
	return earliest
}

// ObservedTPS reports how many sends landed in the trailing 1s window,
// the figure the Health Monitor compares against an endpoint's max_tps
// for the healthy<->throttled transition.
func (w *Window) ObservedTPS(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return w.countSince(now.Add(-time.Second))
}

// ObservedTPM reports how many sends landed in the trailing 60s window.
func (w *Window) ObservedTPM(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return w.n
}

// prune discards entries older than the 60s window. Entries are appended
// in increasing time order, so this is a single forward scan from the
// head, amortized O(1) per call.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-window)
	for w.n > 0 && !w.at(0).After(cutoff) {
		w.head = (w.head + 1) % len(w.buf)
		w.n--
	}
}

func (w *Window) at(i int) time.Time {
	return w.buf[(w.head+i)%len(w.buf)]
}

func (w *Window) push(t time.Time) {
	if w.n == len(w.buf) {
		w.grow()
	}
	idx := (w.head + w.n) % len(w.buf)
	w.buf[idx] = t
	w.n++
}

func (w *Window) grow() {
	next := make([]time.Time, len(w.buf)*2)
	for i := 0; i < w.n; i++ {
		next[i] = w.at(i)
	}
	w.buf = next
	w.head = 0
}

// countSince counts entries strictly after cutoff.
func (w *Window) countSince(cutoff time.Time) int {
	count := 0
	for i := w.n - 1; i >= 0; i-- {
		t := w.at(i)
		if !t.After(cutoff) {
			break
		}
		count++
	}
	return count
}

// oldestSince returns the earliest entry strictly after cutoff, if any.
func (w *Window) oldestSince(cutoff time.Time) (time.Time, bool) {
	for i := 0; i < w.n; i++ {
		t := w.at(i)
		if t.After(cutoff) {
			return t, true
		}
	}
	return time.Time{}, false
}
