// Package ratelimit implements dual-dimension admission control over a
// rolling time window. One dimension counts requests, the other sums an
// application-supplied weight (typically tokens). A call is admitted only
// when both dimensions have headroom, and the reservation on both is taken
// in a single critical section.
package ratelimit

import (
	"time"
)

// Dimension names a quota dimension.
type Dimension string

const (
	// DimensionRequests is the count-based dimension.
	DimensionRequests Dimension = "requests"

	// DimensionWeight is the weight-based dimension.
	DimensionWeight Dimension = "weight"
)

// Redis key layout for published usage snapshots. %s is the run ID.
const (
	RedisKeyUsage = "dispatch:ratelimit:%s:usage"
)

// entry is one reservation recorded in a window.
type entry struct {
	at     time.Time
	amount int64
}

// window tracks consumption of one dimension over the last span.
//
// An entry counts against the window while now < at+span. The invariant
// maintained by reserve is that for every half-open interval of length span
// the sum of recorded amounts is <= capacity.
type window struct {
	capacity int64
	span     time.Duration
	entries  []entry
	used     int64
}

func newWindow(capacity int64, span time.Duration) *window {
	return &window{capacity: capacity, span: span}
}

// unlimited reports whether the dimension is disabled.
func (w *window) unlimited() bool {
	return w.capacity <= 0
}

// prune drops entries that have left the window.
func (w *window) prune(now time.Time) {
	i := 0
	for i < len(w.entries) && !now.Before(w.entries[i].at.Add(w.span)) {
		w.used -= w.entries[i].amount
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// delay returns how long until amount fits, or 0 if it fits now.
// The caller must have pruned the window at now.
func (w *window) delay(now time.Time, amount int64) time.Duration {
	if w.unlimited() || amount <= 0 || w.used+amount <= w.capacity {
		return 0
	}
	need := w.used + amount - w.capacity
	var freed int64
	for _, e := range w.entries {
		freed += e.amount
		if freed >= need {
			return e.at.Add(w.span).Sub(now)
		}
	}
	// Only reachable if amount > capacity, which Check rejects up front.
	return w.span
}

// reserve records amount at now.
func (w *window) reserve(now time.Time, amount int64) {
	if w.unlimited() || amount <= 0 {
		return
	}
	w.entries = append(w.entries, entry{at: now, amount: amount})
	w.used += amount
}

// DimensionUsage is a snapshot of one dimension.
type DimensionUsage struct {
	Used     int64 `json:"used"`
	Capacity int64 `json:"capacity"`
}

// Remaining returns the capacity left in the current window. Unlimited
// dimensions report -1.
func (u DimensionUsage) Remaining() int64 {
	if u.Capacity <= 0 {
		return -1
	}
	if r := u.Capacity - u.Used; r > 0 {
		return r
	}
	return 0
}

// Usage is a point-in-time snapshot of both dimensions.
type Usage struct {
	Requests DimensionUsage `json:"requests"`
	Weight   DimensionUsage `json:"weight"`
	At       time.Time      `json:"at"`
}
