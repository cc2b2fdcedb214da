// Package history provides the bounded per-anchor reading history
package history

import (
	"time"
)

// DefaultCapacity is the number of filtered readings kept per anchor
const DefaultCapacity = 10

// Reading is one filtered value with the raw sample that produced it
type Reading struct {
	Value    float64   `json:"value"`
	Raw      float64   `json:"raw"`
	Variance float64   `json:"variance"`
	At       time.Time `json:"at"`
}

// Ring is a fixed-capacity FIFO; the oldest reading is evicted on overflow.
// It is not synchronized; the owner guards it.
type Ring struct {
	buf   []Reading
	start int
	size  int
}

// NewRing creates a ring with the given capacity (DefaultCapacity if <= 0)
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Reading, capacity)}
}

// Push appends a reading, evicting the oldest one when full
func (r *Ring) Push(rd Reading) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = rd
		r.size++
		return
	}
	r.buf[r.start] = rd
	r.start = (r.start + 1) % len(r.buf)
}

// Latest returns the most recent reading
func (r *Ring) Latest() (Reading, bool) {
	if r.size == 0 {
		return Reading{}, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// Values returns a copy of all readings, oldest first
func (r *Ring) Values() []Reading {
	out := make([]Reading, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of stored readings
func (r *Ring) Len() int { return r.size }

// Cap returns the capacity
func (r *Ring) Cap() int { return len(r.buf) }
