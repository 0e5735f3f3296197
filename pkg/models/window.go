package models

import "github.com/khrystyna-dutka/Masterwork/pkg/features"

// Window is a fixed-size ring buffer of the most recent rows. Push
// overwrites the oldest row in O(1).
type Window struct {
	buf  []features.Point
	next int
	n    int
}

// NewWindow returns a window of the given size holding the tail of seed.
func NewWindow(size int, seed []features.Point) *Window {
	w := &Window{buf: make([]features.Point, size)}
	for _, p := range seed[max(0, len(seed)-size):] {
		w.Push(p)
	}
	return w
}

// Push appends p, evicting the oldest row when full.
func (w *Window) Push(p features.Point) {
	w.buf[w.next] = p
	w.next = (w.next + 1) % len(w.buf)
	if w.n < len(w.buf) {
		w.n++
	}
}

// Len is the number of rows held.
func (w *Window) Len() int { return w.n }

// Last returns the newest row.
func (w *Window) Last() features.Point {
	return w.buf[(w.next-1+len(w.buf))%len(w.buf)]
}

// Points returns the rows oldest first in a new slice.
func (w *Window) Points() []features.Point {
	out := make([]features.Point, w.n)
	start := (w.next - w.n + len(w.buf)) % len(w.buf)
	for i := range out {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}
