package optimizer

import "gonum.org/v1/gonum/floats"

// A Sample is one measured QBER together with the stage positions it was
// measured at.
type Sample struct {
	QBER      float64
	Positions []float64
}

// History is a fixed-capacity FIFO of samples. Once full, each Push evicts
// the oldest entry.
type History struct {
	ring []Sample
	head int // index of the oldest sample
	n    int
}

// NewHistory returns an empty history holding at most capacity samples.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{ring: make([]Sample, capacity)}
}

// Push records s, evicting the oldest sample when the history is full.
func (h *History) Push(s Sample) (evicted bool) {
	s.Positions = append([]float64(nil), s.Positions...)
	if h.n < len(h.ring) {
		h.ring[(h.head+h.n)%len(h.ring)] = s
		h.n++
		return false
	}
	h.ring[h.head] = s
	h.head = (h.head + 1) % len(h.ring)
	return true
}

// Len returns the number of stored samples.
func (h *History) Len() int { return h.n }

// Cap returns the capacity.
func (h *History) Cap() int { return len(h.ring) }

// At returns the i'th sample, 0 being the oldest.
func (h *History) At(i int) Sample {
	if i < 0 || i >= h.n {
		panic("optimizer: history index out of range")
	}
	return h.ring[(h.head+i)%len(h.ring)]
}

// QBERs returns the stored QBER values, oldest first.
func (h *History) QBERs() []float64 {
	out := make([]float64, h.n)
	for i := range out {
		out[i] = h.At(i).QBER
	}
	return out
}

// Best returns the sample with the lowest QBER. Ties go to the oldest one.
func (h *History) Best() (Sample, bool) {
	if h.n == 0 {
		return Sample{}, false
	}
	return h.At(floats.MinIdx(h.QBERs())), true
}
