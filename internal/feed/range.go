package feed

import "sync"

// RangeEstimator derives the range reading R from a rolling window of trade
// prices: the high-low spread over the last windowSize updates. It reports 0
// until the window has filled, which the strategy treats as "R unavailable".
type RangeEstimator struct {
	mu      sync.Mutex
	prices  []float64
	next    int
	filled  bool
	lastIdx int64
	reading float64
}

func NewRangeEstimator(windowSize int) *RangeEstimator {
	if windowSize < 2 {
		windowSize = 2
	}
	return &RangeEstimator{prices: make([]float64, windowSize)}
}

// Observe records one update's price and refreshes the cached reading.
func (e *RangeEstimator) Observe(upd Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[e.next] = upd.Price
	e.next++
	if e.next == len(e.prices) {
		e.next = 0
		e.filled = true
	}
	e.lastIdx = upd.Index
	if !e.filled {
		e.reading = 0
		return
	}
	lo, hi := e.prices[0], e.prices[0]
	for _, p := range e.prices[1:] {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	e.reading = hi - lo
}

// Reading returns the cached range for the given update index, or 0 when the
// estimator has no value for it.
func (e *RangeEstimator) Reading(updateIndex int64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if updateIndex != e.lastIdx {
		return 0
	}
	return e.reading
}
