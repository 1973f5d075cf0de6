package services

import (
	"sync"

	"github.com/gammazero/deque"
)

const DefaultHistorySize = 60

type Trend string

const (
	TrendUpward   Trend = "upward"
	TrendDownward Trend = "downward"
	TrendNeutral  Trend = "neutral"
)

// BandwidthHistory keeps the most recent bandwidth samples (kbps), oldest
// evicted first.
type BandwidthHistory struct {
	lock     sync.RWMutex
	capacity int
	samples  deque.Deque[float64]
}

func NewBandwidthHistory(capacity int) *BandwidthHistory {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &BandwidthHistory{capacity: capacity}
}

func (h *BandwidthHistory) Push(kbps float64) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.samples.PushBack(kbps)
	for h.samples.Len() > h.capacity {
		h.samples.PopFront()
	}
}

// Samples returns a copy, oldest first.
func (h *BandwidthHistory) Samples() []float64 {
	h.lock.RLock()
	defer h.lock.RUnlock()

	out := make([]float64, h.samples.Len())
	for i := range out {
		out[i] = h.samples.At(i)
	}
	return out
}

func (h *BandwidthHistory) Len() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.samples.Len()
}

func (h *BandwidthHistory) Capacity() int {
	return h.capacity
}

func (h *BandwidthHistory) Clear() {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.samples.Clear()
}

// Trend compares the newest sample with the mean of the last window samples.
// Fewer than two samples is neutral.
func (h *BandwidthHistory) Trend(window int) Trend {
	h.lock.RLock()
	defer h.lock.RUnlock()

	n := h.samples.Len()
	if n < 2 {
		return TrendNeutral
	}
	if window <= 0 || window > n {
		window = n
	}

	var sum float64
	for i := n - window; i < n; i++ {
		sum += h.samples.At(i)
	}
	mean := sum / float64(window)
	last := h.samples.Back()

	switch {
	case last > mean:
		return TrendUpward
	case last < mean:
		return TrendDownward
	default:
		return TrendNeutral
	}
}
