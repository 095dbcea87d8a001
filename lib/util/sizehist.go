package util

import (
	"math"
	"sort"
	"sync"
)

// DefaultFrameSizeBoundaries cover every frame size up to the 16 KB packet limit
var DefaultFrameSizeBoundaries = []int{16, 64, 256, 1024, 4096, 16384}

// SizeHistogram counts sizes in exponential buckets. Percentiles are estimated
// from the bucket a percentile falls into, not from the exact samples.
//
// Thread-safe: all methods are safe for concurrent use
type SizeHistogram struct {
	mu         sync.RWMutex
	boundaries []int   // inclusive upper bound of each bucket
	buckets    []int64 // len(boundaries)+1, the last one holds everything larger
	count      int64
	sum        int64
}

// NewSizeHistogram creates a histogram with the given bucket boundaries,
// DefaultFrameSizeBoundaries if none are given
func NewSizeHistogram(boundaries ...int) *SizeHistogram {
	if len(boundaries) == 0 {
		boundaries = DefaultFrameSizeBoundaries
	}
	b := append([]int(nil), boundaries...)
	sort.Ints(b)

	return &SizeHistogram{
		boundaries: b,
		buckets:    make([]int64, len(b)+1),
	}
}

// Add records one sample
func (h *SizeHistogram) Add(size int) {
	// first bucket whose bound is >= size
	i := sort.SearchInts(h.boundaries, size)

	h.mu.Lock()
	h.buckets[i]++
	h.count++
	h.sum += int64(size)
	h.mu.Unlock()
}

// Count returns the number of samples
func (h *SizeHistogram) Count() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Mean returns the exact average of all samples
func (h *SizeHistogram) Mean() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// Percentile estimates the given percentile (0-100) as the middle of the
// bucket it falls into
func (h *SizeHistogram) Percentile(percentile int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	var cumulative int64

	for i, n := range h.buckets {
		cumulative += n
		if cumulative >= target && n > 0 {
			return h.estimate(i)
		}
	}
	return h.estimate(len(h.buckets) - 1)
}

// estimate returns the representative size of bucket i
func (h *SizeHistogram) estimate(i int) int {
	switch {
	case i == 0:
		return h.boundaries[0] / 2
	case i < len(h.boundaries):
		return (h.boundaries[i-1] + h.boundaries[i]) / 2
	default:
		// open bucket
		return h.boundaries[len(h.boundaries)-1] * 2
	}
}

// Distribution returns a copy of the bucket boundaries and the share of
// samples per bucket in percent. The last share belongs to the open bucket.
func (h *SizeHistogram) Distribution() ([]int, []float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	boundaries := append([]int(nil), h.boundaries...)
	percentages := make([]float64, len(h.buckets))
	if h.count == 0 {
		return boundaries, percentages
	}
	for i, n := range h.buckets {
		percentages[i] = float64(n) * 100.0 / float64(h.count)
	}
	return boundaries, percentages
}
