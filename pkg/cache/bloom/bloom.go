// Package bloom keeps a probabilistic index of the invalidation tags that
// have been written to a cache, so purges for tags never seen can skip the
// scan of the layer.
package bloom

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

// Defaults for NewEntityIndex.
const (
	DefaultExpectedTags      = 100_000
	DefaultFalsePositiveRate = 0.01
)

// EntityIndex answers "was this tag possibly ever written?". A false answer
// is certain; a true answer may be a false positive. Tags cannot be removed,
// so the index only grows until Reset.
type EntityIndex struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	expected uint
	fpRate   float64

	added     atomic.Uint64
	queries   atomic.Uint64
	negatives atomic.Uint64
}

// NewEntityIndex sizes the filter for expected tags at fpRate. Zero or out
// of range arguments take the defaults.
func NewEntityIndex(expected uint, fpRate float64) *EntityIndex {
	if expected == 0 {
		expected = DefaultExpectedTags
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}
	return &EntityIndex{
		filter:   bloom.NewWithEstimates(expected, fpRate),
		expected: expected,
		fpRate:   fpRate,
	}
}

// Add records tags.
func (x *EntityIndex) Add(tags ...string) {
	if len(tags) == 0 {
		return
	}
	x.mu.Lock()
	for _, t := range tags {
		x.filter.AddString(t)
	}
	x.mu.Unlock()
	x.added.Add(uint64(len(tags)))
}

// MayContain reports whether tag may have been added.
func (x *EntityIndex) MayContain(tag string) bool {
	x.queries.Add(1)
	x.mu.RLock()
	ok := x.filter.TestString(tag)
	x.mu.RUnlock()
	if !ok {
		x.negatives.Add(1)
	}
	return ok
}

// Reset forgets every tag. Call it only when the indexed layers are cleared
// too, or purges for live entries would be skipped.
func (x *EntityIndex) Reset() {
	x.mu.Lock()
	x.filter = bloom.NewWithEstimates(x.expected, x.fpRate)
	x.mu.Unlock()
	x.added.Store(0)
	x.queries.Store(0)
	x.negatives.Store(0)
}

// Stats describes the index.
type Stats struct {
	Added            uint64  `json:"added"`
	Queries          uint64  `json:"queries"`
	Negatives        uint64  `json:"negatives"`
	SkipRate         float64 `json:"skip_rate"`
	Capacity         uint    `json:"capacity_bits"`
	ApproximateCount uint32  `json:"approximate_count"`
}

func (x *EntityIndex) Stats() Stats {
	x.mu.RLock()
	capacity := x.filter.Cap()
	approx := x.filter.ApproximatedSize()
	x.mu.RUnlock()

	s := Stats{
		Added:            x.added.Load(),
		Queries:          x.queries.Load(),
		Negatives:        x.negatives.Load(),
		Capacity:         capacity,
		ApproximateCount: approx,
	}
	if s.Queries > 0 {
		s.SkipRate = float64(s.Negatives) / float64(s.Queries)
	}
	return s
}
