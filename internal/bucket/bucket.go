// Package bucket provides ordered threshold-to-label tables with lock-free
// per-bucket counters. Tables back the request size and total-time bucket
// metrics exported by the request channel.
package bucket

import (
	"cmp"
	"fmt"
	"sort"
	"sync/atomic"
)

// LabelFunc produces the label for the bucket at index i covering [low, high).
// For the last bucket top is true and high is the zero value; the bucket is
// unbounded above.
type LabelFunc[K cmp.Ordered] func(i int, low, high K, top bool) string

// Bucket is a single labeled interval with its counter.
// The counter is updated with atomic increments so concurrent request
// completions never contend on a lock.
type Bucket[K cmp.Ordered] struct {
	Threshold K
	Label     string
	count     atomic.Int64
}

// Count returns the current counter value.
func (b *Bucket[K]) Count() int64 {
	return b.count.Load()
}

// Table is an immutable ordered mapping from a lower-bound threshold to a
// labeled counter. Values below the smallest threshold clamp into the first
// bucket; the last bucket has no upper bound.
type Table[K cmp.Ordered] struct {
	buckets []*Bucket[K]
}

// Build constructs a Table from a strictly ascending, non-empty threshold
// list. Returns an error on an empty list, duplicates, or out-of-order
// thresholds; tables are built once at startup so this is a configuration
// error, never a runtime one.
func Build[K cmp.Ordered](thresholds []K, label LabelFunc[K]) (*Table[K], error) {
	if len(thresholds) == 0 {
		return nil, fmt.Errorf("bucket thresholds must be non-empty")
	}
	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] <= thresholds[i-1] {
			return nil, fmt.Errorf("bucket thresholds must be strictly ascending: %v followed by %v",
				thresholds[i-1], thresholds[i])
		}
	}

	buckets := make([]*Bucket[K], len(thresholds))
	for i, low := range thresholds {
		top := i == len(thresholds)-1
		var high K
		if !top {
			high = thresholds[i+1]
		}
		buckets[i] = &Bucket[K]{
			Threshold: low,
			Label:     label(i, low, high, top),
		}
	}
	return &Table[K]{buckets: buckets}, nil
}

// index returns the bucket index for v: the greatest threshold <= v, or 0
// when v is below every threshold (clamp-low).
func (t *Table[K]) index(v K) int {
	// First threshold strictly greater than v; the bucket is the one before it.
	i := sort.Search(len(t.buckets), func(i int) bool {
		return t.buckets[i].Threshold > v
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// Resolve returns the label of the bucket v falls into.
func (t *Table[K]) Resolve(v K) string {
	return t.buckets[t.index(v)].Label
}

// Update resolves v's bucket and increments its counter.
func (t *Table[K]) Update(v K) {
	t.buckets[t.index(v)].count.Add(1)
}

// Len returns the number of buckets.
func (t *Table[K]) Len() int {
	return len(t.buckets)
}

// Labels returns every bucket label in threshold order.
func (t *Table[K]) Labels() []string {
	labels := make([]string, len(t.buckets))
	for i, b := range t.buckets {
		labels[i] = b.Label
	}
	return labels
}

// Buckets returns the underlying buckets in threshold order. The slice is
// shared with the table; callers must not modify it.
func (t *Table[K]) Buckets() []*Bucket[K] {
	return t.buckets
}

// Count returns the counter value for the bucket with the given label, or 0
// if no such bucket exists.
func (t *Table[K]) Count(label string) int64 {
	for _, b := range t.buckets {
		if b.Label == label {
			return b.Count()
		}
	}
	return 0
}

// Counts returns every bucket's counter value in threshold order.
func (t *Table[K]) Counts() []int64 {
	counts := make([]int64, len(t.buckets))
	for i, b := range t.buckets {
		counts[i] = b.Count()
	}
	return counts
}
