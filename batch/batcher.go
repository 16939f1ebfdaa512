package batch

import (
	"github.com/c360/statesync/operation"
	"github.com/c360/statesync/pkg/buffer"
)

// defaultHistogramWindow is how many recent operations the traffic
// histogram remembers.
const defaultHistogramWindow = 100

// SmartBatcher sizes batches from recent traffic and clusters related
// operations. When one (entityType, type) pattern dominates the window,
// larger batches amortize per-flush overhead; mixed traffic keeps the
// configured base size. Not safe for concurrent use; the Manager
// serializes access.
type SmartBatcher struct {
	window *buffer.Window[string]
	counts map[string]int

	baseSize int
	maxSize  int
}

// NewSmartBatcher creates a batcher with the given base and ceiling batch
// sizes.
func NewSmartBatcher(baseSize, maxSize int) *SmartBatcher {
	if baseSize <= 0 {
		baseSize = 50
	}
	if maxSize < baseSize {
		maxSize = baseSize * 4
	}
	return &SmartBatcher{
		window:   buffer.NewWindow[string](defaultHistogramWindow),
		counts:   make(map[string]int),
		baseSize: baseSize,
		maxSize:  maxSize,
	}
}

// Record feeds one operation into the rolling histogram.
func (b *SmartBatcher) Record(op *operation.Operation) {
	pattern := op.EntityType + "/" + string(op.Type)
	b.counts[pattern]++

	if oldest, evicted := b.window.Append(pattern); evicted {
		b.counts[oldest]--
		if b.counts[oldest] <= 0 {
			delete(b.counts, oldest)
		}
	}
}

// OptimalBatchSize returns the target batch size for the next flush: the
// base size scaled up by the dominant pattern's share of recent traffic.
// A window dominated (>= 50%) by one pattern doubles the base; near-total
// dominance (>= 80%) quadruples it, capped at the ceiling.
func (b *SmartBatcher) OptimalBatchSize() int {
	total := b.window.Len()
	if total == 0 {
		return b.baseSize
	}

	top := 0
	for _, c := range b.counts {
		if c > top {
			top = c
		}
	}

	share := float64(top) / float64(total)
	size := b.baseSize
	switch {
	case share >= 0.8:
		size = b.baseSize * 4
	case share >= 0.5:
		size = b.baseSize * 2
	}
	if size > b.maxSize {
		size = b.maxSize
	}
	return size
}

// GroupRelated clusters operations sharing an entity id so they commit
// together. Cluster order follows first appearance; operations without an
// entity id each form their own cluster.
func (b *SmartBatcher) GroupRelated(ops []*operation.Operation) [][]*operation.Operation {
	var groups [][]*operation.Operation
	index := make(map[string]int)

	for _, op := range ops {
		if op.EntityID == "" {
			groups = append(groups, []*operation.Operation{op})
			continue
		}
		key := op.EntityType + "/" + op.EntityID
		if i, ok := index[key]; ok {
			groups[i] = append(groups[i], op)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []*operation.Operation{op})
	}
	return groups
}

// Reset clears the histogram.
func (b *SmartBatcher) Reset() {
	b.window.Clear()
	b.counts = make(map[string]int)
}
