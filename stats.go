package chm

import (
	"fmt"
	"math"
	"strings"
)

// Metrics is a constant-time snapshot of a Map's counters.
type Metrics struct {
	// Size is the estimated number of entries.
	Size int64
	// Capacity is the current table length.
	Capacity int
	// Threshold is the size at which the next resize starts. It is
	// negative while a resize runs and math.MaxInt32 once resizing stopped
	// after an allocation failure.
	Threshold int32
	// Resizing reports whether a resize is in progress.
	Resizing bool
	// Resizes is the number of completed resizes.
	Resizes uint64
	// AbortedResizes is the number of resizes given up because the new
	// table could not be allocated.
	AbortedResizes uint64
	// Treeifies is the number of chains converted into tree bins.
	Treeifies uint64
	// Untreeifies is the number of tree bins converted back into chains,
	// either by removals or when a resize splits them into small halves.
	Untreeifies uint64
	// CounterCells is the number of size counter stripes.
	CounterCells int
}

// Metrics returns a snapshot of the map's counters without walking the table.
func (m *Map[K, V]) Metrics() Metrics {
	mt := Metrics{
		Size:           m.EstimatedCount(),
		Threshold:      m.sizeCtl.Load(),
		Resizing:       m.nextTable.Load() != nil,
		Resizes:        m.resizes.Load(),
		AbortedResizes: m.abortedResizes.Load(),
		Treeifies:      m.treeifies.Load(),
		Untreeifies:    m.untreeifies.Load(),
		CounterCells:   m.count.length(),
	}
	if tab := m.table.Load(); tab != nil {
		mt.Capacity = len(tab.bins)
	}
	return mt
}

// Stats returns statistics for the Map. Just like other map
// methods, this one is thread-safe. Yet it's an O(N) operation,
// so it should be used only for diagnostics or debugging purposes.
func (m *Map[K, V]) Stats() *MapStats {
	stats := &MapStats{
		TotalResizes: m.resizes.Load(),
		MinEntries:   math.MaxInt,
	}
	tab := m.table.Load()
	if tab == nil {
		stats.MinEntries = 0
		return stats
	}
	stats.Capacity = len(tab.bins)
	stats.Counter = int(m.count.sum())
	stats.CounterLen = m.count.length()
	for i := range tab.bins {
		nentries := 0
		f := tab.at(i)
		switch {
		case f == nil:
			stats.EmptyBins++
		case f.hash == moved:
			stats.ForwardedBins++
		case f.hash == treeBinHash:
			stats.TreeBins++
			for p := f.tree.first.Load(); p != nil; p = p.next.Load() {
				nentries++
			}
		case f.hash >= 0:
			stats.ChainBins++
			for p := f; p != nil; p = p.next.Load() {
				nentries++
			}
		}
		stats.Size += nentries
		stats.MinEntries = min(stats.MinEntries, nentries)
		stats.MaxEntries = max(stats.MaxEntries, nentries)
	}
	return stats
}

// MapStats is Map statistics.
//
// Warning: map statistics are intented to be used for diagnostic
// purposes, not for production code. This means that breaking changes
// may be introduced into this struct even between minor releases.
type MapStats struct {
	// Capacity is the number of bins in the table.
	Capacity int
	// EmptyBins is the number of bins that hold no entries.
	EmptyBins int
	// ChainBins is the number of bins holding a plain chain.
	ChainBins int
	// TreeBins is the number of bins holding a red-black tree.
	TreeBins int
	// ForwardedBins is the number of bins already moved by a resize that
	// is still running. Their entries are not counted in Size.
	ForwardedBins int
	// Size is the exact number of entries stored in the map.
	Size int
	// Counter is the number of entries stored in the map according
	// to the internal striped counter. In case of concurrent map
	// modifications this number may be different from Size.
	Counter int
	// CounterLen is the number of internal counter stripes.
	CounterLen int
	// MinEntries is the minimum number of entries per bin.
	MinEntries int
	// MaxEntries is the maximum number of entries per bin.
	MaxEntries int
	// TotalResizes is the number of times the table grew.
	TotalResizes uint64
}

// ToString returns string representation of map stats.
func (s *MapStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("MapStats{\n")
	fmt.Fprintf(&sb, "Capacity:      %d\n", s.Capacity)
	fmt.Fprintf(&sb, "EmptyBins:     %d\n", s.EmptyBins)
	fmt.Fprintf(&sb, "ChainBins:     %d\n", s.ChainBins)
	fmt.Fprintf(&sb, "TreeBins:      %d\n", s.TreeBins)
	fmt.Fprintf(&sb, "ForwardedBins: %d\n", s.ForwardedBins)
	fmt.Fprintf(&sb, "Size:          %d\n", s.Size)
	fmt.Fprintf(&sb, "Counter:       %d\n", s.Counter)
	fmt.Fprintf(&sb, "CounterLen:    %d\n", s.CounterLen)
	fmt.Fprintf(&sb, "MinEntries:    %d\n", s.MinEntries)
	fmt.Fprintf(&sb, "MaxEntries:    %d\n", s.MaxEntries)
	fmt.Fprintf(&sb, "TotalResizes:  %d\n", s.TotalResizes)
	sb.WriteString("}\n")
	return sb.String()
}
