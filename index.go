package oplog

import (
	"fmt"
	"sort"
)

// Index is the 1-based position of an entry in a worker's oplog.
// IndexNone marks the state before any entry has been written.
type Index uint64

const (
	IndexNone    Index = 0
	IndexInitial Index = 1
)

func (i Index) Next() Index {
	return i + 1
}

func (i Index) Previous() Index {
	if i == IndexNone {
		return IndexNone
	}
	return i - 1
}

// RangeEnd returns the last index of a run of count entries starting at i.
func (i Index) RangeEnd(count uint64) Index {
	return i + Index(count) - 1
}

// Subtract returns i moved back by n, saturating at IndexNone.
func (i Index) Subtract(n uint64) Index {
	if uint64(i) <= n {
		return IndexNone
	}
	return i - Index(n)
}

func (i Index) String() string {
	return fmt.Sprintf("%d", uint64(i))
}

// Region is a closed interval of oplog indexes. Start and End are both
// included in the region.
type Region struct {
	Start Index `json:"start"`
	End   Index `json:"end"`
}

func (r Region) Contains(i Index) bool {
	return i >= r.Start && i <= r.End
}

// Width is the number of indexes covered by the region.
func (r Region) Width() uint64 {
	if r.End < r.Start {
		return 0
	}
	return uint64(r.End-r.Start) + 1
}

func (r Region) String() string {
	return fmt.Sprintf("[%d..%d]", uint64(r.Start), uint64(r.End))
}

// RegionSet is an ordered collection of non-overlapping regions. It tracks
// the parts of an oplog that must be skipped during replay, either because
// a jump dropped them or because a revert deleted them.
//
// The zero value is an empty set ready for use.
type RegionSet struct {
	regions []Region
}

func NewRegionSet(regions ...Region) RegionSet {
	var rs RegionSet
	for _, r := range regions {
		rs.Add(r)
	}
	return rs
}

// Add inserts a region, merging it with any existing regions it overlaps
// or abuts.
func (rs *RegionSet) Add(r Region) {
	if r.End < r.Start {
		return
	}
	merged := r
	var out []Region
	for _, existing := range rs.regions {
		if existing.End.Next() >= merged.Start && merged.End.Next() >= existing.Start {
			if existing.Start < merged.Start {
				merged.Start = existing.Start
			}
			if existing.End > merged.End {
				merged.End = existing.End
			}
			continue
		}
		out = append(out, existing)
	}
	out = append(out, merged)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	rs.regions = out
}

// AddAll merges every region of other into the set.
func (rs *RegionSet) AddAll(other RegionSet) {
	for _, r := range other.regions {
		rs.Add(r)
	}
}

func (rs RegionSet) Contains(i Index) bool {
	for _, r := range rs.regions {
		if r.Contains(i) {
			return true
		}
		if r.Start > i {
			break
		}
	}
	return false
}

// SkipOver returns the first index at or after i that is not covered by
// the set. Adjacent regions are chained through.
func (rs RegionSet) SkipOver(i Index) Index {
	for _, r := range rs.regions {
		if r.Contains(i) {
			i = r.End.Next()
		}
	}
	return i
}

// Find returns the region containing i, if any.
func (rs RegionSet) Find(i Index) (Region, bool) {
	for _, r := range rs.regions {
		if r.Contains(i) {
			return r, true
		}
	}
	return Region{}, false
}

func (rs RegionSet) IsEmpty() bool {
	return len(rs.regions) == 0
}

// Regions returns the regions in ascending start order. The returned slice
// must not be modified.
func (rs RegionSet) Regions() []Region {
	return rs.regions
}

// TotalWidth is the total number of indexes covered by the set.
func (rs RegionSet) TotalWidth() uint64 {
	var total uint64
	for _, r := range rs.regions {
		total += r.Width()
	}
	return total
}
