package idAlloc

import (
	"sort"
)

// idRange represents a range of domain ids [start, start+size)
type idRange struct{ start, size uint32 }

// end returns one past the last id in the range (as uint64 so that it can't wrap)
func (r idRange) end() uint64 {
	return uint64(r.start) + uint64(r.size)
}

func (r idRange) contains(val uint32) bool {
	return r.start <= val && uint64(val) < r.end()
}

// sortIDRanges sorts the given idRange slice from smallest to largest range, by range 'start'
func sortIDRanges(ranges []idRange) []idRange {
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].start < ranges[j].start
	})
	return ranges
}

// findUnusedRange finds the first unused range of size >= 'size' within 'pool'. Slice
// 'used' contains ranges that are currently in-use, sorted by range start; ranges
// outside of the pool are ignored. If a suitable range is not found, an empty idRange
// ({0,0}) is returned.
func findUnusedRange(pool idRange, size uint32, used []idRange) idRange {

	if size == 0 || size > pool.size {
		return idRange{0, 0}
	}

	next := uint64(pool.start)

	for _, u := range used {
		if u.end() <= next {
			continue
		}
		if uint64(u.start) >= pool.end() {
			break
		}
		if uint64(u.start) > next && uint64(u.start)-next >= uint64(size) {
			return idRange{uint32(next), u.start - uint32(next)}
		}
		next = u.end()
	}

	// there may be a gap between the last used range and the end of the pool
	if next < pool.end() && pool.end()-next >= uint64(size) {
		return idRange{uint32(next), uint32(pool.end() - next)}
	}

	return idRange{0, 0}
}
