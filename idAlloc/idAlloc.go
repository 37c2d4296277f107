// IOMMU domain id allocator; implements the intf.IDAllocator interface.
//
// IOMMU hardware tags the translation structures of each address space with a domain
// id, so every IOVA domain managed by iova-mgr gets one. The id space is small (e.g.,
// 16 bits on VT-d, with id 0 reserved), and ids are handed out from a configurable
// pool [start, start+count).
//
// The allocation is done by linearly searching for the first unused range that is large
// enough to satisfy the allocation. An allocation map tracks ranges that are used.
// There is no reuse of allocated ids: two address spaces sharing an id would alias each
// other in the IOTLB, so allocation fails with "id-exhausted" once the pool is full.
//
// Performance:
//
// The search for an unused range is linear and runs in O(n log n), where n is the number
// of allocated ranges (the ranges are sorted on each search).

package idAlloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nestybox/sysbox-iova/intf"
	"github.com/sirupsen/logrus"
)

// idAlloc class; implements the IDAllocator interface
type idAlloc struct {
	pool     idRange           // ids available for allocation
	allocMap map[uint32]uint32 // tracks allocated ranges; range start -> range size
	mu       sync.Mutex        // guards the allocMap on concurrent accesses
}

// New creates an idAlloc object that hands out ids in [start, start+count)
func New(start, count uint32) (intf.IDAllocator, error) {

	if count == 0 {
		return nil, fmt.Errorf("invalid id pool size: %v", count)
	}

	if uint64(start)+uint64(count) > 1<<32 {
		return nil, fmt.Errorf("id pool [%v, %v+%v) exceeds the 32-bit id space", start, start, count)
	}

	return &idAlloc{
		pool:     idRange{start, count},
		allocMap: make(map[uint32]uint32),
	}, nil
}

// find an unused id range of the given size in the alloc map; id.mu must be held
func (id *idAlloc) findUnused(size uint32) (idRange, error) {

	ranges := make([]idRange, 0, len(id.allocMap))
	for k, v := range id.allocMap {
		ranges = append(ranges, idRange{k, v})
	}
	sorted := sortIDRanges(ranges)

	r := findUnusedRange(id.pool, size, sorted)
	if r.size == 0 {
		return idRange{0, 0}, errors.New("id-exhausted")
	}

	return idRange{r.start, size}, nil
}

// Alloc allocates an unused range of 'size' ids.
func (id *idAlloc) Alloc(size uint32) (uint32, error) {

	if size == 0 {
		return 0, errors.New("invalid-size")
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	r, err := id.findUnused(size)
	if err != nil {
		return 0, err
	}

	id.allocMap[r.start] = r.size

	logrus.Debugf("domain id alloc(%v) = %v", size, r.start)
	return r.start, nil
}

// Free releases a previously allocated id range; the given 'start' must be the start of a
// range previously returned by a successful call to Alloc().
func (id *idAlloc) Free(start uint32) error {

	if !id.pool.contains(start) {
		return errors.New("out-of-range")
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	if _, found := id.allocMap[start]; !found {
		return errors.New("not-found")
	}

	delete(id.allocMap, start)

	logrus.Debugf("domain id free(%v)", start)
	return nil
}
