//
// iova-mgr interfaces
//

package intf

// The IDAllocator interface defines the interface exposed by the entity that hands out
// IOMMU domain ids
type IDAllocator interface {

	// Allocates an unused range of 'size' ids and returns its first id; possible errors
	// are nil, "id-exhausted", or "invalid-size"
	Alloc(size uint32) (uint32, error)

	// Free releases a previously allocated id range; the given id must be one returned
	// by a prior successful call to Alloc() (otherwise, this function returns a
	// "not-found" error, or "out-of-range" if the id is outside the allocator's pool)
	Free(id uint32) error
}
