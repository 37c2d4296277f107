//
// Copyright 2019-2022 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// I/O virtual address (IOVA) allocator.
//
// A Domain manages one IOMMU address space in units of page frames (pfns). It hands
// out contiguous pfn ranges top-down: each allocation is placed as high as possible
// below a caller-supplied limit, so address space is packed from the top.
//
// A Domain is created with New(), allocations are performed with Alloc(), lookups with
// Find(), and freeing with Free() or FreeRange(). Static regions (e.g., PCI BARs or
// firmware carve-outs) are carved out with Reserve() and can be copied to another
// domain with CopyReserved(). Put() tears the domain down.
//
// Allocated ranges are kept in a b-tree ordered by range start. Searches walk the tree
// from the highest range downwards looking for a gap that fits the request. Since most
// allocations are done on behalf of devices limited to 32-bit DMA addresses, the domain
// remembers the last range allocated with the 32-bit limit and resumes the next such
// search right below it, instead of re-walking all ranges above it.
//
// Allocations are done in O(n) worst case (n = number of ranges), O(log n) typical for
// 32-bit allocations. Lookup and freeing are done in O(log n).
//
// All operations on a domain are serialized by a per-domain lock.

package iovaAlloc

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// Lowest pfn handed out by Alloc() unless the domain is created with NewWithStart();
// pfn 0 is never allocated dynamically.
const DefaultStartPfn uint64 = 1

// b-tree degree
const treeDegree = 8

var (
	ErrNoSpace         = errors.New("no-space")
	ErrInvalidSize     = errors.New("invalid-size")
	ErrInvalidRange    = errors.New("invalid-range")
	ErrDomainDestroyed = errors.New("domain-destroyed")
)

// Range is an inclusive range of page frames [PfnLo, PfnHi]
type Range struct {
	PfnLo uint64
	PfnHi uint64
}

// Size returns the number of pfns in the range.
func (r Range) Size() uint64 {
	return r.PfnHi - r.PfnLo + 1
}

// Contains reports whether pfn falls inside the range.
func (r Range) Contains(pfn uint64) bool {
	return r.PfnLo <= pfn && pfn <= r.PfnHi
}

// Overlaps reports whether r and o share at least one pfn.
func (r Range) Overlaps(o Range) bool {
	return r.PfnLo <= o.PfnHi && o.PfnLo <= r.PfnHi
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x]", r.PfnLo, r.PfnHi)
}

func rangeLess(a, b Range) bool {
	return a.PfnLo < b.PfnLo
}

// Domain represents an IOVA address space
type Domain struct {
	tree       *btree.BTreeG[Range] // allocated ranges, keyed by PfnLo
	cachedPfn  uint64               // PfnLo of the last range allocated with limit32Pfn
	cacheOk    bool                 // cachedPfn is valid
	limit32Pfn uint64
	startPfn   uint64
	dead       bool // set by Put()
	mu         sync.Mutex
}

// New creates an empty IOVA domain. limit32Pfn is the highest pfn usable by devices
// with 32-bit DMA addressing.
func New(limit32Pfn uint64) *Domain {
	return NewWithStart(DefaultStartPfn, limit32Pfn)
}

// NewWithStart creates an empty IOVA domain whose dynamic allocations never go below
// startPfn.
func NewWithStart(startPfn, limit32Pfn uint64) *Domain {
	return &Domain{
		tree:       btree.NewG[Range](treeDegree, rangeLess),
		limit32Pfn: limit32Pfn,
		startPfn:   startPfn,
	}
}

// Limit32Pfn returns the domain's 32-bit pfn limit.
func (d *Domain) Limit32Pfn() uint64 {
	return d.limit32Pfn
}

// StartPfn returns the lowest pfn that Alloc() may hand out.
func (d *Domain) StartPfn() uint64 {
	return d.startPfn
}

// Alloc allocates a range of 'size' pfns whose upper bound is <= limitPfn. If
// sizeAligned is set, size is rounded up to a power of two and the range starts at a
// multiple of that size.
func (d *Domain) Alloc(size, limitPfn uint64, sizeAligned bool) (Range, error) {

	if size == 0 {
		return Range{}, ErrInvalidSize
	}

	if sizeAligned {
		if size > 1<<63 {
			return Range{}, ErrNoSpace
		}
		size = roundUpPow2(size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dead {
		return Range{}, ErrDomainDestroyed
	}

	r, err := d.allocLocked(size, limitPfn, sizeAligned)
	if err != nil {
		logrus.Debugf("iova alloc(%v, %#x, %v) failed: %v", size, limitPfn, sizeAligned, err)
		return Range{}, err
	}

	logrus.Debugf("iova alloc(%v, %#x, %v) = %v", size, limitPfn, sizeAligned, r)
	return r, nil
}

// allocLocked searches for a free slot and inserts it; d.mu must be held.
func (d *Domain) allocLocked(size, limitPfn uint64, sizeAligned bool) (Range, error) {

	var (
		r     Range
		found bool
	)

	if limitPfn == d.limit32Pfn && d.cacheOk {
		cached, ok := d.tree.Get(Range{PfnLo: d.cachedPfn})
		if ok {
			r, found = d.searchBelow(size, cached, sizeAligned)
		}
	}

	if !found {
		r, found = d.search(size, limitPfn, sizeAligned)
	}

	if !found {
		return Range{}, ErrNoSpace
	}

	d.insertLocked(r)

	if limitPfn == d.limit32Pfn {
		d.cachedPfn = r.PfnLo
		d.cacheOk = true
	}

	return r, nil
}

// searchBelow looks for a slot strictly below the given node (the cached fast path).
func (d *Domain) searchBelow(size uint64, node Range, sizeAligned bool) (Range, bool) {
	if node.PfnLo <= d.startPfn {
		return Range{}, false
	}
	return d.walk(size, node.PfnLo-1, sizeAligned, &Range{PfnLo: node.PfnLo - 1})
}

// search looks for a slot below limitPfn starting at the highest node in the tree.
func (d *Domain) search(size, limitPfn uint64, sizeAligned bool) (Range, bool) {
	return d.walk(size, limitPfn, sizeAligned, nil)
}

// walk visits nodes in descending order (starting at the highest node whose PfnLo is
// <= from.PfnLo, or at the tree max if from is nil), lowering the ceiling past every
// node it can't fit above. It returns the slot right below the final ceiling.
func (d *Domain) walk(size, ceiling uint64, sizeAligned bool, from *Range) (Range, bool) {
	var (
		pad       uint64
		found     bool
		exhausted bool
	)

	visit := func(node Range) bool {
		if ceiling < node.PfnLo {
			// node is entirely above the ceiling; move left
			return true
		}

		if node.PfnHi < d.startPfn {
			// node lies below startPfn; what's left is the bottom gap [startPfn, ceiling]
			return false
		}

		if ceiling > node.PfnHi {
			if sizeAligned {
				pad = padSize(size, ceiling)
			}
			if ceiling-node.PfnHi >= size && ceiling-node.PfnHi-size >= pad {
				found = true
				return false
			}
		}

		// no room above this node; continue below it
		if node.PfnLo <= d.startPfn {
			exhausted = true
			return false
		}
		ceiling = node.PfnLo - 1
		return true
	}

	if from == nil {
		d.tree.Descend(visit)
	} else {
		d.tree.DescendLessOrEqual(*from, visit)
	}

	if exhausted {
		return Range{}, false
	}

	if !found {
		// reached the bottom of the tree (or of the allocatable space); the gap is
		// [startPfn, ceiling]
		if sizeAligned {
			pad = padSize(size, ceiling)
		}
		if ceiling < d.startPfn {
			return Range{}, false
		}
		avail := ceiling - d.startPfn + 1
		if avail == 0 {
			// [0, MaxUint64] wrapped around; everything fits
			avail = ^uint64(0)
		}
		if avail < size || avail-size < pad {
			return Range{}, false
		}
	}

	lo := ceiling - size - pad + 1
	return Range{PfnLo: lo, PfnHi: lo + size - 1}, true
}

// insertLocked adds r to the tree. Inserting a range that starts where an existing
// one does means the allocator's no-overlap invariant is broken.
func (d *Domain) insertLocked(r Range) {
	if old, replaced := d.tree.ReplaceOrInsert(r); replaced {
		panic(fmt.Sprintf("iova: duplicate range insert: %v replaces %v", r, old))
	}
}

// Find returns the range containing pfn.
func (d *Domain) Find(pfn uint64) (Range, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.findLocked(pfn)
}

func (d *Domain) findLocked(pfn uint64) (Range, bool) {
	var (
		r     Range
		found bool
	)

	d.tree.DescendLessOrEqual(Range{PfnLo: pfn}, func(node Range) bool {
		r, found = node, node.Contains(pfn)
		return false
	})

	return r, found
}

// Free releases the range containing pfn; it's a no-op if no such range exists.
func (d *Domain) Free(pfn uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, found := d.findLocked(pfn)
	if !found {
		return
	}

	d.removeLocked(r)
	logrus.Debugf("iova free(%#x) = %v", pfn, r)
}

// FreeRange releases the given range; it must match an allocated range exactly,
// otherwise the call is a no-op.
func (d *Domain) FreeRange(r Range) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, found := d.tree.Get(r)
	if !found || node != r {
		return
	}

	d.removeLocked(node)
	logrus.Debugf("iova free range %v", r)
}

// removeLocked deletes r from the tree, moving the cached node off of it first.
func (d *Domain) removeLocked(r Range) {
	if d.cacheOk && r.PfnLo >= d.cachedPfn {
		d.cacheOk = false

		if r.PfnLo < ^uint64(0) {
			d.tree.AscendGreaterOrEqual(Range{PfnLo: r.PfnLo + 1}, func(next Range) bool {
				if next.PfnLo < d.limit32Pfn {
					d.cachedPfn = next.PfnLo
					d.cacheOk = true
				}
				return false
			})
		}
	}

	d.tree.Delete(r)
}

// CachedRange returns the range the 32-bit fast path will resume below, if any.
func (d *Domain) CachedRange() (Range, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.cacheOk {
		return Range{}, false
	}
	return d.tree.Get(Range{PfnLo: d.cachedPfn})
}

// Ranges returns a snapshot of all ranges in the domain, in ascending order.
func (d *Domain) Ranges() []Range {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rangesLocked()
}

func (d *Domain) rangesLocked() []Range {
	ranges := make([]Range, 0, d.tree.Len())
	d.tree.Ascend(func(r Range) bool {
		ranges = append(ranges, r)
		return true
	})
	return ranges
}

// Len returns the number of ranges in the domain.
func (d *Domain) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.tree.Len()
}

// Put releases all ranges in the domain. The domain can't be used for allocations
// afterwards.
func (d *Domain) Put() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dead {
		return
	}

	logrus.Debugf("iova put domain: releasing %d ranges", d.tree.Len())

	d.tree.Clear(false)
	d.cacheOk = false
	d.dead = true
}

// roundUpPow2 rounds n (1 <= n <= 2^63) up to the next power of two.
func roundUpPow2(n uint64) uint64 {
	if n&(n-1) == 0 {
		return n
	}
	return 1 << bits.Len64(n)
}

// padSize returns the number of pfns to leave above a size-aligned allocation placed
// right below 'ceiling' so that its start is a multiple of 'size' (a power of two).
func padSize(size, ceiling uint64) uint64 {
	if size <= 1 {
		return 0
	}
	return (ceiling + 1) & (size - 1)
}
