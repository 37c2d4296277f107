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

package iovaAlloc

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Reserve marks [pfnLo, pfnHi] as allocated so that Alloc() never hands it out. Any
// ranges overlapping the request are merged with it into a single range, which is
// returned.
func (d *Domain) Reserve(pfnLo, pfnHi uint64) (Range, error) {

	if pfnLo > pfnHi {
		return Range{}, ErrInvalidRange
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dead {
		return Range{}, ErrDomainDestroyed
	}

	req := Range{pfnLo, pfnHi}
	merged := req

	// Ranges in the tree don't overlap, so walking down from the highest range starting
	// at or below pfnHi visits all overlapping ranges first (their PfnHi decreases as we
	// go).
	overlaps := []Range{}
	d.tree.DescendLessOrEqual(Range{PfnLo: pfnHi}, func(node Range) bool {
		if node.PfnHi < pfnLo {
			return false
		}
		overlaps = append(overlaps, node)
		return true
	})

	// request is already covered by a single range
	if len(overlaps) == 1 && overlaps[0].PfnLo <= pfnLo && overlaps[0].PfnHi >= pfnHi {
		logrus.Debugf("iova reserve %v: already covered by %v", req, overlaps[0])
		return overlaps[0], nil
	}

	for _, node := range overlaps {
		if node.PfnLo < merged.PfnLo {
			merged.PfnLo = node.PfnLo
		}
		if node.PfnHi > merged.PfnHi {
			merged.PfnHi = node.PfnHi
		}
		if d.cacheOk && node.PfnLo == d.cachedPfn {
			d.cacheOk = false
		}
		d.tree.Delete(node)
	}

	d.insertLocked(merged)

	logrus.Debugf("iova reserve %v = %v (merged %d ranges)", req, merged, len(overlaps))
	return merged, nil
}

// CopyReserved reserves every range of domain 'from' in domain 'to'. The copy is best
// effort: a range that can't be reserved is logged and skipped. The returned error
// joins all such failures (nil if every range was copied).
func CopyReserved(from, to *Domain) error {
	var errs []error

	ranges := from.Ranges()

	for _, r := range ranges {
		if _, err := to.Reserve(r.PfnLo, r.PfnHi); err != nil {
			logrus.WithFields(logrus.Fields{
				"range": r.String(),
			}).Warnf("iova: failed to copy reserved range: %v", err)
			errs = append(errs, fmt.Errorf("range %v: %w", r, err))
		}
	}

	logrus.Debugf("iova copy reserved: %d ranges, %d failed", len(ranges), len(errs))

	return errors.Join(errs...)
}
