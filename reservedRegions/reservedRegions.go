//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

// Parser for the IOMMU group reserved-regions sysfs file.
//
// The kernel reports the address ranges that must not be used for DMA remapping in a
// device's IOMMU group under /sys/kernel/iommu_groups/<n>/reserved_regions, one region
// per line:
//
//   0x00000000fee00000 0x00000000feefffff msi
//
// i.e., the region's start and end byte address (inclusive) followed by its type.

package reservedRegions

import (
	"bufio"
	"fmt"
	"io"
	"math/bits"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set"
)

// Region types reported by the kernel
const (
	Direct          = "direct"
	DirectRelaxable = "direct-relaxable"
	Reserved        = "reserved"
	Msi             = "msi"
	SwMsi           = "sw-msi"
)

var knownTypes = mapset.NewSetFromSlice([]interface{}{
	Direct, DirectRelaxable, Reserved, Msi, SwMsi,
})

// Region is a reserved address range [Start, End] (byte addresses)
type Region struct {
	Start uint64
	End   uint64
	Type  string
}

// PfnRange returns the range of page frames covered by the region.
func (r Region) PfnRange(pageShift uint) (uint64, uint64) {
	return r.Start >> pageShift, r.End >> pageShift
}

func (r Region) String() string {
	return fmt.Sprintf("%#x-%#x (%s)", r.Start, r.End, r.Type)
}

// PageShift returns log2(pageSize); pageSize must be a power of 2.
func PageShift(pageSize uint64) (uint, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return 0, fmt.Errorf("page size must be a power of 2; got %v", pageSize)
	}

	return uint(bits.TrailingZeros64(pageSize)), nil
}

// Parse reads reserved regions from src, keeping those whose type is listed in 'types'
// (all regions if 'types' is empty).
func Parse(src io.Reader, types []string) ([]Region, error) {

	want := mapset.NewSet()
	for _, t := range types {
		if !knownTypes.Contains(t) {
			return nil, fmt.Errorf("unknown reserved region type %q", t)
		}
		want.Add(t)
	}

	regions := []Region{}
	scanner := bufio.NewScanner(src)
	lineNum := 0

	for scanner.Scan() {
		lineNum++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		r, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", lineNum, err)
		}

		if want.Cardinality() > 0 && !want.Contains(r.Type) {
			continue
		}

		regions = append(regions, r)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return regions, nil
}

func parseLine(line string) (Region, error) {

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Region{}, fmt.Errorf("expected 3 fields, got %d (%q)", len(fields), line)
	}

	start, err := strconv.ParseUint(fields[0], 0, 64)
	if err != nil {
		return Region{}, fmt.Errorf("invalid region start %q: %v", fields[0], err)
	}

	end, err := strconv.ParseUint(fields[1], 0, 64)
	if err != nil {
		return Region{}, fmt.Errorf("invalid region end %q: %v", fields[1], err)
	}

	if start > end {
		return Region{}, fmt.Errorf("region start %#x is above its end %#x", start, end)
	}

	if !knownTypes.Contains(fields[2]) {
		return Region{}, fmt.Errorf("unknown reserved region type %q", fields[2])
	}

	return Region{start, end, fields[2]}, nil
}
