package iovaAlloc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func TestReserve(t *testing.T) {

	var tests = []struct {
		name    string
		initial []Range
		lo, hi  uint64
		want    Range
		wantErr error
		final   []Range
	}{
		{
			name:  "empty domain",
			lo:    0,
			hi:    99,
			want:  Range{0, 99},
			final: []Range{{0, 99}},
		},
		{
			name:    "overlap high end",
			initial: []Range{{10, 20}},
			lo:      15,
			hi:      25,
			want:    Range{10, 25},
			final:   []Range{{10, 25}},
		},
		{
			name:    "overlap low end",
			initial: []Range{{10, 20}},
			lo:      5,
			hi:      12,
			want:    Range{5, 20},
			final:   []Range{{5, 20}},
		},
		{
			name:    "bridge two ranges",
			initial: []Range{{10, 20}, {30, 40}},
			lo:      15,
			hi:      35,
			want:    Range{10, 40},
			final:   []Range{{10, 40}},
		},
		{
			name:    "swallow ranges",
			initial: []Range{{10, 20}, {30, 40}, {200, 300}},
			lo:      0,
			hi:      100,
			want:    Range{0, 100},
			final:   []Range{{0, 100}, {200, 300}},
		},
		{
			name:    "already covered",
			initial: []Range{{10, 20}},
			lo:      12,
			hi:      18,
			want:    Range{10, 20},
			final:   []Range{{10, 20}},
		},
		{
			name:    "adjacent",
			initial: []Range{{10, 20}},
			lo:      21,
			hi:      30,
			want:    Range{21, 30},
			final:   []Range{{10, 20}, {21, 30}},
		},
		{
			name:    "single pfn",
			initial: []Range{{10, 20}, {22, 30}},
			lo:      21,
			hi:      21,
			want:    Range{21, 21},
			final:   []Range{{10, 20}, {21, 21}, {22, 30}},
		},
		{
			name:    "invalid",
			initial: []Range{{10, 20}},
			lo:      5,
			hi:      4,
			wantErr: ErrInvalidRange,
			final:   []Range{{10, 20}},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d := New(0xfffff)
			for _, r := range test.initial {
				if _, err := d.Reserve(r.PfnLo, r.PfnHi); err != nil {
					t.Fatalf("Reserve(%v) failed: %v", r, err)
				}
			}

			got, err := d.Reserve(test.lo, test.hi)
			if !errors.Is(err, test.wantErr) || got != test.want {
				t.Errorf("Reserve(%v, %v): got %v, %v; want %v, %v",
					test.lo, test.hi, got, err, test.want, test.wantErr)
			}

			if diff := cmp.Diff(test.final, checkRanges(t, d)); diff != "" {
				t.Errorf("ranges mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReserveBlocksAlloc(t *testing.T) {
	d := New(0xfff)

	if _, err := d.Reserve(0, 99); err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}
	if _, err := d.Reserve(0x200, 0xfff); err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}

	var tests = []allocTest{
		{0x19d, 0x1ff, false, Range{}, ErrNoSpace},
		{0x19b, 0xfff, false, Range{0x65, 0x1ff}, nil},
	}

	testAlloc(t, d, tests)

	d = New(0xfff)
	if _, err := d.Reserve(0, 99); err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}

	tests = []allocTest{
		{51, 150, false, Range{100, 150}, nil},
		{1, 150, false, Range{}, ErrNoSpace},
	}

	testAlloc(t, d, tests)
}

func TestReserveClearsCache(t *testing.T) {
	limit := uint64(0xfff)
	d := New(limit)

	r, err := d.Alloc(16, limit, false)
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}

	// reserve over the cached range; it gets merged into the reservation
	if _, err := d.Reserve(r.PfnLo-16, r.PfnLo); err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}

	if cached, ok := d.CachedRange(); ok {
		t.Errorf("CachedRange(): got %v; want none", cached)
	}

	got, err := d.Alloc(16, limit, false)
	if err != nil || got != (Range{r.PfnLo - 32, r.PfnLo - 17}) {
		t.Errorf("Alloc(): got %v, %v; want %v", got, err, Range{r.PfnLo - 32, r.PfnLo - 17})
	}
}

func TestCopyReserved(t *testing.T) {
	a := New(0xfffff)
	b := New(0xfffff)

	if _, err := a.Reserve(0, 99); err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}

	if err := CopyReserved(a, b); err != nil {
		t.Fatalf("CopyReserved() failed: %v", err)
	}

	want := []Range{{0, 99}}
	if diff := cmp.Diff(want, b.Ranges()); diff != "" {
		t.Errorf("dst ranges mismatch (-want +got):\n%s", diff)
	}

	// domains are independent
	b.Free(50)
	if b.Len() != 0 {
		t.Errorf("dst Len(): got %v, want 0", b.Len())
	}
	if diff := cmp.Diff(want, a.Ranges()); diff != "" {
		t.Errorf("src ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyReservedMerge(t *testing.T) {
	a := New(0xfffff)
	b := New(0xfffff)

	for _, r := range []Range{{0, 9}, {100, 199}, {0x1000, 0x1fff}} {
		if _, err := a.Reserve(r.PfnLo, r.PfnHi); err != nil {
			t.Fatalf("Reserve() failed: %v", err)
		}
	}
	if _, err := b.Reserve(150, 300); err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}

	if err := CopyReserved(a, b); err != nil {
		t.Fatalf("CopyReserved() failed: %v", err)
	}

	want := []Range{{0, 9}, {100, 300}, {0x1000, 0x1fff}}
	if diff := cmp.Diff(want, b.Ranges()); diff != "" {
		t.Errorf("dst ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyReservedDeadDomain(t *testing.T) {
	a := New(0xfffff)
	b := New(0xfffff)

	for _, r := range []Range{{0, 9}, {100, 199}} {
		if _, err := a.Reserve(r.PfnLo, r.PfnHi); err != nil {
			t.Fatalf("Reserve() failed: %v", err)
		}
	}

	b.Put()

	err := CopyReserved(a, b)
	if !errors.Is(err, ErrDomainDestroyed) {
		t.Errorf("CopyReserved() to dead domain: got %v, want %v", err, ErrDomainDestroyed)
	}

	// copying from a dead domain copies nothing
	c := New(0xfffff)
	if err := CopyReserved(b, c); err != nil || c.Len() != 0 {
		t.Errorf("CopyReserved() from dead domain: got %v, %d ranges", err, c.Len())
	}
}

func TestCopyReservedConcurrent(t *testing.T) {
	a := New(0xfffff)
	b := New(0xfffff)

	for i := uint64(0); i < 100; i++ {
		if _, err := a.Reserve(i*100, i*100+9); err != nil {
			t.Fatalf("Reserve() failed: %v", err)
		}
		if _, err := b.Reserve(i*100+50, i*100+59); err != nil {
			t.Fatalf("Reserve() failed: %v", err)
		}
	}

	// copies in both directions at once must not deadlock
	var g errgroup.Group
	g.Go(func() error { return CopyReserved(a, b) })
	g.Go(func() error { return CopyReserved(b, a) })

	if err := g.Wait(); err != nil {
		t.Fatalf("CopyReserved() failed: %v", err)
	}

	checkRanges(t, a)
	checkRanges(t, b)

	if diff := cmp.Diff(a.Ranges(), b.Ranges()); diff != "" {
		t.Errorf("domains differ after cross copy (-a +b):\n%s", diff)
	}
}
