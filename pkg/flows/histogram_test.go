package flows

import "testing"

func TestBucketMappingInRange(t *testing.T) {
	// Every ms in [0, 2000] must land in [0, 37] with a covering
	// upper bound (except the overflow bucket).
	for ms := uint64(0); ms <= 2000; ms++ {
		idx := BucketForNanos(ms * nsPerMs)
		if idx < 0 || idx >= HistogramBuckets {
			t.Fatalf("ms=%d mapped to out-of-range bucket %d", ms, idx)
		}
		if idx < HistogramBuckets-1 {
			if bound := BucketUpperBoundNanos(idx); bound < ms*nsPerMs {
				t.Fatalf("ms=%d in bucket %d with upper bound %dns", ms, idx, bound)
			}
		}
	}
}

func TestBucketBoundaries(t *testing.T) {
	cases := []struct {
		ms   uint64
		want int
	}{
		{0, 0}, {1, 1}, {9, 9}, {10, 10}, {11, 10}, {12, 11},
		{19, 14}, {20, 15}, {24, 15}, {25, 16}, {49, 20}, {50, 21},
		{99, 25}, {100, 26}, {999, 36}, {1000, 37}, {5000, 37},
	}
	for _, c := range cases {
		if got := BucketForNanos(c.ms * nsPerMs); got != c.want {
			t.Fatalf("BucketForNanos(%dms) = %d, want %d", c.ms, got, c.want)
		}
	}
}

func TestHistogramCurrentWindowRecycles(t *testing.T) {
	var h RttHistogram
	h.Record(5*nsPerMs, 1_000_000_000)
	if h.Current[5] != 1 || h.Total[5] != 1 {
		t.Fatal("first sample not recorded")
	}
	// 15 seconds later the current window has lapsed.
	h.Record(5*nsPerMs, 16_000_000_000)
	if h.Current[5] != 1 {
		t.Fatalf("current window should have recycled, got %d", h.Current[5])
	}
	if h.Total[5] != 2 {
		t.Fatalf("total must be lifetime, got %d", h.Total[5])
	}
	if !h.TakeFresh() {
		t.Fatal("fresh flag should be set")
	}
	if h.TakeFresh() {
		t.Fatal("fresh flag should clear after TakeFresh")
	}
}

func TestSaturatingCount(t *testing.T) {
	if got := saturatingAdd32(^uint32(0), 1); got != ^uint32(0) {
		t.Fatalf("saturating add wrapped: %d", got)
	}
}
