package flows

// RTT histogram geometry: 38 buckets that widen with latency. Bucket
// boundaries in ms: 1..10 by 1, 12..20 by 2, 25..50 by 5, then
// 60,70,80,90,100,120,140,160,180,200,250,300,400,500,750,1000 and an
// overflow bucket.
const HistogramBuckets = 38

const nsPerMs = 1_000_000

const (
	offset1ms = 0
	offset2ms = offset1ms + 10
	offset5ms = offset2ms + 5
)

// currentWindowNanos is how long the "current" array accumulates before
// it is recycled.
const currentWindowNanos = 10 * 1_000_000_000

// BucketForNanos maps an RTT sample to its bucket index.
func BucketForNanos(ns uint64) int {
	ms := ns / nsPerMs
	switch {
	case ms < 10:
		return offset1ms + int(ms)
	case ms < 20:
		return offset2ms + int(ms-10)/2
	case ms < 50:
		return offset5ms + int(ms-20)/5
	case ms < 60:
		return offset5ms + 6
	case ms < 70:
		return offset5ms + 7
	case ms < 80:
		return offset5ms + 8
	case ms < 90:
		return offset5ms + 9
	case ms < 100:
		return offset5ms + 10
	case ms < 120:
		return offset5ms + 11
	case ms < 140:
		return offset5ms + 12
	case ms < 160:
		return offset5ms + 13
	case ms < 180:
		return offset5ms + 14
	case ms < 200:
		return offset5ms + 15
	case ms < 250:
		return offset5ms + 16
	case ms < 300:
		return offset5ms + 17
	case ms < 400:
		return offset5ms + 18
	case ms < 500:
		return offset5ms + 19
	case ms < 750:
		return offset5ms + 20
	case ms < 1000:
		return offset5ms + 21
	default:
		return offset5ms + 22
	}
}

// bucketUpperBoundsMs lists each bucket's upper bound; the final entry
// is the overflow bucket and has no bound.
var bucketUpperBoundsMs = [HistogramBuckets]uint64{
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
	12, 14, 16, 18, 20,
	25, 30, 35, 40, 45, 50,
	60, 70, 80, 90, 100, 120, 140, 160, 180, 200,
	250, 300, 400, 500, 750, 1000,
	^uint64(0),
}

// BucketUpperBoundNanos returns a bucket's exclusive upper bound.
func BucketUpperBoundNanos(idx int) uint64 {
	bound := bucketUpperBoundsMs[idx]
	if bound == ^uint64(0) {
		return bound
	}
	return bound * nsPerMs
}

// RttHistogram holds one direction's bucketed RTT distribution: a
// rolling 10-second "current" window and a lifetime total. Counts
// saturate rather than wrap.
type RttHistogram struct {
	Current           [HistogramBuckets]uint32
	Total             [HistogramBuckets]uint32
	currentStartNanos uint64
	freshData         bool
}

// Record adds one sample, recycling the current window when it ages
// out.
func (h *RttHistogram) Record(rttNanos, nowNanos uint64) {
	if h.currentStartNanos == 0 || nowNanos-h.currentStartNanos > currentWindowNanos {
		h.Current = [HistogramBuckets]uint32{}
		h.currentStartNanos = nowNanos
	}
	idx := BucketForNanos(rttNanos)
	h.Current[idx] = saturatingAdd32(h.Current[idx], 1)
	h.Total[idx] = saturatingAdd32(h.Total[idx], 1)
	h.freshData = true
}

// TakeFresh reports and clears the fresh-data flag.
func (h *RttHistogram) TakeFresh() bool {
	fresh := h.freshData
	h.freshData = false
	return fresh
}

func saturatingAdd32(a, b uint32) uint32 {
	if sum := a + b; sum >= a {
		return sum
	}
	return ^uint32(0)
}
