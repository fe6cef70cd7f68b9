package heatmap

import (
	"testing"
)

func TestRollOverExactMedian(t *testing.T) {
	hm := NewTemporalHeatmap()
	// 60 download samples 1..60; the median of 1..60 is 30.5.
	for i := 1; i <= 60; i++ {
		hm.AddSample(float32(i), 100, F(float32(i)), nil, nil, nil, nil, nil)
	}
	blocks := hm.Blocks()
	recent := blocks.Download[TotalBlocks-2] // newest completed block
	if recent == nil || *recent != 30.5 {
		t.Fatalf("completed block median = %v, want 30.5", recent)
	}
	if up := blocks.Upload[TotalBlocks-2]; up == nil || *up != 100 {
		t.Fatalf("upload median = %v, want 100", up)
	}
	// rtt_p50_up was always nil, so the combined rtt equals p50_down.
	if rtt := blocks.Rtt[TotalBlocks-2]; rtt == nil || *rtt != 30.5 {
		t.Fatalf("combined rtt median = %v, want 30.5", rtt)
	}
	// The in-progress block is empty after the roll-over.
	if blocks.Download[TotalBlocks-1] != nil {
		t.Fatalf("in-progress block should be empty after roll-over")
	}
}

func TestInProgressBlock(t *testing.T) {
	hm := NewTemporalHeatmap()
	for i := 0; i < 5; i++ {
		hm.AddSample(10, 20, nil, nil, nil, nil, nil, nil)
	}
	blocks := hm.Blocks()
	inProgress := blocks.Download[TotalBlocks-1]
	if inProgress == nil || *inProgress != 10 {
		t.Fatalf("in-progress median = %v, want 10", inProgress)
	}
	for i := 0; i < TotalBlocks-1; i++ {
		if blocks.Download[i] != nil {
			t.Fatalf("block %d should still be empty", i)
		}
	}
}

func TestAllNilFieldStaysNil(t *testing.T) {
	hm := NewTemporalHeatmap()
	for i := 0; i < 60; i++ {
		hm.AddSample(1, 1, nil, nil, nil, nil, nil, nil)
	}
	blocks := hm.Blocks()
	if blocks.RttP50Down[TotalBlocks-2] != nil {
		t.Fatal("all-nil field must roll up as nil")
	}
}

func TestCombinedFieldRules(t *testing.T) {
	if got := combineOptional(F(10), F(20)); got == nil || *got != 15 {
		t.Fatalf("combine(10,20) = %v, want 15", got)
	}
	if got := combineOptional(F(10), nil); got == nil || *got != 10 {
		t.Fatalf("combine(10,nil) = %v, want 10", got)
	}
	if got := combineOptional(nil, nil); got != nil {
		t.Fatalf("combine(nil,nil) = %v, want nil", got)
	}
}

func TestFourteenMinuteHistory(t *testing.T) {
	hm := NewTemporalHeatmap()
	// 16 full minutes: the first two roll off the 14-block history.
	for minute := 1; minute <= 16; minute++ {
		for i := 0; i < 60; i++ {
			hm.AddSample(float32(minute), 0, nil, nil, nil, nil, nil, nil)
		}
	}
	blocks := hm.Blocks()
	if v := blocks.Download[0]; v == nil || *v != 3 {
		t.Fatalf("oldest retained block = %v, want minute 3", v)
	}
	if v := blocks.Download[TotalBlocks-2]; v == nil || *v != 16 {
		t.Fatalf("newest block = %v, want minute 16", v)
	}
}
