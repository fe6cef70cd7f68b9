// Package heatmap keeps 15-minute rolling per-entity heatmaps:
// one-second samples rolled up into per-minute medians.
package heatmap

import "sort"

const (
	rawSamples    = 60
	summaryBlocks = 14
	// TotalBlocks is what a read exposes: 14 complete minutes plus
	// the in-progress one.
	TotalBlocks = summaryBlocks + 1
)

// F wraps a value for the optional sample fields.
func F(v float32) *float32 { return &v }

// combineOptional is the "combined" field rule: the mean when both
// directions exist, the present one otherwise, else nil.
func combineOptional(a, b *float32) *float32 {
	switch {
	case a != nil && b != nil:
		return F((*a + *b) / 2)
	case a != nil:
		return a
	case b != nil:
		return b
	default:
		return nil
	}
}

// medianOf computes the median over the first filled entries, ignoring
// nils; all-nil yields nil.
func medianOf(values []*float32, filled int) *float32 {
	var present []float32
	for i := 0; i < filled && i < len(values); i++ {
		if values[i] != nil {
			present = append(present, *values[i])
		}
	}
	if len(present) == 0 {
		return nil
	}
	sort.Slice(present, func(i, j int) bool { return present[i] < present[j] })
	mid := len(present) / 2
	if len(present)%2 == 1 {
		return F(present[mid])
	}
	return F((present[mid-1] + present[mid]) / 2)
}

// Blocks is the read-side view: 15 per-minute medians per field, the
// oldest first and the in-progress minute last.
type Blocks struct {
	Download       [TotalBlocks]*float32 `json:"download"`
	Upload         [TotalBlocks]*float32 `json:"upload"`
	Rtt            [TotalBlocks]*float32 `json:"rtt"`
	RttP50Down     [TotalBlocks]*float32 `json:"rtt_p50_down"`
	RttP50Up       [TotalBlocks]*float32 `json:"rtt_p50_up"`
	RttP90Down     [TotalBlocks]*float32 `json:"rtt_p90_down"`
	RttP90Up       [TotalBlocks]*float32 `json:"rtt_p90_up"`
	Retransmit     [TotalBlocks]*float32 `json:"retransmit"`
	RetransmitDown [TotalBlocks]*float32 `json:"retransmit_down"`
	RetransmitUp   [TotalBlocks]*float32 `json:"retransmit_up"`
}

// series pairs one field's raw second ring with its minute history.
type series struct {
	raw     [rawSamples]*float32
	summary [summaryBlocks]*float32
}

func (s *series) record(idx int, v *float32) {
	s.raw[idx] = v
}

func (s *series) rollUp(filled int) {
	copy(s.summary[:summaryBlocks-1], s.summary[1:])
	s.summary[summaryBlocks-1] = medianOf(s.raw[:], filled)
	s.raw = [rawSamples]*float32{}
}

func (s *series) blocks(filled int) [TotalBlocks]*float32 {
	var out [TotalBlocks]*float32
	copy(out[:summaryBlocks], s.summary[:])
	out[TotalBlocks-1] = medianOf(s.raw[:], filled)
	return out
}

// TemporalHeatmap is the per-entity rolling store: a 60-slot 1-second
// ring plus 14 completed 1-minute median blocks per field.
type TemporalHeatmap struct {
	download       series
	upload         series
	rtt            series
	rttP50Down     series
	rttP50Up       series
	rttP90Down     series
	rttP90Up       series
	retransmit     series
	retransmitDown series
	retransmitUp   series

	rawIndex  int
	rawFilled int
}

// NewTemporalHeatmap returns an empty heatmap.
func NewTemporalHeatmap() *TemporalHeatmap { return &TemporalHeatmap{} }

// AddSample appends one second of data. When the 60-second buffer
// fills, per-field medians roll into the block ring and the buffer
// clears.
func (h *TemporalHeatmap) AddSample(download, upload float32, rttP50Down, rttP50Up, rttP90Down, rttP90Up, retransmitDown, retransmitUp *float32) {
	idx := h.rawIndex
	h.download.record(idx, F(download))
	h.upload.record(idx, F(upload))
	h.rtt.record(idx, combineOptional(rttP50Down, rttP50Up))
	h.rttP50Down.record(idx, rttP50Down)
	h.rttP50Up.record(idx, rttP50Up)
	h.rttP90Down.record(idx, rttP90Down)
	h.rttP90Up.record(idx, rttP90Up)
	h.retransmit.record(idx, combineOptional(retransmitDown, retransmitUp))
	h.retransmitDown.record(idx, retransmitDown)
	h.retransmitUp.record(idx, retransmitUp)

	h.rawIndex++
	if h.rawFilled < rawSamples {
		h.rawFilled++
	}
	if h.rawIndex == rawSamples {
		h.pushSummaryBlock()
	}
}

func (h *TemporalHeatmap) pushSummaryBlock() {
	filled := h.rawFilled
	h.download.rollUp(filled)
	h.upload.rollUp(filled)
	h.rtt.rollUp(filled)
	h.rttP50Down.rollUp(filled)
	h.rttP50Up.rollUp(filled)
	h.rttP90Down.rollUp(filled)
	h.rttP90Up.rollUp(filled)
	h.retransmit.rollUp(filled)
	h.retransmitDown.rollUp(filled)
	h.retransmitUp.rollUp(filled)
	h.rawIndex = 0
	h.rawFilled = 0
}

// Blocks exposes 15 blocks per field: 14 complete plus the in-progress
// minute.
func (h *TemporalHeatmap) Blocks() Blocks {
	filled := h.rawFilled
	return Blocks{
		Download:       h.download.blocks(filled),
		Upload:         h.upload.blocks(filled),
		Rtt:            h.rtt.blocks(filled),
		RttP50Down:     h.rttP50Down.blocks(filled),
		RttP50Up:       h.rttP50Up.blocks(filled),
		RttP90Down:     h.rttP90Down.blocks(filled),
		RttP90Up:       h.rttP90Up.blocks(filled),
		Retransmit:     h.retransmit.blocks(filled),
		RetransmitDown: h.retransmitDown.blocks(filled),
		RetransmitUp:   h.retransmitUp.blocks(filled),
	}
}
