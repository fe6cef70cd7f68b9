package heatmap

import (
	"sync"
)

// Store holds the per-entity heatmaps. The global map always records;
// circuit, site, and ASN maps are gated by configuration flags.
type Store struct {
	mu sync.Mutex

	global   *TemporalHeatmap
	circuits map[int64]*TemporalHeatmap
	sites    map[string]*TemporalHeatmap
	asns     map[string]*TemporalHeatmap

	recordCircuits bool
	recordSites    bool
	recordAsns     bool
}

// NewStore builds a store with the given recording flags.
func NewStore(circuits, sites, asns bool) *Store {
	return &Store{
		global:         NewTemporalHeatmap(),
		circuits:       make(map[int64]*TemporalHeatmap),
		sites:          make(map[string]*TemporalHeatmap),
		asns:           make(map[string]*TemporalHeatmap),
		recordCircuits: circuits,
		recordSites:    sites,
		recordAsns:     asns,
	}
}

// RecordGlobal adds one tick's system-wide sample.
func (s *Store) RecordGlobal(download, upload float32, rttP50Down, rttP50Up, rttP90Down, rttP90Up, retransmitDown, retransmitUp *float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.AddSample(download, upload, rttP50Down, rttP50Up, rttP90Down, rttP90Up, retransmitDown, retransmitUp)
}

// RecordCircuit adds one tick's sample for a circuit.
func (s *Store) RecordCircuit(circuitHash int64, download, upload float32, rttP50Down, rttP50Up, rttP90Down, rttP90Up, retransmitDown, retransmitUp *float32) {
	if !s.recordCircuits {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hm := s.circuits[circuitHash]
	if hm == nil {
		hm = NewTemporalHeatmap()
		s.circuits[circuitHash] = hm
	}
	hm.AddSample(download, upload, rttP50Down, rttP50Up, rttP90Down, rttP90Up, retransmitDown, retransmitUp)
}

// RecordSite adds one tick's sample for a named tree node.
func (s *Store) RecordSite(site string, download, upload float32, rttP50Down, rttP50Up, rttP90Down, rttP90Up, retransmitDown, retransmitUp *float32) {
	if !s.recordSites {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hm := s.sites[site]
	if hm == nil {
		hm = NewTemporalHeatmap()
		s.sites[site] = hm
	}
	hm.AddSample(download, upload, rttP50Down, rttP50Up, rttP90Down, rttP90Up, retransmitDown, retransmitUp)
}

// RecordAsn adds one tick's sample for an ASN.
func (s *Store) RecordAsn(asn string, download, upload float32, rttP50Down, rttP50Up, rttP90Down, rttP90Up, retransmitDown, retransmitUp *float32) {
	if !s.recordAsns {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hm := s.asns[asn]
	if hm == nil {
		hm = NewTemporalHeatmap()
		s.asns[asn] = hm
	}
	hm.AddSample(download, upload, rttP50Down, rttP50Up, rttP90Down, rttP90Up, retransmitDown, retransmitUp)
}

// GlobalBlocks reads the system-wide heatmap.
func (s *Store) GlobalBlocks() Blocks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global.Blocks()
}

// CircuitBlocks reads one circuit's heatmap.
func (s *Store) CircuitBlocks(circuitHash int64) (Blocks, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hm, ok := s.circuits[circuitHash]
	if !ok {
		return Blocks{}, false
	}
	return hm.Blocks(), true
}

// SiteBlocks reads one site's heatmap.
func (s *Store) SiteBlocks(site string) (Blocks, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hm, ok := s.sites[site]
	if !ok {
		return Blocks{}, false
	}
	return hm.Blocks(), true
}

// AsnBlocks reads every recorded ASN heatmap.
func (s *Store) AsnBlocks() map[string]Blocks {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Blocks, len(s.asns))
	for asn, hm := range s.asns {
		out[asn] = hm.Blocks()
	}
	return out
}

// SiteBlocksAll reads every recorded site heatmap.
func (s *Store) SiteBlocksAll() map[string]Blocks {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Blocks, len(s.sites))
	for site, hm := range s.sites {
		out[site] = hm.Blocks()
	}
	return out
}
