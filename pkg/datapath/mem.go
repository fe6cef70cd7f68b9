package datapath

import (
	"net/netip"
	"sync"
)

// MemDatapath is an in-memory Datapath used by the test suite.
// Counter rows are keyed by host address; flow events
// queue in arrival order until drained.
type MemDatapath struct {
	mu           sync.Mutex
	hosts        map[netip.Addr][]HostCounter
	flowQueue    []flowEvent
	ExpiredHosts []netip.Addr
	ExpiredFlows []FlowKey
}

type flowEvent struct {
	key    FlowKey
	record FlowRecord
}

// NewMemDatapath returns an empty in-memory datapath.
func NewMemDatapath() *MemDatapath {
	return &MemDatapath{hosts: make(map[netip.Addr][]HostCounter)}
}

// SetHostCounters installs (or replaces) the per-CPU rows for a host.
func (m *MemDatapath) SetHostCounters(ip netip.Addr, perCPU []HostCounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]HostCounter, len(perCPU))
	copy(rows, perCPU)
	m.hosts[ip] = rows
}

// PushFlow queues one flow event for the next drain.
func (m *MemDatapath) PushFlow(key FlowKey, record FlowRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flowQueue = append(m.flowQueue, flowEvent{key: key, record: record})
}

func (m *MemDatapath) IterateHostCounters(fn func(ip netip.Addr, perCPU []HostCounter)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ip, rows := range m.hosts {
		fn(ip, rows)
	}
}

func (m *MemDatapath) DrainFlowEvents(fn func(key FlowKey, record FlowRecord)) {
	m.mu.Lock()
	queued := m.flowQueue
	m.flowQueue = nil
	m.mu.Unlock()
	for _, ev := range queued {
		fn(ev.key, ev.record)
	}
}

func (m *MemDatapath) ExpireHosts(keys []netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.hosts, key)
	}
	m.ExpiredHosts = append(m.ExpiredHosts, keys...)
}

func (m *MemDatapath) ExpireFlows(keys []FlowKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExpiredFlows = append(m.ExpiredFlows, keys...)
}
