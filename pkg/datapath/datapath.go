// Package datapath is the boundary to the in-kernel forwarding plane.
// The kernel programs themselves are external; this package defines the
// counter-map and flow-ring shapes the control loop consumes, and the
// operations it may invoke against them.
package datapath

import "net/netip"

// Direction index for the per-direction arrays carried by flow records:
// 0 is traffic toward the internet (subscriber upload), 1 is traffic
// toward the subscriber (download).
const (
	ToInternet = 0
	ToLocal    = 1
)

// HostCounter is one CPU's view of a host's traffic counters. Counters
// are cumulative since the host was first seen by the datapath.
type HostCounter struct {
	DownloadBytes   uint64
	UploadBytes     uint64
	DownloadPackets uint64
	UploadPackets   uint64
	TcpDown         uint64
	TcpUp           uint64
	UdpDown         uint64
	UdpUp           uint64
	IcmpDown        uint64
	IcmpUp          uint64
	TcHandle        uint32
	LastSeenNanos   uint64
}

// FlowKey identifies a single tracked flow.
type FlowKey struct {
	LocalIP    netip.Addr
	RemoteIP   netip.Addr
	SrcPort    uint16
	DstPort    uint16
	IpProtocol uint8
}

// FlowRecord is the kernel's cumulative state for one flow, drained
// from the flow ring buffer.
type FlowRecord struct {
	StartNanos     uint64
	LastSeenNanos  uint64
	BytesSent      [2]uint64
	PacketsSent    [2]uint64
	RateEstimate   [2]uint32
	TcpRetransmits [2]uint16
	RttNanos       [2]uint64
	Tos            uint8
	Flags          uint8
	EndStatus      uint8
}

// Datapath is the control loop's window onto the kernel maps. All four
// operations are invoked only from the throughput task; implementations
// need not be safe for concurrent use beyond that.
type Datapath interface {
	// IterateHostCounters calls fn once per host entry with the raw
	// per-CPU counter rows. Summation across CPUs is the caller's job.
	IterateHostCounters(fn func(ip netip.Addr, perCPU []HostCounter))

	// DrainFlowEvents pulls ready flow records and calls fn for each.
	// Ordering within a flow is preserved.
	DrainFlowEvents(fn func(key FlowKey, record FlowRecord))

	// ExpireHosts garbage-collects the listed host keys kernel-side.
	ExpireHosts(keys []netip.Addr)

	// ExpireFlows garbage-collects the listed flow keys kernel-side.
	ExpireFlows(keys []FlowKey)
}
