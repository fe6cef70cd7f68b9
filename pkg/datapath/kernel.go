//go:build linux

package datapath

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/openshaper/shaperd/pkg/log"
)

// Pinned object names under the datapath's bpffs directory.
const (
	hostCounterMapName = "map_traffic"
	flowRingName       = "flowbee_events"
	flowMapName        = "flowbee"
)

// rawHostCounter mirrors the kernel's per-CPU counter row layout.
type rawHostCounter struct {
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
	_               uint32
	LastSeenNanos   uint64
}

// KernelDatapath attaches to the pinned maps the forwarding plane
// shares with us.
type KernelDatapath struct {
	hostCounters *ebpf.Map
	flowMap      *ebpf.Map
	flowRing     *ringbuf.Reader
}

// OpenKernel attaches to the pinned maps under dir (normally
// /sys/fs/bpf/shaperd). Any open failure is fatal at startup.
func OpenKernel(dir string) (*KernelDatapath, error) {
	hostCounters, err := ebpf.LoadPinnedMap(filepath.Join(dir, hostCounterMapName), nil)
	if err != nil {
		return nil, fmt.Errorf("opening host counter map: %w", err)
	}
	flowMap, err := ebpf.LoadPinnedMap(filepath.Join(dir, flowMapName), nil)
	if err != nil {
		hostCounters.Close()
		return nil, fmt.Errorf("opening flow map: %w", err)
	}
	ringMap, err := ebpf.LoadPinnedMap(filepath.Join(dir, flowRingName), nil)
	if err != nil {
		hostCounters.Close()
		flowMap.Close()
		return nil, fmt.Errorf("opening flow ring: %w", err)
	}
	ring, err := ringbuf.NewReader(ringMap)
	if err != nil {
		hostCounters.Close()
		flowMap.Close()
		ringMap.Close()
		return nil, fmt.Errorf("attaching flow ring reader: %w", err)
	}
	return &KernelDatapath{
		hostCounters: hostCounters,
		flowMap:      flowMap,
		flowRing:     ring,
	}, nil
}

// Close detaches from the pinned maps.
func (k *KernelDatapath) Close() {
	_ = k.flowRing.Close()
	k.flowMap.Close()
	k.hostCounters.Close()
}

func (k *KernelDatapath) IterateHostCounters(fn func(ip netip.Addr, perCPU []HostCounter)) {
	var key [16]byte
	var rows []rawHostCounter
	iter := k.hostCounters.Iterate()
	for iter.Next(&key, &rows) {
		perCPU := make([]HostCounter, len(rows))
		for i, row := range rows {
			perCPU[i] = HostCounter{
				DownloadBytes:   row.DownloadBytes,
				UploadBytes:     row.UploadBytes,
				DownloadPackets: row.DownloadPackets,
				UploadPackets:   row.UploadPackets,
				TcpDown:         row.TcpDown,
				TcpUp:           row.TcpUp,
				UdpDown:         row.UdpDown,
				UdpUp:           row.UdpUp,
				IcmpDown:        row.IcmpDown,
				IcmpUp:          row.IcmpUp,
				TcHandle:        row.TcHandle,
				LastSeenNanos:   row.LastSeenNanos,
			}
		}
		fn(netip.AddrFrom16(key), perCPU)
	}
	if err := iter.Err(); err != nil {
		// Per-row failures are logged and the cycle continues with
		// whatever was read.
		log.Logger.Warn().Err(err).Msg("host counter iteration error")
	}
}

// flowEventSize is the fixed wire size of one ring-buffer record:
// 37-byte key padded to 40, then the counter block.
const flowEventSize = 40 + 96

func (k *KernelDatapath) DrainFlowEvents(fn func(key FlowKey, record FlowRecord)) {
	// Drain whatever is ready without blocking the tick.
	k.flowRing.SetDeadline(time.Now().Add(time.Millisecond))
	for {
		event, err := k.flowRing.Read()
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, ringbuf.ErrClosed) {
				log.Logger.Warn().Err(err).Msg("flow ring read error")
			}
			return
		}
		key, record, ok := parseFlowEvent(event.RawSample)
		if !ok {
			log.Logger.Debug().Int("len", len(event.RawSample)).Msg("short flow event skipped")
			continue
		}
		fn(key, record)
	}
}

func parseFlowEvent(raw []byte) (FlowKey, FlowRecord, bool) {
	if len(raw) < flowEventSize {
		return FlowKey{}, FlowRecord{}, false
	}
	le := binary.LittleEndian
	var local, remote [16]byte
	copy(local[:], raw[0:16])
	copy(remote[:], raw[16:32])
	key := FlowKey{
		LocalIP:    netip.AddrFrom16(local),
		RemoteIP:   netip.AddrFrom16(remote),
		SrcPort:    le.Uint16(raw[32:34]),
		DstPort:    le.Uint16(raw[34:36]),
		IpProtocol: raw[36],
	}
	body := raw[40:]
	record := FlowRecord{
		StartNanos:    le.Uint64(body[0:8]),
		LastSeenNanos: le.Uint64(body[8:16]),
		BytesSent:     [2]uint64{le.Uint64(body[16:24]), le.Uint64(body[24:32])},
		PacketsSent:   [2]uint64{le.Uint64(body[32:40]), le.Uint64(body[40:48])},
		RateEstimate:  [2]uint32{le.Uint32(body[48:52]), le.Uint32(body[52:56])},
		TcpRetransmits: [2]uint16{
			le.Uint16(body[56:58]), le.Uint16(body[58:60]),
		},
		RttNanos: [2]uint64{le.Uint64(body[64:72]), le.Uint64(body[72:80])},
		Tos:      body[80],
		Flags:    body[81],
		EndStatus: body[82],
	}
	return key, record, true
}

func (k *KernelDatapath) ExpireHosts(keys []netip.Addr) {
	for _, ip := range keys {
		key := ip.As16()
		if err := k.hostCounters.Delete(key[:]); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			log.Logger.Debug().Str("ip", ip.String()).Err(err).Msg("host key expire failed")
		}
	}
}

func (k *KernelDatapath) ExpireFlows(keys []FlowKey) {
	for _, fk := range keys {
		raw := encodeFlowKey(fk)
		if err := k.flowMap.Delete(raw[:]); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			log.Logger.Debug().Err(err).Msg("flow key expire failed")
		}
	}
}

func encodeFlowKey(key FlowKey) [40]byte {
	var raw [40]byte
	local := key.LocalIP.As16()
	remote := key.RemoteIP.As16()
	copy(raw[0:16], local[:])
	copy(raw[16:32], remote[:])
	binary.LittleEndian.PutUint16(raw[32:34], key.SrcPort)
	binary.LittleEndian.PutUint16(raw[34:36], key.DstPort)
	raw[36] = key.IpProtocol
	return raw
}
