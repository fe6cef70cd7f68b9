package model

import (
	"bytes"
	"net/netip"
	"sync/atomic"

	"github.com/gaissmai/bart"

	"github.com/openshaper/shaperd/pkg/config"
	"github.com/openshaper/shaperd/pkg/log"
)

// DeviceHandle is the LPM payload: the owning device plus its index in
// the loaded device table.
type DeviceHandle struct {
	Index  int
	Device *ShapedDevice
}

// Model is one immutable load of the topology plus the device table.
// Readers hold it via Store snapshots; a reload builds a fresh Model
// and publishes it atomically.
type Model struct {
	Nodes    []*NetworkNode
	Devices  []ShapedDevice
	Circuits []*Circuit

	circuitByHash map[int64]*Circuit
	nodeByName    map[string]int
	lpm           *bart.Table[DeviceHandle]
	allow         *bart.Table[bool]
	ignore        *bart.Table[bool]
}

// Load parses the topology document and the device table, resolves
// every circuit's parent by name, builds the address index, and
// precomputes ancestry. Any invariant violation fails the whole load;
// the caller keeps its previous model.
func Load(cfg *config.Config) (*Model, error) {
	nodes, err := loadNetworkTree(cfg.NetworkJsonPath, cfg.Queues.DownlinkBandwidthMbps, cfg.Queues.UplinkBandwidthMbps)
	if err != nil {
		return nil, loadErrf(LoadMalformed, "network topology: %v", err)
	}
	devices, err := loadShapedDevices(cfg.ShapedDevicesPath)
	if err != nil {
		return nil, err
	}
	return assemble(cfg, nodes, devices)
}

// assemble performs the load-time validation and index construction
// shared by file loads and in-memory test loads.
func assemble(cfg *config.Config, nodes []*NetworkNode, devices []ShapedDevice) (*Model, error) {
	m := &Model{
		Nodes:         nodes,
		Devices:       devices,
		circuitByHash: make(map[int64]*Circuit),
		nodeByName:    make(map[string]int, len(nodes)),
		lpm:           &bart.Table[DeviceHandle]{},
		allow:         &bart.Table[bool]{},
		ignore:        &bart.Table[bool]{},
	}
	for idx, node := range nodes {
		m.nodeByName[node.Name] = idx
	}

	for i := range devices {
		dev := &devices[i]

		parentIdx, ok := m.nodeByName[dev.ParentNode]
		if !ok {
			return nil, loadErrf(LoadUnknownParent, "device %s: parent node %q not in topology", dev.DeviceID, dev.ParentNode)
		}

		circuit, exists := m.circuitByHash[dev.CircuitHash]
		if !exists {
			circuit = &Circuit{
				ID:              dev.CircuitID,
				Name:            dev.CircuitName,
				Hash:            dev.CircuitHash,
				ParentNodeIdx:   parentIdx,
				DownloadMinMbps: dev.DownloadMinMbps,
				UploadMinMbps:   dev.UploadMinMbps,
				DownloadMaxMbps: dev.DownloadMaxMbps,
				UploadMaxMbps:   dev.UploadMaxMbps,
				SqmOverride:     dev.SqmOverride,
			}
			m.circuitByHash[dev.CircuitHash] = circuit
			m.Circuits = append(m.Circuits, circuit)
		} else {
			for _, other := range circuit.Devices {
				if devices[other].DeviceID == dev.DeviceID {
					return nil, loadErrf(LoadDeviceIDCollision, "circuit %s: duplicate device ID %q", dev.CircuitID, dev.DeviceID)
				}
			}
		}
		circuit.Devices = append(circuit.Devices, i)

		handle := DeviceHandle{Index: i, Device: dev}
		for _, pfx := range append(append([]netip.Prefix{}, dev.IPv4...), dev.IPv6...) {
			if err := m.insertPrefix(pfx, handle); err != nil {
				return nil, err
			}
		}
	}

	for _, s := range cfg.IPRanges.AllowSubnets {
		if pfx, err := netip.ParsePrefix(s); err == nil {
			m.allow.Insert(pfx.Masked(), true)
		} else {
			log.Logger.Warn().Str("subnet", s).Msg("unparseable allow subnet ignored")
		}
	}
	for _, s := range cfg.IPRanges.IgnoreSubnets {
		if pfx, err := netip.ParsePrefix(s); err == nil {
			m.ignore.Insert(pfx.Masked(), true)
		} else {
			log.Logger.Warn().Str("subnet", s).Msg("unparseable ignore subnet ignored")
		}
	}

	return m, nil
}

// insertPrefix rejects any prefix that overlaps address space already
// owned by a different device: equal or covering prefixes are found by
// an LPM probe, covered prefixes by a subnet scan.
func (m *Model) insertPrefix(pfx netip.Prefix, handle DeviceHandle) error {
	if _, existing, ok := m.lpm.LookupPrefixLPM(pfx); ok && existing.Index != handle.Index {
		return loadErrf(LoadDuplicateAddress,
			"device %s: %s overlaps address space of device %s",
			handle.Device.DeviceID, pfx, existing.Device.DeviceID)
	}
	for sub, existing := range m.lpm.Subnets(pfx) {
		if existing.Index != handle.Index {
			return loadErrf(LoadDuplicateAddress,
				"device %s: %s overlaps %s of device %s",
				handle.Device.DeviceID, pfx, sub, existing.Device.DeviceID)
		}
	}
	m.lpm.Insert(pfx, handle)
	return nil
}

// LongestMatch finds the device owning the most specific prefix for an
// address. Kernel map keys arrive as IPv6-mapped values; they are
// unmapped before the probe.
func (m *Model) LongestMatch(ip netip.Addr) (DeviceHandle, bool) {
	return m.lpm.Lookup(ip.Unmap())
}

// Resolve returns the circuit identity and ancestry for an observed
// address, or ok=false for IPs outside the device table.
func (m *Model) Resolve(ip netip.Addr) (circuitID string, circuitHash int64, ancestry []int, ok bool) {
	handle, found := m.LongestMatch(ip)
	if !found {
		return "", 0, nil, false
	}
	circuit := m.circuitByHash[handle.Device.CircuitHash]
	if circuit == nil {
		return "", 0, nil, false
	}
	return circuit.ID, circuit.Hash, m.Nodes[circuit.ParentNodeIdx].Ancestors, true
}

// AllowedIP reports whether an address should be tracked at all: inside
// the allow ranges (or no allow ranges configured) and not ignored.
func (m *Model) AllowedIP(ip netip.Addr) bool {
	addr := ip.Unmap()
	if _, ignored := m.ignore.Lookup(addr); ignored {
		return false
	}
	if m.allow.Size() == 0 {
		return true
	}
	_, allowed := m.allow.Lookup(addr)
	return allowed
}

// CircuitByHash resolves a circuit by its stable hash.
func (m *Model) CircuitByHash(hash int64) (*Circuit, bool) {
	c, ok := m.circuitByHash[hash]
	return c, ok
}

// CircuitByID resolves a circuit by its string ID.
func (m *Model) CircuitByID(id string) (*Circuit, bool) {
	return m.CircuitByHash(HashString(id))
}

// NodeIndex resolves a tree node by name.
func (m *Model) NodeIndex(name string) (int, bool) {
	idx, ok := m.nodeByName[name]
	return idx, ok
}

// ZeroLiveNodes clears every node's per-tick counters; tick step 1.
func (m *Model) ZeroLiveNodes() {
	for _, node := range m.Nodes {
		node.Live.Zero()
	}
}

// SaveDevices serializes the device table back to CSV.
func (m *Model) SaveDevices() ([]byte, error) {
	var buf bytes.Buffer
	if err := saveShapedDevices(&buf, m.Devices); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SaveNetwork serializes the topology back to its JSON document shape.
func (m *Model) SaveNetwork() ([]byte, error) {
	return saveNetworkTree(m.Nodes)
}

// Store publishes Model snapshots by pointer swap. Readers never block
// writers and vice versa; an old snapshot stays valid until its holders
// drop it.
type Store struct {
	current atomic.Pointer[Model]
}

// Publish atomically replaces the current model.
func (s *Store) Publish(m *Model) {
	s.current.Store(m)
}

// Snapshot returns the current model, which may be nil before the
// first successful load.
func (s *Store) Snapshot() *Model {
	return s.current.Load()
}
