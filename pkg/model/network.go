package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/openshaper/shaperd/pkg/log"
)

// NodeType classifies network-tree nodes. The topology file may omit
// the type; a node with children defaults to a site, a childless one to
// a leaf.
const (
	NodeTypeRoot = "root"
	NodeTypeSite = "site"
	NodeTypeAP   = "ap"
	NodeTypeLeaf = "leaf"
)

// NetworkNode is one interior node of the shaping tree. Index is the
// node's identity for the lifetime of one load; index 0 is always the
// synthetic root.
type NetworkNode struct {
	Name            string
	DownloadMaxMbps uint64
	UploadMaxMbps   uint64
	NodeType        string
	Parent          int
	// Ancestors lists node indices from this node toward the root,
	// including the node itself. Aggregation walks this flat list.
	Ancestors []int

	Live NodeLive
}

// rawNode mirrors one entry of the topology document.
type rawNode struct {
	DownloadBandwidthMbps uint64                     `json:"downloadBandwidthMbps"`
	UploadBandwidthMbps   uint64                     `json:"uploadBandwidthMbps"`
	Type                  string                     `json:"type"`
	Children              map[string]json.RawMessage `json:"children"`
}

// loadNetworkTree parses network.json into the flat ordered node
// sequence. Children are walked in sorted-name order so two loads of
// the same document produce identical indices and class assignments.
func loadNetworkTree(path string, downCapMbps, upCapMbps uint64) ([]*NetworkNode, error) {
	nodes := []*NetworkNode{{
		Name:            "Root",
		DownloadMaxMbps: downCapMbps,
		UploadMaxMbps:   upCapMbps,
		NodeType:        NodeTypeRoot,
		Parent:          0,
		Ancestors:       []int{0},
	}}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := walkTree(top, 0, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func walkTree(children map[string]json.RawMessage, parentIdx int, nodes *[]*NetworkNode) error {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == "Root" {
			// Reserved for the synthesized root; skip but descend.
			var raw rawNode
			if err := json.Unmarshal(children[name], &raw); err != nil {
				return fmt.Errorf("node %q: %w", name, err)
			}
			if err := walkTree(raw.Children, parentIdx, nodes); err != nil {
				return err
			}
			continue
		}
		var raw rawNode
		if err := json.Unmarshal(children[name], &raw); err != nil {
			return fmt.Errorf("node %q: %w", name, err)
		}
		nodeType := raw.Type
		if nodeType == "" {
			if len(raw.Children) > 0 {
				nodeType = NodeTypeSite
			} else {
				nodeType = NodeTypeLeaf
			}
		}

		parent := (*nodes)[parentIdx]
		idx := len(*nodes)
		node := &NetworkNode{
			Name:            name,
			DownloadMaxMbps: raw.DownloadBandwidthMbps,
			UploadMaxMbps:   raw.UploadBandwidthMbps,
			NodeType:        nodeType,
			Parent:          parentIdx,
			Ancestors:       append([]int{idx}, parent.Ancestors...),
		}
		if node.DownloadMaxMbps == 0 {
			node.DownloadMaxMbps = parent.DownloadMaxMbps
		}
		if node.UploadMaxMbps == 0 {
			node.UploadMaxMbps = parent.UploadMaxMbps
		}
		*nodes = append(*nodes, node)

		if err := walkTree(raw.Children, idx, nodes); err != nil {
			return err
		}
	}

	// Capacity sanity: children may not promise more than the parent
	// provides. Policy is warn, not fail.
	var downSum, upSum uint64
	for _, name := range names {
		if name == "Root" {
			continue
		}
		var raw rawNode
		_ = json.Unmarshal(children[name], &raw)
		downSum += raw.DownloadBandwidthMbps
		upSum += raw.UploadBandwidthMbps
	}
	parent := (*nodes)[parentIdx]
	if downSum > parent.DownloadMaxMbps || upSum > parent.UploadMaxMbps {
		log.Logger.Warn().
			Str("node", parent.Name).
			Uint64("children_down_mbps", downSum).
			Uint64("children_up_mbps", upSum).
			Uint64("down_cap_mbps", parent.DownloadMaxMbps).
			Uint64("up_cap_mbps", parent.UploadMaxMbps).
			Msg("children exceed parent capacity")
	}
	return nil
}

// saveNetworkTree serializes the node sequence back into the topology
// document shape. Used by the round-trip tests and the editor surface.
func saveNetworkTree(nodes []*NetworkNode) ([]byte, error) {
	type outNode struct {
		DownloadBandwidthMbps uint64              `json:"downloadBandwidthMbps"`
		UploadBandwidthMbps   uint64              `json:"uploadBandwidthMbps"`
		Type                  string              `json:"type,omitempty"`
		Children              map[string]*outNode `json:"children,omitempty"`
	}
	built := make([]*outNode, len(nodes))
	top := map[string]*outNode{}
	for i := 1; i < len(nodes); i++ {
		n := nodes[i]
		out := &outNode{
			DownloadBandwidthMbps: n.DownloadMaxMbps,
			UploadBandwidthMbps:   n.UploadMaxMbps,
			Type:                  n.NodeType,
		}
		built[i] = out
		if n.Parent == 0 {
			top[n.Name] = out
		} else {
			parent := built[n.Parent]
			if parent.Children == nil {
				parent.Children = map[string]*outNode{}
			}
			parent.Children[n.Name] = out
		}
	}
	return json.MarshalIndent(top, "", "  ")
}
