package poller

import (
	"context"
	"fmt"
	"strings"

	"github.com/siotlab/fdk/pkg/dataplane"
	"github.com/siotlab/fdk/pkg/log"
	"github.com/siotlab/fdk/pkg/topology"
)

// networkTopologyResponse is the minimal shape of a GET against
// network-topology:network-topology/ (spec.md §4.2, §6) this controller
// reads: every topology's node and link lists.
type networkTopologyResponse struct {
	NetworkTopology struct {
		Topology []topologyEntry `json:"topology"`
	} `json:"network-topology"`
}

type topologyEntry struct {
	TopologyID string      `json:"topology-id"`
	Node       []nodeEntry `json:"node"`
	Link       []linkEntry `json:"link"`
}

type nodeEntry struct {
	NodeID           string                  `json:"node-id"`
	BridgeName       string                  `json:"ovsdb:bridge-name,omitempty"`
	DatapathID       string                  `json:"ovsdb:datapath-id,omitempty"`
	TerminationPoint []ovsdbTerminationPoint `json:"termination-point,omitempty"`
}

type ovsdbTerminationPoint struct {
	InterfaceType string `json:"ovsdb:interface-type,omitempty"`
}

type linkEntry struct {
	Source struct {
		SourceNode string `json:"source-node"`
		SourceTP   string `json:"source-tp"`
	} `json:"source"`
	Destination struct {
		DestNode string `json:"dest-node"`
		DestTP   string `json:"dest-tp"`
	} `json:"destination"`
}

// inventoryResponse is the minimal shape of a GET against
// opendaylight-inventory:nodes/ this controller reads: every switch's
// port list, with names and reported link speed.
type inventoryResponse struct {
	Nodes struct {
		Node []inventoryNode `json:"node"`
	} `json:"nodes"`
}

type inventoryNode struct {
	ID            string                  `json:"id"`
	NodeConnector []inventoryNodeConnector `json:"node-connector"`
}

type inventoryNodeConnector struct {
	ID           string `json:"id"`
	Name         string `json:"flow-node-inventory:name"`
	CurrentSpeed int64  `json:"flow-node-inventory:current-speed"`
}

// topologyRefresh re-reads network-topology and opendaylight-inventory,
// inserting any node or link not already known. It never removes a node
// (spec.md §4.9) and is safe to call repeatedly — AddNodeLocked/
// AddLinkLocked are themselves idempotent.
func (p *Poller) topologyRefresh(ctx context.Context) {
	logger := log.WithComponent("poller")

	var resp networkTopologyResponse
	if err := p.dp.Get(ctx, dataplane.OperationalStore, "network-topology:network-topology/", &resp); err != nil {
		logger.Error().Err(err).Msg("topology_refresh: failed to query network-topology")
		return
	}

	var inv inventoryResponse
	if err := p.dp.Get(ctx, dataplane.OperationalStore, "opendaylight-inventory:nodes/", &inv); err != nil {
		logger.Error().Err(err).Msg("topology_refresh: failed to query opendaylight-inventory")
		return
	}

	p.flowTop.Lock()
	defer p.flowTop.Unlock()

	for _, top := range resp.NetworkTopology.Topology {
		if strings.HasPrefix(top.TopologyID, "flow") && top.TopologyID == p.flowTop.ID {
			p.mergeFlowNodesLocked(top)
			p.mergeFlowLinksLocked(top)
		}
	}

	p.mergePortsLocked(inv)

	for _, top := range resp.NetworkTopology.Topology {
		if strings.HasPrefix(top.TopologyID, "ovsdb") {
			p.mergeOVSDBBridgesLocked(top)
		}
	}
}

// mergeFlowNodesLocked adds every node-id from a flow topology that isn't
// already tracked: "openflow:*" ids become Switch nodes, everything else
// (host/edge/fog device ids) becomes a Generic node awaiting its first
// greeting (spec.md §4.1).
func (p *Poller) mergeFlowNodesLocked(top topologyEntry) {
	for _, n := range top.Node {
		if p.flowTop.GetNodeLocked(n.NodeID) != nil {
			continue
		}
		if strings.HasPrefix(n.NodeID, "openflow:") {
			p.flowTop.AddNodeLocked(topology.NewSwitch(n.NodeID, n.NodeID))
		} else {
			p.flowTop.AddNodeLocked(topology.NewGeneric(n.NodeID))
		}
	}
}

// mergeFlowLinksLocked adds every link in a flow topology, translating a
// host endpoint's "source-node"/"dest-node" (it has no switch port) into
// its own node id as the port, matching the original's convention of
// using the host's node id as its own port identifier.
func (p *Poller) mergeFlowLinksLocked(top topologyEntry) {
	for _, link := range top.Link {
		srcNode := link.Source.SourceNode
		srcPort := link.Source.SourceTP
		if !strings.HasPrefix(srcNode, "openflow:") {
			srcPort = srcNode
		}

		dstNode := link.Destination.DestNode
		dstPort := link.Destination.DestTP
		if !strings.HasPrefix(dstNode, "openflow:") {
			dstPort = dstNode
		}

		p.flowTop.AddLinkLocked(srcNode, dstNode, srcPort, dstPort, 0)
	}
}

// mergePortsLocked records every switch port's name and current-speed from
// the inventory response, building the port-name<->OF-id association
// spec.md §4.9 names (the PortConfig.Name field, keyed by OF port id,
// serves both directions of that lookup).
func (p *Poller) mergePortsLocked(inv inventoryResponse) {
	for _, n := range inv.Nodes.Node {
		node := p.flowTop.GetNodeLocked(n.ID)
		if node == nil || node.Kind != topology.NodeKindSwitch {
			continue
		}
		for _, pc := range n.NodeConnector {
			if strings.HasSuffix(pc.ID, "LOCAL") {
				continue
			}
			port, ok := node.Ports[pc.ID]
			if !ok {
				port = &topology.PortConfig{ID: pc.ID}
				node.Ports[pc.ID] = port
			}
			port.Name = pc.Name
			port.OFPortNum = portNum(pc.ID)
			port.LinkSpeedBps = pc.CurrentSpeed * 1000 // kbps -> bps, matching the original's convention
		}
	}
}

// mergeOVSDBBridgesLocked populates the flow<->ovsdb id mapping for every
// ovsdb bridge node, keyed on the flow topology's "openflow:<n>" id the
// bridge's datapath-id (its MAC) derives (spec.md §4.2).
func (p *Poller) mergeOVSDBBridgesLocked(top topologyEntry) {
	for _, n := range top.Node {
		if n.DatapathID == "" || n.BridgeName == "" {
			continue
		}
		ofID, err := macToOFID(n.DatapathID)
		if err != nil {
			log.WithComponent("poller").Warn().Err(err).Str("ovsdb_node_id", n.NodeID).Msg("topology_refresh: unparseable bridge datapath-id")
			continue
		}
		if p.flowTop.GetNodeLocked(ofID) == nil {
			continue
		}
		p.mapping.Set(ofID, n.NodeID)
	}
}

// macToOFID converts a colon-separated MAC address (ovsdb's
// datapath-id) to the decimal "openflow:<n>" id the flow topology uses
// for the same switch, mirroring the original's mac_to_int conversion.
func macToOFID(mac string) (string, error) {
	parts := strings.Split(mac, ":")
	var n uint64
	for _, part := range parts {
		var b uint64
		if _, err := fmt.Sscanf(part, "%x", &b); err != nil {
			return "", fmt.Errorf("poller: invalid mac %q: %w", mac, err)
		}
		n = n<<8 | b
	}
	return fmt.Sprintf("openflow:%d", n), nil
}

// portNum extracts the trailing port-number segment of an OpenFlow
// termination-point id (e.g. "openflow:1:3" -> 3).
func portNum(ofID string) int {
	idx := strings.LastIndex(ofID, ":")
	if idx < 0 {
		return 0
	}
	var n int
	fmt.Sscanf(ofID[idx+1:], "%d", &n)
	return n
}
