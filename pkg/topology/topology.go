// Package topology models the controller's view of the network: nodes,
// bandwidth-accounting directed edges, and the mutex that serializes every
// read and write against them (spec.md §3, §4.1).
package topology

import (
	"fmt"
	"sync"
)

// linkKey uniquely identifies a directed link between two ports, used to
// make AddLink idempotent.
type linkKey struct {
	srcNodeID, dstNodeID, srcPortID, dstPortID string
}

// Topology is one view (flow or ovsdb) of the network. All access beyond
// the Lock/Unlock pair itself must go through its methods; callers that
// compose several operations call Lock once and use the *Locked methods so
// the whole sequence is atomic (spec.md §4.1).
type Topology struct {
	ID   string
	Kind Kind

	mu sync.Mutex

	nodes map[string]*Node
	// edgesBySrc is keyed by source node id; each source's slice keeps its
	// edges in insertion order. Iteration across sources follows Go map
	// order and is not deterministic.
	edgesBySrc map[string][]*Edge
	edgeIndex  map[linkKey]*Edge
}

// New constructs an empty topology of the given kind.
func New(id string, kind Kind) *Topology {
	return &Topology{
		ID:         id,
		Kind:       kind,
		nodes:      make(map[string]*Node),
		edgesBySrc: make(map[string][]*Edge),
		edgeIndex:  make(map[linkKey]*Edge),
	}
}

// Lock acquires the topology's mutex. Pair with Unlock around a sequence of
// *Locked calls that must be applied atomically.
func (t *Topology) Lock() { t.mu.Lock() }

// Unlock releases the topology's mutex.
func (t *Topology) Unlock() { t.mu.Unlock() }

// AddNode inserts node if its id is not already present (single-step,
// self-locking convenience wrapper).
func (t *Topology) AddNode(node *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AddNodeLocked(node)
}

// AddNodeLocked is AddNode for callers already holding the lock.
func (t *Topology) AddNodeLocked(node *Node) {
	if _, exists := t.nodes[node.ID]; exists {
		return
	}
	t.nodes[node.ID] = node
}

// DelNode removes a node and every edge touching it.
func (t *Topology) DelNode(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DelNodeLocked(id)
}

// DelNodeLocked is DelNode for callers already holding the lock.
func (t *Topology) DelNodeLocked(id string) {
	delete(t.nodes, id)
	for _, e := range t.edgesBySrc[id] {
		delete(t.edgeIndex, linkKey{e.SrcNodeID, e.DstNodeID, e.SrcPortID, e.DstPortID})
	}
	delete(t.edgesBySrc, id)
	for src, edges := range t.edgesBySrc {
		kept := edges[:0]
		for _, e := range edges {
			if e.DstNodeID == id {
				delete(t.edgeIndex, linkKey{e.SrcNodeID, e.DstNodeID, e.SrcPortID, e.DstPortID})
				continue
			}
			kept = append(kept, e)
		}
		t.edgesBySrc[src] = kept
	}
}

// GetNode returns the node with id, or nil if absent.
func (t *Topology) GetNode(id string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.GetNodeLocked(id)
}

// GetNodeLocked is GetNode for callers already holding the lock.
func (t *Topology) GetNodeLocked(id string) *Node {
	return t.nodes[id]
}

// NodeIDs returns every node id currently in the topology.
func (t *Topology) NodeIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.NodeIDsLocked()
}

// NodeIDsLocked is NodeIDs for callers already holding the lock.
func (t *Topology) NodeIDsLocked() []string {
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	return ids
}

// FogNodeIDs returns the ids of every node currently classified Fog.
func (t *Topology) FogNodeIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.FogNodeIDsLocked()
}

// FogNodeIDsLocked is FogNodeIDs for callers already holding the lock.
func (t *Topology) FogNodeIDsLocked() []string {
	var ids []string
	for id, n := range t.nodes {
		if n.Kind == NodeKindFog {
			ids = append(ids, id)
		}
	}
	return ids
}

// NumNodes returns the current node count (used as |V| by the path
// selector's relaxation bound).
func (t *Topology) NumNodes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.NumNodesLocked()
}

// NumNodesLocked is NumNodes for callers already holding the lock.
func (t *Topology) NumNodesLocked() int {
	return len(t.nodes)
}

// AddLink creates both directed edges between src and dst (idempotent on
// the (src,dst,srcPort,dstPort) key — calling it twice with the same
// arguments is a no-op the second time, spec.md §4.1). capacityBps is the
// observed min of the two endpoint port speeds; a zero speed marks the
// link fully reserved and excluded from routing, per spec.md §3.
func (t *Topology) AddLink(src, dst, srcPort, dstPort string, capacityBps int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AddLinkLocked(src, dst, srcPort, dstPort, capacityBps)
}

// AddLinkLocked is AddLink for callers already holding the lock.
func (t *Topology) AddLinkLocked(src, dst, srcPort, dstPort string, capacityBps int64) {
	fwd := linkKey{src, dst, srcPort, dstPort}
	if _, exists := t.edgeIndex[fwd]; !exists {
		e := &Edge{SrcNodeID: src, DstNodeID: dst, SrcPortID: srcPort, DstPortID: dstPort, BpsCapacity: capacityBps}
		t.edgeIndex[fwd] = e
		t.edgesBySrc[src] = append(t.edgesBySrc[src], e)
	}

	rev := linkKey{dst, src, dstPort, srcPort}
	if _, exists := t.edgeIndex[rev]; !exists {
		e := &Edge{SrcNodeID: dst, DstNodeID: src, SrcPortID: dstPort, DstPortID: srcPort, BpsCapacity: capacityBps}
		t.edgeIndex[rev] = e
		t.edgesBySrc[dst] = append(t.edgesBySrc[dst], e)
	}
}

// DelLink removes both directed edges between src and dst on the given
// ports.
func (t *Topology) DelLink(src, dst, srcPort, dstPort string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delOneDirection(src, dst, srcPort, dstPort)
	t.delOneDirection(dst, src, dstPort, srcPort)
}

func (t *Topology) delOneDirection(src, dst, srcPort, dstPort string) {
	key := linkKey{src, dst, srcPort, dstPort}
	if _, exists := t.edgeIndex[key]; !exists {
		return
	}
	delete(t.edgeIndex, key)
	edges := t.edgesBySrc[src]
	for i, e := range edges {
		if e.DstNodeID == dst && e.SrcPortID == srcPort && e.DstPortID == dstPort {
			t.edgesBySrc[src] = append(edges[:i], edges[i+1:]...)
			break
		}
	}
}

// GetEdge returns the directed edge identified by its full key, or nil.
func (t *Topology) GetEdge(src, dst, srcPort, dstPort string) *Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.edgeIndex[linkKey{src, dst, srcPort, dstPort}]
}

// GetOutgoingEdge returns the single outgoing edge from (node, port), or
// nil if none exists. A port has at most one outgoing edge.
func (t *Topology) GetOutgoingEdge(nodeID, portID string) *Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOutgoingEdgeLocked(nodeID, portID)
}

// GetOutgoingEdgeLocked is GetOutgoingEdge for callers already holding the
// lock.
func (t *Topology) GetOutgoingEdgeLocked(nodeID, portID string) *Edge {
	return t.getOutgoingEdgeLocked(nodeID, portID)
}

func (t *Topology) getOutgoingEdgeLocked(nodeID, portID string) *Edge {
	for _, e := range t.edgesBySrc[nodeID] {
		if e.SrcPortID == portID {
			return e
		}
	}
	return nil
}

// GetAllEdges returns every directed edge in the topology. The slice is a
// snapshot; callers that need to stay consistent with the rest of the
// topology should call this under Lock()/Unlock().
func (t *Topology) GetAllEdges() []*Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.GetAllEdgesLocked()
}

// GetAllEdgesLocked is GetAllEdges for callers already holding the lock.
func (t *Topology) GetAllEdgesLocked() []*Edge {
	var all []*Edge
	for _, edges := range t.edgesBySrc {
		all = append(all, edges...)
	}
	return all
}

// GetNeighbors returns every edge outgoing from nodeID.
func (t *Topology) GetNeighbors(nodeID string) []*Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Edge(nil), t.edgesBySrc[nodeID]...)
}

// AddLinkReservation adds delta to bps_reserved of the outgoing edge from
// (node, port); a negative delta releases a reservation. Reservation
// accounting is local to the outgoing edge — callers update the symmetric
// edge explicitly when bandwidth is reserved for bidirectional traffic
// (spec.md §4.1). Returns an error if no such outgoing edge exists.
func (t *Topology) AddLinkReservation(node, port string, delta int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.AddLinkReservationLocked(node, port, delta)
}

// AddLinkReservationLocked is AddLinkReservation for callers already
// holding the lock.
func (t *Topology) AddLinkReservationLocked(node, port string, delta int64) error {
	e := t.getOutgoingEdgeLocked(node, port)
	if e == nil {
		return fmt.Errorf("topology: no outgoing edge from %s port %s", node, port)
	}
	e.BpsReserved += delta
	if e.BpsReserved < 0 {
		e.BpsReserved = 0
	}
	return nil
}

// SetLinkReservation absolutely sets bps_reserved on the outgoing edge from
// (node, port). Used only by init/teardown (spec.md §4.1), never by the
// allocation hot path.
func (t *Topology) SetLinkReservation(node, port string, value int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.SetLinkReservationLocked(node, port, value)
}

// SetLinkReservationLocked is SetLinkReservation for callers already
// holding the lock.
func (t *Topology) SetLinkReservationLocked(node, port string, value int64) error {
	e := t.getOutgoingEdgeLocked(node, port)
	if e == nil {
		return fmt.Errorf("topology: no outgoing edge from %s port %s", node, port)
	}
	e.BpsReserved = value
	return nil
}
