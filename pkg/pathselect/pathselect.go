// Package pathselect implements the constrained Bellman-Ford fog-selection
// algorithm of spec.md §4.5: find the fog node with the cheapest eligible
// path from an edge node that also satisfies the edge's compute request.
package pathselect

import (
	"errors"
	"math"
	"sort"

	"github.com/siotlab/fdk/pkg/topology"
)

// ErrNoCompute is returned when no fog node has enough free CPU and RAM to
// service the request, independent of network reachability.
var ErrNoCompute = errors.New("pathselect: no fog node has sufficient compute resources")

// ErrNoNetwork is returned when at least one fog node qualifies by compute
// but every qualifying node is unreachable within the requested bandwidth.
var ErrNoNetwork = errors.New("pathselect: no eligible path exists to any compute-qualified fog node")

// Hop is one parent-vector entry: the link used to reach dstNodeID, arriving
// via dstPort from srcNodeID's srcPort.
type Hop struct {
	DstNodeID string
	DstPort   string
	SrcNodeID string
	SrcPort   string
}

// DistanceVector is the result of one Bellman-Ford run from a source node:
// the shortest-cost distance to every reachable node under the bandwidth
// eligibility constraint, and the parent hop used to reach it.
type DistanceVector struct {
	Distance map[string]float64
	Parent   map[string]Hop
}

// Run computes the constrained shortest-path distance vector from srcNodeID
// over top's edges, honoring only edges with at least requiredBandwidthBps
// of residual capacity (spec.md §4.5). Must be called with top already
// locked by the caller for the duration of path selection and reservation.
func Run(top *topology.Topology, srcNodeID string, requiredBandwidthBps int64) DistanceVector {
	dv := DistanceVector{
		Distance: make(map[string]float64),
		Parent:   make(map[string]Hop),
	}

	for _, id := range top.NodeIDsLocked() {
		dv.Distance[id] = math.Inf(1)
	}
	dv.Distance[srcNodeID] = 0

	numNodes := top.NumNodesLocked()
	edges := top.GetAllEdgesLocked()

	// GetAllEdgesLocked ranges over a map keyed by source node id, whose
	// iteration order Go randomizes per process. Sort by a stable key so
	// relaxation visits edges in the same order every run: otherwise an
	// exact-distance tie between two candidates resolves to whichever one
	// the map happened to yield first.
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.SrcNodeID != b.SrcNodeID {
			return a.SrcNodeID < b.SrcNodeID
		}
		if a.SrcPortID != b.SrcPortID {
			return a.SrcPortID < b.SrcPortID
		}
		if a.DstNodeID != b.DstNodeID {
			return a.DstNodeID < b.DstNodeID
		}
		return a.DstPortID < b.DstPortID
	})

	for i := 1; i < numNodes; i++ {
		relaxed := false
		for _, e := range edges {
			available := e.AvailableBps()
			if available < requiredBandwidthBps {
				continue // ineligible: equivalent to infinite weight
			}
			weight := 1 / float64(available)
			candidate := dv.Distance[e.SrcNodeID] + weight

			if candidate < dv.Distance[e.DstNodeID] {
				dv.Distance[e.DstNodeID] = candidate
				dv.Parent[e.DstNodeID] = Hop{
					DstNodeID: e.DstNodeID,
					DstPort:   e.DstPortID,
					SrcNodeID: e.SrcNodeID,
					SrcPort:   e.SrcPortID,
				}
				relaxed = true
			}
		}
		if !relaxed {
			break // converged early; no further relaxation can change anything
		}
	}

	return dv
}

// SelectFog picks, among fogNodeIDs, the one with the smallest distance in
// dv that also satisfies cpuPctReq/ramMBReq, breaking ties by the order
// fogNodeIDs is given in (first-seen). It returns ErrNoCompute if no node
// qualifies by compute, or ErrNoNetwork if all compute-qualified nodes are
// at infinite distance.
func SelectFog(top *topology.Topology, fogNodeIDs []string, dv DistanceVector, cpuPctReq float64, ramMBReq int64) (string, error) {
	bestID := ""
	bestDistance := math.Inf(1)
	anyQualifiedByCompute := false

	for _, id := range fogNodeIDs {
		node := top.GetNodeLocked(id)
		if node == nil || node.CPUAvailable() < cpuPctReq || node.RAMAvailable() < ramMBReq {
			continue
		}
		anyQualifiedByCompute = true

		if dv.Distance[id] < bestDistance {
			bestID = id
			bestDistance = dv.Distance[id]
		}
	}

	if !anyQualifiedByCompute {
		return "", ErrNoCompute
	}
	if math.IsInf(bestDistance, 1) {
		return "", ErrNoNetwork
	}
	return bestID, nil
}

// PathToEdge walks dv.Parent from fogNodeID back to edgeNodeID, returning
// the ordered hop chain (fog-adjacent hop first). The walk stops once it
// reaches a node with no parent entry, which is the edge node itself.
func PathToEdge(dv DistanceVector, fogNodeID string) []Hop {
	var hops []Hop
	cur, ok := dv.Parent[fogNodeID]
	for ok {
		hops = append(hops, cur)
		cur, ok = dv.Parent[cur.SrcNodeID]
	}
	return hops
}
