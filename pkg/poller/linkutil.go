package poller

import (
	"context"
	"fmt"
	"strings"

	"github.com/siotlab/fdk/pkg/dataplane"
	"github.com/siotlab/fdk/pkg/log"
)

// nodeConnectorResponse is the shape of a GET against one
// opendaylight-inventory node-connector: its cumulative byte counters
// (spec.md §4.9).
type nodeConnectorResponse struct {
	NodeConnector []struct {
		Statistics struct {
			Bytes struct {
				Transmitted uint64 `json:"transmitted"`
				Received    uint64 `json:"received"`
			} `json:"bytes"`
		} `json:"opendaylight-port-statistics:flow-capable-node-connector-statistics"`
	} `json:"node-connector"`
}

func nodeConnectorPath(nodeID, portOFID string) string {
	return fmt.Sprintf("opendaylight-inventory:nodes/node/%s/node-connector/%s", nodeID, portOFID)
}

// linkUtilRefresh rotates each switch-originated edge's byte counters and
// recomputes bps_current/bps_capacity/utilization_pct (spec.md §4.9). Edges
// leaving a host endpoint (edge/fog) have no switch-reported speed, so they
// take the configured open-link capacity, matching the original's
// max_link_speed fallback for "host:"-prefixed ports. A switch port that
// reports a speed of zero gives its edge zero capacity.
func (p *Poller) linkUtilRefresh(ctx context.Context) {
	logger := log.WithComponent("poller")

	p.flowTop.Lock()
	defer p.flowTop.Unlock()

	for _, e := range p.flowTop.GetAllEdgesLocked() {
		if !strings.HasPrefix(e.SrcNodeID, "openflow:") {
			e.BpsCapacity = p.cfg.OpenLinkCapacityBps
		}
	}

	for _, nodeID := range p.flowTop.NodeIDsLocked() {
		node := p.flowTop.GetNodeLocked(nodeID)
		if node == nil || !strings.HasPrefix(nodeID, "openflow:") {
			continue
		}

		for portID, port := range node.Ports {
			edge := p.flowTop.GetOutgoingEdgeLocked(nodeID, portID)
			if edge == nil {
				continue
			}

			var resp nodeConnectorResponse
			if err := p.dp.Get(ctx, dataplane.OperationalStore, nodeConnectorPath(nodeID, portID), &resp); err != nil {
				if err != dataplane.ErrNotFound {
					logger.Warn().Err(err).Str("node_id", nodeID).Str("port_id", portID).Msg("link_util_refresh: failed to read node-connector statistics")
				}
				continue
			}
			if len(resp.NodeConnector) == 0 {
				continue
			}
			stats := resp.NodeConnector[0].Statistics

			edge.PrevBytesTx = edge.CurBytesTx
			edge.PrevBytesRx = edge.CurBytesRx
			edge.CurBytesTx = stats.Bytes.Transmitted
			edge.CurBytesRx = stats.Bytes.Received

			// A counter reset or wrap (current < previous) is reported as
			// zero traffic, never as the huge value a raw uint64
			// subtraction would underflow to (spec.md §3).
			var newBitsTx uint64
			if edge.CurBytesTx >= edge.PrevBytesTx {
				newBitsTx = (edge.CurBytesTx - edge.PrevBytesTx) * 8
			}
			intervalSec := p.cfg.LinkUtilRefreshIntervalSec
			if intervalSec <= 0 {
				intervalSec = 1
			}
			edge.BpsCurrent = int64(float64(newBitsTx) / intervalSec)

			edge.BpsCapacity = port.LinkSpeedBps

			if edge.BpsCapacity == 0 {
				// Zero capacity marks the link fully reserved and
				// ineligible for routing regardless of the requested
				// bandwidth (spec.md §4.9, §3).
				edge.UtilizationPct = 110
				edge.BpsReserved = 1
				continue
			}
			edge.UtilizationPct = float64(edge.BpsCurrent) / float64(edge.BpsCapacity) * 100
		}
	}
}
