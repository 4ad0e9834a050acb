// Package admission implements the controller's allocate/deallocate state
// machine: given an edge device's service request, pick a fog node with a
// feasible network path, reserve bandwidth and compute along that path,
// launch the container, and record the result (spec.md §4.6).
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/siotlab/fdk/pkg/audit"
	"github.com/siotlab/fdk/pkg/bandwidth"
	"github.com/siotlab/fdk/pkg/dataplane"
	"github.com/siotlab/fdk/pkg/flowbuilder"
	"github.com/siotlab/fdk/pkg/log"
	"github.com/siotlab/fdk/pkg/metrics"
	"github.com/siotlab/fdk/pkg/orchestrator"
	"github.com/siotlab/fdk/pkg/pathselect"
	"github.com/siotlab/fdk/pkg/topology"
)

const enqueuePriority = 2000

// ReservationKey identifies one admitted service placement. It is the
// key of allocated_resources, flattened from the original's three-level
// nested dict (spec.md §9).
type ReservationKey struct {
	EdgeNodeID string
	FogNodeID  string
	FogPort    int
}

// HopQueue is one queue installed on a switch for a reservation, paired
// with the QoS entry it was attached to, so it can be torn down later.
type HopQueue struct {
	QueueID string
	QoSID   string
}

// PortReservation is one (node, port) link-reservation increment applied
// during Allocate. Unlike the original's per-switch hops dict — which
// never captured the edge and fog endpoints' own outgoing-port
// reservations — every increment made is recorded here, so Deallocate can
// reverse the whole path by replaying the list, endpoints included.
type PortReservation struct {
	NodeID string
	Port   string
}

// Reservation is everything needed to fully tear down one admitted
// service: the switch-side queues and flows it installed, every link
// reservation it made, and the compute/service handle on the fog side.
type Reservation struct {
	Key ReservationKey

	EdgeIP string
	FogIP  string

	CPUPct       float64
	RAMMB        int64
	BandwidthBps int64

	ServiceID string

	Queues           map[string][]HopQueue // node id -> queues installed there
	Flows            map[string][]string   // node id -> flow ids installed there
	PortReservations []PortReservation
}

// AllocateRequest is one edge device's service placement request
// (spec.md §6).
type AllocateRequest struct {
	EdgeNodeID   string
	Image        string
	CPUPct       float64
	RAMMB        int64
	BandwidthBps int64
	Env          map[string]string
}

// AllocateResponse mirrors the wire shape spec.md §6 defines for the
// allocation server's reply.
type AllocateResponse struct {
	RespCode   int
	EdgeNodeID string
	NodeID     string
	IP         string
	Port       int
	ServiceID  string
	FailureMsg string
}

// DeallocateRequest identifies a prior allocation to tear down.
type DeallocateRequest struct {
	EdgeNodeID string
	NodeID     string
	Port       int
}

// DeallocateResponse is the shutdown server's reply.
type DeallocateResponse struct {
	RespCode int
}

// Admission drives Allocate/Deallocate against one flow topology. bw and
// dp act on the same underlying SDN controller the topology was built
// from; orch places containers on the fog nodes the topology names.
type Admission struct {
	flowTop  *topology.Topology
	bw       *bandwidth.Engine
	dp       *dataplane.Client
	orch     orchestrator.Orchestrator
	auditLog *audit.Log

	mu        sync.Mutex
	allocated map[ReservationKey]*Reservation
}

// New constructs an Admission controller.
func New(flowTop *topology.Topology, bw *bandwidth.Engine, dp *dataplane.Client, orch orchestrator.Orchestrator, auditLog *audit.Log) *Admission {
	return &Admission{
		flowTop:   flowTop,
		bw:        bw,
		dp:        dp,
		orch:      orch,
		auditLog:  auditLog,
		allocated: make(map[ReservationKey]*Reservation),
	}
}

func queueID(fromNodeID, toNodeID string, fogPort int) string {
	return fmt.Sprintf("%s-TO-%s-%d", fromNodeID, toNodeID, fogPort)
}

func qosIDForPort(portOFID string) string {
	return "defaultqos" + flowbuilder.PortSuffix(portOFID)
}

// Allocate runs the full Parse -> CheckCompute -> SelectPath -> Reserve ->
// LaunchContainer -> Respond pipeline for one edge request. It never
// returns a Go error for a business outcome (no compute, no network,
// partial allocation) — those are reported in the response's RespCode and
// FailureMsg, matching the wire protocol of spec.md §6. A non-nil error
// return means the request itself was malformed.
func (a *Admission) Allocate(ctx context.Context, req AllocateRequest) (AllocateResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AllocationLatency)

	logger := log.WithComponent("admission")

	a.flowTop.Lock()
	defer a.flowTop.Unlock()

	edgeNode := a.flowTop.GetNodeLocked(req.EdgeNodeID)
	if edgeNode == nil || edgeNode.Kind != topology.NodeKindEdge {
		return AllocateResponse{}, fmt.Errorf("admission: unknown edge node %s", req.EdgeNodeID)
	}

	// SelectPath: constrained shortest path plus compute-qualified fog pick.
	fogIDs := a.flowTop.FogNodeIDsLocked()
	dv := pathselect.Run(a.flowTop, req.EdgeNodeID, req.BandwidthBps)
	fogNodeID, err := pathselect.SelectFog(a.flowTop, fogIDs, dv, req.CPUPct, req.RAMMB)
	if err != nil {
		result, msg := "no-network", "Insufficient network bandwidth."
		if errors.Is(err, pathselect.ErrNoCompute) {
			result, msg = "no-compute", "Insufficient compute resources."
		}
		metrics.AllocationsTotal.WithLabelValues(result).Inc()
		a.recordDecision("allocate", req.EdgeNodeID, "", 0, result, msg)
		return AllocateResponse{RespCode: -1, EdgeNodeID: req.EdgeNodeID, FailureMsg: msg}, nil
	}
	fogNode := a.flowTop.GetNodeLocked(fogNodeID)

	port, err := a.orch.AllocatePort(fogNodeID)
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues("partial-allocation").Inc()
		a.recordDecision("allocate", req.EdgeNodeID, fogNodeID, 0, "partial-allocation", err.Error())
		return AllocateResponse{RespCode: -1, EdgeNodeID: req.EdgeNodeID, FailureMsg: "No available service port."}, nil
	}

	key := ReservationKey{EdgeNodeID: req.EdgeNodeID, FogNodeID: fogNodeID, FogPort: port}
	res := &Reservation{
		Key:          key,
		EdgeIP:       edgeNode.IPAddr,
		FogIP:        fogNode.IPAddr,
		CPUPct:       req.CPUPct,
		RAMMB:        req.RAMMB,
		BandwidthBps: req.BandwidthBps,
		Queues:       make(map[string][]HopQueue),
		Flows:        make(map[string][]string),
	}

	// Reserve: compute on the fog node, then bandwidth/queues/flows along
	// every hop of the chosen path.
	fogNode.AddReservedCPUPct(req.CPUPct)
	fogNode.AddReservedRAMMB(req.RAMMB)

	hops := pathselect.PathToEdge(dv, fogNodeID)
	for _, hop := range hops {
		if err := a.reserveHop(ctx, req, fogNodeID, port, edgeNode, fogNode, hop, res); err != nil {
			a.orch.ReleasePort(fogNodeID, port)
			fogNode.AddReservedCPUPct(-req.CPUPct)
			fogNode.AddReservedRAMMB(-req.RAMMB)
			a.teardown(ctx, res)

			metrics.AllocationsTotal.WithLabelValues("partial-allocation").Inc()
			logger.Error().Err(err).Str("edge_node_id", req.EdgeNodeID).Str("fog_node_id", fogNodeID).Msg("allocation failed mid-path, rolled back")
			a.recordDecision("allocate", req.EdgeNodeID, fogNodeID, port, "partial-allocation", err.Error())
			return AllocateResponse{RespCode: -1, EdgeNodeID: req.EdgeNodeID, FailureMsg: "Partial allocation failure: " + err.Error()}, nil
		}
	}

	// LaunchContainer.
	serviceID, err := a.orch.CreateService(ctx, fogNodeID, orchestrator.ServiceSpec{
		Image:  req.Image,
		CPUPct: req.CPUPct,
		RAMMB:  req.RAMMB,
		Port:   port,
		Env:    req.Env,
	})
	if err != nil {
		a.orch.ReleasePort(fogNodeID, port)
		fogNode.AddReservedCPUPct(-req.CPUPct)
		fogNode.AddReservedRAMMB(-req.RAMMB)
		a.teardown(ctx, res)

		metrics.AllocationsTotal.WithLabelValues("partial-allocation").Inc()
		a.recordDecision("allocate", req.EdgeNodeID, fogNodeID, port, "partial-allocation", err.Error())
		return AllocateResponse{RespCode: -1, EdgeNodeID: req.EdgeNodeID, FailureMsg: "Failed to launch container: " + err.Error()}, nil
	}
	res.ServiceID = serviceID

	a.mu.Lock()
	a.allocated[key] = res
	a.mu.Unlock()

	metrics.AllocationsTotal.WithLabelValues("success").Inc()
	a.recordDecision("allocate", req.EdgeNodeID, fogNodeID, port, "success", "")
	logger.Info().Str("edge_node_id", req.EdgeNodeID).Str("fog_node_id", fogNodeID).Int("fog_port", port).Str("service_id", serviceID).Msg("allocation succeeded")

	return AllocateResponse{
		RespCode:   0,
		EdgeNodeID: req.EdgeNodeID,
		NodeID:     fogNodeID,
		IP:         fogNode.IPAddr,
		Port:       port,
		ServiceID:  serviceID,
	}, nil
}

// reserveHop installs the (up to) two queues, two flow pairs, and two link
// reservations for one hop of the path, skipping whichever side is the
// true edge or fog endpoint (spec.md §4.6 steps 1-4 — queues and flows
// stop one hop short of the endpoints, but the link reservation itself
// runs for every hop including the endpoint-adjacent ones).
func (a *Admission) reserveHop(ctx context.Context, req AllocateRequest, fogNodeID string, port int, edgeNode, fogNode *topology.Node, hop pathselect.Hop, res *Reservation) error {
	dstNode := a.flowTop.GetNodeLocked(hop.DstNodeID)
	srcNode := a.flowTop.GetNodeLocked(hop.SrcNodeID)
	if dstNode == nil || srcNode == nil {
		return fmt.Errorf("hop references unknown node")
	}

	var srcQueueID, srcQoSID string
	var srcQueueNum int
	if srcNode.Kind != topology.NodeKindEdge {
		srcQueueID = queueID(req.EdgeNodeID, fogNodeID, port)
		if err := a.bw.CreateQueue(ctx, srcNode, srcQueueID, req.BandwidthBps); err != nil {
			return err
		}
		srcQoSID = qosIDForPort(hop.SrcPort)
		num, err := a.bw.AddQoSQueue(ctx, srcNode, srcQoSID, srcQueueID)
		if err != nil {
			return err
		}
		srcQueueNum = num
		res.Queues[hop.SrcNodeID] = append(res.Queues[hop.SrcNodeID], HopQueue{QueueID: srcQueueID, QoSID: srcQoSID})
	}

	var dstQueueID, dstQoSID string
	var dstQueueNum int
	if dstNode.Kind != topology.NodeKindFog {
		dstQueueID = queueID(fogNodeID, req.EdgeNodeID, port)
		if err := a.bw.CreateQueue(ctx, dstNode, dstQueueID, req.BandwidthBps); err != nil {
			return err
		}
		dstQoSID = qosIDForPort(hop.DstPort)
		num, err := a.bw.AddQoSQueue(ctx, dstNode, dstQoSID, dstQueueID)
		if err != nil {
			return err
		}
		dstQueueNum = num
		res.Queues[hop.DstNodeID] = append(res.Queues[hop.DstNodeID], HopQueue{QueueID: dstQueueID, QoSID: dstQoSID})
	}

	if srcNode.Kind != topology.NodeKindEdge {
		idPrefix := queueID(req.EdgeNodeID, fogNodeID, port)
		flows := flowbuilder.EnqueuePair(idPrefix, 0, enqueuePriority, edgeNode.IPAddr, fogNode.IPAddr, port, true, hop.SrcPort, srcQueueID, srcQueueNum)
		for _, fl := range flows {
			if err := a.dp.PutFlow(ctx, hop.SrcNodeID, 0, fl.ID, fl); err != nil {
				return err
			}
			res.Flows[hop.SrcNodeID] = append(res.Flows[hop.SrcNodeID], fl.ID)
		}
	}

	if dstNode.Kind != topology.NodeKindFog {
		idPrefix := queueID(fogNodeID, req.EdgeNodeID, port)
		flows := flowbuilder.EnqueuePair(idPrefix, 0, enqueuePriority, fogNode.IPAddr, edgeNode.IPAddr, port, false, hop.DstPort, dstQueueID, dstQueueNum)
		for _, fl := range flows {
			if err := a.dp.PutFlow(ctx, hop.DstNodeID, 0, fl.ID, fl); err != nil {
				return err
			}
			res.Flows[hop.DstNodeID] = append(res.Flows[hop.DstNodeID], fl.ID)
		}
	}

	if err := a.flowTop.AddLinkReservationLocked(hop.DstNodeID, hop.DstPort, req.BandwidthBps); err != nil {
		return err
	}
	res.PortReservations = append(res.PortReservations, PortReservation{NodeID: hop.DstNodeID, Port: hop.DstPort})

	if err := a.flowTop.AddLinkReservationLocked(hop.SrcNodeID, hop.SrcPort, req.BandwidthBps); err != nil {
		return err
	}
	res.PortReservations = append(res.PortReservations, PortReservation{NodeID: hop.SrcNodeID, Port: hop.SrcPort})

	return nil
}

// Deallocate tears down a prior allocation using only the data recorded
// in its Reservation — it never re-runs path selection (spec.md §4.6: "no
// re-discovery of the path"). It is idempotent: a repeat request for a
// key that is no longer allocated is a no-op success.
func (a *Admission) Deallocate(ctx context.Context, req DeallocateRequest) (DeallocateResponse, error) {
	key := ReservationKey{EdgeNodeID: req.EdgeNodeID, FogNodeID: req.NodeID, FogPort: req.Port}

	a.mu.Lock()
	res, ok := a.allocated[key]
	a.mu.Unlock()
	if !ok {
		return DeallocateResponse{RespCode: 0}, nil
	}

	a.flowTop.Lock()
	defer a.flowTop.Unlock()

	a.teardown(ctx, res)

	if fogNode := a.flowTop.GetNodeLocked(req.NodeID); fogNode != nil {
		fogNode.AddReservedCPUPct(-res.CPUPct)
		fogNode.AddReservedRAMMB(-res.RAMMB)
	}

	logger := log.WithComponent("admission")
	if err := a.orch.RemoveService(ctx, req.NodeID, res.ServiceID); err != nil {
		logger.Warn().Err(err).Str("service_id", res.ServiceID).Msg("failed to remove service during deallocation")
	}
	a.orch.ReleasePort(req.NodeID, req.Port)

	a.mu.Lock()
	delete(a.allocated, key)
	a.mu.Unlock()

	metrics.DeallocationsTotal.Inc()
	a.recordDecision("deallocate", req.EdgeNodeID, req.NodeID, req.Port, "success", "")
	logger.Info().Str("edge_node_id", req.EdgeNodeID).Str("fog_node_id", req.NodeID).Int("fog_port", req.Port).Msg("deallocation succeeded")

	return DeallocateResponse{RespCode: 0}, nil
}

// teardown reverses every queue, flow, and link reservation recorded in
// res, best-effort: a single hop's teardown failure is logged and does
// not stop the rest from being attempted, since leaving a later hop
// reserved forever is worse than a dangling flow entry a human can clean
// up by hand.
func (a *Admission) teardown(ctx context.Context, res *Reservation) {
	logger := log.WithComponent("admission")

	for nodeID, flowIDs := range res.Flows {
		for _, flowID := range flowIDs {
			if err := a.dp.DeleteFlow(ctx, nodeID, 0, flowID); err != nil {
				logger.Warn().Err(err).Str("node_id", nodeID).Str("flow_id", flowID).Msg("failed to delete flow during teardown")
			}
		}
	}

	for nodeID, queues := range res.Queues {
		node := a.flowTop.GetNodeLocked(nodeID)
		if node == nil {
			continue
		}
		for _, q := range queues {
			if err := a.bw.RemoveQoSQueue(ctx, node, q.QoSID, q.QueueID); err != nil {
				logger.Warn().Err(err).Str("node_id", nodeID).Str("queue_id", q.QueueID).Msg("failed to remove qos queue during teardown")
				continue
			}
			if err := a.bw.DeleteQueue(ctx, node, q.QueueID); err != nil {
				logger.Warn().Err(err).Str("node_id", nodeID).Str("queue_id", q.QueueID).Msg("failed to delete queue during teardown")
			}
		}
	}

	for _, pr := range res.PortReservations {
		if err := a.flowTop.AddLinkReservationLocked(pr.NodeID, pr.Port, -res.BandwidthBps); err != nil {
			logger.Warn().Err(err).Str("node_id", pr.NodeID).Str("port", pr.Port).Msg("failed to release link reservation during teardown")
		}
	}
}

func (a *Admission) recordDecision(action, edgeNodeID, fogNodeID string, fogPort int, result, failureMsg string) {
	if a.auditLog == nil {
		return
	}
	if err := a.auditLog.Record(audit.Decision{
		Action:     action,
		EdgeNodeID: edgeNodeID,
		FogNodeID:  fogNodeID,
		FogPort:    fogPort,
		Result:     result,
		FailureMsg: failureMsg,
	}); err != nil {
		log.WithComponent("admission").Warn().Err(err).Msg("failed to record audit decision")
	}
}
