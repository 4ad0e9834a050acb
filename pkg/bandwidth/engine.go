// Package bandwidth implements the queue/QoS/termination-point write
// protocol that reserves rate-limited lanes on intermediate switches
// (spec.md §4.4). Every primitive here is confirmed against the SDN
// controller's operational store before the topology's local cache is
// mutated, keeping the two in lockstep under an eventually-consistent
// backing store.
package bandwidth

import (
	"context"
	"fmt"

	"github.com/siotlab/fdk/pkg/dataplane"
	"github.com/siotlab/fdk/pkg/log"
	"github.com/siotlab/fdk/pkg/topology"
)

// Engine drives the eight primitive operations of spec.md §4.4 against one
// ovsdb topology and the switch nodes tracked in the corresponding flow
// topology.
type Engine struct {
	dp      *dataplane.Client
	mapping *topology.Mapping
	flowTop *topology.Topology

	ovsdbTopologyID string
}

// NewEngine constructs a bandwidth Engine. flowTop is the authoritative
// switch-state cache (Node.Queues, Node.QoSEntries, PortConfig); mapping
// translates flow-view node ids to ovsdb-view node ids for REST paths.
func NewEngine(dp *dataplane.Client, flowTop *topology.Topology, mapping *topology.Mapping) *Engine {
	return &Engine{dp: dp, mapping: mapping, flowTop: flowTop, ovsdbTopologyID: mapping.OVSDBTopologyID}
}

func (e *Engine) ovsdbNodeID(flowNodeID string) (string, error) {
	id, ok := e.mapping.OVSDBNodeID(flowNodeID)
	if !ok {
		return "", fmt.Errorf("bandwidth: no ovsdb mapping for node %s", flowNodeID)
	}
	return id, nil
}

func (e *Engine) queuePath(ovsdbNodeID, queueID string) string {
	return fmt.Sprintf("network-topology:network-topology/topology/%s/node/%s/ovsdb:queues/%s", e.ovsdbTopologyID, ovsdbNodeID, queueID)
}

func (e *Engine) qosPath(ovsdbNodeID, qosID string) string {
	return fmt.Sprintf("network-topology:network-topology/topology/%s/node/%s/ovsdb:qos-entries/%s", e.ovsdbTopologyID, ovsdbNodeID, qosID)
}

func (e *Engine) tpPath(ovsdbNodeID, tpID string) string {
	return fmt.Sprintf("network-topology:network-topology/topology/%s/node/%s/termination-point/%s", e.ovsdbTopologyID, ovsdbNodeID, tpID)
}

// CreateQueue PUTs a new rate-limited queue on node and, once observable in
// the operational store, records it in node's local queue map
// (spec.md §4.4 step 1).
func (e *Engine) CreateQueue(ctx context.Context, node *topology.Node, queueID string, rateBps int64) error {
	ovsdbID, err := e.ovsdbNodeID(node.ID)
	if err != nil {
		return err
	}
	path := e.queuePath(ovsdbID, queueID)
	if err := e.dp.Put(ctx, path, newQueuePayload(queueID, rateBps)); err != nil {
		return fmt.Errorf("bandwidth: create_queue %s/%s: %w", node.ID, queueID, err)
	}

	var out queuePayload
	if err := e.dp.Poll(ctx, "create_queue", func(ctx context.Context) (bool, error) {
		if err := e.dp.Get(ctx, dataplane.OperationalStore, path, &out); err != nil {
			if err == dataplane.ErrNotFound {
				return false, nil
			}
			return false, err
		}
		return len(out.Queues) > 0, nil
	}); err != nil {
		return err
	}

	node.Queues[queueID] = &topology.Queue{ID: queueID, MaxRateBps: rateBps}
	log.WithNodeID(node.ID).Debug().Str("queue_id", queueID).Int64("rate_bps", rateBps).Msg("queue created")
	return nil
}

// DeleteQueue DELETEs a queue and, once absent from the operational store,
// removes it from node's local map (spec.md §4.4 step 2).
func (e *Engine) DeleteQueue(ctx context.Context, node *topology.Node, queueID string) error {
	ovsdbID, err := e.ovsdbNodeID(node.ID)
	if err != nil {
		return err
	}
	path := e.queuePath(ovsdbID, queueID)
	if err := e.dp.Delete(ctx, path); err != nil {
		return fmt.Errorf("bandwidth: delete_queue %s/%s: %w", node.ID, queueID, err)
	}

	if err := e.dp.Poll(ctx, "delete_queue", func(ctx context.Context) (bool, error) {
		err := e.dp.Get(ctx, dataplane.OperationalStore, path, nil)
		if err == dataplane.ErrNotFound {
			return true, nil
		}
		return false, err
	}); err != nil {
		return err
	}

	delete(node.Queues, queueID)
	return nil
}

// CreateQoS PUTs a new QoS entry with the given max-rate, carrying forward
// existing's queue-list if one is provided so edits to a live QoS are
// expressed as a full re-PUT (spec.md §4.4 step 3).
func (e *Engine) CreateQoS(ctx context.Context, node *topology.Node, qosID string, maxRateBps int64, existing *topology.QoS) error {
	ovsdbID, err := e.ovsdbNodeID(node.ID)
	if err != nil {
		return err
	}
	path := e.qosPath(ovsdbID, qosID)

	var refs []queueListEntry
	if existing != nil {
		for _, m := range existing.Queues {
			refs = append(refs, queueListEntry{QueueNumber: m.QueueNumber, QueueRef: queueRef(ovsdbID, m.QueueID)})
		}
	}

	if err := e.dp.Put(ctx, path, newQoSPayload(qosID, maxRateBps, refs)); err != nil {
		return fmt.Errorf("bandwidth: create_qos %s/%s: %w", node.ID, qosID, err)
	}

	var out qosPayload
	if err := e.dp.Poll(ctx, "create_qos", func(ctx context.Context) (bool, error) {
		if err := e.dp.Get(ctx, dataplane.OperationalStore, path, &out); err != nil {
			if err == dataplane.ErrNotFound {
				return false, nil
			}
			return false, err
		}
		return len(out.QoSEntries) > 0, nil
	}); err != nil {
		return err
	}

	qos := node.QoSEntries[qosID]
	if qos == nil {
		qos = &topology.QoS{ID: qosID}
		node.QoSEntries[qosID] = qos
	}
	qos.MaxRateBps = maxRateBps
	if existing != nil {
		qos.Queues = existing.Queues
	}
	return nil
}

// DeleteQoS DELETEs a QoS entry. Precondition: qos's queue-list is already
// empty (spec.md §4.4 step 4).
func (e *Engine) DeleteQoS(ctx context.Context, node *topology.Node, qosID string) error {
	qos := node.QoSEntries[qosID]
	if qos != nil && len(qos.Queues) > 0 {
		return fmt.Errorf("bandwidth: delete_qos %s/%s: queue-list not empty", node.ID, qosID)
	}

	ovsdbID, err := e.ovsdbNodeID(node.ID)
	if err != nil {
		return err
	}
	path := e.qosPath(ovsdbID, qosID)
	if err := e.dp.Delete(ctx, path); err != nil {
		return fmt.Errorf("bandwidth: delete_qos %s/%s: %w", node.ID, qosID, err)
	}

	if err := e.dp.Poll(ctx, "delete_qos", func(ctx context.Context) (bool, error) {
		err := e.dp.Get(ctx, dataplane.OperationalStore, path, nil)
		if err == dataplane.ErrNotFound {
			return true, nil
		}
		return false, err
	}); err != nil {
		return err
	}

	delete(node.QoSEntries, qosID)
	return nil
}

// AddQoSQueue appends {queue-number, queue-ref} to qos's queue-list at the
// smallest unused queue number, then re-PUTs the QoS (spec.md §4.4 step 5).
// Returns the queue number assigned.
func (e *Engine) AddQoSQueue(ctx context.Context, node *topology.Node, qosID, queueID string) (int, error) {
	ovsdbID, err := e.ovsdbNodeID(node.ID)
	if err != nil {
		return 0, err
	}
	qos := node.QoSEntries[qosID]
	if qos == nil {
		return 0, fmt.Errorf("bandwidth: add_qos_queue: unknown qos %s/%s", node.ID, qosID)
	}
	queueNum := qos.NextQueueNumber()

	refs := make([]queueListEntry, 0, len(qos.Queues)+1)
	for _, m := range qos.Queues {
		refs = append(refs, queueListEntry{QueueNumber: m.QueueNumber, QueueRef: queueRef(ovsdbID, m.QueueID)})
	}
	refs = append(refs, queueListEntry{QueueNumber: queueNum, QueueRef: queueRef(ovsdbID, queueID)})

	path := e.qosPath(ovsdbID, qosID)
	if err := e.dp.Put(ctx, path, newQoSPayload(qosID, qos.MaxRateBps, refs)); err != nil {
		return 0, fmt.Errorf("bandwidth: add_qos_queue %s/%s: %w", node.ID, qosID, err)
	}

	ref := queueRef(ovsdbID, queueID)
	var out qosPayload
	if err := e.dp.Poll(ctx, "add_qos_queue", func(ctx context.Context) (bool, error) {
		if err := e.dp.Get(ctx, dataplane.OperationalStore, path, &out); err != nil {
			if err == dataplane.ErrNotFound {
				return false, nil
			}
			return false, err
		}
		if len(out.QoSEntries) == 0 {
			return false, nil
		}
		for _, m := range out.QoSEntries[0].QueueList {
			if m.QueueRef == ref {
				return true, nil
			}
		}
		return false, nil
	}); err != nil {
		return 0, err
	}

	qos.Queues = append(qos.Queues, topology.QoSQueueMember{QueueNumber: queueNum, QueueID: queueID})
	return queueNum, nil
}

// RemoveQoSQueue removes queueID's entry from qos's queue-list and re-PUTs
// (spec.md §4.4 step 6).
func (e *Engine) RemoveQoSQueue(ctx context.Context, node *topology.Node, qosID, queueID string) error {
	ovsdbID, err := e.ovsdbNodeID(node.ID)
	if err != nil {
		return err
	}
	qos := node.QoSEntries[qosID]
	if qos == nil {
		return fmt.Errorf("bandwidth: remove_qos_queue: unknown qos %s/%s", node.ID, qosID)
	}

	refs := make([]queueListEntry, 0, len(qos.Queues))
	kept := qos.Queues[:0:0]
	for _, m := range qos.Queues {
		if m.QueueID == queueID {
			continue
		}
		refs = append(refs, queueListEntry{QueueNumber: m.QueueNumber, QueueRef: queueRef(ovsdbID, m.QueueID)})
		kept = append(kept, m)
	}

	path := e.qosPath(ovsdbID, qosID)
	if err := e.dp.Put(ctx, path, newQoSPayload(qosID, qos.MaxRateBps, refs)); err != nil {
		return fmt.Errorf("bandwidth: remove_qos_queue %s/%s: %w", node.ID, qosID, err)
	}

	ref := queueRef(ovsdbID, queueID)
	var out qosPayload
	if err := e.dp.Poll(ctx, "remove_qos_queue", func(ctx context.Context) (bool, error) {
		if err := e.dp.Get(ctx, dataplane.OperationalStore, path, &out); err != nil {
			if err == dataplane.ErrNotFound {
				return false, nil
			}
			return false, err
		}
		if len(out.QoSEntries) == 0 {
			return true, nil
		}
		for _, m := range out.QoSEntries[0].QueueList {
			if m.QueueRef == ref {
				return false, nil
			}
		}
		return true, nil
	}); err != nil {
		return err
	}

	qos.Queues = kept
	return nil
}

// AddQoSToTP attaches qos to port's termination-point (spec.md §4.4 step 7).
func (e *Engine) AddQoSToTP(ctx context.Context, node *topology.Node, port *topology.PortConfig, qosID string) error {
	ovsdbID, err := e.ovsdbNodeID(node.ID)
	if err != nil {
		return err
	}
	path := e.tpPath(ovsdbID, port.ID)
	qosRef := fmt.Sprintf("/network-topology:network-topology/topology[topology-id='%s']/node[node-id='%s']/ovsdb:qos-entries[qos-id='%s']", e.ovsdbTopologyID, ovsdbID, qosID)

	if err := e.dp.Put(ctx, path, newTerminationPointPayload(port.ID, qosRef)); err != nil {
		return fmt.Errorf("bandwidth: add_qos_to_tp %s/%s: %w", node.ID, port.ID, err)
	}

	var out terminationPointPayload
	if err := e.dp.Poll(ctx, "add_qos_to_tp", func(ctx context.Context) (bool, error) {
		if err := e.dp.Get(ctx, dataplane.OperationalStore, path, &out); err != nil {
			if err == dataplane.ErrNotFound {
				return false, nil
			}
			return false, err
		}
		return len(out.TerminationPoint) > 0 && out.TerminationPoint[0].QoSEntry != "", nil
	}); err != nil {
		return err
	}

	port.AttachedQoSID = qosID
	return nil
}

// RemoveQoSFromTP detaches whatever QoS is attached to port (spec.md §4.4
// step 8).
func (e *Engine) RemoveQoSFromTP(ctx context.Context, node *topology.Node, port *topology.PortConfig) error {
	ovsdbID, err := e.ovsdbNodeID(node.ID)
	if err != nil {
		return err
	}
	path := e.tpPath(ovsdbID, port.ID)

	if err := e.dp.Put(ctx, path, newTerminationPointPayload(port.ID, "")); err != nil {
		return fmt.Errorf("bandwidth: remove_qos_from_tp %s/%s: %w", node.ID, port.ID, err)
	}

	var out terminationPointPayload
	if err := e.dp.Poll(ctx, "remove_qos_from_tp", func(ctx context.Context) (bool, error) {
		if err := e.dp.Get(ctx, dataplane.OperationalStore, path, &out); err != nil {
			if err == dataplane.ErrNotFound {
				return true, nil
			}
			return false, err
		}
		return len(out.TerminationPoint) == 0 || out.TerminationPoint[0].QoSEntry == "", nil
	}); err != nil {
		return err
	}

	port.AttachedQoSID = ""
	return nil
}
