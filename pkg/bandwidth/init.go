package bandwidth

import (
	"context"
	"fmt"

	"github.com/siotlab/fdk/pkg/log"
	"github.com/siotlab/fdk/pkg/topology"
)

// InitLinkQoS initializes every port of switch node with a default queue
// sized to openLinkCapacityBps, a default QoS wrapping it, and attaches
// that QoS to the port. Order matters: a QoS cannot be attached before a
// queue exists on it (spec.md §4.4 "Initialization").
func (e *Engine) InitLinkQoS(ctx context.Context, top *topology.Topology, node *topology.Node, openLinkCapacityBps int64) error {
	top.Lock()
	defer top.Unlock()

	for portID, port := range node.Ports {
		portNum := fmt.Sprintf("%d", port.OFPortNum)
		queueID := "default" + portNum
		qosID := "defaultqos" + portNum

		if err := e.CreateQueue(ctx, node, queueID, openLinkCapacityBps); err != nil {
			return err
		}
		if err := e.CreateQoS(ctx, node, qosID, openLinkCapacityBps, nil); err != nil {
			return err
		}
		if _, err := e.AddQoSQueue(ctx, node, qosID, queueID); err != nil {
			return err
		}
		if err := e.AddQoSToTP(ctx, node, port, qosID); err != nil {
			return err
		}

		if err := top.AddLinkReservationLocked(node.ID, portID, openLinkCapacityBps); err != nil {
			log.WithNodeID(node.ID).Warn().Err(err).Str("port_id", portID).Msg("no outgoing edge for port at init time")
		}
	}
	return nil
}

// Shutdown reverses InitLinkQoS on every port of node, in the order spec.md
// §4.4 requires: detach QoS from the port, empty the QoS's queue-list,
// delete the queue, delete the QoS, zero the reservation.
func (e *Engine) Shutdown(ctx context.Context, top *topology.Topology, node *topology.Node) error {
	top.Lock()
	defer top.Unlock()

	for portID, port := range node.Ports {
		qosID := port.AttachedQoSID
		if qosID == "" {
			continue
		}
		if err := e.RemoveQoSFromTP(ctx, node, port); err != nil {
			return err
		}

		qos := node.QoSEntries[qosID]
		if qos != nil {
			for _, m := range append([]topology.QoSQueueMember(nil), qos.Queues...) {
				if err := e.RemoveQoSQueue(ctx, node, qosID, m.QueueID); err != nil {
					return err
				}
				if err := e.DeleteQueue(ctx, node, m.QueueID); err != nil {
					return err
				}
			}
			if err := e.DeleteQoS(ctx, node, qosID); err != nil {
				return err
			}
		}

		if err := top.SetLinkReservationLocked(node.ID, portID, 0); err != nil {
			log.WithNodeID(node.ID).Warn().Err(err).Str("port_id", portID).Msg("no outgoing edge for port at shutdown time")
		}
	}
	return nil
}
