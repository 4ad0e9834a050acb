package bandwidth

import "fmt"

// queuePayload is the RESTCONF body for PUT .../ovsdb:queues/{q} (spec.md §6).
type queuePayload struct {
	Queues []queueEntry `json:"ovsdb:queues"`
}

type queueEntry struct {
	QueueID        string          `json:"queue-id"`
	DSCP           int             `json:"dscp"`
	QueuesOtherCfg []otherConfig   `json:"queues-other-config"`
}

type otherConfig struct {
	Key   string `json:"queue-other-config-key"`
	Value string `json:"queue-other-config-value"`
}

func newQueuePayload(queueID string, maxRateBps int64) queuePayload {
	return queuePayload{Queues: []queueEntry{{
		QueueID: queueID,
		DSCP:    0,
		QueuesOtherCfg: []otherConfig{
			{Key: "max-rate", Value: fmt.Sprintf("%d", maxRateBps)},
		},
	}}}
}

// qosPayload is the RESTCONF body for PUT .../ovsdb:qos-entries/{qos}.
type qosPayload struct {
	QoSEntries []qosEntry `json:"ovsdb:qos-entries"`
}

type qosEntry struct {
	QoSID        string        `json:"qos-id"`
	QoSType      string        `json:"qos-type"`
	OtherConfig  []otherConfig `json:"qos-other-config"`
	QueueList    []queueListEntry `json:"queue-list,omitempty"`
}

type queueListEntry struct {
	QueueNumber int    `json:"queue-number"`
	QueueRef    string `json:"queue-ref"`
}

func newQoSPayload(qosID string, maxRateBps int64, queueRefs []queueListEntry) qosPayload {
	return qosPayload{QoSEntries: []qosEntry{{
		QoSID:   qosID,
		QoSType: "ovsdb:qos-linux-htb",
		OtherConfig: []otherConfig{
			{Key: "max-rate", Value: fmt.Sprintf("%d", maxRateBps)},
		},
		QueueList: queueRefs,
	}}}
}

// terminationPointPayload is the RESTCONF body for PUT .../termination-point/{tp}.
// QoSEntry is omitted entirely to detach a QoS from the port.
type terminationPointPayload struct {
	TerminationPoint []terminationPointEntry `json:"termination-point"`
}

type terminationPointEntry struct {
	TPID     string `json:"tp-id"`
	QoSEntry string `json:"ovsdb:qos-entry,omitempty"`
}

func newTerminationPointPayload(tpID, qosRef string) terminationPointPayload {
	return terminationPointPayload{TerminationPoint: []terminationPointEntry{{
		TPID:     tpID,
		QoSEntry: qosRef,
	}}}
}

// queueRef returns the InstanceIdentifier-style reference string embedded
// in a QoS's queue-list, as emitted by the controller and parsed back out
// of get_queue_num in the original implementation.
func queueRef(ovsdbNodeID, queueID string) string {
	return fmt.Sprintf("/network-topology:network-topology/topology[topology-id='ovsdb:1']/node[node-id='%s']/ovsdb:queues[queue-id='%s']", ovsdbNodeID, queueID)
}
