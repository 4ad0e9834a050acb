package topology

// Mapping relates the flow topology's identifiers to the ovsdb topology's
// identifiers for the same physical network (spec.md §3). Only the flow
// view is authoritative for path decisions; the ovsdb view is consulted by
// the bandwidth engine when it needs a switch's ovsdb/bridge id.
type Mapping struct {
	FlowTopologyID  string
	OVSDBTopologyID string

	// nodeIDs maps a flow-view node id to its ovsdb-view node id.
	nodeIDs map[string]string
}

// NewMapping constructs an empty mapping between a flow and an ovsdb topology.
func NewMapping(flowTopID, ovsdbTopID string) *Mapping {
	return &Mapping{
		FlowTopologyID:  flowTopID,
		OVSDBTopologyID: ovsdbTopID,
		nodeIDs:         make(map[string]string),
	}
}

// Set records that flowNodeID corresponds to ovsdbNodeID.
func (m *Mapping) Set(flowNodeID, ovsdbNodeID string) {
	m.nodeIDs[flowNodeID] = ovsdbNodeID
}

// OVSDBNodeID returns the ovsdb-view id for a flow-view node id, and
// whether a mapping exists.
func (m *Mapping) OVSDBNodeID(flowNodeID string) (string, bool) {
	id, ok := m.nodeIDs[flowNodeID]
	return id, ok
}
