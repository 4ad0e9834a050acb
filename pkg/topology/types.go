package topology

// Kind distinguishes the two aligned topology views named in spec.md §3:
// the SDN flow view (authoritative for routing) and the OVSDB device-
// configuration view.
type Kind int

const (
	KindFlow Kind = iota
	KindOVSDB
)

func (k Kind) String() string {
	if k == KindOVSDB {
		return "ovsdb"
	}
	return "flow"
}

// NodeKind tags the Node sum type. A node starts Generic (a bare host
// found by topology discovery that has not yet greeted) and is promoted in
// place to Fog or Edge by the first greeting (spec.md §4.1).
type NodeKind int

const (
	NodeKindGeneric NodeKind = iota
	NodeKindSwitch
	NodeKindFog
	NodeKindEdge
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindSwitch:
		return "switch"
	case NodeKindFog:
		return "fog"
	case NodeKindEdge:
		return "edge"
	default:
		return "generic"
	}
}

// PortConfig is a switch's per-port configuration record.
type PortConfig struct {
	ID           string // OpenFlow termination-point id, e.g. "openflow:1:2"
	Name         string
	OFPortNum    int
	LinkSpeedBps int64 // reported current-speed; 0 means link excluded from routing

	// AttachedQoSID is the id of the QoS entry classifying traffic on this
	// port, if any. A port holds at most one QoS (spec.md §3).
	AttachedQoSID string
}

// Queue is a rate-limited lane created on a switch (not a port).
type Queue struct {
	ID         string
	MaxRateBps int64
}

// QoSQueueMember is one entry in a QoS's ordered queue-list.
type QoSQueueMember struct {
	QueueNumber int
	QueueID     string
}

// QoS is a scheduling discipline holding an ordered list of queues indexed
// by queue-number, attachable to at most one port.
type QoS struct {
	ID         string
	MaxRateBps int64
	Queues     []QoSQueueMember
}

// NextQueueNumber returns the smallest non-negative integer not already
// used by a member of q's queue-list (spec.md §4.4.5).
func (q *QoS) NextQueueNumber() int {
	used := make(map[int]bool, len(q.Queues))
	for _, m := range q.Queues {
		used[m.QueueNumber] = true
	}
	for n := 0; ; n++ {
		if !used[n] {
			return n
		}
	}
}

// HasQueue reports whether queueID is already a member of q.
func (q *QoS) HasQueue(queueID string) bool {
	for _, m := range q.Queues {
		if m.QueueID == queueID {
			return true
		}
	}
	return false
}

// Node is a tagged-union node in a Topology: Switch, Fog, or Edge, plus the
// transient Generic state before the first greeting promotes it.
type Node struct {
	ID   string
	Kind NodeKind

	// --- Switch fields ---
	OFID       string // synthetic OpenFlow id derived from the datapath MAC
	OVSDBID    string // back-pointer to the OVSDB view's node id
	BridgeID   string
	Ports      map[string]*PortConfig // port id -> config
	Queues     map[string]*Queue      // queue id -> queue
	QoSEntries map[string]*QoS        // qos id -> qos

	// --- Fog / Edge shared fields ---
	IPAddr   string
	Hostname string

	// --- Fog-only fields ---
	DockerPort int

	CPUAvailPct float64 // live telemetry: currently free CPU%
	FreeRAMMB   int64
	FreeDiskMB  int64

	MaxCPUPct float64
	MaxRAMMB  int64

	ReservedCPUPct float64
	ReservedRAMMB  int64
}

// NewSwitch constructs a Switch node with empty port/queue/qos maps.
func NewSwitch(id, ofID string) *Node {
	return &Node{
		ID:         id,
		Kind:       NodeKindSwitch,
		OFID:       ofID,
		Ports:      make(map[string]*PortConfig),
		Queues:     make(map[string]*Queue),
		QoSEntries: make(map[string]*QoS),
	}
}

// NewGeneric constructs an unclassified host node, as seen before its
// first greeting.
func NewGeneric(id string) *Node {
	return &Node{ID: id, Kind: NodeKindGeneric}
}

// PromoteFog promotes a Generic node in place to Fog, preserving its id.
func (n *Node) PromoteFog(ipAddr string, dockerPort int, maxCPUPct float64, maxRAMMB int64) {
	n.Kind = NodeKindFog
	n.IPAddr = ipAddr
	n.DockerPort = dockerPort
	n.MaxCPUPct = maxCPUPct
	n.MaxRAMMB = maxRAMMB
	n.CPUAvailPct = maxCPUPct
	n.FreeRAMMB = maxRAMMB
}

// PromoteEdge promotes a Generic node in place to Edge, preserving its id.
func (n *Node) PromoteEdge(ipAddr string, dockerPort int) {
	n.Kind = NodeKindEdge
	n.IPAddr = ipAddr
	n.DockerPort = dockerPort
}

// CPUAvailable returns the fog node's free CPU percentage after reservation.
func (n *Node) CPUAvailable() float64 {
	return n.CPUAvailPct - n.ReservedCPUPct
}

// RAMAvailable returns the fog node's free RAM in MB after reservation.
func (n *Node) RAMAvailable() int64 {
	return n.FreeRAMMB - n.ReservedRAMMB
}

// AddReservedCPUPct mutates the fog node's reserved-CPU counter. Negative
// delta releases a prior reservation.
func (n *Node) AddReservedCPUPct(delta float64) {
	n.ReservedCPUPct += delta
}

// AddReservedRAMMB mutates the fog node's reserved-RAM counter. Negative
// delta releases a prior reservation.
func (n *Node) AddReservedRAMMB(delta int64) {
	n.ReservedRAMMB += delta
}

// Edge is a directed graph edge between two adjacent nodes (spec.md §3).
// Exactly two Edge values exist between any pair of adjacent nodes, one
// per direction.
type Edge struct {
	SrcNodeID string
	DstNodeID string
	SrcPortID string
	DstPortID string

	CurBytesTx  uint64
	PrevBytesTx uint64
	CurBytesRx  uint64
	PrevBytesRx uint64

	BpsCurrent     int64
	BpsCapacity    int64
	BpsReserved    int64
	UtilizationPct float64
}

// AvailableBps returns the residual bandwidth on e.
func (e *Edge) AvailableBps() int64 {
	return e.BpsCapacity - e.BpsReserved
}
