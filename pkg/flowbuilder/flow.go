// Package flowbuilder constructs OpenFlow match/action descriptions as the
// JSON bodies the dataplane client PUTs to a switch's flow table
// (spec.md §4.3).
package flowbuilder

// Flow is the RESTCONF payload shape for a single flow-node-inventory flow
// entry. Field names mirror the YANG model the SDN controller expects.
type Flow struct {
	ID           string        `json:"id"`
	TableID      int           `json:"table_id"`
	Priority     int           `json:"priority"`
	HardTimeout  int           `json:"hard-timeout"`
	IdleTimeout  int           `json:"idle-timeout"`
	Match        Match         `json:"match"`
	Instructions Instructions  `json:"instructions"`
}

// Match holds the matchable fields used by this controller. Only the
// fields a given flow needs are populated; the rest are omitted.
type Match struct {
	InPort           string            `json:"in-port,omitempty"`
	EthernetMatch    *EthernetMatch    `json:"ethernet-match,omitempty"`
	IPMatch          *IPMatch          `json:"ip-match,omitempty"`
	IPv4Source       string            `json:"ipv4-source,omitempty"`
	IPv4Destination  string            `json:"ipv4-destination,omitempty"`
	TCPSourcePort    int               `json:"tcp-source-port,omitempty"`
	TCPDestPort      int               `json:"tcp-destination-port,omitempty"`
	UDPSourcePort    int               `json:"udp-source-port,omitempty"`
	UDPDestPort      int               `json:"udp-destination-port,omitempty"`
}

type EthernetMatch struct {
	EthernetType EthernetType `json:"ethernet-type"`
}

type EthernetType struct {
	Type string `json:"type"`
}

type IPMatch struct {
	IPProtocol int `json:"ip-protocol"`
}

const (
	etherTypeIPv4 = "2048"
	etherTypeARP  = "2054"

	ipProtoTCP = 6
	ipProtoUDP = 17
)

// Instructions wraps the single apply-actions instruction every flow in
// this controller uses.
type Instructions struct {
	Instruction []Instruction `json:"instruction"`
}

type Instruction struct {
	Order        int          `json:"order"`
	ApplyActions ApplyActions `json:"apply-actions"`
}

type ApplyActions struct {
	Action []Action `json:"action"`
}

// Action is a tagged union over the two action kinds this controller
// emits: set-queue and output. Exactly one of SetQueue/Output is non-nil.
type Action struct {
	Order     int        `json:"order"`
	SetQueue  *SetQueue  `json:"set-queue-action,omitempty"`
	Output    *Output    `json:"output-action,omitempty"`
}

type SetQueue struct {
	Queue   string `json:"queue"`
	QueueID int    `json:"queue-id"`
}

type Output struct {
	OutputNodeConnector string `json:"output-node-connector"`
	MaxLength           string `json:"max-length"`
}

// EnqueuePair builds the two flows (TCP and UDP) for one direction of an
// admitted hop: match on edge/fog IP pair and the fog service port, enqueue
// onto queueNum of queueID, then output outportOFID (spec.md §4.3).
//
// toFog selects which L4 port field carries fogPort: destination when
// traffic flows edge→fog, source on the return leg.
func EnqueuePair(idPrefix string, tableID, priority int, srcIP, dstIP string, fogPort int, toFog bool, outportOFID, queueID string, queueNum int) []Flow {
	outConnector := PortSuffix(outportOFID)

	base := func(ipProto int, id string) Flow {
		m := Match{
			EthernetMatch: &EthernetMatch{EthernetType: EthernetType{Type: etherTypeIPv4}},
			IPv4Source:      srcIP + "/32",
			IPv4Destination: dstIP + "/32",
			IPMatch:         &IPMatch{IPProtocol: ipProto},
		}
		switch {
		case ipProto == ipProtoTCP && toFog:
			m.TCPDestPort = fogPort
		case ipProto == ipProtoTCP && !toFog:
			m.TCPSourcePort = fogPort
		case ipProto == ipProtoUDP && toFog:
			m.UDPDestPort = fogPort
		default:
			m.UDPSourcePort = fogPort
		}

		return Flow{
			ID:          id,
			TableID:     tableID,
			Priority:    priority,
			HardTimeout: 0,
			IdleTimeout: 0,
			Match:       m,
			Instructions: Instructions{
				Instruction: []Instruction{
					{
						Order: 0,
						ApplyActions: ApplyActions{
							Action: []Action{
								{Order: 0, SetQueue: &SetQueue{Queue: queueID, QueueID: queueNum}},
								{Order: 1, Output: &Output{OutputNodeConnector: outConnector, MaxLength: "65535"}},
							},
						},
					},
				},
			},
		}
	}

	return []Flow{
		base(ipProtoTCP, idPrefix+"TCP"),
		base(ipProtoUDP, idPrefix+"UDP"),
	}
}

// ArpRedirect builds the per-port controller-reachability flow installed at
// switch initialization: traffic arriving on inPortOFID matching ARP is
// copied out every other port on the switch plus to the controller
// (spec.md §4.3).
func ArpRedirect(flowID string, tableID, priority int, inPortOFID string, otherPortOFIDs []string) Flow {
	actions := make([]Action, 0, len(otherPortOFIDs)+1)
	for i, p := range otherPortOFIDs {
		actions = append(actions, Action{Order: i, Output: &Output{OutputNodeConnector: PortSuffix(p), MaxLength: "65535"}})
	}
	actions = append(actions, Action{Order: len(actions), Output: &Output{OutputNodeConnector: "CONTROLLER", MaxLength: "65535"}})

	return Flow{
		ID:          flowID,
		TableID:     tableID,
		Priority:    priority,
		HardTimeout: 0,
		IdleTimeout: 0,
		Match: Match{
			InPort:        inPortOFID,
			EthernetMatch: &EthernetMatch{EthernetType: EthernetType{Type: etherTypeARP}},
		},
		Instructions: Instructions{
			Instruction: []Instruction{
				{Order: 0, ApplyActions: ApplyActions{Action: actions}},
			},
		},
	}
}

// PortSuffix extracts the port-number suffix of an OpenFlow termination
// point id (e.g. "openflow:1:3" -> "3"), which is the node-connector form
// the SDN controller expects in an output action.
func PortSuffix(ofID string) string {
	for i := len(ofID) - 1; i >= 0; i-- {
		if ofID[i] == ':' {
			return ofID[i+1:]
		}
	}
	return ofID
}
