package flowbuilder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueuePairOrdersActionsSetQueueThenOutput(t *testing.T) {
	flows := EnqueuePair("edge1-TO-fog1-5000-", 0, 2000, "10.0.0.1", "10.0.0.2", 5000, true, "openflow:1:3", "defaultqos1:1", 1)
	require.Len(t, flows, 2)

	tcp := flows[0]
	require.Equal(t, "edge1-TO-fog1-5000-TCP", tcp.ID)
	require.Equal(t, 5000, tcp.Match.TCPDestPort)
	require.Equal(t, 0, tcp.Match.TCPSourcePort)

	actions := tcp.Instructions.Instruction[0].ApplyActions.Action
	require.Len(t, actions, 2)
	require.Equal(t, 0, actions[0].Order)
	require.NotNil(t, actions[0].SetQueue)
	require.Equal(t, 1, actions[1].Order)
	require.NotNil(t, actions[1].Output)
	require.Equal(t, "3", actions[1].Output.OutputNodeConnector)
}

func TestEnqueuePairReverseDirectionUsesSourcePort(t *testing.T) {
	flows := EnqueuePair("fog1-TO-edge1-5000-", 0, 2000, "10.0.0.2", "10.0.0.1", 5000, false, "openflow:1:1", "defaultqos1:1", 1)
	udp := flows[1]
	require.Equal(t, 5000, udp.Match.UDPSourcePort)
	require.Equal(t, 0, udp.Match.UDPDestPort)
}

func TestArpRedirectOutputsToEveryOtherPortPlusController(t *testing.T) {
	flow := ArpRedirect("ArpArpArp-out-1", 0, 1000, "openflow:1:1", []string{"openflow:1:2", "openflow:1:3"})
	actions := flow.Instructions.Instruction[0].ApplyActions.Action
	require.Len(t, actions, 3)
	require.Equal(t, "2", actions[0].Output.OutputNodeConnector)
	require.Equal(t, "3", actions[1].Output.OutputNodeConnector)
	require.Equal(t, "CONTROLLER", actions[2].Output.OutputNodeConnector)
}
