package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddLinkCreatesBothDirectionsAndIsIdempotent(t *testing.T) {
	top := New("flow:1", KindFlow)

	top.AddLink("openflow:1", "openflow:2", "openflow:1:1", "openflow:2:1", 1_000_000_000)
	top.AddLink("openflow:1", "openflow:2", "openflow:1:1", "openflow:2:1", 1_000_000_000)

	fwd := top.GetEdge("openflow:1", "openflow:2", "openflow:1:1", "openflow:2:1")
	rev := top.GetEdge("openflow:2", "openflow:1", "openflow:2:1", "openflow:1:1")
	require.NotNil(t, fwd)
	require.NotNil(t, rev)
	require.Len(t, top.GetAllEdges(), 2)
}

func TestAddLinkReservationIsLocalToOutgoingEdge(t *testing.T) {
	top := New("flow:1", KindFlow)
	top.AddLink("s1", "s2", "s1:1", "s2:1", 1_000_000_000)

	require.NoError(t, top.AddLinkReservation("s1", "s1:1", 10_000_000))

	fwd := top.GetEdge("s1", "s2", "s1:1", "s2:1")
	rev := top.GetEdge("s2", "s1", "s2:1", "s1:1")
	require.EqualValues(t, 10_000_000, fwd.BpsReserved)
	require.EqualValues(t, 0, rev.BpsReserved)
}

func TestAddLinkReservationClampsAtZero(t *testing.T) {
	top := New("flow:1", KindFlow)
	top.AddLink("s1", "s2", "s1:1", "s2:1", 1_000_000_000)

	require.NoError(t, top.AddLinkReservation("s1", "s1:1", 5_000_000))
	require.NoError(t, top.AddLinkReservation("s1", "s1:1", -10_000_000))

	fwd := top.GetEdge("s1", "s2", "s1:1", "s2:1")
	require.EqualValues(t, 0, fwd.BpsReserved)
}

func TestPromotionPreservesNodeID(t *testing.T) {
	top := New("flow:1", KindFlow)
	node := NewGeneric("host:aa:bb:cc:dd:ee:ff")
	top.AddNode(node)

	node.PromoteFog("10.0.0.5", 2375, 100, 4096)

	got := top.GetNode("host:aa:bb:cc:dd:ee:ff")
	require.Equal(t, NodeKindFog, got.Kind)
	require.Equal(t, "host:aa:bb:cc:dd:ee:ff", got.ID)
	require.Equal(t, "10.0.0.5", got.IPAddr)
}

func TestDelNodeRemovesIncidentEdges(t *testing.T) {
	top := New("flow:1", KindFlow)
	top.AddLink("s1", "s2", "s1:1", "s2:1", 1_000_000_000)

	top.DelNode("s2")

	require.Nil(t, top.GetEdge("s1", "s2", "s1:1", "s2:1"))
	require.Nil(t, top.GetEdge("s2", "s1", "s2:1", "s1:1"))
}
