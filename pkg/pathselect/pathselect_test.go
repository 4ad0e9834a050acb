package pathselect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siotlab/fdk/pkg/topology"
)

func buildLinearTopology() *topology.Topology {
	top := topology.New("flow:1", topology.KindFlow)
	top.AddNode(topology.NewGeneric("edge1"))
	top.AddNode(topology.NewSwitch("s1", "s1"))
	top.AddNode(topology.NewSwitch("s2", "s2"))
	fog := topology.NewGeneric("fog1")
	fog.PromoteFog("10.0.0.9", 2375, 100, 4096)
	top.AddNode(fog)

	top.AddLink("edge1", "s1", "edge1:1", "s1:1", 1_000_000_000)
	top.AddLink("s1", "s2", "s1:2", "s2:1", 1_000_000_000)
	top.AddLink("s2", "fog1", "s2:2", "fog1:1", 1_000_000_000)
	return top
}

func TestRunFindsShortestEligiblePath(t *testing.T) {
	top := buildLinearTopology()
	top.Lock()
	defer top.Unlock()

	dv := Run(top, "edge1", 100_000_000)
	require.Less(t, dv.Distance["fog1"], float64(1e9))

	hops := PathToEdge(dv, "fog1")
	require.Len(t, hops, 3)
	require.Equal(t, "fog1", hops[0].DstNodeID)
	require.Equal(t, "edge1", hops[len(hops)-1].SrcNodeID)
}

func TestRunExcludesIneligibleEdgesByBandwidth(t *testing.T) {
	top := buildLinearTopology()
	top.AddLinkReservation("s1", "s1:2", 950_000_000) // leaves only 50 Mbps

	top.Lock()
	defer top.Unlock()

	dv := Run(top, "edge1", 100_000_000)
	require.True(t, dv.Distance["fog1"] > 1e300) // unreachable: +Inf
}

func TestSelectFogReturnsNoComputeWhenNoneQualify(t *testing.T) {
	top := buildLinearTopology()
	top.Lock()
	defer top.Unlock()

	dv := Run(top, "edge1", 100_000_000)
	_, err := SelectFog(top, []string{"fog1"}, dv, 200, 0) // 200% CPU impossible
	require.ErrorIs(t, err, ErrNoCompute)
}

func TestSelectFogReturnsNoNetworkWhenUnreachable(t *testing.T) {
	top := buildLinearTopology()
	top.AddLinkReservation("s1", "s1:2", 950_000_000)

	top.Lock()
	defer top.Unlock()

	dv := Run(top, "edge1", 100_000_000)
	_, err := SelectFog(top, []string{"fog1"}, dv, 10, 100)
	require.ErrorIs(t, err, ErrNoNetwork)
}

func TestRunBreaksExactDistanceTiesDeterministically(t *testing.T) {
	top := topology.New("flow:1", topology.KindFlow)
	top.AddNode(topology.NewGeneric("edge1"))
	top.AddNode(topology.NewSwitch("s1", "s1"))
	top.AddNode(topology.NewSwitch("s2", "s2"))
	fog := topology.NewGeneric("fog1")
	fog.PromoteFog("10.0.0.9", 2375, 100, 4096)
	top.AddNode(fog)

	// Two equal-cost, equal-length paths from edge1 to fog1, one via s1
	// and one via s2: a genuine exact-distance tie at fog1.
	top.AddLink("edge1", "s1", "edge1:1", "s1:1", 1_000_000_000)
	top.AddLink("edge1", "s2", "edge1:2", "s2:1", 1_000_000_000)
	top.AddLink("s1", "fog1", "s1:2", "fog1:1", 1_000_000_000)
	top.AddLink("s2", "fog1", "s2:2", "fog1:2", 1_000_000_000)

	top.Lock()
	defer top.Unlock()

	first := Run(top, "edge1", 100_000_000)
	firstParent := first.Parent["fog1"]

	for i := 0; i < 20; i++ {
		dv := Run(top, "edge1", 100_000_000)
		require.Equal(t, firstParent, dv.Parent["fog1"], "tie-break must be reproducible across runs")
	}
}

func TestSelectFogPicksSmallestDistanceAmongQualified(t *testing.T) {
	top := buildLinearTopology()
	near := topology.NewGeneric("fog2")
	near.PromoteFog("10.0.0.10", 2375, 100, 4096)
	top.AddNode(near)
	top.AddLink("s1", "fog2", "s1:3", "fog2:1", 1_000_000_000)

	top.Lock()
	defer top.Unlock()

	dv := Run(top, "edge1", 100_000_000)
	picked, err := SelectFog(top, []string{"fog1", "fog2"}, dv, 10, 100)
	require.NoError(t, err)
	require.Equal(t, "fog2", picked) // fog2 is one hop closer than fog1
}
