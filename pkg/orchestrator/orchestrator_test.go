package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeCreateServiceRequiresJoin(t *testing.T) {
	f := NewFake()
	_, err := f.CreateService(context.Background(), "fog1", ServiceSpec{Image: "x", Port: 5000})
	require.Error(t, err)

	require.NoError(t, f.Join(context.Background(), "fog1", "unix:///tmp/fog1.sock"))
	id, err := f.CreateService(context.Background(), "fog1", ServiceSpec{Image: "x", Port: 5000})
	require.NoError(t, err)

	info, err := f.InspectService(context.Background(), "fog1", id)
	require.NoError(t, err)
	require.True(t, info.Running)
}

func TestFakeAllocatePortNeverCollides(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.Join(context.Background(), "fog1", "unix:///tmp/fog1.sock"))

	seen := make(map[int]bool)
	for i := 0; i < 50; i++ {
		port, err := f.AllocatePort("fog1")
		require.NoError(t, err)
		require.False(t, seen[port])
		seen[port] = true
		require.GreaterOrEqual(t, port, portRangeLow)
		require.Less(t, port, portRangeHigh)
	}
}

func TestFakeReleasePortAllowsReuse(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.Join(context.Background(), "fog1", "unix:///tmp/fog1.sock"))

	port, err := f.AllocatePort("fog1")
	require.NoError(t, err)
	f.ReleasePort("fog1", port)

	f.mu.Lock()
	inUse := f.ports["fog1"][port]
	f.mu.Unlock()
	require.False(t, inUse)
}

func TestComputeLimitsMatchOriginalFormulas(t *testing.T) {
	require.EqualValues(t, 512_000_000, ComputeMemLimit(512))
	require.EqualValues(t, 2_000_000_000, ComputeCPULimit(4_000_000_000, 50))
}
