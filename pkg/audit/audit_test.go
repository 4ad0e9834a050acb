package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordAndListRoundTrip(t *testing.T) {
	log, err := Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	d := Decision{
		Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Action:     "allocate",
		EdgeNodeID: "host:aa",
		FogNodeID:  "host:bb",
		FogPort:    5000,
		Result:     "success",
	}
	require.NoError(t, log.Record(d))

	got, err := log.List()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, d.EdgeNodeID, got[0].EdgeNodeID)
	require.Equal(t, d.Result, got[0].Result)
}

func TestListOrdersByTimestamp(t *testing.T) {
	log, err := Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	later := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, log.Record(Decision{Timestamp: later, Action: "allocate", EdgeNodeID: "b"}))
	require.NoError(t, log.Record(Decision{Timestamp: earlier, Action: "allocate", EdgeNodeID: "a"}))

	got, err := log.List()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].EdgeNodeID)
	require.Equal(t, "b", got[1].EdgeNodeID)
}
