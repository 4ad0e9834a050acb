package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siotlab/fdk/pkg/config"
	"github.com/siotlab/fdk/pkg/dataplane"
	"github.com/siotlab/fdk/pkg/topology"
)

// fakeDataplane serves canned RESTCONF bodies keyed by exact request path,
// as in pkg/admission's and pkg/bandwidth's controller fakes, but GET-only:
// the pollers never write.
type fakeDataplane struct {
	mu         sync.Mutex
	bodyByPath map[string][]byte
}

func newFakeDataplane() (*httptest.Server, *fakeDataplane) {
	fd := &fakeDataplane{bodyByPath: make(map[string][]byte)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		body, ok := fd.bodyByPath[r.URL.Path]
		fd.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)
	}))
	return srv, fd
}

func (fd *fakeDataplane) set(path string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	fd.mu.Lock()
	fd.bodyByPath[path] = b
	fd.mu.Unlock()
}

func newTestClient(t *testing.T, srv *httptest.Server) *dataplane.Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &dataplane.Client{
		BaseURL:      "http://" + u.Host,
		Username:     "admin",
		Password:     "admin",
		HTTPClient:   srv.Client(),
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}
}

func TestTopologyRefreshInsertsNodesLinksPortsAndMapping(t *testing.T) {
	srv, fd := newFakeDataplane()
	defer srv.Close()
	dp := newTestClient(t, srv)

	fd.set("/restconf/operational/network-topology:network-topology/", map[string]any{
		"network-topology": map[string]any{
			"topology": []any{
				map[string]any{
					"topology-id": "flow:1",
					"node": []any{
						map[string]any{"node-id": "openflow:1"},
						map[string]any{"node-id": "edge1"},
						map[string]any{"node-id": "fog1"},
					},
					"link": []any{
						map[string]any{
							"source":      map[string]any{"source-node": "edge1", "source-tp": "edge1"},
							"destination": map[string]any{"dest-node": "openflow:1", "dest-tp": "openflow:1:1"},
						},
						map[string]any{
							"source":      map[string]any{"source-node": "openflow:1", "source-tp": "openflow:1:2"},
							"destination": map[string]any{"dest-node": "fog1", "dest-tp": "fog1"},
						},
					},
				},
				map[string]any{
					"topology-id": "ovsdb:1",
					"node": []any{
						map[string]any{
							"node-id":           "ovsdb:1:bridge:1",
							"ovsdb:bridge-name": "br-int",
							"ovsdb:datapath-id": "00:00:00:00:00:01",
						},
					},
				},
			},
		},
	})
	fd.set("/restconf/operational/opendaylight-inventory:nodes/", map[string]any{
		"nodes": map[string]any{
			"node": []any{
				map[string]any{
					"id": "openflow:1",
					"node-connector": []any{
						map[string]any{"id": "openflow:1:1", "flow-node-inventory:name": "eth0", "flow-node-inventory:current-speed": int64(1_000_000)},
						map[string]any{"id": "openflow:1:2", "flow-node-inventory:name": "eth1", "flow-node-inventory:current-speed": int64(1_000_000)},
						map[string]any{"id": "openflow:1:LOCAL", "flow-node-inventory:name": "br-int"},
					},
				},
			},
		},
	})

	top := topology.New("flow:1", topology.KindFlow)
	mapping := topology.NewMapping("flow:1", "ovsdb:1")
	p := New(config.Defaults(), dp, top, mapping, nil)

	p.topologyRefresh(context.Background())

	require.NotNil(t, top.GetNode("openflow:1"))
	require.Equal(t, topology.NodeKindSwitch, top.GetNode("openflow:1").Kind)
	require.NotNil(t, top.GetNode("edge1"))
	require.Equal(t, topology.NodeKindGeneric, top.GetNode("edge1").Kind)
	require.NotNil(t, top.GetNode("fog1"))

	edgeToSwitch := top.GetEdge("edge1", "openflow:1", "edge1", "openflow:1:1")
	require.NotNil(t, edgeToSwitch)
	switchToFog := top.GetEdge("openflow:1", "fog1", "openflow:1:2", "fog1")
	require.NotNil(t, switchToFog)

	sw := top.GetNode("openflow:1")
	require.Contains(t, sw.Ports, "openflow:1:1")
	require.Equal(t, "eth0", sw.Ports["openflow:1:1"].Name)
	require.EqualValues(t, 1_000_000_000, sw.Ports["openflow:1:1"].LinkSpeedBps)
	require.NotContains(t, sw.Ports, "openflow:1:LOCAL")

	ovsdbID, ok := mapping.OVSDBNodeID("openflow:1")
	require.True(t, ok)
	require.Equal(t, "ovsdb:1:bridge:1", ovsdbID)
}

func TestTopologyRefreshIsIdempotent(t *testing.T) {
	srv, fd := newFakeDataplane()
	defer srv.Close()
	dp := newTestClient(t, srv)

	fd.set("/restconf/operational/network-topology:network-topology/", map[string]any{
		"network-topology": map[string]any{
			"topology": []any{
				map[string]any{
					"topology-id": "flow:1",
					"node":        []any{map[string]any{"node-id": "edge1"}},
				},
			},
		},
	})
	fd.set("/restconf/operational/opendaylight-inventory:nodes/", map[string]any{"nodes": map[string]any{}})

	top := topology.New("flow:1", topology.KindFlow)
	mapping := topology.NewMapping("flow:1", "ovsdb:1")
	p := New(config.Defaults(), dp, top, mapping, nil)

	p.topologyRefresh(context.Background())
	p.topologyRefresh(context.Background())

	require.Equal(t, 1, top.NumNodes())
}

func TestLinkUtilRefreshComputesUtilizationAndRotatesCounters(t *testing.T) {
	srv, fd := newFakeDataplane()
	defer srv.Close()
	dp := newTestClient(t, srv)

	top := topology.New("flow:1", topology.KindFlow)
	sw := topology.NewSwitch("openflow:1", "openflow:1")
	sw.Ports["openflow:1:1"] = &topology.PortConfig{ID: "openflow:1:1", LinkSpeedBps: 1_000_000_000}
	top.AddNode(sw)
	edge := topology.NewGeneric("edge1")
	edge.PromoteEdge("10.0.0.1", 0)
	top.AddNode(edge)
	top.AddLink("openflow:1", "edge1", "openflow:1:1", "edge1", 0)

	fd.set("/restconf/operational/opendaylight-inventory:nodes/node/openflow:1/node-connector/openflow:1:1", map[string]any{
		"node-connector": []any{
			map[string]any{
				"opendaylight-port-statistics:flow-capable-node-connector-statistics": map[string]any{
					"bytes": map[string]any{"transmitted": int64(125_000), "received": int64(0)},
				},
			},
		},
	})

	cfg := config.Defaults()
	cfg.LinkUtilRefreshIntervalSec = 1.0
	mapping := topology.NewMapping("flow:1", "ovsdb:1")
	p := New(cfg, dp, top, mapping, nil)

	p.linkUtilRefresh(context.Background())

	edgeEdge := top.GetEdge("openflow:1", "edge1", "openflow:1:1", "edge1")
	require.EqualValues(t, 1_000_000, edgeEdge.BpsCurrent) // 125000 bytes * 8 bits / 1s
	require.EqualValues(t, 1_000_000_000, edgeEdge.BpsCapacity)
	require.InDelta(t, 0.1, edgeEdge.UtilizationPct, 0.001)
	require.EqualValues(t, 125_000, edgeEdge.CurBytesTx)
	require.EqualValues(t, 0, edgeEdge.PrevBytesTx)
}

func TestLinkUtilRefreshClampsToZeroOnCounterWrap(t *testing.T) {
	srv, fd := newFakeDataplane()
	defer srv.Close()
	dp := newTestClient(t, srv)

	top := topology.New("flow:1", topology.KindFlow)
	sw := topology.NewSwitch("openflow:1", "openflow:1")
	sw.Ports["openflow:1:1"] = &topology.PortConfig{ID: "openflow:1:1", LinkSpeedBps: 1_000_000_000}
	top.AddNode(sw)
	edge := topology.NewGeneric("edge1")
	edge.PromoteEdge("10.0.0.1", 0)
	top.AddNode(edge)
	top.AddLink("openflow:1", "edge1", "openflow:1:1", "edge1", 0)

	path := "/restconf/operational/opendaylight-inventory:nodes/node/openflow:1/node-connector/openflow:1:1"
	fd.set(path, map[string]any{
		"node-connector": []any{
			map[string]any{
				"opendaylight-port-statistics:flow-capable-node-connector-statistics": map[string]any{
					"bytes": map[string]any{"transmitted": int64(500_000), "received": int64(0)},
				},
			},
		},
	})

	cfg := config.Defaults()
	cfg.LinkUtilRefreshIntervalSec = 1.0
	mapping := topology.NewMapping("flow:1", "ovsdb:1")
	p := New(cfg, dp, top, mapping, nil)

	p.linkUtilRefresh(context.Background())

	// The port counter resets (e.g. an interface flap): the reported
	// current value drops below the previous reading.
	fd.set(path, map[string]any{
		"node-connector": []any{
			map[string]any{
				"opendaylight-port-statistics:flow-capable-node-connector-statistics": map[string]any{
					"bytes": map[string]any{"transmitted": int64(1_000), "received": int64(0)},
				},
			},
		},
	})

	p.linkUtilRefresh(context.Background())

	edgeEdge := top.GetEdge("openflow:1", "edge1", "openflow:1:1", "edge1")
	require.EqualValues(t, 0, edgeEdge.BpsCurrent)
	require.EqualValues(t, 0.0, edgeEdge.UtilizationPct)
	require.EqualValues(t, 1_000, edgeEdge.CurBytesTx)
	require.EqualValues(t, 500_000, edgeEdge.PrevBytesTx)
}

func TestLinkUtilRefreshMarksZeroCapacityLinkIneligible(t *testing.T) {
	srv, fd := newFakeDataplane()
	defer srv.Close()
	dp := newTestClient(t, srv)

	top := topology.New("flow:1", topology.KindFlow)
	sw := topology.NewSwitch("openflow:1", "openflow:1")
	sw.Ports["openflow:1:1"] = &topology.PortConfig{ID: "openflow:1:1", LinkSpeedBps: 0}
	top.AddNode(sw)
	edge := topology.NewGeneric("edge1")
	edge.PromoteEdge("10.0.0.1", 0)
	top.AddNode(edge)
	top.AddLink("openflow:1", "edge1", "openflow:1:1", "edge1", 0)

	fd.set("/restconf/operational/opendaylight-inventory:nodes/node/openflow:1/node-connector/openflow:1:1", map[string]any{
		"node-connector": []any{
			map[string]any{
				"opendaylight-port-statistics:flow-capable-node-connector-statistics": map[string]any{
					"bytes": map[string]any{"transmitted": int64(0), "received": int64(0)},
				},
			},
		},
	})

	cfg := config.Defaults()
	cfg.OpenLinkCapacityBps = 0
	mapping := topology.NewMapping("flow:1", "ovsdb:1")
	p := New(cfg, dp, top, mapping, nil)

	p.linkUtilRefresh(context.Background())

	edgeEdge := top.GetEdge("openflow:1", "edge1", "openflow:1:1", "edge1")
	require.EqualValues(t, 0, edgeEdge.BpsCapacity)
	require.Less(t, edgeEdge.AvailableBps(), int64(0))
}

type fakeGreetingRetrier struct {
	calls int32
}

func (f *fakeGreetingRetrier) RetryDeferredGreetings() {
	atomic.AddInt32(&f.calls, 1)
}

func TestDeferredGreetingRetryDelegatesToServer(t *testing.T) {
	top := topology.New("flow:1", topology.KindFlow)
	mapping := topology.NewMapping("flow:1", "ovsdb:1")
	retrier := &fakeGreetingRetrier{}
	p := New(config.Defaults(), nil, top, mapping, retrier)

	p.deferredGreetingRetry(context.Background())

	require.EqualValues(t, 1, atomic.LoadInt32(&retrier.calls))
}

func TestRunStopsAllLoopsOnContextCancel(t *testing.T) {
	srv, fd := newFakeDataplane()
	defer srv.Close()
	dp := newTestClient(t, srv)
	fd.set("/restconf/operational/network-topology:network-topology/", map[string]any{"network-topology": map[string]any{}})
	fd.set("/restconf/operational/opendaylight-inventory:nodes/", map[string]any{"nodes": map[string]any{}})

	top := topology.New("flow:1", topology.KindFlow)
	mapping := topology.NewMapping("flow:1", "ovsdb:1")
	cfg := config.Defaults()
	cfg.TopologyRefreshIntervalSec = 0.01
	cfg.LinkUtilRefreshIntervalSec = 0.01
	cfg.DeferredGreetingIntervalSec = 0.01
	retrier := &fakeGreetingRetrier{}
	p := New(cfg, dp, top, mapping, retrier)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	require.Greater(t, atomic.LoadInt32(&retrier.calls), int32(0))
}
