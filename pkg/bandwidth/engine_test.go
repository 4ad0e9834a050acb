package bandwidth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siotlab/fdk/pkg/dataplane"
	"github.com/siotlab/fdk/pkg/topology"
)

// fakeController emulates the small slice of RESTCONF behavior the
// bandwidth engine depends on: a PUT is visible on the very next GET (no
// simulated eventual-consistency delay, since these tests exercise the
// write protocol, not the poll loop itself).
type fakeController struct {
	mu    sync.Mutex
	store map[string][]byte
}

func newFakeController() *httptest.Server {
	fc := &fakeController{store: make(map[string][]byte)}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Config and operational stores share one key space here: a write
		// against /restconf/config/... is immediately visible under
		// /restconf/operational/... , since these tests exercise the write
		// protocol itself rather than the poll loop's patience.
		path := strings.Replace(strings.Replace(r.URL.Path, "/restconf/config/", "/restconf/store/", 1), "/restconf/operational/", "/restconf/store/", 1)
		fc.mu.Lock()
		defer fc.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			fc.store[path] = body
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			delete(fc.store, path)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			body, ok := fc.store[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/yang.data+json")
			w.Write(body)
		}
	}))
}

func newTestEngine(t *testing.T, srv *httptest.Server) (*Engine, *topology.Topology, *topology.Node) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	dp := &dataplane.Client{
		BaseURL:      "http://" + u.Host,
		Username:     "admin",
		Password:     "admin",
		HTTPClient:   srv.Client(),
		MaxRetries:   5,
		RetryBackoff: time.Millisecond,
	}

	top := topology.New("flow:1", topology.KindFlow)
	node := topology.NewSwitch("openflow:1", "openflow:1")
	node.Ports["openflow:1:1"] = &topology.PortConfig{ID: "openflow:1:1", OFPortNum: 1, LinkSpeedBps: 1_000_000_000}
	top.AddNode(node)

	mapping := topology.NewMapping("flow:1", "ovsdb:1")
	mapping.Set("openflow:1", "ovsdb:1:bridge:1")

	return NewEngine(dp, top, mapping), top, node
}

func TestCreateAndDeleteQueueRoundTrip(t *testing.T) {
	srv := newFakeController()
	defer srv.Close()
	eng, _, node := newTestEngine(t, srv)

	require.NoError(t, eng.CreateQueue(context.Background(), node, "edge1-TO-fog1-5000", 10_000_000))
	require.Contains(t, node.Queues, "edge1-TO-fog1-5000")

	require.NoError(t, eng.DeleteQueue(context.Background(), node, "edge1-TO-fog1-5000"))
	require.NotContains(t, node.Queues, "edge1-TO-fog1-5000")
}

func TestAddQoSQueueAssignsSmallestFreeNumber(t *testing.T) {
	srv := newFakeController()
	defer srv.Close()
	eng, _, node := newTestEngine(t, srv)

	require.NoError(t, eng.CreateQoS(context.Background(), node, "defaultqos1", 1_000_000_000, nil))
	require.NoError(t, eng.CreateQueue(context.Background(), node, "q0", 100))
	require.NoError(t, eng.CreateQueue(context.Background(), node, "q1", 100))

	n0, err := eng.AddQoSQueue(context.Background(), node, "defaultqos1", "q0")
	require.NoError(t, err)
	require.Equal(t, 0, n0)

	n1, err := eng.AddQoSQueue(context.Background(), node, "defaultqos1", "q1")
	require.NoError(t, err)
	require.Equal(t, 1, n1)

	require.NoError(t, eng.RemoveQoSQueue(context.Background(), node, "defaultqos1", "q0"))
	qos := node.QoSEntries["defaultqos1"]
	require.Len(t, qos.Queues, 1)
	require.Equal(t, "q1", qos.Queues[0].QueueID)
}

func TestInitLinkQoSThenShutdownReversesEverything(t *testing.T) {
	srv := newFakeController()
	defer srv.Close()
	eng, top, node := newTestEngine(t, srv)
	top.AddLink("openflow:1", "openflow:2", "openflow:1:1", "openflow:2:1", 1_000_000_000)

	require.NoError(t, eng.InitLinkQoS(context.Background(), top, node, 1_000_000_000))

	port := node.Ports["openflow:1:1"]
	require.Equal(t, "defaultqos1", port.AttachedQoSID)
	edge := top.GetEdge("openflow:1", "openflow:2", "openflow:1:1", "openflow:2:1")
	require.EqualValues(t, 1_000_000_000, edge.BpsReserved)

	require.NoError(t, eng.Shutdown(context.Background(), top, node))

	require.Equal(t, "", port.AttachedQoSID)
	require.Empty(t, node.Queues)
	require.Empty(t, node.QoSEntries)
	edge = top.GetEdge("openflow:1", "openflow:2", "openflow:1:1", "openflow:2:1")
	require.EqualValues(t, 0, edge.BpsReserved)
}

func decodeBody(t *testing.T, body []byte, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(body, out))
}
