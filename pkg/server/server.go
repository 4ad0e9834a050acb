// Package server implements the controller's three external TCP entry
// points: greeting, allocation, and shutdown (spec.md §4.8, §6). Each
// listener accepts connections in a loop and hands each one to its own
// goroutine; a connection reads exactly one JSON message (up to 1024
// bytes), writes one reply, and closes — except the optional fog
// telemetry listener, which stays open and reads a sample every 5s.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/siotlab/fdk/pkg/admission"
	"github.com/siotlab/fdk/pkg/config"
	"github.com/siotlab/fdk/pkg/log"
	"github.com/siotlab/fdk/pkg/orchestrator"
	"github.com/siotlab/fdk/pkg/topology"
)

// GreetingRequest is the greeting server's wire format (spec.md §6).
// CPUMaxPct and RAMMaxMB are an addition documented in DESIGN.md: the
// original recovers a fog's compute maxima from a docker-swarm node inspect
// performed right after joining; containerd exposes no equivalent
// worker-resources query (§4.7's consumed capability list doesn't name
// one), so the fog helper client reports its own maxima once at greeting
// time instead: total memory read with gopsutil, and a CPU maximum of 100.
type GreetingRequest struct {
	NodeID     string  `json:"node_id"`
	HostType   string  `json:"host_type"` // "Fog" or "Edge"
	Hostname   string  `json:"hostname"`
	DockerPort int     `json:"docker_port"`
	CPUMaxPct  float64 `json:"cpu_max_pct,omitempty"`
	RAMMaxMB   int64   `json:"ram_max_mb,omitempty"`
}

type allocationWireRequest struct {
	NodeID       string  `json:"node_id"`
	Image        string  `json:"image"`
	CPUPct       float64 `json:"cpu"`
	RAMMB        int64   `json:"ram"`
	DiskMB       int64   `json:"disk"`
	BandwidthBps int64   `json:"bandwidth"`
	ProtoNum     *int    `json:"proto_num,omitempty"`
	ServicePort  *int    `json:"service_port,omitempty"`
}

type allocationWireResponse struct {
	RespCode   int    `json:"resp-code"`
	NodeID     string `json:"node_id"`
	IP         string `json:"ip,omitempty"`
	Port       int    `json:"port,omitempty"`
	ServiceID  string `json:"service_id,omitempty"`
	FailureMsg string `json:"failure-msg,omitempty"`
	EdgeNodeID string `json:"edge_node_id"`
}

type shutdownWireRequest struct {
	NodeID     string `json:"node_id"`
	EdgeNodeID string `json:"edge_node_id"`
	ServiceID  string `json:"service_id"`
	Port       int    `json:"port"`
}

type shutdownWireResponse struct {
	RespCode int `json:"resp-code"`
}

// deferredGreeting is a greeting that arrived for a node topology refresh
// hasn't discovered yet. Its connection is held open until a retry
// applies it (spec.md §4.8, §4.9).
type deferredGreeting struct {
	conn     net.Conn
	req      GreetingRequest
	remoteIP string
}

type namedListener struct {
	name string
	lis  net.Listener
}

// Server owns the three mandatory listeners plus the optional fog
// telemetry listener. Addresses default to the configured ports but are
// overridable (":0" in tests) before Listen is called.
type Server struct {
	GreetingAddr   string
	AllocationAddr string
	ShutdownAddr   string
	TelemetryAddr  string // empty disables the telemetry listener

	flowTop   *topology.Topology
	admission *admission.Admission
	orch      orchestrator.Orchestrator

	mu        sync.Mutex
	deferred  map[string]*deferredGreeting
	listeners []namedListener
}

// New builds a Server wired to flowTop/adm/orch, with addresses from cfg.
func New(cfg config.Config, flowTop *topology.Topology, adm *admission.Admission, orch orchestrator.Orchestrator) *Server {
	return &Server{
		GreetingAddr:   fmt.Sprintf(":%d", cfg.GreetingPort),
		AllocationAddr: fmt.Sprintf(":%d", cfg.AllocationPort),
		ShutdownAddr:   fmt.Sprintf(":%d", cfg.ShutdownPort),
		TelemetryAddr:  fmt.Sprintf(":%d", cfg.TelemetryPort),
		flowTop:        flowTop,
		admission:      adm,
		orch:           orch,
		deferred:       make(map[string]*deferredGreeting),
	}
}

type listenerSpec struct {
	name   string
	addr   string
	handle func(net.Conn)
}

func (s *Server) specs() []listenerSpec {
	specs := []listenerSpec{
		{"greeting", s.GreetingAddr, s.handleGreeting},
		{"allocation", s.AllocationAddr, s.handleAllocation},
		{"shutdown", s.ShutdownAddr, s.handleShutdown},
	}
	if s.TelemetryAddr != "" {
		specs = append(specs, listenerSpec{"telemetry", s.TelemetryAddr, s.handleTelemetry})
	}
	return specs
}

// Listen binds every configured listener. Call once before Serve.
func (s *Server) Listen() error {
	for _, sp := range s.specs() {
		lis, err := net.Listen("tcp", sp.addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("server: listen %s on %s: %w", sp.name, sp.addr, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, namedListener{sp.name, lis})
		s.mu.Unlock()
	}
	return nil
}

// Serve runs every listener's accept loop until ctx is done, then closes
// the listeners and waits for in-flight accept loops to return (spec.md
// §5: "every server socket is closed" on graceful shutdown).
func (s *Server) Serve(ctx context.Context) {
	handlers := make(map[string]func(net.Conn), len(s.specs()))
	for _, sp := range s.specs() {
		handlers[sp.name] = sp.handle
	}

	s.mu.Lock()
	listeners := append([]namedListener(nil), s.listeners...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, nl := range listeners {
		wg.Add(1)
		go func(nl namedListener) {
			defer wg.Done()
			s.acceptLoop(nl.name, nl.lis, handlers[nl.name])
		}(nl)
	}

	<-ctx.Done()
	s.closeListeners()
	wg.Wait()
}

// BoundAddr returns the actual address a named listener is bound to
// (useful when Listen was called with a ":0" address).
func (s *Server) BoundAddr(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nl := range s.listeners {
		if nl.name == name {
			return nl.lis.Addr().String()
		}
	}
	return ""
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nl := range s.listeners {
		nl.lis.Close()
	}
	s.listeners = nil
}

func (s *Server) acceptLoop(name string, lis net.Listener, handle func(net.Conn)) {
	logger := log.WithComponent("server")
	for {
		conn, err := lis.Accept()
		if err != nil {
			logger.Info().Str("listener", name).Msg("listener closed")
			return
		}
		go handle(conn)
	}
}

// --- Greeting ---

func (s *Server) handleGreeting(conn net.Conn) {
	logger := log.WithComponent("server")

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		conn.Close()
		return
	}

	var req GreetingRequest
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		logger.Warn().Err(err).Msg("greeting: malformed request")
		conn.Close()
		return
	}
	if req.HostType != "Fog" && req.HostType != "Edge" {
		logger.Warn().Str("host_type", req.HostType).Msg("greeting: unknown host_type")
		conn.Close()
		return
	}

	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	s.flowTop.Lock()
	applied := s.applyGreetingLocked(req, remoteIP)
	s.flowTop.Unlock()

	if !applied {
		logger.Info().Str("node_id", req.NodeID).Msg("greeting: node not yet discovered, parking")
		s.deferGreeting(conn, req, remoteIP)
		return
	}

	logger.Info().Str("node_id", req.NodeID).Str("host_type", req.HostType).Msg("greeting applied")
	s.ackAndClose(conn)
}

// applyGreetingLocked promotes req.NodeID in place if it is already known
// to the topology (spec.md §4.1, §4.8). Returns false when the node is
// unknown or the orchestrator join failed, either of which should be
// retried later rather than treated as a permanent failure.
func (s *Server) applyGreetingLocked(req GreetingRequest, remoteIP string) bool {
	node := s.flowTop.GetNodeLocked(req.NodeID)
	if node == nil {
		return false
	}
	if node.Kind != topology.NodeKindGeneric {
		return true // already promoted by an earlier greeting
	}

	switch req.HostType {
	case "Fog":
		addr := fmt.Sprintf("tcp://%s:%d", remoteIP, req.DockerPort)
		if err := s.orch.Join(context.Background(), req.NodeID, addr); err != nil {
			log.WithComponent("server").Error().Err(err).Str("node_id", req.NodeID).Msg("greeting: orchestrator join failed, will retry")
			return false
		}
		cpuMax := req.CPUMaxPct
		if cpuMax <= 0 {
			cpuMax = 100
		}
		node.PromoteFog(remoteIP, req.DockerPort, cpuMax, req.RAMMaxMB)
	case "Edge":
		node.PromoteEdge(remoteIP, req.DockerPort)
	}
	return true
}

func (s *Server) deferGreeting(conn net.Conn, req GreetingRequest, remoteIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, exists := s.deferred[req.NodeID]; exists {
		old.conn.Close()
	}
	s.deferred[req.NodeID] = &deferredGreeting{conn: conn, req: req, remoteIP: remoteIP}
}

// RetryDeferredGreetings replays every parked greeting, applying and
// ack'ing the ones whose node is now known (spec.md §4.9's deferred-
// greeting retry poller).
func (s *Server) RetryDeferredGreetings() {
	s.mu.Lock()
	pending := make([]*deferredGreeting, 0, len(s.deferred))
	for _, dg := range s.deferred {
		pending = append(pending, dg)
	}
	s.mu.Unlock()

	for _, dg := range pending {
		s.flowTop.Lock()
		applied := s.applyGreetingLocked(dg.req, dg.remoteIP)
		s.flowTop.Unlock()
		if !applied {
			continue
		}

		s.mu.Lock()
		delete(s.deferred, dg.req.NodeID)
		s.mu.Unlock()

		log.WithComponent("server").Info().Str("node_id", dg.req.NodeID).Msg("deferred greeting applied")
		s.ackAndClose(dg.conn)
	}
}

func (s *Server) ackAndClose(conn net.Conn) {
	defer conn.Close()
	if _, err := conn.Write([]byte(" ")); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("greeting: failed to write ack")
	}
}

// --- Allocation ---

func (s *Server) handleAllocation(conn net.Conn) {
	defer conn.Close()
	logger := log.WithComponent("server")

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}

	var req allocationWireRequest
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		logger.Warn().Err(err).Msg("allocation: malformed request")
		return
	}

	var env map[string]string
	if req.ProtoNum != nil || req.ServicePort != nil {
		env = make(map[string]string)
		if req.ProtoNum != nil {
			env["PROTO_NUM"] = strconv.Itoa(*req.ProtoNum)
		}
		if req.ServicePort != nil {
			env["SERVICE_PORT"] = strconv.Itoa(*req.ServicePort)
		}
	}

	resp, err := s.admission.Allocate(context.Background(), admission.AllocateRequest{
		EdgeNodeID:   req.NodeID,
		Image:        req.Image,
		CPUPct:       req.CPUPct,
		RAMMB:        req.RAMMB,
		BandwidthBps: req.BandwidthBps,
		Env:          env,
	})
	if err != nil {
		logger.Error().Err(err).Str("node_id", req.NodeID).Msg("allocation: admission error")
		writeJSON(conn, allocationWireResponse{RespCode: -1, EdgeNodeID: req.NodeID, FailureMsg: err.Error()})
		return
	}

	writeJSON(conn, allocationWireResponse{
		RespCode:   resp.RespCode,
		NodeID:     resp.NodeID,
		IP:         resp.IP,
		Port:       resp.Port,
		ServiceID:  resp.ServiceID,
		FailureMsg: resp.FailureMsg,
		EdgeNodeID: resp.EdgeNodeID,
	})
}

// --- Shutdown ---

func (s *Server) handleShutdown(conn net.Conn) {
	defer conn.Close()
	logger := log.WithComponent("server")

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}

	var req shutdownWireRequest
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		logger.Warn().Err(err).Msg("shutdown: malformed request")
		return
	}

	resp, err := s.admission.Deallocate(context.Background(), admission.DeallocateRequest{
		EdgeNodeID: req.EdgeNodeID,
		NodeID:     req.NodeID,
		Port:       req.Port,
	})
	if err != nil {
		logger.Error().Err(err).Str("node_id", req.NodeID).Msg("shutdown: admission error")
		writeJSON(conn, shutdownWireResponse{RespCode: -1})
		return
	}

	writeJSON(conn, shutdownWireResponse{RespCode: resp.RespCode})
}

// --- Fog telemetry (optional, spec.md §6) ---

// handleTelemetry keeps the connection open and applies one
// "cpu_pct ram_mb disk_mb" sample per read, unlike the other three
// listeners' one-message-then-close contract.
func (s *Server) handleTelemetry(conn net.Conn) {
	defer conn.Close()
	logger := log.WithComponent("server")

	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		fields := strings.Fields(string(buf[:n]))
		if len(fields) != 3 {
			logger.Warn().Str("raw", string(buf[:n])).Msg("telemetry: malformed sample")
			continue
		}
		cpuPct, err1 := strconv.ParseFloat(fields[0], 64)
		ramMB, err2 := strconv.ParseFloat(fields[1], 64)
		diskMB, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			logger.Warn().Str("raw", string(buf[:n])).Msg("telemetry: non-numeric sample")
			continue
		}

		s.flowTop.Lock()
		for _, id := range s.flowTop.FogNodeIDsLocked() {
			node := s.flowTop.GetNodeLocked(id)
			if node.IPAddr == remoteIP {
				node.CPUAvailPct = cpuPct
				node.FreeRAMMB = int64(ramMB)
				node.FreeDiskMB = int64(diskMB)
				break
			}
		}
		s.flowTop.Unlock()
	}
}

func writeJSON(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithComponent("server").Error().Err(err).Msg("failed to marshal response")
		return
	}
	if _, err := conn.Write(data); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("failed to write response")
	}
}
