// Package orchestrator adapts the admission controller to a cluster of
// per-fog-host container runtimes (spec.md §4.7). The controller never
// speaks to a central cluster manager: each fog node runs its own daemon,
// reached over a Unix socket when local or tcp://{fog-ip}:{docker_port}
// when remote (spec.md §6).
package orchestrator

import "context"

// ServiceSpec describes a container placement request.
type ServiceSpec struct {
	Image   string
	CPUPct  float64// percent of the node's total CPU
	RAMMB   int64
	Port    int // host port exposed in host networking mode
	Env     map[string]string
}

// ServiceInfo is what InspectService reports back.
type ServiceInfo struct {
	ID      string
	Running bool
	IP      string
}

// Orchestrator is the capability set the admission controller consumes
// from a container runtime (spec.md §4.7). Implementations: Containerd
// (production) and the in-memory Fake (tests).
type Orchestrator interface {
	// InitCluster prepares the implementation for the controller advertised
	// at managerAddr and returns a newly minted join token (spec.md §4.7).
	// Join takes no token, and no implementation checks it. Called once at
	// startup, before any node joins.
	InitCluster(ctx context.Context, managerAddr string) (joinToken string, err error)

	// Join registers a fog node as a worker reachable at addr (a unix
	// socket path or tcp://host:port), minting whatever local state the
	// implementation needs to address it later.
	Join(ctx context.Context, nodeID, addr string) error

	// Leave force-removes a worker, used during shutdown.
	Leave(ctx context.Context, nodeID string) error

	// Workers lists every node id currently joined.
	Workers() []string

	// CreateService places spec on nodeID and returns the resulting
	// service (container) id.
	CreateService(ctx context.Context, nodeID string, spec ServiceSpec) (string, error)

	// RemoveService tears down a previously created service.
	RemoveService(ctx context.Context, nodeID, serviceID string) error

	// InspectService reports a service's current state.
	InspectService(ctx context.Context, nodeID, serviceID string) (ServiceInfo, error)

	// AllocatePort returns a free host port on nodeID in [1024, 10000),
	// retrying on collision against a per-node in-use set (spec.md §4.7).
	AllocatePort(nodeID string) (int, error)

	// ReleasePort returns a previously allocated port to nodeID's free set.
	ReleasePort(nodeID string, port int)
}

// ComputeCPULimit converts a percentage-of-node request into the nanos the
// runtime understands, given the node's total reported nanos
// (cpu_nanos = total_nanos * request_pct/100, spec.md §4.7).
func ComputeCPULimit(totalNanos int64, requestPct float64) int64 {
	return int64(float64(totalNanos) * requestPct / 100)
}

// ComputeMemLimit converts a megabyte request into bytes using decimal
// megabytes (mem_bytes = request_mb * 10^6, spec.md §4.7 — matching the
// original implementation's convention, not a binary mebibyte).
func ComputeMemLimit(requestMB int64) int64 {
	return requestMB * 1_000_000
}
