package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"sync"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/siotlab/fdk/pkg/log"
)

// DefaultNamespace is the containerd namespace the controller's containers
// live in on every fog host.
const DefaultNamespace = "fdk"

const (
	portRangeLow  = 1024
	portRangeHigh = 10000
)

// Containerd implements Orchestrator against one containerd daemon per
// joined fog node (spec.md §4.7, §6). A node's address is either a Unix
// socket path (the local host) or a tcp://host:port dial string (a remote
// fog worker).
type Containerd struct {
	mu          sync.Mutex
	managerAddr string
	joinToken   string
	clients     map[string]*containerd.Client
	ports       map[string]map[int]bool // nodeID -> in-use port set
}

// NewContainerd constructs an empty, no-node-joined orchestrator.
func NewContainerd() *Containerd {
	return &Containerd{
		clients: make(map[string]*containerd.Client),
		ports:   make(map[string]map[int]bool),
	}
}

// InitCluster records the controller's own advertised address and mints a
// fresh join token, mirroring the original's DockerSwarm.__init__ calling
// init_swarm() once at startup to obtain the token join_swarm() later
// authenticates every worker with. Containerd has no native cluster or
// token concept, so this is adapter-level state: the token is not checked
// anywhere yet, but exists so callers (and operators comparing logs) have
// the same join-token contract Docker Swarm exposes (spec.md §4.7).
func (c *Containerd) InitCluster(ctx context.Context, managerAddr string) (string, error) {
	token, err := generateJoinToken()
	if err != nil {
		return "", fmt.Errorf("orchestrator: init cluster: %w", err)
	}

	c.mu.Lock()
	c.managerAddr = managerAddr
	c.joinToken = token
	c.mu.Unlock()

	log.WithComponent("orchestrator").Info().Str("manager_addr", managerAddr).Msg("cluster initialized")
	return token, nil
}

// generateJoinToken mints a 32-byte random token, hex-encoded, the same
// shape as the teacher's TokenManager.GenerateToken.
func generateJoinToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate join token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (c *Containerd) Join(ctx context.Context, nodeID, addr string) error {
	client, err := containerd.New(addr)
	if err != nil {
		return fmt.Errorf("orchestrator: join %s at %s: %w", nodeID, addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[nodeID] = client
	c.ports[nodeID] = make(map[int]bool)
	log.WithNodeID(nodeID).Info().Str("addr", addr).Msg("fog worker joined")
	return nil
}

func (c *Containerd) Leave(ctx context.Context, nodeID string) error {
	c.mu.Lock()
	client, ok := c.clients[nodeID]
	delete(c.clients, nodeID)
	delete(c.ports, nodeID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return client.Close()
}

func (c *Containerd) Workers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	return ids
}

func (c *Containerd) client(nodeID string) (*containerd.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[nodeID]
	if !ok {
		return nil, fmt.Errorf("orchestrator: node %s has not joined", nodeID)
	}
	return client, nil
}

func (c *Containerd) CreateService(ctx context.Context, nodeID string, spec ServiceSpec) (string, error) {
	client, err := c.client(nodeID)
	if err != nil {
		return "", err
	}
	ctx = namespaces.WithNamespace(ctx, DefaultNamespace)

	image, err := client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("orchestrator: pull %s on %s: %w", spec.Image, nodeID, err)
	}

	env := make([]string, 0, len(spec.Env)+1)
	env = append(env, fmt.Sprintf("PORT=%d", spec.Port))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithHostNamespace(specs.NetworkNamespace), // host networking mode (spec.md §4.7)
	}

	// Resource caps are expressed against the node's total reported CPU
	// nanos; the adapter does not query the node for that total (the
	// caller's compute admission decision already bounded the request
	// against free capacity), so it passes the request through as CPU
	// shares proportional to a 1-core baseline (spec.md §4.7).
	if spec.CPUPct > 0 {
		shares := uint64(spec.CPUPct / 100 * 1024)
		opts = append(opts, oci.WithCPUShares(shares))
	}
	if spec.RAMMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(ComputeMemLimit(spec.RAMMB))))
	}

	serviceID := fmt.Sprintf("fdk-%s-%d", nodeID, spec.Port)
	container, err := client.NewContainer(
		ctx,
		serviceID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(serviceID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("orchestrator: create container %s on %s: %w", serviceID, nodeID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("orchestrator: create task for %s: %w", serviceID, err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("orchestrator: start task for %s: %w", serviceID, err)
	}

	return serviceID, nil
}

func (c *Containerd) RemoveService(ctx context.Context, nodeID, serviceID string) error {
	client, err := c.client(nodeID)
	if err != nil {
		return err
	}
	ctx = namespaces.WithNamespace(ctx, DefaultNamespace)

	container, err := client.LoadContainer(ctx, serviceID)
	if err != nil {
		return nil // already gone: removal is idempotent (spec.md §4.6)
	}

	if task, terr := container.Task(ctx, nil); terr == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("orchestrator: remove service %s on %s: %w", serviceID, nodeID, err)
	}
	return nil
}

func (c *Containerd) InspectService(ctx context.Context, nodeID, serviceID string) (ServiceInfo, error) {
	client, err := c.client(nodeID)
	if err != nil {
		return ServiceInfo{}, err
	}
	ctx = namespaces.WithNamespace(ctx, DefaultNamespace)

	container, err := client.LoadContainer(ctx, serviceID)
	if err != nil {
		return ServiceInfo{ID: serviceID, Running: false}, nil
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return ServiceInfo{ID: serviceID, Running: false}, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return ServiceInfo{}, fmt.Errorf("orchestrator: status of %s on %s: %w", serviceID, nodeID, err)
	}
	return ServiceInfo{ID: serviceID, Running: status.Status == containerd.Running}, nil
}

func (c *Containerd) AllocatePort(nodeID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inUse, ok := c.ports[nodeID]
	if !ok {
		return 0, fmt.Errorf("orchestrator: node %s has not joined", nodeID)
	}

	for attempt := 0; attempt < portRangeHigh-portRangeLow; attempt++ {
		port := portRangeLow + mathrand.Intn(portRangeHigh-portRangeLow)
		if !inUse[port] {
			inUse[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("orchestrator: no free port on %s", nodeID)
}

func (c *Containerd) ReleasePort(nodeID string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inUse, ok := c.ports[nodeID]; ok {
		delete(inUse, port)
	}
}
