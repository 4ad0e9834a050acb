// Command fdk-fog is the helper client a fog worker runs to join the
// controller (spec.md §6; deliberately out of scope for the core
// admission engine, but given a minimal real implementation here — see
// SPEC_FULL.md). After greeting, it streams "cpu_pct ram_mb disk_mb"
// resource samples to the telemetry port every 5s until killed.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/cobra"
)

const (
	greetingPort  = 65433
	telemetryPort = 65432
	dockerPort    = 2375
)

var hostTypes = map[string]bool{"Fog": true, "Edge": true}

type greetingPayload struct {
	NodeID     string  `json:"node_id"`
	HostType   string  `json:"host_type"`
	Hostname   string  `json:"hostname"`
	DockerPort int     `json:"docker_port"`
	CPUMaxPct  float64 `json:"cpu_max_pct,omitempty"`
	RAMMaxMB   int64   `json:"ram_max_mb,omitempty"`
}

func main() {
	cmd := &cobra.Command{
		Use:   "fdk-fog <ctrlr-ip> <Fog|Edge> <iface>",
		Short: "Join this fog worker to the FDK controller and stream telemetry",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrlrIP, hostType, iface := args[0], args[1], args[2]
			if net.ParseIP(ctrlrIP) == nil {
				return fmt.Errorf("fdk-fog: %q is not a valid IP address", ctrlrIP)
			}
			if !hostTypes[hostType] {
				return fmt.Errorf("fdk-fog: host type must be Fog or Edge, got %q", hostType)
			}

			nodeID, err := nodeIDFromInterface(iface)
			if err != nil {
				return fmt.Errorf("fdk-fog: %w", err)
			}
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("fdk-fog: read hostname: %w", err)
			}

			ramMaxMB, err := totalRAMMB()
			if err != nil {
				return fmt.Errorf("fdk-fog: %w", err)
			}

			payload := greetingPayload{
				NodeID:     nodeID,
				HostType:   hostType,
				Hostname:   hostname,
				DockerPort: dockerPort,
				CPUMaxPct:  100,
				RAMMaxMB:   ramMaxMB,
			}
			if err := sendGreeting(ctrlrIP, payload); err != nil {
				return err
			}

			return streamTelemetry(ctrlrIP)
		},
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// nodeIDFromInterface builds the synthetic node id the controller's
// topology discovery expects for a host endpoint: "host:" plus the
// interface's hardware address, mirroring the original greeting.py's
// convention of tagging every non-switch node by its MAC.
func nodeIDFromInterface(iface string) (string, error) {
	ifc, err := net.InterfaceByName(iface)
	if err != nil {
		return "", fmt.Errorf("interface %q: %w", iface, err)
	}
	if len(ifc.HardwareAddr) == 0 {
		return "", fmt.Errorf("interface %q has no hardware address", iface)
	}
	return "host:" + ifc.HardwareAddr.String(), nil
}

func totalRAMMB() (int64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read total memory: %w", err)
	}
	return int64(v.Total / 1024 / 1024), nil
}

// sendGreeting connects to the controller's greeting port, retrying until
// the connection succeeds, sends one JSON message, and waits for the
// single-byte ack before returning — the controller holds the connection
// open without replying until the node is known (spec.md §4.8).
func sendGreeting(ctrlrIP string, payload greetingPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode greeting: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", ctrlrIP, greetingPort)
	var conn net.Conn
	for {
		conn, err = net.DialTimeout("tcp", addr, 5*time.Second)
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	defer conn.Close()

	if _, err := conn.Write(body); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}

	ack := make([]byte, 1)
	if _, err := conn.Read(ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}

	fmt.Println("greeting acknowledged")
	return nil
}

// streamTelemetry dials the telemetry port and reports cpu/ram/disk
// samples every 5s, matching the original fog.py's report_resources()
// cadence. It returns (without retrying the greeting) if the connection
// drops — spec.md scopes retry-on-disconnect for this helper out of the
// core engine.
func streamTelemetry(ctrlrIP string) error {
	addr := fmt.Sprintf("%s:%d", ctrlrIP, telemetryPort)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect to telemetry port: %w", err)
	}
	defer conn.Close()

	for {
		sample, err := readSample()
		if err != nil {
			return fmt.Errorf("read resource sample: %w", err)
		}
		if _, err := conn.Write([]byte(sample)); err != nil {
			return fmt.Errorf("send resource sample: %w", err)
		}
		time.Sleep(5 * time.Second)
	}
}

// readSample reports free CPU%, free RAM (MB), and free disk (MB) — the
// controller's telemetry handler treats the first field as currently-free
// CPU, the inverse of gopsutil's busy-percentage convention.
func readSample() (string, error) {
	busyPct, err := cpu.Percent(time.Second, false)
	if err != nil {
		return "", fmt.Errorf("read cpu: %w", err)
	}
	freeCPUPct := 100 - busyPct[0]

	v, err := mem.VirtualMemory()
	if err != nil {
		return "", fmt.Errorf("read memory: %w", err)
	}
	freeRAMMB := float64(v.Available) / 1024 / 1024

	d, err := disk.Usage("/")
	if err != nil {
		return "", fmt.Errorf("read disk: %w", err)
	}
	freeDiskMB := float64(d.Free) / 1024 / 1024

	return fmt.Sprintf("%.2f %.2f %.2f", freeCPUPct, freeRAMMB, freeDiskMB), nil
}
