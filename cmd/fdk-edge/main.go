// Command fdk-edge is the helper client an edge device runs to announce
// itself to the controller (spec.md §6; deliberately out of scope for the
// core admission engine, but given a minimal real implementation here —
// see SPEC_FULL.md). It derives a synthetic node id from the given
// interface's MAC address, sends one greeting message, and exits.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const greetingPort = 65433

var hostTypes = map[string]bool{"Fog": true, "Edge": true}

type greetingPayload struct {
	NodeID     string `json:"node_id"`
	HostType   string `json:"host_type"`
	Hostname   string `json:"hostname"`
	DockerPort int    `json:"docker_port"`
}

func main() {
	cmd := &cobra.Command{
		Use:   "fdk-edge <ctrlr-ip> <Fog|Edge> <iface>",
		Short: "Announce this edge device to the FDK controller",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrlrIP, hostType, iface := args[0], args[1], args[2]
			if net.ParseIP(ctrlrIP) == nil {
				return fmt.Errorf("fdk-edge: %q is not a valid IP address", ctrlrIP)
			}
			if !hostTypes[hostType] {
				return fmt.Errorf("fdk-edge: host type must be Fog or Edge, got %q", hostType)
			}

			nodeID, err := nodeIDFromInterface(iface)
			if err != nil {
				return fmt.Errorf("fdk-edge: %w", err)
			}
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("fdk-edge: read hostname: %w", err)
			}

			payload := greetingPayload{NodeID: nodeID, HostType: hostType, Hostname: hostname}
			return sendGreeting(ctrlrIP, payload)
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
