package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/siotlab/fdk/pkg/admission"
	"github.com/siotlab/fdk/pkg/audit"
	"github.com/siotlab/fdk/pkg/bandwidth"
	"github.com/siotlab/fdk/pkg/config"
	"github.com/siotlab/fdk/pkg/dataplane"
	"github.com/siotlab/fdk/pkg/log"
	"github.com/siotlab/fdk/pkg/metrics"
	"github.com/siotlab/fdk/pkg/orchestrator"
	"github.com/siotlab/fdk/pkg/poller"
	"github.com/siotlab/fdk/pkg/server"
	"github.com/siotlab/fdk/pkg/topology"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fdkctl",
	Short:   "fdkctl runs the Fog Development Kit SDN controller",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fdkctl version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	runCmd.Flags().String("config", "fdk_conf.json", "Path to the controller configuration file")
	runCmd.Flags().String("data-dir", "./fdk-data", "Directory for the audit log database")
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the controller's servers and background pollers",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("fdkctl: create data dir %s: %w", dataDir, err)
		}

		logger := log.WithComponent("fdkctl")

		dp := dataplane.NewClient(cfg.CtrlrIPAddr, cfg.DataplaneMaxRetries, cfg.DataplaneBackoff())

		flowTop := topology.New("flow:1", topology.KindFlow)
		mapping := topology.NewMapping("flow:1", "ovsdb:1")
		bw := bandwidth.NewEngine(dp, flowTop, mapping)
		orch := orchestrator.NewContainerd()
		if _, err := orch.InitCluster(context.Background(), cfg.CtrlrIPAddr); err != nil {
			return fmt.Errorf("fdkctl: init cluster: %w", err)
		}

		auditLog, err := audit.Open(dataDir)
		if err != nil {
			return fmt.Errorf("fdkctl: open audit log: %w", err)
		}
		defer auditLog.Close()

		adm := admission.New(flowTop, bw, dp, orch, auditLog)
		srv := server.New(cfg, flowTop, adm, orch)
		pol := poller.New(cfg, dp, flowTop, mapping, srv)

		// Discover the initial topology and bring every switch's default
		// QoS up before accepting any greeting or allocation request,
		// mirroring the original's update_topology()+init_link_qos()
		// startup sequence.
		pol.DiscoverOnce(context.Background())

		for _, nodeID := range flowTop.NodeIDs() {
			node := flowTop.GetNode(nodeID)
			if node == nil || node.Kind != topology.NodeKindSwitch {
				continue
			}
			if err := bw.InitLinkQoS(context.Background(), flowTop, node, cfg.OpenLinkCapacityBps); err != nil {
				logger.Error().Err(err).Str("node_id", nodeID).Msg("failed to initialize switch QoS")
				return err
			}
		}

		if err := srv.Listen(); err != nil {
			return fmt.Errorf("fdkctl: bind listeners: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server exited")
			}
		}()

		go srv.Serve(ctx)
		go pol.Run(ctx)

		logger.Info().
			Int("greeting_port", cfg.GreetingPort).
			Int("allocation_port", cfg.AllocationPort).
			Int("shutdown_port", cfg.ShutdownPort).
			Int("metrics_port", cfg.MetricsPort).
			Msg("fdkctl started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		cancel()
		return nil
	},
}
