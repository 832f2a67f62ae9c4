package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/flowjob/pkg/broker"
	"github.com/cuemby/flowjob/pkg/config"
	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowjob",
	Short: "flowjob - distributed workflow and job scheduler",
	Long: `flowjob fires plans on a schedule or on demand, walks their job DAG
and dispatches the resulting tasks to a fleet of workers.

Run "flowjob broker start" to serve plans, and the "flowjob plan"
commands to validate, inspect and manage them.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flowjob version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(planCmd)
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a flowjob broker",
}

var brokerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a broker node",
	Long: `Start a broker node serving the Feedback and Admin gRPC services and
the HTTP health and metrics endpoints.

Settings come from the built-in defaults, then the --config YAML file,
then any flag given on the command line.

Examples:
  # Single broker with data under ./flowjob-data
  flowjob broker start

  # Broker taking part in a Raft cluster
  flowjob broker start --config broker.yaml --cluster-mode raft`,
	RunE: runBrokerStart,
}

func init() {
	brokerCmd.AddCommand(brokerStartCmd)

	flags := brokerStartCmd.Flags()
	flags.StringP("config", "c", "", "Broker configuration file")
	flags.String("node-id", "", "Unique node ID")
	flags.String("data-dir", "", "Data directory for plans and cluster state")
	flags.String("grpc-addr", "", "Address for the Feedback and Admin gRPC services")
	flags.String("metrics-addr", "", "Address for health and metrics endpoints")
	flags.String("cluster-mode", "", "Cluster mode (standalone or raft)")
	flags.String("raft-addr", "", "Address for Raft communication")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Log in JSON")
}

func runBrokerStart(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(cfg.LoggerConfig())
	metrics.SetVersion(Version)

	fmt.Println("Starting flowjob broker...")
	fmt.Printf("  Node ID: %s\n", cfg.NodeID)
	fmt.Printf("  Cluster Mode: %s\n", cfg.Cluster.Mode)
	fmt.Printf("  gRPC Address: %s\n", cfg.GRPCAddr)
	fmt.Printf("  Metrics Address: %s\n", cfg.MetricsAddr)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Println()

	b, err := broker.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	if err := b.Start(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}

	fmt.Println("Broker is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case runErr = <-b.Errors():
		fmt.Fprintf(os.Stderr, "\nError: %v\n", runErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}

	fmt.Println("✓ Shutdown complete")
	return runErr
}

// applyFlagOverrides copies the flags given on the command line over cfg
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	override := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	override("node-id", &cfg.NodeID)
	override("data-dir", &cfg.DataDir)
	override("grpc-addr", &cfg.GRPCAddr)
	override("metrics-addr", &cfg.MetricsAddr)
	override("cluster-mode", &cfg.Cluster.Mode)
	override("raft-addr", &cfg.Cluster.RaftAddr)
	override("log-level", &cfg.Log.Level)
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
}
