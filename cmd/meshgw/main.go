// Meshgw is the BLE mesh provisioner gateway.
//
// It connects to the meshd radio daemon, walks every newly joined node
// through auto-configuration (composition, AppKey, bind, publish,
// subscribe) and forwards decoded node telemetry to MQTT and InfluxDB.
//
// Usage:
//
//	meshgw [run] [--config path]
//	meshgw decode imu|mpid|composition <hex>
//	meshgw nodes [--json]
//	meshgw migrate status|down
//	meshgw token [--subject name] [--ttl 1h]
//	meshgw version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnvVar overrides the default configuration path.
const configEnvVar = "MESHGW_CONFIG"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the root command with no
// subcommand starts the gateway.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "meshgw",
		Short: "BLE mesh provisioner and MQTT gateway",
		Long: `Meshgw provisions BLE mesh nodes through the meshd radio daemon,
configures their models automatically and bridges node telemetry to MQTT.

The configuration file is taken from --config, then $MESHGW_CONFIG,
then configs/config.yaml.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), getConfigPath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newDecodeCmd(),
		newNodesCmd(&configPath),
		newMigrateCmd(&configPath),
		newTokenCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), getConfigPath(*configPath))
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meshgw %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// getConfigPath returns the configuration file path.
// An explicit flag wins, then MESHGW_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}
