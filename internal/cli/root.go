// Package cli implements the reconciler command tree.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tillcloud/reconciler/internal/daemon"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Payment-event reconciliation service",
	Long: `reconciler receives signed payment-provider webhooks and turns each one into
exactly one state change: a confirmed booking, a paid invoice, a ledger
line, an activated subscription. Replays and out-of-order deliveries are
safe; secondary effects run through a transactional outbox.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to config.toml (default $RECONCILER_HOME/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute(version string) error {
	daemon.Version = version
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// loadConfig reads configuration with the global flags applied.
func loadConfig() (daemon.Config, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openDaemon builds the full component graph. Short-lived commands log to
// the console so operators can read them.
func openDaemon(console bool) (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if console {
		cfg.Log.Format = "console"
	}
	return daemon.New(cfg)
}

func out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
