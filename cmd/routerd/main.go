// routerd is the router-resident control agent: it maintains a duplex
// session with the cloud control plane, collects telemetry, and applies
// configuration through pluggable firmware adapters under a three-level
// safety gate.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshguard/routerd/internal/config"
	"github.com/meshguard/routerd/internal/logx"
	"github.com/meshguard/routerd/internal/supervisor"
)

// App holds CLI state shared across subcommands.
type App struct {
	configPath  string
	logLevel    string
	metricsAddr string
}

var app = &App{}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:          "routerd",
	Short:        "Router-resident control agent for the cloud-managed firewall platform",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&app.configPath, "config", "/etc/routerd/config.yaml", "path to the agent configuration file")
	rootCmd.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringVar(&app.metricsAddr, "metrics-addr", "127.0.0.1:9109", "localhost address to serve Prometheus metrics on, empty to disable")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(diagCmd)
}

func runAgent() error {
	cfg, err := config.Load(app.configPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if app.logLevel != "" {
		level = app.logLevel
	}
	if err := logx.SetLevel(level); err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	sup, err := supervisor.New(cfg, app.metricsAddr)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return sup.Run(ctx)
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return supervisor.ExitOK
	case errors.Is(err, config.ErrInvalid):
		return supervisor.ExitConfigError
	case errors.Is(err, supervisor.ErrStateStore):
		return supervisor.ExitStateStoreErr
	case errors.Is(err, supervisor.ErrIdentity):
		return supervisor.ExitIdentityErr
	default:
		return supervisor.ExitConfigError
	}
}
