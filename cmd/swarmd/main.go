// Command swarmd is the coordinator's single entrypoint: no subcommands,
// per spec.md §6 ("A single executable with no subcommands; launching it
// starts the coordinator"). Flag parsing still goes through cobra, the
// teacher's own CLI library, even though there is only one command to
// parse flags for.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/baiirun/swarmd/internal/config"
	"github.com/baiirun/swarmd/internal/coordinator"
)

func main() {
	root := &cobra.Command{
		Use:   "swarmd",
		Short: "Local process-supervision coordinator for agent CLI children",
		Long: `swarmd watches a filesystem spool directory for JSON work requests and
realizes each accepted one as a supervised child process running an
interactive agent CLI, with a bounded concurrency ceiling, a two-phase
health-probe-then-spawn sequence, and a progressive-timeout/heartbeat
controller driven by output activity.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	root.Flags().String("config", "", "path to an optional YAML config file (overrides $SWARMD_CONFIG)")
	root.Flags().String("metrics-addr", "", "address to serve Prometheus /metrics on, e.g. :9090 (overrides $METRICS_ADDR)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "swarmd: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		os.Setenv("SWARMD_CONFIG", configPath)
	}

	cfg, err := config.Load(log)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if metricsAddr, _ := cmd.Flags().GetString("metrics-addr"); metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("swarmd: shutdown signal received", "signal", sig)
		cancel()
	}()

	registry := prometheus.NewRegistry()
	coord := coordinator.New(cfg, registry)

	if cfg.MetricsAddr != "" {
		go coordinator.ServeMetrics(ctx, cfg.MetricsAddr, registry, log)
	}

	log.Info("swarmd: starting", "swarmDir", cfg.SwarmDir, "maxConcurrentAgents", cfg.MaxConcurrentAgents, "agentBinary", cfg.AgentBinary)
	return coord.Run(ctx)
}
