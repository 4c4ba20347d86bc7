package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/tmcagent/pkg/account"
	"github.com/cuemby/tmcagent/pkg/bus"
	"github.com/cuemby/tmcagent/pkg/config"
	"github.com/cuemby/tmcagent/pkg/controller"
	"github.com/cuemby/tmcagent/pkg/discovery"
	"github.com/cuemby/tmcagent/pkg/log"
	"github.com/cuemby/tmcagent/pkg/metrics"
	"github.com/cuemby/tmcagent/pkg/mount"
	"github.com/cuemby/tmcagent/pkg/signalworker"
	"github.com/cuemby/tmcagent/pkg/tmcc"
)

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
	Use:     "tmcagentd",
	Short:   "tmcagentd reconciles a node's accounts, keys and mounts against a testbed controller",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tmcagentd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().StringP("config", "f", "", "path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	level := log.ParseLevel(logLevel)
	if env := os.Getenv("TMCAGENT_LOG"); env != "" {
		level = log.ParseLevel(env)
	}

	log.Init(log.Config{Level: level, JSONOutput: logJSON})
}

func run(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := account.CheckRequirements(); err != nil {
		return fmt.Errorf("account reconciler: %w", err)
	}
	if cfg.Automount.Enable {
		if err := mount.CheckRequirements(); err != nil {
			return fmt.Errorf("mount reconciler: %w", err)
		}
	}

	boss := cfg.TMCC.Boss
	if boss != "" && cfg.TMCC.Port != 0 && !strings.Contains(boss, ":") {
		boss = fmt.Sprintf("%s:%d", boss, cfg.TMCC.Port)
	}
	if boss == "" {
		log.Info("looking for the boss node")
		endpoint, err := discovery.Discover()
		if err != nil {
			return fmt.Errorf("discovering boss node: %w", err)
		}
		boss = endpoint.String()
	}

	client, err := tmcc.New(boss)
	if err != nil {
		return fmt.Errorf("connecting to boss node %s: %w", boss, err)
	}

	system, err := account.LoadSystemConfiguration(cfg.Autouser.AdminGroup)
	if err != nil {
		return fmt.Errorf("loading system configuration: %w", err)
	}

	b := bus.New()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("tmcc", true, "connected")
	metrics.RegisterComponent("discovery", true, "resolved")

	collector := bus.NewCollector(b)
	collector.Start()
	defer collector.Stop()

	go serveMetrics()

	workers := []bus.Worker{
		signalworker.New(b),
		controller.New(client, b, cfg.TMCC.ReportShutdown),
	}
	if cfg.Autouser.Enable {
		metrics.RegisterComponent("account", true, "reconciling")
		workers = append(workers, account.NewWorker(account.NewReconciler(system), b))
	}
	if cfg.Automount.Enable {
		metrics.RegisterComponent("mount", true, "reconciling")
		workers = append(workers, mount.NewWorker(mount.NewReconciler(cfg.Systemd.UnitDir), b))
	}

	bus.RunSupervised(context.Background(), workers)
	return nil
}

func serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	addr := "127.0.0.1:9090"
	log.WithComponent("metrics").Info().Str("addr", addr).Msg("serving metrics and health endpoints")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithComponent("metrics").Error().Err(err).Msg("metrics server exited")
	}
}
