// Command vaultkeepd boots the plugin runtime host: loads configuration,
// normalises policy, wires the registry/session cache/activation engine
// into a Host, starts the diagnostics HTTP surface and the scheduled
// maintenance ticker, and blocks until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vaultkeep/vaultkeep/internal/config"
	"github.com/vaultkeep/vaultkeep/internal/diagnostics"
	"github.com/vaultkeep/vaultkeep/internal/host"
	"github.com/vaultkeep/vaultkeep/internal/logging"
	"github.com/vaultkeep/vaultkeep/internal/maintenance"
	"github.com/vaultkeep/vaultkeep/internal/policy"
	"github.com/vaultkeep/vaultkeep/internal/registry"
	"github.com/vaultkeep/vaultkeep/internal/store"
	"github.com/vaultkeep/vaultkeep/internal/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "vaultkeepd",
		Short: "vaultkeep plugin runtime host",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to an optional policy config file")

	if err := root.Execute(); err != nil {
		color.Red("vaultkeepd: %v", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Initialize(cfg.LogLevel, cfg.LogPretty)
	pol := policy.Normalize(cfg.Policy)

	var manifestStore registry.ManifestStore
	if cfg.DatabaseDSN != "" {
		s, err := store.Open(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("open manifest store: %w", err)
		}
		defer s.Close()
		manifestStore = s
	}

	spawn := host.DefaultSpawner(func() (string, error) {
		return transport.ResolveWorkerBinary(os.Getenv(cfg.WorkerBinEnv), "pluginworker", exec.LookPath)
	})

	h := host.New(manifestStore, pol, spawn)

	if pqStore, ok := manifestStore.(*store.Store); ok {
		manifests, err := pqStore.LoadAll()
		if err != nil {
			logging.Log.Warn().Err(err).Msg("failed to load stored manifests")
		} else {
			h.Registry.LoadStoredManifests(manifests)
		}
	}

	diag := diagnostics.New(h)
	httpServer := &http.Server{Addr: cfg.DiagnosticsAddr, Handler: diag.Handler()}

	go func() {
		color.Green("vaultkeepd: diagnostics listening on %s", cfg.DiagnosticsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.Error().Err(err).Msg("diagnostics server stopped")
		}
	}()

	sched, err := maintenance.New(h, cfg.IdleSweepCron)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	h.Trigger(context.Background(), "on_startup_finished")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	color.Yellow("vaultkeepd: shutting down")
	_ = httpServer.Shutdown(context.Background())
	h.Shutdown()
	return nil
}
