package main

import (
	"context"
	"fmt"
	"time"

	"e2eheal/internal/inference"
	"e2eheal/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, ledger and model service readiness",
	Long: `Validates the configuration, opens the ledger and makes the configured
model service ready: for Ollama this starts the service when it is down and
pulls and warms the model when it is missing. Exits non-zero on any failure.`,
	RunE: runDoctor,
}

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage the local model service",
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List models installed in the local service",
	RunE:  runModelList,
}

var modelStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Unload the configured model from memory",
	RunE:  runModelStop,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	failed := false
	report := func(ok bool, label, detail string) {
		if !ok {
			failed = true
		}
		fmt.Fprintln(cmd.OutOrStdout(), check(ok, label, detail))
	}

	if err := cfg.Validate(); err != nil {
		report(false, "config", err.Error())
		return fmt.Errorf("doctor found problems")
	}
	report(true, "config", fmt.Sprintf("browser=%s retries=%d base_url=%s", cfg.Browser.Name, cfg.Runner.RetryCount, cfg.BaseURL))

	if ledger, err := store.NewLocalStore(cfg.LedgerPath()); err != nil {
		report(false, "ledger", err.Error())
	} else {
		stats, err := ledger.GetStats(ctx)
		if err != nil {
			report(false, "ledger", err.Error())
		} else {
			report(true, "ledger", fmt.Sprintf("%s (%d healing attempts, %d perf samples)",
				ledger.Path(), stats["healing_attempts"], stats["perf_samples"]))
		}
		_ = ledger.Close()
	}

	svc, err := inference.NewService(cfg.Healing)
	if err != nil {
		report(false, "model service", err.Error())
		return fmt.Errorf("doctor found problems")
	}
	if gw, ok := svc.(*inference.Gateway); ok {
		report(gw.HealthCheck(ctx), "ollama reachable", gw.Host())
	}

	start := time.Now()
	ready := svc.Ready(ctx)
	report(ready, "model ready", fmt.Sprintf("%s/%s in %s", svc.Name(), svc.Model(), time.Since(start).Round(time.Millisecond)))
	if !cfg.Healing.Enabled {
		fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("! healing is disabled in configuration"))
	}

	logger.Debug("doctor finished", zap.Bool("ready", ready), zap.Bool("failed", failed))
	if failed {
		return fmt.Errorf("doctor found problems")
	}
	return nil
}

func gateway() (*inference.Gateway, error) {
	svc, err := inference.NewService(cfg.Healing)
	if err != nil {
		return nil, err
	}
	gw, ok := svc.(*inference.Gateway)
	if !ok {
		return nil, fmt.Errorf("provider %q has no local model service", cfg.Healing.Provider)
	}
	return gw, nil
}

func runModelList(cmd *cobra.Command, args []string) error {
	gw, err := gateway()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	models, err := gw.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	t := newTable("Models on "+gw.Host(), "NAME", "SIZE", "MODIFIED", "")
	for _, m := range models {
		marker := ""
		if m.Name == gw.Model() {
			marker = okStyle.Render("configured")
		}
		t.add(m.Name, humanize.Bytes(uint64(m.Size)), humanize.Time(m.ModifiedAt), marker)
	}
	fmt.Fprint(cmd.OutOrStdout(), t)
	return nil
}

func runModelStop(cmd *cobra.Command, args []string) error {
	gw, err := gateway()
	if err != nil {
		return err
	}
	if err := gw.Unload(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), check(true, "unloaded", gw.Model()))
	return nil
}
