// Command statecraft boots the orchestrator: it loads a machine
// definition, starts one instance of it, and serves the admin/inspection
// API until terminated.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/statecraftio/statecraft/pkg/config"
	"github.com/statecraftio/statecraft/pkg/core"
	"github.com/statecraftio/statecraft/pkg/orchestrator"
	"github.com/statecraftio/statecraft/pkg/statechart"
)

// appConfig is loaded from the YAML file named by STATECRAFT_CONFIG, when
// set, else from defaultConfig(); either way STATECRAFT_* environment
// variables override it, in the teacher's config.LoadWithEnv idiom.
type appConfig struct {
	AdminAddr     string `yaml:"adminAddr"`
	MachineFile   string `yaml:"machineFile"`
	MachineName   string `yaml:"machineName"`
	StrictRouting bool   `yaml:"strictRouting"`
}

func defaultConfig() appConfig {
	return appConfig{
		AdminAddr:     ":8080",
		MachineFile:   "machine.json",
		MachineName:   "main",
		StrictRouting: true,
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := core.NewDefaultLogger()

	cfg := defaultConfig()
	if path := os.Getenv("STATECRAFT_CONFIG"); path != "" {
		if err := config.LoadWithEnv(path, "STATECRAFT", &cfg); err != nil {
			log.Fatalf("statecraft: loading config: %v", err)
		}
	} else {
		_ = config.ApplyEnvOverrides("STATECRAFT", &cfg)
	}

	doc, err := os.ReadFile(cfg.MachineFile)
	if err != nil {
		log.Fatalf("statecraft: reading machine definition %s: %v", cfg.MachineFile, err)
	}
	machine, err := statechart.Load(doc)
	if err != nil {
		log.Fatalf("statecraft: loading machine definition: %v", err)
	}

	registry := statechart.NewRegistry()
	registerBuiltinGuardsAndActions(registry)

	vertx := core.NewVertx(ctx)
	eventBus := vertx.EventBus()

	unknownTarget := orchestrator.BestEffort
	if cfg.StrictRouting {
		unknownTarget = orchestrator.Strict
	}
	orch := orchestrator.New(registry, orchestrator.Config{
		UnknownTarget: unknownTarget,
		EventBus:      eventBus,
		BusPrefix:     "statechart",
		Logger:        logger,
	})
	orch.RegisterTemplate(cfg.MachineName, machine)

	id, err := orch.StartMachine(ctx, cfg.MachineName, machine.ID)
	if err != nil {
		log.Fatalf("statecraft: starting initial machine: %v", err)
	}
	logger.Infof("started machine %s (template %s)", id, cfg.MachineName)

	admin := statechart.NewAdminServer(cfg.AdminAddr, orch, logger)
	go func() {
		if err := admin.Start(); err != nil {
			logger.Errorf("admin server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := admin.Stop(); err != nil {
		logger.Errorf("admin server shutdown: %v", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("orchestrator shutdown: %v", err)
	}
	if err := eventBus.Close(); err != nil {
		logger.Errorf("event bus close: %v", err)
	}
}

// registerBuiltinGuardsAndActions wires the Guard/Action combinators every
// machine definition can reference by name, regardless of which machine
// file is loaded.
func registerBuiltinGuardsAndActions(registry *statechart.Registry) {
	registry.Guard("always", statechart.AlwaysAllow())
	registry.Guard("never", statechart.NeverAllow())
	registry.Action("log", statechart.LogAction(func(msg string) {
		fmt.Println(msg)
	}))
	registry.Action("noop", statechart.NoOpAction())

	// Guards and services exercised by the bundled sample machine.json.
	registry.Guard("hasItems", func(_ context.Context, c statechart.ContextView, _ map[string]statechart.Value) (bool, error) {
		items, ok := c.Get("items")
		return !ok || items.Int() > 0, nil
	})
	registry.Guard("canRetry", func(_ context.Context, c statechart.ContextView, _ map[string]statechart.Value) (bool, error) {
		retries, _ := c.Get("retries")
		return retries.Int() < 3, nil
	})
	registry.Service("chargeCard", func(_ context.Context, _ statechart.ContextView, _ map[string]statechart.Value) (map[string]statechart.Value, error) {
		return map[string]statechart.Value{"authorized": statechart.BoolVal(true)}, nil
	})
	registry.Action("bumpRetries", func(_ context.Context, c *statechart.ContextStore, _ map[string]statechart.Value) error {
		current, _ := c.Get("retries")
		c.Set("retries", statechart.IntVal(current.Int()+1))
		return nil
	})
}
