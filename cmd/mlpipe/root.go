package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/mlpipe-go/pipeline"
	"github.com/dshills/mlpipe-go/pipeline/config"
	"github.com/dshills/mlpipe-go/pipeline/emit"
	"github.com/dshills/mlpipe-go/pipeline/stages"
)

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mlpipe",
		Short:        "Deterministic ML pipeline runs",
		Long:         "mlpipe executes frozen pipeline snapshots through the ten canonical stages\nand records auditable, replayable run records.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "mlpipe.yaml", "config file path")

	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newShowCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newEventsCmd())
	return root
}

// engine bundles everything a command needs to operate on runs.
type engine struct {
	cfg  config.Config
	orch *pipeline.Orchestrator
}

// buildEngine loads config and assembles the orchestrator with the
// configured backends.
func buildEngine(ctx context.Context, jsonEvents bool) (*engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	runStore, err := cfg.OpenRunStore()
	if err != nil {
		return nil, err
	}
	artifacts, err := cfg.OpenArtifactStore(ctx)
	if err != nil {
		return nil, err
	}
	provider := cfg.Provider()

	opts := cfg.Options()
	logic := stages.Default(provider, opts.Workers, nil)
	emitter := emit.NewLogEmitter(os.Stderr, jsonEvents || cfg.Logging.Format == "json")

	orch, err := pipeline.New(runStore, artifacts, provider, pipeline.NewFuncRunner(), logic, emitter, nil, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}
	return &engine{cfg: cfg, orch: orch}, nil
}
