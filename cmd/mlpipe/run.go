package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/mlpipe-go/pipeline"
)

func newRunCmd() *cobra.Command {
	var (
		name       string
		seed       int64
		seedSet    bool
		task       string
		target     string
		disabled   []string
		jsonEvents bool
	)

	cmd := &cobra.Command{
		Use:   "run <dataset-handle>",
		Short: "Execute a full pipeline run against a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seedSet = cmd.Flags().Changed("seed")

			eng, err := buildEngine(cmd.Context(), jsonEvents)
			if err != nil {
				return err
			}

			exp := pipeline.NewExperiment(name, args[0])
			if task != "" || target != "" {
				spec := exp.Pipeline.StageByKind(pipeline.StageTaskResolution)
				if task != "" {
					spec.Config["task"] = task
				}
				if target != "" {
					spec.Config["target_column"] = target
				}
			}
			for _, kind := range disabled {
				spec := exp.Pipeline.StageByKind(pipeline.StageKind(kind))
				if spec == nil {
					return fmt.Errorf("unknown stage kind %q", kind)
				}
				spec.Enabled = false
			}

			var seedPtr *int64
			if seedSet {
				seedPtr = &seed
			}
			view, err := eng.orch.CreateRun(cmd.Context(), exp, seedPtr)
			if err != nil {
				return err
			}
			fmt.Printf("created run %s (snapshot %s, seed %d)\n", view.ID, short(view.SnapshotID), view.Seed)

			if err := eng.orch.Start(cmd.Context(), view.ID); err != nil {
				return err
			}

			record, err := eng.orch.GetRun(cmd.Context(), view.ID)
			if err != nil {
				return err
			}
			fmt.Printf("run %s finished: %s\n", record.ID, record.Status)
			if record.Error != "" {
				fmt.Printf("  failing stage: %s\n  error: %s\n", record.FailingStage, record.Error)
			}
			for _, id := range record.ArtifactIDs {
				fmt.Printf("  artifact: %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "cli-run", "experiment name")
	cmd.Flags().Int64Var(&seed, "seed", 0, "explicit master seed (random when omitted)")
	cmd.Flags().StringVar(&task, "task", "", "task type: classification or regression (detected when omitted)")
	cmd.Flags().StringVar(&target, "target", "", "target column (last column when omitted)")
	cmd.Flags().StringSliceVar(&disabled, "disable", nil, "stage kinds to disable")
	cmd.Flags().BoolVar(&jsonEvents, "json-events", false, "emit the event stream as JSONL")
	return cmd
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
