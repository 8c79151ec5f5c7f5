package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var experimentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List run records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := buildEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			records, err := eng.orch.ListRuns(cmd.Context(), experimentID)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no runs")
				return nil
			}
			for _, r := range records {
				fmt.Printf("%s  %-9s  seed=%-12d  %s\n", r.ID, r.Status, r.Seed, r.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&experimentID, "experiment", "", "filter by experiment id")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			record, err := eng.orch.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(record, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print a run's captured log lines in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			lines, err := eng.orch.Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, line := range lines {
				scope := line.Stage
				if line.Hook != "" {
					scope += "/" + line.Hook
				}
				fmt.Printf("%4d  %-32s  %s\n", line.Seq, scope, line.Msg)
			}
			return nil
		},
	}
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Replay a run's recorded event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			events, err := eng.orch.StreamEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, ev := range events {
				data, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			}
			return nil
		},
	}
}
