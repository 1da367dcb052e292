package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

var (
	runsSource string
	runsStatus string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and retry import runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Source: runsSource,
			Status: model.RunStatus(runsStatus),
			Limit:  runsLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(runs)
	},
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show one run with its counters, stage digests, and anomaly flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		if run == nil {
			return eris.Errorf("run %s not found", args[0])
		}
		flags, err := st.ListAnomalyFlags(ctx, run.ID)
		if err != nil {
			return err
		}

		return printJSON(struct {
			Run   *model.Run          `json:"run"`
			Flags []model.AnomalyFlag `json:"anomaly_flags,omitempty"`
		}{run, flags})
	},
}

var runsRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Re-run a finished run with its original parameters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := initRunner(st).Retry(ctx, args[0])
		if run != nil {
			if perr := printJSON(run); perr != nil {
				return perr
			}
		}
		return err
	},
}

func init() {
	runsListCmd.Flags().StringVar(&runsSource, "source", "", "filter by source system")
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "filter by run status")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")
	runsCmd.AddCommand(runsListCmd, runsStatusCmd, runsRetryCmd)
	rootCmd.AddCommand(runsCmd)
}
