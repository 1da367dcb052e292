package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ingest-cli/internal/model"
)

var (
	runDryRun   bool
	runFull     bool
	runPageSize int
	runLocation string
)

var runCmd = &cobra.Command{
	Use:   "run <source>|all",
	Short: "Execute an import run for one source, or all registered sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		r := initRunner(st)
		if err := r.SweepStale(ctx); err != nil {
			return err
		}

		params := model.RunParams{
			Full:     runFull,
			PageSize: runPageSize,
			Location: runLocation,
		}

		if args[0] == "all" {
			runs, err := r.RunAll(ctx, runDryRun)
			if perr := printJSON(runs); perr != nil {
				return perr
			}
			return err
		}

		run, err := r.Trigger(ctx, args[0], params, runDryRun)
		if run != nil {
			if perr := printJSON(run); perr != nil {
				return perr
			}
		}
		return err
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "resolve and count outcomes without writing to the canonical store")
	runCmd.Flags().BoolVar(&runFull, "full", false, "ignore the watermark and extract everything")
	runCmd.Flags().IntVar(&runPageSize, "page-size", 0, "extraction page size (default from config)")
	runCmd.Flags().StringVar(&runLocation, "location", "", "override the source file location for this run")
	rootCmd.AddCommand(runCmd)
}
