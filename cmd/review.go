package main

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ingest-cli/internal/merge"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/internal/survivor"
)

var (
	reviewRunID    string
	reviewDecision string
	reviewLimit    int
	reviewBy       string
	reviewNote     string
	undoForce      bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the dedupe review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dedupe candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		candidates, err := st.ListCandidates(ctx, store.CandidateFilter{
			RunID:    reviewRunID,
			Decision: model.CandidateDecision(reviewDecision),
			Limit:    reviewLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(candidates)
	},
}

var reviewAcceptCmd = &cobra.Command{
	Use:   "accept <candidate-id>",
	Short: "Accept a candidate and merge the pair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrap(err, "parse candidate id")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		eng := merge.NewEngine(st, survivor.NewPolicy(cfg.Survivorship))
		rec, err := eng.AcceptCandidate(ctx, id, reviewBy, reviewNote)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

func decideCmd(use, short string, decision model.CandidateDecision) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return eris.Wrap(err, "parse candidate id")
			}

			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			return st.DecideCandidate(ctx, id, decision, reviewBy, reviewNote)
		},
	}
}

var mergesCmd = &cobra.Command{
	Use:   "merges",
	Short: "Inspect and reverse contact merges",
}

var mergesUndoCmd = &cobra.Command{
	Use:   "undo <merge-id>",
	Short: "Reverse a merge from its snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrap(err, "parse merge id")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		eng := merge.NewEngine(st, survivor.NewPolicy(cfg.Survivorship))
		return eng.Undo(ctx, id, undoForce)
	},
}

func init() {
	reviewListCmd.Flags().StringVar(&reviewRunID, "run", "", "filter by run id")
	reviewListCmd.Flags().StringVar(&reviewDecision, "decision", string(model.DecisionPending), "filter by decision state")
	reviewListCmd.Flags().IntVar(&reviewLimit, "limit", 50, "maximum candidates to list")

	reviewCmd.PersistentFlags().StringVar(&reviewBy, "by", "", "reviewer identity recorded on the decision")
	reviewCmd.PersistentFlags().StringVar(&reviewNote, "note", "", "decision note")

	reviewCmd.AddCommand(
		reviewListCmd,
		reviewAcceptCmd,
		decideCmd("reject <candidate-id>", "Reject a candidate, keeping both contacts", model.DecisionRejected),
		decideCmd("defer <candidate-id>", "Defer a candidate for later review", model.DecisionDeferred),
	)

	mergesUndoCmd.Flags().BoolVar(&undoForce, "force", false, "undo even if the survivor changed since the merge")
	mergesCmd.AddCommand(mergesUndoCmd)

	rootCmd.AddCommand(reviewCmd, mergesCmd)
}
