package main

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

var (
	remediateSet    []string
	remediateNote   string
	violationsRunID string
	violationsRule  string
	violationsLimit int
)

var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "List open validation violations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		violations, err := st.ListViolations(ctx, store.ViolationFilter{
			RunID:    violationsRunID,
			Status:   model.ViolationOpen,
			RuleCode: violationsRule,
			Limit:    violationsLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(violations)
	},
}

var remediateCmd = &cobra.Command{
	Use:   "remediate <violation-id>",
	Short: "Edit a quarantined record's fields and load the corrected row",
	Long:  "Applies field edits on top of the quarantined payload, reruns the full rule set, and on success appends a corrected staged row and drives it into the canonical store. The original row stays quarantined for audit. An empty value (--set field=) clears the field.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrap(err, "parse violation id")
		}

		edited, err := parseSetFlags(remediateSet)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		outcome, err := initRunner(st).Remediate(ctx, id, edited, remediateNote)
		if err != nil {
			return err
		}
		return printJSON(outcome)
	},
}

func parseSetFlags(pairs []string) (map[string]string, error) {
	edited := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		field, value, ok := strings.Cut(pair, "=")
		if !ok || field == "" {
			return nil, eris.Errorf("invalid --set %q, want field=value", pair)
		}
		edited[field] = value
	}
	return edited, nil
}

func init() {
	violationsCmd.Flags().StringVar(&violationsRunID, "run", "", "filter by run id")
	violationsCmd.Flags().StringVar(&violationsRule, "rule", "", "filter by rule code")
	violationsCmd.Flags().IntVar(&violationsLimit, "limit", 50, "maximum violations to list")

	remediateCmd.Flags().StringArrayVar(&remediateSet, "set", nil, "field edit as field=value, repeatable")
	remediateCmd.Flags().StringVar(&remediateNote, "note", "", "remediation note")

	rootCmd.AddCommand(violationsCmd, remediateCmd)
}
