package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/company-detail/internal/model"
	"github.com/sells-group/company-detail/internal/store"
)

var (
	runsStatus    string
	runsCompanyID string
	runsSessionID string
	runsLimit     int
	runsShowTrace bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored extraction runs",
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

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:    model.RunStatus(runsStatus),
			CompanyID: runsCompanyID,
			SessionID: runsSessionID,
			Limit:     runsLimit,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run, optionally with its trace spans",
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

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return err
		}

		out := map[string]any{"run": run}
		if runsShowTrace && run.TraceID != "" {
			spans, err := st.ListSpans(ctx, run.TraceID)
			if err != nil {
				return err
			}
			out["spans"] = spans
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by run status")
	runsCmd.Flags().StringVar(&runsCompanyID, "company-id", "", "filter by company id")
	runsCmd.Flags().StringVar(&runsSessionID, "session", "", "filter by session id")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum runs to list")

	runsShowCmd.Flags().BoolVar(&runsShowTrace, "trace", false, "include the run's trace spans")

	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
