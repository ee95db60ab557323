package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/funding-intake/internal/model"
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Submit and inspect opportunity sources",
	Long:  "Commands for submitting sources, listing them by state and checking pilot progress and performance.",
}

// -- source submit --

var sourceSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Validate a source submission and start its lifecycle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		var sub model.SourceSubmission
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			if err := readJSONFile(path, &sub); err != nil {
				return err
			}
		}
		applySubmissionFlags(cmd, &sub)

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Lifecycle.SubmitSource(ctx, sub)
		if err != nil {
			return eris.Wrap(err, "source submit")
		}
		return printJSON(os.Stdout, rec)
	},
}

func applySubmissionFlags(cmd *cobra.Command, sub *model.SourceSubmission) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("name"); v != "" {
		sub.Name = v
	}
	if v, _ := flags.GetString("url"); v != "" {
		sub.URL = v
	}
	if v, _ := flags.GetString("org"); v != "" {
		sub.OrganizationName = v
	}
	if v, _ := flags.GetString("org-url"); v != "" {
		sub.OrganizationURL = v
	}
	if v, _ := flags.GetString("email"); v != "" {
		sub.SubmitterEmail = v
	}
	if v, _ := flags.GetStringSlice("sample"); len(v) > 0 {
		sub.SampleURLs = v
	}
	if v, _ := flags.GetString("classification"); v != "" {
		sub.Classification = model.Classification(v)
	}
}

// -- source list --

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources, optionally by state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		raw, _ := cmd.Flags().GetStringSlice("state")
		states := make([]model.SourceState, 0, len(raw))
		for _, s := range raw {
			states = append(states, model.SourceState(s))
		}

		srcs, err := st.ListSources(ctx, states...)
		if err != nil {
			return eris.Wrap(err, "source list")
		}
		if len(srcs) == 0 {
			fmt.Fprintln(os.Stderr, "No sources found.")
			return nil
		}
		formatSources(os.Stdout, srcs)
		return nil
	},
}

// -- source status --

var sourceStatusCmd = &cobra.Command{
	Use:   "status <source-id>",
	Short: "Show a source's pilot progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		status, err := env.Lifecycle.PilotStatus(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "source status")
		}
		return printJSON(os.Stdout, status)
	},
}

// -- source evaluate --

var sourceEvaluateCmd = &cobra.Command{
	Use:   "evaluate <source-id>",
	Short: "Compute a source's performance snapshot without acting on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Lifecycle.EvaluatePerformance(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "source evaluate")
		}
		return printJSON(os.Stdout, snap)
	},
}

// -- source history --

var sourceHistoryCmd = &cobra.Command{
	Use:   "history <source-id>",
	Short: "Show a source's state transitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		hist, err := st.StateHistory(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "source history")
		}
		return printJSON(os.Stdout, hist)
	},
}

func init() {
	f := sourceSubmitCmd.Flags()
	f.String("file", "", "submission JSON file, or - for stdin")
	f.String("name", "", "source name")
	f.String("url", "", "source URL")
	f.String("org", "", "publishing organization name")
	f.String("org-url", "", "publishing organization URL")
	f.String("email", "", "submitter email")
	f.StringSlice("sample", nil, "sample opportunity URL (repeatable)")
	f.String("classification", "", "feed, api, page, pdf or social (derived from the URL when empty)")

	sourceListCmd.Flags().StringSlice("state", nil, "filter by state (repeatable)")

	sourceCmd.AddCommand(sourceSubmitCmd, sourceListCmd, sourceStatusCmd, sourceEvaluateCmd, sourceHistoryCmd)
	rootCmd.AddCommand(sourceCmd)
}
