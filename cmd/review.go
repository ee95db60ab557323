package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/store"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the human review queue",
}

// -- review list --

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review items, highest priority first",
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

		kind, _ := cmd.Flags().GetString("kind")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		items, err := st.ListReviews(ctx, store.ReviewFilter{
			Kind:   model.ReviewKind(kind),
			Status: model.ReviewStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "review list")
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No review items found.")
			return nil
		}
		formatReviews(os.Stdout, items)
		return nil
	},
}

// -- review resolve --

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve <review-id>",
	Short: "Approve or reject a pending review item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		reject, _ := cmd.Flags().GetBool("reject")
		reviewer, _ := cmd.Flags().GetString("reviewer")
		note, _ := cmd.Flags().GetString("note")

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := resolveReview(cmd, env, args[0], !reject, reviewer, note)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, out)
	},
}

// resolveReview settles a review item through the service that owns its
// subject.
func resolveReview(cmd *cobra.Command, env *intakeEnv, id string, approve bool, reviewer, note string) (any, error) {
	ctx := cmd.Context()

	item, err := env.Store.GetReview(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "review resolve")
	}

	switch item.Kind {
	case model.ReviewSource:
		rec, err := env.Lifecycle.ResolveSourceReview(ctx, id, approve, reviewer, note)
		if err != nil {
			return nil, eris.Wrap(err, "review resolve")
		}
		return rec, nil
	case model.ReviewCandidate:
		status, err := env.Intake.ResolveCandidateReview(ctx, id, approve, reviewer, note)
		if err != nil {
			return nil, eris.Wrap(err, "review resolve")
		}
		return map[string]any{"review_id": id, "status": status}, nil
	default:
		return nil, eris.Errorf("review resolve: unknown review kind %q", item.Kind)
	}
}

func init() {
	reviewListCmd.Flags().String("kind", "", "filter by kind (source or candidate)")
	reviewListCmd.Flags().String("status", string(model.ReviewPending), "filter by status")
	reviewListCmd.Flags().Int("limit", 50, "maximum number of items")

	reviewResolveCmd.Flags().Bool("reject", false, "reject instead of approve")
	reviewResolveCmd.Flags().String("reviewer", "", "reviewer identity")
	_ = reviewResolveCmd.MarkFlagRequired("reviewer")
	reviewResolveCmd.Flags().String("note", "", "resolution note")

	reviewCmd.AddCommand(reviewListCmd, reviewResolveCmd)
	rootCmd.AddCommand(reviewCmd)
}
