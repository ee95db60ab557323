package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/funding-intake/internal/intake"
	"github.com/sells-group/funding-intake/internal/model"
)

var candidateCmd = &cobra.Command{
	Use:   "candidate",
	Short: "Evaluate and vote on opportunity candidates",
}

// -- candidate evaluate --

var candidateEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one candidate through dedup, resolution and routing",
	Long:  "Reads a candidate JSON document (--file, or - for stdin) and prints the evaluation.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		var c model.Candidate
		if err := readJSONFile(path, &c); err != nil {
			return err
		}

		var opts intake.Options
		if cmd.Flags().Changed("relevance") {
			v, _ := cmd.Flags().GetFloat64("relevance")
			opts.Relevance = &v
		}
		if cmd.Flags().Changed("accuracy") {
			v, _ := cmd.Flags().GetFloat64("accuracy")
			opts.Accuracy = &v
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		ev, err := env.Intake.EvaluateCandidate(ctx, c, opts)
		if err != nil {
			return eris.Wrap(err, "candidate evaluate")
		}
		return printJSON(os.Stdout, ev)
	},
}

// -- candidate vote --

var candidateVoteCmd = &cobra.Command{
	Use:   "vote <candidate-id>",
	Short: "Record a community vote on a candidate under community review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		voter, _ := cmd.Flags().GetString("voter")
		reject, _ := cmd.Flags().GetBool("reject")

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		tally, status, err := env.Intake.RecordCommunityVote(ctx, args[0], voter, !reject)
		if err != nil {
			return eris.Wrap(err, "candidate vote")
		}
		return printJSON(os.Stdout, map[string]any{"tally": tally, "status": status})
	},
}

func init() {
	candidateEvaluateCmd.Flags().String("file", "", "candidate JSON file, or - for stdin")
	_ = candidateEvaluateCmd.MarkFlagRequired("file")
	candidateEvaluateCmd.Flags().Float64("relevance", 0, "caller-supplied relevance score in [0,1]")
	candidateEvaluateCmd.Flags().Float64("accuracy", 0, "caller-supplied accuracy score in [0,1]")

	candidateVoteCmd.Flags().String("voter", "", "voter identity")
	_ = candidateVoteCmd.MarkFlagRequired("voter")
	candidateVoteCmd.Flags().Bool("reject", false, "vote to reject instead of approve")

	candidateCmd.AddCommand(candidateEvaluateCmd, candidateVoteCmd)
	rootCmd.AddCommand(candidateCmd)
}
