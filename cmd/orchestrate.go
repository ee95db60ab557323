package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/lifecycle"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Run the lifecycle evaluation and monitoring schedule",
	Long:  "Activates approved sources, evaluates pilots whose window has closed, checks monitored sources on their classification cadence and sends reliability alerts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "orchestrate")
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := buildScheduler(ctx, env)
		if err != nil {
			return err
		}

		// Evaluate once up front so a restart does not wait a full period.
		if err := env.Lifecycle.Tick(ctx); err != nil {
			zap.L().Warn("initial evaluation tick failed", zap.Error(err))
		}

		sched.Run(ctx)
		return nil
	},
}

// buildScheduler registers the evaluation tick, the monitoring checks and
// the reliability alert check.
func buildScheduler(ctx context.Context, env *intakeEnv) (*lifecycle.Scheduler, error) {
	sched := lifecycle.NewScheduler()

	if err := sched.Add(ctx, "evaluate", cfg.Pilot.EvaluationSchedule, env.Lifecycle.Tick); err != nil {
		return nil, err
	}
	if err := sched.Add(ctx, "monitor", cfg.Monitoring.Schedule, func(ctx context.Context) error {
		_, err := env.Prober.CheckDue(ctx, time.Now())
		return err
	}); err != nil {
		return nil, err
	}
	if err := sched.Add(ctx, "alerts", cfg.Monitoring.Schedule, func(ctx context.Context) error {
		_, err := env.Checker.Check(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	return sched, nil
}

func init() {
	rootCmd.AddCommand(orchestrateCmd)
}
