package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/api"
)

const shutdownTimeout = 15 * time.Second

var (
	servePort          int
	serveWithScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the intake HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if serveWithScheduler {
			sched, err := buildScheduler(ctx, env)
			if err != nil {
				return err
			}
			go sched.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildHandler(env),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return runServer(ctx, srv)
	},
}

func buildHandler(env *intakeEnv) http.Handler {
	return api.NewRouter(api.Deps{
		Intake:      env.Intake,
		Lifecycle:   env.Lifecycle,
		Store:       env.Store,
		Metrics:     env.Metrics,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
}

// runServer serves until ctx is done, then shuts down gracefully.
func runServer(ctx context.Context, srv *http.Server) error {
	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWithScheduler, "with-scheduler", false, "also run the evaluation and monitoring schedule in-process")
	rootCmd.AddCommand(serveCmd)
}
