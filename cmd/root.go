package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "funding-intake",
	Short: "Funding opportunity intake and source lifecycle",
	Long: `Deduplicates, resolves and routes funding-opportunity candidates, and moves
submitted sources through validation, pilot and production.

Configuration comes from ./config.yaml (or --config) with INTAKE_* environment
overrides, e.g. INTAKE_STORE_DSN or INTAKE_ANTHROPIC_KEY.`,
	Example: `  funding-intake migrate
  funding-intake source submit --name "Research Council" --url https://grants.example.org/feed.xml
  funding-intake candidate evaluate --file candidate.json
  funding-intake serve --with-scheduler`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := config.LoadFile(flagString(cmd, "config"))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if lvl := flagString(cmd, "log-level"); lvl != "" {
			c.Log.Level = lvl
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level (debug, info, warn, error)")
}

// flagString reads a local or inherited persistent flag.
func flagString(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
