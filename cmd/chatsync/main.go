package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/holon-run/chatsync/pkg/config"
	"github.com/holon-run/chatsync/pkg/log"
)

var (
	configPath   string
	logLevelFlag string
	logFormat    string

	// cfg is the effective configuration after flag overrides.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Reconcile chat protocol events into a transcript",
	Long: `chatsync folds the event stream of a streaming chat backend into an
ordered, de-duplicated transcript.

Events are read from NDJSON captures (replay) or from a live WebSocket
connection (watch).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = loaded

		logCfg, err := cfg.Logging()
		if err != nil {
			return err
		}
		logCfg.Output = os.Stderr
		if err := log.Init(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = log.Sync()
	},
}

// loadConfig reads --config, or the defaults, and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		c = loaded
	}
	if cmd.Flags().Changed("log-level") {
		c.Log.Level = logLevelFlag
	}
	if cmd.Flags().Changed("log-format") {
		c.Log.Format = logFormat
	}
	if err := c.Validate(); err != nil {
		return config.Config{}, err
	}
	return c, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to chatsync.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "progress", "Log level: debug, info, progress, minimal, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", log.FormatConsole, "Log format: console or json")
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
