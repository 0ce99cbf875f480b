package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sky93/dripflow/internal/config"
	"github.com/sky93/dripflow/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	dbDriver  string
	dbDSN     string
	backend   string

	// Set by loadConfig before any command runs.
	loader *config.Loader
	cfg    *config.Config
	logger *slog.Logger

	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "dripflow",
	Short: "Durable drip-campaign workflow engine",
	Long: `dripflow runs multi-step messaging workflows (onboarding drips, lead
follow-ups, birthday and anniversary reminders) on top of a durable delayed-job
queue with retries and per-subject deduplication.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Annotations[skipConfig] == "true" {
			return nil
		}
		return loadConfig(cmd)
	},
}

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip-config"

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return err
}

// SetVersion records build information for the version command.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./dripflow.yaml or ~/.config/dripflow/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "auto", "log format (auto, text, json)")
	pf.StringVar(&dbDriver, "db-driver", "sqlite", "database driver (sqlite, mysql, postgres)")
	pf.StringVar(&dbDSN, "dsn", "dripflow.db", "database DSN")
	pf.StringVar(&backend, "broker", "sql", "job broker backend (sql, redis)")
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":   "log.level",
	"log-format":  "log.format",
	"db-driver":   "database.driver",
	"dsn":         "database.dsn",
	"broker":      "broker.backend",
	"host":        "server.host",
	"port":        "server.port",
	"concurrency": "broker.concurrency",
}

// loadConfig builds a fresh viper instance per invocation so repeated
// Execute calls in one process do not share state.
func loadConfig(cmd *cobra.Command) error {
	v := viper.New()
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	loader = config.NewLoaderWithViper(v)
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	loaded, err := loader.Load()
	if err != nil {
		return err
	}
	cfg = loaded

	logger = logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	return nil
}
