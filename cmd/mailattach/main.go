package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nhle/mailattach/internal/model"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPathFlag string
	logLevelFlag   string
)

// Loaded by the root PersistentPreRunE.
var (
	cfg    *model.AppConfig
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailattach",
	Short: "Fetch, cache and open mail attachments",
	Long: `mailattach resolves mail attachments to local files.

Each attachment is looked up in the local cache first, then fetched from the
mail service, decoded from an inline payload, or downloaded from its direct
URL, in that order. Cached files are kept for seven days.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := model.LoadConfig(configPathFlag)
		if err != nil {
			return err
		}
		if logLevelFlag != "" {
			loaded.Log.Level = logLevelFlag
		}
		cfg = loaded
		logger = newLogger(cfg.Log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", model.DefaultConfigPath(), "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(daemonCmd)
}

// newLogger builds the process logger from configuration. Logs go to
// stderr so stdout stays clean for paths printed by commands.
func newLogger(c model.LogConfig) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	if strings.EqualFold(c.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return l
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if model.IsAuthRequired(err) {
			fmt.Fprintln(os.Stderr, "Run `mailattach login` to store a new access token.")
		}
		stop()
		os.Exit(1)
	}
}
