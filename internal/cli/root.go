// Package cli implements the specwright command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "specwright",
	Short: "Spec-driven development orchestrator",
	Long: `specwright decomposes specs into chunks and drives each chunk through
execute, validate, review, and commit against an AI coding backend.

Each spec runs on its own branch in an isolated git worktree; passing
chunks are committed one by one and the branch is pushed with a pull
request at the end.

Quick start:
  specwright init                 Register the current project
  specwright new "Add auth"       Create a spec
  specwright chunk add <spec> …   Add chunks to it
  specwright run <spec>           Run the spec
  specwright status               Show specs and chunks`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.specwright/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newNewCmd())
	rootCmd.AddCommand(newChunkCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newAbortCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newWorktreesCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in the config file and SPECWRIGHT_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("$HOME/.specwright")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("SPECWRIGHT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	setupLogger()
}

// setupLogger routes slog to stderr. Debug level under --verbose; timestamps
// are dropped when stderr is a terminal.
func setupLogger() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	} else if !quiet {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}
