// Command StagePipe runs a configuration-driven stage flow agent as an interactive console session or as an
// HTTP/websocket service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	cfg, err := loadEnvironmentConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCommand(cfg).ExecuteContext(ctx); err != nil {
		slog.Error("StagePipe failed to run", "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func buildRootCommand(cfg *appConfig) *cobra.Command {
	closeLog := func() {}

	root := &cobra.Command{
		Use:   "StagePipe",
		Short: "Stage flow engine for configuration-driven conversational agents",
		Long: strings.TrimSpace(`StagePipe loads an agent configuration describing stages, prompts and transitions,
and drives conversations through it with an LLM that moves between stages using tools.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			fn, err := initializeLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			closeLog = fn
			slog.Debug("flags parsed",
				"config", cfg.ConfigPath,
				"stateDir", cfg.StateDir,
				"apiAddr", cfg.APIAddr,
				"logLevel", cfg.LogLevel,
				"logFormat", cfg.LogFormat,
				"logDir", cfg.LogDir)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeLog()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVarP(&cfg.ConfigPath, "config", "c", cfg.ConfigPath, "agent configuration file, JSON or YAML (overrides $CONFIG_PATH)")
	flags.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for StagePipe data (overrides $STAGEPIPE_STATE_DIR)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text, json or pretty (overrides $LOG_FORMAT)")
	flags.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "directory that also receives a per-run log file (overrides $LOG_DIR)")
	flags.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")

	root.AddCommand(newValidateCommand(cfg))
	root.AddCommand(newChatCommand(cfg))
	root.AddCommand(newServeCommand(cfg))
	return root
}
