package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/BTreeMap/StagePipe/internal/api"
	"github.com/BTreeMap/StagePipe/internal/flow"
	"github.com/BTreeMap/StagePipe/internal/lockfile"
	"github.com/BTreeMap/StagePipe/internal/schema"
	"github.com/BTreeMap/StagePipe/internal/speech"
	"github.com/BTreeMap/StagePipe/internal/store"
	"github.com/spf13/cobra"
)

func newServeCommand(cfg *appConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve conversations over HTTP and websocket",
		Example: "  StagePipe serve --api-addr :8080",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	cmd.Flags().StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "transcript archive DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)")
	cmd.Flags().IntVar(&cfg.HistoryTurns, "history-turns", cfg.HistoryTurns, "past turns sent to the LLM (overrides $STAGEPIPE_HISTORY_TURNS)")
	return cmd
}

func runServe(ctx context.Context, cfg *appConfig, speechLog io.Writer) error {
	agent, err := schema.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}

	if err := ensureDirectoriesExist(cfg); err != nil {
		return err
	}
	if cfg.usesSQLite() {
		lock, err := lockfile.Acquire(cfg.StateDir, "StagePipe serve")
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("failed to release state directory lock", "error", err)
			}
		}()
	}

	dsn := cfg.archiveDSN()
	slog.Debug("Opening transcript archive", "dsn_type", store.DetectDSNType(dsn), "dsn_set", cfg.DatabaseURL != "")
	st, err := store.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to open transcript archive: %w", err)
	}
	defer st.Close()

	engine, err := flow.NewEngine(agent, flow.WithRecorder(flow.NewStoreRecorder(st)))
	if err != nil {
		return err
	}
	client, err := newLLMClient(cfg, agent)
	if err != nil {
		return err
	}

	apiOpts := buildAPIOptions(cfg)
	apiOpts = append(apiOpts, api.WithSpeechOutput(speech.OutputFunc(func(ctx context.Context, sessionID, text string) error {
		_, err := fmt.Fprintf(speechLog, "[%s] Agent: %s\n", shortID(sessionID), text)
		return err
	})))
	if cfg.twilioConfigured() {
		sender, err := speech.NewTwilioClient(buildTwilioOptions(cfg)...)
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		apiOpts = append(apiOpts, api.WithMessageSender(sender))
	}

	slog.Info("Bootstrapping StagePipe server", "agent", agent.AgentConfig.Name, "stages", len(agent.Flow.Stages),
		"api_addr", cfg.APIAddr, "llm", client != nil, "twilio", cfg.twilioConfigured())
	if err := api.NewServer(engine, st, client, apiOpts...).Run(ctx); err != nil {
		return err
	}
	slog.Info("StagePipe exited successfully")
	return nil
}

// shortID trims a session id for console output.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
