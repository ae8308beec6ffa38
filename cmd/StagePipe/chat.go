package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/StagePipe/internal/flow"
	"github.com/BTreeMap/StagePipe/internal/schema"
	"github.com/BTreeMap/StagePipe/internal/speech"
	"github.com/BTreeMap/StagePipe/internal/store"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  /state              print the session state as JSON
  /tool NAME [JSON]   run a stage tool, e.g. /tool move_to_next_stage {"target_stage":"billing"}
  /help               show this help
  exit                leave the session`

func newChatCommand(cfg *appConfig) *cobra.Command {
	return &cobra.Command{
		Use:     "chat",
		Short:   "Talk to the agent in an interactive console session",
		Example: "  StagePipe chat -c configs/default.json",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func runChat(ctx context.Context, cfg *appConfig, out io.Writer) error {
	agent, err := schema.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}

	// The console keeps its transcript in memory unless an archive database is configured explicitly.
	st, err := store.Open(cfg.DatabaseURL)
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

	session := engine.NewSession(flow.NewSessionID(), speech.NewWriterOutput(out, "Agent: "))
	c := newConsoleChat(flow.NewConversation(session, client), client != nil, out)

	fmt.Fprintf(out, "%s (stage flow %q, %d stages). Type /help for commands.\n",
		agent.AgentConfig.Name, agent.Flow.StartStage, len(agent.Flow.Stages))
	if _, err := c.conv.Start(ctx); err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".stagepipe_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "Goodbye!")
				return nil
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if c.handleLine(ctx, line) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// consoleChat applies console input to one conversation.
type consoleChat struct {
	conv *flow.Conversation
	llm  bool
	out  io.Writer
}

func newConsoleChat(conv *flow.Conversation, llm bool, out io.Writer) *consoleChat {
	return &consoleChat{conv: conv, llm: llm, out: out}
}

// handleLine processes one line of input and reports whether the console should exit.
func (c *consoleChat) handleLine(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	switch {
	case input == "":
		return false
	case input == "exit" || input == "quit":
		fmt.Fprintln(c.out, "Goodbye!")
		return true
	case input == "/help":
		fmt.Fprintln(c.out, chatHelp)
		return false
	case input == "/state":
		c.printState()
		return false
	case strings.HasPrefix(input, "/tool"):
		c.runTool(ctx, strings.TrimSpace(strings.TrimPrefix(input, "/tool")))
	default:
		c.utterance(ctx, input)
	}

	if c.conv.Session().Ended() {
		fmt.Fprintln(c.out, "[conversation ended]")
		return true
	}
	return false
}

func (c *consoleChat) printState() {
	data, err := json.MarshalIndent(c.conv.Session().Snapshot(), "", "  ")
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, string(data))
}

func (c *consoleChat) runTool(ctx context.Context, rest string) {
	name, args, _ := strings.Cut(rest, " ")
	if name == "" {
		fmt.Fprintln(c.out, "usage: /tool NAME [JSON]")
		return
	}
	raw := json.RawMessage(strings.TrimSpace(args))
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	exec, err := c.conv.InvokeTool(ctx, name, raw)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "[%s] %s -> %s: %s\n", exec.Tool, exec.Outcome.Kind, exec.Outcome.StageID, exec.Message)
}

func (c *consoleChat) utterance(ctx context.Context, text string) {
	if !c.llm {
		// Without an LLM the turn is still part of the transcript; stages move only through /tool.
		if err := c.conv.Session().RecordUserUtterance(ctx, text); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, "(no LLM configured, use /tool to move between stages)")
		return
	}
	if _, err := c.conv.HandleUtterance(ctx, text); err != nil {
		slog.Warn("consoleChat.utterance: turn failed", "sessionID", c.conv.ID(), "error", err)
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
}
