// Package main is the claodex entry point: a terminal REPL that routes
// messages between a claude and a codex CLI session running in tmux
// windows.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joshuavictorchen/claodex/internal/bus"
	"github.com/joshuavictorchen/claodex/internal/collab"
	"github.com/joshuavictorchen/claodex/internal/config"
	"github.com/joshuavictorchen/claodex/internal/extractor"
	"github.com/joshuavictorchen/claodex/internal/inject"
	"github.com/joshuavictorchen/claodex/internal/model"
	"github.com/joshuavictorchen/claodex/internal/replctl"
	"github.com/joshuavictorchen/claodex/internal/router"
	"github.com/joshuavictorchen/claodex/internal/store"
)

var (
	claudeSessionFlag string
	codexSessionFlag  string
	claudeWindowFlag  string
	codexWindowFlag   string
	stateDirFlag      string
	collabTurnsFlag   int
)

var rootCmd = &cobra.Command{
	Use:   "claodex",
	Short: "Route messages between a claude and a codex CLI session",
	Long: `claodex tails both agents' JSONL session logs, composes the delta each
has missed since its peer last heard from it, and pastes that delta plus the
user's message into the target's tmux pane.

Environment:
  CLAODEX_POLL_INTERVAL_SECONDS   Idle poll cadence (default 0.5)
  CLAODEX_TURN_TIMEOUT_SECONDS    wait_for_response deadline (default 18000)
  CLAODEX_CLAUDE_DEBUG_DIR        Claude Stop-event debug log dir (default ~/.claude/debug)`,
	RunE: runREPL,
}

func init() {
	rootCmd.Flags().StringVar(&claudeSessionFlag, "claude-session", "", "path to claude's JSONL session log (required)")
	rootCmd.Flags().StringVar(&codexSessionFlag, "codex-session", "", "path to codex's JSONL session log (required)")
	rootCmd.Flags().StringVar(&claudeWindowFlag, "claude-window", "claude", "tmux window name running the claude CLI")
	rootCmd.Flags().StringVar(&codexWindowFlag, "codex-window", "codex", "tmux window name running the codex CLI")
	rootCmd.Flags().StringVar(&stateDirFlag, "state-dir", "", "directory for cursor/event/exchange state (default: ./.claodex)")
	rootCmd.Flags().IntVar(&collabTurnsFlag, "collab-turns", 20, "default turn budget for a /collab run")
	_ = rootCmd.MarkFlagRequired("claude-session")
	_ = rootCmd.MarkFlagRequired("codex-session")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runREPL(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	stateDir := stateDirFlag
	if stateDir == "" {
		stateDir = ".claodex"
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("claodex: create state dir: %w", err)
	}

	logger := slog.Default()

	ext, err := extractor.New([]extractor.Source{
		{Agent: model.Claude, SessionFile: claudeSessionFlag, DebugLogDir: cfg.ClaudeDebugDir},
		{Agent: model.Codex, SessionFile: codexSessionFlag},
	}, logger, nil)
	if err != nil {
		return fmt.Errorf("claodex: init extractor: %w", err)
	}

	participants, err := store.NewParticipantStore(filepath.Join(stateDir, "participants"), logger)
	if err != nil {
		return fmt.Errorf("claodex: init participant store: %w", err)
	}
	if err := registerParticipants(participants, claudeSessionFlag, codexSessionFlag, claudeWindowFlag, codexWindowFlag); err != nil {
		return fmt.Errorf("claodex: register participants: %w", err)
	}
	go func() {
		err := participants.WatchReRegistration(ctx, func(agent model.Agent, p model.Participant) {
			logger.Info("claodex: participant re-registered, switching session file", "agent", agent, "session_file", p.SessionFile)
			ext.Reregister(agent, p.SessionFile)
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("claodex: participant watch ended", "error", err)
		}
	}()

	cursors, err := store.NewCursorStore(filepath.Join(stateDir, "state"))
	if err != nil {
		return fmt.Errorf("claodex: init cursor store: %w", err)
	}

	injector, err := inject.New(inject.Windows{
		model.Claude: claudeWindowFlag,
		model.Codex:  codexWindowFlag,
	})
	if err != nil {
		return fmt.Errorf("claodex: init tmux injector: %w", err)
	}

	r, err := router.New(router.Config{Extractor: ext, Cursors: cursors, Injector: injector, Logger: logger})
	if err != nil {
		return fmt.Errorf("claodex: init router: %w", err)
	}

	eventBus, err := bus.New(filepath.Join(stateDir, "events.jsonl"), filepath.Join(stateDir, "metrics.json"), nil)
	if err != nil {
		return fmt.Errorf("claodex: init event bus: %w", err)
	}
	defer eventBus.Close()

	orchestrator, err := collab.New(collab.Config{
		Router:          r,
		Bus:             eventBus,
		Logger:          logger,
		PollInterval:    cfg.PollInterval,
		TurnTimeout:     cfg.TurnTimeout,
		ExchangeLogPath: filepath.Join(stateDir, "exchange.md"),
	})
	if err != nil {
		return fmt.Errorf("claodex: init collab orchestrator: %w", err)
	}

	shellModel := newShell(ctx)
	controller, err := replctl.New(replctl.Config{
		Router:      r,
		Collab:      orchestrator,
		Bus:         eventBus,
		Editor:      shellModel,
		CollabTurns: collabTurnsFlag,
	})
	if err != nil {
		return fmt.Errorf("claodex: init REPL controller: %w", err)
	}
	shellModel.controller = controller
	shellModel.pollInterval = cfg.PollInterval
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		shellModel.width, shellModel.height = w, h
	}

	program := tea.NewProgram(shellModel)
	go func() {
		<-ctx.Done()
		program.Quit()
	}()
	_, err = program.Run()
	return err
}

// registerParticipants writes the startup registration record for each
// agent, grounded on the CLI-provided session files and tmux window names.
// A later /resume inside either agent rewrites its own record with a new
// session_file; the participant store's watcher picks that up and the
// extractor re-points at the new log.
func registerParticipants(participants *store.ParticipantStore, claudeSession, codexSession, claudeWindow, codexWindow string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	now := time.Now()
	records := []model.Participant{
		{Agent: model.Claude, SessionFile: claudeSession, PaneHandle: claudeWindow, CWD: cwd, RegisteredAt: now},
		{Agent: model.Codex, SessionFile: codexSession, PaneHandle: codexWindow, CWD: cwd, RegisteredAt: now},
	}
	for _, p := range records {
		if err := participants.Register(p); err != nil {
			return err
		}
	}
	return nil
}
