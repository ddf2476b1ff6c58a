// Package replctl is the REPL controller: it consumes a line-event stream
// (Submit, ToggleTarget, Idle, Quit) and dispatches to the router or the
// collab orchestrator. The line editor itself — key bindings, rendering,
// bracketed-paste detection — is an external collaborator; the controller
// only needs a LineEditor to restore a prefill after an idle-triggered
// context switch, per the same "core treats it as an interface" boundary
// bramble draws around its own terminal integrations.
package replctl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/joshuavictorchen/claodex/internal/bus"
	"github.com/joshuavictorchen/claodex/internal/collab"
	"github.com/joshuavictorchen/claodex/internal/model"
	"github.com/joshuavictorchen/claodex/internal/router"
)

const (
	collabSignal   = "[COLLAB]"
	postHaltPrefix = "(collab halted by user)\n\n"
)

// defaultCollabTurns is used when no turn count is configured.
const defaultCollabTurns = 20

// LineEditor is the external line-editing surface. SetPrefill restores a
// draft after Idle hands control to collab, so the user's in-progress
// keystrokes are never silently discarded.
type LineEditor interface {
	SetPrefill(text string)
}

// Controller dispatches InputEvents to the router and collab orchestrator.
// Submit/ToggleTarget/Idle/Quit are only ever called from the single REPL
// goroutine; RequestHalt (via the "/halt" command or an external listener)
// may be called concurrently and is safe to call at any time.
type Controller struct {
	router      *router.Router
	collab      *collab.Orchestrator
	bus         *bus.Bus
	editor      LineEditor
	logger      *slog.Logger
	collabTurns int

	mu            sync.Mutex
	currentTarget model.Agent
	pasteActive   bool
	collabCancel  context.CancelFunc
	quit          bool
}

// Config bundles Controller's collaborators.
type Config struct {
	Router      *router.Router
	Collab      *collab.Orchestrator
	Bus         *bus.Bus
	Editor      LineEditor
	Logger      *slog.Logger
	StartTarget model.Agent
	CollabTurns int
}

// New constructs a Controller. StartTarget defaults to model.Claude;
// CollabTurns defaults to defaultCollabTurns.
func New(cfg Config) (*Controller, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("replctl: router is required")
	}
	if cfg.Collab == nil {
		return nil, fmt.Errorf("replctl: collab orchestrator is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("replctl: bus is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	target := cfg.StartTarget
	if target == "" {
		target = model.Claude
	}
	if !target.Valid() {
		return nil, fmt.Errorf("replctl: invalid start target %q", target)
	}
	turns := cfg.CollabTurns
	if turns == 0 {
		turns = defaultCollabTurns
	}
	return &Controller{
		router:        cfg.Router,
		collab:        cfg.Collab,
		bus:           cfg.Bus,
		editor:        cfg.Editor,
		logger:        cfg.Logger,
		collabTurns:   turns,
		currentTarget: target,
	}, nil
}

// CurrentTarget reports the agent the next Submit will address.
func (c *Controller) CurrentTarget() model.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTarget
}

// ToggleTarget flips current_target between the two agents. Disallowed
// while a collab run is active, since collab owns routing decisions.
func (c *Controller) ToggleTarget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collab.Active() {
		return
	}
	c.currentTarget = c.currentTarget.Peer()
}

// SetPasteActive suppresses Idle ticks while true. A caller that detects a
// bracketed-paste sequence sets it around that sequence, so a paste landing
// mid-keystroke is never mistaken for a completed idle poll window.
func (c *Controller) SetPasteActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pasteActive = active
}

// Quit cancels any in-flight collab run and closes the bus. Idempotent.
func (c *Controller) Quit() error {
	c.mu.Lock()
	if c.quit {
		c.mu.Unlock()
		return nil
	}
	c.quit = true
	cancel := c.collabCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.bus.Close()
}

// Done reports whether Quit has been called.
func (c *Controller) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quit
}

// Submit handles one line of user input: a slash command, a plain message
// to current_target in normal mode, or an interjection while collab is
// active.
func (c *Controller) Submit(ctx context.Context, text string) error {
	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if c.collab.Active() {
		if cmd, _, ok := parseCommand(text); ok && cmd == "halt" {
			c.collab.RequestHalt()
			return nil
		}
		c.collab.Interject(text)
		return nil
	}

	if cmd, arg, ok := parseCommand(text); ok {
		return c.runCommand(ctx, cmd, arg)
	}

	target := c.CurrentTarget()
	if c.collab.ConsumePostHalt() {
		text = postHaltPrefix + text
	}
	pendingID, blocks, err := c.router.SendUserMessage(target, text)
	if err != nil {
		_ = c.bus.Log(bus.KindError, err.Error(), model.Agent(""), target, nil)
		_ = c.bus.UpdateMetrics(func(m *bus.Metrics) { m.ErrorCount++ })
		return err
	}
	if err := c.bus.UpdateMetrics(func(m *bus.Metrics) { m.SentCount++ }); err != nil {
		c.logger.Warn("replctl: metrics update failed", "error", err)
	}
	return c.bus.Log(bus.KindSent, "user message sent", model.Agent(""), target, map[string]any{
		"pending_id":  pendingID,
		"block_count": len(blocks),
	})
}

// runCommand dispatches a parsed slash command. arg is the remainder of the
// input line after the command word.
func (c *Controller) runCommand(ctx context.Context, cmd, arg string) error {
	switch cmd {
	case "quit":
		return c.Quit()
	case "halt":
		// No collab active: nothing to halt.
		return nil
	case "status":
		return c.bus.Log(bus.KindStatus, "status requested", model.Agent(""), "", map[string]any{
			"current_target": string(c.CurrentTarget()),
			"collab_active":  c.collab.Active(),
		})
	case "collab":
		if arg == "" {
			return fmt.Errorf("replctl: /collab requires a message, e.g. \"/collab let's pair on this\"")
		}
		return c.startCollab(ctx, model.CollabRequest{
			Starter:        c.CurrentTarget(),
			Turns:          c.collabTurns,
			InitialMessage: arg,
		})
	default:
		return fmt.Errorf("replctl: unknown command /%s", cmd)
	}
}

// startCollab launches the orchestrator in its own goroutine so the REPL
// loop is never blocked by a multi-turn run.
func (c *Controller) startCollab(ctx context.Context, req model.CollabRequest) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.collabCancel = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		_, err := c.collab.Run(runCtx, req)
		if err != nil {
			c.logger.Warn("replctl: collab run ended with error", "error", err)
		}
		if c.editor != nil {
			c.editor.SetPrefill("")
		}
	}()
	return nil
}

// Idle is the periodic tick: for each agent with an outstanding pending
// watch, poll for a resolved turn. A resolved response whose last
// non-empty line is the [COLLAB] marker hands control to the orchestrator,
// seeded with the already-known response and blocks for exchange-log
// continuity. Idle ticks are suppressed while mid bracketed-paste or while
// collab already owns the loop.
func (c *Controller) Idle() error {
	c.mu.Lock()
	suppressed := c.pasteActive
	c.mu.Unlock()
	if suppressed || c.collab.Active() {
		return nil
	}

	for _, agent := range []model.Agent{model.Claude, model.Codex} {
		resp, blocks, err := c.router.PollForResponse(agent)
		if err != nil {
			_ = c.bus.Log(bus.KindError, err.Error(), agent, "", nil)
			_ = c.bus.UpdateMetrics(func(m *bus.Metrics) { m.ErrorCount++ })
			continue
		}
		if resp == nil {
			continue
		}
		if err := c.bus.Log(bus.KindRecv, "idle poll resolved response", agent, "", nil); err != nil {
			c.logger.Warn("replctl: bus log failed", "error", err)
		}
		if err := c.bus.UpdateMetrics(func(m *bus.Metrics) { m.RecvCount++ }); err != nil {
			c.logger.Warn("replctl: metrics update failed", "error", err)
		}

		if lastNonEmptyLine(resp.Text) == collabSignal {
			return c.startCollab(context.Background(), model.CollabRequest{
				Starter:        agent,
				Turns:          c.collabTurns,
				SeededResponse: resp.Text,
				SeededBlocks:   blocks,
				AgentInitiated: true,
			})
		}
	}
	return nil
}

// parseCommand recognizes a leading "/name [rest of line]" and returns its
// parts. arg is the trimmed remainder of the line, not just the next word,
// since /collab's argument is a full message.
func parseCommand(text string) (cmd, arg string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	rest := strings.TrimPrefix(text, "/")
	name, tail, _ := strings.Cut(rest, " ")
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(tail), true
}

// lastNonEmptyLine returns the last non-blank line of text, trimmed.
func lastNonEmptyLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
