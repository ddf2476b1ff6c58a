// Package collab implements the turn-based collaboration orchestrator: it
// drives repeated send/wait cycles between the two agents once either the
// user or an agent's trailing [COLLAB] marker starts a run, replays queued
// interjections exactly once to each peer, watches for the [CONVERGED]
// handshake, and applies the termination-trigger table's cursor-sync scope
// on every exit path.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuavictorchen/claodex/internal/bus"
	"github.com/joshuavictorchen/claodex/internal/model"
	"github.com/joshuavictorchen/claodex/internal/router"
)

var bothAgents = []model.Agent{model.Claude, model.Codex}

// Config bundles Orchestrator's collaborators.
type Config struct {
	Router          *router.Router
	Bus             *bus.Bus
	Logger          *slog.Logger
	Now             func() time.Time
	PollInterval    time.Duration
	TurnTimeout     time.Duration
	ExchangeLogPath string
}

// Orchestrator runs one collab session at a time. Interject and RequestHalt
// are safe to call from the REPL controller's goroutine while Run is in
// progress on another.
type Orchestrator struct {
	router          *router.Router
	bus             *bus.Bus
	logger          *slog.Logger
	now             func() time.Time
	pollInterval    time.Duration
	turnTimeout     time.Duration
	exchangeLogPath string

	halt     atomic.Bool
	postHalt atomic.Bool

	mu      sync.Mutex
	session *model.CollabSession
}

// New constructs an Orchestrator from cfg, applying defaults for
// zero-valued fields.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("collab: router is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("collab: bus is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = 5 * time.Hour
	}
	return &Orchestrator{
		router:          cfg.Router,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		now:             cfg.Now,
		pollInterval:    cfg.PollInterval,
		turnTimeout:     cfg.TurnTimeout,
		exchangeLogPath: cfg.ExchangeLogPath,
	}, nil
}

// Active reports whether a collab run is currently in progress.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session != nil
}

// Interject enqueues text to be delivered on the next routed send and
// replayed once more on the send after it, so both peers see it. Returns
// false if no run is active.
func (o *Orchestrator) Interject(text string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return false
	}
	o.session.Interjections = append(o.session.Interjections, model.RoomEvent{Kind: model.UserText, Text: text})
	return true
}

// RequestHalt sets the halt flag, consulted at the two checkpoints the
// collab halt semantics define: after every routed send, and after every
// wait_for_response. A wait already past its marker always finishes or
// times out before halt takes effect.
func (o *Orchestrator) RequestHalt() {
	o.halt.Store(true)
}

// ConsumePostHalt reports and clears the one-shot marker set when the most
// recent run terminated via user_halt.
func (o *Orchestrator) ConsumePostHalt() bool {
	return o.postHalt.Swap(false)
}

// Run drives one collaboration session to termination and returns the
// reason it stopped. A single exit path (the return at the bottom of each
// branch, always routed through cleanup) guarantees cursor sync and
// exchange-log closure run exactly once regardless of which trigger fired.
func (o *Orchestrator) Run(ctx context.Context, req model.CollabRequest) (model.StopReason, error) {
	o.halt.Store(false)
	session := model.NewCollabSession(req)
	o.mu.Lock()
	o.session = session
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.session = nil
		o.mu.Unlock()
	}()

	elog, err := NewExchangeLog(o.exchangeLogPath)
	if err != nil {
		return "", err
	}
	if err := o.bus.UpdateMetrics(func(m *bus.Metrics) { m.CollabActive = true }); err != nil {
		o.logger.Warn("collab: metrics update failed", "error", err)
	}

	var agent model.Agent
	var text string

	if req.AgentInitiated {
		agent = req.Starter
		text = req.SeededResponse
		seedTime := o.now()
		for _, blk := range req.SeededBlocks {
			elog.Append(blk.Source, blk.Text, seedTime)
		}
	} else {
		_, sentBlocks, err := o.router.SendUserMessage(req.Starter, req.InitialMessage)
		if err != nil {
			return o.cleanup(session, elog, o.classifyError(err), bothAgents, err)
		}
		_, readAtSend, sentAt, _ := o.router.PendingAnchor(req.Starter)
		deadline := sentAt.Add(o.turnTimeout)
		resp, err := o.router.WaitForResponse(ctx, req.Starter, model.NormalizeAnchor(sentBlocks.RenderPayload()), sentAt, readAtSend, deadline, o.pollInterval)
		o.router.ClearPending(req.Starter)
		if err != nil {
			reason := o.classifyError(err)
			return o.cleanup(session, elog, reason, bothAgents, err)
		}
		agent = req.Starter
		text = resp.Text
	}

	// The seed turn's response is in hand but not yet routed to its peer.
	session.SetUnrouted(agent)
	if o.halt.Load() {
		return o.cleanup(session, elog, model.StopUserHalt, syncExcluding(agent.Peer()), nil)
	}

	firstRoute := true
	for session.TurnsCompleted < session.TurnsRemaining {
		a := agent
		b := a.Peer()

		stripped, _ := stripTrailingCollabSignal(text)
		signaled := hasConvergedSignal(stripped)
		terminateConverged := false
		if signaled {
			if peer, ok := session.PendingConverge.Pending(); ok && peer == b {
				terminateConverged = true
			} else {
				session.PendingConverge.Set(a)
			}
		} else {
			session.PendingConverge.Clear()
		}

		drained := session.Interjections
		session.Interjections = nil
		replay := session.ReplayedLast
		combined := make([]model.RoomEvent, 0, len(replay)+len(drained))
		combined = append(combined, replay...)
		combined = append(combined, drained...)

		echoedAnchor := ""
		if firstRoute {
			echoedAnchor = model.NormalizeAnchor(req.InitialMessage)
		}

		now := o.now()
		elog.Append(model.AgentSource(a), stripTrailingConvergedSignal(stripped), now)
		for _, ev := range combined {
			elog.Append(model.UserSource, ev.Text, now)
		}

		readAtSend := o.router.ReadCursor(b)
		routedBlocks, err := o.router.SendRoutedMessage(b, a, stripped, combined, echoedAnchor)
		if err != nil {
			reason := o.classifyError(err)
			return o.cleanup(session, elog, reason, bothAgents, err)
		}
		firstRoute = false
		session.ClearUnrouted()
		session.ReplayedLast = drained

		if terminateConverged {
			return o.cleanup(session, elog, model.StopConverged, bothAgents, nil)
		}
		if o.halt.Load() {
			return o.cleanup(session, elog, model.StopUserHalt, bothAgents, nil)
		}

		sentAt := o.now()
		deadline := sentAt.Add(o.turnTimeout)
		resp, err := o.router.WaitForResponse(ctx, b, model.NormalizeAnchor(routedBlocks.RenderPayload()), sentAt, readAtSend, deadline, o.pollInterval)
		session.TurnsCompleted++
		if err := o.bus.UpdateMetrics(func(m *bus.Metrics) { m.TurnsCompleted++ }); err != nil {
			o.logger.Warn("collab: metrics update failed", "error", err)
		}
		if err != nil {
			reason := o.classifyError(err)
			return o.cleanup(session, elog, reason, bothAgents, err)
		}

		text = resp.Text
		agent = b
		session.SetUnrouted(agent)
		if o.halt.Load() {
			return o.cleanup(session, elog, model.StopUserHalt, syncExcluding(agent.Peer()), nil)
		}
	}

	// The last response is in hand but is never routed; record it before
	// the footer.
	final, _ := stripTrailingCollabSignal(text)
	elog.Append(model.AgentSource(agent), stripTrailingConvergedSignal(final), o.now())
	return o.cleanup(session, elog, model.StopTurnsReached, bothAgents, nil)
}

func (o *Orchestrator) classifyError(err error) model.StopReason {
	var paneDead *router.PaneDeadError
	var timeout *router.TimeoutError
	var interference *router.InterferenceError
	switch {
	case errors.As(err, &paneDead):
		return model.StopPaneDead
	case errors.As(err, &timeout):
		return model.StopTimeout
	case errors.As(err, &interference):
		return model.StopInterference
	default:
		return model.StopTimeout
	}
}

// cleanup is the single exit path: sync delivery cursors over scope, close
// the exchange log with a footer, emit the terminal bus event, and latch
// the one-shot post-halt marker on user_halt.
func (o *Orchestrator) cleanup(session *model.CollabSession, elog *ExchangeLog, reason model.StopReason, scope []model.Agent, runErr error) (model.StopReason, error) {
	if err := o.router.SyncDeliveryCursors(scope...); err != nil {
		o.logger.Warn("collab: cursor sync failed", "error", err)
	}
	if err := elog.Close(session.TurnsCompleted, reason); err != nil {
		o.logger.Warn("collab: exchange log close failed", "error", err)
	}
	if err := o.bus.UpdateMetrics(func(m *bus.Metrics) {
		m.CollabActive = false
		m.LastStopReason = string(reason)
	}); err != nil {
		o.logger.Warn("collab: metrics update failed", "error", err)
	}
	if err := o.bus.Log(bus.KindCollab, "collab session ended", session.Starter, "", map[string]any{
		"stop_reason":     string(reason),
		"turns_completed": session.TurnsCompleted,
	}); err != nil {
		o.logger.Warn("collab: bus log failed", "error", err)
	}
	if reason == model.StopUserHalt {
		o.postHalt.Store(true)
	}
	return reason, runErr
}

// syncExcluding returns both agents except peer, used for the
// "halt with an unrouted response" case: the agent awaiting that response
// keeps its stale delivery cursor so the response surfaces normally once
// collaboration resumes.
func syncExcluding(peer model.Agent) []model.Agent {
	out := make([]model.Agent, 0, 1)
	for _, a := range bothAgents {
		if a != peer {
			out = append(out, a)
		}
	}
	return out
}
