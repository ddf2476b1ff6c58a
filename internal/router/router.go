// Package router composes delta and message blocks, advances delivery
// cursors on successful paste, waits for and polls for turn ends, maintains
// pending watches, and detects interference.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshuavictorchen/claodex/internal/extractor"
	"github.com/joshuavictorchen/claodex/internal/model"
	"github.com/joshuavictorchen/claodex/internal/store"
)

// Injector is the terminal multiplexer integration the router consumes. It
// never sees routing decisions, only the rendered payload.
type Injector interface {
	Paste(target model.Agent, payload string) error
	PaneAlive(target model.Agent) (bool, error)
}

// Response is the outcome of a resolved wait/poll.
type Response struct {
	Text       string
	DetectedAt time.Time
}

// Router holds the delivery policy and the turn-detection wait/poll loop.
// It exposes no UI; warnings and status are returned as values or errors.
type Router struct {
	extractor *extractor.Extractor
	cursors   *store.CursorStore
	injector  Injector
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[model.Agent]*model.PendingSend
}

// Config bundles Router's collaborators.
type Config struct {
	Extractor *extractor.Extractor
	Cursors   *store.CursorStore
	Injector  Injector
	Logger    *slog.Logger
	Now       func() time.Time
}

// New constructs a Router from cfg, applying defaults for zero-valued fields.
func New(cfg Config) (*Router, error) {
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("router: extractor is required")
	}
	if cfg.Cursors == nil {
		return nil, fmt.Errorf("router: cursor store is required")
	}
	if cfg.Injector == nil {
		return nil, fmt.Errorf("router: injector is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{
		extractor: cfg.Extractor,
		cursors:   cfg.Cursors,
		injector:  cfg.Injector,
		logger:    cfg.Logger,
		now:       cfg.Now,
		pending:   make(map[model.Agent]*model.PendingSend),
	}, nil
}

// SendUserMessage composes the delta for target plus the user's text, pastes
// it, advances delivery[target] on success, and installs (or replaces) the
// pending watch for target. Returns an opaque pending id for bus logging.
func (r *Router) SendUserMessage(target model.Agent, userText string) (string, model.Blocks, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	blocks, deltaCursor, err := r.buildDeltaForTarget(target, "")
	if err != nil {
		return "", nil, err
	}
	blocks = append(blocks, model.Block{Source: model.UserSource, Text: userText})

	if err := r.pasteLocked(target, blocks, deltaCursor); err != nil {
		return "", nil, err
	}

	readAtSend := r.extractor.Cursor(target)
	next := model.PendingSend{
		SentAt:     r.now(),
		Target:     target,
		AnchorText: model.NormalizeAnchor(userText),
		Blocks:     blocks,
		ReadAtSend: readAtSend,
	}
	r.pending[target] = mergePending(r.pending[target], next)

	return uuid.NewString(), blocks, nil
}

// SendRoutedMessage composes the delta for target (filtering out assistant
// text already authored by source, since response carries it), appends the
// interjection blocks in chronological order, then the source's response
// block, and pastes. Used by the collab orchestrator; it does not install a
// pending watch (the orchestrator tracks its own send/wait cycle).
func (r *Router) SendRoutedMessage(target, source model.Agent, response string, interjections []model.RoomEvent, echoedAnchor string) (model.Blocks, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	blocks, deltaCursor, err := r.buildDeltaForTarget(target, echoedAnchor)
	if err != nil {
		return nil, err
	}

	filtered := blocks[:0:0]
	for _, b := range blocks {
		if b.Source == model.AgentSource(source) {
			continue
		}
		filtered = append(filtered, b)
	}
	blocks = filtered

	for _, ev := range interjections {
		blocks = append(blocks, model.Block{Source: model.UserSource, Text: ev.Text})
	}
	blocks = append(blocks, model.Block{Source: model.AgentSource(source), Text: response})

	if err := r.pasteLocked(target, blocks, deltaCursor); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (r *Router) pasteLocked(target model.Agent, blocks model.Blocks, deltaCursor model.Cursor) error {
	alive, err := r.injector.PaneAlive(target)
	if err != nil {
		return fmt.Errorf("router: check pane alive for %s: %w", target, err)
	}
	if !alive {
		return &PaneDeadError{Target: target}
	}

	if err := r.injector.Paste(target, blocks.RenderPayload()); err != nil {
		return fmt.Errorf("router: paste to %s: %w", target, err)
	}

	if err := r.cursors.Advance(store.DeliveryCursor, target, deltaCursor); err != nil {
		return fmt.Errorf("router: advance delivery cursor for %s: %w", target, err)
	}
	return nil
}

// mergePending implements watch replacement: the new watch inherits the
// earliest sent_at and concatenates blocks for exchange-log fidelity.
func mergePending(existing *model.PendingSend, next model.PendingSend) *model.PendingSend {
	merged := existing.Supersede(next)
	return &merged
}

// PendingAnchor returns the anchor and read-at-send cursor of target's
// active pending watch, if any.
func (r *Router) PendingAnchor(target model.Agent) (anchor string, readAtSend model.Cursor, sentAt time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, exists := r.pending[target]
	if !exists {
		return "", 0, time.Time{}, false
	}
	return p.AnchorText, p.ReadAtSend, p.SentAt, true
}

// PollForResponse is the non-blocking half of turn-end detection, used by
// the REPL's idle tick. Returns nil, nil, nil if target has no pending watch
// or the watch is not yet resolved. On resolution it also returns the
// resolved watch's composed payload blocks, captured before the watch is
// cleared, so callers seeding a collab run's exchange log (scenario: an
// agent-initiated [COLLAB] hand-off) never race the delete and see a watch
// that is already gone.
func (r *Router) PollForResponse(target model.Agent) (*Response, model.Blocks, error) {
	r.mu.Lock()
	pending, ok := r.pending[target]
	r.mu.Unlock()
	if !ok {
		return nil, nil, nil
	}

	result, err := r.extractor.ScanTurnEnd(target, pending.SentAt, pending.ReadAtSend)
	if err != nil {
		return nil, nil, err
	}
	if !result.Done || result.AssistantText == "" {
		return nil, nil, nil
	}

	r.mu.Lock()
	blocks := r.pending[target].Blocks
	delete(r.pending, target)
	r.mu.Unlock()

	return &Response{Text: result.AssistantText, DetectedAt: r.now()}, blocks, nil
}

// WaitForResponse blocks until target's turn ends, the deadline passes, or
// interference is detected (claude only). anchor is the normalized text of
// whatever was just pasted to target, used to recognize its own echo as
// non-interference. It takes no halt signal: per the collab halt
// semantics, a wait in progress is allowed to finish or time out, and the
// caller checks for a halt after it returns.
func (r *Router) WaitForResponse(ctx context.Context, target model.Agent, anchor string, sentAt time.Time, readAtSend model.Cursor, deadline time.Time, pollInterval time.Duration) (Response, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		result, err := r.extractor.ScanTurnEnd(target, sentAt, readAtSend)
		if err != nil {
			return Response{}, err
		}

		if target == model.Claude {
			if r.extractor.DetectInterference(anchor, readAtSend, result.Cursor) {
				return Response{}, &InterferenceError{Target: target}
			}
		}

		if result.Done && result.AssistantText != "" {
			return Response{Text: result.AssistantText, DetectedAt: r.now()}, nil
		}

		if !r.now().Before(deadline) {
			return Response{}, &TimeoutError{Target: target}
		}

		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReadCursor returns target's own session log read cursor without
// refreshing it. The collab orchestrator uses this to capture readAtSend
// before a routed send, since target's own log is untouched by a send to it.
func (r *Router) ReadCursor(target model.Agent) model.Cursor {
	return r.extractor.Cursor(target)
}

// ClearPending drops target's pending watch, if any, without resolving it.
// The collab orchestrator calls this after manually awaiting the turn-0
// seed send, since collab tracks its own send/wait cycle from then on and
// must not leave a stale watch for the REPL's idle tick to also poll.
func (r *Router) ClearPending(target model.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, target)
}

// SyncDeliveryCursors sets delivery[t] = read[peer(t)] for each t in
// targets (both agents if targets is empty). Used by the collab
// orchestrator on termination to absorb trailing content that was not
// routed.
func (r *Router) SyncDeliveryCursors(targets ...model.Agent) error {
	if len(targets) == 0 {
		targets = []model.Agent{model.Claude, model.Codex}
	}
	for _, t := range targets {
		src := t.Peer()
		readCursor, err := r.cursors.Read(store.ReadCursor, src)
		if err != nil {
			return fmt.Errorf("router: read cursor for %s: %w", src, err)
		}
		if err := r.cursors.Advance(store.DeliveryCursor, t, readCursor); err != nil {
			return fmt.Errorf("router: sync delivery cursor for %s: %w", t, err)
		}
	}
	return nil
}
