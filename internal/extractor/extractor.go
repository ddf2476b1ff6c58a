// Package extractor maps each agent's append-only JSONL session log into an
// ordered stream of typed room events, and locates turn-end markers and
// assistant text. It also implements the boundary-aware stop-event
// fallback and interference detection claude needs when its fast-path
// marker is not emitted promptly.
package extractor

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/joshuavictorchen/claodex/internal/model"
)

// Source is one agent's live session log plus the out-of-band debug log
// claude's Stop hook writes to, grounded on the participant record
// registered for that agent.
type Source struct {
	Agent       model.Agent
	SessionFile string
	DebugLogDir string // claude only; empty for codex
}

// Extractor tails both agents' session logs and answers the router's and
// collab orchestrator's questions about room events and turn completion.
type Extractor struct {
	logger  *slog.Logger
	debug   map[model.Agent]string // debug log directory, claude only
	parsers map[model.Agent]lineParser
	now     func() time.Time

	// logsMu guards logs: Reregister swaps an agent's log in place when the
	// participant store observes a re-registration (the agent ran /resume
	// and now points at a different session_file), while the idle poller
	// concurrently reads from the map.
	logsMu sync.RWMutex
	logs   map[model.Agent]*agentLog

	// stopLatch records, per claude anchor send time, whether the
	// boundary-aware Stop-event fallback has already fired. It persists
	// across polls so a single debug-log observation is not missed if the
	// caller's window shifts before it next calls ScanTurnEnd.
	stopLatch map[time.Time]bool
}

// New constructs an Extractor and registers both agents' sources.
func New(sources []Source, logger *slog.Logger, now func() time.Time) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	e := &Extractor{
		logger:    logger,
		logs:      make(map[model.Agent]*agentLog),
		debug:     make(map[model.Agent]string),
		parsers:   make(map[model.Agent]lineParser),
		now:       now,
		stopLatch: make(map[time.Time]bool),
	}
	for _, src := range sources {
		if !src.Agent.Valid() {
			return nil, fmt.Errorf("extractor: invalid agent %q", src.Agent)
		}
		var parse lineParser
		switch src.Agent {
		case model.Claude:
			parse = parseClaudeLine
			e.debug[src.Agent] = src.DebugLogDir
		case model.Codex:
			parse = parseCodexLine
		}
		e.parsers[src.Agent] = parse
		e.logs[src.Agent] = newAgentLog(src.Agent, src.SessionFile, parse, logger, now)
	}
	return e, nil
}

// getLog returns agent's log under a read lock, since Reregister may swap it
// concurrently with callers tailing the log from the idle poller.
func (e *Extractor) getLog(agent model.Agent) (*agentLog, bool) {
	e.logsMu.RLock()
	defer e.logsMu.RUnlock()
	log, ok := e.logs[agent]
	return log, ok
}

// Reregister points agent at a new session file, starting a fresh read
// cursor from byte zero. Called when the participant store observes a
// participant file's session_file change (the agent ran /resume and is now
// writing a different log); the prior log's accumulated records are
// discarded since they belong to a session that no longer advances.
func (e *Extractor) Reregister(agent model.Agent, sessionFile string) {
	parse, ok := e.parsers[agent]
	if !ok {
		return
	}
	log := newAgentLog(agent, sessionFile, parse, e.logger, e.now)
	e.logsMu.Lock()
	e.logs[agent] = log
	e.logsMu.Unlock()
}

// RefreshSource tails agent's session log from its last committed byte
// offset to EOF, returning the new read cursor.
func (e *Extractor) RefreshSource(agent model.Agent) (model.Cursor, error) {
	log, ok := e.getLog(agent)
	if !ok {
		return 0, fmt.Errorf("extractor: unknown agent %q", agent)
	}
	_, cursor, err := log.refresh()
	return cursor, err
}

// EventsBetween returns the ordered room events for lines in (lo, hi] of
// agent's log. Meta rows and tool-result-only rows never surface as events;
// they still count toward boundary tracking internally but carry nothing to
// inject. Per turn (the span between two user-row boundaries, including meta
// and tool-result-only rows), only the last non-empty assistant text is
// retained — narrative text written before a tool call and superseded by a
// later reply in the same turn is not a separate event.
func (e *Extractor) EventsBetween(agent model.Agent, lo, hi model.Cursor) []model.RoomEvent {
	log, ok := e.getLog(agent)
	if !ok {
		return nil
	}
	recs := log.recordsBetween(lo, hi)
	events := make([]model.RoomEvent, 0, len(recs))
	var pendingAssistant *rawRecord
	flush := func() {
		if pendingAssistant != nil {
			events = append(events, model.RoomEvent{Kind: model.AssistantText, Text: pendingAssistant.Text, Line: pendingAssistant.Line})
			pendingAssistant = nil
		}
	}
	for i := range recs {
		r := recs[i]
		switch {
		case r.isRealUserText():
			flush()
			events = append(events, model.RoomEvent{Kind: model.UserText, Text: r.Text, Line: r.Line})
		case r.isUserBoundary():
			flush()
		case r.isAssistantText():
			rCopy := r
			pendingAssistant = &rCopy
		}
	}
	flush()
	return events
}

// LatestAssistantBetween returns the most recent assistant-text record in
// (lo, hi], ignoring boundary resets. ok is false if no assistant text
// appears in the window.
func (e *Extractor) LatestAssistantBetween(agent model.Agent, lo, hi model.Cursor) (rawRecord, bool) {
	log, ok := e.getLog(agent)
	if !ok {
		return rawRecord{}, false
	}
	recs := log.recordsBetween(lo, hi)
	var latest rawRecord
	found := false
	for _, r := range recs {
		if r.isAssistantText() {
			latest = r
			found = true
		}
	}
	return latest, found
}

// LatestAssistantSinceLastUserBoundary returns the most recent assistant
// text that comes after the last user-row boundary in (lo, hi], counting
// meta and tool-result-only user rows as resets. It returns "" when no
// assistant text follows that boundary. This is the boundary-aware
// extraction the Stop-event fallback needs: a Stop line can follow
// tool-result noise, and only text emitted after the last such boundary
// belongs to the turn in progress.
func (e *Extractor) LatestAssistantSinceLastUserBoundary(agent model.Agent, lo, hi model.Cursor) string {
	log, ok := e.getLog(agent)
	if !ok {
		return ""
	}
	recs := log.recordsBetween(lo, hi)
	latest := ""
	for _, r := range recs {
		if r.isUserBoundary() {
			latest = ""
			continue
		}
		if r.isAssistantText() {
			latest = r.Text
		}
	}
	return latest
}

// TurnEndResult reports the outcome of a ScanTurnEnd call.
type TurnEndResult struct {
	Done          bool
	AssistantText string
	Cursor        model.Cursor
}

// ScanTurnEnd checks whether target has finished responding to a send
// anchored at sentAt, scanning lines after readAtSend. For codex this is the
// fast-path task_complete marker. For claude it first looks for the
// turn_duration system marker, then falls back to the out-of-band debug log
// Stop-event scan (latched so a single observation is never lost), requiring
// boundary-aware non-empty assistant text before accepting the fallback.
func (e *Extractor) ScanTurnEnd(target model.Agent, sentAt time.Time, readAtSend model.Cursor) (TurnEndResult, error) {
	log, ok := e.getLog(target)
	if !ok {
		return TurnEndResult{}, fmt.Errorf("extractor: unknown agent %q", target)
	}
	_, cursor, err := log.refresh()
	if err != nil {
		return TurnEndResult{}, err
	}

	switch target {
	case model.Codex:
		return e.scanCodexTurnEnd(log, readAtSend, cursor), nil
	case model.Claude:
		return e.scanClaudeTurnEnd(log, sentAt, readAtSend, cursor)
	default:
		return TurnEndResult{}, fmt.Errorf("extractor: unknown agent %q", target)
	}
}

// scanCodexTurnEnd looks for task_complete in the window. If a task_started
// also appears in the window, the task_complete must follow it — otherwise
// it could be a stale marker left over from a previous turn.
func (e *Extractor) scanCodexTurnEnd(log *agentLog, lo, hi model.Cursor) TurnEndResult {
	recs := log.recordsBetween(lo, hi)
	sawStart := false
	for i, r := range recs {
		if isCodexTaskStarted(r) {
			sawStart = true
			continue
		}
		if isCodexTaskComplete(r) {
			// A lone marker with no task_started anywhere in the window is
			// accepted as completion; one followed by a later task_started
			// is stale and skipped.
			if sawStart || !slices.ContainsFunc(recs[i+1:], isCodexTaskStarted) {
				text := e.LatestAssistantSinceLastUserBoundary(model.Codex, lo, model.Cursor(r.Line))
				return TurnEndResult{Done: true, AssistantText: text, Cursor: hi}
			}
		}
	}
	return TurnEndResult{Done: false, Cursor: hi}
}

func (e *Extractor) scanClaudeTurnEnd(log *agentLog, sentAt time.Time, lo, hi model.Cursor) (TurnEndResult, error) {
	recs := log.recordsBetween(lo, hi)
	for _, r := range recs {
		if r.Type == "system" && r.Subtype == "turn_duration" {
			text := e.LatestAssistantSinceLastUserBoundary(model.Claude, lo, model.Cursor(r.Line))
			return TurnEndResult{Done: true, AssistantText: text, Cursor: hi}, nil
		}
	}

	// Fast path not seen yet: consult the debug log, latched per anchor so a
	// marker observed on one poll is not lost if hi shifts before the text
	// has landed.
	debugDir, ok := e.debug[model.Claude]
	if !ok || debugDir == "" {
		return TurnEndResult{Done: false, Cursor: hi}, nil
	}
	sessionID := log.sessionIdentifier()
	if sessionID == "" {
		return TurnEndResult{Done: false, Cursor: hi}, nil
	}

	if !e.stopLatch[sentAt] {
		path := filepath.Join(debugDir, sessionID+".txt")
		seen, err := scanDebugStopLog(path, sentAt)
		if err != nil {
			return TurnEndResult{}, err
		}
		if seen {
			e.stopLatch[sentAt] = true
		}
	}
	if !e.stopLatch[sentAt] {
		return TurnEndResult{Done: false, Cursor: hi}, nil
	}

	text := e.LatestAssistantSinceLastUserBoundary(model.Claude, lo, hi)
	if text == "" {
		// Stop fired but no boundary-aware assistant text has landed yet;
		// keep the latch set and wait for the next poll.
		return TurnEndResult{Done: false, Cursor: hi}, nil
	}
	delete(e.stopLatch, sentAt)
	return TurnEndResult{Done: true, AssistantText: text, Cursor: hi}, nil
}

// DetectInterference reports whether a non-meta, non-echo user row appears
// in (lo, hi] of claude's log that is not the injected anchor itself. This
// only applies to claude: codex has no equivalent out-of-band input path.
func (e *Extractor) DetectInterference(anchor string, lo, hi model.Cursor) bool {
	log, ok := e.getLog(model.Claude)
	if !ok {
		return false
	}
	recs := log.recordsBetween(lo, hi)
	normalizedAnchor := model.NormalizeAnchor(anchor)
	matchedAnchorOnce := false
	for _, r := range recs {
		if !r.isRealUserText() {
			continue
		}
		if !matchedAnchorOnce && model.NormalizeAnchor(r.Text) == normalizedAnchor {
			matchedAnchorOnce = true
			continue
		}
		return true
	}
	return false
}

// Cursor returns the current read cursor for agent without refreshing.
func (e *Extractor) Cursor(agent model.Agent) model.Cursor {
	log, ok := e.getLog(agent)
	if !ok {
		return 0
	}
	return log.cursor()
}

// SessionID returns the session id learned from agent's log, if any.
func (e *Extractor) SessionID(agent model.Agent) string {
	log, ok := e.getLog(agent)
	if !ok {
		return ""
	}
	return log.sessionIdentifier()
}
