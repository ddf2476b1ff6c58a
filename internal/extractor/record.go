// Package extractor maps each agent's append-only JSONL session log into an
// ordered stream of typed room events, and locates turn-end markers and
// assistant text. It also implements the boundary-aware stop-event
// fallback and interference detection claude needs when its fast-path
// marker is not emitted promptly.
package extractor

import "time"

// rawRecord is the unified, per-line classification both agents' parsers
// produce. Turn-end scanning, interference detection, and room-event
// extraction all operate on a committed slice of these.
type rawRecord struct {
	Line             int
	Type             string // top-level "type" field
	Subtype          string // claude: system subtype (e.g. "turn_duration")
	Role             string // inner message role for user/assistant rows
	Text             string // extracted text content, when Role is set
	IsMeta           bool   // system reminders, command wrappers, task notifications
	IsToolResultOnly bool   // user row whose content is solely a tool result
	PayloadType      string // codex: payload.type for event_msg rows ("task_started", "task_complete", ...)
	SessionID        string // envelope session id, when present on this line
	Timestamp        time.Time
}

// isUserBoundary reports whether r counts as a user-row boundary for the
// purposes of per-turn assistant text accumulation, boundary-aware
// extraction, and interference detection. Every user-role row counts,
// including meta and tool-result-only rows.
func (r rawRecord) isUserBoundary() bool {
	return r.Role == "user"
}

// isRealUserText reports whether r should be emitted as a UserText room
// event: a user boundary that is neither meta nor a bare tool result.
func (r rawRecord) isRealUserText() bool {
	return r.isUserBoundary() && !r.IsMeta && !r.IsToolResultOnly && r.Text != ""
}

// isAssistantText reports whether r carries non-empty assistant text.
func (r rawRecord) isAssistantText() bool {
	return r.Role == "assistant" && r.Text != ""
}
