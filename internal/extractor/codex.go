package extractor

import (
	"encoding/json"
	"strings"
	"time"
)

// codexEnvelope approximates one line of codex's rollout JSONL. codex has no
// on-disk format in common with claude's native log; this shape follows the
// event/payload split codex's `event_msg` rows use on the wire
// (`payload.type` discriminates task_started/task_complete/agent_message),
// generalized to also cover plain conversation rows of type "response_item"
// so ordinary turn text is recoverable the same way claude's is.
type codexEnvelope struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"` // "event_msg", "response_item", "session_meta"
	Payload   json.RawMessage `json:"payload"`
}

type codexEventPayload struct {
	Type    string `json:"type"` // "task_started", "task_complete", "agent_message", "user_message"
	Message string `json:"message"`
}

type codexResponseItem struct {
	Type    string          `json:"type"` // "message"
	Role    string          `json:"role"` // "user", "assistant"
	Content json.RawMessage `json:"content"`
}

type codexContentBlock struct {
	Type string `json:"type"` // "input_text", "output_text", "text"
	Text string `json:"text"`
}

type codexSessionMeta struct {
	ID string `json:"id"`
}

// parseCodexLine turns one raw JSONL line from codex's rollout log into a
// rawRecord. ok is false only when the line is not valid JSON at all.
func parseCodexLine(line []byte) (rawRecord, bool) {
	var env codexEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return rawRecord{}, false
	}

	rec := rawRecord{Type: env.Type}
	if ts, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
		rec.Timestamp = ts
	}

	switch env.Type {
	case "session_meta":
		var meta codexSessionMeta
		if err := json.Unmarshal(env.Payload, &meta); err == nil {
			rec.SessionID = meta.ID
		}
		rec.IsMeta = true

	case "event_msg":
		var payload codexEventPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			rec.PayloadType = payload.Type
			switch payload.Type {
			case "agent_message":
				rec.Role = "assistant"
				rec.Text = payload.Message
			case "user_message":
				rec.Role = "user"
				rec.Text = payload.Message
			default:
				// task_started, task_complete, token_count, error, etc: no
				// room text of their own, just turn-boundary markers.
				rec.IsMeta = true
			}
		}

	case "response_item":
		var item codexResponseItem
		if err := json.Unmarshal(env.Payload, &item); err == nil && item.Type == "message" {
			rec.Role = item.Role
			rec.Text, rec.IsToolResultOnly = extractCodexText(item.Content)
		} else {
			rec.IsMeta = true
		}

	default:
		rec.IsMeta = true
	}

	return rec, true
}

func extractCodexText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, false
	}
	var blocks []codexContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", false
	}
	var sb strings.Builder
	sawAny := false
	sawText := false
	for _, b := range blocks {
		sawAny = true
		switch b.Type {
		case "input_text", "output_text", "text":
			sb.WriteString(b.Text)
			sawText = true
		}
	}
	return sb.String(), sawAny && !sawText
}

// isCodexTaskComplete reports whether r is codex's fast-path turn-end
// marker.
func isCodexTaskComplete(r rawRecord) bool {
	return r.Type == "event_msg" && r.PayloadType == "task_complete"
}

// isCodexTaskStarted reports whether r opens a codex turn.
func isCodexTaskStarted(r rawRecord) bool {
	return r.Type == "event_msg" && r.PayloadType == "task_started"
}
