package extractor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// claudeEnvelope mirrors the native ~/.claude/projects/ JSONL line: an outer
// envelope (type, subtype, isMeta, session id, duration) wrapping an inner
// message with the usual Anthropic {role, content} shape.
type claudeEnvelope struct {
	Timestamp   string          `json:"timestamp"`
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype"`
	SessionID   string          `json:"sessionId"`
	IsMeta      bool            `json:"isMeta"`
	IsSidechain bool            `json:"isSidechain"`
	DurationMs  int64           `json:"durationMs"`
	Message     json.RawMessage `json:"message"`
}

type claudeInnerMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeContentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Content json.RawMessage `json:"content"` // tool_result content, string or array
}

// parseClaudeLine turns one raw JSONL line from claude's session log into a
// rawRecord. ok is false only when the line is not valid JSON at all.
func parseClaudeLine(line []byte) (rawRecord, bool) {
	var env claudeEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return rawRecord{}, false
	}

	rec := rawRecord{
		Type:      env.Type,
		Subtype:   env.Subtype,
		IsMeta:    env.IsMeta,
		SessionID: env.SessionID,
	}
	if ts, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
		rec.Timestamp = ts
	}

	if env.IsSidechain {
		// Sidechain rows (subagent transcripts) never count as a room
		// boundary or room text.
		rec.IsMeta = true
	}

	if len(env.Message) > 0 {
		var inner claudeInnerMessage
		if err := json.Unmarshal(env.Message, &inner); err == nil {
			rec.Role = inner.Role
			text, toolResultOnly := extractClaudeText(inner.Content)
			rec.Text = text
			rec.IsToolResultOnly = toolResultOnly
			if rec.Role == "user" && looksLikeSystemOutput(text) {
				rec.IsMeta = true
			}
		}
	}

	return rec, true
}

// extractClaudeText flattens an Anthropic content value (a bare string or an
// array of typed blocks) into its text, and reports whether every block in
// an array payload was a tool_result (i.e. the row carries no real user
// authored text at all).
func extractClaudeText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, false
	}

	var blocks []claudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", false
	}

	var sb strings.Builder
	sawNonToolResult := false
	sawAny := false
	for _, b := range blocks {
		sawAny = true
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
			sawNonToolResult = true
		case "tool_result":
			// Carries no authored text of its own.
		default:
			sawNonToolResult = true
		}
	}
	toolResultOnly := sawAny && !sawNonToolResult
	return sb.String(), toolResultOnly
}

// systemOutputTags are literal prefixes claude wraps around injected
// non-authored content (slash command output, reminders, hook notices).
// A user row whose text starts with one of these is never real user text.
var systemOutputTags = []string{
	"<system-reminder>",
	"<command-message>",
	"<command-name>",
	"<local-command-stdout>",
	"<local-command-stderr>",
}

func looksLikeSystemOutput(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, tag := range systemOutputTags {
		if strings.HasPrefix(trimmed, tag) {
			return true
		}
	}
	return false
}

// debugStopMarker is the literal log text claude's hook runner writes to
// <claude_debug_dir>/{session_id}.txt at the top of Stop-hook evaluation.
// Its presence after a send, with boundary-aware non-empty assistant text
// already observed, is the fallback turn-end signal when the faster
// "turn_duration" system marker is slow to appear.
const debugStopMarker = "Getting matching hook commands for Stop"

// scanDebugStopLog reports whether the debug log at path contains a Stop
// marker line timestamped strictly after since. The log format is plain
// text with an RFC3339 timestamp prefix on each line, one event per line.
func scanDebugStopLog(path string, since time.Time) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("extractor: open debug log %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, debugStopMarker) {
			continue
		}
		ts, ok := firstTimestamp(line)
		if ok && ts.After(since) {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("extractor: scan debug log %s: %w", path, err)
	}
	return false, nil
}

// firstTimestamp extracts a leading RFC3339 timestamp from a debug log line.
func firstTimestamp(line string) (time.Time, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, fields[0])
	if err != nil {
		ts, err = time.Parse(time.RFC3339, fields[0])
		if err != nil {
			return time.Time{}, false
		}
	}
	return ts, true
}
