package extractor

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/joshuavictorchen/claodex/internal/model"
)

const (
	// stuckLineMaxAttempts is the parse-attempt threshold for skipping a
	// line stuck mid-write.
	stuckLineMaxAttempts = 3
	// stuckLineMaxAge is the wall-clock threshold for skipping a line stuck
	// mid-write, whichever of the two triggers first.
	stuckLineMaxAge = 10 * time.Second
)

// lineParser turns one raw JSONL line into a rawRecord. Returns ok=false if
// the line is not valid JSON (a partial-write tail) so the caller can defer
// it instead of skipping it outright.
type lineParser func(line []byte) (rawRecord, bool)

// pendingLine is a line that failed to parse and is being retried, to
// tolerate a writer still mid-append when we read its tail.
type pendingLine struct {
	firstSeen time.Time
	attempts  int
}

// agentLog tails one agent's JSONL file, maintaining a byte offset into the
// file and a committed slice of classified records. It is safe for
// concurrent use; the router and REPL idle poller both call into it.
type agentLog struct {
	agent  model.Agent
	path   string
	parse  lineParser
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	byteOffset int64
	records    []rawRecord // records[i] is line i+1
	pending    *pendingLine
	sessionID  string
}

func newAgentLog(agent model.Agent, path string, parse lineParser, logger *slog.Logger, now func() time.Time) *agentLog {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &agentLog{agent: agent, path: path, parse: parse, logger: logger, now: now}
}

// refresh reads from the last committed byte offset to EOF, classifying
// every complete line. It returns the newly committed records (those with
// Line > the cursor on entry) and the new read cursor.
func (l *agentLog) refresh() ([]rawRecord, model.Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.Cursor(len(l.records)), nil
		}
		return nil, 0, fmt.Errorf("extractor: open %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(l.byteOffset, 0); err != nil {
		return nil, 0, fmt.Errorf("extractor: seek %s: %w", l.path, err)
	}

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	startLine := len(l.records)
	var added []rawRecord

	for scanner.Scan() {
		raw := scanner.Bytes()
		advance := int64(len(raw)) + 1 // + newline

		if len(bytes.TrimSpace(raw)) == 0 {
			l.byteOffset += advance
			l.pending = nil
			continue
		}

		rec, ok := l.parse(append([]byte(nil), raw...))
		if !ok {
			l.handleUnparsable(raw)
			if l.pending != nil {
				// Still within retry budget: stop here, retry next refresh.
				break
			}
			// Stuck-line recovery triggered: skip this line.
			l.byteOffset += advance
			l.records = append(l.records, rawRecord{Line: len(l.records) + 1})
			added = append(added, l.records[len(l.records)-1])
			continue
		}

		l.pending = nil
		rec.Line = len(l.records) + 1
		if rec.SessionID != "" {
			l.sessionID = rec.SessionID
		}
		l.records = append(l.records, rec)
		added = append(added, rec)
		l.byteOffset += advance
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("extractor: scan %s: %w", l.path, err)
	}

	if startLine == len(l.records) && len(added) == 0 {
		return nil, model.Cursor(len(l.records)), nil
	}
	return added, model.Cursor(len(l.records)), nil
}

// handleUnparsable tracks retry state for a line that failed to parse,
// applying the stuck-line thresholds.
func (l *agentLog) handleUnparsable(raw []byte) {
	now := l.now()
	if l.pending == nil {
		l.pending = &pendingLine{firstSeen: now, attempts: 1}
		return
	}
	l.pending.attempts++
	if l.pending.attempts >= stuckLineMaxAttempts || now.Sub(l.pending.firstSeen) >= stuckLineMaxAge {
		l.logger.Warn("extractor: skipping stuck line after retry budget exhausted",
			"agent", l.agent, "attempts", l.pending.attempts, "age", now.Sub(l.pending.firstSeen), "bytes", len(raw))
		l.pending = nil
		return
	}
	// Still retryable: leave l.pending set so refresh() stops at this line.
}

// cursor returns the current read cursor without triggering a refresh.
func (l *agentLog) cursor() model.Cursor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.Cursor(len(l.records))
}

// recordsBetween returns committed records with Line in (lo, hi].
func (l *agentLog) recordsBetween(lo, hi model.Cursor) []rawRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hi > model.Cursor(len(l.records)) {
		hi = model.Cursor(len(l.records))
	}
	if lo < 0 {
		lo = 0
	}
	if lo >= hi {
		return nil
	}
	out := make([]rawRecord, hi-lo)
	copy(out, l.records[lo:hi])
	return out
}

// sessionIdentifier returns the session ID learned from the log, if any.
func (l *agentLog) sessionIdentifier() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}
