package collab

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joshuavictorchen/claodex/internal/model"
)

// ExchangeLog is the markdown transcript of one collab run, written
// incrementally as each turn is routed (plus the final response when a run
// reaches its turn limit) and closed with a footer once the run terminates.
type ExchangeLog struct {
	mu sync.Mutex
	f  *os.File
}

// NewExchangeLog creates (or truncates) the transcript file at path.
func NewExchangeLog(path string) (*ExchangeLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("collab: open exchange log: %w", err)
	}
	return &ExchangeLog{f: f}, nil
}

// Append writes one `## {source} · {H:MM AM/PM}` block followed by text and
// a horizontal rule.
func (l *ExchangeLog) Append(source model.BlockSource, text string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.f, "## %s · %s\n\n%s\n\n---\n\n", source, at.Format("3:04 PM"), text)
	return err
}

// Close writes the closing footer and closes the file.
func (l *ExchangeLog) Close(turnsCompleted int, reason model.StopReason) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.f, "*Turns: %d · Stop reason: %s*\n", turnsCompleted, reason); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
