// Package bus is the event bus sink: it appends structured events to a
// persistent log and atomically overwrites a metrics snapshot, both under a
// single mutex serializing the main thread, the halt listener, and the poll
// worker.
package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joshuavictorchen/claodex/internal/model"
)

// Kind enumerates the event kinds the bus accepts. Any other kind is
// rejected.
type Kind string

const (
	KindSent   Kind = "sent"
	KindRecv   Kind = "recv"
	KindCollab Kind = "collab"
	KindWatch  Kind = "watch"
	KindError  Kind = "error"
	KindSystem Kind = "system"
	KindStatus Kind = "status"
)

var validKinds = map[Kind]bool{
	KindSent: true, KindRecv: true, KindCollab: true,
	KindWatch: true, KindError: true, KindSystem: true, KindStatus: true,
}

// Event is one JSON record appended to the events file.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Agent     model.Agent    `json:"agent,omitempty"`
	Target    model.Agent    `json:"target,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Metrics is the canonical in-memory snapshot, merged field-by-field and
// atomically flushed to disk.
type Metrics struct {
	TurnsCompleted int       `json:"turns_completed"`
	SentCount      int       `json:"sent_count"`
	RecvCount      int       `json:"recv_count"`
	ErrorCount     int       `json:"error_count"`
	CollabActive   bool      `json:"collab_active"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
	LastStopReason string    `json:"last_stop_reason,omitempty"`
}

// Bus serializes all writes to the events and metrics files under one
// mutex; both files are truncated on construction.
type Bus struct {
	mu          sync.Mutex
	eventsFile  *os.File
	metricsPath string
	metrics     Metrics
	now         func() time.Time
}

// New creates a Bus writing to eventsPath (append-only, truncated at
// startup) and metricsPath (overwritten atomically on every update).
func New(eventsPath, metricsPath string, now func() time.Time) (*Bus, error) {
	if now == nil {
		now = time.Now
	}
	f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bus: open events file: %w", err)
	}
	b := &Bus{
		eventsFile:  f,
		metricsPath: metricsPath,
		now:         now,
	}
	if err := b.flushMetricsLocked(); err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

// Log appends one event record. Any kind outside the fixed vocabulary is
// rejected.
func (b *Bus) Log(kind Kind, message string, agent, target model.Agent, meta map[string]any) error {
	if !validKinds[kind] {
		return fmt.Errorf("bus: rejected event kind %q", kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{
		Timestamp: b.now(),
		Kind:      kind,
		Message:   message,
		Agent:     agent,
		Target:    target,
		Meta:      meta,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := b.eventsFile.Write(data); err != nil {
		return fmt.Errorf("bus: write event: %w", err)
	}
	return nil
}

// UpdateMetrics merges apply into the canonical snapshot and atomically
// rewrites the metrics file.
func (b *Bus) UpdateMetrics(apply func(*Metrics)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	apply(&b.metrics)
	b.metrics.LastUpdatedAt = b.now()
	return b.flushMetricsLocked()
}

func (b *Bus) flushMetricsLocked() error {
	data, err := json.MarshalIndent(b.metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("bus: marshal metrics: %w", err)
	}
	tmp := b.metricsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("bus: write metrics: %w", err)
	}
	if err := os.Rename(tmp, b.metricsPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("bus: rename metrics: %w", err)
	}
	return nil
}

// Close flushes and closes the events file. The REPL's Quit path calls this
// under the same lock discipline as every other write.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventsFile.Close()
}
