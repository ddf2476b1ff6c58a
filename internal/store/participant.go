package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joshuavictorchen/claodex/internal/model"
)

// ParticipantStore persists the registration record each agent writes once
// at startup and watches for re-registration (e.g. the agent ran `/resume`
// and now points at a different session_file).
type ParticipantStore struct {
	root   string
	logger *slog.Logger

	mu     sync.RWMutex
	cached map[model.Agent]cachedParticipant
}

type cachedParticipant struct {
	record model.Participant
	mtime  time.Time
}

// NewParticipantStore creates a ParticipantStore rooted at dir (typically
// "<state-dir>/participants").
func NewParticipantStore(dir string, logger *slog.Logger) (*ParticipantStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create participant dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ParticipantStore{
		root:   dir,
		logger: logger,
		cached: make(map[model.Agent]cachedParticipant),
	}, nil
}

func (s *ParticipantStore) path(a model.Agent) string {
	return filepath.Join(s.root, string(a)+".json")
}

// Register writes (or overwrites) a participant record atomically.
func (s *ParticipantStore) Register(p model.Participant) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal participant %s: %w", p.Agent, err)
	}
	path := s.path(p.Agent)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write participant %s: %w", p.Agent, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename participant %s: %w", p.Agent, err)
	}
	return nil
}

// Get reads the current participant record for a, consulting the mtime
// cache first so re-registration (a changed file mtime) is picked up
// without re-parsing unchanged files on every call.
func (s *ParticipantStore) Get(a model.Agent) (model.Participant, error) {
	info, err := os.Stat(s.path(a))
	if err != nil {
		return model.Participant{}, fmt.Errorf("store: stat participant %s: %w", a, err)
	}

	s.mu.RLock()
	cached, ok := s.cached[a]
	s.mu.RUnlock()
	if ok && cached.mtime.Equal(info.ModTime()) {
		return cached.record, nil
	}

	return s.refresh(a, info.ModTime())
}

func (s *ParticipantStore) refresh(a model.Agent, mtime time.Time) (model.Participant, error) {
	data, err := os.ReadFile(s.path(a))
	if err != nil {
		return model.Participant{}, fmt.Errorf("store: read participant %s: %w", a, err)
	}
	var p model.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return model.Participant{}, fmt.Errorf("store: parse participant %s: %w", a, err)
	}

	s.mu.Lock()
	prev, had := s.cached[a]
	s.cached[a] = cachedParticipant{record: p, mtime: mtime}
	s.mu.Unlock()

	if had && prev.record.SessionFile != p.SessionFile {
		s.logger.Info("participant re-registered",
			"agent", a, "old_session_file", prev.record.SessionFile, "new_session_file", p.SessionFile)
	}
	return p, nil
}

// WatchReRegistration runs until ctx is cancelled, calling onChange every
// time a participant file's session_file changes (agent ran /resume). A
// write to a file whose record has not been read before is reported too,
// since there is no earlier session_file to compare against.
// Uses fsnotify so re-registration is observed promptly without adding a
// poll to the core's cooperative scheduling loop.
func (s *ParticipantStore) WatchReRegistration(ctx context.Context, onChange func(model.Agent, model.Participant)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.root); err != nil {
		return fmt.Errorf("store: watch %s: %w", s.root, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			a := agentFromPath(ev.Name)
			if a == "" {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			s.mu.RLock()
			prev, had := s.cached[model.Agent(a)]
			s.mu.RUnlock()
			p, err := s.refresh(model.Agent(a), info.ModTime())
			if err != nil {
				s.logger.Warn("participant watch: failed to refresh", "agent", a, "error", err)
				continue
			}
			if had && prev.record.SessionFile == p.SessionFile {
				continue
			}
			onChange(model.Agent(a), p)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("participant watch error", "error", err)
		}
	}
}

func agentFromPath(path string) string {
	base := filepath.Base(path)
	for _, a := range []model.Agent{model.Claude, model.Codex} {
		if base == string(a)+".json" {
			return string(a)
		}
	}
	return ""
}
