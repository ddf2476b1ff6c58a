// Package inject is the terminal multiplexer integration: it implements
// router.Injector by pasting rendered delta payloads into a running claude
// or codex pane and probing whether that pane is still alive.
//
// bramble's own tmux mode only opens a window and leaves all interaction to
// the user typing directly into it — "follow-ups must be done in the tmux
// window directly." claodex's router needs to paste programmatically, so
// Paste adds the load-buffer/paste-buffer/send-keys sequence on top of the
// same exec.Command("tmux", ...) + output-format-string style bramble's
// session package already uses for window lifecycle and liveness checks.
package inject

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/joshuavictorchen/claodex/internal/model"
)

// Windows maps each agent to the tmux window (or pane) it runs in, e.g.
// "claude-main" or a window ID like "@1".
type Windows map[model.Agent]string

// bufferSeq gives each Paste call a distinct tmux buffer name so concurrent
// pastes to different panes never race on a shared buffer.
var bufferSeq atomic.Uint64

// Tmux implements router.Injector against real tmux windows.
type Tmux struct {
	windows Windows
}

// New constructs a Tmux injector. Every agent in windows must map to a
// window that already exists; New does not create windows itself.
func New(windows Windows) (*Tmux, error) {
	for a := range windows {
		if !a.Valid() {
			return nil, fmt.Errorf("inject: invalid agent %q in window map", a)
		}
	}
	return &Tmux{windows: windows}, nil
}

// target resolves agent to its tmux window identifier.
func (t *Tmux) target(agent model.Agent) (string, error) {
	w, ok := t.windows[agent]
	if !ok || w == "" {
		return "", fmt.Errorf("inject: no tmux window configured for %q", agent)
	}
	return w, nil
}

// Paste loads payload into a scratch tmux buffer, pastes it into target's
// pane, and presses Enter to submit it. tmux's paste-buffer preserves
// newlines and does not trigger the shell's own line-editing, which a
// send-keys of the raw text (split on every newline) would.
func (t *Tmux) Paste(agent model.Agent, payload string) error {
	window, err := t.target(agent)
	if err != nil {
		return err
	}

	bufName := "claodex-" + strconv.FormatUint(bufferSeq.Add(1), 10)

	load := exec.Command("tmux", "load-buffer", "-b", bufName, "-")
	load.Stdin = strings.NewReader(payload)
	if out, err := load.CombinedOutput(); err != nil {
		return fmt.Errorf("inject: load-buffer for %q: %w (%s)", agent, err, strings.TrimSpace(string(out)))
	}

	paste := exec.Command("tmux", "paste-buffer", "-b", bufName, "-d", "-t", window)
	if out, err := paste.CombinedOutput(); err != nil {
		return fmt.Errorf("inject: paste-buffer to %q: %w (%s)", agent, err, strings.TrimSpace(string(out)))
	}

	enter := exec.Command("tmux", "send-keys", "-t", window, "Enter")
	if out, err := enter.CombinedOutput(); err != nil {
		return fmt.Errorf("inject: send-keys Enter to %q: %w (%s)", agent, err, strings.TrimSpace(string(out)))
	}

	return nil
}

// PaneAlive reports whether agent's pane still has a running process. A
// window that no longer exists at all (closed by the user) also counts as
// not alive, distinct from a crashed-but-remain-on-exit pane.
func (t *Tmux) PaneAlive(agent model.Agent) (bool, error) {
	window, err := t.target(agent)
	if err != nil {
		return false, err
	}

	cmd := exec.Command("tmux", "list-panes", "-t", window, "-F", "#{pane_dead}")
	out, err := cmd.Output()
	if err != nil {
		// list-panes fails when the target window is gone.
		return false, nil
	}

	return !parsePaneDeadOutput(string(out)), nil
}

// parsePaneDeadOutput reports whether any line of
// `tmux list-panes -F "#{pane_dead}"` output marks a dead pane ("1").
func parsePaneDeadOutput(output string) bool {
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if strings.TrimSpace(line) == "1" {
			return true
		}
	}
	return false
}
