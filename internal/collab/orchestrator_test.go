package collab

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuavictorchen/claodex/internal/bus"
	"github.com/joshuavictorchen/claodex/internal/extractor"
	"github.com/joshuavictorchen/claodex/internal/model"
	"github.com/joshuavictorchen/claodex/internal/router"
	"github.com/joshuavictorchen/claodex/internal/store"
)

// scriptedInjector simulates the tmux pane: each Paste call consumes one
// canned payload from the target's script queue and appends it to the
// target's own session log, so the very next poll observes the turn as
// done. onPaste, if set for a target, fires synchronously during that
// target's next Paste call, letting tests pin a halt request to an exact
// point in the single-threaded run instead of racing a goroutine.
type scriptedInjector struct {
	alive   map[model.Agent]bool
	paths   map[model.Agent]string
	script  map[model.Agent][]string
	onPaste map[model.Agent]func()
}

func (s *scriptedInjector) PaneAlive(target model.Agent) (bool, error) {
	return s.alive[target], nil
}

func (s *scriptedInjector) Paste(target model.Agent, payload string) error {
	if cb := s.onPaste[target]; cb != nil {
		cb()
	}
	queue := s.script[target]
	if len(queue) == 0 {
		return nil
	}
	s.script[target] = queue[1:]
	f, err := os.OpenFile(s.paths[target], os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(queue[0])
	return err
}

func codexTurnLine(text string) string {
	encoded, _ := json.Marshal(text)
	return `{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":` + string(encoded) + `}]}}` + "\n" +
		`{"type":"event_msg","payload":{"type":"task_complete"}}` + "\n"
}

func claudeTurnLine(text string) string {
	encoded, _ := json.Marshal(text)
	return `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":` + string(encoded) + `}]}}` + "\n" +
		`{"type":"system","subtype":"turn_duration"}` + "\n"
}

func newTestOrchestrator(t *testing.T, claudeScript, codexScript []string) (*Orchestrator, *scriptedInjector, string) {
	t.Helper()
	dir := t.TempDir()
	claudePath := filepath.Join(dir, "claude.jsonl")
	codexPath := filepath.Join(dir, "codex.jsonl")
	require.NoError(t, os.WriteFile(claudePath, nil, 0o644))
	require.NoError(t, os.WriteFile(codexPath, nil, 0o644))

	ext, err := extractor.New([]extractor.Source{
		{Agent: model.Claude, SessionFile: claudePath},
		{Agent: model.Codex, SessionFile: codexPath},
	}, nil, nil)
	require.NoError(t, err)

	cursors, err := store.NewCursorStore(filepath.Join(dir, "state"))
	require.NoError(t, err)

	inj := &scriptedInjector{
		alive:   map[model.Agent]bool{model.Claude: true, model.Codex: true},
		paths:   map[model.Agent]string{model.Claude: claudePath, model.Codex: codexPath},
		script:  map[model.Agent][]string{model.Claude: claudeScript, model.Codex: codexScript},
		onPaste: make(map[model.Agent]func()),
	}

	r, err := router.New(router.Config{Extractor: ext, Cursors: cursors, Injector: inj})
	require.NoError(t, err)

	b, err := bus.New(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "metrics.json"), nil)
	require.NoError(t, err)

	o, err := New(Config{
		Router:          r,
		Bus:             b,
		PollInterval:    time.Millisecond,
		TurnTimeout:     time.Second,
		ExchangeLogPath: filepath.Join(dir, "exchange.md"),
	})
	require.NoError(t, err)
	return o, inj, dir
}

func TestRun_TurnsReached(t *testing.T) {
	o, _, dir := newTestOrchestrator(t,
		[]string{claudeTurnLine("claude turn0")},
		[]string{codexTurnLine("codex turn1")},
	)

	reason, err := o.Run(context.Background(), model.CollabRequest{
		Starter:        model.Claude,
		Turns:          1,
		InitialMessage: "let's collaborate",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StopTurnsReached, reason)
	assert.False(t, o.Active())

	transcript, err := os.ReadFile(filepath.Join(dir, "exchange.md"))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "claude turn0")
	assert.Contains(t, string(transcript), "codex turn1")
	assert.Contains(t, string(transcript), "Stop reason: turns_reached")
}

func TestRun_Converged(t *testing.T) {
	o, _, dir := newTestOrchestrator(t,
		[]string{claudeTurnLine("looks good\n[CONVERGED]")},
		[]string{codexTurnLine("agreed\n[CONVERGED]")},
	)

	reason, err := o.Run(context.Background(), model.CollabRequest{
		Starter:        model.Claude,
		Turns:          5,
		InitialMessage: "let's collaborate",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StopConverged, reason)

	transcript, err := os.ReadFile(filepath.Join(dir, "exchange.md"))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "looks good")
	assert.NotContains(t, string(transcript), "[CONVERGED]",
		"collab signals are stripped from transcripted bodies")
}

func TestRun_NoConvergenceOnSingleSignal(t *testing.T) {
	o, _, _ := newTestOrchestrator(t,
		[]string{claudeTurnLine("looks good\n[CONVERGED]")},
		[]string{codexTurnLine("still working on it")},
	)

	reason, err := o.Run(context.Background(), model.CollabRequest{
		Starter:        model.Claude,
		Turns:          1,
		InitialMessage: "let's collaborate",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StopTurnsReached, reason, "a single agent's signal never terminates on its own")
}

func TestRun_AgentInitiated_SkipsSeedSend(t *testing.T) {
	o, _, dir := newTestOrchestrator(t,
		[]string{claudeTurnLine("unexpected seed reply")},
		[]string{codexTurnLine("codex turn1")},
	)

	reason, err := o.Run(context.Background(), model.CollabRequest{
		Starter:        model.Claude,
		Turns:          1,
		InitialMessage: "original user ask",
		AgentInitiated: true,
		SeededResponse: "claude wants to collaborate\n[COLLAB]",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StopTurnsReached, reason)

	data, err := os.ReadFile(filepath.Join(dir, "claude.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, data, "agent-initiated collab must not paste a seed send to the starter")
}

func TestRun_HaltAfterRoutedSend_SyncsBothNoResponsePending(t *testing.T) {
	o, inj, dir := newTestOrchestrator(t,
		[]string{claudeTurnLine("c0")},
		[]string{codexTurnLine("k0")},
	)
	inj.onPaste[model.Codex] = func() { o.RequestHalt() }

	reason, err := o.Run(context.Background(), model.CollabRequest{
		Starter:        model.Claude,
		Turns:          5,
		InitialMessage: "go",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StopUserHalt, reason)
	assert.True(t, o.ConsumePostHalt())
	assert.False(t, o.ConsumePostHalt(), "post-halt marker is one-shot")

	_, err = os.Stat(filepath.Join(dir, "state", "delivery", "codex"))
	assert.NoError(t, err, "codex's delivery cursor must be synced when no response is unrouted")
}

func TestRun_HaltDuringSeedWait_ExcludesUnroutedPeer(t *testing.T) {
	o, inj, dir := newTestOrchestrator(t,
		[]string{claudeTurnLine("c0")},
		nil,
	)
	inj.onPaste[model.Claude] = func() { o.RequestHalt() }

	reason, err := o.Run(context.Background(), model.CollabRequest{
		Starter:        model.Claude,
		Turns:          5,
		InitialMessage: "go",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StopUserHalt, reason)

	_, err = os.Stat(filepath.Join(dir, "state", "delivery", "codex"))
	assert.True(t, os.IsNotExist(err), "codex was never routed to and must keep its stale delivery cursor")
}

func TestInterject_QueuesAndReplaysOnceToEachPeer(t *testing.T) {
	o, inj, dir := newTestOrchestrator(t,
		[]string{claudeTurnLine("c0"), claudeTurnLine("c1")},
		[]string{codexTurnLine("k0"), codexTurnLine("k1")},
	)
	assert.False(t, o.Interject("too early"), "no run is active yet")
	inj.onPaste[model.Codex] = func() {
		// Fires on the first routed send to codex, before that send has
		// consumed its script entry: the interjection queues too late for
		// this turn and is drained into the following one instead.
		o.Interject("note")
		inj.onPaste[model.Codex] = nil
	}

	reason, err := o.Run(context.Background(), model.CollabRequest{
		Starter:        model.Claude,
		Turns:          3,
		InitialMessage: "go",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StopTurnsReached, reason)

	transcript, err := os.ReadFile(filepath.Join(dir, "exchange.md"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(transcript), "note"),
		"an interjection queued mid-run must reach both peers exactly once")
}

func TestRun_UpdatesMetricsSnapshot(t *testing.T) {
	o, _, dir := newTestOrchestrator(t,
		[]string{claudeTurnLine("claude turn0")},
		[]string{codexTurnLine("codex turn1")},
	)

	reason, err := o.Run(context.Background(), model.CollabRequest{
		Starter:        model.Claude,
		Turns:          1,
		InitialMessage: "let's collaborate",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StopTurnsReached, reason)

	data, err := os.ReadFile(filepath.Join(dir, "metrics.json"))
	require.NoError(t, err)
	var m bus.Metrics
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, 1, m.TurnsCompleted)
	assert.False(t, m.CollabActive, "metrics must reflect the run ending, not the mid-run snapshot")
	assert.Equal(t, string(model.StopTurnsReached), m.LastStopReason)
}

func TestClassifyError(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil, nil)
	assert.Equal(t, model.StopPaneDead, o.classifyError(&router.PaneDeadError{Target: model.Claude}))
	assert.Equal(t, model.StopTimeout, o.classifyError(&router.TimeoutError{Target: model.Claude}))
	assert.Equal(t, model.StopInterference, o.classifyError(&router.InterferenceError{Target: model.Claude}))
}
