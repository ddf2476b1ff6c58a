package replctl

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuavictorchen/claodex/internal/bus"
	"github.com/joshuavictorchen/claodex/internal/collab"
	"github.com/joshuavictorchen/claodex/internal/extractor"
	"github.com/joshuavictorchen/claodex/internal/model"
	"github.com/joshuavictorchen/claodex/internal/router"
	"github.com/joshuavictorchen/claodex/internal/store"
)

// scriptedInjector appends one canned JSONL turn to the target's own log on
// each Paste call, so the very next poll observes the turn as done.
type scriptedInjector struct {
	alive  map[model.Agent]bool
	paths  map[model.Agent]string
	script map[model.Agent][]string
	pasted map[model.Agent][]string
}

func (s *scriptedInjector) PaneAlive(target model.Agent) (bool, error) {
	return s.alive[target], nil
}

func (s *scriptedInjector) Paste(target model.Agent, payload string) error {
	s.pasted[target] = append(s.pasted[target], payload)
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

func claudeTurnLine(text string) string {
	encoded, _ := json.Marshal(text)
	return `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":` + string(encoded) + `}]}}` + "\n" +
		`{"type":"system","subtype":"turn_duration"}` + "\n"
}

func codexTurnLine(text string) string {
	encoded, _ := json.Marshal(text)
	return `{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":` + string(encoded) + `}]}}` + "\n" +
		`{"type":"event_msg","payload":{"type":"task_complete"}}` + "\n"
}

type fakeEditor struct {
	prefills []string
}

func (f *fakeEditor) SetPrefill(text string) { f.prefills = append(f.prefills, text) }

func newTestController(t *testing.T, claudeScript, codexScript []string) (*Controller, *scriptedInjector, *fakeEditor, string) {
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
		alive:  map[model.Agent]bool{model.Claude: true, model.Codex: true},
		paths:  map[model.Agent]string{model.Claude: claudePath, model.Codex: codexPath},
		script: map[model.Agent][]string{model.Claude: claudeScript, model.Codex: codexScript},
		pasted: make(map[model.Agent][]string),
	}

	r, err := router.New(router.Config{Extractor: ext, Cursors: cursors, Injector: inj})
	require.NoError(t, err)

	b, err := bus.New(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "metrics.json"), nil)
	require.NoError(t, err)

	orch, err := collab.New(collab.Config{
		Router:          r,
		Bus:             b,
		PollInterval:    time.Millisecond,
		TurnTimeout:     time.Second,
		ExchangeLogPath: filepath.Join(dir, "exchange.md"),
	})
	require.NoError(t, err)

	editor := &fakeEditor{}
	ctl, err := New(Config{Router: r, Collab: orch, Bus: b, Editor: editor, CollabTurns: 3})
	require.NoError(t, err)
	return ctl, inj, editor, dir
}

func TestToggleTarget(t *testing.T) {
	ctl, _, _, _ := newTestController(t, nil, nil)
	assert.Equal(t, model.Claude, ctl.CurrentTarget())
	ctl.ToggleTarget()
	assert.Equal(t, model.Codex, ctl.CurrentTarget())
	ctl.ToggleTarget()
	assert.Equal(t, model.Claude, ctl.CurrentTarget())
}

func TestSubmit_PlainMessageSendsToCurrentTarget(t *testing.T) {
	ctl, inj, _, _ := newTestController(t, nil, nil)
	require.NoError(t, ctl.Submit(context.Background(), "hello claude"))
	require.Len(t, inj.pasted[model.Claude], 1)
	assert.Contains(t, inj.pasted[model.Claude][0], "hello claude")
}

func TestSubmit_EmptyLineIsNoop(t *testing.T) {
	ctl, inj, _, _ := newTestController(t, nil, nil)
	require.NoError(t, ctl.Submit(context.Background(), "   "))
	assert.Empty(t, inj.pasted[model.Claude])
}

func TestSubmit_UnknownCommandErrors(t *testing.T) {
	ctl, _, _, _ := newTestController(t, nil, nil)
	err := ctl.Submit(context.Background(), "/bogus")
	assert.Error(t, err)
}

func TestSubmit_CollabWithoutMessageErrors(t *testing.T) {
	ctl, _, _, _ := newTestController(t, nil, nil)
	err := ctl.Submit(context.Background(), "/collab")
	assert.Error(t, err)
}

func TestSubmit_CollabStartsAndCompletesOrchestrator(t *testing.T) {
	ctl, _, _, dir := newTestController(t,
		[]string{claudeTurnLine("c0")},
		[]string{codexTurnLine("k0")},
	)
	require.NoError(t, ctl.Submit(context.Background(), "/collab let's pair"))

	require.Eventually(t, func() bool { return !ctl.collab.Active() }, time.Second, time.Millisecond,
		"collab run must complete")

	transcript, err := os.ReadFile(filepath.Join(dir, "exchange.md"))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "c0")
}

func TestIdle_SuppressedDuringPaste(t *testing.T) {
	ctl, _, _, _ := newTestController(t, nil, nil)
	ctl.SetPasteActive(true)
	require.NoError(t, ctl.Idle())
}

func TestIdle_NoPendingWatchIsNoop(t *testing.T) {
	ctl, _, _, _ := newTestController(t, nil, nil)
	require.NoError(t, ctl.Idle())
}

func TestIdle_CollabSignalHandsOff(t *testing.T) {
	ctl, _, editor, dir := newTestController(t,
		[]string{claudeTurnLine("let's work together\n[COLLAB]")},
		[]string{codexTurnLine("ack")},
	)
	require.NoError(t, ctl.Submit(context.Background(), "design the auth flow"))
	require.Eventually(t, func() bool {
		return ctl.Idle() == nil && ctl.collab.Active()
	}, time.Second, time.Millisecond, "idle poll must detect [COLLAB] and start a run")

	require.Eventually(t, func() bool { return !ctl.collab.Active() }, time.Second, time.Millisecond)
	assert.Contains(t, editor.prefills, "")

	transcript, err := os.ReadFile(filepath.Join(dir, "exchange.md"))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "design the auth flow",
		"the pending send's blocks must seed the exchange log, not be lost to the resolved-watch delete")
}

func TestSubmit_UpdatesSentCountMetric(t *testing.T) {
	ctl, _, _, dir := newTestController(t, nil, nil)
	require.NoError(t, ctl.Submit(context.Background(), "hello claude"))

	data, err := os.ReadFile(filepath.Join(dir, "metrics.json"))
	require.NoError(t, err)
	var m bus.Metrics
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, 1, m.SentCount)
}

func TestQuit_ClosesBusAndIsIdempotent(t *testing.T) {
	ctl, _, _, _ := newTestController(t, nil, nil)
	require.NoError(t, ctl.Quit())
	require.NoError(t, ctl.Quit())
	assert.True(t, ctl.Done())
}

func TestParseCommand(t *testing.T) {
	cmd, arg, ok := parseCommand("/collab let's pair on this")
	require.True(t, ok)
	assert.Equal(t, "collab", cmd)
	assert.Equal(t, "let's pair on this", arg)

	_, _, ok = parseCommand("not a command")
	assert.False(t, ok)

	cmd, arg, ok = parseCommand("/quit")
	require.True(t, ok)
	assert.Equal(t, "quit", cmd)
	assert.Empty(t, arg)
}
