package extractor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuavictorchen/claodex/internal/model"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestAgentLog_RefreshIncremental(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "claude.jsonl", `{"type":"user","message":{"role":"user","content":"hi"}}`+"\n")

	log := newAgentLog(model.Claude, path, parseClaudeLine, nil, nil)
	added, cursor, err := log.refresh()
	require.NoError(t, err)
	assert.Len(t, added, 1)
	assert.Equal(t, model.Cursor(1), cursor)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"yo"}]}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	added, cursor, err = log.refresh()
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, model.Cursor(2), cursor)
	assert.True(t, added[0].isAssistantText())
}

func TestAgentLog_MissingFileYieldsNoRecords(t *testing.T) {
	log := newAgentLog(model.Claude, filepath.Join(t.TempDir(), "absent.jsonl"), parseClaudeLine, nil, nil)
	added, cursor, err := log.refresh()
	require.NoError(t, err)
	assert.Nil(t, added)
	assert.Equal(t, model.Cursor(0), cursor)
}

func TestAgentLog_StuckLineSkippedAfterMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "codex.jsonl", "not valid json\n")

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	log := newAgentLog(model.Codex, path, parseCodexLine, nil, now)

	added, cursor, err := log.refresh()
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, model.Cursor(0), cursor)

	added, _, err = log.refresh()
	require.NoError(t, err)
	assert.Empty(t, added)

	added, cursor, err = log.refresh()
	require.NoError(t, err)
	require.Len(t, added, 1, "third attempt should exhaust the retry budget and skip the line")
	assert.Equal(t, model.Cursor(1), cursor)
}

func TestAgentLog_StuckLineSkippedAfterMaxAge(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "codex.jsonl", "not valid json\n")

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	log := newAgentLog(model.Codex, path, parseCodexLine, nil, now)

	_, _, err := log.refresh()
	require.NoError(t, err)

	clock = clock.Add(stuckLineMaxAge)
	added, cursor, err := log.refresh()
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, model.Cursor(1), cursor)
}

func TestAgentLog_RecordsBetweenClampsBounds(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "claude.jsonl",
		`{"type":"user","message":{"role":"user","content":"a"}}`+"\n"+
			`{"type":"user","message":{"role":"user","content":"b"}}`+"\n")
	log := newAgentLog(model.Claude, path, parseClaudeLine, nil, nil)
	_, _, err := log.refresh()
	require.NoError(t, err)

	recs := log.recordsBetween(-5, 50)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Text)
	assert.Equal(t, "b", recs[1].Text)
}
