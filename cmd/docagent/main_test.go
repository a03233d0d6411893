package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/docagent/agentloop"
	"github.com/martinemde/docagent/skills"
	"github.com/martinemde/docagent/unifiedllm"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DOCAGENT_CONFIG", "")
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "docagent "+Version+"\n", out)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info", "json").Info("hello", "k", "v")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])

	buf.Reset()
	newLogger(&buf, "warn", "text").Info("dropped")
	assert.Empty(t, buf.String())
}

func TestSkillsCommand(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "docx")
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"),
		[]byte("---\nname: Word Documents\ndescription: Create .docx files\n---\n# Docx\n"), 0o644))
	t.Setenv("AGENT_SKILLS_DIR", dir)

	out, err := runRoot(t, "skills", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "docx")
	assert.Contains(t, out, "Word Documents")
	assert.Contains(t, out, "Create .docx files")

	out, err = runRoot(t, "skills", "--json", "--log-level", "error")
	require.NoError(t, err)
	var list []skills.Skill
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "docx", list[0].ID)
}

func TestSkillsCommandEmpty(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENT_SKILLS_DIR", dir)

	out, err := runRoot(t, "skills", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "No skills in "+dir+"\n", out)

	out, err = runRoot(t, "skills", "--json", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestBadConfigFails(t *testing.T) {
	_, err := runRoot(t, "skills", "--config", filepath.Join(t.TempDir(), "missing.json5"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

// scriptedRunner replays a fixed event list and records every request.
type scriptedRunner struct {
	mu       sync.Mutex
	events   []agentloop.Event
	requests []agentloop.RunRequest
}

func (r *scriptedRunner) Stream(_ context.Context, req agentloop.RunRequest) <-chan agentloop.Event {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	ch := make(chan agentloop.Event, len(r.events))
	for _, ev := range r.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestChatSendRendersEvents(t *testing.T) {
	r := &scriptedRunner{events: []agentloop.Event{
		{Kind: agentloop.EventRunStart},
		{Kind: agentloop.EventToolCallStart, ToolCall: &unifiedllm.ToolCall{ID: "c1", Name: "load_skill"}},
		{Kind: agentloop.EventToolCallEnd, ToolResult: &agentloop.ToolResult{CallID: "c1", Name: "load_skill"}},
		{Kind: agentloop.EventToolCallStart, ToolCall: &unifiedllm.ToolCall{ID: "c2", Name: "execute_bash"}},
		{Kind: agentloop.EventToolCallEnd, ToolResult: &agentloop.ToolResult{CallID: "c2", Name: "execute_bash", IsError: true}},
		{Kind: agentloop.EventTextDelta, Delta: "Saved "},
		{Kind: agentloop.EventTextDelta, Delta: "report.docx"},
		{Kind: agentloop.EventWarning, Warning: "Loop detected"},
		{Kind: agentloop.EventDone, Result: &agentloop.RunResult{Text: "Saved report.docx", OutputPath: "/out/s1"}},
	}}
	var out bytes.Buffer
	s := newChatSession(r, "dev", strings.NewReader(""), &out)

	ok := s.send(context.Background(), "make a report")
	assert.True(t, ok)
	assert.Equal(t,
		"→ load_skill\n→ execute_bash\n✗ execute_bash\nSaved report.docx\n! Loop detected\noutput: /out/s1\n",
		out.String())

	require.Len(t, r.requests, 1)
	req := r.requests[0]
	assert.Equal(t, "dev", req.User)
	assert.Equal(t, agentloop.DeriveThreadID("dev", s.conversationID), req.ThreadID)
	assert.Equal(t, []agentloop.InputMessage{{Role: "user", Content: "make a report"}}, req.Input)
}

func TestChatSendFallsBackToResultText(t *testing.T) {
	r := &scriptedRunner{events: []agentloop.Event{
		{Kind: agentloop.EventDone, Result: &agentloop.RunResult{Text: "Done."}},
	}}
	var out bytes.Buffer
	assert.True(t, newChatSession(r, "dev", nil, &out).send(context.Background(), "hi"))
	assert.Equal(t, "Done.\n", out.String())
}

func TestChatSendError(t *testing.T) {
	r := &scriptedRunner{events: []agentloop.Event{
		{Kind: agentloop.EventTextDelta, Delta: "partial"},
		{Kind: agentloop.EventError, Err: &agentloop.RunError{Message: "model endpoint unavailable"}},
	}}
	var out bytes.Buffer
	assert.False(t, newChatSession(r, "dev", nil, &out).send(context.Background(), "hi"))
	assert.Equal(t, "partial\nError: model endpoint unavailable\n", out.String())
}

func TestChatREPLKeepsConversation(t *testing.T) {
	r := &scriptedRunner{events: []agentloop.Event{
		{Kind: agentloop.EventDone, Result: &agentloop.RunResult{Text: "ok"}},
	}}
	in := strings.NewReader("first\n\n  second  \nexit\nnever sent\n")
	var out bytes.Buffer
	s := newChatSession(r, "dev", in, &out)

	require.NoError(t, s.repl(context.Background()))
	require.Len(t, r.requests, 2)
	assert.Equal(t, "first", r.requests[0].Input[0].Content)
	assert.Equal(t, "second", r.requests[1].Input[0].Content)
	assert.Equal(t, r.requests[0].ThreadID, r.requests[1].ThreadID)
	assert.Equal(t, s.conversationID, r.requests[1].ConversationID)
	assert.Contains(t, out.String(), "you> ")
}

func TestChatREPLStopsAtEOF(t *testing.T) {
	r := &scriptedRunner{}
	var out bytes.Buffer
	require.NoError(t, newChatSession(r, "dev", strings.NewReader("quit"), &out).repl(context.Background()))
	assert.Empty(t, r.requests)
	require.NoError(t, newChatSession(r, "dev", strings.NewReader(""), &out).repl(context.Background()))
	assert.Empty(t, r.requests)
}
