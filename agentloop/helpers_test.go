package agentloop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/martinemde/docagent/checkpoint"
	"github.com/martinemde/docagent/sandbox"
	"github.com/martinemde/docagent/skills"
	"github.com/martinemde/docagent/storage"
	"github.com/martinemde/docagent/unifiedllm"
)

// fakeLLM answers each model call with the response chosen by respond.
type fakeLLM struct {
	mu       sync.Mutex
	respond  func(n int, req unifiedllm.Request) (unifiedllm.Response, error)
	requests []unifiedllm.Request
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Complete(_ context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	resp, err := f.respond(n, req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (f *fakeLLM) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	resp, err := f.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan unifiedllm.StreamEvent, 4)
	if text := resp.Text(); text != "" {
		ch <- unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, TextID: "text_0", Delta: text}
	}
	ch <- unifiedllm.StreamEvent{Type: unifiedllm.StreamFinish, Response: resp, Usage: &resp.Usage}
	close(ch)
	return ch, nil
}

func (f *fakeLLM) Requests() []unifiedllm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]unifiedllm.Request(nil), f.requests...)
}

// script replays responses in order, repeating the last one.
func script(resps ...unifiedllm.Response) *fakeLLM {
	return &fakeLLM{respond: func(n int, _ unifiedllm.Request) (unifiedllm.Response, error) {
		if n >= len(resps) {
			n = len(resps) - 1
		}
		return resps[n], nil
	}}
}

type call struct{ id, name, args string }

func toolCalls(calls ...call) unifiedllm.Response {
	msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	for _, c := range calls {
		msg.Content = append(msg.Content, unifiedllm.ToolCallPart(c.id, c.name, json.RawMessage(c.args)))
	}
	return unifiedllm.Response{
		Message:      msg,
		FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"},
		Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func textReply(text string) unifiedllm.Response {
	return unifiedllm.Response{
		Message:      unifiedllm.AssistantMessage(text),
		FinishReason: unifiedllm.FinishReason{Reason: "stop"},
		Usage:        unifiedllm.Usage{InputTokens: 20, OutputTokens: 2, TotalTokens: 22},
	}
}

type testEnv struct {
	agent     *Agent
	registry  *ToolRegistry
	volume    *storage.Volume
	outputDir string
	skillsDir string
	workBase  string
}

func newToolbox(t *testing.T) (*Toolbox, *testEnv) {
	t.Helper()
	env := &testEnv{
		outputDir: t.TempDir(),
		skillsDir: t.TempDir(),
		workBase:  t.TempDir(),
	}
	skillDir := filepath.Join(env.skillsDir, "docx")
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"),
		[]byte("---\nname: Word Documents\ndescription: Create .docx files\n---\n# Docx\nRun {baseDir}/build.js\n"), 0o644))

	vol, err := storage.NewVolume(storage.VolumeOptions{LocalDir: env.outputDir, Mode: storage.OutputLocal})
	require.NoError(t, err)
	env.volume = vol

	shell, err := sandbox.NewShell(sandbox.ShellOptions{ShimDir: t.TempDir()})
	require.NoError(t, err)

	tb := &Toolbox{
		Skills:   skills.NewCatalog(env.skillsDir, nil),
		Volume:   vol,
		Code:     sandbox.NewCodeRunner(0, nil),
		Shell:    shell,
		Workdirs: sandbox.NewWorkdirs(env.workBase),
	}
	env.registry = NewToolRegistry(nil)
	RegisterCoreTools(env.registry, tb)
	return tb, env
}

func newTestAgent(t *testing.T, llm *fakeLLM, cfg Config) *testEnv {
	t.Helper()
	tb, env := newToolbox(t)
	locks := NewThreadLocks()
	store, err := checkpoint.NewMemoryStore(16, WorkdirCleanup(tb.Workdirs, locks, nil))
	require.NoError(t, err)

	agent, err := NewAgent(AgentOptions{
		Client:       unifiedllm.NewClient(unifiedllm.WithProvider("fake", llm)),
		Profile:      NewDocumentProfile("fake", "fake-model", env.registry),
		Checkpointer: NewCheckpointer(store),
		Volume:       env.volume,
		Skills:       tb.Skills,
		Config:       cfg,
		Locks:        locks,
	})
	require.NoError(t, err)
	env.agent = agent
	return env
}

func userInput(text string) []InputMessage {
	return []InputMessage{{Role: "user", Content: text}}
}

func dispatch(t *testing.T, reg *ToolRegistry, env *ToolEnv, name, args string) ToolResult {
	t.Helper()
	return reg.Dispatch(context.Background(), unifiedllm.ToolCall{ID: "call_1", Name: name, Arguments: json.RawMessage(args)}, env)
}
