package agentloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/docagent/unifiedllm"
)

func TestListSkillsScenario(t *testing.T) {
	llm := script(
		toolCalls(call{"c1", ToolListSkills, `{}`}),
		textReply("Done"),
	)
	env := newTestAgent(t, llm, Config{MaxIterations: 10})

	res, err := env.agent.Invoke(context.Background(), RunRequest{Input: userInput("list skills")})
	require.NoError(t, err)
	assert.Equal(t, "Done", res.Text)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, StopCompleted, res.StopReason)
	assert.Equal(t, unifiedllm.Usage{InputTokens: 30, OutputTokens: 7, TotalTokens: 37}, res.Usage)

	reqs := llm.Requests()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, unifiedllm.RoleSystem, msgs[0].Role)
	assert.Equal(t, unifiedllm.RoleUser, msgs[1].Role)
	assert.Equal(t, unifiedllm.RoleAssistant, msgs[2].Role)
	tr := msgs[3].ToolResult()
	require.NotNil(t, tr)
	assert.Equal(t, "c1", tr.ToolCallID)
	assert.False(t, tr.IsError)
	assert.True(t, strings.HasPrefix(tr.Content, "Available skills:\n- Word Documents (docx): Create .docx files"))
	assert.Len(t, reqs[0].Tools, 8)

	st, err := env.agent.Checkpointer().Load(context.Background(), res.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.IterationCount)
}

func TestStateSavedAfterEachToolStep(t *testing.T) {
	var (
		env   *testEnv
		saved *ConversationState
	)
	llm := &fakeLLM{respond: func(n int, _ unifiedllm.Request) (unifiedllm.Response, error) {
		if n == 0 {
			return toolCalls(call{"c1", ToolListSkills, `{}`}), nil
		}
		// The first turn's tool result must already be durable.
		st, err := env.agent.Checkpointer().Load(context.Background(), "t:save")
		if err != nil {
			return unifiedllm.Response{}, err
		}
		saved = st
		return textReply("Done"), nil
	}}
	env = newTestAgent(t, llm, Config{MaxIterations: 10})

	_, err := env.agent.Invoke(context.Background(), RunRequest{ThreadID: "t:save", Input: userInput("list skills")})
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, 1, saved.IterationCount)
	require.Len(t, saved.Messages, 4)
	tr := saved.Messages[3].ToolResult()
	require.NotNil(t, tr)
	assert.Equal(t, "c1", tr.ToolCallID)
	assert.Equal(t, unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, saved.TokenUsage)
}

func TestMaxIterationsStopsBeforePendingTools(t *testing.T) {
	llm := script(toolCalls(call{"c1", ToolExecuteBash, `{"command":"touch ran.txt"}`}))
	env := newTestAgent(t, llm, Config{MaxIterations: 1})

	res, err := env.agent.Invoke(context.Background(), RunRequest{ThreadID: "t:1", Input: userInput("go")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, StopMaxIterations, res.StopReason)
	require.Len(t, res.Message.ToolCalls(), 1)
	assert.Len(t, llm.Requests(), 1)

	st, err := env.agent.Checkpointer().Load(context.Background(), "t:1")
	require.NoError(t, err)
	last := st.Messages[len(st.Messages)-1]
	assert.Equal(t, unifiedllm.RoleAssistant, last.Role)
	assert.Empty(t, st.ToolContext.BashWorkingDirectory, "pending shell call must not run")
}

func TestIterationCountNeverExceedsMax(t *testing.T) {
	llm := script(toolCalls(call{"c1", ToolListSkills, `{}`}))
	env := newTestAgent(t, llm, Config{MaxIterations: 3, LoopDetectionWindow: -1})

	res, err := env.agent.Invoke(context.Background(), RunRequest{Input: userInput("loop forever")})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, llm.Requests(), 3)
}

func TestSystemPromptPresentOnce(t *testing.T) {
	llm := script(toolCalls(call{"c1", ToolListSkills, `{}`}), textReply("Done"))
	llm.respond = func(_ int, req unifiedllm.Request) (unifiedllm.Response, error) {
		if req.Messages[len(req.Messages)-1].Role == unifiedllm.RoleUser {
			return toolCalls(call{"", ToolListSkills, `{}`}), nil
		}
		return textReply("Done"), nil
	}
	env := newTestAgent(t, llm, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.agent.Invoke(ctx, RunRequest{ThreadID: "alice:c", Input: userInput(fmt.Sprintf("turn %d", i))})
		require.NoError(t, err)
	}

	st, err := env.agent.Checkpointer().Load(ctx, "alice:c")
	require.NoError(t, err)
	systems := 0
	for _, m := range st.Messages {
		if m.Role == unifiedllm.RoleSystem {
			systems++
		}
	}
	assert.Equal(t, 1, systems)
	assert.Equal(t, unifiedllm.RoleSystem, st.Messages[0].Role)
	for _, req := range llm.Requests() {
		assert.Equal(t, unifiedllm.RoleSystem, req.Messages[0].Role)
		assert.NotEqual(t, unifiedllm.RoleSystem, req.Messages[1].Role)
	}
	// Generated call ids match their results.
	for i, m := range st.Messages {
		if tr := m.ToolResult(); tr != nil {
			calls := st.Messages[i-1].ToolCalls()
			require.Len(t, calls, 1)
			assert.NotEmpty(t, calls[0].ID)
			assert.Equal(t, calls[0].ID, tr.ToolCallID)
		}
	}
}

func TestStreamEventOrder(t *testing.T) {
	llm := script(toolCalls(call{"c1", ToolListSkills, `{}`}), textReply("Done"))
	env := newTestAgent(t, llm, Config{})

	var kinds []EventKind
	var deltas strings.Builder
	var done *RunResult
	for ev := range env.agent.Stream(context.Background(), RunRequest{Input: userInput("hi")}) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventTextDelta {
			deltas.WriteString(ev.Delta)
		}
		if ev.Kind == EventDone {
			done = ev.Result
		}
		assert.NotEmpty(t, ev.ThreadID)
	}

	assert.Equal(t, []EventKind{
		EventRunStart,
		EventAssistantMessage,
		EventToolCallStart,
		EventToolCallEnd,
		EventTextDelta,
		EventAssistantMessage,
		EventDone,
	}, kinds)
	assert.Equal(t, "Done", deltas.String())
	require.NotNil(t, done)
	assert.Equal(t, done.Text, deltas.String())
}

func TestNoInput(t *testing.T) {
	env := newTestAgent(t, script(textReply("unused")), Config{})
	_, err := env.agent.Invoke(context.Background(), RunRequest{Input: []InputMessage{{Role: "user", Content: "  "}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoInput)
	assert.Equal(t, "No input provided", err.Error())
}

func TestLLMFailureKeepsPartialUsage(t *testing.T) {
	llm := &fakeLLM{respond: func(n int, _ unifiedllm.Request) (unifiedllm.Response, error) {
		if n == 0 {
			return toolCalls(call{"c1", ToolListSkills, `{}`}), nil
		}
		return unifiedllm.Response{}, &unifiedllm.ServerError{ProviderError: unifiedllm.ProviderError{
			SDKError: unifiedllm.SDKError{Message: "upstream exploded"}, Provider: "fake", StatusCode: 500,
		}}
	}}
	env := newTestAgent(t, llm, Config{})

	_, err := env.agent.Invoke(context.Background(), RunRequest{ThreadID: "t:err", Input: userInput("hi")})
	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Contains(t, runErr.Message, "upstream exploded")
	assert.Equal(t, 15, runErr.Usage.TotalTokens)
	var serverErr *unifiedllm.ServerError
	assert.True(t, errors.As(err, &serverErr))

	st, loadErr := env.agent.Checkpointer().Load(context.Background(), "t:err")
	require.NoError(t, loadErr)
	assert.Equal(t, 1, st.IterationCount)
}

func TestToolFailuresContinueLoop(t *testing.T) {
	llm := script(
		toolCalls(
			call{"c1", ToolLoadSkill, `{"skill_name": 5}`},
			call{"c2", "fly_to_moon", `{}`},
			call{"c3", ToolLoadSkill, `not json`},
		),
		textReply("Recovered"),
	)
	env := newTestAgent(t, llm, Config{})

	res, err := env.agent.Invoke(context.Background(), RunRequest{Input: userInput("hi")})
	require.NoError(t, err)
	assert.Equal(t, "Recovered", res.Text)

	msgs := llm.Requests()[1].Messages
	require.Len(t, msgs, 6)
	results := []*unifiedllm.ToolResultData{msgs[3].ToolResult(), msgs[4].ToolResult(), msgs[5].ToolResult()}
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.Equal(t, "c3", results[2].ToolCallID)
	for _, r := range results {
		assert.True(t, r.IsError)
		assert.True(t, strings.HasPrefix(r.Content, FailurePrefix), r.Content)
	}
	assert.Contains(t, results[0].Content, "invalid arguments for load_skill")
	assert.Contains(t, results[1].Content, `unknown tool "fly_to_moon"`)
}

func TestSessionIDDerivedAndKept(t *testing.T) {
	env := newTestAgent(t, script(textReply("ok")), Config{})
	ctx := context.Background()

	res, err := env.agent.Invoke(ctx, RunRequest{User: "alice@example.com", ConversationID: "c1", Input: userInput("hi")})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com:c1", res.ThreadID)
	assert.Equal(t, DeriveSessionID("alice@example.com:c1"), res.SessionID)
	assert.Equal(t, filepath.Join(env.outputDir, res.SessionID), res.OutputPath)

	again, err := env.agent.Invoke(ctx, RunRequest{User: "alice@example.com", ConversationID: "c1", SessionID: "other", Input: userInput("again")})
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, again.SessionID)

	fresh, err := env.agent.Invoke(ctx, RunRequest{ThreadID: "bob:x", SessionID: "../bad", Input: userInput("hi")})
	require.NoError(t, err)
	assert.Equal(t, DeriveSessionID("bob:x"), fresh.SessionID)
}

func TestConcurrentConversationsIsolated(t *testing.T) {
	llm := &fakeLLM{}
	llm.respond = func(_ int, req unifiedllm.Request) (unifiedllm.Response, error) {
		who := req.Messages[1].TextContent()
		if req.Messages[len(req.Messages)-1].Role == unifiedllm.RoleUser {
			return toolCalls(
				call{"c1", ToolExecuteJavaScript, fmt.Sprintf(`{"code":"result = '%s-' + 'x'.repeat(600)"}`, who)},
				call{"c2", ToolExecuteBash, fmt.Sprintf(`{"command":"sleep 0.1; echo %s > who.txt"}`, who)},
			), nil
		}
		return textReply("Done"), nil
	}
	env := newTestAgent(t, llm, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, who := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.agent.Invoke(ctx, RunRequest{ThreadID: who + ":1", Input: userInput(who)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	alice, err := env.agent.Checkpointer().Load(ctx, "alice:1")
	require.NoError(t, err)
	bob, err := env.agent.Checkpointer().Load(ctx, "bob:1")
	require.NoError(t, err)

	require.NotNil(t, alice.ToolContext.LastExecuteResult)
	require.NotNil(t, bob.ToolContext.LastExecuteResult)
	assert.True(t, strings.HasPrefix(string(alice.ToolContext.LastExecuteResult.Data), "alice-"))
	assert.True(t, strings.HasPrefix(string(bob.ToolContext.LastExecuteResult.Data), "bob-"))

	aliceDir, bobDir := alice.ToolContext.BashWorkingDirectory, bob.ToolContext.BashWorkingDirectory
	require.NotEmpty(t, aliceDir)
	require.NotEmpty(t, bobDir)
	assert.NotEqual(t, aliceDir, bobDir)
	data, err := os.ReadFile(filepath.Join(aliceDir, "who.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alice\n", string(data))
}

func TestParallelToolsKeepOrder(t *testing.T) {
	llm := script(
		toolCalls(
			call{"c1", ToolExecuteBash, `{"command":"sleep 0.2; echo first"}`},
			call{"c2", ToolExecuteBash, `{"command":"echo second"}`},
		),
		textReply("Done"),
	)
	env := newTestAgent(t, llm, Config{ParallelTools: true})
	env.agent.profile = &DocumentProfile{BaseProfile{
		providerID: "fake", model: "fake-model", registry: env.registry,
		supportsStreaming: true, supportsParallelToolCalls: true, contextWindowSize: 1000,
	}}

	_, err := env.agent.Invoke(context.Background(), RunRequest{Input: userInput("hi")})
	require.NoError(t, err)
	msgs := llm.Requests()[1].Messages
	assert.Equal(t, "c1", msgs[3].ToolCallID)
	assert.True(t, strings.HasPrefix(msgs[3].ToolResult().Content, "first"))
	assert.Equal(t, "c2", msgs[4].ToolCallID)
}

func TestWarnings(t *testing.T) {
	llm := script(toolCalls(call{"c1", ToolListSkills, `{}`}))
	env := newTestAgent(t, llm, Config{MaxIterations: 4, LoopDetectionWindow: 3})
	env.agent.profile = &DocumentProfile{BaseProfile{
		providerID: "fake", model: "fake-model", registry: env.registry,
		supportsStreaming: true, contextWindowSize: 100,
	}}

	var warnings []string
	for ev := range env.agent.Stream(context.Background(), RunRequest{Input: userInput("hi")}) {
		if ev.Kind == EventWarning {
			warnings = append(warnings, ev.Warning)
		}
	}
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0], "Context usage")
	joined := strings.Join(warnings, "\n")
	assert.Contains(t, joined, "Loop detected")
	assert.Equal(t, 1, strings.Count(joined, "Context usage"))
}

func TestThreadLocksSerialise(t *testing.T) {
	l := NewThreadLocks()
	unlock := l.lock("a")
	assert.True(t, l.Held("a"))
	assert.False(t, l.Held("b"))

	acquired := make(chan struct{})
	go func() {
		u := l.lock("a")
		close(acquired)
		u()
	}()
	select {
	case <-acquired:
		t.Fatal("second lock on the same thread must wait")
	case <-time.After(50 * time.Millisecond):
	}

	other := l.lock("b")
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock not released")
	}
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.m) == 0
	}, time.Second, 10*time.Millisecond)
	assert.False(t, l.Held("a"))
}

func TestNewAgentValidates(t *testing.T) {
	_, err := NewAgent(AgentOptions{})
	assert.Error(t, err)
}
