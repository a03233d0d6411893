package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/docagent/skills"
	"github.com/martinemde/docagent/storage"
	"github.com/martinemde/docagent/unifiedllm"
)

// ErrNoInput is reported when a request carries no non-empty message.
var ErrNoInput = errors.New("No input provided")

// DefaultMaxIterations bounds a run when Config leaves it unset.
const DefaultMaxIterations = 10

// Config holds the loop settings.
type Config struct {
	MaxIterations int `json:"max_iterations"`
	// SessionID, when set, is used for every new conversation instead of
	// the id derived from the thread.
	SessionID string `json:"session_id,omitempty"`
	// ParallelTools dispatches the tool calls of one turn concurrently when
	// the profile allows it. Results keep request order either way.
	ParallelTools       bool           `json:"parallel_tools"`
	LoopDetectionWindow int            `json:"loop_detection_window"`
	ToolOutputLimits    map[string]int `json:"tool_output_limits,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	MaxTokens           *int           `json:"max_tokens,omitempty"`
}

// InputMessage is one caller-supplied message.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunRequest starts a run. ThreadID wins over User/ConversationID.
type RunRequest struct {
	Input          []InputMessage
	ThreadID       string
	User           string
	ConversationID string
	SessionID      string
}

// Agent runs the Call-Model / Run-Tools loop for many conversations at
// once. Runs on the same thread are serialised; runs on different threads
// share nothing mutable.
type Agent struct {
	client       *unifiedllm.Client
	profile      Profile
	checkpointer *Checkpointer
	volume       *storage.Volume
	skills       *skills.Catalog
	config       Config
	tokens       *unifiedllm.TokenCounter
	tracer       trace.Tracer
	logger       *slog.Logger

	locks *ThreadLocks
}

// AgentOptions wires an Agent to its collaborators. Skills may be nil.
type AgentOptions struct {
	Client       *unifiedllm.Client
	Profile      Profile
	Checkpointer *Checkpointer
	Volume       *storage.Volume
	Skills       *skills.Catalog
	Config       Config
	Logger       *slog.Logger
	// Locks is shared with WorkdirCleanup so eviction can see which
	// threads are running. A nil Locks gets a private set.
	Locks *ThreadLocks
}

// NewAgent validates opts and creates an Agent.
func NewAgent(opts AgentOptions) (*Agent, error) {
	switch {
	case opts.Client == nil:
		return nil, errors.New("agent: llm client is required")
	case opts.Profile == nil:
		return nil, errors.New("agent: profile is required")
	case opts.Checkpointer == nil:
		return nil, errors.New("agent: checkpointer is required")
	case opts.Volume == nil:
		return nil, errors.New("agent: volume is required")
	}
	cfg := opts.Config
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.LoopDetectionWindow == 0 {
		cfg.LoopDetectionWindow = DefaultLoopWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := opts.Locks
	if locks == nil {
		locks = NewThreadLocks()
	}
	return &Agent{
		client:       opts.Client,
		profile:      opts.Profile,
		checkpointer: opts.Checkpointer,
		volume:       opts.Volume,
		skills:       opts.Skills,
		config:       cfg,
		tokens:       unifiedllm.NewTokenCounter(),
		tracer:       otel.Tracer("github.com/martinemde/docagent/agentloop"),
		logger:       logger,
		locks:        locks,
	}, nil
}

// Profile returns the agent's profile.
func (a *Agent) Profile() Profile { return a.profile }

// Checkpointer returns the agent's state store.
func (a *Agent) Checkpointer() *Checkpointer { return a.checkpointer }

// Stream runs the loop and returns its events. The channel always ends with
// exactly one done or error event and is then closed. Consumers must drain
// it or cancel ctx.
func (a *Agent) Stream(ctx context.Context, req RunRequest) <-chan Event {
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		a.run(ctx, req, ch)
	}()
	return ch
}

// Invoke runs the loop to completion. A failed run returns a *RunError.
func (a *Agent) Invoke(ctx context.Context, req RunRequest) (*RunResult, error) {
	var (
		result *RunResult
		runErr *RunError
	)
	for ev := range a.Stream(ctx, req) {
		switch ev.Kind {
		case EventDone:
			result = ev.Result
		case EventError:
			runErr = ev.Err
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	if result == nil {
		return nil, &RunError{Message: "run ended without a result", Err: ctx.Err()}
	}
	return result, nil
}

func (a *Agent) run(ctx context.Context, req RunRequest, ch chan<- Event) {
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = DeriveThreadID(req.User, req.ConversationID)
	}
	em := &emitter{ctx: ctx, ch: ch, threadID: threadID}

	input := inputMessages(req.Input)
	if len(input) == 0 {
		em.emit(Event{Kind: EventError, Err: &RunError{ThreadID: threadID, Message: ErrNoInput.Error(), Err: ErrNoInput}})
		return
	}

	unlock := a.locks.lock(threadID)
	defer unlock()

	st, err := a.checkpointer.Load(ctx, threadID)
	if err != nil {
		em.emit(Event{Kind: EventError, Err: &RunError{ThreadID: threadID, Message: err.Error(), Err: err}})
		return
	}
	if st.SessionID == "" {
		st.SessionID = a.sessionIDFor(threadID, req.SessionID)
	}
	em.sessionID = st.SessionID
	outputPath := a.volume.SessionPath(st.SessionID)

	st.IterationCount = 0
	start := len(st.Messages)
	st.Append(input...)
	st.EnsureSystemPrompt(a.systemPrompt(outputPath))
	if start == 0 {
		start = 1
	}

	log := a.logger.With("thread_id", threadID, "session_id", st.SessionID)
	log.Info("agent run started", "messages", len(st.Messages))
	em.emit(Event{Kind: EventRunStart})

	env := NewToolEnv(threadID, st.SessionID, &st.ToolContext)
	warnedContext := false
	stopReason := StopCompleted

	fail := func(err error) {
		if saveErr := a.checkpointer.Save(context.WithoutCancel(ctx), st); saveErr != nil {
			log.Warn("checkpoint save failed", "error", saveErr)
		}
		log.Error("agent run failed", "iterations", st.IterationCount, "error", err)
		em.emit(Event{Kind: EventError, Err: &RunError{
			ThreadID:   threadID,
			SessionID:  st.SessionID,
			OutputPath: outputPath,
			Message:    err.Error(),
			Usage:      st.TokenUsage,
			Err:        err,
		}})
	}

	for {
		// Call-Model
		resp, err := a.callModel(ctx, st, em)
		if err != nil {
			fail(err)
			return
		}
		msg := resp.Message
		msg.Role = unifiedllm.RoleAssistant
		normalizeToolCalls(&msg)
		st.Append(msg)
		st.AddUsage(a.usageFor(resp, st.Messages[:len(st.Messages)-1]))
		st.IterationCount++
		em.emit(Event{Kind: EventAssistantMessage, Iteration: st.IterationCount, Message: &msg})

		if !warnedContext {
			warnedContext = a.checkContextUsage(st, em)
		}

		calls := msg.ToolCalls()
		if st.IterationCount >= a.config.MaxIterations {
			if len(calls) > 0 {
				stopReason = StopMaxIterations
				log.Warn("iteration limit reached", "max_iterations", a.config.MaxIterations, "pending_tool_calls", len(calls))
			}
			break
		}
		if len(calls) == 0 {
			break
		}

		// Run-Tools
		results := a.runTools(ctx, st, env, calls, em)
		for _, r := range results {
			st.Append(unifiedllm.ToolResultMessage(r.CallID, r.Name, r.Content, r.IsError))
		}
		// A failed save here is retried at the end of the run.
		if err := a.checkpointer.Save(ctx, st); err != nil {
			log.Warn("checkpoint save failed", "iteration", st.IterationCount, "error", err)
		}

		if a.config.LoopDetectionWindow > 0 && DetectLoop(st.Messages, a.config.LoopDetectionWindow) {
			em.emit(Event{Kind: EventWarning, Iteration: st.IterationCount, Warning: fmt.Sprintf(
				"Loop detected: the last %d tool calls follow a repeating pattern.", a.config.LoopDetectionWindow)})
		}

		if err := ctx.Err(); err != nil {
			fail(fmt.Errorf("run cancelled: %w", err))
			return
		}
	}

	if err := a.checkpointer.Save(ctx, st); err != nil {
		fail(err)
		return
	}

	last := st.LastAssistantMessage()
	result := &RunResult{
		ThreadID:   threadID,
		SessionID:  st.SessionID,
		OutputPath: outputPath,
		Text:       st.LastAssistantText(start),
		Message:    *last,
		Iterations: st.IterationCount,
		StopReason: stopReason,
		Usage:      st.TokenUsage,
	}
	log.Info("agent run finished", "iterations", st.IterationCount, "stop_reason", stopReason,
		"input_tokens", st.TokenUsage.InputTokens, "output_tokens", st.TokenUsage.OutputTokens)
	em.emit(Event{Kind: EventDone, Result: result})
}

func (a *Agent) sessionIDFor(threadID, requested string) string {
	for _, id := range []string{strings.TrimSpace(requested), a.config.SessionID} {
		if validSessionID(id) {
			return id
		}
	}
	return DeriveSessionID(threadID)
}

func (a *Agent) systemPrompt(outputPath string) string {
	env := PromptEnv{OutputPath: outputPath}
	if a.volume.Remote() {
		env.VolumeRoot = a.volume.ScopeRoot()
	}
	if a.skills != nil {
		env.SkillsDir = a.skills.Dir()
		env.SkillSummary = a.skills.Summary()
	}
	return a.profile.BuildSystemPrompt(env)
}

func inputMessages(in []InputMessage) []unifiedllm.Message {
	var out []unifiedllm.Message
	for _, m := range in {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := unifiedllm.ParseRole(m.Role)
		if role == unifiedllm.RoleTool {
			role = unifiedllm.RoleUser
		}
		out = append(out, unifiedllm.Message{Role: role, Content: []unifiedllm.ContentPart{unifiedllm.TextPart(m.Content)}})
	}
	return out
}

// normalizeToolCalls gives every tool call an id so its result can be
// matched, and makes its arguments valid JSON so the message can be
// persisted. The content is copied so the provider's response is not
// modified.
func normalizeToolCalls(msg *unifiedllm.Message) {
	content := make([]unifiedllm.ContentPart, len(msg.Content))
	copy(content, msg.Content)
	for i := range content {
		tc := content[i].ToolCall
		if content[i].Kind != unifiedllm.ContentToolCall || tc == nil {
			continue
		}
		cp := *tc
		if cp.ID == "" {
			cp.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
		switch {
		case len(bytes.TrimSpace(cp.Arguments)) == 0:
			cp.Arguments = json.RawMessage(`{}`)
		case !json.Valid(cp.Arguments):
			quoted, _ := json.Marshal(string(cp.Arguments))
			cp.Arguments = quoted
		}
		content[i].ToolCall = &cp
	}
	msg.Content = content
}

func (a *Agent) callModel(ctx context.Context, st *ConversationState, em *emitter) (*unifiedllm.Response, error) {
	ctx, span := a.tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("thread.id", st.ThreadID),
		attribute.String("session.id", st.SessionID),
		attribute.String("llm.model", a.profile.ModelID()),
		attribute.Int("llm.iteration", st.IterationCount+1),
	))
	defer span.End()

	req := unifiedllm.Request{
		Model:       a.profile.ModelID(),
		Provider:    a.profile.ID(),
		Messages:    st.Messages,
		Tools:       a.profile.ToolRegistry().LLMDefinitions(),
		Temperature: a.config.Temperature,
		MaxTokens:   a.config.MaxTokens,
		Metadata:    map[string]string{"thread_id": st.ThreadID, "session_id": st.SessionID},
	}
	if a.client.SupportsToolChoice(req, "auto") {
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}

	resp, err := a.complete(ctx, req, em, st.IterationCount+1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("llm call failed: %w", err)
	}
	span.SetAttributes(
		attribute.Int("llm.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.usage.output_tokens", resp.Usage.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls())),
	)
	return resp, nil
}

// complete streams when the profile allows it, forwarding text deltas, and
// always returns one assembled response.
func (a *Agent) complete(ctx context.Context, req unifiedllm.Request, em *emitter, iteration int) (*unifiedllm.Response, error) {
	if !a.profile.SupportsStreaming() {
		return a.client.Complete(ctx, req)
	}
	events, err := a.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return unifiedllm.Collect(ctx, events, func(delta string) {
		em.emit(Event{Kind: EventTextDelta, Iteration: iteration, Delta: delta})
	})
}

// usageFor returns the provider's usage, or an estimate when it reported
// none.
func (a *Agent) usageFor(resp *unifiedllm.Response, prompt []unifiedllm.Message) unifiedllm.Usage {
	if resp.Usage != (unifiedllm.Usage{}) {
		u := resp.Usage
		if u.TotalTokens == 0 {
			u.TotalTokens = u.InputTokens + u.OutputTokens
		}
		return u
	}
	model := a.profile.ModelID()
	in := a.tokens.CountMessages(model, prompt)
	out := a.tokens.CountMessages(model, []unifiedllm.Message{resp.Message})
	return unifiedllm.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

// checkContextUsage emits a warning once the history passes 80% of the
// context window and reports whether it did.
func (a *Agent) checkContextUsage(st *ConversationState, em *emitter) bool {
	window := a.profile.ContextWindowSize()
	if window <= 0 {
		return false
	}
	used := approxTokens(st.Messages)
	if used*5 <= window*4 {
		return false
	}
	em.emit(Event{Kind: EventWarning, Iteration: st.IterationCount, Warning: fmt.Sprintf(
		"Context usage at ~%d%% of context window", used*100/window)})
	return true
}

func (a *Agent) runTools(ctx context.Context, st *ConversationState, env *ToolEnv, calls []unifiedllm.ToolCall, em *emitter) []ToolResult {
	results := make([]ToolResult, len(calls))
	if a.config.ParallelTools && a.profile.SupportsParallelToolCalls() && len(calls) > 1 {
		var g errgroup.Group
		for i, call := range calls {
			g.Go(func() error {
				results[i] = a.runTool(ctx, st, env, call, em)
				return nil
			})
		}
		_ = g.Wait()
		return results
	}
	for i, call := range calls {
		results[i] = a.runTool(ctx, st, env, call, em)
	}
	return results
}

func (a *Agent) runTool(ctx context.Context, st *ConversationState, env *ToolEnv, call unifiedllm.ToolCall, em *emitter) ToolResult {
	ctx, span := a.tracer.Start(ctx, "tool."+call.Name, trace.WithAttributes(
		attribute.String("thread.id", st.ThreadID),
		attribute.String("session.id", st.SessionID),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	c := call
	em.emit(Event{Kind: EventToolCallStart, Iteration: st.IterationCount, ToolCall: &c})

	res := a.profile.ToolRegistry().Dispatch(ctx, call, env)
	res.Content = TruncateToolOutput(res.Content, call.Name, a.config.ToolOutputLimits)

	span.SetAttributes(attribute.Bool("tool.is_error", res.IsError))
	if res.IsError {
		span.SetStatus(codes.Error, res.Content)
	}
	r := res
	em.emit(Event{Kind: EventToolCallEnd, Iteration: st.IterationCount, ToolCall: &c, ToolResult: &r})
	return res
}

// approxTokens estimates history size at four characters per token.
func approxTokens(messages []unifiedllm.Message) int {
	chars := 0
	for _, m := range messages {
		for _, part := range m.Content {
			chars += len(part.Text)
			if part.ToolCall != nil {
				chars += len(part.ToolCall.Name) + len(part.ToolCall.Arguments)
			}
			if part.ToolResult != nil {
				chars += len(part.ToolResult.Content)
			}
		}
	}
	return chars / 4
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

// ThreadLocks hands out one mutex per thread id, dropping it when unused.
type ThreadLocks struct {
	mu sync.Mutex
	m  map[string]*threadLock
}

// NewThreadLocks creates an empty lock set.
func NewThreadLocks() *ThreadLocks {
	return &ThreadLocks{m: make(map[string]*threadLock)}
}

// Held reports whether a run holds or waits for the lock of id.
func (l *ThreadLocks) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.m[id]
	return ok
}

func (l *ThreadLocks) lock(id string) func() {
	l.mu.Lock()
	tl, ok := l.m[id]
	if !ok {
		tl = &threadLock{}
		l.m[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
