package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// gollm speaks in single prompts, so the adapter flattens the conversation
// into a system prompt plus a transcript and recovers tool calls from the
// JSON the model emits.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
	counter  *TokenCounter

	// gollm options are adapter-wide; overriding the model for one request
	// must not interleave with other requests.
	optMu sync.Mutex
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm reads it from the provider's environment variable.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.1,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := DefaultModel(provider); info != nil {
			model = info.ID
		} else {
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // RetryMiddleware owns retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
		counter:  NewTokenCounter(),
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
		counter:  NewTokenCounter(),
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)

	release := a.applyRequestOptions(req)
	text, err := a.llm.Generate(ctx, prompt)
	release()
	if err != nil {
		return nil, a.translateError(err)
	}

	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request and returns a channel of StreamEvent
// objects. Tool calls are only known once the full text has been parsed, so
// they are emitted just before finish.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	ch := make(chan StreamEvent, 64)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			ch <- StreamEvent{Type: StreamStart}

			release := a.applyRequestOptions(req)
			text, err := a.llm.Generate(ctx, prompt)
			release()
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}
			a.finishStream(ch, req, text, "")
		}()
		return ch, nil
	}

	release := a.applyRequestOptions(req)
	stream, err := a.llm.Stream(ctx, prompt)
	release()
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- StreamEvent{Type: StreamStart}

		// Text is forwarded live until the first JSON bracket shows up; from
		// there on it may be a tool call payload and is held back.
		var full strings.Builder
		forwarded := 0
		holding := false
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}
			if token == nil {
				continue
			}
			full.WriteString(token.Text)
			if holding {
				continue
			}
			s := full.String()
			end := len(s)
			if idx := strings.IndexAny(s[forwarded:], "{["); idx >= 0 {
				end = forwarded + idx
				holding = true
			}
			if end > forwarded {
				if forwarded == 0 {
					ch <- StreamEvent{Type: TextStart, TextID: "text_0"}
				}
				ch <- StreamEvent{Type: TextDelta, Delta: s[forwarded:end], TextID: "text_0"}
				forwarded = end
			}
		}
		a.finishStream(ch, req, full.String(), full.String()[:forwarded])
	}()

	return ch, nil
}

// finishStream emits whatever visible text has not been forwarded yet, the
// parsed tool calls, and the finish event.
func (a *GollmAdapter) finishStream(ch chan<- StreamEvent, req Request, text, forwarded string) {
	resp := a.buildResponse(req, text)
	visible := resp.Text()
	if forwarded == "" && visible != "" {
		ch <- StreamEvent{Type: TextStart, TextID: "text_0"}
	}
	if rest, ok := strings.CutPrefix(visible, forwarded); ok && rest != "" {
		ch <- StreamEvent{Type: TextDelta, Delta: rest, TextID: "text_0"}
	}
	if forwarded != "" || visible != "" {
		ch <- StreamEvent{Type: TextEnd, TextID: "text_0"}
	}
	for _, tc := range resp.ToolCalls() {
		call := tc
		ch <- StreamEvent{Type: ToolCallEnd, ToolCall: &call}
	}
	ch <- StreamEvent{
		Type:         StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
		Response:     resp,
	}
}

// SupportsToolChoice reports whether the adapter supports a particular tool choice mode.
func (a *GollmAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required":
		return true
	case "named":
		return a.provider != "ollama"
	default:
		return false
	}
}

// translateRequest flattens a unified Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemParts []string
	var transcript []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.TextContent())
		case RoleUser:
			transcript = append(transcript, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				transcript = append(transcript, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				transcript = append(transcript, fmt.Sprintf("[Tool Call %s]: %s(%s)", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			if tr := msg.ToolResult(); tr != nil {
				prefix := "[Tool Result " + tr.ToolCallID + "]"
				if tr.IsError {
					prefix = "[Tool Error " + tr.ToolCallID + "]"
				}
				transcript = append(transcript, prefix+": "+tr.Content)
			}
		}
	}

	promptText := strings.Join(transcript, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if len(systemParts) > 0 {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.Join(systemParts, "\n"), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies per-request overrides. When an override is
// needed the adapter stays locked until the returned release func runs.
func (a *GollmAdapter) applyRequestOptions(req Request) func() {
	override := (req.Model != "" && req.Model != a.model) || req.Temperature != nil || req.MaxTokens != nil
	if !override {
		return func() {}
	}
	a.optMu.Lock()
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
	return func() {
		a.llm.SetOption("model", a.model)
		a.optMu.Unlock()
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	toolCalls, remaining := parseToolCalls(text)

	var content []ContentPart
	if remaining != "" {
		content = append(content, TextPart(remaining))
	}
	for _, tc := range toolCalls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(toolCalls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	counter := a.counter
	if counter == nil {
		counter = NewTokenCounter()
	}
	input := counter.CountMessages(model, req.Messages)
	output := counter.Count(model, text)

	return &Response{
		ID:       "resp_" + uuid.NewString()[:8],
		Model:    model,
		Provider: a.provider,
		Message: Message{
			Role:    RoleAssistant,
			Content: content,
		},
		FinishReason: finishReason,
		Usage: Usage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
		},
	}
}

type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// parseToolCalls extracts tool calls that the model emitted as JSON, either
// as {"tool_calls":[...]} or as a bare [{"name":...}] array, and returns the
// text that precedes them.
func parseToolCalls(text string) ([]ToolCall, string) {
	start := strings.Index(text, `{"tool_calls"`)
	wrapped := start != -1
	if !wrapped {
		start = strings.Index(text, `[{"name"`)
	}
	if start == -1 {
		return nil, text
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var raws []rawToolCall
	if wrapped {
		var env struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := dec.Decode(&env); err != nil {
			return nil, text
		}
		raws = env.ToolCalls
	} else if err := dec.Decode(&raws); err != nil {
		return nil, text
	}

	calls := make([]ToolCall, 0, len(raws))
	for _, rc := range raws {
		name, args := rc.Name, rc.Arguments
		if rc.Function != nil {
			name, args = rc.Function.Name, rc.Function.Arguments
		}
		if name == "" {
			continue
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.NewString()[:8]
		}
		calls = append(calls, ToolCall{ID: id, Name: name, Arguments: normalizeArguments(args)})
	}
	if len(calls) == 0 {
		return nil, text
	}
	return calls, strings.TrimSpace(text[:start])
}

// normalizeArguments unwraps arguments that arrive JSON-encoded as a string
// and maps missing arguments to an empty object.
func normalizeArguments(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err == nil {
			return json.RawMessage(inner)
		}
	}
	return json.RawMessage(trimmed)
}

// errorRules map fragments of gollm error text onto HTTP-like statuses.
// The first matching rule wins.
var errorRules = []struct {
	status    int
	fragments []string
}{
	{401, []string{"401", "unauthorized", "invalid api key"}},
	{403, []string{"403", "forbidden"}},
	{404, []string{"404", "not found"}},
	{429, []string{"429", "rate limit"}},
	{413, []string{"context length", "too many tokens"}},
	{500, []string{"500", "502", "503", "internal server"}},
	{408, []string{"timeout", "deadline exceeded"}},
	{StatusContentFiltered, []string{"content filter", "safety"}},
}

// translateError converts a gollm error into the unified error hierarchy.
// gollm only surfaces provider failures as text, so the status is inferred.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	status := 0
rules:
	for _, rule := range errorRules {
		for _, f := range rule.fragments {
			if strings.Contains(lower, f) {
				status = rule.status
				break rules
			}
		}
	}
	return newProviderError(status, a.provider, msg, err, nil)
}
