package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/docagent/unifiedllm"
)

// ToolHandler runs one tool call. A returned error becomes a failure
// observation; it never stops the loop.
type ToolHandler func(ctx context.Context, env *ToolEnv, args json.RawMessage) (string, error)

// ToolDefinition describes a tool for the LLM.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// RegisteredTool pairs a tool definition with its handler.
type RegisteredTool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// ToolResult is the observation produced for one tool call.
type ToolResult struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	Content  string        `json:"content"`
	IsError  bool          `json:"is_error"`
	Duration time.Duration `json:"duration"`
}

// FailurePrefix starts the content of every failed tool result.
const FailurePrefix = "Error: "

// UnknownToolError is returned for a call naming a tool that is not
// registered.
type UnknownToolError struct {
	Name      string
	Available []string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

// ArgumentError is returned when a call's arguments cannot be decoded or
// fail validation. The handler is not run.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// ToolRegistry manages tool registration and dispatch. Definitions keep
// registration order.
type ToolRegistry struct {
	tools  map[string]*RegisteredTool
	order  []string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:  make(map[string]*RegisteredTool),
		logger: logger,
	}
}

// Register adds or replaces a tool in the registry.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Definition.Name]; !ok {
		r.order = append(r.order, tool.Definition.Name)
	}
	r.tools[tool.Definition.Name] = &tool
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns all tool definitions.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// LLMDefinitions converts the definitions to the unifiedllm request type.
func (r *ToolRegistry) LLMDefinitions() []unifiedllm.ToolDefinition {
	defs := r.Definitions()
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = unifiedllm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

// Dispatch runs one tool call. It never returns an error or panics: every
// failure, including an unknown tool, bad arguments and a panicking
// handler, comes back as a ToolResult with IsError set and content starting
// with FailurePrefix.
func (r *ToolRegistry) Dispatch(ctx context.Context, call unifiedllm.ToolCall, env *ToolEnv) (res ToolResult) {
	start := time.Now()
	res = ToolResult{CallID: call.ID, Name: call.Name}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", call.Name, "panic", p, "stack", string(debug.Stack()))
			res.Content = FailurePrefix + fmt.Sprintf("tool %s crashed: %v", call.Name, p)
			res.IsError = true
		}
		res.Duration = time.Since(start)
		r.logger.Debug("tool call", "tool", call.Name, "call_id", call.ID,
			"duration_ms", res.Duration.Milliseconds(), "is_error", res.IsError)
	}()

	tool := r.Get(call.Name)
	if tool == nil {
		err := &UnknownToolError{Name: call.Name, Available: r.Names()}
		res.Content = FailurePrefix + err.Error()
		res.IsError = true
		return res
	}

	out, err := tool.Handler(ctx, env, call.Arguments)
	if err != nil {
		res.Content = FailurePrefix + err.Error()
		res.IsError = true
		return res
	}
	res.Content = out
	return res
}

// validator is implemented by argument structs with required fields.
type validator interface {
	validate() error
}

// Typed adapts a handler taking a decoded argument struct. Empty or null
// arguments decode to the zero value; arguments sent as a JSON string
// holding an object are unwrapped first.
func Typed[A any](name string, fn func(ctx context.Context, env *ToolEnv, args A) (string, error)) ToolHandler {
	return func(ctx context.Context, env *ToolEnv, raw json.RawMessage) (string, error) {
		var args A
		if err := decodeArguments(raw, &args); err != nil {
			return "", &ArgumentError{Tool: name, Err: err}
		}
		if v, ok := any(&args).(validator); ok {
			if err := v.validate(); err != nil {
				return "", &ArgumentError{Tool: name, Err: err}
			}
		}
		return fn(ctx, env, args)
	}
}

func decodeArguments(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return nil
		}
		raw = json.RawMessage(inner)
	}
	if raw[0] != '{' {
		return fmt.Errorf("expected a JSON object, got %s", truncateForError(string(raw)))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%v", err)
	}
	return nil
}

func truncateForError(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}

// maxSeconds caps any requested timeout. Tools clamp further to their own
// limits; this only keeps the value convertible to a time.Duration.
const maxSeconds = 24 * 60 * 60

// seconds accepts a JSON number or a numeric string.
type seconds int

func (s *seconds) UnmarshalJSON(b []byte) error {
	str := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if str == "" || str == "null" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil || math.IsNaN(f) {
		return fmt.Errorf("timeout must be a number of seconds, got %s", string(b))
	}
	switch {
	case f > maxSeconds:
		*s = maxSeconds
	case f < 0:
		*s = 0
	default:
		*s = seconds(f)
	}
	return nil
}
