package agentloop

import (
	"context"
	"time"

	"github.com/martinemde/docagent/unifiedllm"
)

// EventKind identifies the type of run event.
type EventKind string

const (
	EventRunStart         EventKind = "run_start"
	EventTextDelta        EventKind = "text_delta"
	EventAssistantMessage EventKind = "assistant_message"
	EventToolCallStart    EventKind = "tool_call_start"
	EventToolCallEnd      EventKind = "tool_call_end"
	EventWarning          EventKind = "warning"
	EventDone             EventKind = "done"
	EventError            EventKind = "error"
)

// Event is one step of a run, in the order it happened.
type Event struct {
	Kind       EventKind            `json:"kind"`
	Timestamp  time.Time            `json:"timestamp"`
	ThreadID   string               `json:"thread_id"`
	SessionID  string               `json:"session_id,omitempty"`
	Iteration  int                  `json:"iteration,omitempty"`
	Delta      string               `json:"delta,omitempty"`
	Message    *unifiedllm.Message  `json:"message,omitempty"`
	ToolCall   *unifiedllm.ToolCall `json:"tool_call,omitempty"`
	ToolResult *ToolResult          `json:"tool_result,omitempty"`
	Warning    string               `json:"warning,omitempty"`
	Result     *RunResult           `json:"result,omitempty"`
	Err        *RunError            `json:"error,omitempty"`
}

// Stop reasons reported in RunResult.
const (
	StopCompleted     = "completed"
	StopMaxIterations = "max_iterations"
)

// RunResult is the outcome of a run that reached Done.
type RunResult struct {
	ThreadID   string             `json:"thread_id"`
	SessionID  string             `json:"session_id"`
	OutputPath string             `json:"output_path"`
	Text       string             `json:"text"`
	Message    unifiedllm.Message `json:"message"`
	Iterations int                `json:"iterations"`
	StopReason string             `json:"stop_reason"`
	Usage      unifiedllm.Usage   `json:"usage"`
}

// RunError is a run that could not finish. Usage holds the tokens spent
// before the failure.
type RunError struct {
	ThreadID   string           `json:"thread_id"`
	SessionID  string           `json:"session_id,omitempty"`
	OutputPath string           `json:"output_path,omitempty"`
	Message    string           `json:"message"`
	Usage      unifiedllm.Usage `json:"usage"`
	Err        error            `json:"-"`
}

func (e *RunError) Error() string { return e.Message }

func (e *RunError) Unwrap() error { return e.Err }

// emitter stamps and delivers events for one run. Delivery blocks until the
// consumer takes the event or ctx ends, so a live consumer sees every event.
type emitter struct {
	ctx       context.Context
	ch        chan<- Event
	threadID  string
	sessionID string
}

func (e *emitter) emit(ev Event) {
	ev.Timestamp = time.Now()
	if ev.ThreadID == "" {
		ev.ThreadID = e.threadID
	}
	if ev.SessionID == "" {
		ev.SessionID = e.sessionID
	}
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
	}
}
