package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestStreamAccumulator(t *testing.T) {
	acc := NewStreamAccumulator()

	events := []StreamEvent{
		{Type: StreamStart},
		{Type: TextStart, TextID: "t0"},
		{Type: TextDelta, Delta: "Hello ", TextID: "t0"},
		{Type: TextDelta, Delta: "world", TextID: "t0"},
		{Type: TextEnd, TextID: "t0"},
		{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}, Usage: &Usage{InputTokens: 5, OutputTokens: 10, TotalTokens: 15}},
	}

	for _, e := range events {
		acc.Process(e)
	}

	resp := acc.Response()
	if resp.Text() != "Hello world" {
		t.Errorf("expected accumulated text %q, got %q", "Hello world", resp.Text())
	}
	if resp.FinishReason.Reason != "stop" {
		t.Errorf("expected finish reason %q, got %q", "stop", resp.FinishReason.Reason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens 15, got %d", resp.Usage.TotalTokens)
	}
}

func TestStreamAccumulatorToolCallFragments(t *testing.T) {
	acc := NewStreamAccumulator()
	for _, e := range []StreamEvent{
		{Type: ToolCallStart, ToolCall: &ToolCall{ID: "c1", Name: "load_skill"}},
		{Type: ToolCallStart, ToolCall: &ToolCall{ID: "c2", Name: "list_skills"}},
		{Type: ToolCallDelta, ToolCall: &ToolCall{ID: "c1"}, Delta: `{"skill_id":`},
		{Type: ToolCallDelta, ToolCall: &ToolCall{ID: "c2"}, Delta: `{}`},
		{Type: ToolCallDelta, ToolCall: &ToolCall{ID: "c1"}, Delta: `"docx"}`},
		{Type: ToolCallEnd, ToolCall: &ToolCall{ID: "c1"}},
	} {
		acc.Process(e)
	}

	resp := acc.Response()
	calls := resp.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "c1" || string(calls[0].Arguments) != `{"skill_id":"docx"}` {
		t.Errorf("unexpected first call %+v", calls[0])
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls finish, got %q", resp.FinishReason.Reason)
	}
}

func TestStreamAccumulatorPrefersFinishResponse(t *testing.T) {
	final := &Response{
		Message: Message{Role: RoleAssistant, Content: []ContentPart{
			TextPart("clean"),
			ToolCallPart("c1", "list_skills", json.RawMessage(`{}`)),
		}},
		FinishReason: FinishReason{Reason: "tool_calls"},
	}
	acc := NewStreamAccumulator()
	acc.Process(StreamEvent{Type: TextDelta, Delta: "clean {\"tool_calls\""})
	acc.Process(StreamEvent{Type: StreamFinish, Response: final, Usage: &Usage{TotalTokens: 7}})

	resp := acc.Response()
	if resp.Text() != "clean" {
		t.Errorf("expected finish response text, got %q", resp.Text())
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("expected usage from finish event, got %+v", resp.Usage)
	}
}

func eventChan(events ...StreamEvent) <-chan StreamEvent {
	ch := make(chan StreamEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

func TestCollect(t *testing.T) {
	var deltas []string
	resp, err := Collect(context.Background(), eventChan(
		StreamEvent{Type: StreamStart},
		StreamEvent{Type: TextDelta, Delta: "a"},
		StreamEvent{Type: TextDelta, Delta: "b"},
		StreamEvent{Type: StreamFinish},
	), func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "ab" {
		t.Errorf("expected %q, got %q", "ab", resp.Text())
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 deltas, got %v", deltas)
	}
}

func TestCollectStreamError(t *testing.T) {
	boom := &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "boom"}}}
	_, err := Collect(context.Background(), eventChan(
		StreamEvent{Type: TextDelta, Delta: "partial"},
		StreamEvent{Type: StreamError, Error: boom},
	), nil)
	if !errors.Is(err, boom) {
		t.Errorf("expected stream error, got %v", err)
	}

	_, err = Collect(context.Background(), eventChan(StreamEvent{Type: StreamError}), nil)
	var se *StreamErrorType
	if !errors.As(err, &se) {
		t.Errorf("expected StreamErrorType, got %T", err)
	}
}

func TestCollectStreamWithoutFinish(t *testing.T) {
	_, err := Collect(context.Background(), eventChan(
		StreamEvent{Type: StreamStart},
		StreamEvent{Type: TextDelta, Delta: "half an ans"},
	), nil)
	var se *StreamErrorType
	if !errors.As(err, &se) {
		t.Fatalf("expected StreamErrorType for a stream closed early, got %v", err)
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(ctx, make(chan StreamEvent), nil)
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %T", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("expected cause to be context.Canceled")
	}
}
