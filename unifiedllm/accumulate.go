package unifiedllm

import (
	"context"
	"encoding/json"
	"strings"
)

// StreamAccumulator collects stream events into one complete Response.
// Text fragments are concatenated in arrival order per text id, and tool
// call fragments are stitched back together by call id.
type StreamAccumulator struct {
	textOrder    []string
	textParts    map[string]*strings.Builder
	calls        []*pendingCall
	finishReason *FinishReason
	usage        *Usage
	response     *Response
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
	done json.RawMessage
}

// NewStreamAccumulator creates a new StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{
		textParts: make(map[string]*strings.Builder),
	}
}

// Process ingests a single stream event.
func (sa *StreamAccumulator) Process(event StreamEvent) {
	switch event.Type {
	case TextDelta:
		id := event.TextID
		if id == "" {
			id = "default"
		}
		b, ok := sa.textParts[id]
		if !ok {
			b = &strings.Builder{}
			sa.textParts[id] = b
			sa.textOrder = append(sa.textOrder, id)
		}
		b.WriteString(event.Delta)
	case ToolCallStart:
		if event.ToolCall != nil {
			sa.calls = append(sa.calls, &pendingCall{id: event.ToolCall.ID, name: event.ToolCall.Name})
		}
	case ToolCallDelta:
		if pc := sa.callFor(event.ToolCall); pc != nil {
			pc.args.WriteString(event.Delta)
		}
	case ToolCallEnd:
		if event.ToolCall == nil {
			return
		}
		pc := sa.callFor(event.ToolCall)
		if pc == nil {
			pc = &pendingCall{id: event.ToolCall.ID, name: event.ToolCall.Name}
			sa.calls = append(sa.calls, pc)
		}
		if len(event.ToolCall.Arguments) > 0 {
			pc.done = event.ToolCall.Arguments
		}
	case StreamFinish:
		sa.finishReason = event.FinishReason
		sa.usage = event.Usage
		sa.response = event.Response
	}
}

func (sa *StreamAccumulator) callFor(tc *ToolCall) *pendingCall {
	if len(sa.calls) == 0 {
		return nil
	}
	if tc != nil && tc.ID != "" {
		for _, pc := range sa.calls {
			if pc.id == tc.ID {
				return pc
			}
		}
		return nil
	}
	return sa.calls[len(sa.calls)-1]
}

// Response returns the accumulated response. A complete response delivered
// with the finish event takes precedence over the reassembled fragments.
func (sa *StreamAccumulator) Response() *Response {
	if sa.response != nil {
		resp := *sa.response
		if sa.usage != nil && resp.Usage == (Usage{}) {
			resp.Usage = *sa.usage
		}
		return &resp
	}

	var content []ContentPart
	for _, id := range sa.textOrder {
		if text := sa.textParts[id].String(); text != "" {
			content = append(content, TextPart(text))
		}
	}
	for _, pc := range sa.calls {
		args := pc.done
		if len(args) == 0 {
			args = json.RawMessage(pc.args.String())
		}
		content = append(content, ToolCallPart(pc.id, pc.name, args))
	}

	fr := FinishReason{Reason: "stop"}
	if sa.finishReason != nil {
		fr = *sa.finishReason
	} else if len(sa.calls) > 0 {
		fr = FinishReason{Reason: "tool_calls"}
	}

	usage := Usage{}
	if sa.usage != nil {
		usage = *sa.usage
	}

	return &Response{
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: fr,
		Usage:        usage,
	}
}

// Collect drains a stream into a single Response, handing every text delta
// to onDelta as it arrives. It stops early on a stream error or when ctx is
// done. A stream that closes without a finish event is an error: whatever
// text arrived is incomplete.
func Collect(ctx context.Context, events <-chan StreamEvent, onDelta func(string)) (*Response, error) {
	acc := NewStreamAccumulator()
	finished := false
	for {
		select {
		case <-ctx.Done():
			return nil, &AbortError{SDKError: SDKError{Message: "stream cancelled", Cause: ctx.Err()}}
		case event, ok := <-events:
			if !ok {
				if !finished {
					return nil, &StreamErrorType{SDKError: SDKError{Message: "stream ended before the finish event"}}
				}
				return acc.Response(), nil
			}
			if event.Type == StreamFinish {
				finished = true
			}
			if event.Type == StreamError {
				if event.Error != nil {
					return nil, event.Error
				}
				return nil, &StreamErrorType{SDKError: SDKError{Message: "stream failed"}}
			}
			if event.Type == TextDelta && onDelta != nil && event.Delta != "" {
				onDelta(event.Delta)
			}
			acc.Process(event)
		}
	}
}
