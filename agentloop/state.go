package agentloop

import (
	"time"

	"github.com/martinemde/docagent/unifiedllm"
)

// ConversationState is everything the loop persists for one thread.
type ConversationState struct {
	ThreadID       string               `json:"thread_id"`
	SessionID      string               `json:"session_id"`
	Messages       []unifiedllm.Message `json:"messages"`
	IterationCount int                  `json:"iteration_count"`
	ToolContext    ToolContext          `json:"tool_context"`
	TokenUsage     unifiedllm.Usage     `json:"token_usage"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// NewConversationState returns an empty state for threadID.
func NewConversationState(threadID string) *ConversationState {
	return &ConversationState{ThreadID: threadID}
}

// EnsureSystemPrompt puts prompt at messages[0] unless a system message is
// already there. Calling it again never adds a second one.
func (s *ConversationState) EnsureSystemPrompt(prompt string) {
	if len(s.Messages) > 0 && s.Messages[0].Role == unifiedllm.RoleSystem {
		return
	}
	s.Messages = append([]unifiedllm.Message{unifiedllm.SystemMessage(prompt)}, s.Messages...)
}

// Append adds messages to the end of the history.
func (s *ConversationState) Append(msgs ...unifiedllm.Message) {
	s.Messages = append(s.Messages, msgs...)
}

// AddUsage accumulates token usage.
func (s *ConversationState) AddUsage(u unifiedllm.Usage) {
	s.TokenUsage = s.TokenUsage.Add(u)
}

// LastAssistantText returns the text of the latest assistant message with
// non-empty text, looking no further back than index from.
func (s *ConversationState) LastAssistantText(from int) string {
	if from < 0 {
		from = 0
	}
	for i := len(s.Messages) - 1; i >= from; i-- {
		m := s.Messages[i]
		if m.Role != unifiedllm.RoleAssistant {
			continue
		}
		if text := m.TextContent(); text != "" {
			return text
		}
	}
	return ""
}

// LastAssistantMessage returns the latest assistant message, if any.
func (s *ConversationState) LastAssistantMessage() *unifiedllm.Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == unifiedllm.RoleAssistant {
			m := s.Messages[i]
			return &m
		}
	}
	return nil
}
