package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/martinemde/docagent/agentloop"
)

// maxUserIDLength bounds identities taken from headers or bodies.
const maxUserIDLength = 255

type responsesRequest struct {
	Input        inputList     `json:"input"`
	Stream       bool          `json:"stream"`
	User         string        `json:"user,omitempty"`
	CustomInputs *customInputs `json:"custom_inputs,omitempty"`
	Context      *requestCtx   `json:"context,omitempty"`
}

type customInputs struct {
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

type requestCtx struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// inputList accepts either a bare string or a list of messages whose
// content is a string or a list of {type, text} parts.
type inputList []agentloop.InputMessage

func (l *inputList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = inputList{{Role: "user", Content: s}}
		return nil
	}
	var raw []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("input must be a string or a list of messages: %w", err)
	}
	out := make(inputList, 0, len(raw))
	for _, m := range raw {
		text, err := contentText(m.Content)
		if err != nil {
			return err
		}
		out = append(out, agentloop.InputMessage{Role: m.Role, Content: text})
	}
	*l = out
	return nil
}

func contentText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", errors.New("message content must be a string or a list of text parts")
	}
	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// runRequest maps a transport request onto a loop request. The thread id
// is derived here so it can be reported even when the run fails early; a
// request without a conversation id starts a new conversation.
func (req *responsesRequest) runRequest(user string) agentloop.RunRequest {
	var convID, sessionID string
	if ci := req.CustomInputs; ci != nil {
		convID, sessionID = strings.TrimSpace(ci.ConversationID), ci.SessionID
	}
	if convID == "" && req.Context != nil {
		convID = strings.TrimSpace(req.Context.ConversationID)
	}
	if convID == "" {
		convID = uuid.NewString()
	}
	return agentloop.RunRequest{
		Input:          req.Input,
		ThreadID:       agentloop.DeriveThreadID(user, convID),
		User:           user,
		ConversationID: convID,
		SessionID:      sessionID,
	}
}

// requestUser resolves the caller: proxy identity headers first, then the
// body. Over-long values are ignored.
func requestUser(r *http.Request, req *responsesRequest) string {
	candidates := []string{
		r.Header.Get("X-Forwarded-Email"),
		r.Header.Get("X-Forwarded-User"),
	}
	if req != nil {
		candidates = append(candidates, req.User)
		if req.Context != nil {
			candidates = append(candidates, req.Context.UserID)
		}
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c != "" && len(c) <= maxUserIDLength {
			return c
		}
	}
	return agentloop.DefaultUser
}
