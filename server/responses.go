package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/docagent/agentloop"
	"github.com/martinemde/docagent/unifiedllm"
)

// NoInputReply answers a request without any message.
const NoInputReply = "No input provided"

type customOutputs struct {
	SessionID  string `json:"session_id"`
	ThreadID   string `json:"thread_id"`
	OutputPath string `json:"output_path"`
}

type outputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type outputItem struct {
	Type    string       `json:"type"`
	ID      string       `json:"id"`
	Role    string       `json:"role"`
	Status  string       `json:"status"`
	Content []outputText `json:"content"`
}

type usageBody struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responseBody struct {
	ID            string        `json:"id"`
	Object        string        `json:"object"`
	CreatedAt     int64         `json:"created_at"`
	Status        string        `json:"status"`
	Output        []outputItem  `json:"output"`
	CustomOutputs customOutputs `json:"custom_outputs"`
	Usage         usageBody     `json:"usage"`
}

// outcome is what a finished run turns into on the wire.
type outcome struct {
	text   string
	custom customOutputs
	usage  unifiedllm.Usage
	failed bool
}

func newOutcome(threadID string) *outcome {
	return &outcome{custom: customOutputs{ThreadID: threadID}}
}

// apply folds a terminal event into o. It reports whether ev was terminal.
func (o *outcome) apply(ev agentloop.Event) bool {
	switch {
	case ev.Kind == agentloop.EventDone && ev.Result != nil:
		res := ev.Result
		o.text = res.Text
		o.custom = customOutputs{SessionID: res.SessionID, ThreadID: res.ThreadID, OutputPath: res.OutputPath}
		o.usage = res.Usage
		return true
	case ev.Kind == agentloop.EventError && ev.Err != nil:
		re := ev.Err
		o.failed = true
		if errors.Is(re, agentloop.ErrNoInput) {
			o.text = NoInputReply
		} else {
			o.text = agentloop.FailurePrefix + re.Message
		}
		o.custom.SessionID = re.SessionID
		o.custom.OutputPath = re.OutputPath
		if re.ThreadID != "" {
			o.custom.ThreadID = re.ThreadID
		}
		o.usage = re.Usage
		return true
	}
	return false
}

func (o *outcome) item(id string) outputItem {
	return outputItem{
		Type:    "message",
		ID:      id,
		Role:    "assistant",
		Status:  "completed",
		Content: []outputText{{Type: "output_text", Text: o.text}},
	}
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req responsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	user := requestUser(r, &req)
	if !s.limiter.Allow(user) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	runReq := req.runRequest(user)
	s.logger.Info("responses request", "path", r.URL.Path, "thread_id", runReq.ThreadID, "stream", req.Stream)

	respID := "resp_" + uuid.NewString()
	itemID := "msg_" + uuid.NewString()
	if req.Stream {
		s.streamResponse(w, r, runReq, itemID)
		return
	}

	start := time.Now()
	out := newOutcome(runReq.ThreadID)
	for ev := range s.runner.Stream(r.Context(), runReq) {
		out.apply(ev)
	}
	s.logger.Info("responses request done", "thread_id", runReq.ThreadID, "failed", out.failed,
		"duration_ms", time.Since(start).Milliseconds(), "total_tokens", out.usage.TotalTokens)

	writeJSON(w, http.StatusOK, responseBody{
		ID:            respID,
		Object:        "response",
		CreatedAt:     start.Unix(),
		Status:        "completed",
		Output:        []outputItem{out.item(itemID)},
		CustomOutputs: out.custom,
		Usage: usageBody{
			InputTokens:  out.usage.InputTokens,
			OutputTokens: out.usage.OutputTokens,
			TotalTokens:  out.usage.TotalTokens,
		},
	})
}

func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, runReq agentloop.RunRequest, itemID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	out := newOutcome(runReq.ThreadID)
	for ev := range s.runner.Stream(r.Context(), runReq) {
		if ev.Kind == agentloop.EventTextDelta && ev.Delta != "" {
			writeResponseEvent(w, flusher, map[string]interface{}{
				"type":    "response.output_text.delta",
				"item_id": itemID,
				"delta":   ev.Delta,
			})
			continue
		}
		if out.apply(ev) {
			writeResponseEvent(w, flusher, map[string]interface{}{
				"type":           "response.output_item.done",
				"item":           out.item(itemID),
				"custom_outputs": out.custom,
			})
		}
	}
}

func writeResponseEvent(w http.ResponseWriter, flusher http.Flusher, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
