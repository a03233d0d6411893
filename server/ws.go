package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/martinemde/docagent/agentloop"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

// wsClient is one WebSocket connection. Each inbound text frame is a
// request with the same shape as a POST /v1/responses body; requests on
// one connection run one after the other and every loop event is sent back
// as a JSON frame.
type wsClient struct {
	conn   *websocket.Conn
	server *Server
	req    *http.Request
	send   chan []byte
	cancel context.CancelFunc
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(requestUser(r, nil)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &wsClient{
		conn:   conn,
		server: s,
		req:    r,
		send:   make(chan []byte, 256),
		cancel: cancel,
	}
	s.logger.Info("websocket connected", "remote", r.RemoteAddr)
	c.run(ctx)
	s.logger.Info("websocket closed", "remote", r.RemoteAddr)
}

func (c *wsClient) run(ctx context.Context) {
	defer c.cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx)
	}()

	requests := make(chan []byte, 8)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for data := range requests {
			c.handleFrame(ctx, data)
		}
	}()

	c.readPump(ctx, requests)
	close(requests)
	c.cancel()
	<-workerDone
	close(c.send)
	<-writerDone
}

func (c *wsClient) readPump(ctx context.Context, requests chan<- []byte) {
	c.conn.SetReadLimit(maxRequestBodySize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case requests <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func (c *wsClient) handleFrame(ctx context.Context, data []byte) {
	var req responsesRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.enqueue(ctx, frameError(fmt.Sprintf("invalid request: %s", err)))
		return
	}
	user := requestUser(c.req, &req)
	if !c.server.limiter.Allow(user) {
		c.enqueue(ctx, frameError("rate limit exceeded"))
		return
	}
	runReq := req.runRequest(user)
	c.server.logger.Info("websocket request", "thread_id", runReq.ThreadID)
	for ev := range c.server.runner.Stream(ctx, runReq) {
		c.enqueue(ctx, ev)
	}
}

func (c *wsClient) enqueue(ctx context.Context, ev agentloop.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.server.logger.Warn("websocket encode event", "kind", ev.Kind, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-ctx.Done():
	}
}

func frameError(msg string) agentloop.Event {
	return agentloop.Event{
		Kind:      agentloop.EventError,
		Timestamp: time.Now(),
		Err:       &agentloop.RunError{Message: msg},
	}
}
