package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hosting-service/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleStreamLogs sends a deployment's state transitions and log
// output as server-sent events. The stream ends when the deployment
// reaches a terminal state or the client goes away.
func (s *Server) handleStreamLogs(c *gin.Context) {
	meta, ok := s.lookupOwned(c)
	if !ok {
		return
	}

	events, cancel := s.broker.Subscribe(meta.ID.String())
	defer cancel()

	// Re-read after subscribing: a transition that lands between the
	// lookup and the subscription would otherwise never be seen.
	if fresh, err := s.manager.GetByID(meta.ID); err == nil {
		meta = fresh
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"deployment_id": meta.ID, "state": meta.State})
	c.Writer.Flush()

	// A finished deployment produces no further events; the connected
	// frame already carries its final state.
	if meta.State.Terminal() {
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now().Unix()})
			c.Writer.Flush()

		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data)
			c.Writer.Flush()
		}
	}
}

// handleWebSocketLogs serves the same event stream over a websocket.
func (s *Server) handleWebSocketLogs(c *gin.Context) {
	meta, ok := s.lookupOwned(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket connection", logger.Err(err))
		return
	}
	defer conn.Close()

	logger.Info("WebSocket log stream started", zap.String("deployment_id", meta.ID.String()))

	events, cancel := s.broker.Subscribe(meta.ID.String())
	defer cancel()

	if fresh, err := s.manager.GetByID(meta.ID); err == nil {
		meta = fresh
	}

	if err := conn.WriteJSON(gin.H{"type": "connected", "deployment_id": meta.ID, "state": meta.State}); err != nil {
		return
	}
	if meta.State.Terminal() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "deployment finished"),
			time.Now().Add(time.Second))
		return
	}

	// Reads only matter for noticing the peer hang up.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return

		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}

		case ev, open := <-events:
			if !open {
				deadline := time.Now().Add(time.Second)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "deployment finished"),
					deadline)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.Error("Failed to write event to WebSocket", logger.Err(err))
				return
			}
		}
	}
}
