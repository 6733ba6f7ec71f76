package events

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	keepAliveInterval = 15 * time.Second
	writeTimeout      = 10 * time.Second
)

// SSE streams events as Server-Sent Events. ?events=a,b limits the stream to
// those names.
func (h *Hub) SSE() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := h.Subscribe(ParseFilter(c.Query("events"))...)
		defer sub.Close()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		ctx := c.Request.Context()
		c.Stream(func(w io.Writer) bool {
			select {
			case m, ok := <-sub.C:
				if !ok {
					return false
				}
				c.SSEvent(m.Event, string(m.Payload))
				return true
			case <-ticker.C:
				_, _ = io.WriteString(w, ": keep-alive\n\n")
				return true
			case <-ctx.Done():
				return false
			}
		})
	}
}

// Upgrader used by WS. Front-ends are served from arbitrary origins
// (file://, app shells), so origins are not checked.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WS streams events over a WebSocket as JSON frames {"event": ..., "payload": ...}.
// ?events=a,b limits the stream to those names.
func (h *Hub) WS() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := Upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Debug("websocket upgrade failed", "error", err)
			return
		}
		defer func() { _ = conn.Close() }()

		sub := h.Subscribe(ParseFilter(c.Query("events"))...)
		defer sub.Close()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		// the client sends nothing; reading surfaces its close
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case m, ok := <-sub.C:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "hub closed"), time.Now().Add(time.Second))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(m); err != nil {
					return
				}
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				return
			}
		}
	}
}
