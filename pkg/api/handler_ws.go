package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// handleWebSocket upgrades GET /ws and delegates to the ConnectionManager.
// HandleConnection blocks until the WebSocket closes.
func (s *Server) handleWebSocket(c *gin.Context) {
	opts := &websocket.AcceptOptions{}
	if len(s.wsOrigins) > 0 {
		opts.OriginPatterns = s.wsOrigins
	}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		c.Status(http.StatusBadRequest)
		return
	}

	s.conns.HandleConnection(c.Request.Context(), conn)
}
