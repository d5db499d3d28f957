package handler

import (
	"errors"
	"fmt"

	"voice-relay/internal/observability"
	"voice-relay/internal/voicecall/session"
	"voice-relay/internal/voicecall/twilio"

	"github.com/gin-gonic/gin"
)

const maxFrameSize = 64 * 1024

// HandleMediaStream upgrades to a websocket and feeds every frame to the call's session
// until the connection closes. The optional id query parameter names the caller when
// the stream never sends one.
func (h *Handler) HandleMediaStream(c *gin.Context) {
	ctx := c.Request.Context()

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error(ctx, "WebSocket upgrade failed", err)
		return
	}
	wsConn.SetReadLimit(maxFrameSize)
	conn := twilio.NewConn(wsConn)

	s, err := h.voiceProcessor.OpenSession(ctx, conn, c.Query("id"))
	if err != nil {
		h.logger.Error(ctx, "Failed to open call session", err)
		conn.Close()
		return
	}
	defer h.voiceProcessor.CloseSession(s.ID())

	ctx = observability.WithFields(ctx, observability.Field{Key: "connection_id", Value: s.ID()})
	h.logger.Info(ctx, "Media stream connection established")

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			switch {
			case twilio.IsNormalClose(err):
				h.logger.Info(ctx, "Media stream closed by peer")
			case s.State() == session.Ended:
				h.logger.Info(ctx, "Media stream closed by session")
			default:
				h.logger.Warn(ctx, fmt.Sprintf("Media stream read failed: %v", err))
			}
			return
		}

		if err := h.voiceProcessor.HandleFrame(s.ID(), raw); errors.Is(err, session.ErrUnknownConnection) {
			return
		}
	}
}
