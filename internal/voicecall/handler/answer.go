package handler

import (
	"fmt"
	"net/http"

	"voice-relay/internal/apierrors"
	"voice-relay/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/twiml"
)

const greeting = "Hello! You are connected to our assistant. Go ahead and speak."

// AnswerCallRequest is the subset of Twilio's voice webhook form we use.
type AnswerCallRequest struct {
	CallSid string `form:"CallSid" binding:"required"`
	From    string `form:"From"`
}

// HandleAnswerCall returns TwiML that greets the caller and connects the call to the media stream.
func (h *Handler) HandleAnswerCall(c *gin.Context) {
	var req AnswerCallRequest
	if err := c.ShouldBind(&req); err != nil {
		apierrors.RespondWithValidationError(c, err)
		return
	}

	ctx := observability.WithFields(c.Request.Context(),
		observability.Field{Key: "call_sid", Value: req.CallSid},
		observability.Field{Key: "from", Value: req.From},
	)

	wsURL := h.streamURL(c)

	say := &twiml.VoiceSay{
		Message: greeting,
	}
	stream := twiml.VoiceStream{
		Name: "voice-relay-" + req.CallSid,
		Url:  wsURL,
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	twimlResult, err := twiml.Voice([]twiml.Element{say, connect})
	if err != nil {
		apierrors.RespondWithError(c, fmt.Errorf("failed to build twiml: %w", err))
		return
	}

	h.logger.Info(ctx, fmt.Sprintf("Answering call with media stream %s", wsURL))
	c.Header("Content-Type", "text/xml")
	c.String(http.StatusOK, twimlResult)
}

func (h *Handler) streamURL(c *gin.Context) string {
	if h.publicStreamURL != "" {
		return h.publicStreamURL
	}
	return fmt.Sprintf("wss://%s%s", c.Request.Host, mediaStreamPath)
}

// HandleListCalls reports the sessions currently connected.
func (h *Handler) HandleListCalls(c *gin.Context) {
	calls := h.voiceProcessor.ActiveCalls()
	c.JSON(http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}
