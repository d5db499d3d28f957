package handler

import (
	"net/http"

	"voice-relay/internal/observability"
	"voice-relay/internal/voicecall/processor"

	"github.com/gorilla/websocket"
)

const mediaStreamPath = "/api/phone/media-stream"

type Handler struct {
	voiceProcessor  *processor.VoiceCallProcessor
	publicStreamURL string
	logger          *observability.Logger
}

// New creates the phone handler. publicStreamURL overrides the media stream URL
// advertised in TwiML; when empty it is derived from the request host.
func New(voiceProcessor *processor.VoiceCallProcessor, publicStreamURL string, logger *observability.Logger) Handler {
	return Handler{
		voiceProcessor:  voiceProcessor,
		publicStreamURL: publicStreamURL,
		logger:          logger,
	}
}

// upgrader is a shared WebSocket upgrader. Media stream connections come from
// Twilio's servers, not browsers, so there is no Origin to check.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}
