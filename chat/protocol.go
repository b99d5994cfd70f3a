package chat

import "encoding/json"

// Event names exchanged with the chat server.
const (
	EventJoin          = "join"
	EventRenderMessage = "renderMessage"
	EventSendChat      = "send_chat"
)

// Envelope is a single websocket frame carrying one named event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest announces room membership.
type JoinRequest struct {
	Room string `json:"room"`
}

// ChatMessage is sent to the server when the chat form is submitted.
type ChatMessage struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// RenderableMessage is pushed by the server for display. A nil Username
// means the field was absent or null on the wire.
type RenderableMessage struct {
	Username *string `json:"username"`
	Message  string  `json:"message"`
}

// Renderable reports whether m passes the display guard.
func (m RenderableMessage) Renderable() bool {
	return m.Username != nil && m.Message != ""
}

// NewRenderableMessage builds a message with a defined username.
func NewRenderableMessage(username, message string) RenderableMessage {
	return RenderableMessage{Username: &username, Message: message}
}
