package transport

import "nbcon-chat/internal/chat"

// Frame types on the websocket link.
const (
	FrameMessage = "message"
	FrameAck     = "ack"
	FrameNack    = "nack"
)

// Frame is the JSON envelope exchanged with the chat backend.
//
//	client -> server  {"type":"message","room_id":..,"message":{..}}
//	server -> client  {"type":"ack","message_id":..,"status":"sent"|"delivered"}
//	server -> client  {"type":"nack","message_id":..,"error":..}
type Frame struct {
	Type      string             `json:"type"`
	RoomID    string             `json:"room_id,omitempty"`
	Message   *chat.Message      `json:"message,omitempty"`
	MessageID string             `json:"message_id,omitempty"`
	Status    chat.MessageStatus `json:"status,omitempty"`
	Error     string             `json:"error,omitempty"`
}
