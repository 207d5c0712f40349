package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------
// 🗄️ Room & Message Models
// ---------------------------------------------

type SenderType string

const (
	SenderClient   SenderType = "client"
	SenderEngineer SenderType = "engineer"
)

func (s SenderType) Valid() bool {
	return s == SenderClient || s == SenderEngineer
}

type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// MessageStatus is the delivery state of a message.
//
//	sending -> sent -> delivered -> read
//	sending|sent|delivered -> failed
//
// read and failed are terminal.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

func (s MessageStatus) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// Pending reports whether the UI should render the message as in flight.
func (s MessageStatus) Pending() bool {
	return s == StatusSending || s == StatusSent || s == StatusDelivered
}

// CanTransition reports whether from -> to is a legal forward step.
func CanTransition(from, to MessageStatus) bool {
	if from.Terminal() || from == to {
		return false
	}
	if to == StatusFailed {
		return from.Pending()
	}
	return from.rank() > 0 && to.rank() > from.rank()
}

// allowedFrom lists every status that may move to `to`. Repositories that
// apply transitions in a single statement use it as their WHERE clause.
func allowedFrom(to MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, s := range []MessageStatus{StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// Metadata is the per-type payload of a message. Text and system messages
// carry none.
type Metadata interface {
	Kind() MessageType
}

type FileMetadata struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (FileMetadata) Kind() MessageType { return TypeFile }

type ImageMetadata struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (ImageMetadata) Kind() MessageType { return TypeImage }

// DecodeMetadata turns a stored JSON payload back into the variant matching t.
func DecodeMetadata(t MessageType, raw []byte) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch t {
	case TypeFile:
		var m FileMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode file metadata: %w", err)
		}
		return m, nil
	case TypeImage:
		var m ImageMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode image metadata: %w", err)
		}
		return m, nil
	}
	return nil, nil
}

type Message struct {
	ID         string        `json:"id"`
	RoomID     string        `json:"room_id"`
	SenderID   string        `json:"sender_id"`
	SenderName string        `json:"sender_name"`
	SenderType SenderType    `json:"sender_type"`
	Content    string        `json:"content"`
	Timestamp  time.Time     `json:"timestamp"`
	Type       MessageType   `json:"type"`
	Status     MessageStatus `json:"status"`
	Metadata   Metadata      `json:"metadata,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	md, err := DecodeMetadata(m.Type, aux.Metadata)
	if err != nil {
		return err
	}
	m.Metadata = md
	return nil
}

type Participants struct {
	ClientID     string `json:"client_id"`
	ClientName   string `json:"client_name"`
	EngineerID   string `json:"engineer_id"`
	EngineerName string `json:"engineer_name"`
}

func (p Participants) Has(userID string) bool {
	return userID != "" && (p.ClientID == userID || p.EngineerID == userID)
}

// Recipients returns the participants other than senderID.
func (p Participants) Recipients(senderID string) []string {
	var out []string
	for _, id := range []string{p.ClientID, p.EngineerID} {
		if id != "" && id != senderID {
			out = append(out, id)
		}
	}
	return out
}

type ChatRoom struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	JobTitle      string          `json:"job_title"`
	Participants  Participants    `json:"participants"`
	LastMessageID string          `json:"last_message_id,omitempty"`
	Unread        map[string]uint `json:"unread_counts"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// UnreadCount is the number of messages in the room that viewerID has not read.
func (r ChatRoom) UnreadCount(viewerID string) uint {
	return r.Unread[viewerID]
}

func (r ChatRoom) clone() ChatRoom {
	out := r
	out.Unread = make(map[string]uint, len(r.Unread))
	for k, v := range r.Unread {
		out.Unread[k] = v
	}
	return out
}

// RoomID derives the room identifier from a job id. One room per job.
func RoomID(jobID string) string {
	return "chat_" + jobID
}

// NewRoom carries the arguments of Registry.CreateRoom.
type NewRoom struct {
	JobID        string `json:"job_id"`
	JobTitle     string `json:"job_title"`
	ClientID     string `json:"client_id"`
	ClientName   string `json:"client_name"`
	EngineerID   string `json:"engineer_id"`
	EngineerName string `json:"engineer_name"`
}

// ---------------------------------------------
// ⌨️ Typing
// ---------------------------------------------

type TypingIndicator struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}
