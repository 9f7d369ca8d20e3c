// Package wire defines the JSON frame envelopes exchanged over a relay
// connection. Both the server-side registry and the channel client
// speak this format.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/chatrelay/internal/auth"
	"github.com/lalith-99/chatrelay/internal/models"
)

// Frame types, client to relay.
const (
	FrameAuth        = "auth"
	FrameSendMessage = "send_message"
	FrameTyping      = "typing"
	FramePing        = "ping"
)

// Frame types, relay to client.
const (
	FrameAuthSuccess = "auth_success"
	FrameNewMessage  = "new_message"
	FrameStaffStatus = "staff_status"
	FrameError       = "error"
	FramePong        = "pong"
)

// Frame is the wire envelope {type, ...fields}. Which fields are
// meaningful depends on Type; everything else stays at its zero value
// and is omitted from the JSON.
type Frame struct {
	Type string `json:"type"`

	// auth
	Credentials *auth.Credentials `json:"credentials,omitempty"`

	// send_message / new_message
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// typing / staff_status
	IsTyping *bool `json:"isTyping,omitempty"`
	IsOnline *bool `json:"isOnline,omitempty"`

	// Staff senders address a specific customer; customer frames fan
	// out to all staff and carry no target.
	TargetUserID string `json:"targetUserId,omitempty"`

	// relay to client
	SessionID  string     `json:"sessionId,omitempty"`
	SenderID   string     `json:"senderId,omitempty"`
	SenderType string     `json:"senderType,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Message    string     `json:"message,omitempty"`
}

func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	return &f, nil
}

func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

func Auth(creds auth.Credentials) *Frame {
	return &Frame{Type: FrameAuth, Credentials: &creds}
}

func AuthSuccess(sessionID uuid.UUID) *Frame {
	return &Frame{Type: FrameAuthSuccess, SessionID: sessionID.String()}
}

func NewMessage(msg *models.Message) *Frame {
	ts := msg.CreatedAt
	return &Frame{
		Type:       FrameNewMessage,
		Content:    msg.Body,
		Metadata:   msg.Metadata,
		SenderID:   msg.SenderID.String(),
		SenderType: string(msg.SenderType),
		Timestamp:  &ts,
	}
}

func Typing(senderID uuid.UUID, isTyping bool) *Frame {
	return &Frame{Type: FrameTyping, IsTyping: &isTyping, SenderID: senderID.String()}
}

func StaffStatus(online bool) *Frame {
	return &Frame{Type: FrameStaffStatus, IsOnline: &online}
}

func Error(message string) *Frame {
	return &Frame{Type: FrameError, Message: message}
}

func Ping() *Frame {
	return &Frame{Type: FramePing}
}

func Pong() *Frame {
	return &Frame{Type: FramePong}
}
