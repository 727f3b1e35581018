package domain

import (
	"strings"
	"time"
)

// DeliveryState is the outcome of routing a message.
type DeliveryState string

const (
	DeliveryDelivered     DeliveryState = "DELIVERED"
	DeliveryQueuedForPush DeliveryState = "QUEUED_FOR_PUSH"
	DeliveryFailed        DeliveryState = "FAILED"
)

// MessageTypeText is used when a sender leaves messageType empty.
const MessageTypeText = "TEXT"

// MsgTypeChatMessage tags chat bodies on /queue/messages.
const MsgTypeChatMessage = "CHAT_MESSAGE"

// MaxContentLength bounds message.send content, in bytes.
const MaxContentLength = 16 * 1024

// Message is a chat message. Only DeliveryState changes after creation.
type Message struct {
	ID            string
	SenderID      string
	ReceiverID    string
	Content       string
	MessageType   string
	SentAt        time.Time
	DeliveryState DeliveryState
}

// SendMessageRequest is the body of /app/message.send.
type SendMessageRequest struct {
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}

// Validate checks the request and fills defaults.
func (r *SendMessageRequest) Validate() error {
	r.ReceiverID = strings.TrimSpace(r.ReceiverID)
	if r.ReceiverID == "" {
		return BadRequest("receiverId is required")
	}
	if r.Content == "" {
		return BadRequest("content is required")
	}
	if len(r.Content) > MaxContentLength {
		return BadRequest("content exceeds %d bytes", MaxContentLength)
	}
	if r.MessageType == "" {
		r.MessageType = MessageTypeText
	}
	return nil
}

// ChatMessageBody is the JSON delivered on /queue/messages/{userId}.
type ChatMessageBody struct {
	Type          string        `json:"type"`
	ID            string        `json:"id"`
	SenderID      string        `json:"senderId"`
	ReceiverID    string        `json:"receiverId"`
	Content       string        `json:"content"`
	MessageType   string        `json:"messageType"`
	SentAt        int64         `json:"sentAt"`
	DeliveryState DeliveryState `json:"deliveryState,omitempty"`
}

// Body renders m for delivery.
func (m *Message) Body() *ChatMessageBody {
	return &ChatMessageBody{
		Type:          MsgTypeChatMessage,
		ID:            m.ID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Content:       m.Content,
		MessageType:   m.MessageType,
		SentAt:        m.SentAt.UnixMilli(),
		DeliveryState: m.DeliveryState,
	}
}
