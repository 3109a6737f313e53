package model

import (
	"time"

	"PPChat/module/conversation"
)

const (
	TypeText   = "text"
	TypeImage  = "image"
	TypeSystem = "system"
)

// Message 会话消息；既是 broker 负载也是落库行
type Message struct {
	MessageID      string          `json:"messageId"`
	ConversationID conversation.ID `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	ReceiverID     string          `json:"receiverId"`
	Body           string          `json:"message"`
	MessageType    string          `json:"messageType"`
	SequenceID     int64           `json:"sequenceId"`
	CreatedAt      time.Time       `json:"timestamp"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time      `json:"readAt,omitempty"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`

	// broker only
	IsRetry      bool `json:"isRetry,omitempty"`
	RetryAttempt int  `json:"retryAttempt,omitempty"`

	// store only
	KafkaPartition int32 `json:"-"`
	KafkaOffset    int64 `json:"-"`
}

// Seen 已读即已送达
func (m *Message) Seen() bool { return m.ReadAt != nil }

// Status derives the delivery status from the persisted timestamps.
func (m *Message) Status() Status {
	switch {
	case m.ReadAt != nil:
		return StatusRead
	case m.DeliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// Conversation 会话列表项：每个会话最新一条
type Conversation struct {
	ConversationID conversation.ID `json:"conversationId"`
	OtherUserID    string          `json:"otherUserId"`
	LastMessage    Message         `json:"lastMessage"`
	UnreadCount    int64           `json:"unreadCount"`
}
