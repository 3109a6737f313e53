package model

import (
	"time"

	"PPChat/module/conversation"
)

// Pushed event names.
const (
	EventNewMessage      = "newMessage"
	EventReadReceipt     = "readReceipt"
	EventTypingIndicator = "typingIndicator"
	EventChatRegistered  = "chatRegistered"
	EventMessageQueued   = "messageQueued"
	EventPong            = "pong"
	EventError           = "error"
)

// Event 推送给连接的事件
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// TypingEvent is the typing-indicators topic payload and the pushed data.
type TypingEvent struct {
	ConversationID conversation.ID `json:"conversationId"`
	UserID         string          `json:"userId"`
	IsTyping       bool            `json:"isTyping"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ReceiptEvent read-receipts topic 负载
type ReceiptEvent struct {
	ConversationID     conversation.ID `json:"conversationId"`
	UserID             string          `json:"userId"`
	LastReadSequenceID int64           `json:"lastReadSequenceId"`
	ReadAt             time.Time       `json:"readAt"`
}

// ReadReceipt 推给对方的已读回执
type ReadReceipt struct {
	ConversationID     conversation.ID `json:"conversationId"`
	ReadBy             string          `json:"readBy"`
	LastReadSequenceID int64           `json:"lastReadSequenceId"`
	ReadAt             time.Time       `json:"readAt"`
	MessageIDs         []string        `json:"messageIds"`
}

type Registered struct {
	Success        bool `json:"success"`
	QueuedMessages int  `json:"queuedMessages"`
}
