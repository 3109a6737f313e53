package model

import "time"

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; transitions only move to a higher rank.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// DeliveryRecord 单条消息投递状态，TTL 到期自动清理
type DeliveryRecord struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	ReceiverID     string     `json:"receiverId"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	SentAt         time.Time  `json:"sentAt"`
	LastAttemptAt  time.Time  `json:"lastAttempt"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	PushedAt       *time.Time `json:"pushedAt,omitempty"` // 已写到在线连接，不再自动重试
	DeadLettered   bool       `json:"deadLettered,omitempty"`
}

const ReasonMaxRetries = "max_retries_exceeded"

// DeadLetter 死信条目
type DeadLetter struct {
	DeliveryRecord
	Reason  string    `json:"reason"`
	MovedAt time.Time `json:"movedToDLQAt"`
}
