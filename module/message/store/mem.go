package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPChat/module/conversation"
	"PPChat/module/message/model"
)

// Mem 内存实现，语义与 Postgres 版一致（单测 / 本地调试）
type Mem struct {
	mu    sync.RWMutex
	bySeq map[conversation.ID]map[int64]*model.Message
	byID  map[string]*model.Message
}

func NewMem() *Mem {
	return &Mem{
		bySeq: make(map[conversation.ID]map[int64]*model.Message),
		byID:  make(map[string]*model.Message),
	}
}

func (s *Mem) InsertIdempotent(_ context.Context, m *model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.bySeq[m.ConversationID]
	if conv == nil {
		conv = make(map[int64]*model.Message)
		s.bySeq[m.ConversationID] = conv
	}
	// UNIQUE(conversation_id, sequence_id)
	if _, ok := conv[m.SequenceID]; ok {
		return false, nil
	}
	cp := clone(m)
	cp.IsRetry, cp.RetryAttempt = false, 0
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.MessageType == "" {
		cp.MessageType = model.TypeText
	}
	conv[m.SequenceID] = cp
	s.byID[m.MessageID] = cp
	return true, nil
}

func (s *Mem) MarkReadUpTo(_ context.Context, conv conversation.ID, reader string, lastSeq int64, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []*model.Message
	for seq, m := range s.bySeq[conv] {
		if seq <= lastSeq && m.ReceiverID == reader && m.ReadAt == nil {
			hits = append(hits, m)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].SequenceID < hits[j].SequenceID })
	out := make([]string, 0, len(hits))
	for _, m := range hits {
		t := at
		m.ReadAt = &t
		if m.DeliveredAt == nil {
			m.DeliveredAt = &t
		}
		out = append(out, m.MessageID)
	}
	return out, nil
}

func (s *Mem) MarkDelivered(_ context.Context, messageID, receiverID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok || m.ReceiverID != receiverID || m.DeliveredAt != nil {
		return false, nil
	}
	t := at
	m.DeliveredAt = &t
	return true, nil
}

func (s *Mem) FetchByID(_ context.Context, messageID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[messageID]
	if !ok {
		return nil, nil
	}
	return clone(m), nil
}

func (s *Mem) History(_ context.Context, q HistoryQuery) (HistoryPage, error) {
	limit := NormLimit(q.Limit)
	s.mu.RLock()
	var rows []*model.Message
	for seq, m := range s.bySeq[q.Conversation] {
		if m.DeletedAt != nil {
			continue
		}
		if q.BeforeSequence > 0 && seq >= q.BeforeSequence {
			continue
		}
		rows = append(rows, clone(m))
	}
	s.mu.RUnlock()

	// DESC 取 limit+1 判断 hasMore，再翻转成升序
	sort.Slice(rows, func(i, j int) bool { return rows[i].SequenceID > rows[j].SequenceID })
	page := HistoryPage{}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	page.Messages = make([]model.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, *rows[i])
	}
	return page, nil
}

func (s *Mem) UnreadCount(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, m := range s.byID {
		if m.ReceiverID == userID && m.ReadAt == nil && m.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Mem) Conversations(_ context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Conversation
	for conv, rows := range s.bySeq {
		if !conv.Has(userID) {
			continue
		}
		var last *model.Message
		var unread int64
		for _, m := range rows {
			if m.DeletedAt != nil {
				continue
			}
			if last == nil || m.SequenceID > last.SequenceID {
				last = m
			}
			if m.ReceiverID == userID && m.ReadAt == nil {
				unread++
			}
		}
		if last == nil {
			continue
		}
		other, _ := conv.Other(userID)
		out = append(out, model.Conversation{
			ConversationID: conv,
			OtherUserID:    other,
			LastMessage:    *clone(last),
			UnreadCount:    unread,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessage.CreatedAt.After(out[j].LastMessage.CreatedAt)
	})
	return out, nil
}

func (s *Mem) SoftDeleteConversation(_ context.Context, conv conversation.ID, _ string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.bySeq[conv] {
		if m.DeletedAt == nil {
			t := at
			m.DeletedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *Mem) MaxSequence(_ context.Context, conv conversation.ID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for seq := range s.bySeq[conv] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (s *Mem) Ping(context.Context) error { return nil }

// Count 行数（测试用）
func (s *Mem) Count(conv conversation.ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySeq[conv])
}

func clone(m *model.Message) *model.Message {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
