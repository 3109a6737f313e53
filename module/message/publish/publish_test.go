package publish

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"PPChat/module/conversation"
	"PPChat/module/message/model"
	"PPChat/module/message/sequencer"
	"PPChat/module/message/store"
	"PPChat/service/storage"
	"PPChat/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type record struct {
	topic, key string
	value      []byte
}

type captureProducer struct {
	mu  sync.Mutex
	out []record
}

func (p *captureProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, record{topic, key, value})
	return nil
}

var topics = Topics{Messages: "chat-messages", Typing: "typing-indicators", Receipts: "read-receipts"}

type env struct {
	svc   *Service
	prod  *captureProducer
	store *store.Mem
	mr    *miniredis.Miniredis
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewMem()
	p := &captureProducer{}
	return &env{
		svc:   NewService(sequencer.New(rdb, st), p, storage.NewReadCache(rdb), st, topics),
		prod:  p,
		store: st,
		mr:    mr,
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t)
	bad := []SubmitRequest{
		{ReceiverID: "u2", Body: "hi"},
		{SenderID: "u1", Body: "hi"},
		{SenderID: "u1", ReceiverID: "u1", Body: "hi"},
		{SenderID: "u1", ReceiverID: "u2"},
		{SenderID: "u_1", ReceiverID: "u2", Body: "hi"},
		{SenderID: "u1", ReceiverID: "u2", Body: "hi", MessageType: "video"},
		{SenderID: "u1", ReceiverID: "u2", Body: "bad\x00body"},
		{SenderID: "u1", ReceiverID: "u2", Body: "bad\xffbody"},
	}
	for i, req := range bad {
		_, err := e.svc.Submit(context.Background(), req)
		if ce := errs.Code(err); ce == nil || ce.Code != errs.ArgsError {
			t.Errorf("case %d: err = %v", i, err)
		}
	}
	if len(e.prod.out) != 0 {
		t.Fatalf("invalid requests were published: %d", len(e.prod.out))
	}
}

func TestSubmitAppendsKeyedByConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_ = e.mr.Set("conversations:u1", "[]")
	_ = e.mr.Set("conversations:u2", "[]")

	r1, err := e.svc.Submit(ctx, SubmitRequest{SenderID: "u2", ReceiverID: "u1", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	r2, _ := e.svc.Submit(ctx, SubmitRequest{SenderID: "u1", ReceiverID: "u2", Body: "yo", MessageType: "image", Metadata: map[string]any{"w": 10}})
	if r1.SequenceID != 1 || r2.SequenceID != 2 || r1.Status != StatusQueued || r1.MessageID == r2.MessageID {
		t.Fatalf("results = %+v %+v", r1, r2)
	}

	if len(e.prod.out) != 2 {
		t.Fatalf("published %d", len(e.prod.out))
	}
	rec := e.prod.out[0]
	if rec.topic != "chat-messages" || rec.key != "u1_u2" {
		t.Fatalf("record = %s %s", rec.topic, rec.key)
	}
	var m model.Message
	if err := json.Unmarshal(rec.value, &m); err != nil {
		t.Fatal(err)
	}
	if m.MessageType != model.TypeText || m.SenderID != "u2" || m.ConversationID != conversation.Must("u1", "u2") || m.CreatedAt.IsZero() {
		t.Fatalf("message = %+v", m)
	}
	if e.mr.Exists("conversations:u1") || e.mr.Exists("conversations:u2") {
		t.Fatal("conversation caches not invalidated")
	}
}

func TestConcurrentSendersShareOneSequence(t *testing.T) {
	e := newEnv(t)
	const perSide = 50
	var wg sync.WaitGroup
	for i := 0; i < perSide; i++ {
		for _, pair := range [][2]string{{"u1", "u2"}, {"u2", "u1"}} {
			wg.Add(1)
			go func(from, to string) {
				defer wg.Done()
				if _, err := e.svc.Submit(context.Background(), SubmitRequest{SenderID: from, ReceiverID: to, Body: "x"}); err != nil {
					t.Errorf("submit: %v", err)
				}
			}(pair[0], pair[1])
		}
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, r := range e.prod.out {
		var m model.Message
		_ = json.Unmarshal(r.value, &m)
		if r.key != "u1_u2" {
			t.Fatalf("key = %s", r.key)
		}
		if seen[m.SequenceID] {
			t.Fatalf("sequence %d reused", m.SequenceID)
		}
		seen[m.SequenceID] = true
	}
	for s := int64(1); s <= 2*perSide; s++ {
		if !seen[s] {
			t.Fatalf("sequence %d missing", s)
		}
	}
}

func TestSubmitSurfacesSequencerFailure(t *testing.T) {
	e := newEnv(t)
	e.mr.Close()
	if _, err := e.svc.Submit(context.Background(), SubmitRequest{SenderID: "u1", ReceiverID: "u2", Body: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if len(e.prod.out) != 0 {
		t.Fatal("nothing should be appended")
	}
}

func TestTypingAndReceiptTopics(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	conv := conversation.Must("u1", "u2")

	if err := e.svc.SubmitTyping(ctx, conv, "u3", true); err == nil {
		t.Fatal("outsider typing accepted")
	}
	if err := e.svc.SubmitReadReceipt(ctx, conv, "u2", 0); err == nil {
		t.Fatal("zero sequence accepted")
	}
	if err := e.svc.SubmitTyping(ctx, conv, "u1", true); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.SubmitReadReceipt(ctx, conv, "u2", 3); err != nil {
		t.Fatal(err)
	}
	if len(e.prod.out) != 2 || e.prod.out[0].topic != "typing-indicators" || e.prod.out[1].topic != "read-receipts" {
		t.Fatalf("records = %+v", e.prod.out)
	}
	var rc model.ReceiptEvent
	_ = json.Unmarshal(e.prod.out[1].value, &rc)
	if rc.UserID != "u2" || rc.LastReadSequenceID != 3 || rc.ReadAt.IsZero() || e.prod.out[1].key != "u1_u2" {
		t.Fatalf("receipt = %+v", rc)
	}
}

func TestClearConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	conv := conversation.Must("u1", "u2")
	for i := int64(1); i <= 3; i++ {
		_, _ = e.store.InsertIdempotent(ctx, &model.Message{MessageID: string(rune('a' + i)), ConversationID: conv, SenderID: "u1", ReceiverID: "u2", SequenceID: i, CreatedAt: time.Now()})
	}
	_ = e.mr.Set("conversation_seq:u1_u2", "3")

	res, err := e.svc.ClearConversation(ctx, conv, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if res.DeletedCount != 3 || res.SystemMessageID == "" {
		t.Fatalf("result = %+v", res)
	}
	var m model.Message
	_ = json.Unmarshal(e.prod.out[0].value, &m)
	if m.MessageType != model.TypeSystem || m.SequenceID != 4 || m.Metadata["action"] != "chat_cleared" || m.Metadata["clearedBy"] != "u2" || m.ReceiverID != "u1" {
		t.Fatalf("system message = %+v", m)
	}
	page, _ := e.store.History(ctx, store.HistoryQuery{Conversation: conv})
	if len(page.Messages) != 0 {
		t.Fatalf("history after clear = %d", len(page.Messages))
	}

	if _, err := e.svc.ClearConversation(ctx, conv, "u9"); err == nil {
		t.Fatal("outsider clear accepted")
	}
}
