package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"PPChat/global/config"
	"PPChat/module/conversation"
	"PPChat/module/dashboard"
	"PPChat/module/message/model"
	"PPChat/module/message/publish"
	"PPChat/module/message/sequencer"
	"PPChat/module/message/store"
	"PPChat/module/presence"
	"PPChat/module/reliability"
	"PPChat/service/kafka"
	"PPChat/service/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var topics = publish.Topics{Messages: "chat-messages", Typing: "typing-indicators", Receipts: "read-receipts"}

// broker keeps appended records until the test pumps them.
type broker struct {
	mu      sync.Mutex
	pending []kafka.Record
	offset  int64
}

func (b *broker) Publish(_ context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, kafka.Record{Topic: topic, Key: []byte(key), Value: value, Offset: b.offset})
	b.offset++
	return nil
}

func (b *broker) take() []kafka.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

type pusher struct {
	mu   sync.Mutex
	live map[string]bool
	got  map[string][]model.Event
}

func (p *pusher) Push(_ context.Context, handle string, ev model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live[handle] {
		return presence.ErrConnGone
	}
	p.got[handle] = append(p.got[handle], ev)
	return nil
}

func (p *pusher) events(handle, typ string) []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Event
	for _, ev := range p.got[handle] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type scheduler struct {
	mu   sync.Mutex
	jobs map[string]job
}

type job struct {
	delay time.Duration
	fn    func()
}

func (s *scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[key] = job{d, fn}
}

func (s *scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	delete(s.jobs, key)
	return ok
}

func (s *scheduler) Stop() {}

func (s *scheduler) fire(key string) (time.Duration, bool) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	delete(s.jobs, key)
	s.mu.Unlock()
	if ok {
		j.fn()
	}
	return j.delay, ok
}

func (s *scheduler) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type harness struct {
	t        *testing.T
	mr       *miniredis.Miniredis
	store    *store.Mem
	broker   *broker
	push     *pusher
	sched    *scheduler
	queue    *storage.OfflineQueue
	records  *storage.DeliveryRecords
	presence *presence.Service
	engine   *reliability.Engine
	publish  *publish.Service
	router   *kafka.Router
	dash     *dashboard.Aggregator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		t:       t,
		mr:      mr,
		store:   store.NewMem(),
		broker:  &broker{},
		push:    &pusher{live: map[string]bool{}, got: map[string][]model.Event{}},
		sched:   &scheduler{jobs: map[string]job{}},
		queue:   storage.NewOfflineQueue(rdb, 500, time.Hour),
		records: storage.NewDeliveryRecords(rdb, time.Hour),
	}
	dash := dashboard.New(rdb)
	h.dash = dash
	cache := storage.NewReadCache(rdb)
	h.engine = reliability.New(config.ReliabilityConfig{
		MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Minute, MetricsWindow: time.Hour,
	}, reliability.Deps{
		Records:   h.records,
		Store:     h.store,
		Producer:  h.broker,
		Topic:     topics.Messages,
		Scheduler: h.sched,
		Reporter:  dash,
	})
	h.presence = presence.NewService(config.PresenceConfig{TTL: time.Hour},
		storage.NewPresenceRegistry(rdb), h.queue, h.push, h.engine)
	h.publish = publish.NewService(sequencer.New(rdb, h.store), h.broker, cache, h.store, topics)

	h.router = kafka.NewRouter()
	h.router.Register(topics.Messages, NewMessageConsumer(h.store, h.presence, h.engine, cache, dash, 5*time.Second))
	h.router.Register(topics.Typing, NewTypingConsumer(h.presence))
	h.router.Register(topics.Receipts, NewReceiptConsumer(h.store, h.presence, h.engine, cache, dash))
	return h
}

// pump delivers every pending record in append order and returns them.
func (h *harness) pump() []kafka.Record {
	h.t.Helper()
	recs := h.broker.take()
	for _, r := range recs {
		hd, ok := h.router.Get(r.Topic)
		if !ok {
			h.t.Fatalf("no consumer for %s", r.Topic)
		}
		if res := hd.ProcessOne(context.Background(), r); res != kafka.Ack {
			h.t.Fatalf("record %s@%d: %s", r.Topic, r.Offset, res)
		}
	}
	return recs
}

func (h *harness) connect(user string, conn int64) string {
	h.t.Helper()
	handle := presence.Handle(1, conn)
	h.push.mu.Lock()
	h.push.live[handle] = true
	h.push.mu.Unlock()
	if _, err := h.presence.Connect(context.Background(), user, handle); err != nil {
		h.t.Fatal(err)
	}
	return handle
}

func (h *harness) send(from, to, body string) publish.SubmitResult {
	h.t.Helper()
	res, err := h.publish.Submit(context.Background(), publish.SubmitRequest{SenderID: from, ReceiverID: to, Body: body})
	if err != nil {
		h.t.Fatal(err)
	}
	return res
}

func (h *harness) errorTypes() []string {
	h.t.Helper()
	entries, err := h.dash.RecentErrors(context.Background(), 100)
	if err != nil {
		h.t.Fatal(err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

func messages(evs []model.Event) []model.Message {
	out := make([]model.Message, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Data.(model.Message))
	}
	return out
}

func TestOrderingWithinConversation(t *testing.T) {
	h := newHarness(t)
	u2 := h.connect("u2", 2)
	u1 := h.connect("u1", 1)

	for i := 0; i < 5; i++ {
		h.send("u1", "u2", "m")
	}
	h.pump()

	got := messages(h.push.events(u2, model.EventNewMessage))
	if len(got) != 5 {
		t.Fatalf("receiver got %d", len(got))
	}
	for i, m := range got {
		if m.SequenceID != int64(i+1) {
			t.Fatalf("push %d has sequence %d", i, m.SequenceID)
		}
	}
	if echoes := h.push.events(u1, model.EventNewMessage); len(echoes) != 5 {
		t.Fatalf("sender echoes = %d", len(echoes))
	}
	// 推送成功只取消重试，送达由客户端 ack
	ctx := context.Background()
	st, _ := h.engine.GetDeliveryStatus(ctx, got[4].MessageID)
	if st == nil || st.Status != model.StatusSent || st.PushedAt == nil {
		t.Fatalf("status after push = %+v", st)
	}
	if keys := h.sched.keys(); len(keys) != 0 {
		t.Fatalf("retries armed for pushed messages: %v", keys)
	}
	if err := h.engine.MarkDelivered(ctx, got[4].MessageID, "u2"); err != nil {
		t.Fatal(err)
	}
	st, _ = h.engine.GetDeliveryStatus(ctx, got[4].MessageID)
	if st.Status != model.StatusDelivered || st.DeliveredAt == nil {
		t.Fatalf("status after ack = %+v", st)
	}
}

func TestRedeliveredRecordIsIdempotent(t *testing.T) {
	h := newHarness(t)
	u2 := h.connect("u2", 2)
	h.send("u1", "u2", "once")
	recs := h.pump()

	hd, _ := h.router.Get(topics.Messages)
	if res := hd.ProcessOne(context.Background(), recs[0]); res != kafka.Ack {
		t.Fatalf("redelivery = %s", res)
	}
	if n := h.store.Count(conversation.Must("u1", "u2")); n != 1 {
		t.Fatalf("rows = %d", n)
	}
	if n := len(h.push.events(u2, model.EventNewMessage)); n != 1 {
		t.Fatalf("receiver pushes = %d", n)
	}
}

func TestOfflineDrainDeliversExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.send("u1", "u2", "hey").MessageID)
	}
	h.pump()

	if n, _ := h.queue.Len(ctx, "u2"); n != 3 {
		t.Fatalf("queued = %d", n)
	}
	if keys := h.sched.keys(); len(keys) != 3 {
		t.Fatalf("scheduled = %v", keys)
	}

	u2 := h.connect("u2", 2)
	got := messages(h.push.events(u2, model.EventNewMessage))
	if len(got) != 3 || got[0].MessageID != ids[0] || got[2].MessageID != ids[2] {
		t.Fatalf("drained = %+v", got)
	}

	// pending retries were cancelled by the drain
	if keys := h.sched.keys(); len(keys) != 0 {
		t.Fatalf("still scheduled = %v", keys)
	}
	for _, id := range ids {
		h.engine.ScheduleRetry(id, 5*time.Second)
		h.sched.fire(id)
	}
	if recs := h.pump(); len(recs) != 0 {
		t.Fatalf("delivered messages were resent: %d", len(recs))
	}
	if n := len(h.push.events(u2, model.EventNewMessage)); n != 3 {
		t.Fatalf("total pushes = %d", n)
	}
	m, _ := h.store.FetchByID(ctx, ids[0])
	if m.DeliveredAt != nil {
		t.Fatal("delivered_at set before the client acked")
	}
	if err := h.engine.MarkDelivered(ctx, ids[0], "u2"); err != nil {
		t.Fatal(err)
	}
	m, _ = h.store.FetchByID(ctx, ids[0])
	if m.DeliveredAt == nil {
		t.Fatal("delivered_at not set after ack")
	}
}

func TestOfflineRetryDoesNotRequeue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.send("u1", "u2", "anyone?").MessageID
	h.pump()

	if d, ok := h.sched.fire(id); !ok || d != 5*time.Second {
		t.Fatalf("offline retry delay = %v %v", d, ok)
	}
	// Retry armed the first backoff step; firing it republishes
	if d, ok := h.sched.fire(id); !ok || d != time.Second {
		t.Fatalf("backoff delay = %v %v", d, ok)
	}
	recs := h.pump()
	if len(recs) != 1 {
		t.Fatalf("resent records = %d", len(recs))
	}
	if n, _ := h.queue.Len(ctx, "u2"); n != 1 {
		t.Fatalf("retry re-enqueued, queue = %d", n)
	}
	rec, _ := h.records.Get(ctx, id)
	if rec.Attempts != 2 {
		t.Fatalf("attempts = %d", rec.Attempts)
	}
	if d, ok := h.sched.fire(id); !ok || d != 2*time.Second {
		t.Fatalf("second backoff = %v %v", d, ok)
	}
	h.pump()

	u2 := h.connect("u2", 2)
	if n := len(h.push.events(u2, model.EventNewMessage)); n != 1 {
		t.Fatalf("pushes after connect = %d", n)
	}
	if keys := h.sched.keys(); len(keys) != 0 {
		t.Fatalf("retry still armed: %v", keys)
	}
}

func TestReadReceiptScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u1 := h.connect("u1", 1)
	h.connect("u2", 2)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.send("u1", "u2", "m").MessageID)
	}
	h.pump()

	conv := conversation.Must("u1", "u2")
	if err := h.publish.SubmitReadReceipt(ctx, conv, "u2", 3); err != nil {
		t.Fatal(err)
	}
	recs := h.pump()
	// the receipt record arrives again
	hd, _ := h.router.Get(topics.Receipts)
	hd.ProcessOne(ctx, recs[0])

	for i, id := range ids {
		m, _ := h.store.FetchByID(ctx, id)
		if read := m.ReadAt != nil; read != (i < 3) {
			t.Fatalf("message %d read=%v", i+1, read)
		}
	}
	receipts := h.push.events(u1, model.EventReadReceipt)
	if len(receipts) != 1 {
		t.Fatalf("receipts = %d", len(receipts))
	}
	rr := receipts[0].Data.(model.ReadReceipt)
	if rr.ReadBy != "u2" || rr.LastReadSequenceID != 3 || len(rr.MessageIDs) != 3 || rr.MessageIDs[0] != ids[0] {
		t.Fatalf("receipt = %+v", rr)
	}
	st, _ := h.engine.GetDeliveryStatus(ctx, ids[2])
	if st.Status != model.StatusRead {
		t.Fatalf("record status = %s", st.Status)
	}
	if n, _ := h.store.UnreadCount(ctx, "u2"); n != 2 {
		t.Fatalf("unread = %d", n)
	}
}

func TestConcurrentSendersBothDirections(t *testing.T) {
	h := newHarness(t)
	u1 := h.connect("u1", 1)
	u2 := h.connect("u2", 2)

	const per = 20
	var wg sync.WaitGroup
	for i := 0; i < per; i++ {
		wg.Add(2)
		for _, pair := range [][2]string{{"u1", "u2"}, {"u2", "u1"}} {
			go func(from, to string) {
				defer wg.Done()
				if _, err := h.publish.Submit(context.Background(), publish.SubmitRequest{SenderID: from, ReceiverID: to, Body: "x"}); err != nil {
					t.Errorf("submit: %v", err)
				}
			}(pair[0], pair[1])
		}
	}
	wg.Wait()
	h.pump()

	if n := h.store.Count(conversation.Must("u1", "u2")); n != 2*per {
		t.Fatalf("rows = %d", n)
	}
	// each side sees its incoming messages plus echoes of its own
	for _, handle := range []string{u1, u2} {
		if n := len(h.push.events(handle, model.EventNewMessage)); n != 2*per {
			t.Fatalf("%s pushes = %d", handle, n)
		}
	}
}

func TestTypingForwardedToPeerOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u1 := h.connect("u1", 1)
	u2 := h.connect("u2", 2)
	conv := conversation.Must("u1", "u2")

	_ = h.publish.SubmitTyping(ctx, conv, "u1", true)
	h.pump()
	if n := len(h.push.events(u2, model.EventTypingIndicator)); n != 1 {
		t.Fatalf("peer typing events = %d", n)
	}
	if n := len(h.push.events(u1, model.EventTypingIndicator)); n != 0 {
		t.Fatalf("self typing events = %d", n)
	}

	hd, _ := h.router.Get(topics.Typing)
	if res := hd.ProcessOne(ctx, kafka.Record{Topic: topics.Typing, Value: []byte(`{"conversationId":"u1_u2","userId":"u9"}`)}); res != kafka.Ack {
		t.Fatalf("outsider typing = %s", res)
	}
}

func TestMalformedRecordSkipped(t *testing.T) {
	h := newHarness(t)
	hd, _ := h.router.Get(topics.Messages)
	for _, v := range []string{"not json", `{"messageId":"x"}`, `{"messageId":"x","conversationId":"u1_u2","senderId":"u1","receiverId":"u3","sequenceId":1}`} {
		if res := hd.ProcessOne(context.Background(), kafka.Record{Topic: topics.Messages, Value: []byte(v)}); res != kafka.Ack {
			t.Fatalf("%q = %s", v, res)
		}
	}
	members, _ := h.mr.ZMembers("dashboard:errors")
	if len(members) != 3 {
		t.Fatalf("recorded errors = %d", len(members))
	}
}

type brokenStore struct{ store.Store }

func (brokenStore) InsertIdempotent(context.Context, *model.Message) (bool, error) {
	return false, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
}

func (brokenStore) MarkReadUpTo(context.Context, conversation.ID, string, int64, time.Time) ([]string, error) {
	return nil, errors.New("pg down")
}

func TestStoreFailureRedelivers(t *testing.T) {
	h := newHarness(t)
	cache := storage.NewReadCache(redis.NewClient(&redis.Options{Addr: h.mr.Addr()}))
	mc := NewMessageConsumer(brokenStore{h.store}, h.presence, h.engine, cache, nil, 0)
	rc := NewReceiptConsumer(brokenStore{h.store}, h.presence, h.engine, cache, nil)

	h.send("u1", "u2", "x")
	_ = h.publish.SubmitReadReceipt(context.Background(), conversation.Must("u1", "u2"), "u2", 1)
	recs := h.broker.take()
	if res := mc.ProcessOne(context.Background(), recs[0]); res != kafka.Redeliver {
		t.Fatalf("message = %s", res)
	}
	if res := rc.ProcessOne(context.Background(), recs[1]); res != kafka.Redeliver {
		t.Fatalf("receipt = %s", res)
	}
	if keys := h.sched.keys(); len(keys) != 0 {
		t.Fatalf("nothing should be scheduled: %v", keys)
	}
}

// rejectingStore fails the way postgres does for a body it cannot store.
type rejectingStore struct{ store.Store }

func (rejectingStore) InsertIdempotent(context.Context, *model.Message) (bool, error) {
	return false, store.Reject(errors.New(`invalid byte sequence for encoding "UTF8": 0x00 (SQLSTATE 22021)`))
}

func (rejectingStore) MarkReadUpTo(context.Context, conversation.ID, string, int64, time.Time) ([]string, error) {
	return nil, store.Reject(errors.New("value too long for type (SQLSTATE 22001)"))
}

func TestRejectedWriteIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u2 := h.connect("u2", 2)
	cache := storage.NewReadCache(redis.NewClient(&redis.Options{Addr: h.mr.Addr()}))
	mc := NewMessageConsumer(rejectingStore{h.store}, h.presence, h.engine, cache, h.dash, 0)
	rc := NewReceiptConsumer(rejectingStore{h.store}, h.presence, h.engine, cache, h.dash)

	h.send("u1", "u2", "x")
	_ = h.publish.SubmitReadReceipt(ctx, conversation.Must("u1", "u2"), "u2", 1)
	recs := h.broker.take()
	if res := mc.ProcessOne(ctx, recs[0]); res != kafka.Ack {
		t.Fatalf("message = %s", res)
	}
	if res := rc.ProcessOne(ctx, recs[1]); res != kafka.Ack {
		t.Fatalf("receipt = %s", res)
	}
	if types := h.errorTypes(); len(types) != 2 || types[0] != "malformed" || types[1] != "malformed" {
		t.Fatalf("recorded errors = %v", types)
	}
	if n := len(h.push.events(u2, model.EventNewMessage)); n != 0 {
		t.Fatalf("rejected message pushed %d times", n)
	}
	if keys := h.sched.keys(); len(keys) != 0 {
		t.Fatalf("nothing should be scheduled: %v", keys)
	}
}

func TestSequenceCollisionIsReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u2 := h.connect("u2", 2)
	conv := conversation.Must("u1", "u2")

	first := &model.Message{MessageID: "a", ConversationID: conv, SenderID: "u1", ReceiverID: "u2", Body: "first", SequenceID: 1}
	if _, err := h.store.InsertIdempotent(ctx, first); err != nil {
		t.Fatal(err)
	}
	// 计数器丢失后同一个 seq 又被发了一次
	second := model.Message{MessageID: "b", ConversationID: conv, SenderID: "u1", ReceiverID: "u2", Body: "second", SequenceID: 1}
	v, _ := json.Marshal(second)

	hd, _ := h.router.Get(topics.Messages)
	if res := hd.ProcessOne(ctx, kafka.Record{Topic: topics.Messages, Value: v}); res != kafka.Ack {
		t.Fatalf("collision = %s", res)
	}
	if n := h.store.Count(conv); n != 1 {
		t.Fatalf("rows = %d", n)
	}
	if m, _ := h.store.FetchByID(ctx, "a"); m == nil || m.Body != "first" {
		t.Fatalf("stored row = %+v", m)
	}
	if n := len(h.push.events(u2, model.EventNewMessage)); n != 0 {
		t.Fatalf("colliding message pushed %d times", n)
	}
	if types := h.errorTypes(); len(types) != 1 || types[0] != "sequence_collision" {
		t.Fatalf("recorded errors = %v", types)
	}
}
