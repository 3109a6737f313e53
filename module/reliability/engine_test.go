package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"PPChat/global/config"
	"PPChat/module/conversation"
	"PPChat/module/message/model"
	"PPChat/module/message/store"
	"PPChat/service/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type published struct {
	topic, key string
	msg        model.Message
}

type fakeProducer struct {
	mu   sync.Mutex
	out  []published
	fail error
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	var m model.Message
	_ = json.Unmarshal(value, &m)
	p.out = append(p.out, published{topic: topic, key: key, msg: m})
	return nil
}

type scheduled struct {
	delay time.Duration
	fn    func()
}

type manualScheduler struct {
	jobs      map[string]scheduled
	cancelled []string
}

func newManualScheduler() *manualScheduler { return &manualScheduler{jobs: map[string]scheduled{}} }

func (s *manualScheduler) Schedule(key string, d time.Duration, fn func()) {
	s.jobs[key] = scheduled{delay: d, fn: fn}
}

func (s *manualScheduler) Cancel(key string) bool {
	_, ok := s.jobs[key]
	delete(s.jobs, key)
	s.cancelled = append(s.cancelled, key)
	return ok
}

func (s *manualScheduler) Stop() { s.jobs = map[string]scheduled{} }

// fire runs the pending job for key and reports its delay.
func (s *manualScheduler) fire(t *testing.T, key string) time.Duration {
	t.Helper()
	j, ok := s.jobs[key]
	if !ok {
		t.Fatalf("no job scheduled for %s", key)
	}
	delete(s.jobs, key)
	j.fn()
	return j.delay
}

type fakeArchive struct{ got []model.DeadLetter }

func (a *fakeArchive) Archive(_ context.Context, dl model.DeadLetter) error {
	a.got = append(a.got, dl)
	return nil
}

type fakeReporter struct {
	errs     []string
	counters map[string]int
}

func (r *fakeReporter) RecordError(_ context.Context, err error, typ string, _ map[string]any) {
	r.errs = append(r.errs, typ+": "+err.Error())
}

func (r *fakeReporter) Incr(_ context.Context, c string) {
	if r.counters == nil {
		r.counters = map[string]int{}
	}
	r.counters[c]++
}

type fixture struct {
	eng      *Engine
	records  *storage.DeliveryRecords
	store    *store.Mem
	prod     *fakeProducer
	sched    *manualScheduler
	archive  *fakeArchive
	reporter *fakeReporter
}

var testCfg = config.ReliabilityConfig{
	MaxRetries:    5,
	InitialDelay:  time.Second,
	MaxDelay:      time.Minute,
	RecordTTL:     time.Hour,
	MetricsWindow: time.Hour,
	DLQCap:        100,
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		records:  storage.NewDeliveryRecords(rdb, time.Hour),
		store:    store.NewMem(),
		prod:     &fakeProducer{},
		sched:    newManualScheduler(),
		archive:  &fakeArchive{},
		reporter: &fakeReporter{},
	}
	f.eng = New(testCfg, Deps{
		Records:   f.records,
		Store:     f.store,
		Producer:  f.prod,
		Topic:     "chat-messages",
		Scheduler: f.sched,
		Archive:   f.archive,
		Reporter:  f.reporter,
	})
	return f
}

func (f *fixture) seed(t *testing.T, id string, seq int64) {
	t.Helper()
	m := &model.Message{
		MessageID:      id,
		ConversationID: conversation.Must("u1", "u2"),
		SenderID:       "u1",
		ReceiverID:     "u2",
		Body:           "hi",
		SequenceID:     seq,
	}
	if _, err := f.store.InsertIdempotent(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.TrackSent(context.Background(), id, m.ConversationID.String(), "u2"); err != nil {
		t.Fatal(err)
	}
}

func TestBackoffBounds(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{40, time.Minute},
		{-1, time.Second},
	}
	for _, c := range cases {
		if got := Backoff(c.attempts, time.Second, time.Minute); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}

func TestRetryUntilDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "m1", 1)

	for i := 0; i < testCfg.MaxRetries; i++ {
		if err := f.eng.Retry(ctx, "m1"); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		delay := f.sched.fire(t, "m1")
		if want := Backoff(i, testCfg.InitialDelay, testCfg.MaxDelay); delay != want {
			t.Fatalf("attempt %d delay = %v, want %v", i+1, delay, want)
		}
		last := f.prod.out[len(f.prod.out)-1]
		if !last.msg.IsRetry || last.msg.RetryAttempt != i+1 || last.key != "u1_u2" || last.topic != "chat-messages" {
			t.Fatalf("resend %d = %+v", i, last)
		}
	}
	if len(f.prod.out) != testCfg.MaxRetries {
		t.Fatalf("resent %d times", len(f.prod.out))
	}

	if err := f.eng.Retry(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if len(f.sched.jobs) != 0 {
		t.Fatal("nothing should be scheduled after exhaustion")
	}
	dls, err := f.eng.ListDeadLetters(ctx, 10)
	if err != nil || len(dls) != 1 {
		t.Fatalf("dead letters = %+v %v", dls, err)
	}
	if dls[0].Reason != model.ReasonMaxRetries || dls[0].Attempts != testCfg.MaxRetries || !dls[0].DeadLettered {
		t.Fatalf("dead letter = %+v", dls[0])
	}
	if len(f.archive.got) != 1 || len(f.reporter.errs) != 1 {
		t.Fatalf("archive=%d reporter=%v", len(f.archive.got), f.reporter.errs)
	}

	// further retries are no-ops
	if err := f.eng.Retry(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.records.DeadLetterCount(ctx); n != 1 {
		t.Fatalf("dlq size = %d", n)
	}
}

func TestMarkDeliveredCancelsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "m1", 1)

	_ = f.eng.Retry(ctx, "m1")
	if _, ok := f.sched.jobs["m1"]; !ok {
		t.Fatal("retry not scheduled")
	}
	if err := f.eng.MarkDelivered(ctx, "m1", "u2"); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.sched.jobs["m1"]; ok {
		t.Fatal("pending retry not cancelled")
	}
	m, _ := f.store.FetchByID(ctx, "m1")
	if m.DeliveredAt == nil {
		t.Fatal("store delivered_at not set")
	}
	st, _ := f.eng.GetDeliveryStatus(ctx, "m1")
	if st.Status != model.StatusDelivered {
		t.Fatalf("status = %s", st.Status)
	}
	// a later retry is a no-op
	_ = f.eng.Retry(ctx, "m1")
	if len(f.sched.jobs) != 0 {
		t.Fatal("delivered message rescheduled")
	}

	if err := f.eng.MarkDelivered(ctx, "m1", "u3"); err == nil {
		t.Fatal("ack from non-receiver should fail")
	}
}

func TestCancelRetryKeepsRecordSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "m1", 1)

	_ = f.eng.Retry(ctx, "m1")
	pending := f.sched.jobs["m1"]
	if err := f.eng.CancelRetry(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.sched.jobs["m1"]; ok {
		t.Fatal("pending retry not cancelled")
	}
	st, _ := f.eng.GetDeliveryStatus(ctx, "m1")
	if st.Status != model.StatusSent || st.PushedAt == nil || st.DeliveredAt != nil {
		t.Fatalf("record after push = %+v", st)
	}
	m, _ := f.store.FetchByID(ctx, "m1")
	if m.DeliveredAt != nil {
		t.Fatal("push must not set delivered_at")
	}

	// 其他节点上已排期的重发也不再发出
	pending.fn()
	if len(f.prod.out) != 0 {
		t.Fatalf("pushed message republished: %+v", f.prod.out)
	}
	_ = f.eng.Retry(ctx, "m1")
	if len(f.sched.jobs) != 0 {
		t.Fatal("pushed message rescheduled")
	}

	// the client ack still moves it on
	if err := f.eng.MarkDelivered(ctx, "m1", "u2"); err != nil {
		t.Fatal(err)
	}
	st, _ = f.eng.GetDeliveryStatus(ctx, "m1")
	if st.Status != model.StatusDelivered {
		t.Fatalf("status = %s", st.Status)
	}
}

func TestResendChecksStatusFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "m1", 1)

	_ = f.eng.Retry(ctx, "m1")
	// ack lands without going through the engine's cancel
	if _, err := f.records.Advance(ctx, "m1", "u2", model.StatusRead); err != nil {
		t.Fatal(err)
	}
	f.sched.fire(t, "m1")
	if len(f.prod.out) != 0 {
		t.Fatalf("read message was resent: %+v", f.prod.out)
	}
}

func TestResendPublishFailureRetriesAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "m1", 1)

	_ = f.eng.Retry(ctx, "m1")
	f.prod.fail = errors.New("kafka: client has run out of available brokers")
	f.sched.fire(t, "m1")

	rec, _ := f.records.Get(ctx, "m1")
	if rec.Attempts != 2 {
		t.Fatalf("attempts = %d", rec.Attempts)
	}
	if j, ok := f.sched.jobs["m1"]; !ok || j.delay != 2*time.Second {
		t.Fatalf("next retry = %+v %v", j, ok)
	}
}

func TestScheduleRetryRunsRetry(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "m1", 1)

	f.eng.ScheduleRetry("m1", 5*time.Second)
	if d := f.sched.fire(t, "m1"); d != 5*time.Second {
		t.Fatalf("delay = %v", d)
	}
	// the fixed-delay job ran Retry, which scheduled the first backoff step
	if j, ok := f.sched.jobs["m1"]; !ok || j.delay != time.Second {
		t.Fatalf("backoff job = %+v %v", j, ok)
	}
}

func TestGetMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		f.seed(t, id, int64(i+1))
	}
	_ = f.eng.MarkDelivered(ctx, "m1", "u2")
	_ = f.eng.MarkRead(ctx, "m2", "u2")
	_ = f.eng.Retry(ctx, "m3")

	m, err := f.eng.GetMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalSent != 4 || m.Delivered != 1 || m.Read != 1 || m.Pending != 2 || m.RetryAttempts != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.DeliveryRate != 0.5 || m.ReadRate != 0.5 {
		t.Fatalf("rates = %v %v", m.DeliveryRate, m.ReadRate)
	}
}

func TestGetDeliveryStatusFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &model.Message{MessageID: "old", ConversationID: conversation.Must("u1", "u2"), SenderID: "u1", ReceiverID: "u2", SequenceID: 9}
	_, _ = f.store.InsertIdempotent(ctx, m)
	_, _ = f.store.MarkDelivered(ctx, "old", "u2", time.Now())

	st, err := f.eng.GetDeliveryStatus(ctx, "old")
	if err != nil || st == nil || st.Status != model.StatusDelivered {
		t.Fatalf("status = %+v %v", st, err)
	}
	if st, _ := f.eng.GetDeliveryStatus(ctx, "nope"); st != nil {
		t.Fatalf("unknown message = %+v", st)
	}
}

func TestRequeueAndProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "m1", 1)
	f.seed(t, "m2", 2)
	f.eng.cfg.MaxRetries = 0
	_ = f.eng.Retry(ctx, "m1")
	_ = f.eng.Retry(ctx, "m2")

	ok, err := f.eng.Requeue(ctx, "m1")
	if err != nil || !ok {
		t.Fatalf("requeue = %v %v", ok, err)
	}
	if len(f.prod.out) != 1 || f.prod.out[0].msg.MessageID != "m1" {
		t.Fatalf("requeue publish = %+v", f.prod.out)
	}
	rec, _ := f.records.Get(ctx, "m1")
	if rec.DeadLettered || rec.Attempts != 0 {
		t.Fatalf("record after requeue = %+v", rec)
	}
	if ok, _ := f.eng.Requeue(ctx, "m1"); ok {
		t.Fatal("second requeue should find nothing")
	}

	popped, err := f.eng.ProcessDeadLetters(ctx, 10)
	if err != nil || len(popped) != 1 || popped[0].MessageID != "m2" {
		t.Fatalf("processed = %+v %v", popped, err)
	}
}

func TestTimerScheduler(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	fired := make(chan string, 4)
	s.Schedule("a", time.Hour, func() { fired <- "a-old" })
	s.Schedule("a", 10*time.Millisecond, func() { fired <- "a" })
	s.Schedule("b", 10*time.Millisecond, func() { fired <- "b" })
	if !s.Cancel("b") {
		t.Fatal("cancel b")
	}
	if s.Cancel("b") {
		t.Fatal("double cancel")
	}

	select {
	case v := <-fired:
		if v != "a" {
			t.Fatalf("fired %s", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	select {
	case v := <-fired:
		t.Fatalf("unexpected %s", v)
	case <-time.After(50 * time.Millisecond):
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d", s.Pending())
	}

	s.Stop()
	s.Schedule("c", time.Millisecond, func() { fired <- "c" })
	select {
	case v := <-fired:
		t.Fatalf("scheduled after stop: %s", v)
	case <-time.After(30 * time.Millisecond):
	}
}
