package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

type fakeNotifyStore struct {
	mu       sync.Mutex
	rows     []store.Notification
	statuses map[int64]string
	subs     []store.WebhookSubscription
	users    map[int64]store.User
}

func newFakeNotifyStore() *fakeNotifyStore {
	return &fakeNotifyStore{
		statuses: map[int64]string{},
		users:    map[int64]store.User{1: {ID: 1, Email: "dev@example.com"}},
	}
}

func (f *fakeNotifyStore) InsertNotification(_ context.Context, n store.Notification) (store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n.ID = int64(len(f.rows) + 1)
	f.rows = append(f.rows, n)
	f.statuses[n.ID] = n.Status
	return n, nil
}

func (f *fakeNotifyStore) SetNotificationStatus(_ context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeNotifyStore) ActiveWebhookSubscriptions(context.Context, int64, string) ([]store.WebhookSubscription, error) {
	return f.subs, nil
}

func (f *fakeNotifyStore) GetUser(_ context.Context, id int64) (store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return store.User{}, platerr.NotFound("user")
	}
	return u, nil
}

type fakeLimiter struct{ counts map[string]int64 }

func (f *fakeLimiter) IncrWithinWindow(_ context.Context, key string, _ time.Duration) (int64, error) {
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[key]++
	return f.counts[key], nil
}

type fakeMailer struct {
	mu       sync.Mutex
	sent     []string
	failures int
}

func (f *fakeMailer) Send(to, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	f.sent = append(f.sent, to)
	return nil
}

type fakeFanout struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeFanout) Deliver(_ context.Context, _ store.WebhookSubscription, event string, _ []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestSendInAppMarksSent(t *testing.T) {
	st := newFakeNotifyStore()
	d := NewDispatcher(st, &fakeLimiter{}, nil, nil, discard())

	n, err := d.Send(context.Background(), Message{
		UserID: 1, Type: "pipeline.success", Subject: "done", Channel: store.ChannelInApp})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n.Status != store.NotifySent || st.statuses[n.ID] != store.NotifySent {
		t.Errorf("status = %q/%q, want sent", n.Status, st.statuses[n.ID])
	}
}

func TestSendEmailRetriesOnce(t *testing.T) {
	st := newFakeNotifyStore()
	mail := &fakeMailer{failures: 1}
	d := NewDispatcher(st, &fakeLimiter{}, mail, nil, discard())

	n, err := d.Send(context.Background(), Message{
		UserID: 1, Type: "alert", Subject: "cpu", Channel: store.ChannelEmail})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(mail.sent) != 1 || mail.sent[0] != "dev@example.com" {
		t.Errorf("sent = %v", mail.sent)
	}
	if st.statuses[n.ID] != store.NotifySent {
		t.Errorf("status = %q, want sent after retry", st.statuses[n.ID])
	}
}

func TestSendEmailFailsAfterRetry(t *testing.T) {
	st := newFakeNotifyStore()
	mail := &fakeMailer{failures: 2}
	d := NewDispatcher(st, &fakeLimiter{}, mail, nil, discard())

	n, err := d.Send(context.Background(), Message{
		UserID: 1, Type: "alert", Subject: "cpu", Channel: store.ChannelEmail})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if st.statuses[n.ID] != store.NotifyFailed {
		t.Errorf("status = %q, want failed", st.statuses[n.ID])
	}
}

func TestSendRateLimited(t *testing.T) {
	st := newFakeNotifyStore()
	limiter := &fakeLimiter{counts: map[string]int64{rateKey(1): maxPerUserHour}}
	d := NewDispatcher(st, limiter, nil, nil, discard())

	_, err := d.Send(context.Background(), Message{UserID: 1, Channel: store.ChannelInApp})
	if !platerr.IsKind(err, platerr.KindTooManyRequests) {
		t.Errorf("kind = %v, want TooManyRequests", platerr.KindOf(err))
	}
	if len(st.rows) != 0 {
		t.Error("rate-limited sends must not insert a row")
	}
}

func TestSendWebhookHandsToFanout(t *testing.T) {
	st := newFakeNotifyStore()
	st.subs = []store.WebhookSubscription{{ID: 1, URL: "https://hooks.example.com/x"}}
	fanout := &fakeFanout{}
	d := NewDispatcher(st, &fakeLimiter{}, nil, fanout, discard())

	n, err := d.Send(context.Background(), Message{
		UserID: 1, ProjectID: 3, Type: "mr.created", Subject: "MR !7", Channel: store.ChannelWebhook})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if st.statuses[n.ID] != store.NotifySent {
		t.Errorf("status = %q, want sent", st.statuses[n.ID])
	}
	waitFor(t, func() bool {
		fanout.mu.Lock()
		defer fanout.mu.Unlock()
		return len(fanout.events) == 1 && fanout.events[0] == "mr.created"
	})
}

func TestSendWebhookWithoutFanoutFails(t *testing.T) {
	st := newFakeNotifyStore()
	d := NewDispatcher(st, &fakeLimiter{}, nil, nil, discard())

	n, err := d.Send(context.Background(), Message{
		UserID: 1, ProjectID: 3, Type: "mr.created", Channel: store.ChannelWebhook})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if st.statuses[n.ID] != store.NotifyFailed {
		t.Errorf("status = %q, want failed", st.statuses[n.ID])
	}
}

func TestSendUnknownChannel(t *testing.T) {
	d := NewDispatcher(newFakeNotifyStore(), &fakeLimiter{}, nil, nil, discard())
	_, err := d.Send(context.Background(), Message{UserID: 1, Channel: "pager"})
	if !platerr.IsKind(err, platerr.KindBadRequest) {
		t.Errorf("kind = %v, want BadRequest", platerr.KindOf(err))
	}
}

func TestPipelineFinishedNotifiesTriggerAndWebhooks(t *testing.T) {
	st := newFakeNotifyStore()
	st.subs = []store.WebhookSubscription{{ID: 1, URL: "https://hooks.example.com/x"}}
	fanout := &fakeFanout{}
	d := NewDispatcher(st, &fakeLimiter{}, nil, fanout, discard())

	userID := int64(1)
	d.PipelineFinished(context.Background(), store.Pipeline{
		ID: 12, ProjectID: 3, GitRef: "main", CommitSHA: "abc123def456",
		TriggeredBy: &userID}, "web-app", "success")

	if len(st.rows) != 1 || st.rows[0].RefID != 12 || st.rows[0].Channel != store.ChannelInApp {
		t.Fatalf("rows = %+v", st.rows)
	}
	waitFor(t, func() bool {
		fanout.mu.Lock()
		defer fanout.mu.Unlock()
		return len(fanout.events) == 1 && fanout.events[0] == "pipeline.finished"
	})
}

func TestPipelineFinishedAnonymousTrigger(t *testing.T) {
	st := newFakeNotifyStore()
	d := NewDispatcher(st, &fakeLimiter{}, nil, nil, discard())

	d.PipelineFinished(context.Background(), store.Pipeline{ID: 12, ProjectID: 3}, "web-app", "failed")
	if len(st.rows) != 0 {
		t.Error("push-triggered pipelines have no user to notify")
	}
}

func TestAlertFiredFansOut(t *testing.T) {
	st := newFakeNotifyStore()
	st.subs = []store.WebhookSubscription{{ID: 1}, {ID: 2}}
	fanout := &fakeFanout{}
	d := NewDispatcher(st, &fakeLimiter{}, nil, fanout, discard())

	v := 99.5
	d.AlertFired(context.Background(), store.AlertRule{ID: 4, Name: "high cpu"},
		store.AlertEvent{RuleID: 4, Status: store.AlertFiring, Value: &v})
	waitFor(t, func() bool {
		fanout.mu.Lock()
		defer fanout.mu.Unlock()
		return len(fanout.events) == 2
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}
