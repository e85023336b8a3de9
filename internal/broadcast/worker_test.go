package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/botclient"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/realtime"
	"github.com/supportpanel/server/internal/repo/memstore"
)

type fakeBot struct {
	mu   sync.Mutex
	sent []int64
	fail map[int64]bool
}

func (f *fakeBot) Send(_ context.Context, req botclient.SendRequest) (*int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req.TgID)
	if f.fail[req.TgID] {
		return nil, botclient.ErrUnavailable
	}
	id := int64(len(f.sent))
	return &id, nil
}

func (f *fakeBot) recipients() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sent...)
}

type countingPub struct {
	mu     sync.Mutex
	events map[string]int
}

func (p *countingPub) Publish(event string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string]int)
	}
	p.events[event]++
}

func (p *countingPub) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[event]
}

type notifyRecorder struct {
	ids []uuid.UUID
	err error
}

func (n *notifyRecorder) Notify(_ context.Context, id uuid.UUID) error {
	n.ids = append(n.ids, id)
	return n.err
}

func seedChat(t *testing.T, store *memstore.Store, tgID int64, status model.ChatStatus) model.Chat {
	t.Helper()
	c := model.Chat{TgID: tgID, Status: status}
	require.NoError(t, store.Chats().Create(context.Background(), &c))
	return c
}

func newWorker(store *memstore.Store, bot Sender, pub *countingPub) *Worker {
	w := NewWorker(store, bot, pub)
	w.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return w
}

func TestCreateValidatesAndNotifies(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	n := &notifyRecorder{}
	svc := NewService(store, n)
	admin := model.User{ID: uuid.New(), Role: model.RoleAdministrator}

	_, err := svc.Create(ctx, admin, CreateRequest{Body: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(ctx, admin, CreateRequest{Body: "hi", TargetStatuses: []string{"archived"}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	b, err := svc.Create(ctx, admin, CreateRequest{Title: " Promo ", Body: "hi", TargetStatuses: []string{"Active", "active", "NEW"}})
	require.NoError(t, err)
	assert.Equal(t, "Promo", b.Title)
	assert.Equal(t, []string{"active", "new"}, b.TargetStatuses)
	assert.Equal(t, model.BroadcastPending, b.Status)
	assert.Equal(t, []uuid.UUID{b.ID}, n.ids)

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, *got.CreatedByUserID)
}

func TestCreateSurvivesNotifierFailure(t *testing.T) {
	store := memstore.New()
	svc := NewService(store, &notifyRecorder{err: errors.New("broker down")})

	b, err := svc.Create(context.Background(), model.User{ID: uuid.New()}, CreateRequest{Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{TargetAll}, b.TargetStatuses)

	list, err := svc.List(context.Background(), 50)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestNormalizeTargets(t *testing.T) {
	got, err := normalizeTargets([]string{"new", "ALL"})
	require.NoError(t, err)
	assert.Equal(t, []string{TargetAll}, got)
	assert.Nil(t, chatStatuses(got))
	assert.Equal(t, []model.ChatStatus{model.ChatClosed}, chatStatuses([]string{"closed"}))
}

func TestProcessSendsToMatchingChats(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	active := seedChat(t, store, 1, model.ChatActive)
	seedChat(t, store, 2, model.ChatClosed)
	failing := seedChat(t, store, 3, model.ChatActive)

	bot := &fakeBot{fail: map[int64]bool{3: true}}
	pub := &countingPub{}
	w := newWorker(store, bot, pub)

	b, err := NewService(store, nil).Create(ctx, model.User{ID: uuid.New()}, CreateRequest{Body: "news", TargetStatuses: []string{"active"}})
	require.NoError(t, err)

	found, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.ElementsMatch(t, []int64{1, 3}, bot.recipients())

	done, err := store.Broadcasts().GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastCompleted, done.Status)
	assert.Equal(t, model.BroadcastStats{Sent: 1, Failed: 1, Total: 2}, done.Stats)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	msgs, err := store.Messages().ListByChat(ctx, active.ID, nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.DirectionOut, msgs[0].Direction)
	assert.Equal(t, "news", *msgs[0].Text)

	msgs, err = store.Messages().ListByChat(ctx, failing.ID, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 1, pub.count(realtime.MessageCreated))

	found, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResumeAfterCrashSkipsRecordedRecipients(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	first := seedChat(t, store, 10, model.ChatNew)
	seedChat(t, store, 11, model.ChatActive)
	seedChat(t, store, 12, model.ChatEscalated)

	b, err := NewService(store, nil).Create(ctx, model.User{ID: uuid.New()}, CreateRequest{Body: "hello"})
	require.NoError(t, err)

	// A previous process claimed the campaign, reached one chat and died.
	_, err = store.Broadcasts().Claim(ctx, b.ID, time.Now())
	require.NoError(t, err)
	inserted, err := store.Broadcasts().RecordDelivery(ctx, b.ID, first.ID, true)
	require.NoError(t, err)
	require.True(t, inserted)

	bot := &fakeBot{}
	w := newWorker(store, bot, &countingPub{})

	found, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, found, "in_progress campaigns are not claimable before recovery")

	n, err := w.Recover(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, w.Handle(ctx, b.ID))
	assert.ElementsMatch(t, []int64{11, 12}, bot.recipients())

	done, err := store.Broadcasts().GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastCompleted, done.Status)
	assert.Equal(t, model.BroadcastStats{Sent: 3, Failed: 0, Total: 3}, done.Stats)

	// A late duplicate notification is a no-op.
	require.NoError(t, w.Handle(ctx, b.ID))
	assert.Len(t, bot.recipients(), 2)
}

func TestRunHandlesNotificationsUntilCancelled(t *testing.T) {
	store := memstore.New()
	seedChat(t, store, 20, model.ChatActive)
	bot := &fakeBot{}
	w := newWorker(store, bot, &countingPub{})

	ctx, cancel := context.WithCancel(context.Background())
	notes := make(chan uuid.UUID, 1)
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx, notes, time.Hour)
		close(stopped)
	}()

	b, err := NewService(store, nil).Create(context.Background(), model.User{ID: uuid.New()}, CreateRequest{Body: "x"})
	require.NoError(t, err)
	notes <- b.ID

	require.Eventually(t, func() bool {
		got, err := store.Broadcasts().GetByID(context.Background(), b.ID)
		return err == nil && got.Status == model.BroadcastCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, []int64{20}, bot.recipients())
}

func TestDecodeNotification(t *testing.T) {
	id := uuid.New()
	got, err := decodeNotification([]byte(`{"broadcast_id":"` + id.String() + `"}`))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = decodeNotification([]byte(`{}`))
	assert.Error(t, err)
	_, err = decodeNotification([]byte(`nope`))
	assert.Error(t, err)
}
