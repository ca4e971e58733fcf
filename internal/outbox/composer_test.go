package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	"github.com/matheus3301/wsync/internal/strategy"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memCursor struct{ id string }

func (m *memCursor) LastEventID() (string, error) { return m.id, nil }
func (m *memCursor) SetLastEventID(id string) error {
	m.id = id
	return nil
}

type testAccount struct {
	engine *wsync.Engine
	store  *graph.Store
	queued []graph.ID
}

func (a *testAccount) Account() string { return "acct" }
func (a *testAccount) Engine() *wsync.Engine { return a.engine }
func (a *testAccount) Store() *graph.Store { return a.store }

func (a *testAccount) DidQueueMessage(conv graph.ID) { a.queued = append(a.queued, conv) }

func newAccount(t *testing.T, b *bus.Bus) *testAccount {
	t.Helper()
	store := graph.NewStore(nil, b, zap.NewNop())
	store.SetAccount("acct")
	st, err := status.NewSyncStatus("acct", &memCursor{id: "n1"}, b, zap.NewNop())
	require.NoError(t, err)
	engine := wsync.NewEngine(wsync.SchedulerConfig{Account: "acct"}, store, st, transporttest.New(), b, nil, zap.NewNop())
	t.Cleanup(engine.Stop)

	require.NoError(t, store.Write(func(tx *graph.Tx) error {
		self, _ := tx.FetchOrCreateClient("me", "c0")
		if err := tx.Modify(self, func(o *graph.Object) { o.Client().IsSelf = true }); err != nil {
			return err
		}
		tx.FetchOrCreate(graph.EntityConversation, "conv1")
		return nil
	}))
	return &testAccount{engine: engine, store: store}
}

func (a *testAccount) message(t *testing.T, id graph.ID) *graph.Object {
	t.Helper()
	o, ok := a.store.Get(id)
	require.True(t, ok)
	return o
}

func TestSendTextQueuesPendingMessage(t *testing.T) {
	b := bus.New()
	a := newAccount(t, b)
	c := NewComposer(b, 0, zap.NewNop())
	now := time.Unix(1000, 0)
	c.SetClock(func() time.Time { return now })

	r, err := c.SendText(context.Background(), a, "conv1", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, r.Nonce)

	o := a.message(t, r.ID)
	m := o.Message()
	assert.Equal(t, "hello", m.Text)
	assert.Equal(t, r.Nonce, m.Nonce)
	assert.Equal(t, graph.DeliveryPending, m.State)
	assert.Equal(t, now, m.CreatedAt)
	conv, _ := a.store.Lookup(graph.EntityConversation, "conv1")
	assert.Equal(t, conv.ID, m.Conversation)
	self, _ := a.store.LookupClient("me", "c0")
	assert.Equal(t, self.ID, m.Sender)
	assert.Empty(t, o.ModifiedKeys)
	assert.Equal(t, []graph.ID{conv.ID}, a.queued)
}

func TestSendRejectsBadInput(t *testing.T) {
	b := bus.New()
	a := newAccount(t, b)
	c := NewComposer(b, 0, zap.NewNop())

	_, err := c.SendText(context.Background(), a, "conv1", "  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = c.SendText(context.Background(), a, "nope", "hi")
	assert.ErrorIs(t, err, ErrUnknownConversation)
	_, err = c.SendAsset(context.Background(), a, "conv1", graph.Asset{}, "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, a.queued)
}

func TestSendAssetQueuesUpload(t *testing.T) {
	b := bus.New()
	a := newAccount(t, b)
	c := NewComposer(b, 0, zap.NewNop())

	r, err := c.SendAsset(context.Background(), a, "conv1", graph.Asset{Name: "a.png", Step: graph.AssetUploaded, Key: "stale"}, "look")
	require.NoError(t, err)
	o := a.message(t, r.ID)
	assert.Equal(t, graph.AssetPlaceholder, o.Message().Asset.Step)
	assert.Empty(t, o.Message().Asset.Key)
	assert.True(t, o.ModifiedKeys.Has("asset"))
}

func TestExpireAndResend(t *testing.T) {
	b := bus.New()
	sub, unsub := b.Subscribe(bus.KindDeliveryFailed, 4)
	defer unsub()
	a := newAccount(t, b)
	c := NewComposer(b, time.Minute, zap.NewNop())
	now := time.Unix(1000, 0)
	c.SetClock(func() time.Time { return now })

	old, err := c.SendText(context.Background(), a, "conv1", "old")
	require.NoError(t, err)
	now = now.Add(50 * time.Second)
	fresh, err := c.SendText(context.Background(), a, "conv1", "fresh")
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	n, err := c.Expire(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o := a.message(t, old.ID)
	assert.True(t, o.Failed)
	assert.Equal(t, graph.DeliveryFailed, o.Message().State)
	assert.Equal(t, graph.DeliveryPending, a.message(t, fresh.ID).Message().State)
	require.Len(t, sub, 1)
	evt := <-sub
	assert.Equal(t, "acct", evt.Account)
	assert.Equal(t, strategy.DeliveryFailure{Message: old.ID, Nonce: old.Nonce}, evt.Payload)

	require.NoError(t, c.Resend(context.Background(), a, old.Nonce))
	o = a.message(t, old.ID)
	assert.False(t, o.Failed)
	assert.Equal(t, graph.DeliveryPending, o.Message().State)

	assert.ErrorIs(t, c.Resend(context.Background(), a, "missing"), ErrUnknownMessage)
}

func TestStartSweepsAccounts(t *testing.T) {
	b := bus.New()
	a := newAccount(t, b)
	c := NewComposer(b, time.Millisecond, zap.NewNop())
	r, err := c.SendText(context.Background(), a, "conv1", "hi")
	require.NoError(t, err)

	c.Start(context.Background(), 5*time.Millisecond, func() []Account { return []Account{a} })
	defer c.Stop()
	assert.Eventually(t, func() bool {
		o, ok := a.store.Get(r.ID)
		return ok && o.Message().State == graph.DeliveryFailed
	}, time.Second, 5*time.Millisecond)
}
