package strategy

import (
	"testing"

	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/config"
	"github.com/matheus3301/wsync/internal/e2ee"
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	selfUser   = "self"
	selfClient = "c0"
)

type memCursor struct{ id string }

func (m *memCursor) LastEventID() (string, error) { return m.id, nil }
func (m *memCursor) SetLastEventID(id string) error {
	m.id = id
	return nil
}

type memKeys struct {
	identity []byte
	sessions map[string][]byte
}

func newMemKeys() *memKeys { return &memKeys{sessions: make(map[string][]byte)} }

func (m *memKeys) Identity() ([]byte, error) { return m.identity, nil }

func (m *memKeys) SaveIdentity(key []byte) error {
	m.identity = key
	return nil
}

func (m *memKeys) Session(u, c string) ([]byte, error) { return m.sessions[u+"/"+c], nil }

func (m *memKeys) SaveSession(u, c string, s []byte) error {
	m.sessions[u+"/"+c] = s
	return nil
}

func (m *memKeys) DeleteSession(u, c string) error {
	delete(m.sessions, u+"/"+c)
	return nil
}

// recordingEvents stands in for the engine when strategies replay events.
type recordingEvents struct {
	batches [][]wsync.Event
	live    []bool
	err     error
}

func (r *recordingEvents) ProcessEvents(events []wsync.Event, live bool) error {
	r.batches = append(r.batches, events)
	r.live = append(r.live, live)
	return r.err
}

type harness struct {
	t      *testing.T
	store  *graph.Store
	status *status.SyncStatus
	cursor *memCursor
	keys   *e2ee.Keystore
	bus    *bus.Bus
	events *recordingEvents
	self   graph.ID
	deps   Deps
}

// newHarness builds an account with a self user and self device. A
// non-empty cursor starts the account in quick sync.
func newHarness(t *testing.T, cursor string) *harness {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	h := &harness{t: t, bus: b, cursor: &memCursor{id: cursor}, events: &recordingEvents{}}

	h.store = graph.NewStore(nil, b, zap.NewNop())
	h.store.SetAccount("acct")
	var err error
	h.status, err = status.NewSyncStatus("acct", h.cursor, b, zap.NewNop())
	require.NoError(t, err)
	h.keys, err = e2ee.Open(newMemKeys())
	require.NoError(t, err)

	h.write(func(tx *graph.Tx) error {
		h.self, _ = tx.FetchOrCreateClient(selfUser, selfClient)
		if err := tx.Modify(h.self, func(o *graph.Object) { o.Client().IsSelf = true }); err != nil {
			return err
		}
		u, _ := tx.Lookup(graph.EntityUser, selfUser)
		return tx.Modify(u.ID, func(o *graph.Object) { o.User().IsSelf = true })
	})

	h.deps = Deps{
		Account:    "acct",
		SelfUserID: selfUser,
		ClientID:   selfClient,
		Store:      h.store,
		Status:     h.status,
		Keystore:   h.keys,
		Events:     h.events,
		Bus:        b,
		Config:     config.SyncConfig{UserBatchSize: 100, PrekeyBatchSize: 128, NotificationPage: 500},
		Logger:     zap.NewNop(),
	}
	return h
}

func (h *harness) write(fn func(tx *graph.Tx) error) {
	h.t.Helper()
	require.NoError(h.t, h.store.Write(fn))
}

func (h *harness) register(s wsync.Strategy) {
	if tp, ok := s.(wsync.TrackerProvider); ok {
		h.store.Register(tp.ContextChangeTrackers()...)
	}
}

// goOnline walks a quick-sync account to the done phase.
func (h *harness) goOnline() {
	h.t.Helper()
	h.status.DidFinish(status.FetchingMissedEvents)
	require.Equal(h.t, status.Done, h.status.CurrentPhase())
}

// advanceTo finishes slow-sync phases until phase is current.
func (h *harness) advanceTo(phase status.Phase) {
	h.t.Helper()
	for p := h.status.CurrentPhase(); p < phase; p = h.status.CurrentPhase() {
		h.status.DidFinish(p)
	}
	require.Equal(h.t, phase, h.status.CurrentPhase())
}

func (h *harness) get(id graph.ID) *graph.Object {
	h.t.Helper()
	o, ok := h.store.Get(id)
	require.True(h.t, ok, "object %d missing", id)
	return o
}

func (h *harness) selfObj() *graph.Object { return h.get(h.self) }

// device creates a remote device and optionally establishes a session
// with it.
func (h *harness) device(user, client string, session bool) graph.ID {
	h.t.Helper()
	var id graph.ID
	h.write(func(tx *graph.Tx) error {
		id, _ = tx.FetchOrCreateClient(user, client)
		return nil
	})
	if session {
		require.NoError(h.t, h.keys.EstablishSession(user, client, peerPrekey(h.t)))
		h.write(func(tx *graph.Tx) error {
			return tx.Modify(id, func(o *graph.Object) { o.Client().HasSession = true })
		})
	}
	return id
}

// conversation creates a synced conversation with the given members.
func (h *harness) conversation(remoteID string, members ...string) graph.ID {
	h.t.Helper()
	var id graph.ID
	h.write(func(tx *graph.Tx) error {
		id, _ = tx.FetchOrCreate(graph.EntityConversation, remoteID)
		var parts []graph.ID
		for _, m := range members {
			uid, _ := tx.FetchOrCreate(graph.EntityUser, m)
			parts = append(parts, uid)
		}
		return tx.Modify(id, func(o *graph.Object) {
			o.NeedsUpdate = false
			o.Conversation().Participants = parts
		})
	})
	return id
}

func (h *harness) addMissing(devices ...graph.ID) {
	h.t.Helper()
	h.write(func(tx *graph.Tx) error {
		_, err := addMissing(tx, h.self, devices...)
		return err
	})
}

func peerPrekey(t *testing.T) string {
	t.Helper()
	peer, err := e2ee.Open(newMemKeys())
	require.NoError(t, err)
	pks, err := peer.GeneratePrekeys(1, 1)
	require.NoError(t, err)
	return pks[0].Key
}

func next(t *testing.T, s wsync.Strategy, phase status.Phase) *transport.Request {
	t.Helper()
	req := s.NextRequest(phase)
	require.NotNil(t, req, "%s produced no request", s.Name())
	return req
}
