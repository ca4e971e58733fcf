package strategy

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"github.com/matheus3301/wsync/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func query(t *testing.T, path string) url.Values {
	t.Helper()
	u, err := url.Parse(path)
	require.NoError(t, err)
	return u.Query()
}

func TestLastUpdateEventIDStoresCursorAndAdvances(t *testing.T) {
	h := newHarness(t, "")
	s := NewLastUpdateEventID(h.deps)
	require.Equal(t, status.FetchingLastUpdateEventID, h.status.CurrentPhase())

	req := next(t, s, h.status.CurrentPhase())
	assert.Equal(t, "/notifications/last?client=c0", req.Path)
	assert.Nil(t, s.NextRequest(h.status.CurrentPhase()), "one request at a time")

	transporttest.Respond(req, http.StatusOK, map[string]string{"id": "n42"})
	assert.Equal(t, status.FetchingConnections, h.status.CurrentPhase())
	assert.Equal(t, "n42", h.status.LastEventID())
	assert.Empty(t, h.cursor.id, "cursor is only persisted after users")
}

func TestLastUpdateEventIDRetriesTransientAndAcceptsEmptyStream(t *testing.T) {
	h := newHarness(t, "")
	s := NewLastUpdateEventID(h.deps)

	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusServiceUnavailable, nil)
	assert.Equal(t, status.FetchingLastUpdateEventID, h.status.CurrentPhase())

	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusNotFound, nil)
	assert.Equal(t, status.FetchingConnections, h.status.CurrentPhase())
	assert.Empty(t, h.status.LastEventID())
}

func TestLastUpdateEventIDMalformedStaysInPhase(t *testing.T) {
	h := newHarness(t, "")
	s := NewLastUpdateEventID(h.deps)

	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusOK, map[string]string{})
	assert.Equal(t, status.FetchingLastUpdateEventID, h.status.CurrentPhase())
	assert.NotNil(t, s.NextRequest(h.status.CurrentPhase()), "failed cursor fetch is retried")
}

func TestConnectionsPaginates(t *testing.T) {
	h := newHarness(t, "")
	h.advanceTo(status.FetchingConnections)
	s := NewConnections(h.deps)

	req := next(t, s, h.status.CurrentPhase())
	assert.Empty(t, query(t, req.Path).Get("start"))
	transporttest.Respond(req, http.StatusOK, map[string]any{
		"connections": []map[string]string{
			{"to": "u1", "status": "accepted", "conversation": "conv1"},
			{"to": "u2", "status": "pending"},
		},
		"has_more": true,
	})
	require.Equal(t, status.FetchingConnections, h.status.CurrentPhase())

	req = next(t, s, h.status.CurrentPhase())
	assert.Equal(t, "u2", query(t, req.Path).Get("start"))
	transporttest.Respond(req, http.StatusOK, map[string]any{
		"connections": []map[string]string{{"to": "u3", "status": "blocked"}},
	})
	assert.Equal(t, status.FetchingConversations, h.status.CurrentPhase())

	conn, ok := h.store.Lookup(graph.EntityConnection, "u1")
	require.True(t, ok)
	assert.Equal(t, "accepted", conn.Connection().Status)
	assert.False(t, conn.NeedsUpdate)
	u1, ok := h.store.Lookup(graph.EntityUser, "u1")
	require.True(t, ok)
	assert.Equal(t, u1.ID, conn.Connection().To)
	assert.True(t, u1.NeedsUpdate, "users are fetched in their own phase")
	_, ok = h.store.Lookup(graph.EntityConversation, "conv1")
	assert.True(t, ok)
	assert.Len(t, h.store.Fetch(graph.OfEntity(graph.EntityConnection)), 3)
}

func TestConnectionsFailureRestartsSlowSync(t *testing.T) {
	h := newHarness(t, "")
	h.advanceTo(status.FetchingConnections)
	h.status.UpdateLastEventID("n1")
	s := NewConnections(h.deps)

	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusOK, []byte("nope"))
	assert.Equal(t, status.FetchingConnections, h.status.CurrentPhase())
}

func TestConversationsSlowSyncFlagsNewMembers(t *testing.T) {
	h := newHarness(t, "")
	h.advanceTo(status.FetchingConversations)
	s := NewConversations(h.deps)
	h.register(s)

	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusOK, map[string]any{
		"conversations": []conversationPayload{
			{ID: "conv1", Name: "team", Type: "group", Members: []string{selfUser, "u1"}},
		},
	})
	assert.Equal(t, status.FetchingUsers, h.status.CurrentPhase())

	conv, ok := h.store.Lookup(graph.EntityConversation, "conv1")
	require.True(t, ok)
	assert.Equal(t, "team", conv.Conversation().Name)
	assert.Len(t, conv.Conversation().Participants, 2)
	assert.False(t, conv.NeedsUpdate)
	u1, _ := h.store.Lookup(graph.EntityUser, "u1")
	assert.True(t, u1.User().ClientsNeedUpdate)
}

func TestConversationsServerErrorsRestartAtConnections(t *testing.T) {
	h := newHarness(t, "")
	h.deps.Config.PhaseRetries = 2
	h.advanceTo(status.FetchingConversations)
	h.status.UpdateLastEventID("n1")
	s := NewConversations(h.deps)

	for i := 0; i < 2; i++ {
		transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusInternalServerError, nil)
		require.Equal(t, status.FetchingConversations, h.status.CurrentPhase(), "retry %d", i+1)
	}
	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusInternalServerError, nil)
	assert.Equal(t, status.FetchingConnections, h.status.CurrentPhase())
	assert.Nil(t, s.NextRequest(h.status.CurrentPhase()))
}

func TestPhaseRetriesIgnoreUnreachableBackend(t *testing.T) {
	h := newHarness(t, "")
	h.deps.Config.PhaseRetries = 1
	h.advanceTo(status.FetchingConnections)
	resyncs, unsub := h.bus.Subscribe("sync.resync", 8)
	defer unsub()
	s := NewConnections(h.deps)

	for i := 0; i < 5; i++ {
		transporttest.Fail(next(t, s, h.status.CurrentPhase()), transport.ErrOffline)
	}
	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusBadGateway, nil)
	assert.Empty(t, resyncs)

	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusBadGateway, nil)
	require.Len(t, resyncs, 1)
	require.Equal(t, status.FetchingConnections, h.status.CurrentPhase())

	// The restarted phase gets a fresh budget.
	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusBadGateway, nil)
	assert.Len(t, resyncs, 1)
	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusOK, map[string]any{})
	assert.Equal(t, status.FetchingConversations, h.status.CurrentPhase())
}

func TestConversationEvents(t *testing.T) {
	h := newHarness(t, "n1")
	s := NewConversations(h.deps)
	conv := h.conversation("conv1", selfUser)

	events := wsync.Events([]wsync.Notification{{
		ID: "n2",
		Payload: []json.RawMessage{
			json.RawMessage(`{"type":"conversation.member-join","conversation":"conv1","data":{"user_ids":["u1","u2"]}}`),
			json.RawMessage(`{"type":"conversation.create","conversation":"conv2","data":{"name":"new","members":["u1"]}}`),
			json.RawMessage(`{"type":"conversation.member-join","conversation":"unknown","data":{"user_ids":["u3"]}}`),
		},
	}})
	h.write(func(tx *graph.Tx) error { return s.ProcessEvents(tx, events, true) })

	c := h.get(conv).Conversation()
	assert.Len(t, c.Participants, 3)
	u2, _ := h.store.Lookup(graph.EntityUser, "u2")
	assert.True(t, u2.User().ClientsNeedUpdate)
	assert.True(t, c.HasParticipant(u2.ID))

	conv2, ok := h.store.Lookup(graph.EntityConversation, "conv2")
	require.True(t, ok)
	assert.Equal(t, "new", conv2.Conversation().Name)
	unknown, ok := h.store.Lookup(graph.EntityConversation, "unknown")
	require.True(t, ok)
	assert.True(t, unknown.NeedsUpdate, "unknown conversation is fetched whole")

	leave := wsync.Events([]wsync.Notification{{
		ID:      "n3",
		Payload: []json.RawMessage{json.RawMessage(`{"type":"conversation.member-leave","conversation":"conv1","data":{"user_ids":["u1"]}}`)},
	}})
	h.write(func(tx *graph.Tx) error { return s.ProcessEvents(tx, leave, true) })
	assert.Len(t, h.get(conv).Conversation().Participants, 2)
}

func TestConversationFetchNotFoundFailsPendingMessages(t *testing.T) {
	h := newHarness(t, "n1")
	h.goOnline()
	s := NewConversations(h.deps)
	h.register(s)

	var conv, msg graph.ID
	h.write(func(tx *graph.Tx) error {
		conv, _ = tx.FetchOrCreate(graph.EntityConversation, "gone")
		msg = tx.Insert(graph.EntityMessage, "", &graph.Message{Conversation: conv, State: graph.DeliveryPending})
		return nil
	})

	req := next(t, s, status.Done)
	assert.Equal(t, "/conversations/gone", req.Path)
	transporttest.Respond(req, http.StatusNotFound, nil)

	_, ok := h.store.Get(conv)
	assert.False(t, ok)
	assert.Equal(t, graph.DeliveryFailed, h.get(msg).Message().State)
}

func TestUsersFetchedInBatches(t *testing.T) {
	h := newHarness(t, "")
	h.deps.Config.UserBatchSize = 2
	h.write(func(tx *graph.Tx) error {
		tx.FetchOrCreate(graph.EntityUser, "u1")
		tx.FetchOrCreate(graph.EntityUser, "u2")
		return nil
	})
	h.advanceTo(status.FetchingUsers)
	h.status.UpdateLastEventID("n7")
	s := NewUsers(h.deps)
	h.register(s)

	req := next(t, s, h.status.CurrentPhase())
	assert.Equal(t, "self,u1", query(t, req.Path).Get("ids"))
	transporttest.Respond(req, http.StatusOK, []userPayload{
		{ID: selfUser, Name: "Me", TeamID: "team1"},
	})
	require.Equal(t, status.FetchingUsers, h.status.CurrentPhase())

	req = next(t, s, h.status.CurrentPhase())
	assert.Equal(t, "u2", query(t, req.Path).Get("ids"))
	transporttest.Respond(req, http.StatusOK, []userPayload{{ID: "u2", Name: "Bob"}})

	// No user is left to fetch.
	assert.Nil(t, s.NextRequest(h.status.CurrentPhase()))
	assert.Equal(t, status.FetchingLegalHoldStatus, h.status.CurrentPhase())
	assert.Equal(t, "n7", h.cursor.id, "cursor persisted after users")

	me, _ := h.store.Lookup(graph.EntityUser, selfUser)
	assert.Equal(t, "team1", me.User().TeamID)
	assert.False(t, me.NeedsUpdate)
	u1, _ := h.store.Lookup(graph.EntityUser, "u1")
	assert.True(t, u1.Failed, "user absent from the answer is failed")
}

func TestUsersTransientBatchIsRetried(t *testing.T) {
	h := newHarness(t, "")
	h.advanceTo(status.FetchingUsers)
	s := NewUsers(h.deps)

	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusBadGateway, nil)
	req := next(t, s, h.status.CurrentPhase())
	assert.Equal(t, selfUser, query(t, req.Path).Get("ids"))
}

func TestUserClientsRefreshQueuesBootstrap(t *testing.T) {
	h := newHarness(t, "n1")
	h.goOnline()
	s := NewUsers(h.deps)
	h.register(s)

	var u1 graph.ID
	h.write(func(tx *graph.Tx) error {
		me, _ := tx.Lookup(graph.EntityUser, selfUser)
		if err := tx.SetNeedsUpdate(me.ID, false); err != nil {
			return err
		}
		u1, _ = tx.FetchOrCreate(graph.EntityUser, "u1")
		if err := tx.SetNeedsUpdate(u1, false); err != nil {
			return err
		}
		return requestClients(tx, u1)
	})

	req := next(t, s, status.Done)
	assert.Equal(t, "/users/u1/clients", req.Path)
	transporttest.Respond(req, http.StatusOK, []clientPayload{{ID: "d1"}, {ID: "d2", Label: "phone"}})

	user := h.get(u1)
	assert.False(t, user.User().ClientsNeedUpdate)
	assert.False(t, user.NeedsUpdate, "device refresh leaves the user flag alone")
	require.Len(t, user.User().Clients, 2)
	self := h.selfObj()
	assert.Len(t, self.Client().Missing, 2)
	assert.True(t, self.ModifiedKeys.Has(missingKey))
	d2, _ := h.store.LookupClient("u1", "d2")
	assert.Equal(t, "phone", d2.Client().Label)

	// A later refresh drops the stale device.
	h.write(func(tx *graph.Tx) error { return requestClients(tx, u1) })
	transporttest.Respond(next(t, s, status.Done), http.StatusOK, []clientPayload{{ID: "d1"}})
	_, ok := h.store.LookupClient("u1", "d2")
	assert.False(t, ok)
	assert.Len(t, h.get(u1).User().Clients, 1)
	assert.Len(t, h.selfObj().Client().Missing, 1)
}

func TestUserClientEvents(t *testing.T) {
	h := newHarness(t, "n1")
	s := NewUsers(h.deps)
	d1 := h.device("u1", "d1", true)

	events := wsync.Events([]wsync.Notification{{
		ID: "n2",
		Payload: []json.RawMessage{
			json.RawMessage(`{"type":"user.client-add","user":"u1","client":{"id":"d2","label":"tablet"}}`),
			json.RawMessage(`{"type":"user.client-remove","user":"u1","client":{"id":"d1"}}`),
			json.RawMessage(`{"type":"user.update","user":{"id":"u1","name":"Ann"}}`),
		},
	}})
	h.write(func(tx *graph.Tx) error { return s.ProcessEvents(tx, events, true) })

	_, ok := h.store.Get(d1)
	assert.False(t, ok)
	has, err := h.keys.HasSession("u1", "d1")
	require.NoError(t, err)
	assert.False(t, has, "session of a removed device is dropped")
	d2, ok := h.store.LookupClient("u1", "d2")
	require.True(t, ok)
	assert.True(t, h.selfObj().Client().Missing.Has(d2.ID))
	u1, _ := h.store.Lookup(graph.EntityUser, "u1")
	assert.Equal(t, "Ann", u1.User().Name)
}

func TestLegalHold(t *testing.T) {
	t.Run("no team skips the phase", func(t *testing.T) {
		h := newHarness(t, "")
		h.advanceTo(status.FetchingLegalHoldStatus)
		s := NewLegalHold(h.deps)
		assert.Nil(t, s.NextRequest(h.status.CurrentPhase()))
		assert.Equal(t, status.FetchingFeatureConfigs, h.status.CurrentPhase())
	})

	t.Run("not found means disabled", func(t *testing.T) {
		h := newHarness(t, "")
		me, _ := h.store.Lookup(graph.EntityUser, selfUser)
		h.write(func(tx *graph.Tx) error {
			return tx.Modify(me.ID, func(o *graph.Object) { o.User().TeamID = "team1" })
		})
		h.advanceTo(status.FetchingLegalHoldStatus)
		s := NewLegalHold(h.deps)

		req := next(t, s, h.status.CurrentPhase())
		assert.Equal(t, "/teams/team1/legalhold/self", req.Path)
		transporttest.Respond(req, http.StatusNotFound, nil)
		assert.Equal(t, status.FetchingFeatureConfigs, h.status.CurrentPhase())
		assert.Equal(t, legalHoldDisabled, h.get(me.ID).User().LegalHold)
	})
}

func TestFeatureConfigs(t *testing.T) {
	h := newHarness(t, "")
	h.advanceTo(status.FetchingFeatureConfigs)
	s := NewFeatureConfig(h.deps)
	h.register(s)

	req := next(t, s, h.status.CurrentPhase())
	assert.Equal(t, "/feature-configs", req.Path)
	transporttest.Respond(req, http.StatusOK, map[string]any{
		"fileSharing":  map[string]any{"status": "enabled"},
		"selfDeleting": map[string]any{"status": "disabled", "config": map[string]int{"timeout": 30}},
	})
	assert.Equal(t, status.FetchingMissedEvents, h.status.CurrentPhase())

	f, ok := h.store.Lookup(graph.EntityFeature, "selfDeleting")
	require.True(t, ok)
	assert.Equal(t, "disabled", f.Feature().Status)
	assert.JSONEq(t, `{"timeout":30}`, string(f.Feature().Config))

	events := []wsync.Event{{ID: "n2", Type: "feature-config.update", Payload: json.RawMessage(`{"name":"fileSharing"}`)}}
	h.write(func(tx *graph.Tx) error { return s.ProcessEvents(tx, events, true) })

	h.status.DidFinish(status.FetchingMissedEvents)
	req = next(t, s, status.Done)
	assert.Equal(t, "/feature-configs/fileSharing", req.Path)
	transporttest.Respond(req, http.StatusOK, map[string]string{"status": "disabled"})
	f, _ = h.store.Lookup(graph.EntityFeature, "fileSharing")
	assert.Equal(t, "disabled", f.Feature().Status)
	assert.False(t, f.NeedsUpdate)
}

func TestMissingEventsReplaysPages(t *testing.T) {
	h := newHarness(t, "n1")
	s := NewMissingEvents(h.deps)
	require.Equal(t, status.FetchingMissedEvents, h.status.CurrentPhase())

	req := next(t, s, h.status.CurrentPhase())
	q := query(t, req.Path)
	assert.Equal(t, "n1", q.Get("since"))
	assert.Equal(t, "c0", q.Get("client"))
	transporttest.Respond(req, http.StatusOK, wsync.NotificationPage{
		Notifications: []wsync.Notification{
			{ID: "n2", Payload: []json.RawMessage{json.RawMessage(`{"type":"user.update","user":{"id":"u1"}}`)}},
			{ID: "n3"},
		},
		HasMore: true,
	})
	assert.Equal(t, "n3", h.cursor.id, "cursor advances per page")
	require.Len(t, h.events.batches, 1)
	assert.False(t, h.events.live[0])

	req = next(t, s, h.status.CurrentPhase())
	assert.Equal(t, "n3", query(t, req.Path).Get("since"))
	transporttest.Respond(req, http.StatusOK, wsync.NotificationPage{
		Notifications: []wsync.Notification{{ID: "n4"}},
	})
	assert.Equal(t, status.Done, h.status.CurrentPhase())
	assert.Equal(t, "n4", h.cursor.id)
}

func TestMissingEventsUnknownCursorRestartsSlowSync(t *testing.T) {
	h := newHarness(t, "n1")
	s := NewMissingEvents(h.deps)

	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusNotFound, nil)
	assert.Equal(t, status.FetchingConnections, h.status.CurrentPhase())
	assert.Nil(t, s.NextRequest(h.status.CurrentPhase()))
}

func TestMissingEventsFailedBatchKeepsCursor(t *testing.T) {
	h := newHarness(t, "n1")
	h.events.err = assert.AnError
	s := NewMissingEvents(h.deps)

	transporttest.Respond(next(t, s, h.status.CurrentPhase()), http.StatusOK, wsync.NotificationPage{
		Notifications: []wsync.Notification{
			{ID: "n2", Payload: []json.RawMessage{json.RawMessage(`{"type":"user.update","user":{"id":"u1"}}`)}},
		},
	})
	assert.Equal(t, "n1", h.cursor.id)
	assert.Equal(t, status.FetchingConnections, h.status.CurrentPhase())
}
