package strategy

import (
	"net/http"
	"testing"

	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/e2ee"
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	"github.com/matheus3301/wsync/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMissingClients(h *harness) *MissingClients {
	s := NewMissingClients(h.deps)
	h.register(s)
	return s
}

func prekeyBody(t *testing.T, payload any) map[string][]string {
	t.Helper()
	body, ok := payload.(map[string][]string)
	require.True(t, ok, "unexpected payload %T", payload)
	return body
}

func TestMissingClientsEstablishesSessions(t *testing.T) {
	h := newHarness(t, "n1")
	sub, unsub := h.bus.Subscribe("crypto.", 8)
	defer unsub()
	s := newMissingClients(h)

	d1 := h.device("u1", "d1", false)
	d2 := h.device("u1", "d2", false)
	var msg graph.ID
	h.write(func(tx *graph.Tx) error {
		msg = tx.Insert(graph.EntityMessage, "", &graph.Message{State: graph.DeliveryPending, MissingRecipients: graph.NewIDSet(d1, d2)})
		for _, d := range []graph.ID{d1, d2} {
			if err := tx.Modify(d, func(o *graph.Object) { o.Client().BlockedMessages.Add(msg) }); err != nil {
				return err
			}
		}
		return nil
	})
	h.addMissing(d1, d2)

	req := next(t, s, status.Done)
	assert.Equal(t, "/users/prekeys", req.Path)
	assert.ElementsMatch(t, []string{"d1", "d2"}, prekeyBody(t, req.Payload)["u1"])
	assert.Equal(t, e2ee.DeviceFetchingPrekey, s.DeviceState("u1", "d1"))
	assert.Nil(t, s.NextRequest(status.Done), "one batch in flight per self device")

	transporttest.Respond(req, http.StatusOK, map[string]map[string]any{
		"u1": {"d1": map[string]string{"key": peerPrekey(t)}, "d2": nil},
	})

	dev1, dev2 := h.get(d1).Client(), h.get(d2).Client()
	assert.True(t, dev1.HasSession)
	assert.True(t, dev2.FailedSession)
	assert.Empty(t, dev1.BlockedMessages)
	assert.Empty(t, dev2.BlockedMessages)
	has, err := h.keys.HasSession("u1", "d1")
	require.NoError(t, err)
	assert.True(t, has)

	self := h.selfObj()
	assert.Empty(t, self.Client().Missing)
	assert.False(t, self.ModifiedKeys.Has(missingKey))
	assert.False(t, self.Failed)

	m := h.get(msg).Message()
	assert.Empty(t, m.MissingRecipients, "blocked message resumed")
	assert.True(t, m.FailedRecipients.Has(d2))
	assert.False(t, m.FailedRecipients.Has(d1))

	assert.Equal(t, e2ee.DeviceEstablished, s.DeviceState("u1", "d1"))
	assert.Equal(t, e2ee.DeviceFailed, s.DeviceState("u1", "d2"))
	assert.Equal(t, e2ee.DeviceUnknown, s.DeviceState("u9", "d9"))

	kinds := map[string]int{}
	for len(sub) > 0 {
		kinds[(<-sub).Kind]++
	}
	assert.Equal(t, 1, kinds[bus.KindSessionBootstrap])
	assert.Equal(t, 1, kinds[bus.KindSessionBootFailed])
	assert.Nil(t, s.NextRequest(status.Done))
}

func TestMissingClientsMalformedPrekeyFailsDevice(t *testing.T) {
	h := newHarness(t, "n1")
	s := newMissingClients(h)
	d1 := h.device("u1", "d1", false)
	h.addMissing(d1)

	transporttest.Respond(next(t, s, status.Done), http.StatusOK, map[string]map[string]any{
		"u1": {"d1": map[string]string{"key": "not base64!"}},
	})
	assert.True(t, h.get(d1).Client().FailedSession)
	assert.Empty(t, h.selfObj().Client().Missing)
}

func TestMissingClientsAbsentDevicesWithUnchangedCount(t *testing.T) {
	h := newHarness(t, "n1")
	s := newMissingClients(h)
	d1 := h.device("u1", "d1", false)
	d2 := h.device("u2", "d2", false)
	h.addMissing(d1, d2)

	transporttest.Respond(next(t, s, status.Done), http.StatusOK, map[string]any{})
	assert.True(t, h.get(d1).Client().FailedSession, "treated as deleted")
	assert.True(t, h.get(d2).Client().FailedSession)
	assert.Empty(t, h.selfObj().Client().Missing)
}

func TestMissingClientsAbsentDevicesKeptWhenSetGrew(t *testing.T) {
	h := newHarness(t, "n1")
	s := newMissingClients(h)
	d1 := h.device("u1", "d1", false)
	h.addMissing(d1)

	req := next(t, s, status.Done)
	d3 := h.device("u3", "d3", false)
	h.addMissing(d3)
	transporttest.Respond(req, http.StatusOK, map[string]any{})

	dev := h.get(d1).Client()
	assert.False(t, dev.FailedSession)
	assert.False(t, dev.HasSession)
	missing := h.selfObj().Client().Missing
	assert.True(t, missing.Has(d1))
	assert.True(t, missing.Has(d3))

	req = next(t, s, status.Done)
	assert.Len(t, prekeyBody(t, req.Payload), 2, "retried with the new device")
}

func TestMissingClientsBatchesLargeSets(t *testing.T) {
	h := newHarness(t, "n1")
	h.deps.Config.PrekeyBatchSize = 2
	s := newMissingClients(h)
	var devs []graph.ID
	for _, c := range []string{"d1", "d2", "d3"} {
		devs = append(devs, h.device("u1", c, false))
	}
	h.addMissing(devs...)

	req := next(t, s, status.Done)
	assert.Len(t, prekeyBody(t, req.Payload)["u1"], 2)
	transporttest.Respond(req, http.StatusOK, map[string]map[string]any{
		"u1": {"d1": map[string]string{"key": peerPrekey(t)}, "d2": map[string]string{"key": peerPrekey(t)}},
	})
	assert.True(t, h.selfObj().ModifiedKeys.Has(missingKey), "remaining devices keep the self client queued")

	req = next(t, s, status.Done)
	assert.Equal(t, []string{"d3"}, prekeyBody(t, req.Payload)["u1"])
	transporttest.Respond(req, http.StatusOK, map[string]map[string]any{
		"u1": {"d3": map[string]string{"key": peerPrekey(t)}},
	})
	for _, d := range devs {
		assert.True(t, h.get(d).Client().HasSession)
	}
	assert.False(t, h.selfObj().ModifiedKeys.Has(missingKey))
}

func TestMissingClientsMalformedBodyFailsRequestedDevices(t *testing.T) {
	h := newHarness(t, "n1")
	s := newMissingClients(h)
	d1 := h.device("u1", "d1", false)
	h.addMissing(d1)

	transporttest.Respond(next(t, s, status.Done), http.StatusOK, []string{"garbage"})
	assert.True(t, h.get(d1).Client().FailedSession)
	assert.False(t, h.selfObj().Failed)
}

func TestMissingClientsRejectedBatchKeepsSelfClient(t *testing.T) {
	h := newHarness(t, "n1")
	h.deps.Config.PrekeyBatchSize = 1
	s := newMissingClients(h)
	d1 := h.device("u1", "d1", false)
	d2 := h.device("u1", "d2", false)
	h.addMissing(d1, d2)

	transporttest.Respond(next(t, s, status.Done), http.StatusBadRequest, map[string]string{"label": "bad-request"})
	assert.True(t, h.get(d1).Client().FailedSession)
	self := h.selfObj()
	assert.False(t, self.Failed)
	assert.True(t, self.Client().Missing.Has(d2))

	req := next(t, s, status.Done)
	assert.Equal(t, []string{"d2"}, prekeyBody(t, req.Payload)["u1"])
}

func TestMissingClientsTransientFailureRetries(t *testing.T) {
	h := newHarness(t, "n1")
	s := newMissingClients(h)
	d1 := h.device("u1", "d1", false)
	h.addMissing(d1)

	transporttest.Respond(next(t, s, status.Done), http.StatusServiceUnavailable, nil)
	assert.True(t, h.selfObj().Client().Missing.Has(d1))
	assert.Equal(t, e2ee.DeviceUnknown, s.DeviceState("u1", "d1"))
	assert.NotNil(t, s.NextRequest(status.Done))
}

func TestAddMissingIsIdempotent(t *testing.T) {
	h := newHarness(t, "n1")
	withSession := h.device("u1", "d1", true)
	without := h.device("u1", "d2", false)

	var added []int
	for range 2 {
		h.write(func(tx *graph.Tx) error {
			n, err := addMissing(tx, h.self, withSession, without, h.self)
			added = append(added, n)
			return err
		})
	}
	assert.Equal(t, []int{1, 0}, added)
	missing := h.selfObj().Client().Missing
	assert.Len(t, missing, 1)
	assert.True(t, missing.Has(without))
}
