package strategy

import (
	"net/http"

	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/e2ee"
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

const missingKey = "missing"

// prekey is one device entry of a /users/prekeys answer. A JSON null
// decodes to a nil pointer.
type prekey struct {
	Key string `json:"key"`
}

type prekeyBatch struct {
	devices []graph.ID
	// before is the size of the missing set when the batch was built.
	before int
}

// DeviceResult is published on the bus for every device whose session
// bootstrap finished.
type DeviceResult struct {
	UserID   string
	ClientID string
	State    e2ee.DeviceState
}

// MissingClients establishes sessions with the devices in the self
// client's missing set, one prekey batch at a time.
type MissingClients struct {
	wsync.BaseUpstreamTranscoder

	deps     Deps
	upstream *wsync.UpstreamSync
	current  *prekeyBatch
	logger   *zap.Logger
}

func NewMissingClients(d Deps) *MissingClients {
	s := &MissingClients{deps: d, logger: d.logger("missing_clients")}
	s.upstream = wsync.NewUpstreamSync(wsync.UpstreamConfig{
		Name:            "missing_clients",
		Entity:          graph.EntityClient,
		Keys:            []string{missingKey},
		UpdatePredicate: s.isSelfWithMissing,
	}, s, d.Store, s.logger)
	return s
}

func (s *MissingClients) isSelfWithMissing(o *graph.Object) bool {
	c := o.Client()
	return c != nil && c.UserID == s.deps.SelfUserID && o.RemoteID == s.deps.ClientID && len(c.Missing) > 0
}

func (s *MissingClients) Name() string { return "missing_clients" }

func (s *MissingClients) Flags() wsync.Flags {
	return wsync.AllowsWhileOnline | wsync.AllowsWhileInBackground
}

func (s *MissingClients) ContextChangeTrackers() []wsync.ChangeTracker {
	return []wsync.ChangeTracker{s.upstream}
}

func (s *MissingClients) NextRequest(status.Phase) *transport.Request {
	return s.upstream.NextRequest()
}

// DeviceState reports the bootstrap progress of one device. It must run on
// the sync context.
func (s *MissingClients) DeviceState(userID, clientID string) e2ee.DeviceState {
	o, ok := s.deps.Store.LookupClient(userID, clientID)
	if !ok {
		return e2ee.DeviceUnknown
	}
	switch c := o.Client(); {
	case c.HasSession:
		return e2ee.DeviceEstablished
	case c.FailedSession:
		return e2ee.DeviceFailed
	}
	self, ok := s.deps.Store.LookupClient(s.deps.SelfUserID, s.deps.ClientID)
	if ok && s.current != nil && s.upstream.HasPending(self.ID) {
		for _, d := range s.current.devices {
			if d == o.ID {
				return e2ee.DeviceFetchingPrekey
			}
		}
	}
	return e2ee.DeviceUnknown
}

func (s *MissingClients) RequestForUpdating(v graph.View, obj *graph.Object, _ []string) *wsync.UpstreamRequest {
	missing := obj.Client().Missing
	batch := &prekeyBatch{before: len(missing)}
	body := make(map[string][]string)
	for _, id := range missing.Sorted() {
		if len(batch.devices) == s.deps.prekeyBatch() {
			break
		}
		dev, ok := v.Get(id)
		if !ok || dev.Client() == nil {
			continue
		}
		body[dev.Client().UserID] = append(body[dev.Client().UserID], dev.RemoteID)
		batch.devices = append(batch.devices, id)
	}
	if len(batch.devices) == 0 {
		return nil
	}
	s.current = batch
	return &wsync.UpstreamRequest{
		Request: transport.NewRequest(http.MethodPost, "/users/prekeys", body),
		Keys:    []string{missingKey},
		Info:    batch,
	}
}

func (s *MissingClients) UpdateUpdated(tx *graph.Tx, obj *graph.Object, req *wsync.UpstreamRequest, resp *transport.Response) (bool, error) {
	batch := req.Info.(*prekeyBatch)

	var keys map[string]map[string]*prekey
	if err := resp.Decode(&keys); err != nil {
		s.logger.Warn("malformed prekey response", zap.Error(err))
		if err := s.failDevices(tx, obj.ID, batch.devices); err != nil {
			return false, err
		}
		return s.stillMissing(tx, obj.ID), nil
	}

	cur, ok := tx.Get(obj.ID)
	if !ok {
		return false, nil
	}
	countUnchanged := len(cur.Client().Missing) == batch.before

	for _, id := range batch.devices {
		dev, ok := tx.Get(id)
		if !ok {
			continue
		}
		userID, clientID := dev.Client().UserID, dev.RemoteID
		entry, listed := keys[userID][clientID]
		switch {
		case listed && entry != nil:
			established := true
			if err := s.deps.Keystore.EstablishSession(userID, clientID, entry.Key); err != nil {
				s.logger.Warn("session bootstrap failed",
					zap.String("user", userID), zap.String("client", clientID), zap.Error(err))
				established = false
			}
			if err := s.finish(tx, obj.ID, dev, established); err != nil {
				return false, err
			}
		case listed:
			// No prekey left for the device.
			if err := s.finish(tx, obj.ID, dev, false); err != nil {
				return false, err
			}
		case countUnchanged:
			// Absent from the answer and nothing was added meanwhile: the
			// device was deleted.
			if err := s.finish(tx, obj.ID, dev, false); err != nil {
				return false, err
			}
		}
	}
	return s.stillMissing(tx, obj.ID), nil
}

// ShouldRetryFailed keeps the self client alive when a batch is rejected.
// The requested devices are given up on and the rest of the missing set is
// served by the next request.
func (s *MissingClients) ShouldRetryFailed(tx *graph.Tx, obj *graph.Object, req *wsync.UpstreamRequest, resp *transport.Response) bool {
	batch := req.Info.(*prekeyBatch)
	s.logger.Warn("prekey request rejected", zap.Int("devices", len(batch.devices)), zap.Error(resp.AsError()))
	if err := s.failDevices(tx, obj.ID, batch.devices); err != nil {
		s.logger.Error("failed to record rejected devices", zap.Error(err))
		return false
	}
	if !s.stillMissing(tx, obj.ID) {
		if err := tx.ClearKeys(obj.ID, missingKey); err != nil {
			return false
		}
	}
	return true
}

func (s *MissingClients) failDevices(tx *graph.Tx, self graph.ID, devices []graph.ID) error {
	for _, id := range devices {
		dev, ok := tx.Get(id)
		if !ok {
			continue
		}
		if err := s.finish(tx, self, dev, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *MissingClients) stillMissing(tx *graph.Tx, self graph.ID) bool {
	o, ok := tx.Get(self)
	return ok && len(o.Client().Missing) > 0
}

func (s *MissingClients) finish(tx *graph.Tx, self graph.ID, dev *graph.Object, established bool) error {
	if err := releaseDevice(tx, self, dev.ID, established); err != nil {
		return err
	}
	s.deps.Metrics.DeviceSession(established)
	result := DeviceResult{UserID: dev.Client().UserID, ClientID: dev.RemoteID, State: e2ee.DeviceEstablished}
	kind := bus.KindSessionBootstrap
	if !established {
		result.State = e2ee.DeviceFailed
		kind = bus.KindSessionBootFailed
	}
	s.deps.publish(kind, result)
	return nil
}

// addMissing queues devices for session bootstrap on the self client.
// Devices that already have a session or are already queued are skipped.
// It returns the number of devices added.
func addMissing(tx *graph.Tx, self graph.ID, devices ...graph.ID) (int, error) {
	cur, ok := tx.Get(self)
	if !ok {
		return 0, graph.ErrNotFound
	}
	var add []graph.ID
	for _, id := range devices {
		if id == self || cur.Client().Missing.Has(id) {
			continue
		}
		dev, ok := tx.Get(id)
		if !ok || dev.Client() == nil || dev.Client().HasSession {
			continue
		}
		add = append(add, id)
	}
	if len(add) == 0 {
		return 0, nil
	}
	for _, id := range add {
		if err := tx.Modify(id, func(o *graph.Object) { o.Client().FailedSession = false }); err != nil {
			return 0, err
		}
	}
	err := tx.Modify(self, func(o *graph.Object) {
		for _, id := range add {
			o.Client().Missing.Add(id)
		}
	})
	if err != nil {
		return 0, err
	}
	return len(add), tx.Touch(self, missingKey)
}

// releaseDevice ends the bootstrap of a device: it leaves the missing set
// and every message blocked on it is resumed. Without a session the device
// is recorded as a failed recipient of those messages.
func releaseDevice(tx *graph.Tx, self, device graph.ID, established bool) error {
	dev, ok := tx.Get(device)
	if !ok {
		return nil
	}
	blocked := dev.Client().BlockedMessages
	err := tx.Modify(device, func(o *graph.Object) {
		c := o.Client()
		c.HasSession = established
		c.FailedSession = !established
		c.BlockedMessages = nil
	})
	if err != nil {
		return err
	}
	if _, ok := tx.Get(self); ok {
		err := tx.Modify(self, func(o *graph.Object) { o.Client().Missing.Remove(device) })
		if err != nil {
			return err
		}
	}
	for _, msgID := range blocked.Sorted() {
		if _, ok := tx.Get(msgID); !ok {
			continue
		}
		err := tx.Modify(msgID, func(o *graph.Object) {
			m := o.Message()
			m.MissingRecipients.Remove(device)
			if !established {
				m.FailedRecipients.Add(device)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}
