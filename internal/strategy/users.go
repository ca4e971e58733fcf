package strategy

import (
	"cmp"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

type userPayload struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Handle string `json:"handle"`
	TeamID string `json:"team"`
}

type clientPayload struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type userClientEvent struct {
	User   string        `json:"user"`
	Client clientPayload `json:"client"`
}

// Users fetches every user flagged for update in batches during slow sync.
// Once online, single users and device lists are refreshed on demand.
type Users struct {
	deps      Deps
	step      *phaseStep
	requested graph.IDSet
	batch     []graph.ID
	online    *wsync.DownstreamSync
	clients   *wsync.DownstreamSync
	logger    *zap.Logger
}

func NewUsers(d Deps) *Users {
	s := &Users{deps: d, requested: make(graph.IDSet), logger: d.logger("users")}
	s.step = d.newPhaseStep(status.FetchingUsers, "users", s)
	s.online = wsync.NewDownstreamSync("user_fetch",
		wsync.NeedsFetch(graph.EntityUser), nil, userFetcher{}, d.Store, s.logger)
	s.clients = wsync.NewDownstreamSync("user_clients",
		clientsNeedUpdate, nil, &clientListFetcher{deps: d}, d.Store, s.logger)
	return s
}

func clientsNeedUpdate(o *graph.Object) bool {
	u := o.User()
	return u != nil && u.ClientsNeedUpdate && !o.Failed && !o.Deleted && o.RemoteID != ""
}

func (s *Users) Name() string { return "users" }

func (s *Users) Flags() wsync.Flags {
	return wsync.AllowsDuringSlowSync | wsync.AllowsWhileOnline | wsync.AllowsWhileInBackground
}

func (s *Users) ContextChangeTrackers() []wsync.ChangeTracker {
	return []wsync.ChangeTracker{s.online, s.clients}
}

func (s *Users) NextRequest(phase status.Phase) *transport.Request {
	if rs := s.step.next(phase); rs != nil {
		return rs.NextRequest()
	}
	clear(s.requested)
	s.batch = nil
	if phase != status.Done {
		return nil
	}
	if req := s.online.NextRequest(); req != nil {
		return req
	}
	return s.clients.NextRequest()
}

func (s *Users) RequestFor(*wsync.SingleRequestSync) *transport.Request {
	pending := s.deps.Store.Fetch(func(o *graph.Object) bool {
		return wsync.NeedsFetch(graph.EntityUser)(o) && !s.requested.Has(o.ID)
	})
	if len(pending) == 0 {
		clear(s.requested)
		s.step.finish()
		return nil
	}
	if len(pending) > s.deps.userBatch() {
		pending = pending[:s.deps.userBatch()]
	}
	s.batch = s.batch[:0]
	ids := make([]string, 0, len(pending))
	for _, o := range pending {
		s.requested.Add(o.ID)
		s.batch = append(s.batch, o.ID)
		ids = append(ids, o.RemoteID)
	}
	q := url.Values{"ids": {strings.Join(ids, ",")}}
	return transport.NewRequest(http.MethodGet, "/users?"+q.Encode(), nil)
}

func (s *Users) DidReceive(rs *wsync.SingleRequestSync, resp *transport.Response) {
	batch := slices.Clone(s.batch)
	switch resp.Class() {
	case transport.Success:
	case transport.Transient:
		for _, id := range batch {
			s.requested.Remove(id)
		}
		if !s.step.retry(resp) {
			clear(s.requested)
		}
		return
	case transport.Cancelled, transport.AuthFatal:
		return
	default:
		s.logger.Warn("fetching users failed", zap.Error(resp.AsError()))
		clear(s.requested)
		s.step.fail()
		return
	}

	var users []userPayload
	if err := resp.Decode(&users); err != nil {
		s.logger.Warn("malformed user list", zap.Error(err))
		clear(s.requested)
		s.step.fail()
		return
	}
	byRemote := make(map[string]userPayload, len(users))
	for _, u := range users {
		byRemote[u.ID] = u
	}
	err := s.deps.Store.Write(func(tx *graph.Tx) error {
		for _, id := range batch {
			o, ok := tx.Get(id)
			if !ok {
				continue
			}
			p, found := byRemote[o.RemoteID]
			if !found {
				// The backend no longer knows this user.
				if err := tx.MarkFailed(id); err != nil {
					return err
				}
				continue
			}
			if err := applyUser(tx, id, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to store users", zap.Error(err))
		clear(s.requested)
		s.step.fail()
		return
	}
	rs.ReadyForNextRequest()
}

func (s *Users) ProcessEvents(tx *graph.Tx, events []wsync.Event, _ bool) error {
	for _, e := range events {
		switch e.Type {
		case "user.update":
			var ev struct {
				User userPayload `json:"user"`
			}
			if err := e.Decode(&ev); err != nil {
				s.logger.Warn("skipping event", zap.Error(err))
				continue
			}
			o, ok := tx.Lookup(graph.EntityUser, ev.User.ID)
			if !ok {
				continue
			}
			err := tx.Modify(o.ID, func(o *graph.Object) {
				u := o.User()
				if ev.User.Name != "" {
					u.Name = ev.User.Name
				}
				if ev.User.Handle != "" {
					u.Handle = ev.User.Handle
				}
			})
			if err != nil {
				return err
			}
		case "user.client-add":
			var ev userClientEvent
			if err := e.Decode(&ev); err != nil || ev.Client.ID == "" {
				s.logger.Warn("skipping event", zap.String("type", e.Type), zap.Error(err))
				continue
			}
			user := cmp.Or(ev.User, s.deps.SelfUserID)
			id, created := tx.FetchOrCreateClient(user, ev.Client.ID)
			if err := tx.Modify(id, func(o *graph.Object) { o.Client().Label = ev.Client.Label }); err != nil {
				return err
			}
			if created && !(user == s.deps.SelfUserID && ev.Client.ID == s.deps.ClientID) {
				if self, ok := tx.LookupClient(s.deps.SelfUserID, s.deps.ClientID); ok {
					if _, err := addMissing(tx, self.ID, id); err != nil {
						return err
					}
				}
			}
		case "user.client-remove":
			var ev userClientEvent
			if err := e.Decode(&ev); err != nil {
				s.logger.Warn("skipping event", zap.String("type", e.Type), zap.Error(err))
				continue
			}
			user := cmp.Or(ev.User, s.deps.SelfUserID)
			o, ok := tx.LookupClient(user, ev.Client.ID)
			if !ok || o.Client().IsSelf {
				continue
			}
			if err := s.removeClient(tx, o); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Users) removeClient(tx *graph.Tx, o *graph.Object) error {
	if s.deps.Keystore != nil {
		if err := s.deps.Keystore.DeleteSession(o.Client().UserID, o.RemoteID); err != nil {
			s.logger.Warn("failed to drop session", zap.Error(err))
		}
	}
	return deleteClient(tx, s.deps, o)
}

// applyUser overwrites a user with a backend payload.
func applyUser(tx *graph.Tx, id graph.ID, p userPayload) error {
	return tx.Modify(id, func(o *graph.Object) {
		o.NeedsUpdate = false
		u := o.User()
		u.Name = p.Name
		u.Handle = p.Handle
		u.TeamID = p.TeamID
	})
}

// deleteClient removes a device from the graph. Messages waiting on it are
// resumed and flagged undeliverable to it.
func deleteClient(tx *graph.Tx, d Deps, o *graph.Object) error {
	if self, ok := tx.LookupClient(d.SelfUserID, d.ClientID); ok && self.ID != o.ID {
		if err := releaseDevice(tx, self.ID, o.ID, false); err != nil {
			return err
		}
	}
	if owner := o.Client().User; owner != 0 {
		if _, ok := tx.Get(owner); ok {
			err := tx.Modify(owner, func(u *graph.Object) {
				u.User().Clients = slices.DeleteFunc(u.User().Clients, func(c graph.ID) bool { return c == o.ID })
			})
			if err != nil {
				return err
			}
		}
	}
	return tx.Delete(o.ID)
}

type userFetcher struct{}

func (userFetcher) RequestForFetching(obj *graph.Object) *transport.Request {
	return transport.NewRequest(http.MethodGet, "/users/"+url.PathEscape(obj.RemoteID), nil)
}

func (userFetcher) Update(tx *graph.Tx, obj *graph.Object, resp *transport.Response) error {
	var p userPayload
	if err := resp.Decode(&p); err != nil {
		return err
	}
	return applyUser(tx, obj.ID, p)
}

func (userFetcher) Delete(tx *graph.Tx, obj *graph.Object, _ *transport.Response) error {
	return tx.MarkFailed(obj.ID)
}

// clientListFetcher refreshes the device list of a user.
type clientListFetcher struct {
	deps Deps
}

func (f *clientListFetcher) RequestForFetching(obj *graph.Object) *transport.Request {
	return transport.NewRequest(http.MethodGet, "/users/"+url.PathEscape(obj.RemoteID)+"/clients", nil)
}

func (f *clientListFetcher) Update(tx *graph.Tx, obj *graph.Object, resp *transport.Response) error {
	var list []clientPayload
	if err := resp.Decode(&list); err != nil {
		return err
	}
	return f.apply(tx, obj, list)
}

// Delete drops every known device of a user the backend does not know.
func (f *clientListFetcher) Delete(tx *graph.Tx, obj *graph.Object, _ *transport.Response) error {
	if err := f.apply(tx, obj, nil); err != nil {
		return err
	}
	return f.ClearFlag(tx, obj.ID)
}

func (f *clientListFetcher) ClearFlag(tx *graph.Tx, id graph.ID) error {
	return tx.Modify(id, func(o *graph.Object) { o.User().ClientsNeedUpdate = false })
}

func (f *clientListFetcher) apply(tx *graph.Tx, obj *graph.Object, list []clientPayload) error {
	isSelfUser := obj.RemoteID == f.deps.SelfUserID
	self, hasSelf := tx.LookupClient(f.deps.SelfUserID, f.deps.ClientID)

	seen := make(graph.IDSet)
	var fresh []graph.ID
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		id, created := tx.FetchOrCreateClient(obj.RemoteID, c.ID)
		seen.Add(id)
		if err := tx.Modify(id, func(o *graph.Object) { o.Client().Label = c.Label }); err != nil {
			return err
		}
		if isSelfUser && c.ID == f.deps.ClientID {
			continue
		}
		if cur, _ := tx.Get(id); created || !cur.Client().HasSession {
			fresh = append(fresh, id)
		}
	}

	cur, ok := tx.Get(obj.ID)
	if !ok {
		return nil
	}
	for _, id := range cur.User().Clients {
		if seen.Has(id) || (hasSelf && id == self.ID) {
			continue
		}
		stale, ok := tx.Get(id)
		if !ok {
			continue
		}
		if err := deleteClient(tx, f.deps, stale); err != nil {
			return err
		}
	}

	if hasSelf && len(fresh) > 0 {
		if _, err := addMissing(tx, self.ID, fresh...); err != nil {
			return err
		}
	}
	return nil
}
