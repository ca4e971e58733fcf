package strategy

import (
	"net/http"
	"net/url"

	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

const pushTokenKey = "push_token"

type pushAction int

const (
	pushDeleteLegacy pushAction = iota
	pushDelete
	pushDownload
	pushRegister
)

type pushTokenPayload struct {
	Token     string `json:"token"`
	App       string `json:"app"`
	Transport string `json:"transport"`
	Client    string `json:"client,omitempty"`
}

// PushToken keeps the self client's push token registered. A replaced
// legacy token is always deleted before the current token is touched.
type PushToken struct {
	wsync.BaseUpstreamTranscoder

	deps     Deps
	upstream *wsync.UpstreamSync
	logger   *zap.Logger
}

func NewPushToken(d Deps) *PushToken {
	s := &PushToken{deps: d, logger: d.logger("push_token")}
	s.upstream = wsync.NewUpstreamSync(wsync.UpstreamConfig{
		Name:   "push_token",
		Entity: graph.EntityClient,
		Keys:   []string{pushTokenKey},
		UpdatePredicate: func(o *graph.Object) bool {
			return o.RemoteID == d.ClientID && o.Client().UserID == d.SelfUserID && pushWork(o.Client())
		},
	}, s, d.Store, s.logger)
	return s
}

func pushWork(c *graph.Client) bool {
	if c.LegacyPushToken != nil {
		return true
	}
	t := c.PushToken
	return t != nil && (t.MarkedForDeletion || t.MarkedForDownload || !t.Registered)
}

func nextPushAction(c *graph.Client) pushAction {
	switch t := c.PushToken; {
	case c.LegacyPushToken != nil:
		return pushDeleteLegacy
	case t.MarkedForDeletion:
		return pushDelete
	case t.MarkedForDownload:
		return pushDownload
	default:
		return pushRegister
	}
}

func (s *PushToken) Name() string { return "push_token" }

func (s *PushToken) Flags() wsync.Flags {
	return wsync.AllowsWhileOnline | wsync.AllowsWhileInBackground
}

func (s *PushToken) ContextChangeTrackers() []wsync.ChangeTracker {
	return []wsync.ChangeTracker{s.upstream}
}

func (s *PushToken) NextRequest(status.Phase) *transport.Request {
	return s.upstream.NextRequest()
}

func (s *PushToken) RequestForUpdating(_ graph.View, obj *graph.Object, _ []string) *wsync.UpstreamRequest {
	c := obj.Client()
	action := nextPushAction(c)
	var req *transport.Request
	switch action {
	case pushDeleteLegacy:
		req = transport.NewRequest(http.MethodDelete, "/push/tokens/"+url.PathEscape(c.LegacyPushToken.Token), nil)
	case pushDelete:
		req = transport.NewRequest(http.MethodDelete, "/push/tokens/"+url.PathEscape(c.PushToken.Token), nil)
	case pushDownload:
		req = transport.NewRequest(http.MethodGet, "/push/tokens", nil)
	case pushRegister:
		t := c.PushToken
		req = transport.NewRequest(http.MethodPost, "/push/tokens", pushTokenPayload{
			Token: t.Token, App: t.AppID, Transport: t.Transport, Client: s.deps.ClientID,
		})
	}
	return &wsync.UpstreamRequest{Request: req, Keys: []string{pushTokenKey}, Info: action}
}

func (s *PushToken) UpdateUpdated(tx *graph.Tx, obj *graph.Object, req *wsync.UpstreamRequest, resp *transport.Response) (bool, error) {
	action := req.Info.(pushAction)
	registered := true
	if action == pushDownload {
		var body struct {
			Tokens []pushTokenPayload `json:"tokens"`
		}
		if err := resp.Decode(&body); err != nil {
			return false, err
		}
		registered = false
		for _, t := range body.Tokens {
			if t.Token == obj.Client().PushToken.Token && t.Client == s.deps.ClientID {
				registered = true
			}
		}
	}
	return s.apply(tx, obj.ID, action, registered)
}

func (s *PushToken) apply(tx *graph.Tx, id graph.ID, action pushAction, registered bool) (bool, error) {
	more := false
	err := tx.Modify(id, func(o *graph.Object) {
		c := o.Client()
		switch action {
		case pushDeleteLegacy:
			c.LegacyPushToken = nil
		case pushDelete:
			c.PushToken = nil
		case pushDownload:
			if c.PushToken != nil {
				c.PushToken.MarkedForDownload = false
				c.PushToken.Registered = registered
			}
		case pushRegister:
			if c.PushToken != nil {
				c.PushToken.Registered = registered
			}
		}
		more = pushWork(c)
	})
	return more, err
}

// ShouldRetryFailed never lets a push token failure fail the self client.
// A token the backend does not know counts as deleted; a rejected
// registration drops the token.
func (s *PushToken) ShouldRetryFailed(tx *graph.Tx, obj *graph.Object, req *wsync.UpstreamRequest, resp *transport.Response) bool {
	action := req.Info.(pushAction)
	s.logger.Warn("push token request rejected", zap.Int("action", int(action)), zap.Error(resp.AsError()))
	if action == pushRegister {
		action = pushDelete
	}
	more, err := s.apply(tx, obj.ID, action, false)
	if err != nil {
		return false
	}
	if !more {
		if err := tx.ClearKeys(obj.ID, pushTokenKey); err != nil {
			return false
		}
	}
	return true
}

func (s *PushToken) ProcessEvents(tx *graph.Tx, events []wsync.Event, _ bool) error {
	for _, e := range events {
		if e.Type != "user.push-remove" {
			continue
		}
		var ev struct {
			Token pushTokenPayload `json:"token"`
		}
		if err := e.Decode(&ev); err != nil {
			s.logger.Warn("skipping event", zap.String("type", e.Type), zap.Error(err))
			continue
		}
		self, ok := tx.LookupClient(s.deps.SelfUserID, s.deps.ClientID)
		if !ok || self.Client().PushToken == nil || self.Client().PushToken.Token != ev.Token.Token {
			continue
		}
		if err := tx.Modify(self.ID, func(o *graph.Object) { o.Client().PushToken = nil }); err != nil {
			return err
		}
	}
	return nil
}

// SetPushToken installs a new push token on the self client. A different
// registered token is kept as legacy token and deleted first.
func SetPushToken(tx *graph.Tx, self graph.ID, token graph.PushToken) error {
	cur, ok := tx.Get(self)
	if !ok {
		return graph.ErrNotFound
	}
	if old := cur.Client().PushToken; old != nil && old.Token == token.Token && !old.MarkedForDeletion {
		return nil
	}
	err := tx.Modify(self, func(o *graph.Object) {
		c := o.Client()
		if old := c.PushToken; old != nil && old.Registered {
			legacy := *old
			legacy.MarkedForDeletion = true
			c.LegacyPushToken = &legacy
		}
		token.Registered = false
		token.MarkedForDeletion = false
		token.MarkedForDownload = false
		c.PushToken = &token
	})
	if err != nil {
		return err
	}
	return tx.Touch(self, pushTokenKey)
}

// VerifyPushToken asks the backend whether the current token is still
// registered.
func VerifyPushToken(tx *graph.Tx, self graph.ID) error {
	cur, ok := tx.Get(self)
	if !ok {
		return graph.ErrNotFound
	}
	if cur.Client().PushToken == nil {
		return nil
	}
	if err := tx.Modify(self, func(o *graph.Object) { o.Client().PushToken.MarkedForDownload = true }); err != nil {
		return err
	}
	return tx.Touch(self, pushTokenKey)
}

// DeletePushToken unregisters the current token.
func DeletePushToken(tx *graph.Tx, self graph.ID) error {
	cur, ok := tx.Get(self)
	if !ok {
		return graph.ErrNotFound
	}
	if cur.Client().PushToken == nil {
		return nil
	}
	if err := tx.Modify(self, func(o *graph.Object) { o.Client().PushToken.MarkedForDeletion = true }); err != nil {
		return err
	}
	return tx.Touch(self, pushTokenKey)
}
