package strategy

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

type conversationPayload struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	TeamID  string   `json:"team"`
	Members []string `json:"members"`
}

type conversationPage struct {
	Conversations []conversationPayload `json:"conversations"`
	HasMore       bool                  `json:"has_more"`
}

type memberEvent struct {
	Conversation string `json:"conversation"`
	Data         struct {
		UserIDs []string `json:"user_ids"`
	} `json:"data"`
}

type createEvent struct {
	Conversation string              `json:"conversation"`
	Data         conversationPayload `json:"data"`
}

// Conversations lists every conversation during slow sync and refreshes
// single conversations flagged for update afterwards.
type Conversations struct {
	deps       Deps
	step       *phaseStep
	start      string
	downstream *wsync.DownstreamSync
	logger     *zap.Logger
}

func NewConversations(d Deps) *Conversations {
	s := &Conversations{deps: d, logger: d.logger("conversations")}
	s.step = d.newPhaseStep(status.FetchingConversations, "conversations", s)
	s.downstream = wsync.NewDownstreamSync("conversation_fetch",
		wsync.NeedsFetch(graph.EntityConversation), nil,
		conversationFetcher{}, d.Store, s.logger)
	return s
}

func (s *Conversations) Name() string { return "conversations" }

func (s *Conversations) Flags() wsync.Flags {
	return wsync.AllowsDuringSlowSync | wsync.AllowsWhileOnline | wsync.AllowsWhileInBackground
}

func (s *Conversations) ContextChangeTrackers() []wsync.ChangeTracker {
	return []wsync.ChangeTracker{s.downstream}
}

func (s *Conversations) NextRequest(phase status.Phase) *transport.Request {
	if rs := s.step.next(phase); rs != nil {
		return rs.NextRequest()
	}
	s.start = ""
	if phase == status.Done {
		return s.downstream.NextRequest()
	}
	return nil
}

func (s *Conversations) RequestFor(*wsync.SingleRequestSync) *transport.Request {
	q := url.Values{"size": {strconv.Itoa(s.deps.userBatch())}}
	if s.start != "" {
		q.Set("start", s.start)
	}
	return transport.NewRequest(http.MethodGet, "/conversations?"+q.Encode(), nil)
}

func (s *Conversations) DidReceive(rs *wsync.SingleRequestSync, resp *transport.Response) {
	switch resp.Class() {
	case transport.Success:
	case transport.Transient:
		s.step.retry(resp)
		return
	case transport.Cancelled, transport.AuthFatal:
		return
	default:
		s.logger.Warn("listing conversations failed", zap.Error(resp.AsError()))
		s.step.fail()
		return
	}

	var page conversationPage
	if err := resp.Decode(&page); err != nil {
		s.logger.Warn("malformed conversation page", zap.Error(err))
		s.step.fail()
		return
	}
	err := s.deps.Store.Write(func(tx *graph.Tx) error {
		for _, c := range page.Conversations {
			if c.ID == "" {
				continue
			}
			id, _ := tx.FetchOrCreate(graph.EntityConversation, c.ID)
			if err := applyConversation(tx, id, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to store conversations", zap.Error(err))
		s.step.fail()
		return
	}

	if page.HasMore && len(page.Conversations) > 0 {
		s.start = page.Conversations[len(page.Conversations)-1].ID
		rs.ReadyForNextRequest()
		return
	}
	s.start = ""
	s.step.finish()
}

func (s *Conversations) ProcessEvents(tx *graph.Tx, events []wsync.Event, _ bool) error {
	for _, e := range events {
		switch e.Type {
		case "conversation.create":
			var ev createEvent
			if err := e.Decode(&ev); err != nil {
				s.logger.Warn("skipping event", zap.Error(err))
				continue
			}
			if ev.Data.ID == "" {
				ev.Data.ID = ev.Conversation
			}
			if ev.Data.ID == "" {
				continue
			}
			id, _ := tx.FetchOrCreate(graph.EntityConversation, ev.Data.ID)
			if err := applyConversation(tx, id, ev.Data); err != nil {
				return err
			}
		case "conversation.member-join", "conversation.member-leave":
			var ev memberEvent
			if err := e.Decode(&ev); err != nil {
				s.logger.Warn("skipping event", zap.Error(err))
				continue
			}
			conv, ok := tx.Lookup(graph.EntityConversation, ev.Conversation)
			if !ok {
				// Unknown conversation: fetch it whole.
				tx.FetchOrCreate(graph.EntityConversation, ev.Conversation)
				continue
			}
			var err error
			if e.Type == "conversation.member-join" {
				err = addParticipants(tx, conv.ID, ev.Data.UserIDs)
			} else {
				err = removeParticipants(tx, conv.ID, ev.Data.UserIDs)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// applyConversation overwrites the conversation with a backend payload.
// Participants that were not members before get their devices refreshed.
func applyConversation(tx *graph.Tx, id graph.ID, p conversationPayload) error {
	members := make([]graph.ID, 0, len(p.Members))
	for _, m := range p.Members {
		if m == "" {
			continue
		}
		uid, _ := tx.FetchOrCreate(graph.EntityUser, m)
		members = append(members, uid)
	}
	cur, _ := tx.Get(id)
	var before []graph.ID
	if c := cur.Conversation(); c != nil {
		before = c.Participants
	}
	err := tx.Modify(id, func(o *graph.Object) {
		o.NeedsUpdate = false
		c := o.Conversation()
		c.Name = p.Name
		c.Type = p.Type
		c.TeamID = p.TeamID
		c.Participants = members
	})
	if err != nil {
		return err
	}
	old := graph.NewIDSet(before...)
	for _, uid := range members {
		if !old.Has(uid) {
			if err := requestClients(tx, uid); err != nil {
				return err
			}
		}
	}
	return nil
}

func addParticipants(tx *graph.Tx, conv graph.ID, userIDs []string) error {
	for _, u := range userIDs {
		if u == "" {
			continue
		}
		uid, _ := tx.FetchOrCreate(graph.EntityUser, u)
		added := false
		err := tx.Modify(conv, func(o *graph.Object) {
			c := o.Conversation()
			if !c.HasParticipant(uid) {
				c.Participants = append(c.Participants, uid)
				added = true
			}
		})
		if err != nil {
			return err
		}
		if added {
			if err := requestClients(tx, uid); err != nil {
				return err
			}
		}
	}
	return nil
}

func removeParticipants(tx *graph.Tx, conv graph.ID, userIDs []string) error {
	gone := make(graph.IDSet)
	for _, u := range userIDs {
		if o, ok := tx.Lookup(graph.EntityUser, u); ok {
			gone.Add(o.ID)
		}
	}
	return tx.Modify(conv, func(o *graph.Object) {
		c := o.Conversation()
		kept := c.Participants[:0]
		for _, p := range c.Participants {
			if !gone.Has(p) {
				kept = append(kept, p)
			}
		}
		c.Participants = kept
	})
}

// requestClients flags a user's device list for a refresh.
func requestClients(tx *graph.Tx, user graph.ID) error {
	return tx.Modify(user, func(o *graph.Object) {
		if u := o.User(); u != nil {
			u.ClientsNeedUpdate = true
		}
	})
}

type conversationFetcher struct{}

func (conversationFetcher) RequestForFetching(obj *graph.Object) *transport.Request {
	return transport.NewRequest(http.MethodGet, "/conversations/"+url.PathEscape(obj.RemoteID), nil)
}

func (conversationFetcher) Update(tx *graph.Tx, obj *graph.Object, resp *transport.Response) error {
	var p conversationPayload
	if err := resp.Decode(&p); err != nil {
		return err
	}
	return applyConversation(tx, obj.ID, p)
}

func (conversationFetcher) Delete(tx *graph.Tx, obj *graph.Object, _ *transport.Response) error {
	pending := tx.Fetch(func(o *graph.Object) bool {
		m := o.Message()
		return m != nil && m.Conversation == obj.ID && m.State == graph.DeliveryPending
	})
	for _, m := range pending {
		err := tx.Modify(m.ID, func(o *graph.Object) {
			o.Message().State = graph.DeliveryFailed
			o.Failed = true
		})
		if err != nil {
			return err
		}
	}
	return tx.Delete(obj.ID)
}
