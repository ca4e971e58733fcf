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

type connectionPayload struct {
	To           string `json:"to"`
	Status       string `json:"status"`
	Conversation string `json:"conversation"`
}

type connectionPage struct {
	Connections []connectionPayload `json:"connections"`
	HasMore     bool                `json:"has_more"`
}

// Connections pages through the user's connections during slow sync.
type Connections struct {
	deps   Deps
	step   *phaseStep
	start  string
	logger *zap.Logger
}

func NewConnections(d Deps) *Connections {
	s := &Connections{deps: d, logger: d.logger("connections")}
	s.step = d.newPhaseStep(status.FetchingConnections, "connections", s)
	return s
}

func (s *Connections) Name() string { return "connections" }

func (s *Connections) Flags() wsync.Flags {
	return wsync.AllowsDuringSlowSync | wsync.AllowsWhileInBackground
}

func (s *Connections) NextRequest(phase status.Phase) *transport.Request {
	rs := s.step.next(phase)
	if rs == nil {
		s.start = ""
		return nil
	}
	return rs.NextRequest()
}

func (s *Connections) RequestFor(*wsync.SingleRequestSync) *transport.Request {
	q := url.Values{"size": {strconv.Itoa(s.deps.userBatch())}}
	if s.start != "" {
		q.Set("start", s.start)
	}
	return transport.NewRequest(http.MethodGet, "/connections?"+q.Encode(), nil)
}

func (s *Connections) DidReceive(rs *wsync.SingleRequestSync, resp *transport.Response) {
	switch resp.Class() {
	case transport.Success:
	case transport.Transient:
		if !s.step.retry(resp) {
			s.start = ""
		}
		return
	case transport.Cancelled, transport.AuthFatal:
		return
	default:
		s.logger.Warn("fetching connections failed", zap.Error(resp.AsError()))
		s.start = ""
		s.step.fail()
		return
	}

	var page connectionPage
	if err := resp.Decode(&page); err != nil {
		s.logger.Warn("malformed connections page", zap.Error(err))
		s.start = ""
		s.step.fail()
		return
	}
	err := s.deps.Store.Write(func(tx *graph.Tx) error {
		for _, c := range page.Connections {
			if err := applyConnection(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to store connections", zap.Error(err))
		s.step.fail()
		return
	}

	if page.HasMore && len(page.Connections) > 0 {
		s.start = page.Connections[len(page.Connections)-1].To
		rs.ReadyForNextRequest()
		return
	}
	s.start = ""
	s.step.finish()
}

func applyConnection(tx *graph.Tx, c connectionPayload) error {
	if c.To == "" {
		return nil
	}
	userID, _ := tx.FetchOrCreate(graph.EntityUser, c.To)
	connID, _ := tx.FetchOrCreate(graph.EntityConnection, c.To)
	if c.Conversation != "" {
		tx.FetchOrCreate(graph.EntityConversation, c.Conversation)
	}
	return tx.Modify(connID, func(o *graph.Object) {
		o.NeedsUpdate = false
		conn := o.Connection()
		conn.To = userID
		conn.ToUserID = c.To
		conn.Status = c.Status
		conn.Conversation = c.Conversation
	})
}
