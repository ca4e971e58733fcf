package strategy

import (
	"net/http"
	"net/url"

	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

// LastUpdateEventID fetches the id of the newest notification at the start
// of slow sync. Events older than it are covered by the slow sync itself.
type LastUpdateEventID struct {
	deps   Deps
	step   *phaseStep
	logger *zap.Logger
}

func NewLastUpdateEventID(d Deps) *LastUpdateEventID {
	s := &LastUpdateEventID{deps: d, logger: d.logger("last_event_id")}
	s.step = d.newPhaseStep(status.FetchingLastUpdateEventID, "last_event_id", s)
	return s
}

func (s *LastUpdateEventID) Name() string { return "last_event_id" }

func (s *LastUpdateEventID) Flags() wsync.Flags {
	return wsync.AllowsDuringSlowSync | wsync.AllowsWhileInBackground
}

func (s *LastUpdateEventID) NextRequest(phase status.Phase) *transport.Request {
	if rs := s.step.next(phase); rs != nil {
		return rs.NextRequest()
	}
	return nil
}

func (s *LastUpdateEventID) RequestFor(*wsync.SingleRequestSync) *transport.Request {
	q := url.Values{"client": {s.deps.ClientID}}
	return transport.NewRequest(http.MethodGet, "/notifications/last?"+q.Encode(), nil)
}

func (s *LastUpdateEventID) DidReceive(rs *wsync.SingleRequestSync, resp *transport.Response) {
	switch resp.Class() {
	case transport.Success:
		var body struct {
			ID string `json:"id"`
		}
		if err := resp.Decode(&body); err != nil || body.ID == "" {
			s.logger.Warn("malformed last notification", zap.Error(err))
			s.step.fail()
			return
		}
		s.deps.Status.UpdateLastEventID(body.ID)
		s.step.finish()
	case transport.PermanentObject:
		// No notification exists yet for this client.
		s.step.finish()
	case transport.Transient:
		s.step.retry(resp)
	case transport.Cancelled, transport.AuthFatal:
	default:
		s.logger.Warn("fetching last notification failed", zap.Error(resp.AsError()))
		s.step.fail()
	}
}
