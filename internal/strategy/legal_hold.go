package strategy

import (
	"net/http"

	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

const legalHoldDisabled = "disabled"

// LegalHold fetches the self user's legal hold status. Users outside a
// team skip the phase.
type LegalHold struct {
	deps   Deps
	step   *phaseStep
	logger *zap.Logger
}

func NewLegalHold(d Deps) *LegalHold {
	s := &LegalHold{deps: d, logger: d.logger("legal_hold")}
	s.step = d.newPhaseStep(status.FetchingLegalHoldStatus, "legal_hold", s)
	return s
}

func (s *LegalHold) Name() string { return "legal_hold" }

func (s *LegalHold) Flags() wsync.Flags {
	return wsync.AllowsDuringSlowSync | wsync.AllowsWhileInBackground
}

func (s *LegalHold) NextRequest(phase status.Phase) *transport.Request {
	if rs := s.step.next(phase); rs != nil {
		return rs.NextRequest()
	}
	return nil
}

func (s *LegalHold) selfUser() (*graph.Object, bool) {
	return s.deps.Store.Lookup(graph.EntityUser, s.deps.SelfUserID)
}

func (s *LegalHold) RequestFor(*wsync.SingleRequestSync) *transport.Request {
	self, ok := s.selfUser()
	if !ok || self.User().TeamID == "" {
		s.step.finish()
		return nil
	}
	path := "/teams/" + self.User().TeamID + "/legalhold/" + s.deps.SelfUserID
	return transport.NewRequest(http.MethodGet, path, nil)
}

func (s *LegalHold) DidReceive(rs *wsync.SingleRequestSync, resp *transport.Response) {
	var state string
	switch resp.Class() {
	case transport.Success:
		var body struct {
			Status string `json:"status"`
		}
		if err := resp.Decode(&body); err != nil {
			s.logger.Warn("malformed legal hold status", zap.Error(err))
			s.step.fail()
			return
		}
		state = body.Status
	case transport.PermanentObject:
		state = legalHoldDisabled
	case transport.Transient:
		s.step.retry(resp)
		return
	case transport.Cancelled, transport.AuthFatal:
		return
	default:
		s.logger.Warn("fetching legal hold status failed", zap.Error(resp.AsError()))
		s.step.fail()
		return
	}

	self, ok := s.selfUser()
	if ok {
		err := s.deps.Store.Write(func(tx *graph.Tx) error {
			return tx.Modify(self.ID, func(o *graph.Object) { o.User().LegalHold = state })
		})
		if err != nil {
			s.logger.Error("failed to store legal hold status", zap.Error(err))
			s.step.fail()
			return
		}
	}
	s.step.finish()
}
