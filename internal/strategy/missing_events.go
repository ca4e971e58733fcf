package strategy

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

// MissingEvents replays the notification stream from the persisted cursor
// during quick sync. The cursor advances after every page.
type MissingEvents struct {
	deps   Deps
	step   *phaseStep
	logger *zap.Logger
}

func NewMissingEvents(d Deps) *MissingEvents {
	s := &MissingEvents{deps: d, logger: d.logger("missing_events")}
	s.step = d.newPhaseStep(status.FetchingMissedEvents, "missing_events", s)
	return s
}

func (s *MissingEvents) Name() string { return "missing_events" }

func (s *MissingEvents) Flags() wsync.Flags {
	return wsync.AllowsDuringQuickSync | wsync.AllowsWhileInBackground
}

func (s *MissingEvents) NextRequest(phase status.Phase) *transport.Request {
	if rs := s.step.next(phase); rs != nil {
		return rs.NextRequest()
	}
	return nil
}

func (s *MissingEvents) RequestFor(*wsync.SingleRequestSync) *transport.Request {
	q := url.Values{
		"client": {s.deps.ClientID},
		"size":   {strconv.Itoa(s.deps.pageSize())},
	}
	if since := s.deps.Status.LastEventID(); since != "" {
		q.Set("since", since)
	}
	return transport.NewRequest(http.MethodGet, "/notifications?"+q.Encode(), nil)
}

func (s *MissingEvents) DidReceive(rs *wsync.SingleRequestSync, resp *transport.Response) {
	switch resp.Class() {
	case transport.Success:
	case transport.Transient:
		s.step.retry(resp)
		return
	case transport.Cancelled, transport.AuthFatal:
		return
	case transport.PermanentObject:
		// The cursor is older than the retained stream.
		s.logger.Warn("notification cursor unknown to backend", zap.String("since", s.deps.Status.LastEventID()))
		s.step.fail()
		return
	default:
		s.logger.Warn("fetching notifications failed", zap.Error(resp.AsError()))
		s.step.fail()
		return
	}

	var page wsync.NotificationPage
	if err := resp.Decode(&page); err != nil {
		s.logger.Warn("malformed notification page", zap.Error(err))
		s.step.fail()
		return
	}
	if events := wsync.Events(page.Notifications); len(events) > 0 {
		if err := s.deps.Events.ProcessEvents(events, false); err != nil {
			s.logger.Error("failed to apply missed events", zap.Error(err))
			s.step.fail()
			return
		}
	}
	if n := len(page.Notifications); n > 0 {
		s.deps.Status.UpdateLastEventID(page.Notifications[n-1].ID)
	}

	if page.HasMore && len(page.Notifications) > 0 {
		rs.ReadyForNextRequest()
		return
	}
	s.step.finish()
}
