package sync

import (
	"github.com/matheus3301/wsync/internal/transport"
)

// SingleRequestStatus is the state of a SingleRequestSync.
type SingleRequestStatus int

const (
	// SingleIdle means the next NextRequest call asks the transcoder for a request.
	SingleIdle SingleRequestStatus = iota
	SingleInProgress
	SingleCompleted
)

// SingleRequestTranscoder produces the one request of a SingleRequestSync and
// consumes its response.
type SingleRequestTranscoder interface {
	RequestFor(s *SingleRequestSync) *transport.Request
	DidReceive(s *SingleRequestSync, resp *transport.Response)
}

// SingleRequestSync issues one request at a time. After a response it stays
// completed until ReadyForNextRequest is called, which is how paginated
// fetches ask for the next page.
type SingleRequestSync struct {
	name    string
	tc      SingleRequestTranscoder
	status  SingleRequestStatus
	current *transport.Request
	rearm   bool
}

// NewSingleRequestSync returns a completed sync; call ReadyForNextRequest to
// arm it.
func NewSingleRequestSync(name string, tc SingleRequestTranscoder) *SingleRequestSync {
	return &SingleRequestSync{name: name, tc: tc, status: SingleCompleted}
}

func (s *SingleRequestSync) Name() string { return s.name }

func (s *SingleRequestSync) Status() SingleRequestStatus { return s.status }

// ReadyForNextRequest arms the sync. If a request is in flight the sync is
// re-armed once it completes.
func (s *SingleRequestSync) ReadyForNextRequest() {
	if s.status == SingleInProgress {
		s.rearm = true
		return
	}
	s.status = SingleIdle
}

// Reset abandons any in-flight request and leaves the sync completed.
func (s *SingleRequestSync) Reset() {
	if s.current != nil {
		s.current.Cancel()
	}
	s.current = nil
	s.rearm = false
	s.status = SingleCompleted
}

// NextRequest returns a request when the sync is idle.
func (s *SingleRequestSync) NextRequest() *transport.Request {
	if s.status != SingleIdle {
		return nil
	}
	req := s.tc.RequestFor(s)
	if req == nil {
		return nil
	}
	s.status = SingleInProgress
	s.current = req
	req.OnComplete(func(resp *transport.Response) {
		if s.current != req {
			return
		}
		s.current = nil
		s.status = SingleCompleted
		if s.rearm {
			s.rearm = false
			s.status = SingleIdle
		}
		s.tc.DidReceive(s, resp)
	})
	return req
}
