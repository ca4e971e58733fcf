package strategy

import (
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

// TypingTimeout is how long the backend shows a typing indicator.
const TypingTimeout = 60 * time.Second

// typingRefresh is the minimum interval between two "started" updates for
// the same conversation.
const typingRefresh = TypingTimeout / 5

type typingState struct {
	typing bool
	sentAt time.Time
	queued bool
}

// Typing sends typing indicators. Repeated "started" updates for a
// conversation are coalesced within the refresh window and a "stopped" is
// only sent after a "started".
type Typing struct {
	deps   Deps
	now    func() time.Time
	state  map[graph.ID]*typingState
	queue  []graph.ID
	logger *zap.Logger
}

func NewTyping(d Deps) *Typing {
	return &Typing{
		deps:   d,
		now:    time.Now,
		state:  make(map[graph.ID]*typingState),
		logger: d.logger("typing"),
	}
}

// SetClock replaces the time source.
func (s *Typing) SetClock(now func() time.Time) { s.now = now }

func (s *Typing) Name() string { return "typing" }

func (s *Typing) Flags() wsync.Flags {
	return wsync.AllowsWhileOnline | wsync.AllowsWhileInBackground |
		wsync.AllowsDuringQuickSync | wsync.AllowsDuringEventProcessing
}

// SetTyping records the local typing state for a conversation. It must run
// on the account's sync context.
func (s *Typing) SetTyping(conv graph.ID, typing bool) {
	st, ok := s.state[conv]
	if !ok {
		if !typing {
			return
		}
		st = &typingState{}
		s.state[conv] = st
	}
	if typing && st.typing && s.now().Sub(st.sentAt) < typingRefresh {
		return
	}
	if !typing && !st.typing && !st.queued {
		return
	}
	st.typing = typing
	if !st.queued {
		st.queued = true
		s.queue = append(s.queue, conv)
	}
}

// Clear drops the typing state of a conversation, for example after a
// message was sent in it.
func (s *Typing) Clear(conv graph.ID) {
	delete(s.state, conv)
	s.queue = slices.DeleteFunc(s.queue, func(id graph.ID) bool { return id == conv })
}

// StopAll queues a "stopped" for every conversation the user is typing in.
func (s *Typing) StopAll() {
	for conv, st := range s.state {
		if st.typing {
			s.SetTyping(conv, false)
		}
	}
}

func (s *Typing) NextRequest(status.Phase) *transport.Request {
	for len(s.queue) > 0 {
		conv := s.queue[0]
		s.queue = s.queue[1:]
		st, ok := s.state[conv]
		if !ok {
			continue
		}
		st.queued = false
		o, ok := s.deps.Store.Get(conv)
		if !ok || o.RemoteID == "" {
			delete(s.state, conv)
			continue
		}
		statusText := "stopped"
		if st.typing {
			statusText = "started"
			st.sentAt = s.now()
		} else {
			delete(s.state, conv)
		}
		path := "/conversations/" + url.PathEscape(o.RemoteID) + "/typing"
		req := transport.NewRequest(http.MethodPost, path, map[string]string{"status": statusText})
		req.OnComplete(func(resp *transport.Response) {
			if err := resp.AsError(); err != nil {
				s.logger.Debug("typing update dropped", zap.String("conversation", o.RemoteID), zap.Error(err))
			}
		})
		return req
	}
	return nil
}
