package strategy

import (
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

type textContent struct {
	Nonce string `json:"nonce"`
	Text  string `json:"text"`
}

// ClientMessage sends pending text messages.
type ClientMessage struct {
	wsync.BaseUpstreamTranscoder

	deps     Deps
	upstream *wsync.UpstreamSync
	logger   *zap.Logger
}

func NewClientMessage(d Deps) *ClientMessage {
	s := &ClientMessage{deps: d, logger: d.logger("client_message")}
	s.upstream = wsync.NewUpstreamSync(wsync.UpstreamConfig{
		Name:   "client_message",
		Entity: graph.EntityMessage,
		InsertPredicate: func(o *graph.Object) bool {
			return pendingMessage(o) && o.Message().Asset == nil
		},
	}, s, d.Store, s.logger)
	return s
}

func (s *ClientMessage) Name() string { return "client_message" }

func (s *ClientMessage) Flags() wsync.Flags {
	return wsync.AllowsWhileOnline | wsync.AllowsWhileInBackground
}

func (s *ClientMessage) ContextChangeTrackers() []wsync.ChangeTracker {
	return []wsync.ChangeTracker{s.upstream}
}

func (s *ClientMessage) NextRequest(status.Phase) *transport.Request {
	return s.upstream.NextRequest()
}

func (s *ClientMessage) DependentObjectNeedingUpdate(v graph.View, obj *graph.Object) graph.ID {
	return messageDependency(v, s.deps, obj, true)
}

func (s *ClientMessage) RequestForInserting(v graph.View, obj *graph.Object) *wsync.UpstreamRequest {
	m := obj.Message()
	req, err := encryptedPost(v, s.deps, obj, textContent{Nonce: m.Nonce, Text: m.Text})
	if err != nil {
		s.logger.Warn("cannot build message", zap.Uint64("id", uint64(obj.ID)), zap.Error(err))
		return nil
	}
	return &wsync.UpstreamRequest{Request: req}
}

func (s *ClientMessage) UpdateInserted(tx *graph.Tx, obj *graph.Object, _ *wsync.UpstreamRequest, _ *transport.Response) error {
	return markSent(tx, s.deps, obj)
}

func (s *ClientMessage) ShouldRetryFailed(tx *graph.Tx, obj *graph.Object, _ *wsync.UpstreamRequest, resp *transport.Response) bool {
	retry, err := applyMismatch(tx, s.deps, obj, resp)
	if err != nil {
		s.logger.Warn("malformed client mismatch", zap.Error(err))
		return false
	}
	return retry
}

func (s *ClientMessage) DidFailPermanently(tx *graph.Tx, obj *graph.Object, _ *wsync.UpstreamRequest, _ *transport.Response) error {
	return markUndelivered(tx, s.deps, obj)
}
