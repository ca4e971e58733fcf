package strategy

import (
	"net/http"

	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

const assetKey = "asset"

type assetPlaceholder struct {
	Nonce    string `json:"nonce"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

type assetUpload struct {
	Nonce    string `json:"nonce"`
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// AssetUpload walks asset messages through placeholder, thumbnail and full
// upload, one step per request.
type AssetUpload struct {
	wsync.BaseUpstreamTranscoder

	deps     Deps
	upstream *wsync.UpstreamSync
	logger   *zap.Logger
}

func NewAssetUpload(d Deps) *AssetUpload {
	s := &AssetUpload{deps: d, logger: d.logger("asset_upload")}
	s.upstream = wsync.NewUpstreamSync(wsync.UpstreamConfig{
		Name:   "asset_upload",
		Entity: graph.EntityMessage,
		Keys:   []string{assetKey},
		UpdatePredicate: func(o *graph.Object) bool {
			return pendingMessage(o) && o.Message().Asset != nil && o.Message().Asset.Step < graph.AssetUploaded
		},
	}, s, d.Store, s.logger)
	return s
}

func (s *AssetUpload) Name() string { return "asset_upload" }

func (s *AssetUpload) Flags() wsync.Flags {
	return wsync.AllowsWhileOnline | wsync.AllowsWhileInBackground
}

func (s *AssetUpload) ContextChangeTrackers() []wsync.ChangeTracker {
	return []wsync.ChangeTracker{s.upstream}
}

func (s *AssetUpload) NextRequest(status.Phase) *transport.Request {
	return s.upstream.NextRequest()
}

// DependentObjectNeedingUpdate holds the placeholder and the full upload
// while any device of the conversation waits for a session. The thumbnail
// carries no message content and is never held.
func (s *AssetUpload) DependentObjectNeedingUpdate(v graph.View, obj *graph.Object) graph.ID {
	step := obj.Message().Asset.Step
	return messageDependency(v, s.deps, obj, step != graph.AssetThumbnail)
}

func (s *AssetUpload) RequestForUpdating(v graph.View, obj *graph.Object, _ []string) *wsync.UpstreamRequest {
	m := obj.Message()
	a := m.Asset
	var req *transport.Request
	switch a.Step {
	case graph.AssetPlaceholder:
		var err error
		req, err = encryptedPost(v, s.deps, obj, assetPlaceholder{Nonce: m.Nonce, Name: a.Name, MimeType: a.MimeType, Size: a.Size})
		if err != nil {
			s.logger.Warn("cannot build asset placeholder", zap.Uint64("id", uint64(obj.ID)), zap.Error(err))
			return nil
		}
	case graph.AssetThumbnail:
		req = transport.NewRequest(http.MethodPost, "/assets", assetUpload{Nonce: m.Nonce, Type: "thumbnail"})
	case graph.AssetFull:
		req = transport.NewRequest(http.MethodPost, "/assets", assetUpload{
			Nonce: m.Nonce, Type: "full", Name: a.Name, MimeType: a.MimeType, Size: a.Size,
		})
	default:
		return nil
	}
	return &wsync.UpstreamRequest{Request: req, Keys: []string{assetKey}, Info: a.Step}
}

func (s *AssetUpload) UpdateUpdated(tx *graph.Tx, obj *graph.Object, req *wsync.UpstreamRequest, resp *transport.Response) (bool, error) {
	step := req.Info.(graph.AssetStep)
	var key string
	if step != graph.AssetPlaceholder {
		var body struct {
			Key string `json:"key"`
		}
		if err := resp.Decode(&body); err != nil {
			return false, err
		}
		key = body.Key
	}

	next := step + 1
	if step == graph.AssetPlaceholder && !obj.Message().Asset.HasThumbnail {
		next = graph.AssetFull
	}
	err := tx.Modify(obj.ID, func(o *graph.Object) {
		a := o.Message().Asset
		a.Step = next
		if step == graph.AssetFull {
			a.Key = key
		}
	})
	if err != nil {
		return false, err
	}
	s.logger.Debug("asset step done", zap.Uint64("id", uint64(obj.ID)), zap.Stringer("step", step))
	if next < graph.AssetUploaded {
		return true, nil
	}
	return false, markSent(tx, s.deps, obj)
}

func (s *AssetUpload) ShouldRetryFailed(tx *graph.Tx, obj *graph.Object, req *wsync.UpstreamRequest, resp *transport.Response) bool {
	if req.Info.(graph.AssetStep) != graph.AssetPlaceholder {
		return false
	}
	retry, err := applyMismatch(tx, s.deps, obj, resp)
	if err != nil {
		s.logger.Warn("malformed client mismatch", zap.Error(err))
		return false
	}
	return retry
}

func (s *AssetUpload) DidFailPermanently(tx *graph.Tx, obj *graph.Object, _ *wsync.UpstreamRequest, _ *transport.Response) error {
	return markUndelivered(tx, s.deps, obj)
}
