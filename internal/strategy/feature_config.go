package strategy

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

type featurePayload struct {
	Status string          `json:"status"`
	Config json.RawMessage `json:"config,omitempty"`
}

// FeatureConfig fetches every team feature config during slow sync and
// single features after feature-config.update events.
type FeatureConfig struct {
	deps       Deps
	step       *phaseStep
	downstream *wsync.DownstreamSync
	logger     *zap.Logger
}

func NewFeatureConfig(d Deps) *FeatureConfig {
	s := &FeatureConfig{deps: d, logger: d.logger("feature_config")}
	s.step = d.newPhaseStep(status.FetchingFeatureConfigs, "feature_configs", s)
	s.downstream = wsync.NewDownstreamSync("feature_fetch",
		wsync.NeedsFetch(graph.EntityFeature), nil, featureFetcher{}, d.Store, s.logger)
	return s
}

func (s *FeatureConfig) Name() string { return "feature_config" }

func (s *FeatureConfig) Flags() wsync.Flags {
	return wsync.AllowsDuringSlowSync | wsync.AllowsWhileOnline | wsync.AllowsWhileInBackground
}

func (s *FeatureConfig) ContextChangeTrackers() []wsync.ChangeTracker {
	return []wsync.ChangeTracker{s.downstream}
}

func (s *FeatureConfig) NextRequest(phase status.Phase) *transport.Request {
	if rs := s.step.next(phase); rs != nil {
		return rs.NextRequest()
	}
	if phase == status.Done {
		return s.downstream.NextRequest()
	}
	return nil
}

func (s *FeatureConfig) RequestFor(*wsync.SingleRequestSync) *transport.Request {
	return transport.NewRequest(http.MethodGet, "/feature-configs", nil)
}

func (s *FeatureConfig) DidReceive(rs *wsync.SingleRequestSync, resp *transport.Response) {
	switch resp.Class() {
	case transport.Success:
	case transport.Transient:
		s.step.retry(resp)
		return
	case transport.Cancelled, transport.AuthFatal:
		return
	default:
		s.logger.Warn("fetching feature configs failed", zap.Error(resp.AsError()))
		s.step.fail()
		return
	}

	var all map[string]featurePayload
	if err := resp.Decode(&all); err != nil {
		s.logger.Warn("malformed feature configs", zap.Error(err))
		s.step.fail()
		return
	}
	err := s.deps.Store.Write(func(tx *graph.Tx) error {
		for name, p := range all {
			id, _ := tx.FetchOrCreate(graph.EntityFeature, name)
			if err := applyFeature(tx, id, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to store feature configs", zap.Error(err))
		s.step.fail()
		return
	}
	s.step.finish()
}

func (s *FeatureConfig) ProcessEvents(tx *graph.Tx, events []wsync.Event, _ bool) error {
	for _, e := range events {
		if e.Type != "feature-config.update" {
			continue
		}
		var ev struct {
			Name string `json:"name"`
		}
		if err := e.Decode(&ev); err != nil || ev.Name == "" {
			s.logger.Warn("skipping event", zap.String("type", e.Type), zap.Error(err))
			continue
		}
		id, created := tx.FetchOrCreate(graph.EntityFeature, ev.Name)
		if created {
			continue
		}
		if err := tx.Modify(id, func(o *graph.Object) {
			o.NeedsUpdate = true
			o.Failed = false
		}); err != nil {
			return err
		}
	}
	return nil
}

func applyFeature(tx *graph.Tx, id graph.ID, p featurePayload) error {
	return tx.Modify(id, func(o *graph.Object) {
		o.NeedsUpdate = false
		f := o.Feature()
		f.Status = p.Status
		f.Config = p.Config
	})
}

type featureFetcher struct{}

func (featureFetcher) RequestForFetching(obj *graph.Object) *transport.Request {
	return transport.NewRequest(http.MethodGet, "/feature-configs/"+url.PathEscape(obj.RemoteID), nil)
}

func (featureFetcher) Update(tx *graph.Tx, obj *graph.Object, resp *transport.Response) error {
	var p featurePayload
	if err := resp.Decode(&p); err != nil {
		return err
	}
	return applyFeature(tx, obj.ID, p)
}

func (featureFetcher) Delete(tx *graph.Tx, obj *graph.Object, _ *transport.Response) error {
	return tx.Delete(obj.ID)
}
