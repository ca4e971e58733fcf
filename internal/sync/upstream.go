package sync

import (
	"slices"

	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

// UpstreamRequest is a request built by an upstream transcoder together
// with the keys it encodes.
type UpstreamRequest struct {
	Request *transport.Request
	// Keys lists the modified keys the request carries. Nil means every
	// key offered to the transcoder.
	Keys []string
	// Info is opaque transcoder state handed back on completion.
	Info any
}

// UpstreamTranscoder encodes local changes and applies the backend answers.
// Embed BaseUpstreamTranscoder to get no-op defaults for the optional hooks.
type UpstreamTranscoder interface {
	RequestForUpdating(view graph.View, obj *graph.Object, keys []string) *UpstreamRequest
	RequestForInserting(view graph.View, obj *graph.Object) *UpstreamRequest
	UpdateInserted(tx *graph.Tx, obj *graph.Object, req *UpstreamRequest, resp *transport.Response) error
	// UpdateUpdated reports whether the object needs more requests before
	// its keys can be cleared.
	UpdateUpdated(tx *graph.Tx, obj *graph.Object, req *UpstreamRequest, resp *transport.Response) (bool, error)

	// DependentObjectNeedingUpdate returns an object that must be synced
	// before obj, or zero.
	DependentObjectNeedingUpdate(view graph.View, obj *graph.Object) graph.ID
	// ShouldRetryFailed may turn a rejected request into a retry after
	// fixing up state inside tx.
	ShouldRetryFailed(tx *graph.Tx, obj *graph.Object, req *UpstreamRequest, resp *transport.Response) bool
	// ObjectToRefetchForFailedUpdate names an object to refresh from the
	// backend after a rejected update, or zero.
	ObjectToRefetchForFailedUpdate(view graph.View, obj *graph.Object) graph.ID
	DidFailPermanently(tx *graph.Tx, obj *graph.Object, req *UpstreamRequest, resp *transport.Response) error
}

// BaseUpstreamTranscoder implements every UpstreamTranscoder hook as a no-op.
type BaseUpstreamTranscoder struct{}

func (BaseUpstreamTranscoder) RequestForUpdating(graph.View, *graph.Object, []string) *UpstreamRequest {
	return nil
}

func (BaseUpstreamTranscoder) RequestForInserting(graph.View, *graph.Object) *UpstreamRequest {
	return nil
}

func (BaseUpstreamTranscoder) UpdateInserted(*graph.Tx, *graph.Object, *UpstreamRequest, *transport.Response) error {
	return nil
}

func (BaseUpstreamTranscoder) UpdateUpdated(*graph.Tx, *graph.Object, *UpstreamRequest, *transport.Response) (bool, error) {
	return false, nil
}

func (BaseUpstreamTranscoder) DependentObjectNeedingUpdate(graph.View, *graph.Object) graph.ID {
	return 0
}

func (BaseUpstreamTranscoder) ShouldRetryFailed(*graph.Tx, *graph.Object, *UpstreamRequest, *transport.Response) bool {
	return false
}

func (BaseUpstreamTranscoder) ObjectToRefetchForFailedUpdate(graph.View, *graph.Object) graph.ID {
	return 0
}

func (BaseUpstreamTranscoder) DidFailPermanently(*graph.Tx, *graph.Object, *UpstreamRequest, *transport.Response) error {
	return nil
}

// UpstreamConfig describes which objects an UpstreamSync pushes.
type UpstreamConfig struct {
	Name   string
	Entity graph.Entity
	// Keys are the modified keys this sync is responsible for.
	Keys []string
	// UpdatePredicate further restricts update candidates. Optional.
	UpdatePredicate graph.Predicate
	// InsertPredicate selects objects to create remotely. Nil disables
	// inserts.
	InsertPredicate graph.Predicate
	// UpdatesBeforeInserts serves update candidates before insert
	// candidates within a pass.
	UpdatesBeforeInserts bool
}

type pending struct {
	req    *UpstreamRequest
	sent   graph.KeySet
	insert bool
}

// UpstreamSync pushes local inserts and key modifications. Each object has
// at most one request in flight; changes made meanwhile go out with the
// next request.
type UpstreamSync struct {
	cfg     UpstreamConfig
	tc      UpstreamTranscoder
	store   *graph.Store
	queue   []graph.ID
	members graph.IDSet
	pending map[graph.ID]*pending
	logger  *zap.Logger
}

func NewUpstreamSync(cfg UpstreamConfig, tc UpstreamTranscoder, store *graph.Store, logger *zap.Logger) *UpstreamSync {
	return &UpstreamSync{
		cfg:     cfg,
		tc:      tc,
		store:   store,
		members: make(graph.IDSet),
		pending: make(map[graph.ID]*pending),
		logger:  logger.With(zap.String("sync", cfg.Name)),
	}
}

func (u *UpstreamSync) live(o *graph.Object) bool {
	return o.Entity == u.cfg.Entity && !o.Failed && !o.Deleted
}

func (u *UpstreamSync) isInsert(o *graph.Object) bool {
	return u.cfg.InsertPredicate != nil && u.live(o) && u.cfg.InsertPredicate(o)
}

func (u *UpstreamSync) isUpdate(o *graph.Object) bool {
	if !u.live(o) || u.isInsert(o) || !o.HasModifiedKeys(u.cfg.Keys) {
		return false
	}
	return u.cfg.UpdatePredicate == nil || u.cfg.UpdatePredicate(o)
}

func (u *UpstreamSync) candidate(o *graph.Object) bool {
	return u.isInsert(o) || u.isUpdate(o)
}

func (u *UpstreamSync) AddTrackedObjects(objs []*graph.Object) {
	u.ObjectsDidChange(objs)
}

func (u *UpstreamSync) ObjectsDidChange(objs []*graph.Object) {
	for _, o := range objs {
		if o.Deleted {
			u.remove(o.ID)
			if p, ok := u.pending[o.ID]; ok {
				delete(u.pending, o.ID)
				p.req.Request.Cancel()
				u.logger.Debug("cancelled request for deleted object", zap.Uint64("id", uint64(o.ID)))
			}
			continue
		}
		if u.candidate(o) {
			if !u.members.Has(o.ID) {
				u.members.Add(o.ID)
				u.queue = append(u.queue, o.ID)
			}
			continue
		}
		u.remove(o.ID)
	}
}

func (u *UpstreamSync) remove(id graph.ID) {
	if !u.members.Has(id) {
		return
	}
	u.members.Remove(id)
	u.queue = slices.DeleteFunc(u.queue, func(x graph.ID) bool { return x == id })
}

// HasPending reports whether obj has a request in flight.
func (u *UpstreamSync) HasPending(id graph.ID) bool {
	_, ok := u.pending[id]
	return ok
}

// NextRequest returns a request for the least recently served candidate that
// is neither in flight nor blocked by a dependency, or nil.
func (u *UpstreamSync) NextRequest() *transport.Request {
	kinds := []bool{true, false}
	if u.cfg.UpdatesBeforeInserts {
		kinds = []bool{false, true}
	}
	for _, insert := range kinds {
		if req := u.next(insert); req != nil {
			return req
		}
	}
	return nil
}

func (u *UpstreamSync) next(insert bool) *transport.Request {
	for _, id := range slices.Clone(u.queue) {
		if _, busy := u.pending[id]; busy {
			continue
		}
		obj, ok := u.store.Get(id)
		if !ok || !u.candidate(obj) {
			u.remove(id)
			continue
		}
		if u.isInsert(obj) != insert {
			continue
		}
		if dep := u.tc.DependentObjectNeedingUpdate(u.store, obj); dep != 0 {
			continue
		}

		var ureq *UpstreamRequest
		keys := obj.ModifiedKeys.Names()
		if insert {
			ureq = u.tc.RequestForInserting(u.store, obj)
		} else {
			keys = obj.ModifiedKeys.Only(u.cfg.Keys).Names()
			ureq = u.tc.RequestForUpdating(u.store, obj, keys)
		}
		if ureq == nil || ureq.Request == nil {
			continue
		}
		if ureq.Keys != nil {
			keys = ureq.Keys
		}

		sent := obj.ModifiedKeys.Only(keys)
		p := &pending{req: ureq, sent: sent, insert: insert}
		u.pending[id] = p
		u.queue = slices.DeleteFunc(u.queue, func(x graph.ID) bool { return x == id })
		u.queue = append(u.queue, id)

		ureq.Request.OnComplete(func(resp *transport.Response) {
			u.didReceive(id, p, resp)
		})
		return ureq.Request
	}
	return nil
}

func (u *UpstreamSync) didReceive(id graph.ID, p *pending, resp *transport.Response) {
	if u.pending[id] != p {
		return
	}
	delete(u.pending, id)

	obj, ok := u.store.Get(id)
	if !ok {
		return
	}

	switch class := resp.Class(); class {
	case transport.Success:
		err := u.store.Write(func(tx *graph.Tx) error {
			if p.insert {
				if err := u.tc.UpdateInserted(tx, obj, p.req, resp); err != nil {
					return err
				}
				return u.resetKeys(tx, id, p.sent)
			}
			more, err := u.tc.UpdateUpdated(tx, obj, p.req, resp)
			if err != nil || more {
				return err
			}
			return u.resetKeys(tx, id, p.sent)
		})
		if err != nil {
			u.logger.Warn("failed to apply upstream response", zap.Uint64("id", uint64(id)), zap.Error(err))
			u.fail(id, obj, p, resp)
		}
	case transport.Permanent, transport.PermanentObject:
		u.fail(id, obj, p, resp)
	default:
		u.logger.Debug("upstream request not completed", zap.Uint64("id", uint64(id)), zap.Stringer("class", class))
	}
}

func (u *UpstreamSync) resetKeys(tx *graph.Tx, id graph.ID, sent graph.KeySet) error {
	if _, ok := tx.Get(id); !ok || len(sent) == 0 {
		return nil
	}
	return tx.ResetKeys(id, sent)
}

func (u *UpstreamSync) fail(id graph.ID, obj *graph.Object, p *pending, resp *transport.Response) {
	err := u.store.Write(func(tx *graph.Tx) error {
		if u.tc.ShouldRetryFailed(tx, obj, p.req, resp) {
			return nil
		}
		if err := u.resetKeys(tx, id, p.sent); err != nil {
			return err
		}
		if !p.insert {
			if ref := u.tc.ObjectToRefetchForFailedUpdate(tx, obj); ref != 0 {
				if err := tx.SetNeedsUpdate(ref, true); err != nil {
					return err
				}
				return u.tc.DidFailPermanently(tx, obj, p.req, resp)
			}
		}
		if err := tx.MarkFailed(id); err != nil {
			return err
		}
		return u.tc.DidFailPermanently(tx, obj, p.req, resp)
	})
	if err != nil {
		u.logger.Error("failed to record upstream failure", zap.Uint64("id", uint64(id)), zap.Error(err))
		err = u.store.Write(func(tx *graph.Tx) error {
			if _, ok := tx.Get(id); !ok {
				return nil
			}
			return tx.MarkFailed(id)
		})
		if err != nil {
			u.logger.Error("failed to mark object failed", zap.Uint64("id", uint64(id)), zap.Error(err))
		}
		return
	}
	u.logger.Info("upstream request rejected", zap.Uint64("id", uint64(id)), zap.Bool("insert", p.insert), zap.Error(resp.AsError()))
}
