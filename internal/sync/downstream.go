package sync

import (
	"slices"

	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

// DownstreamTranscoder turns objects that miss remote data into fetch
// requests and applies the responses.
type DownstreamTranscoder interface {
	RequestForFetching(obj *graph.Object) *transport.Request
	// Update applies a successful payload.
	Update(tx *graph.Tx, obj *graph.Object, resp *transport.Response) error
	// Delete handles an authoritative "does not exist remotely".
	Delete(tx *graph.Tx, obj *graph.Object, resp *transport.Response) error
}

// FlagClearer is implemented by transcoders whose predicate is not driven
// by NeedsUpdate. ClearFlag replaces the default reset after a successful
// fetch.
type FlagClearer interface {
	ClearFlag(tx *graph.Tx, id graph.ID) error
}

// DownstreamSync fetches every object matching its predicate, one request
// per object, round-robin.
type DownstreamSync struct {
	name     string
	pred     graph.Predicate
	tc       DownstreamTranscoder
	store    *graph.Store
	queue    []graph.ID
	members  graph.IDSet
	inFlight map[graph.ID]*transport.Request
	logger   *zap.Logger
}

// NeedsFetch selects live objects of entity flagged for a backend fetch.
func NeedsFetch(entity graph.Entity) graph.Predicate {
	return func(o *graph.Object) bool {
		return o.Entity == entity && o.NeedsUpdate && !o.Failed && !o.Deleted && o.RemoteID != ""
	}
}

// NewDownstreamSync creates a sync over objects matching pred. filter
// further restricts the working set and may be nil.
func NewDownstreamSync(name string, pred, filter graph.Predicate, tc DownstreamTranscoder, store *graph.Store, logger *zap.Logger) *DownstreamSync {
	return &DownstreamSync{
		name:     name,
		pred:     graph.And(pred, filter),
		tc:       tc,
		store:    store,
		members:  make(graph.IDSet),
		inFlight: make(map[graph.ID]*transport.Request),
		logger:   logger.With(zap.String("sync", name)),
	}
}

func (d *DownstreamSync) AddTrackedObjects(objs []*graph.Object) {
	d.ObjectsDidChange(objs)
}

func (d *DownstreamSync) ObjectsDidChange(objs []*graph.Object) {
	for _, o := range objs {
		if o.Deleted {
			d.remove(o.ID)
			if req, ok := d.inFlight[o.ID]; ok {
				delete(d.inFlight, o.ID)
				req.Cancel()
			}
			continue
		}
		if d.pred(o) {
			if !d.members.Has(o.ID) {
				d.members.Add(o.ID)
				d.queue = append(d.queue, o.ID)
			}
			continue
		}
		d.remove(o.ID)
	}
}

func (d *DownstreamSync) remove(id graph.ID) {
	if !d.members.Has(id) {
		return
	}
	d.members.Remove(id)
	d.queue = slices.DeleteFunc(d.queue, func(x graph.ID) bool { return x == id })
}

func (d *DownstreamSync) rotate(id graph.ID) {
	d.queue = slices.DeleteFunc(d.queue, func(x graph.ID) bool { return x == id })
	d.queue = append(d.queue, id)
}

// HasOutstandingItems reports whether any object still waits for a fetch.
func (d *DownstreamSync) HasOutstandingItems() bool {
	return len(d.queue) > 0 || len(d.inFlight) > 0
}

// NextRequest returns a fetch for the least recently served eligible object
// that has no request in flight, or nil.
func (d *DownstreamSync) NextRequest() *transport.Request {
	for _, id := range slices.Clone(d.queue) {
		if _, busy := d.inFlight[id]; busy {
			continue
		}
		obj, ok := d.store.Get(id)
		if !ok || !d.pred(obj) {
			d.remove(id)
			continue
		}
		d.rotate(id)
		req := d.tc.RequestForFetching(obj)
		if req == nil {
			continue
		}
		d.inFlight[id] = req
		req.OnComplete(func(resp *transport.Response) {
			d.didReceive(id, req, resp)
		})
		return req
	}
	return nil
}

func (d *DownstreamSync) didReceive(id graph.ID, req *transport.Request, resp *transport.Response) {
	if d.inFlight[id] != req {
		return
	}
	delete(d.inFlight, id)

	obj, ok := d.store.Get(id)
	if !ok {
		return
	}

	var err error
	switch class := resp.Class(); class {
	case transport.Success:
		err = d.store.Write(func(tx *graph.Tx) error {
			if err := d.tc.Update(tx, obj, resp); err != nil {
				return err
			}
			if _, ok := tx.Get(id); !ok {
				return nil
			}
			if fc, ok := d.tc.(FlagClearer); ok {
				return fc.ClearFlag(tx, id)
			}
			return tx.SetNeedsUpdate(id, false)
		})
		if err != nil {
			d.logger.Warn("failed to apply fetched object", zap.Uint64("id", uint64(id)), zap.Error(err))
			err = d.store.Write(func(tx *graph.Tx) error { return tx.MarkFailed(id) })
		}
	case transport.PermanentObject:
		err = d.store.Write(func(tx *graph.Tx) error {
			if err := d.tc.Delete(tx, obj, resp); err != nil {
				return err
			}
			if cur, ok := tx.Get(id); ok && d.pred(cur) {
				return tx.MarkFailed(id)
			}
			return nil
		})
	case transport.Permanent:
		d.logger.Warn("fetch rejected", zap.Uint64("id", uint64(id)), zap.Error(resp.AsError()))
		err = d.store.Write(func(tx *graph.Tx) error { return tx.MarkFailed(id) })
	default:
		// Transient, auth and cancellation leave the object eligible.
		d.logger.Debug("fetch not completed", zap.Uint64("id", uint64(id)), zap.Stringer("class", class))
	}
	if err != nil {
		d.logger.Error("failed to record fetch result", zap.Uint64("id", uint64(id)), zap.Error(err))
	}
}
