package graph

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wsync/internal/bus"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a transaction references an unknown object.
var ErrNotFound = errors.New("object not found")

// ChangeTracker observes committed mutations. Implementations must only
// update their own working sets.
type ChangeTracker interface {
	AddTrackedObjects(objs []*Object)
	ObjectsDidChange(objs []*Object)
}

// Persister saves committed changes.
type Persister interface {
	Persist(changed []*Object, removed []ID) error
}

// View is read access shared by the store and open transactions.
type View interface {
	Get(id ID) (*Object, bool)
	Lookup(e Entity, remoteID string) (*Object, bool)
	LookupClient(userID, clientID string) (*Object, bool)
	Fetch(pred Predicate) []*Object
}

// Change is the payload of "graph.changed" bus events.
type Change struct {
	Changed []ID
	Removed []ID
}

// Store is an in-memory arena of objects addressed by ID. All mutation goes
// through Write; readers always receive copies.
type Store struct {
	mu       sync.RWMutex
	objects  map[ID]*Object
	index    map[string]ID
	nextID   ID
	seq      uint64
	trackers []ChangeTracker

	account   string
	persister Persister
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewStore creates an empty store. persister and b may be nil.
func NewStore(persister Persister, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		objects:   make(map[ID]*Object),
		index:     make(map[string]ID),
		nextID:    1,
		persister: persister,
		bus:       b,
		logger:    logger,
	}
}

// SetAccount tags published change events with the owning account.
func (s *Store) SetAccount(account string) {
	s.mu.Lock()
	s.account = account
	s.mu.Unlock()
}

// Load seeds the store with previously persisted objects. It must be called
// before any tracker is registered.
func (s *Store) Load(objs []*Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range objs {
		o = o.Clone()
		s.objects[o.ID] = o
		if key := indexKey(o); key != "" {
			s.index[key] = o.ID
		}
		if o.ID >= s.nextID {
			s.nextID = o.ID + 1
		}
		for _, seq := range o.ModifiedKeys {
			s.seq = max(s.seq, seq)
		}
	}
}

// Register adds a change tracker and hands it every current object.
func (s *Store) Register(trackers ...ChangeTracker) {
	all := s.Fetch(nil)
	s.mu.Lock()
	s.trackers = append(s.trackers, trackers...)
	s.mu.Unlock()
	for _, t := range trackers {
		t.AddTrackedObjects(all)
	}
}

// Get returns a copy of the object with the given ID.
func (s *Store) Get(id ID) (*Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[id]
	return o.Clone(), ok
}

// Lookup finds an object by entity and remote identifier.
func (s *Store) Lookup(e Entity, remoteID string) (*Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(entityKey(e, remoteID))
}

// LookupClient finds a device by its owning user and client identifier.
func (s *Store) LookupClient(userID, clientID string) (*Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(clientKey(userID, clientID))
}

func (s *Store) lookup(key string) (*Object, bool) {
	id, ok := s.index[key]
	if !ok {
		return nil, false
	}
	return s.objects[id].Clone(), true
}

// Fetch returns copies of all objects matching pred, ordered by ID. A nil
// predicate matches everything.
func (s *Store) Fetch(pred Predicate) []*Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fetch(s.objects, pred)
}

func fetch(objects map[ID]*Object, pred Predicate) []*Object {
	var out []*Object
	for _, o := range objects {
		if pred == nil || pred(o) {
			out = append(out, o.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Object) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Write runs fn inside a transaction. If fn or persistence fails every
// change made by fn is rolled back. Trackers are notified after commit,
// outside the store lock. Write must not be called from inside fn or from a
// tracker callback.
func (s *Store) Write(fn func(tx *Tx) error) error {
	s.mu.Lock()
	tx := &Tx{s: s, undo: make(map[ID]*Object)}
	if err := fn(tx); err != nil {
		tx.rollback()
		s.mu.Unlock()
		return err
	}
	if len(tx.order) == 0 {
		s.mu.Unlock()
		return nil
	}

	var changed []*Object
	var removed []ID
	var notify []*Object
	for _, id := range tx.order {
		if o, ok := s.objects[id]; ok {
			c := o.Clone()
			changed = append(changed, c)
			notify = append(notify, c)
			continue
		}
		if orig := tx.undo[id]; orig != nil {
			removed = append(removed, id)
			gone := orig.Clone()
			gone.Deleted = true
			notify = append(notify, gone)
		}
	}

	if s.persister != nil {
		if err := s.persister.Persist(changed, removed); err != nil {
			tx.rollback()
			s.mu.Unlock()
			return fmt.Errorf("persist changes: %w", err)
		}
	}
	trackers := slices.Clone(s.trackers)
	account := s.account
	s.mu.Unlock()

	for _, t := range trackers {
		t.ObjectsDidChange(notify)
	}
	if s.bus != nil {
		ids := make([]ID, 0, len(changed))
		for _, o := range changed {
			ids = append(ids, o.ID)
		}
		s.bus.Publish(bus.Event{
			Kind:      bus.KindGraphChanged,
			Account:   account,
			Timestamp: time.Now(),
			Payload:   Change{Changed: ids, Removed: removed},
		})
	}
	return nil
}

func entityKey(e Entity, remoteID string) string {
	return string(e) + "|" + remoteID
}

func clientKey(userID, clientID string) string {
	return string(EntityClient) + "|" + userID + "|" + clientID
}

func indexKey(o *Object) string {
	if o.RemoteID == "" {
		return ""
	}
	if o.Entity == EntityClient {
		if c := o.Client(); c != nil {
			return clientKey(c.UserID, o.RemoteID)
		}
	}
	return entityKey(o.Entity, o.RemoteID)
}
