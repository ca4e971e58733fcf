package graph

import (
	"maps"
	"slices"
	"strings"
)

// ID is a stable local handle for an object. IDs are never reused.
type ID uint64

// Entity names the kind of a synchronized object.
type Entity string

const (
	EntityConversation Entity = "conversation"
	EntityUser         Entity = "user"
	EntityClient       Entity = "client"
	EntityMessage      Entity = "message"
	EntityConnection   Entity = "connection"
	EntityFeature      Entity = "feature"
)

// KeySet maps a locally modified field name to the sequence number of its
// most recent local change.
type KeySet map[string]uint64

// Has reports whether key is marked as modified.
func (k KeySet) Has(key string) bool {
	_, ok := k[key]
	return ok
}

// Only returns the subset of k restricted to keys.
func (k KeySet) Only(keys []string) KeySet {
	out := make(KeySet)
	for _, key := range keys {
		if seq, ok := k[key]; ok {
			out[key] = seq
		}
	}
	return out
}

// Names returns the sorted field names.
func (k KeySet) Names() []string {
	return slices.Sorted(maps.Keys(k))
}

func (k KeySet) String() string {
	return strings.Join(k.Names(), ",")
}

// IDSet is an unordered set of object IDs.
type IDSet map[ID]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...ID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id, allocating the set when needed.
func (s *IDSet) Add(id ID) {
	if *s == nil {
		*s = make(IDSet)
	}
	(*s)[id] = struct{}{}
}

func (s IDSet) Remove(id ID) { delete(s, id) }

func (s IDSet) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Clone() IDSet { return maps.Clone(s) }

func (s IDSet) Sorted() []ID { return slices.Sorted(maps.Keys(s)) }

func (s IDSet) Intersects(o IDSet) bool {
	for id := range s {
		if o.Has(id) {
			return true
		}
	}
	return false
}

// Object is the sync metadata shared by every persisted entity plus its
// typed payload.
type Object struct {
	ID           ID
	Entity       Entity
	RemoteID     string
	ModifiedKeys KeySet
	NeedsUpdate  bool
	Failed       bool
	Deleted      bool
	Data         Data
}

// Clone returns a deep copy of o.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := *o
	c.ModifiedKeys = maps.Clone(o.ModifiedKeys)
	if c.ModifiedKeys == nil {
		c.ModifiedKeys = make(KeySet)
	}
	if o.Data != nil {
		c.Data = o.Data.Clone()
	}
	return &c
}

// HasModifiedKeys reports whether any of keys is locally modified.
func (o *Object) HasModifiedKeys(keys []string) bool {
	for _, k := range keys {
		if o.ModifiedKeys.Has(k) {
			return true
		}
	}
	return false
}

// Conversation returns the payload as a conversation, or nil.
func (o *Object) Conversation() *Conversation {
	c, _ := o.Data.(*Conversation)
	return c
}

// User returns the payload as a user, or nil.
func (o *Object) User() *User {
	u, _ := o.Data.(*User)
	return u
}

// Client returns the payload as a client, or nil.
func (o *Object) Client() *Client {
	c, _ := o.Data.(*Client)
	return c
}

// Message returns the payload as a message, or nil.
func (o *Object) Message() *Message {
	m, _ := o.Data.(*Message)
	return m
}

// Connection returns the payload as a connection, or nil.
func (o *Object) Connection() *Connection {
	c, _ := o.Data.(*Connection)
	return c
}

// Feature returns the payload as a feature config, or nil.
func (o *Object) Feature() *Feature {
	f, _ := o.Data.(*Feature)
	return f
}

// Predicate selects objects.
type Predicate func(o *Object) bool

// OfEntity matches live objects of the given entity.
func OfEntity(e Entity) Predicate {
	return func(o *Object) bool { return o.Entity == e && !o.Deleted }
}

// And combines predicates.
func And(preds ...Predicate) Predicate {
	return func(o *Object) bool {
		for _, p := range preds {
			if p != nil && !p(o) {
				return false
			}
		}
		return true
	}
}
