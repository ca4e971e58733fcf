package graph

import "fmt"

// Tx is a write transaction. It is only valid inside the Store.Write
// callback that created it.
type Tx struct {
	s     *Store
	undo  map[ID]*Object
	order []ID
}

func (tx *Tx) track(id ID) {
	if _, seen := tx.undo[id]; seen {
		return
	}
	tx.undo[id] = tx.s.objects[id].Clone()
	tx.order = append(tx.order, id)
}

func (tx *Tx) rollback() {
	for id, orig := range tx.undo {
		if cur, ok := tx.s.objects[id]; ok {
			if key := indexKey(cur); key != "" {
				delete(tx.s.index, key)
			}
		}
		if orig == nil {
			delete(tx.s.objects, id)
			continue
		}
		tx.s.objects[id] = orig
		if key := indexKey(orig); key != "" {
			tx.s.index[key] = id
		}
	}
}

// Get returns a copy of the object as seen inside the transaction.
func (tx *Tx) Get(id ID) (*Object, bool) {
	o, ok := tx.s.objects[id]
	return o.Clone(), ok
}

func (tx *Tx) Lookup(e Entity, remoteID string) (*Object, bool) {
	return tx.s.lookup(entityKey(e, remoteID))
}

func (tx *Tx) LookupClient(userID, clientID string) (*Object, bool) {
	return tx.s.lookup(clientKey(userID, clientID))
}

func (tx *Tx) Fetch(pred Predicate) []*Object {
	return fetch(tx.s.objects, pred)
}

// Insert adds a new object and returns its ID.
func (tx *Tx) Insert(e Entity, remoteID string, data Data) ID {
	if data == nil {
		data = NewData(e)
	}
	id := tx.s.nextID
	tx.s.nextID++
	tx.undo[id] = nil
	tx.order = append(tx.order, id)
	o := &Object{
		ID:           id,
		Entity:       e,
		RemoteID:     remoteID,
		ModifiedKeys: make(KeySet),
		Data:         data,
	}
	tx.s.objects[id] = o
	if key := indexKey(o); key != "" {
		tx.s.index[key] = id
	}
	return id
}

// FetchOrCreate returns the object with the given remote identifier,
// inserting an empty one flagged for a backend fetch when missing.
func (tx *Tx) FetchOrCreate(e Entity, remoteID string) (ID, bool) {
	if id, ok := tx.s.index[entityKey(e, remoteID)]; ok {
		return id, false
	}
	id := tx.Insert(e, remoteID, nil)
	tx.s.objects[id].NeedsUpdate = true
	return id, true
}

// FetchOrCreateClient returns the device identified by (userID, clientID).
// The owning user is created as well when unknown. A device is never
// duplicated for the same pair.
func (tx *Tx) FetchOrCreateClient(userID, clientID string) (ID, bool) {
	if id, ok := tx.s.index[clientKey(userID, clientID)]; ok {
		return id, false
	}
	userObj, _ := tx.FetchOrCreate(EntityUser, userID)
	id := tx.Insert(EntityClient, clientID, &Client{UserID: userID, User: userObj})
	_ = tx.Modify(userObj, func(o *Object) {
		if u := o.User(); u != nil {
			u.Clients = append(u.Clients, id)
		}
	})
	return id, true
}

// Modify applies fn to the object. Index entries follow remote identifier
// changes made by fn.
func (tx *Tx) Modify(id ID, fn func(o *Object)) error {
	o, ok := tx.s.objects[id]
	if !ok {
		return fmt.Errorf("modify %d: %w", id, ErrNotFound)
	}
	tx.track(id)
	oldKey := indexKey(o)
	fn(o)
	o.ID = id
	if newKey := indexKey(o); newKey != oldKey {
		if oldKey != "" {
			delete(tx.s.index, oldKey)
		}
		if newKey != "" {
			tx.s.index[newKey] = id
		}
	}
	return nil
}

// Touch marks keys as locally modified.
func (tx *Tx) Touch(id ID, keys ...string) error {
	return tx.Modify(id, func(o *Object) {
		if o.ModifiedKeys == nil {
			o.ModifiedKeys = make(KeySet)
		}
		for _, k := range keys {
			tx.s.seq++
			o.ModifiedKeys[k] = tx.s.seq
		}
	})
}

// ResetKeys clears the keys in sent unless they were modified again after
// the recorded sequence.
func (tx *Tx) ResetKeys(id ID, sent KeySet) error {
	return tx.Modify(id, func(o *Object) {
		for k, seq := range sent {
			if cur, ok := o.ModifiedKeys[k]; ok && cur <= seq {
				delete(o.ModifiedKeys, k)
			}
		}
	})
}

// ClearKeys unconditionally clears keys.
func (tx *Tx) ClearKeys(id ID, keys ...string) error {
	return tx.Modify(id, func(o *Object) {
		for _, k := range keys {
			delete(o.ModifiedKeys, k)
		}
	})
}

// SetNeedsUpdate sets or clears the backend fetch flag.
func (tx *Tx) SetNeedsUpdate(id ID, v bool) error {
	return tx.Modify(id, func(o *Object) { o.NeedsUpdate = v })
}

// MarkFailed flags the object as permanently failed and drops any pending
// backend fetch.
func (tx *Tx) MarkFailed(id ID) error {
	return tx.Modify(id, func(o *Object) {
		o.Failed = true
		o.NeedsUpdate = false
	})
}

// Delete removes the object from the store.
func (tx *Tx) Delete(id ID) error {
	o, ok := tx.s.objects[id]
	if !ok {
		return fmt.Errorf("delete %d: %w", id, ErrNotFound)
	}
	tx.track(id)
	if key := indexKey(o); key != "" {
		delete(tx.s.index, key)
	}
	delete(tx.s.objects, id)
	return nil
}
