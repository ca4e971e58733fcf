package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/wsync/internal/graph"
)

// Persist writes committed graph changes in one transaction. It implements
// graph.Persister.
func (db *DB) Persist(changed []*graph.Object, removed []graph.ID) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, o := range changed {
		keys, err := json.Marshal(o.ModifiedKeys)
		if err != nil {
			return fmt.Errorf("encode keys of %d: %w", o.ID, err)
		}
		data := []byte("{}")
		if o.Data != nil {
			if data, err = json.Marshal(o.Data); err != nil {
				return fmt.Errorf("encode %s %d: %w", o.Entity, o.ID, err)
			}
		}
		if _, err := tx.Exec(`
			INSERT INTO objects (id, entity, remote_id, modified_keys, needs_update, failed, data, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				remote_id = excluded.remote_id,
				modified_keys = excluded.modified_keys,
				needs_update = excluded.needs_update,
				failed = excluded.failed,
				data = excluded.data,
				updated_at = excluded.updated_at`,
			int64(o.ID), string(o.Entity), o.RemoteID, string(keys), o.NeedsUpdate, o.Failed, string(data), now); err != nil {
			return fmt.Errorf("upsert object %d: %w", o.ID, err)
		}
	}
	for _, id := range removed {
		if _, err := tx.Exec(`DELETE FROM objects WHERE id = ?`, int64(id)); err != nil {
			return fmt.Errorf("delete object %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// LoadObjects returns every persisted object, ordered by ID.
func (db *DB) LoadObjects() ([]*graph.Object, error) {
	rows, err := db.Query(`
		SELECT id, entity, remote_id, modified_keys, needs_update, failed, data
		FROM objects ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var objs []*graph.Object
	for rows.Next() {
		var (
			id         int64
			entity     string
			keys, data string
			o          graph.Object
		)
		if err := rows.Scan(&id, &entity, &o.RemoteID, &keys, &o.NeedsUpdate, &o.Failed, &data); err != nil {
			return nil, err
		}
		o.ID = graph.ID(id)
		o.Entity = graph.Entity(entity)
		if err := json.Unmarshal([]byte(keys), &o.ModifiedKeys); err != nil {
			return nil, fmt.Errorf("decode keys of %d: %w", id, err)
		}
		if o.ModifiedKeys == nil {
			o.ModifiedKeys = make(graph.KeySet)
		}
		if d := graph.NewData(o.Entity); d != nil {
			if err := json.Unmarshal([]byte(data), d); err != nil {
				return nil, fmt.Errorf("decode %s %d: %w", entity, id, err)
			}
			o.Data = d
		}
		objs = append(objs, &o)
	}
	return objs, rows.Err()
}

// CountByEntity returns the number of persisted objects per entity.
func (db *DB) CountByEntity() (map[graph.Entity]int, error) {
	rows, err := db.Query(`SELECT entity, COUNT(*) FROM objects GROUP BY entity`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[graph.Entity]int)
	for rows.Next() {
		var e string
		var n int
		if err := rows.Scan(&e, &n); err != nil {
			return nil, err
		}
		out[graph.Entity(e)] = n
	}
	return out, rows.Err()
}
