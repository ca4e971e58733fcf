package store

import (
	"database/sql"
	"errors"
)

const keyLastEventID = "last_event_id"

// GetState returns a sync_state value, or "" if unset.
func (db *DB) GetState(key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetState upserts a sync_state value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// LastEventID returns the persisted notification cursor.
func (db *DB) LastEventID() (string, error) {
	return db.GetState(keyLastEventID)
}

// SetLastEventID persists the notification cursor.
func (db *DB) SetLastEventID(id string) error {
	return db.SetState(keyLastEventID, id)
}
