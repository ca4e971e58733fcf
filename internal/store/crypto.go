package store

import (
	"database/sql"
	"errors"
	"time"
)

// Identity returns the device private key, or nil if none was generated yet.
func (db *DB) Identity() ([]byte, error) {
	var key []byte
	err := db.QueryRow(`SELECT private_key FROM crypto_identity WHERE id = 1`).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return key, err
}

// SaveIdentity stores the device private key.
func (db *DB) SaveIdentity(key []byte) error {
	_, err := db.Exec(`
		INSERT INTO crypto_identity (id, private_key, created_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET private_key = excluded.private_key`,
		key, time.Now().UnixMilli())
	return err
}

// Session returns the stored session for a peer device, or nil.
func (db *DB) Session(userID, clientID string) ([]byte, error) {
	var s []byte
	err := db.QueryRow(`SELECT session FROM crypto_sessions WHERE user_id = ? AND client_id = ?`, userID, clientID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// SaveSession stores or replaces the session with a peer device.
func (db *DB) SaveSession(userID, clientID string, session []byte) error {
	_, err := db.Exec(`
		INSERT INTO crypto_sessions (user_id, client_id, session, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, client_id) DO UPDATE SET session = excluded.session`,
		userID, clientID, session, time.Now().UnixMilli())
	return err
}

// DeleteSession removes the session with a peer device.
func (db *DB) DeleteSession(userID, clientID string) error {
	_, err := db.Exec(`DELETE FROM crypto_sessions WHERE user_id = ? AND client_id = ?`, userID, clientID)
	return err
}

// SessionCount returns the number of established peer sessions.
func (db *DB) SessionCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM crypto_sessions`).Scan(&n)
	return n, err
}
