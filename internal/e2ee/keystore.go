// Package e2ee holds the device identity and the per-device sessions used to
// encrypt outbound messages.
package e2ee

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrMalformedPrekey = errors.New("malformed prekey")
	ErrNoSession       = errors.New("no session with device")
	ErrDecrypt         = errors.New("decryption failed")
)

// LastResortPrekeyID is the id of the prekey that is never consumed.
const LastResortPrekeyID = 0xFFFF

// Store persists key material.
type Store interface {
	Identity() ([]byte, error)
	SaveIdentity(key []byte) error
	Session(userID, clientID string) ([]byte, error)
	SaveSession(userID, clientID string, session []byte) error
	DeleteSession(userID, clientID string) error
}

// Prekey is a public prekey as exchanged with the backend.
type Prekey struct {
	ID  uint16 `json:"id"`
	Key string `json:"key"`
}

// Keystore derives session keys from X25519 agreements between the device
// identity and peer prekeys.
type Keystore struct {
	store Store
	priv  []byte
	pub   []byte

	mu       sync.Mutex
	sessions map[string][]byte
}

// Open loads the device identity from store, generating one on first use.
func Open(store Store) (*Keystore, error) {
	priv, err := store.Identity()
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if priv == nil {
		priv = make([]byte, curve25519.ScalarSize)
		if _, err := io.ReadFull(rand.Reader, priv); err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
		if err := store.SaveIdentity(priv); err != nil {
			return nil, fmt.Errorf("save identity: %w", err)
		}
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive identity: %w", err)
	}
	return &Keystore{store: store, priv: priv, pub: pub, sessions: make(map[string][]byte)}, nil
}

// PublicKey returns the base64 identity public key.
func (k *Keystore) PublicKey() string {
	return base64.StdEncoding.EncodeToString(k.pub)
}

func (k *Keystore) derive(info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.priv, nil, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// GeneratePrekeys derives count prekeys starting at id start. Prekeys are
// derived from the identity so they never need to be stored.
func (k *Keystore) GeneratePrekeys(start uint16, count int) ([]Prekey, error) {
	out := make([]Prekey, 0, count)
	for i := range count {
		id := start + uint16(i)
		pk, err := k.prekey(id)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// LastResortPrekey returns the prekey peers fall back to when every other
// prekey is consumed.
func (k *Keystore) LastResortPrekey() (Prekey, error) {
	return k.prekey(LastResortPrekeyID)
}

func (k *Keystore) prekey(id uint16) (Prekey, error) {
	seed, err := k.derive(fmt.Sprintf("wsync prekey %d", id), curve25519.ScalarSize)
	if err != nil {
		return Prekey{}, fmt.Errorf("derive prekey %d: %w", id, err)
	}
	pub, err := curve25519.X25519(seed, curve25519.Basepoint)
	if err != nil {
		return Prekey{}, fmt.Errorf("derive prekey %d: %w", id, err)
	}
	return Prekey{ID: id, Key: base64.StdEncoding.EncodeToString(pub)}, nil
}

func sessionKey(userID, clientID string) string {
	return userID + "|" + clientID
}

// HasSession reports whether a session with the device exists.
func (k *Keystore) HasSession(userID, clientID string) (bool, error) {
	s, err := k.session(userID, clientID)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

func (k *Keystore) session(userID, clientID string) ([]byte, error) {
	key := sessionKey(userID, clientID)
	k.mu.Lock()
	s, ok := k.sessions[key]
	k.mu.Unlock()
	if ok {
		return s, nil
	}
	s, err := k.store.Session(userID, clientID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s != nil {
		k.mu.Lock()
		k.sessions[key] = s
		k.mu.Unlock()
	}
	return s, nil
}

// EstablishSession creates a session from a peer's base64 prekey. Malformed
// or low-order keys return ErrMalformedPrekey.
func (k *Keystore) EstablishSession(userID, clientID, prekey string) error {
	peer, err := base64.StdEncoding.DecodeString(prekey)
	if err != nil || len(peer) != curve25519.PointSize {
		return fmt.Errorf("%s/%s: %w", userID, clientID, ErrMalformedPrekey)
	}
	shared, err := curve25519.X25519(k.priv, peer)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", userID, clientID, ErrMalformedPrekey)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	info := []byte("wsync session " + sessionKey(userID, clientID))
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return fmt.Errorf("derive session key: %w", err)
	}
	if err := k.store.SaveSession(userID, clientID, key); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	k.mu.Lock()
	k.sessions[sessionKey(userID, clientID)] = key
	k.mu.Unlock()
	return nil
}

// DeleteSession forgets the session with a device.
func (k *Keystore) DeleteSession(userID, clientID string) error {
	k.mu.Lock()
	delete(k.sessions, sessionKey(userID, clientID))
	k.mu.Unlock()
	return k.store.DeleteSession(userID, clientID)
}

// Encrypt seals plaintext for a device. The nonce is prepended.
func (k *Keystore) Encrypt(userID, clientID string, plaintext []byte) ([]byte, error) {
	key, err := k.session(userID, clientID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("%s/%s: %w", userID, clientID, ErrNoSession)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt for the same device.
func (k *Keystore) Decrypt(userID, clientID string, ciphertext []byte) ([]byte, error) {
	key, err := k.session(userID, clientID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("%s/%s: %w", userID, clientID, ErrNoSession)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}

// EncryptEnvelope encrypts plaintext for each recipient device and returns
// base64 ciphertexts keyed by user then client. Devices without a session
// are skipped and reported.
func (k *Keystore) EncryptEnvelope(recipients map[string][]string, plaintext []byte) (map[string]map[string]string, []string, error) {
	out := make(map[string]map[string]string, len(recipients))
	var skipped []string
	for user, clients := range recipients {
		for _, client := range clients {
			ct, err := k.Encrypt(user, client, plaintext)
			if errors.Is(err, ErrNoSession) {
				skipped = append(skipped, sessionKey(user, client))
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			if out[user] == nil {
				out[user] = make(map[string]string)
			}
			out[user][client] = base64.StdEncoding.EncodeToString(ct)
		}
	}
	return out, skipped, nil
}
