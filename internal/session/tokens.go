package session

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "wsync"

// TokenStore keeps account access tokens outside accounts.toml.
type TokenStore interface {
	Load(accountID string) (string, error)
	Save(accountID, token string) error
	Delete(accountID string) error
}

// KeyringTokens persists tokens in the OS keyring (macOS Keychain, Windows
// Credential Manager, or Linux Secret Service). A missing entry loads as
// an empty token.
type KeyringTokens struct{}

func (KeyringTokens) Load(accountID string) (string, error) {
	tok, err := keyring.Get(keyringService, accountID)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load token from keyring: %w", err)
	}
	return tok, nil
}

func (KeyringTokens) Save(accountID, token string) error {
	if err := keyring.Set(keyringService, accountID, token); err != nil {
		return fmt.Errorf("save token to keyring: %w", err)
	}
	return nil
}

func (KeyringTokens) Delete(accountID string) error {
	err := keyring.Delete(keyringService, accountID)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete token from keyring: %w", err)
	}
	return nil
}
