package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/BurntSushi/toml"
)

var ErrUnknownAccount = errors.New("unknown account")

// Account is one authenticated account known to the daemon.
type Account struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	UserID   string `toml:"user_id"`
	ClientID string `toml:"client_id"`
	Token    string `toml:"token,omitempty"`
}

// LoggedIn reports whether the account still holds credentials.
func (a Account) LoggedIn() bool { return a.Token != "" }

type registryFile struct {
	Selected string    `toml:"selected"`
	Accounts []Account `toml:"account"`
}

// Registry is the persisted list of accounts, stored in accounts.toml.
type Registry struct {
	path   string
	tokens TokenStore

	mu   sync.RWMutex
	data registryFile
}

// LoadRegistry reads the registry at path. A missing file yields an empty
// registry.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if _, err := toml.DecodeFile(path, &r.data); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load account registry: %w", err)
	}
	return r, nil
}

// UseTokenStore moves tokens out of accounts.toml into ts. Tokens already
// in the file are migrated; the others are loaded from ts.
func (r *Registry) UseTokenStore(ts TokenStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	migrated := false
	for i, a := range r.data.Accounts {
		if a.Token != "" {
			if err := ts.Save(a.ID, a.Token); err != nil {
				return err
			}
			migrated = true
			continue
		}
		tok, err := ts.Load(a.ID)
		if err != nil {
			return err
		}
		r.data.Accounts[i].Token = tok
	}
	r.tokens = ts
	if migrated {
		return r.save()
	}
	return nil
}

func (r *Registry) save() error {
	data := r.data
	if r.tokens != nil {
		data.Accounts = slices.Clone(r.data.Accounts)
		for i := range data.Accounts {
			data.Accounts[i].Token = ""
		}
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(data)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	if encErr != nil {
		return fmt.Errorf("save account registry: %w", encErr)
	}
	return nil
}

// Get returns the account with id.
func (r *Registry) Get(id string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.index(id)
	if i < 0 {
		return Account{}, false
	}
	return r.data.Accounts[i], true
}

func (r *Registry) index(id string) int {
	return slices.IndexFunc(r.data.Accounts, func(a Account) bool { return a.ID == id })
}

// List returns every account in registration order.
func (r *Registry) List() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.data.Accounts)
}

// Put adds or replaces an account and saves the registry.
func (r *Registry) Put(a Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokens != nil && a.Token != "" {
		if err := r.tokens.Save(a.ID, a.Token); err != nil {
			return err
		}
	}
	if i := r.index(a.ID); i >= 0 {
		r.data.Accounts[i] = a
	} else {
		r.data.Accounts = append(r.data.Accounts, a)
	}
	return r.save()
}

// ClearToken drops the credentials of an account, keeping its entry.
func (r *Registry) ClearToken(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(id)
	if i < 0 {
		return ErrUnknownAccount
	}
	if err := r.dropToken(id); err != nil {
		return err
	}
	r.data.Accounts[i].Token = ""
	return r.save()
}

// Remove deletes an account. Removing the selected account clears the
// selection.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(id)
	if i < 0 {
		return ErrUnknownAccount
	}
	if err := r.dropToken(id); err != nil {
		return err
	}
	r.data.Accounts = slices.Delete(r.data.Accounts, i, i+1)
	if r.data.Selected == id {
		r.data.Selected = ""
	}
	return r.save()
}

func (r *Registry) dropToken(id string) error {
	if r.tokens == nil {
		return nil
	}
	return r.tokens.Delete(id)
}

// Selected returns the id of the foreground account, if any.
func (r *Registry) Selected() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.Selected
}

// SetSelected records the foreground account.
func (r *Registry) SetSelected(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data.Selected == id {
		return nil
	}
	r.data.Selected = id
	return r.save()
}

// Fallback returns the first logged in account other than id.
func (r *Registry) Fallback(id string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.data.Accounts {
		if a.ID != id && a.LoggedIn() {
			return a, true
		}
	}
	return Account{}, false
}

// FindByName returns the account with the given name.
func (r *Registry) FindByName(name string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.data.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return Account{}, false
}
