package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/matheus3301/wsync/internal/e2ee"
	"github.com/matheus3301/wsync/internal/store"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNameTaken          = errors.New("account name already in use")
	ErrLoginInProgress    = errors.New("login already in progress")
)

// prekeyCount is the number of one-time prekeys uploaded with a new device.
const prekeyCount = 100

// Credentials identify the user logging in. Name labels the account
// locally.
type Credentials struct {
	Email    string
	Password string
	Name     string
}

// UnauthenticatedSession logs users in and registers this daemon as one of
// their devices. There is at most one, owned by the manager.
type UnauthenticatedSession struct {
	env    Env
	reg    *Registry
	logger *zap.Logger
	busy   chan struct{}
}

func newUnauthenticatedSession(env Env, reg *Registry) *UnauthenticatedSession {
	return &UnauthenticatedSession{
		env:    env,
		reg:    reg,
		logger: env.Logger.Named("login"),
		busy:   make(chan struct{}, 1),
	}
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

type selfResponse struct {
	ID string `json:"id"`
}

type clientRegistration struct {
	Type     string        `json:"type"`
	Label    string        `json:"label"`
	Identity string        `json:"identity"`
	Prekeys  []e2ee.Prekey `json:"prekeys"`
	LastKey  e2ee.Prekey   `json:"lastkey"`
}

type registeredClient struct {
	ID string `json:"id"`
}

// Login authenticates, registers a new device and records the account.
// The returned account is not loaded.
func (u *UnauthenticatedSession) Login(ctx context.Context, creds Credentials) (Account, error) {
	select {
	case u.busy <- struct{}{}:
		defer func() { <-u.busy }()
	default:
		return Account{}, ErrLoginInProgress
	}

	name := creds.Name
	if name == "" {
		name = "main"
	}
	if err := ValidateName(name); err != nil {
		return Account{}, err
	}
	if _, taken := u.reg.FindByName(name); taken {
		return Account{}, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}

	anon := u.env.transport(Account{})
	defer closeTransport(anon)
	var login loginResponse
	if err := call(ctx, anon, transport.NewRequest(http.MethodPost, "/login", map[string]string{
		"email":    creds.Email,
		"password": creds.Password,
	}), &login); err != nil {
		return Account{}, err
	}

	a := Account{ID: uuid.NewString(), Name: name, Token: login.AccessToken}
	authed := u.env.transport(a)
	defer closeTransport(authed)
	var self selfResponse
	if err := call(ctx, authed, transport.NewRequest(http.MethodGet, "/self", nil), &self); err != nil {
		return Account{}, err
	}
	a.UserID = self.ID

	clientID, err := u.registerClient(ctx, authed, a.ID)
	if err != nil {
		return Account{}, multierr.Append(err, removeData(u.env.Layout, a.ID))
	}
	a.ClientID = clientID
	if err := u.reg.Put(a); err != nil {
		return Account{}, multierr.Append(err, removeData(u.env.Layout, a.ID))
	}
	u.logger.Info("account registered", zap.String("account", a.ID), zap.String("name", a.Name), zap.String("client", clientID))
	return a, nil
}

// registerClient creates the account database, generates the device
// identity and prekeys and uploads them.
func (u *UnauthenticatedSession) registerClient(ctx context.Context, tr transport.Transport, id string) (_ string, err error) {
	if err := os.MkdirAll(u.env.Layout.AccountDir(id), 0700); err != nil {
		return "", err
	}
	db, _, err := store.OpenAndMigrate(u.env.Layout.DBPath(id))
	if err != nil {
		return "", err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	keys, err := e2ee.Open(db)
	if err != nil {
		return "", err
	}
	prekeys, err := keys.GeneratePrekeys(0, prekeyCount)
	if err != nil {
		return "", err
	}
	last, err := keys.LastResortPrekey()
	if err != nil {
		return "", err
	}
	var client registeredClient
	err = call(ctx, tr, transport.NewRequest(http.MethodPost, "/clients", clientRegistration{
		Type:     "permanent",
		Label:    "wsync",
		Identity: keys.PublicKey(),
		Prekeys:  prekeys,
		LastKey:  last,
	}), &client)
	if err != nil {
		return "", fmt.Errorf("register client: %w", err)
	}
	if client.ID == "" {
		return "", fmt.Errorf("register client: %w", transport.ErrEmptyBody)
	}
	return client.ID, nil
}

// call runs req to completion and decodes a successful body into out.
func call(ctx context.Context, tr transport.Transport, req *transport.Request, out any) error {
	done := make(chan *transport.Response, 1)
	req.OnComplete(func(r *transport.Response) { done <- r })
	req.Attach(tr.Enqueue(req))

	var resp *transport.Response
	select {
	case resp = <-done:
	case <-ctx.Done():
		req.Cancel()
		return ctx.Err()
	}
	switch resp.Class() {
	case transport.Success:
	case transport.AuthFatal:
		return ErrInvalidCredentials
	default:
		return fmt.Errorf("%s: %w", req, resp.AsError())
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func closeTransport(tr transport.Transport) {
	if c, ok := tr.(interface{ Close() }); ok {
		c.Close()
	}
}
