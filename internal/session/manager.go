package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/push"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrTooManyAccounts = errors.New("too many accounts")
	ErrLoggedOut       = errors.New("account is logged out")
	ErrClosed          = errors.New("session manager closed")
)

type loadEntry struct {
	done chan struct{}
	sess *UserSession
	err  error
}

// Manager owns the unauthenticated session and every loaded account
// session. One account is active; the others sync in the background and
// are evicted least recently used first.
type Manager struct {
	env    Env
	reg    *Registry
	push   *push.Registry
	unauth *UnauthenticatedSession
	logger *zap.Logger
	max    int

	mu         sync.Mutex
	active     *UserSession
	background *lru.Cache[string, *UserSession]
	loading    map[string]*loadEntry
	detaching  string
	closed     bool
}

// NewManager creates a manager over the account registry.
func NewManager(env Env, reg *Registry) (*Manager, error) {
	m := &Manager{
		env:     env,
		reg:     reg,
		push:    push.NewRegistry(),
		unauth:  newUnauthenticatedSession(env, reg),
		logger:  env.Logger.Named("sessions"),
		max:     max(env.Config.MaxAccounts, 1),
		loading: make(map[string]*loadEntry),
	}
	bg, err := lru.NewWithEvict(max(m.max-1, 1), m.evicted)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	m.background = bg
	return m, nil
}

// evicted runs under m.mu, from inside the cache.
func (m *Manager) evicted(id string, s *UserSession) {
	if id == m.detaching {
		return
	}
	m.push.Remove(s)
	if err := s.Close(); err != nil {
		m.logger.Warn("error closing evicted session", zap.String("account", id), zap.Error(err))
	}
	m.logger.Info("background session released", zap.String("account", id))
}

// detach takes a background session out of the cache without closing it.
func (m *Manager) detach(id string) {
	m.detaching = id
	m.background.Remove(id)
	m.detaching = ""
}

func (m *Manager) Registry() *Registry { return m.reg }
func (m *Manager) Push() *push.Registry { return m.push }
func (m *Manager) Unauthenticated() *UnauthenticatedSession { return m.unauth }

// Active returns the foreground session, or nil when unauthenticated.
func (m *Manager) Active() *UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Session returns a resident session without loading it.
func (m *Manager) Session(id string) (*UserSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.resident(id)
	return s, s != nil
}

// Resident returns every open session, the active one first.
func (m *Manager) Resident() []*UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*UserSession
	if m.active != nil {
		out = append(out, m.active)
	}
	return append(out, m.background.Values()...)
}

func (m *Manager) resident(id string) *UserSession {
	if m.active != nil && m.active.Account() == id {
		return m.active
	}
	s, _ := m.background.Get(id)
	return s
}

func (m *Manager) updateGauge() {
	n := m.background.Len()
	if m.active != nil {
		n++
	}
	m.env.Metrics.SetSessions(n)
}

// LoadSession returns the session of an account, opening it in the
// background if it is not resident. Concurrent calls share one load.
func (m *Manager) LoadSession(ctx context.Context, id string) (*UserSession, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if s := m.resident(id); s != nil {
		m.mu.Unlock()
		return s, nil
	}
	if e, ok := m.loading[id]; ok {
		m.mu.Unlock()
		return e.wait(ctx)
	}
	a, ok := m.reg.Get(id)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	if !a.LoggedIn() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrLoggedOut, id)
	}
	e := &loadEntry{done: make(chan struct{})}
	m.loading[id] = e
	m.mu.Unlock()

	started := time.Now()
	sess, err := openUserSession(m.env, a, func() { m.AuthenticationInvalidated(id) })

	m.mu.Lock()
	delete(m.loading, id)
	if err == nil && m.closed {
		err = multierr.Append(ErrClosed, sess.Close())
	}
	if err == nil {
		sess.Start(true)
		m.background.Add(id, sess)
		m.push.Add(sess)
		m.updateGauge()
		m.logger.Info("session loaded", zap.String("account", id), zap.Duration("took", time.Since(started)))
	} else {
		sess = nil
		err = fmt.Errorf("load session %s: %w", id, err)
	}
	e.sess, e.err = sess, err
	close(e.done)
	m.mu.Unlock()
	return sess, err
}

func (e *loadEntry) wait(ctx context.Context) (*UserSession, error) {
	select {
	case <-e.done:
		return e.sess, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitLoad blocks until no load of id is in flight. m.mu is held on entry
// and on return.
func (m *Manager) waitLoad(ctx context.Context, id string) error {
	for {
		e, ok := m.loading[id]
		if !ok {
			return nil
		}
		m.mu.Unlock()
		_, _ = e.wait(ctx)
		m.mu.Lock()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Select makes id the foreground account. If the current account cannot
// be demoted it stays active; if id cannot be activated the previous
// account is restored.
func (m *Manager) Select(ctx context.Context, id string) (*UserSession, error) {
	sess, err := m.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.active == sess {
		return sess, nil
	}
	if m.resident(id) != sess {
		return nil, fmt.Errorf("select %s: session released while loading", id)
	}

	old := m.active
	if old != nil {
		if err := old.Deactivate(ctx); err != nil {
			return nil, fmt.Errorf("select %s: %w", id, err)
		}
	}
	m.detach(id)
	if err := sess.Activate(ctx); err != nil {
		m.background.Add(id, sess)
		if old != nil {
			if rerr := old.Activate(ctx); rerr != nil {
				m.logger.Error("failed to restore previous account", zap.String("account", old.Account()), zap.Error(rerr))
			}
		}
		return nil, fmt.Errorf("activate %s: %w", id, err)
	}

	m.active = sess
	if old != nil {
		m.background.Add(old.Account(), old)
	}
	if err := m.reg.SetSelected(id); err != nil {
		m.logger.Warn("failed to persist selected account", zap.Error(err))
	}
	m.updateGauge()
	m.publish(bus.KindAccountSelected, id)
	m.logger.Info("account selected", zap.String("account", id))
	return sess, nil
}

// Login authenticates a new account and selects it.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*UserSession, error) {
	if creds.Name != "" {
		if a, ok := m.reg.FindByName(creds.Name); ok && !a.LoggedIn() {
			if err := m.forget(ctx, a.ID); err != nil {
				return nil, err
			}
		}
	}
	loggedIn := 0
	for _, a := range m.reg.List() {
		if a.LoggedIn() {
			loggedIn++
		}
	}
	if loggedIn >= m.max {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyAccounts, m.max)
	}
	a, err := m.unauth.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	return m.Select(ctx, a.ID)
}

// teardown closes a resident session and reports whether it was active.
// m.mu must be held.
func (m *Manager) teardown(ctx context.Context, id string) (bool, error) {
	if err := m.waitLoad(ctx, id); err != nil {
		return false, err
	}
	wasActive := m.active != nil && m.active.Account() == id
	var sess *UserSession
	if wasActive {
		sess, m.active = m.active, nil
	} else if s, ok := m.background.Peek(id); ok {
		sess = s
		m.detach(id)
	}
	var err error
	if sess != nil {
		m.push.Remove(sess)
		err = sess.Close()
	}
	m.env.Metrics.Forget(id)
	m.updateGauge()
	return wasActive, err
}

// forget removes every trace of an account.
func (m *Manager) forget(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.teardown(ctx, id)
	err = multierr.Append(err, removeData(m.env.Layout, id))
	if rerr := m.reg.Remove(id); rerr != nil && !errors.Is(rerr, ErrUnknownAccount) {
		err = multierr.Append(err, rerr)
	}
	return err
}

// Delete tears the account down and removes its persisted state. If it
// was active, another logged in account is selected.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, ok := m.reg.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	m.mu.Lock()
	wasActive, err := m.teardown(ctx, id)
	err = multierr.Append(err, removeData(m.env.Layout, id))
	err = multierr.Append(err, m.reg.Remove(id))
	m.mu.Unlock()

	m.publish(bus.KindAccountDeleted, id)
	m.logger.Info("account deleted", zap.String("account", id))
	if wasActive {
		m.selectFallback(ctx, id)
	}
	return err
}

// Logout signs the account out and drops its local data. Its registry
// entry stays so the account can log in again under the same name.
func (m *Manager) Logout(ctx context.Context, id string) error {
	if _, ok := m.reg.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	m.mu.Lock()
	wasActive, err := m.teardown(ctx, id)
	err = multierr.Append(err, removeData(m.env.Layout, id))
	err = multierr.Append(err, m.reg.ClearToken(id))
	m.mu.Unlock()

	m.logger.Info("account logged out", zap.String("account", id))
	if wasActive {
		m.selectFallback(ctx, id)
	}
	return err
}

// AuthenticationInvalidated tears down an account whose credentials the
// backend rejected. Its data is kept and no other account is affected.
func (m *Manager) AuthenticationInvalidated(id string) {
	m.mu.Lock()
	_, err := m.teardown(context.Background(), id)
	if cerr := m.reg.ClearToken(id); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("error tearing down invalidated account", zap.String("account", id), zap.Error(err))
	}
	m.publish(bus.KindAuthInvalidated, id)
	m.logger.Warn("account requires authentication", zap.String("account", id))
}

func (m *Manager) selectFallback(ctx context.Context, gone string) {
	fb, ok := m.reg.Fallback(gone)
	if !ok {
		m.logger.Info("no account left, unauthenticated")
		return
	}
	if _, err := m.Select(ctx, fb.ID); err != nil {
		m.logger.Warn("fallback account unavailable", zap.String("account", fb.ID), zap.Error(err))
	}
}

// HandlePush routes a payload to its account without selecting it. done
// is called exactly once, when the payload has been processed or dropped.
func (m *Manager) HandlePush(ctx context.Context, p push.Payload, done func()) {
	defer done()
	m.env.Metrics.PushRouted(p.Source.String())
	logger := m.logger.With(zap.String("account", p.Account), zap.Stringer("source", p.Source))

	c, ok := m.push.Lookup(p.Account)
	if !ok {
		a, known := m.reg.Get(p.Account)
		if !known || !a.LoggedIn() {
			logger.Debug("push for unknown account dropped")
			return
		}
		sess, err := m.LoadSession(ctx, p.Account)
		if err != nil {
			logger.Warn("failed to load session for push", zap.Error(err))
			return
		}
		c = sess
	}
	if err := c.HandlePush(ctx, p); err != nil {
		logger.Warn("push handling failed", zap.Error(err))
	}
}

// ReleaseBackgroundSessions closes every background session. They are
// reopened on demand.
func (m *Manager) ReleaseBackgroundSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.background.Purge()
	m.updateGauge()
}

// SessionInfo describes one registered account.
type SessionInfo struct {
	Account  Account
	Active   bool
	Resident bool
	Phase    string
	State    string
}

// List describes every registered account.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SessionInfo
	for _, a := range m.reg.List() {
		info := SessionInfo{Account: a}
		s := m.active
		if s != nil && s.Account() == a.ID {
			info.Active = true
		} else {
			s, _ = m.background.Peek(a.ID)
		}
		if s != nil {
			info.Resident = true
			info.Phase = s.Status().CurrentPhase().String()
			info.State = string(s.Machine().Current())
		}
		out = append(out, info)
	}
	return out
}

// Close tears down every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var err error
	if m.active != nil {
		m.push.Remove(m.active)
		err = m.active.Close()
		m.active = nil
	}
	for _, id := range m.background.Keys() {
		if s, ok := m.background.Peek(id); ok {
			m.detach(id)
			m.push.Remove(s)
			err = multierr.Append(err, s.Close())
		}
	}
	m.updateGauge()
	return err
}

func (m *Manager) publish(kind, account string) {
	if m.env.Bus == nil {
		return
	}
	m.env.Bus.Publish(bus.Event{Kind: kind, Account: account, Timestamp: time.Now()})
}
