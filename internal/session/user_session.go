package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/config"
	"github.com/matheus3301/wsync/internal/e2ee"
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/lock"
	"github.com/matheus3301/wsync/internal/logging"
	"github.com/matheus3301/wsync/internal/metrics"
	"github.com/matheus3301/wsync/internal/push"
	"github.com/matheus3301/wsync/internal/status"
	"github.com/matheus3301/wsync/internal/store"
	"github.com/matheus3301/wsync/internal/strategy"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Env is shared by every session the manager opens.
type Env struct {
	Layout  Layout
	Config  *config.Config
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	// NewTransport builds the backend transport of an account. Nil uses
	// the HTTP transport configured from Config.
	NewTransport func(a Account) transport.Transport
}

func (e Env) transport(a Account) transport.Transport {
	if e.NewTransport != nil {
		return e.NewTransport(a)
	}
	tr := transport.NewHTTP(transport.HTTPConfig{
		BaseURL:           e.Config.BackendURL,
		Timeout:           e.Config.Transport.RequestTimeout.Duration,
		RequestsPerSecond: e.Config.Transport.RequestsPerSecond,
		Burst:             e.Config.Transport.Burst,
	}, logging.ForAccount(e.Logger, a.ID))
	tr.SetToken(a.Token)
	return tr
}

// UserSession is one loaded, authenticated account: its database, object
// graph, keystore and sync engine.
type UserSession struct {
	account Account
	env     Env
	logger  *zap.Logger

	lock      *lock.Lock
	db        *store.DB
	graph     *graph.Store
	status    *status.SyncStatus
	machine   *status.Machine
	keys      *e2ee.Keystore
	transport transport.Transport
	engine    *wsync.Engine

	typing  *strategy.Typing
	missing *strategy.MissingClients
	self    graph.ID

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// openUserSession materializes an account. onAuthFailure runs once when
// the backend rejects the account's credentials.
func openUserSession(env Env, a Account, onAuthFailure func()) (_ *UserSession, err error) {
	logger := logging.ForAccount(env.Logger, a.ID)
	s := &UserSession{account: a, env: env, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Close())
		}
	}()

	s.lock, err = lock.Acquire(env.Layout.AccountDir(a.ID))
	if err != nil {
		return nil, err
	}
	var res *store.MigrateResult
	s.db, res, err = store.OpenAndMigrate(env.Layout.DBPath(a.ID))
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", zap.Uint("schema", res.Version), zap.Bool("migrated", res.Changed))

	objs, err := s.db.LoadObjects()
	if err != nil {
		return nil, fmt.Errorf("load objects: %w", err)
	}
	s.graph = graph.NewStore(s.db, env.Bus, logger)
	s.graph.SetAccount(a.ID)
	s.graph.Load(objs)
	if err := s.ensureSelf(); err != nil {
		return nil, err
	}

	if s.keys, err = e2ee.Open(s.db); err != nil {
		return nil, err
	}
	if s.status, err = status.NewSyncStatus(a.ID, s.db, env.Bus, logger); err != nil {
		return nil, err
	}
	s.machine = status.NewMachine(env.Bus, a.ID)
	s.transport = env.transport(a)

	s.engine = wsync.NewEngine(wsync.SchedulerConfig{
		Account:      a.ID,
		TickInterval: env.Config.Sync.TickInterval.Duration,
		MaxInFlight:  env.Config.Sync.MaxInFlight,
	}, s.graph, s.status, s.transport, env.Bus, env.Metrics, logger)

	strategies := strategy.All(strategy.Deps{
		Account:    a.ID,
		SelfUserID: a.UserID,
		ClientID:   a.ClientID,
		Store:      s.graph,
		Status:     s.status,
		Keystore:   s.keys,
		Events:     s.engine,
		Bus:        env.Bus,
		Metrics:    env.Metrics,
		Config:     env.Config.Sync,
		Logger:     logger,
	})
	for _, st := range strategies {
		switch v := st.(type) {
		case *strategy.Typing:
			s.typing = v
		case *strategy.MissingClients:
			s.missing = v
		}
	}
	s.engine.Register(strategies...)

	var authOnce sync.Once
	s.engine.SetAuthFailureHandler(func() {
		authOnce.Do(func() {
			logger.Warn("credentials rejected by backend")
			_ = s.machine.Transition(status.AuthRequired)
			if onAuthFailure != nil {
				// Teardown stops the sync context this handler runs on.
				go onAuthFailure()
			}
		})
	})
	return s, nil
}

// ensureSelf creates the self user and device on first load.
func (s *UserSession) ensureSelf() error {
	return s.graph.Write(func(tx *graph.Tx) error {
		id, _ := tx.FetchOrCreateClient(s.account.UserID, s.account.ClientID)
		s.self = id
		if err := tx.Modify(id, func(o *graph.Object) { o.Client().IsSelf = true }); err != nil {
			return err
		}
		u, ok := tx.Lookup(graph.EntityUser, s.account.UserID)
		if !ok {
			return fmt.Errorf("self user %s: %w", s.account.UserID, graph.ErrNotFound)
		}
		return tx.Modify(u.ID, func(o *graph.Object) { o.User().IsSelf = true })
	})
}

func (s *UserSession) Account() string { return s.account.ID }
func (s *UserSession) Info() Account { return s.account }
func (s *UserSession) Engine() *wsync.Engine { return s.engine }
func (s *UserSession) Store() *graph.Store { return s.graph }
func (s *UserSession) Status() *status.SyncStatus { return s.status }
func (s *UserSession) Machine() *status.Machine { return s.machine }
func (s *UserSession) Keystore() *e2ee.Keystore { return s.keys }
func (s *UserSession) SelfClient() graph.ID { return s.self }

// Start begins synchronization, in the background or foreground.
func (s *UserSession) Start(background bool) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.env.Bus != nil {
		ch, unsub := s.env.Bus.Subscribe("sync.", 64)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer unsub()
			for {
				select {
				case evt := <-ch:
					if evt.Account == s.account.ID {
						s.trackPhase(evt)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	_ = s.machine.Transition(status.Syncing)
	s.engine.SetBackground(background)
	s.engine.Start(ctx)
}

func (s *UserSession) trackPhase(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSyncDone:
		_ = s.machine.Transition(status.Ready)
	case bus.KindResyncStarted:
		s.logger.Warn("account is resynchronizing")
		_ = s.machine.Transition(status.Syncing)
	case bus.KindPhaseChanged:
		c, ok := evt.Payload.(status.PhaseChange)
		if ok && c.To.IsSyncing() && s.machine.Current() != status.Offline {
			_ = s.machine.Transition(status.Syncing)
		}
	case bus.KindConnectivity:
		c, _ := evt.Payload.(wsync.Connectivity)
		switch {
		case !c.Online:
			_ = s.machine.Transition(status.Offline)
		case s.status.CurrentPhase().IsSyncing():
			_ = s.machine.Transition(status.Syncing)
		default:
			_ = s.machine.Transition(status.Ready)
		}
	}
}

// Activate brings the account to the foreground and re-checks the push
// token with the backend.
func (s *UserSession) Activate(ctx context.Context) error {
	s.engine.SetBackground(false)
	return s.engine.Perform(ctx, func() error {
		return s.graph.Write(func(tx *graph.Tx) error {
			return strategy.VerifyPushToken(tx, s.self)
		})
	})
}

// Deactivate releases foreground-only work: typing indicators are stopped
// and the account keeps syncing in the background.
func (s *UserSession) Deactivate(ctx context.Context) error {
	if err := s.engine.Perform(ctx, func() error {
		s.typing.StopAll()
		return nil
	}); err != nil {
		return fmt.Errorf("demote %s: %w", s.account.ID, err)
	}
	s.engine.SetBackground(true)
	return nil
}

// SetTyping records the local typing state of a conversation.
func (s *UserSession) SetTyping(ctx context.Context, conv graph.ID, typing bool) error {
	return s.engine.Perform(ctx, func() error {
		s.typing.SetTyping(conv, typing)
		return nil
	})
}

// SetPushToken installs the device push token of the account.
func (s *UserSession) SetPushToken(ctx context.Context, token graph.PushToken) error {
	return s.engine.Perform(ctx, func() error {
		return s.graph.Write(func(tx *graph.Tx) error {
			return strategy.SetPushToken(tx, s.self, token)
		})
	})
}

// DeletePushToken unregisters the device push token of the account.
func (s *UserSession) DeletePushToken(ctx context.Context) error {
	return s.engine.Perform(ctx, func() error {
		return s.graph.Write(func(tx *graph.Tx) error {
			return strategy.DeletePushToken(tx, s.self)
		})
	})
}

// DidQueueMessage drops the typing state of a conversation once the user
// sent a message in it.
func (s *UserSession) DidQueueMessage(conv graph.ID) { s.typing.Clear(conv) }

// DeviceState reports the session bootstrap progress of a device. The
// bootstrap batch lives on the sync context, so the lookup runs there.
func (s *UserSession) DeviceState(ctx context.Context, userID, clientID string) (e2ee.DeviceState, error) {
	var st e2ee.DeviceState
	err := s.engine.Perform(ctx, func() error {
		st = s.missing.DeviceState(userID, clientID)
		return nil
	})
	if err != nil {
		return e2ee.DeviceUnknown, err
	}
	return st, nil
}

// HandlePush applies the events carried by a notification. A payload
// without events, or one arriving while the account is still syncing,
// triggers a quick sync instead.
func (s *UserSession) HandlePush(ctx context.Context, p push.Payload) error {
	if len(p.Data) == 0 || s.status.CurrentPhase().IsSyncing() {
		s.engine.Reconnect()
		return nil
	}
	var n wsync.Notification
	if err := json.Unmarshal(p.Data, &n); err != nil {
		return fmt.Errorf("decode push payload: %w", err)
	}
	events := wsync.Events([]wsync.Notification{n})
	if len(events) == 0 {
		return nil
	}
	return s.engine.Deliver(ctx, events)
}

// Close stops synchronization and releases every resource. It is safe to
// call more than once.
func (s *UserSession) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if s.engine != nil {
			s.engine.Stop()
		}
		if c, ok := s.transport.(interface{ Close() }); ok {
			c.Close()
		}
		if s.machine != nil {
			_ = s.machine.Transition(status.Closed)
		}
		var err error
		if s.db != nil {
			err = multierr.Append(err, s.db.Close())
		}
		if s.lock != nil {
			err = multierr.Append(err, s.lock.Release())
		}
		s.closeErr = err
	})
	return s.closeErr
}

// removeData deletes the account's persisted state. The session must be
// closed.
func removeData(l Layout, id string) error {
	if err := os.RemoveAll(l.AccountDir(id)); err != nil {
		return fmt.Errorf("remove account data: %w", err)
	}
	return nil
}
