package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/metrics"
	"github.com/matheus3301/wsync/internal/status"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

// Engine drives synchronization for one account: it owns the sync context,
// the scheduler and the registered strategies.
type Engine struct {
	account   string
	store     *graph.Store
	status    *status.SyncStatus
	ctx       *Context
	scheduler *Scheduler
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger

	consumers []EventConsumer
	cancel    context.CancelFunc
}

// NewEngine wires an engine around an account's store and sync status.
func NewEngine(cfg SchedulerConfig, store *graph.Store, st *status.SyncStatus, tr transport.Transport, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Engine {
	logger = logger.Named("sync")
	ctx := NewContext(cfg.Account, logger)
	e := &Engine{
		account:   cfg.Account,
		store:     store,
		status:    st,
		ctx:       ctx,
		scheduler: NewScheduler(cfg, ctx, tr, st, m, logger),
		bus:       b,
		metrics:   m,
		logger:    logger,
	}
	st.SetObserver(func(c status.PhaseChange) {
		m.SetPhase(e.account, int(c.To))
		e.scheduler.RequestAvailable()
	})
	m.SetPhase(e.account, int(st.CurrentPhase()))
	e.scheduler.SetConnectivityHandler(e.linkChanged)
	return e
}

// Connectivity is the payload of bus.KindConnectivity.
type Connectivity struct {
	Online bool `json:"online"`
}

// linkChanged treats the backend answering again like a reopened push
// channel: missed events are fetched through a quick sync.
func (e *Engine) linkChanged(online bool) {
	if online {
		e.status.PushChannelDidOpen()
	} else {
		e.status.PushChannelDidClose()
	}
	if e.bus != nil {
		e.bus.Publish(bus.Event{
			Kind:      bus.KindConnectivity,
			Account:   e.account,
			Timestamp: time.Now(),
			Payload:   Connectivity{Online: online},
		})
	}
}

func (e *Engine) Account() string { return e.account }
func (e *Engine) Store() *graph.Store { return e.store }
func (e *Engine) Status() *status.SyncStatus { return e.status }
func (e *Engine) Context() *Context { return e.ctx }
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }
func (e *Engine) SetAuthFailureHandler(fn func()) { e.scheduler.SetAuthFailureHandler(fn) }

// Register adds strategies. Their trackers are seeded with the current graph
// and their event consumers join the notification pipeline.
func (e *Engine) Register(strategies ...Strategy) {
	for _, s := range strategies {
		if tp, ok := s.(TrackerProvider); ok {
			e.store.Register(tp.ContextChangeTrackers()...)
		}
		if c, ok := s.(EventConsumer); ok {
			e.consumers = append(e.consumers, c)
		}
		e.scheduler.Add(s)
	}
}

// ProcessEvents applies events to the graph in one transaction and advances
// the cursor to the last event. Must run on the sync context.
func (e *Engine) ProcessEvents(events []Event, live bool) error {
	if len(events) == 0 {
		return nil
	}
	e.status.SetProcessingEvents(true)
	defer e.status.SetProcessingEvents(false)

	err := e.store.Write(func(tx *graph.Tx) error {
		for _, c := range e.consumers {
			if err := c.ProcessEvents(tx, events, live); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("process %d events: %w", len(events), err)
	}
	e.status.UpdateLastEventID(events[len(events)-1].ID)
	e.logger.Debug("events processed", zap.Int("count", len(events)), zap.Bool("live", live))
	return nil
}

// Deliver runs ProcessEvents on the sync context and waits for it.
func (e *Engine) Deliver(ctx context.Context, events []Event) error {
	var perr error
	if err := e.ctx.PerformAndWait(ctx, func() {
		perr = e.ProcessEvents(events, true)
	}); err != nil {
		return err
	}
	return perr
}

// Perform runs fn on the sync context and nudges the scheduler afterwards.
func (e *Engine) Perform(ctx context.Context, fn func() error) error {
	var ferr error
	if err := e.ctx.PerformAndWait(ctx, func() { ferr = fn() }); err != nil {
		return err
	}
	e.scheduler.RequestAvailable()
	return ferr
}

// Reconnect records the push channel closing and reopening. A finished
// account catches up through one quick sync, and reconnects during a quick
// sync collapse into a single restart of it.
func (e *Engine) Reconnect() {
	_ = e.ctx.Perform(func() {
		e.status.PushChannelDidClose()
		e.status.PushChannelDidOpen()
	})
}

// SetBackground flips the background flag used for strategy gating.
func (e *Engine) SetBackground(v bool) {
	_ = e.ctx.Perform(func() { e.status.SetBackground(v) })
	e.scheduler.RequestAvailable()
}

// RequestAvailable nudges the scheduler.
func (e *Engine) RequestAvailable() {
	e.scheduler.RequestAvailable()
}

// Start begins scheduling. Graph changes made outside the engine, such as
// a message composed through the control API, wake the scheduler.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.scheduler.Start()
	e.logger.Info("sync engine started", zap.Stringer("phase", e.status.CurrentPhase()))
	if e.bus == nil {
		return
	}
	ch, unsub := e.bus.Subscribe(bus.KindGraphChanged, 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Account == "" || evt.Account == e.account {
					e.scheduler.RequestAvailable()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts scheduling and the sync context. Pending completions are dropped.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.scheduler.Stop()
	e.ctx.Close()
	e.metrics.Forget(e.account)
}
