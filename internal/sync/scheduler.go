package sync

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/wsync/internal/metrics"
	"github.com/matheus3301/wsync/internal/status"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

// SchedulerConfig tunes request emission for one account.
type SchedulerConfig struct {
	Account      string
	TickInterval time.Duration
	MaxInFlight  int
}

// Scheduler polls strategies for requests and hands them to the transport.
// Tick must run on the account's sync context; Start drives it from a
// ticker and from RequestAvailable nudges.
type Scheduler struct {
	cfg       SchedulerConfig
	ctx       *Context
	transport transport.Transport
	status    *status.SyncStatus
	metrics   *metrics.Metrics
	logger    *zap.Logger

	strategies []Strategy
	next       int
	inFlight   int
	onAuth     func()
	onLink     func(online bool)
	offline    bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

func NewScheduler(cfg SchedulerConfig, ctx *Context, tr transport.Transport, st *status.SyncStatus, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	return &Scheduler{
		cfg:       cfg,
		ctx:       ctx,
		transport: tr,
		status:    st,
		metrics:   m,
		logger:    logger.Named("scheduler"),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Add appends strategies to the round-robin.
func (s *Scheduler) Add(strategies ...Strategy) {
	s.strategies = append(s.strategies, strategies...)
}

// SetAuthFailureHandler sets the callback run on the sync context when a
// response is auth-fatal.
func (s *Scheduler) SetAuthFailureHandler(fn func()) {
	s.onAuth = fn
}

// SetConnectivityHandler sets the callback run on the sync context when the
// backend stops answering or answers again.
func (s *Scheduler) SetConnectivityHandler(fn func(online bool)) {
	s.onLink = fn
}

// InFlight returns the number of submitted requests without a completion.
func (s *Scheduler) InFlight() int { return s.inFlight }

// RequestAvailable asks for a tick as soon as possible. Safe from any goroutine.
func (s *Scheduler) RequestAvailable() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Tick submits requests until the strategies run dry or the in-flight limit
// is reached.
func (s *Scheduler) Tick() {
	for s.inFlight < s.cfg.MaxInFlight {
		req := s.nextRequest()
		if req == nil {
			return
		}
		s.submit(req)
	}
}

func (s *Scheduler) nextRequest() *transport.Request {
	n := len(s.strategies)
	for i := range n {
		idx := (s.next + i) % n
		st := s.strategies[idx]
		phase := s.status.CurrentPhase()
		if !Allowed(st.Flags(), phase, s.status.InBackground(), s.status.ProcessingEvents()) {
			continue
		}
		if req := st.NextRequest(phase); req != nil {
			s.next = (idx + 1) % n
			if req.Strategy == "" {
				req.Strategy = st.Name()
			}
			return req
		}
	}
	return nil
}

func (s *Scheduler) submit(req *transport.Request) {
	s.inFlight++
	s.metrics.RequestSent(req.Strategy)
	s.metrics.SetInFlight(s.cfg.Account, s.inFlight)
	s.logger.Debug("submitting request", zap.String("request_id", req.ID), zap.String("strategy", req.Strategy), zap.Stringer("request", req))

	req.SetExecutor(s.ctx.Executor())
	req.OnComplete(func(resp *transport.Response) {
		s.inFlight--
		s.metrics.SetInFlight(s.cfg.Account, s.inFlight)
		class := resp.Class()
		s.metrics.ResponseReceived(class.String())
		s.trackLink(resp)
		// Failures wait for the ticker, which paces retries.
		switch class {
		case transport.Success:
			s.RequestAvailable()
		case transport.AuthFatal:
			s.logger.Warn("authentication rejected", zap.String("strategy", req.Strategy), zap.Error(resp.AsError()))
			if s.onAuth != nil {
				s.onAuth()
			}
		}
	})
	req.Attach(s.transport.Enqueue(req))
}

// trackLink follows backend reachability. Any HTTP answer counts as
// reachable; only ErrOffline counts as unreachable.
func (s *Scheduler) trackLink(resp *transport.Response) {
	offline := errors.Is(resp.Err, transport.ErrOffline)
	if resp.Err != nil && !offline {
		return
	}
	if offline == s.offline {
		return
	}
	s.offline = offline
	if offline {
		s.logger.Warn("backend unreachable")
	} else {
		s.logger.Info("backend reachable again")
	}
	if s.onLink != nil {
		s.onLink(!offline)
	}
}

// Start runs the tick loop until Stop.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
	s.RequestAvailable()
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if err := s.ctx.Perform(s.Tick); err != nil {
			return
		}
	}
}

// Stop ends the tick loop. In-flight requests still complete on the context.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if !s.started.Load() {
		return
	}
	select {
	case <-s.done:
	case <-time.After(s.cfg.TickInterval * 4):
	}
}
