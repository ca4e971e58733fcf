// Package strategy holds the request strategies that keep an account's
// object graph in sync with the backend.
package strategy

import (
	"cmp"
	"errors"
	"time"

	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/config"
	"github.com/matheus3301/wsync/internal/e2ee"
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/metrics"
	"github.com/matheus3301/wsync/internal/status"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"github.com/matheus3301/wsync/internal/transport"
	"go.uber.org/zap"
)

// EventProcessor applies a batch of notification events to the graph.
type EventProcessor interface {
	ProcessEvents(events []wsync.Event, live bool) error
}

// Deps are the per-account collaborators shared by every strategy.
type Deps struct {
	Account    string
	SelfUserID string
	ClientID   string

	Store    *graph.Store
	Status   *status.SyncStatus
	Keystore *e2ee.Keystore
	Events   EventProcessor
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Config   config.SyncConfig
	Logger   *zap.Logger
}

func (d Deps) logger(name string) *zap.Logger {
	l := d.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return l.Named(name)
}

func (d Deps) publish(kind string, payload any) {
	if d.Bus == nil {
		return
	}
	d.Bus.Publish(bus.Event{Kind: kind, Account: d.Account, Timestamp: time.Now(), Payload: payload})
}

func (d Deps) userBatch() int { return cmp.Or(d.Config.UserBatchSize, 100) }
func (d Deps) prekeyBatch() int { return cmp.Or(d.Config.PrekeyBatchSize, 128) }
func (d Deps) pageSize() int { return cmp.Or(d.Config.NotificationPage, 500) }
func (d Deps) phaseRetries() int { return cmp.Or(d.Config.PhaseRetries, 3) }

func (d Deps) newPhaseStep(phase status.Phase, name string, tc wsync.SingleRequestTranscoder) *phaseStep {
	return &phaseStep{
		phase:   phase,
		status:  d.Status,
		sync:    wsync.NewSingleRequestSync(name, tc),
		retries: d.phaseRetries(),
	}
}

// All builds every strategy for an account in scheduling order.
func All(d Deps) []wsync.Strategy {
	return []wsync.Strategy{
		NewLastUpdateEventID(d),
		NewConnections(d),
		NewConversations(d),
		NewUsers(d),
		NewLegalHold(d),
		NewFeatureConfig(d),
		NewMissingEvents(d),
		NewMissingClients(d),
		NewClientMessage(d),
		NewAssetUpload(d),
		NewPushToken(d),
		NewTyping(d),
	}
}

// SelfClient returns the local device of the account.
func SelfClient(v graph.View, userID, clientID string) (*graph.Object, bool) {
	return v.LookupClient(userID, clientID)
}

// ConversationDevices returns every device of every participant.
func ConversationDevices(v graph.View, conv *graph.Object) graph.IDSet {
	out := make(graph.IDSet)
	c := conv.Conversation()
	if c == nil {
		return out
	}
	for _, p := range c.Participants {
		u, ok := v.Get(p)
		if !ok || u.User() == nil {
			continue
		}
		for _, cl := range u.User().Clients {
			out.Add(cl)
		}
	}
	return out
}

// phaseStep runs a SingleRequestSync once per entry into a slow or quick
// sync phase.
type phaseStep struct {
	phase   status.Phase
	status  *status.SyncStatus
	sync    *wsync.SingleRequestSync
	active  bool
	retries int
	failed  int
}

func (p *phaseStep) next(phase status.Phase) *wsync.SingleRequestSync {
	if phase != p.phase {
		if p.active {
			p.sync.Reset()
			p.active = false
		}
		return nil
	}
	if !p.active {
		p.active = true
		p.failed = 0
		p.status.DidStart(phase)
		p.sync.ReadyForNextRequest()
	}
	return p.sync
}

func (p *phaseStep) finish() {
	p.active = false
	p.status.DidFinish(p.phase)
}

func (p *phaseStep) fail() {
	p.active = false
	p.status.DidFail(p.phase)
}

// retry reissues the request after a transient failure. Unreachable backends
// do not count against the budget; once the budget of this phase entry is
// spent the phase fails instead and retry reports false.
func (p *phaseStep) retry(resp *transport.Response) bool {
	if !errors.Is(resp.Err, transport.ErrOffline) {
		p.failed++
	}
	if p.failed > p.retries {
		p.fail()
		return false
	}
	p.sync.ReadyForNextRequest()
	return true
}
