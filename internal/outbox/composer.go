// Package outbox turns user input into pending messages in an account's
// object graph and expires the ones that never leave.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/strategy"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"go.uber.org/zap"
)

var (
	ErrEmptyMessage        = errors.New("empty message")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownMessage      = errors.New("unknown message")
)

// DefaultExpiry is how long a message may stay pending.
const DefaultExpiry = 5 * time.Minute

// Account is the part of an account session the composer writes through.
type Account interface {
	Account() string
	Engine() *wsync.Engine
	Store() *graph.Store
	// DidQueueMessage runs on the sync context after a message was queued
	// in conv.
	DidQueueMessage(conv graph.ID)
}

// Receipt identifies a queued message.
type Receipt struct {
	ID    graph.ID
	Nonce string
}

// Composer queues outgoing messages. The sync engine of the account sends
// them; the composer's sweep fails the ones that stay pending past the
// expiry.
type Composer struct {
	bus    *bus.Bus
	logger *zap.Logger
	expiry time.Duration
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewComposer creates a composer. A zero expiry uses DefaultExpiry.
func NewComposer(b *bus.Bus, expiry time.Duration, logger *zap.Logger) *Composer {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Composer{
		bus:    b,
		logger: logger.Named("outbox"),
		expiry: expiry,
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (c *Composer) SetClock(now func() time.Time) { c.now = now }

// SendText queues a text message for a conversation.
func (c *Composer) SendText(ctx context.Context, a Account, conversation, text string) (Receipt, error) {
	if strings.TrimSpace(text) == "" {
		return Receipt{}, ErrEmptyMessage
	}
	return c.queue(ctx, a, conversation, &graph.Message{Text: text})
}

// SendAsset queues an asset message. The caption travels as its text.
func (c *Composer) SendAsset(ctx context.Context, a Account, conversation string, asset graph.Asset, caption string) (Receipt, error) {
	if asset.Name == "" {
		return Receipt{}, fmt.Errorf("%w: asset has no name", ErrEmptyMessage)
	}
	asset.Step = graph.AssetPlaceholder
	asset.Key = ""
	return c.queue(ctx, a, conversation, &graph.Message{Text: caption, Asset: &asset})
}

func (c *Composer) queue(ctx context.Context, a Account, conversation string, m *graph.Message) (Receipt, error) {
	r := Receipt{Nonce: uuid.NewString()}
	m.Nonce = r.Nonce
	m.CreatedAt = c.now()
	err := a.Engine().Perform(ctx, func() error {
		err := a.Store().Write(func(tx *graph.Tx) error {
			conv, ok := tx.Lookup(graph.EntityConversation, conversation)
			if !ok || conv.Deleted {
				return fmt.Errorf("%w: %s", ErrUnknownConversation, conversation)
			}
			m.Conversation = conv.ID
			if self, ok := selfClient(tx); ok {
				m.Sender = self
			}
			r.ID = strategy.QueueMessage(tx, m)
			return nil
		})
		if err != nil {
			return err
		}
		a.DidQueueMessage(m.Conversation)
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	c.logger.Debug("message queued", zap.String("account", a.Account()), zap.String("nonce", r.Nonce))
	return r, nil
}

func selfClient(v graph.View) (graph.ID, bool) {
	objs := v.Fetch(func(o *graph.Object) bool {
		cl := o.Client()
		return cl != nil && cl.IsSelf
	})
	if len(objs) == 0 {
		return 0, false
	}
	return objs[0].ID, true
}

// Resend puts a failed message back into the send queue.
func (c *Composer) Resend(ctx context.Context, a Account, nonce string) error {
	return a.Engine().Perform(ctx, func() error {
		return a.Store().Write(func(tx *graph.Tx) error {
			objs := tx.Fetch(byNonce(nonce))
			if len(objs) == 0 {
				return fmt.Errorf("%w: %s", ErrUnknownMessage, nonce)
			}
			return strategy.RetryMessage(tx, objs[0].ID)
		})
	})
}

func byNonce(nonce string) graph.Predicate {
	return func(o *graph.Object) bool {
		m := o.Message()
		return m != nil && m.Nonce == nonce
	}
}

// Expire fails every message of a that has been pending longer than the
// expiry. It returns the number of expired messages.
func (c *Composer) Expire(ctx context.Context, a Account) (int, error) {
	cutoff := c.now().Add(-c.expiry)
	var expired []strategy.DeliveryFailure
	err := a.Engine().Perform(ctx, func() error {
		expired = expired[:0]
		return a.Store().Write(func(tx *graph.Tx) error {
			stale := tx.Fetch(func(o *graph.Object) bool {
				m := o.Message()
				return m != nil && m.State == graph.DeliveryPending && m.CreatedAt.Before(cutoff)
			})
			for _, o := range stale {
				changed, err := strategy.ExpireMessage(tx, o.ID)
				if err != nil {
					return err
				}
				if changed {
					expired = append(expired, strategy.DeliveryFailure{Message: o.ID, Nonce: o.Message().Nonce})
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	for _, f := range expired {
		c.logger.Info("message expired", zap.String("account", a.Account()), zap.String("nonce", f.Nonce))
		if c.bus != nil {
			c.bus.Publish(bus.Event{Kind: bus.KindDeliveryFailed, Account: a.Account(), Timestamp: time.Now(), Payload: f})
		}
	}
	return len(expired), nil
}

// Start sweeps the accounts returned by accounts every interval.
func (c *Composer) Start(ctx context.Context, interval time.Duration, accounts func() []Account) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, a := range accounts() {
					if _, err := c.Expire(ctx, a); err != nil && ctx.Err() == nil {
						c.logger.Warn("expiry sweep failed", zap.String("account", a.Account()), zap.Error(err))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep loop.
func (c *Composer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}
