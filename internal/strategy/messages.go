package strategy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/transport"
)

// DeliveryFailure is the payload of message.delivery_failed events.
type DeliveryFailure struct {
	Message graph.ID
	Nonce   string
	// Devices lists the recipients the message did not reach. Empty when
	// the whole message failed.
	Devices []graph.ID
}

type otrMessage struct {
	Sender     string                       `json:"sender"`
	Recipients map[string]map[string]string `json:"recipients"`
}

type clientMismatch struct {
	Missing map[string][]string `json:"missing"`
	Deleted map[string][]string `json:"deleted"`
}

func pendingMessage(o *graph.Object) bool {
	m := o.Message()
	return m != nil && m.State == graph.DeliveryPending
}

// messageDependency returns the object a message has to wait for: its
// conversation while that is not synced, or the self client while any
// recipient device still lacks a session.
func messageDependency(v graph.View, d Deps, msg *graph.Object, checkDevices bool) graph.ID {
	m := msg.Message()
	conv, ok := v.Get(m.Conversation)
	if !ok {
		return 0
	}
	if conv.RemoteID == "" || conv.NeedsUpdate {
		return conv.ID
	}
	if !checkDevices {
		return 0
	}
	self, ok := v.LookupClient(d.SelfUserID, d.ClientID)
	if !ok {
		return 0
	}
	if len(m.MissingRecipients) > 0 {
		return self.ID
	}
	if self.Client().Missing.Intersects(ConversationDevices(v, conv)) {
		return self.ID
	}
	return 0
}

// recipients lists the devices of a conversation a message is encrypted
// for, keyed by user id. The self device and devices known to have no
// session are left out.
func recipients(v graph.View, d Deps, conv *graph.Object, m *graph.Message) map[string][]string {
	out := make(map[string][]string)
	for _, id := range ConversationDevices(v, conv).Sorted() {
		dev, ok := v.Get(id)
		if !ok {
			continue
		}
		c := dev.Client()
		if c.UserID == d.SelfUserID && dev.RemoteID == d.ClientID {
			continue
		}
		if c.FailedSession || m.FailedRecipients.Has(id) {
			continue
		}
		out[c.UserID] = append(out[c.UserID], dev.RemoteID)
	}
	return out
}

// encryptedPost builds an OTR message request for the conversation of msg.
func encryptedPost(v graph.View, d Deps, msg *graph.Object, content any) (*transport.Request, error) {
	m := msg.Message()
	conv, ok := v.Get(m.Conversation)
	if !ok {
		return nil, fmt.Errorf("message %d: conversation %w", msg.ID, graph.ErrNotFound)
	}
	plaintext, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	envelope, _, err := d.Keystore.EncryptEnvelope(recipients(v, d, conv, m), plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}
	path := "/conversations/" + url.PathEscape(conv.RemoteID) + "/otr/messages"
	if users := undeliverableUsers(v, m); len(users) > 0 {
		path += "?" + url.Values{"ignore_missing": {strings.Join(users, ",")}}.Encode()
	}
	return transport.NewRequest(http.MethodPost, path, otrMessage{Sender: d.ClientID, Recipients: envelope}), nil
}

// undeliverableUsers lists the owners of devices the message already failed
// to reach, so the backend does not report them as missing again.
func undeliverableUsers(v graph.View, m *graph.Message) []string {
	var users []string
	for _, id := range m.FailedRecipients.Sorted() {
		if dev, ok := v.Get(id); ok && dev.Client() != nil {
			users = append(users, dev.Client().UserID)
		}
	}
	slices.Sort(users)
	return slices.Compact(users)
}

// applyMismatch handles a 412 answer listing devices the message was not
// encrypted for. Missing devices are queued for session bootstrap and block
// the message; deleted ones are dropped. Devices the message already failed
// to reach stay undeliverable and are not bootstrapped again. It reports
// whether the message should be sent again.
func applyMismatch(tx *graph.Tx, d Deps, msg *graph.Object, resp *transport.Response) (bool, error) {
	if resp.StatusCode != http.StatusPreconditionFailed {
		return false, nil
	}
	var mm clientMismatch
	if err := resp.Decode(&mm); err != nil {
		return false, err
	}
	self, ok := tx.LookupClient(d.SelfUserID, d.ClientID)
	if !ok {
		return false, nil
	}

	changed := false
	for user, clients := range mm.Deleted {
		for _, c := range clients {
			if dev, ok := tx.LookupClient(user, c); ok && dev.ID != self.ID {
				if err := deleteClient(tx, d, dev); err != nil {
					return false, err
				}
				changed = true
			}
		}
	}

	cur, ok := tx.Get(msg.ID)
	if !ok {
		return false, nil
	}
	undeliverable := cur.Message().FailedRecipients

	var blocked []graph.ID
	for user, clients := range mm.Missing {
		for _, c := range clients {
			id, _ := tx.FetchOrCreateClient(user, c)
			if id == self.ID || undeliverable.Has(id) {
				continue
			}
			err := tx.Modify(id, func(o *graph.Object) {
				dc := o.Client()
				dc.HasSession = false
				dc.BlockedMessages.Add(msg.ID)
			})
			if err != nil {
				return false, err
			}
			blocked = append(blocked, id)
		}
	}
	if len(blocked) > 0 {
		err := tx.Modify(msg.ID, func(o *graph.Object) {
			for _, id := range blocked {
				o.Message().MissingRecipients.Add(id)
			}
		})
		if err != nil {
			return false, err
		}
		if _, err := addMissing(tx, self.ID, blocked...); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// markSent finishes a delivered message. Devices that were skipped for lack
// of a session are recorded as failed recipients and reported.
func markSent(tx *graph.Tx, d Deps, msg *graph.Object) error {
	var skipped []graph.ID
	if conv, ok := tx.Get(msg.Message().Conversation); ok {
		for _, id := range ConversationDevices(tx, conv).Sorted() {
			if dev, ok := tx.Get(id); ok && dev.Client().FailedSession {
				skipped = append(skipped, id)
			}
		}
	}
	var failed []graph.ID
	err := tx.Modify(msg.ID, func(o *graph.Object) {
		m := o.Message()
		m.State = graph.DeliverySent
		for _, id := range skipped {
			m.FailedRecipients.Add(id)
		}
		failed = m.FailedRecipients.Sorted()
	})
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		d.publish(bus.KindDeliveryFailed, DeliveryFailure{Message: msg.ID, Nonce: msg.Message().Nonce, Devices: failed})
	}
	return nil
}

func markUndelivered(tx *graph.Tx, d Deps, msg *graph.Object) error {
	if _, ok := tx.Get(msg.ID); !ok {
		return nil
	}
	err := tx.Modify(msg.ID, func(o *graph.Object) { o.Message().State = graph.DeliveryFailed })
	if err != nil {
		return err
	}
	d.publish(bus.KindDeliveryFailed, DeliveryFailure{Message: msg.ID, Nonce: msg.Message().Nonce})
	return nil
}

// QueueMessage inserts an outgoing message in the pending state. Messages
// carrying an asset are queued for upload.
func QueueMessage(tx *graph.Tx, m *graph.Message) graph.ID {
	m.State = graph.DeliveryPending
	id := tx.Insert(graph.EntityMessage, "", m)
	if m.Asset != nil {
		// Insert always succeeds, so the object exists.
		_ = tx.Touch(id, assetKey)
	}
	return id
}

// RetryMessage puts a failed message back into the send queue.
func RetryMessage(tx *graph.Tx, id graph.ID) error {
	o, ok := tx.Get(id)
	if !ok || o.Message() == nil {
		return graph.ErrNotFound
	}
	if o.Message().State != graph.DeliveryFailed {
		return nil
	}
	err := tx.Modify(id, func(o *graph.Object) {
		o.Failed = false
		m := o.Message()
		m.State = graph.DeliveryPending
		m.MissingRecipients = nil
		m.FailedRecipients = nil
	})
	if err != nil || o.Message().Asset == nil {
		return err
	}
	return tx.Touch(id, assetKey)
}

// ExpireMessage fails a message that is still pending. It reports whether
// the message changed state.
func ExpireMessage(tx *graph.Tx, id graph.ID) (bool, error) {
	o, ok := tx.Get(id)
	if !ok || !pendingMessage(o) {
		return false, nil
	}
	err := tx.Modify(id, func(o *graph.Object) {
		o.Failed = true
		o.Message().State = graph.DeliveryFailed
	})
	return err == nil, err
}
