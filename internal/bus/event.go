package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Account   string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync core.
const (
	KindStatusChanged     = "session.status_changed"
	KindAuthInvalidated   = "session.auth_invalidated"
	KindAccountSelected   = "session.account_selected"
	KindAccountDeleted    = "session.account_deleted"
	KindPhaseChanged      = "sync.phase_changed"
	KindResyncStarted     = "sync.resync_started"
	KindSyncDone          = "sync.done"
	KindConnectivity      = "sync.connectivity"
	KindGraphChanged      = "graph.changed"
	KindDeliveryFailed    = "message.delivery_failed"
	KindSessionBootstrap  = "crypto.session_established"
	KindSessionBootFailed = "crypto.session_failed"
)
