package sync

import (
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/status"
	"github.com/matheus3301/wsync/internal/transport"
)

// ChangeTracker is re-exported for strategies.
type ChangeTracker = graph.ChangeTracker

// Flags declare when a strategy may produce requests.
type Flags uint8

const (
	AllowsWhileOnline Flags = 1 << iota
	AllowsDuringSlowSync
	AllowsDuringQuickSync
	AllowsWhileInBackground
	AllowsDuringEventProcessing
)

func (f Flags) Has(o Flags) bool { return f&o == o }

// Allowed reports whether a strategy with flags f may run.
func Allowed(f Flags, phase status.Phase, background, processingEvents bool) bool {
	var inPhase bool
	switch {
	case phase == status.Done:
		inPhase = f.Has(AllowsWhileOnline)
	case phase.IsQuickSync():
		inPhase = f.Has(AllowsDuringQuickSync)
	default:
		inPhase = f.Has(AllowsDuringSlowSync)
	}
	if !inPhase {
		return false
	}
	if background && !f.Has(AllowsWhileInBackground) {
		return false
	}
	if processingEvents && !f.Has(AllowsDuringEventProcessing) {
		return false
	}
	return true
}

// Strategy produces backend requests for one concern.
type Strategy interface {
	Name() string
	Flags() Flags
	NextRequest(phase status.Phase) *transport.Request
}

// TrackerProvider is implemented by strategies that observe the graph.
type TrackerProvider interface {
	ContextChangeTrackers() []ChangeTracker
}

// EventConsumer is implemented by strategies that apply notification
// stream events. live is false while replaying missed events.
type EventConsumer interface {
	ProcessEvents(tx *graph.Tx, events []Event, live bool) error
}
