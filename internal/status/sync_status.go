package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/wsync/internal/bus"
	"go.uber.org/zap"
)

// Phase is a step of the account synchronization sequence.
type Phase int

const (
	FetchingLastUpdateEventID Phase = iota
	FetchingConnections
	FetchingConversations
	FetchingUsers
	FetchingLegalHoldStatus
	FetchingFeatureConfigs
	FetchingMissedEvents
	Done
)

var phaseNames = [...]string{
	FetchingLastUpdateEventID: "fetchingLastUpdateEventID",
	FetchingConnections:       "fetchingConnections",
	FetchingConversations:     "fetchingConversations",
	FetchingUsers:             "fetchingUsers",
	FetchingLegalHoldStatus:   "fetchingLegalHoldStatus",
	FetchingFeatureConfigs:    "fetchingFeatureConfigs",
	FetchingMissedEvents:      "fetchingMissedEvents",
	Done:                      "done",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// IsSlowSync reports whether p belongs to the full resync sequence.
func (p Phase) IsSlowSync() bool { return p < FetchingMissedEvents }

// IsQuickSync reports whether p is the incremental resync step.
func (p Phase) IsQuickSync() bool { return p == FetchingMissedEvents }

// IsSyncing reports whether synchronization is still in progress.
func (p Phase) IsSyncing() bool { return p != Done }

// cursorPhase is the slow-sync step after which the cursor is persisted.
const cursorPhase = FetchingUsers

// CursorStore persists the id of the last processed notification.
type CursorStore interface {
	LastEventID() (string, error)
	SetLastEventID(id string) error
}

// PhaseChange is the payload of sync.phase_changed events.
type PhaseChange struct {
	From Phase
	To   Phase
}

// SyncStatus owns the current sync phase of one account.
type SyncStatus struct {
	mu               sync.Mutex
	current          Phase
	lastEventID      string
	persisted        bool
	pushChannelOpen  bool
	restartQuickSync bool
	background       bool
	processingEvents bool

	account  string
	cursor   CursorStore
	bus      *bus.Bus
	logger   *zap.Logger
	observer func(PhaseChange)
}

// NewSyncStatus starts in quick sync when a cursor was persisted earlier,
// otherwise at the beginning of slow sync.
func NewSyncStatus(account string, cursor CursorStore, b *bus.Bus, logger *zap.Logger) (*SyncStatus, error) {
	id, err := cursor.LastEventID()
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	s := &SyncStatus{
		current:     FetchingLastUpdateEventID,
		lastEventID: id,
		persisted:   id != "",
		account:     account,
		cursor:      cursor,
		bus:         b,
		logger:      logger.With(zap.String("account", account)),
	}
	if s.persisted {
		s.current = FetchingMissedEvents
	}
	return s, nil
}

// SetObserver registers fn to be called after every phase change, outside
// the status lock.
func (s *SyncStatus) SetObserver(fn func(PhaseChange)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// CurrentPhase returns the current phase.
func (s *SyncStatus) CurrentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// LastEventID returns the newest known cursor, persisted or not.
func (s *SyncStatus) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// HasPersistedCursor reports whether a cursor survived a restart.
func (s *SyncStatus) HasPersistedCursor() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

func (s *SyncStatus) InBackground() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.background
}

func (s *SyncStatus) SetBackground(v bool) {
	s.mu.Lock()
	s.background = v
	s.mu.Unlock()
}

func (s *SyncStatus) ProcessingEvents() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processingEvents
}

func (s *SyncStatus) SetProcessingEvents(v bool) {
	s.mu.Lock()
	s.processingEvents = v
	s.mu.Unlock()
}

// UpdateLastEventID records the newest processed notification. During slow
// sync the id is kept in memory until the cursor phase completes; afterwards
// it is persisted immediately.
func (s *SyncStatus) UpdateLastEventID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEventID = id
	if !s.current.IsSlowSync() {
		s.persistLocked()
	}
}

func (s *SyncStatus) persistLocked() {
	if s.lastEventID == "" {
		return
	}
	if err := s.cursor.SetLastEventID(s.lastEventID); err != nil {
		s.logger.Error("failed to persist cursor", zap.Error(err), zap.String("event_id", s.lastEventID))
		return
	}
	s.persisted = true
}

// DidStart records that work for phase began.
func (s *SyncStatus) DidStart(phase Phase) {
	s.logger.Debug("sync phase started", zap.Stringer("phase", phase))
}

// DidFinish advances to the phase after phase. Calls for a phase that is not
// current are ignored.
func (s *SyncStatus) DidFinish(phase Phase) {
	s.mu.Lock()
	if phase != s.current {
		s.mu.Unlock()
		s.logger.Warn("ignoring finish of non-current phase",
			zap.Stringer("phase", phase), zap.Stringer("current", s.current))
		return
	}

	next := phase + 1
	switch phase {
	case cursorPhase:
		s.persistLocked()
	case FetchingMissedEvents:
		if s.restartQuickSync && s.pushChannelOpen {
			next = FetchingMissedEvents
		}
		s.restartQuickSync = false
	case Done:
		next = Done
	}
	change := s.moveLocked(next)
	s.mu.Unlock()

	s.logger.Info("sync phase finished", zap.Stringer("phase", phase), zap.Stringer("next", next))
	s.emit(change)
	if next == Done && phase != Done {
		s.publish(bus.KindSyncDone, change)
	}
}

// DidFail handles a failed phase. A failed cursor fetch retries in place;
// any other slow sync failure restarts from fetchingConnections. A failed
// quick sync without a persisted cursor starts slow sync over.
func (s *SyncStatus) DidFail(phase Phase) {
	s.mu.Lock()
	if phase != s.current {
		s.mu.Unlock()
		s.logger.Warn("ignoring failure of non-current phase",
			zap.Stringer("phase", phase), zap.Stringer("current", s.current))
		return
	}

	var next Phase
	switch {
	case phase == FetchingLastUpdateEventID:
		s.mu.Unlock()
		s.logger.Warn("cursor fetch failed, retrying")
		return
	case phase == FetchingMissedEvents:
		s.restartQuickSync = false
		next = FetchingConnections
		if !s.persisted {
			next = FetchingLastUpdateEventID
		}
	default:
		next = FetchingConnections
	}
	change := s.moveLocked(next)
	s.mu.Unlock()

	s.logger.Warn("sync phase failed, restarting slow sync",
		zap.Stringer("phase", phase), zap.Stringer("next", next))
	s.emit(change)
	s.publish(bus.KindResyncStarted, change)
}

// PushChannelDidOpen re-enters quick sync after a reconnect. Repeated opens
// while a quick sync runs collapse into a single restart.
func (s *SyncStatus) PushChannelDidOpen() {
	s.mu.Lock()
	if s.pushChannelOpen {
		s.mu.Unlock()
		return
	}
	s.pushChannelOpen = true
	var change *PhaseChange
	switch s.current {
	case FetchingMissedEvents:
		s.restartQuickSync = true
	case Done:
		change = s.moveLocked(FetchingMissedEvents)
	}
	s.mu.Unlock()
	s.emit(change)
}

// PushChannelDidClose records that the realtime channel went away.
func (s *SyncStatus) PushChannelDidClose() {
	s.mu.Lock()
	s.pushChannelOpen = false
	s.mu.Unlock()
}

func (s *SyncStatus) moveLocked(next Phase) *PhaseChange {
	from := s.current
	s.current = next
	if from == next && next != FetchingMissedEvents {
		return nil
	}
	return &PhaseChange{From: from, To: next}
}

func (s *SyncStatus) emit(change *PhaseChange) {
	if change == nil {
		return
	}
	s.publish(bus.KindPhaseChanged, change)
	s.mu.Lock()
	obs := s.observer
	s.mu.Unlock()
	if obs != nil {
		obs(*change)
	}
}

func (s *SyncStatus) publish(kind string, change *PhaseChange) {
	if s.bus == nil || change == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Account:   s.account,
		Timestamp: time.Now(),
		Payload:   *change,
	})
}
