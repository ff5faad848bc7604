// ABOUTME: Thread-safe registry of live pairing keys
// ABOUTME: Creates keys by rejection sampling and serializes access per entry

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/bookdrop/internal/device"
)

// ErrNotFound indicates the key is not (or no longer) live.
var ErrNotFound = errors.New("unknown key")

// ErrUnknownKey is the name uploads use for ErrNotFound.
var ErrUnknownKey = ErrNotFound

// ErrKeyspaceExhausted indicates no free key could be allocated.
var ErrKeyspaceExhausted = errors.New("cannot allocate key")

// ErrClosed indicates the store has been shut down.
var ErrClosed = errors.New("session store closed")

// RemoveReason says why an entry was destroyed.
type RemoveReason string

const (
	ReasonInactive RemoveReason = "inactive"
	ReasonAbsolute RemoveReason = "absolute"
	ReasonDeleted  RemoveReason = "deleted"
	ReasonShutdown RemoveReason = "shutdown"
)

// Config holds store limits and timeouts.
type Config struct {
	InactivityTimeout time.Duration
	AbsoluteTimeout   time.Duration
	MaxArtifacts      int
	MaxKeys           int

	// OnRemove, if set, is called after an entry has been destroyed.
	// It runs without any store or entry lock held.
	OnRemove func(snap Snapshot, reason RemoveReason)
}

// Store coordinates all live pairing keys.
type Store struct {
	entries map[string]*Entry
	mu      sync.RWMutex
	closed  bool
	cfg     Config
	logger  *slog.Logger

	now  func() time.Time
	intn func(int) int
}

// NewStore creates an empty Store.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	if cfg.MaxArtifacts < 1 {
		cfg.MaxArtifacts = 1
	}
	return &Store{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		intn:    defaultIntN,
	}
}

// Create allocates a fresh key for a pairing device and arms its timers.
// Returns ErrKeyspaceExhausted when sampling keeps hitting live keys or the
// store is at capacity.
func (s *Store) Create(agent string) (string, error) {
	now := s.now()
	e := &Entry{
		Created:      now,
		Agent:        agent,
		Device:       device.Classify(agent),
		store:        s,
		lastActivity: now,
	}

	// Entry lock first: a timer callback on this entry must wait until
	// the entry is fully registered.
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if s.cfg.MaxKeys > 0 && len(s.entries) >= s.cfg.MaxKeys {
		s.logger.Error("cannot generate more keys, store is full", "keys", len(s.entries))
		return "", ErrKeyspaceExhausted
	}

	var key string
	for attempts := 0; ; attempts++ {
		key = randomKey(s.intn)
		if _, taken := s.entries[key]; !taken {
			break
		}
		if attempts >= len(s.entries) {
			s.logger.Error("cannot generate more keys, too many collisions", "keys", len(s.entries), "attempts", attempts+1)
			return "", ErrKeyspaceExhausted
		}
	}

	e.Key = key
	s.entries[key] = e
	s.armTimers(e)

	s.logger.Info("key generated",
		"key", key,
		"device", e.Device,
		"agent", agent,
		"total_keys", len(s.entries),
	)
	return key, nil
}

// lookup returns the entry for key without locking it. Malformed keys are
// rejected without touching the map.
func (s *Store) lookup(key string) (*Entry, bool) {
	if !ValidKey(key) {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Get returns a snapshot of the entry for key.
func (s *Store) Get(key string) (Snapshot, error) {
	var snap Snapshot
	err := s.Update(key, func(e *Entry) error {
		snap = e.snapshotLocked()
		return nil
	})
	return snap, err
}

// Touch refreshes the entry's activity. No-op if key is absent.
func (s *Store) Touch(key string) {
	_ = s.Update(key, func(e *Entry) error {
		e.touchLocked()
		return nil
	})
}

// ClearArtifacts deletes the entry's files and empties its artifact list.
func (s *Store) ClearArtifacts(key string) error {
	return s.Update(key, func(e *Entry) error {
		e.clearArtifactsLocked()
		return nil
	})
}

// Update runs fn with exclusive access to the entry for key.
// Returns ErrNotFound if the key is absent or is removed before fn could run.
func (s *Store) Update(key string, fn func(*Entry) error) error {
	e, ok := s.lookup(key)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return ErrNotFound
	}
	return fn(e)
}

// Remove destroys the entry for key, deleting its files.
// Returns false if the key was not live.
func (s *Store) Remove(key string) bool {
	e, ok := s.lookup(key)
	if !ok {
		s.logger.Debug("remove of unknown key", "key", key)
		return false
	}
	return s.remove(e, ReasonDeleted)
}

// remove locks e and destroys it. Idempotent.
func (s *Store) remove(e *Entry, reason RemoveReason) bool {
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return false
	}
	snap := s.removeLocked(e, reason)
	e.mu.Unlock()

	s.notifyRemoved(snap, reason)
	return true
}

// removeLocked destroys e. Must be called with e.mu held.
// The map slot is only cleared if it still holds e.
func (s *Store) removeLocked(e *Entry, reason RemoveReason) Snapshot {
	s.mu.Lock()
	if cur, ok := s.entries[e.Key]; ok && cur == e {
		delete(s.entries, e.Key)
	}
	remaining := len(s.entries)
	s.mu.Unlock()

	snap := e.snapshotLocked()
	e.removed = true
	e.stopTimersLocked()
	e.clearArtifactsLocked()
	e.urls = nil

	s.logger.Info("key removed",
		"key", e.Key,
		"reason", reason,
		"artifacts", len(snap.Artifacts),
		"total_keys", remaining,
	)
	return snap
}

func (s *Store) notifyRemoved(snap Snapshot, reason RemoveReason) {
	if s.cfg.OnRemove != nil {
		s.cfg.OnRemove(snap, reason)
	}
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close removes every entry and rejects further Create calls.
// It is safe to call multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		s.remove(e, ReasonShutdown)
	}
}
