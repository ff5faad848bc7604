// ABOUTME: Inactivity and absolute expiry deadlines for session entries
// ABOUTME: Timer callbacks re-check entry identity and staleness before removing

package session

import "time"

// armTimers schedules both deadlines for a new entry.
// Must be called with e.mu held.
func (s *Store) armTimers(e *Entry) {
	e.inactivity = time.AfterFunc(s.cfg.InactivityTimeout, func() {
		s.expire(e, ReasonInactive)
	})
	e.absolute = time.AfterFunc(s.cfg.AbsoluteTimeout, func() {
		s.expire(e, ReasonAbsolute)
	})
}

// expire is the timer callback. The inactivity deadline may fire while an
// access holds the entry lock; if that access touched the entry, the
// rescheduled timer owns expiry and this callback does nothing.
func (s *Store) expire(e *Entry, reason RemoveReason) {
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		s.logger.Debug("expiry fired for removed key", "key", e.Key, "reason", reason)
		return
	}

	if cur, ok := s.lookup(e.Key); !ok || cur != e {
		e.mu.Unlock()
		s.logger.Debug("expiry fired for replaced key", "key", e.Key, "reason", reason)
		return
	}

	if reason == ReasonInactive {
		if idle := s.now().Sub(e.lastActivity); idle < s.cfg.InactivityTimeout {
			e.mu.Unlock()
			return
		}
	}

	s.logger.Info("removing expired key", "key", e.Key, "reason", reason)
	snap := s.removeLocked(e, reason)
	e.mu.Unlock()

	s.notifyRemoved(snap, reason)
}
