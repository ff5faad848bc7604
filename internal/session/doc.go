// Package session is the in-memory registry of live pairing keys.
//
// # Overview
//
// A Store maps short pairing keys to Entries. Each Entry records the pairing
// device's user agent, the artifacts uploaded for it, any URLs shared with it,
// and owns two expiry timers:
//
//   - inactivity: rescheduled on every authorized access
//   - absolute: fixed at creation, never rescheduled
//
// Either timer removes the entry and deletes its artifact files.
//
// # Concurrency
//
// Every Entry carries its own mutex; operations on one key are serialized
// through Store.Update while different keys proceed in parallel. The Store's
// map is guarded by a separate RWMutex. Locks are always taken entry first,
// store second, and the store lock is never held while waiting for an entry.
//
// # Usage
//
//	st := session.NewStore(session.Config{
//	    InactivityTimeout: 30 * time.Second,
//	    AbsoluteTimeout:   time.Hour,
//	    MaxArtifacts:      12,
//	}, logger)
//	key, err := st.Create(r.UserAgent())
//	err = st.Update(key, func(e *session.Entry) error {
//	    e.AddArtifact(a)
//	    e.Touch()
//	    return nil
//	})
package session
