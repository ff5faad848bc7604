// Package throttle limits how often a client may request new pairing keys.
//
// Each client address gets its own token bucket. Buckets idle for longer
// than the TTL are dropped, and the number of tracked clients is bounded by
// evicting the least recently seen one.
package throttle
