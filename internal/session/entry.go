// ABOUTME: Session entry state: pairing metadata, artifacts, URLs and expiry timers
// ABOUTME: Mutating methods must only be called inside Store.Update

package session

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/2389/bookdrop/internal/device"
)

// MaxURLs bounds the number of URLs remembered per entry.
const MaxURLs = 12

// Artifact is a stored file owned by exactly one entry.
type Artifact struct {
	Name     string // display name offered to the device
	Path     string // location in the scratch directory
	MIMEType string
	Size     int64
	Digest   string // hex BLAKE3 of the stored bytes
	Tool     string // converter that produced the file, empty when stored as uploaded
	Uploaded time.Time
}

// Entry is the state of one live pairing key.
// Key, Created, Agent and Device are immutable and may be read without locking.
type Entry struct {
	Key     string
	Created time.Time
	Agent   string
	Device  device.Class

	store *Store

	mu           sync.Mutex
	removed      bool
	lastActivity time.Time
	artifacts    []Artifact
	urls         []string
	inactivity   *time.Timer
	absolute     *time.Timer
}

// Snapshot is a consistent copy of an entry taken under its lock.
type Snapshot struct {
	Key          string
	Created      time.Time
	Agent        string
	Device       device.Class
	LastActivity time.Time
	Artifacts    []Artifact
	URLs         []string
}

func (e *Entry) snapshotLocked() Snapshot {
	return Snapshot{
		Key:          e.Key,
		Created:      e.Created,
		Agent:        e.Agent,
		Device:       e.Device,
		LastActivity: e.lastActivity,
		Artifacts:    slices.Clone(e.artifacts),
		URLs:         slices.Clone(e.urls),
	}
}

// Snapshot returns a copy of the entry's state.
func (e *Entry) Snapshot() Snapshot {
	return e.snapshotLocked()
}

// Artifacts returns a copy of the stored artifacts, oldest first.
func (e *Entry) Artifacts() []Artifact {
	return slices.Clone(e.artifacts)
}

// Touch records an access and reschedules the inactivity deadline.
func (e *Entry) Touch() {
	e.touchLocked()
}

func (e *Entry) touchLocked() {
	now := e.store.now()
	if now.After(e.lastActivity) {
		e.lastActivity = now
	}
	if e.inactivity != nil {
		e.inactivity.Stop()
		e.inactivity.Reset(e.store.cfg.InactivityTimeout)
	}
}

// AddArtifact registers a stored file. An artifact with the same display
// name is replaced; when the entry is full the oldest artifact is evicted.
// Files of replaced or evicted artifacts are deleted and those artifacts returned.
func (e *Entry) AddArtifact(a Artifact) []Artifact {
	var dropped []Artifact
	if i := slices.IndexFunc(e.artifacts, func(x Artifact) bool { return x.Name == a.Name }); i >= 0 {
		dropped = append(dropped, e.artifacts[i])
		e.artifacts = slices.Delete(e.artifacts, i, i+1)
	}
	e.artifacts = append(e.artifacts, a)
	if over := len(e.artifacts) - e.store.cfg.MaxArtifacts; over > 0 {
		dropped = append(dropped, e.artifacts[:over]...)
		e.artifacts = slices.Delete(e.artifacts, 0, over)
	}
	removeFiles(e.store.logger, e.Key, dropped)
	return dropped
}

// FindArtifact returns the artifact with the given display name, or the
// most recent one when name is empty.
func (e *Entry) FindArtifact(name string) (Artifact, bool) {
	if len(e.artifacts) == 0 {
		return Artifact{}, false
	}
	if name == "" {
		return e.artifacts[len(e.artifacts)-1], true
	}
	for i := len(e.artifacts) - 1; i >= 0; i-- {
		if e.artifacts[i].Name == name {
			return e.artifacts[i], true
		}
	}
	return Artifact{}, false
}

// ClearArtifacts deletes every artifact file and empties the list.
func (e *Entry) ClearArtifacts() {
	e.clearArtifactsLocked()
}

func (e *Entry) clearArtifactsLocked() {
	removeFiles(e.store.logger, e.Key, e.artifacts)
	e.artifacts = nil
}

// AddURL records a URL. Returns false if it was already present.
func (e *Entry) AddURL(u string) bool {
	if slices.Contains(e.urls, u) {
		return false
	}
	e.urls = append(e.urls, u)
	if over := len(e.urls) - MaxURLs; over > 0 {
		e.urls = slices.Delete(e.urls, 0, over)
	}
	return true
}

// stopTimersLocked cancels both deadlines.
func (e *Entry) stopTimersLocked() {
	if e.inactivity != nil {
		e.inactivity.Stop()
	}
	if e.absolute != nil {
		e.absolute.Stop()
	}
}

// removeFiles deletes artifact files. Failures are logged, never returned.
func removeFiles(logger *slog.Logger, key string, artifacts []Artifact) {
	for _, a := range artifacts {
		if a.Path == "" {
			continue
		}
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to delete artifact file", "key", key, "file", a.Name, "error", err)
			continue
		}
		logger.Debug("deleted artifact file", "key", key, "file", a.Name)
	}
}
