// ABOUTME: Agent-checked access to a key's artifacts for the pairing device
// ABOUTME: Opens stored files, reports status and clears artifacts under the key's lock

// Package download authorizes the pairing device's requests against a key.
//
// Only the user agent that generated a key may read its status, download its
// artifacts or clear them. A mismatched agent gets ErrDenied, which callers
// must present exactly like ErrNotFound.
package download

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/2389/bookdrop/internal/device"
	"github.com/2389/bookdrop/internal/filename"
	"github.com/2389/bookdrop/internal/session"
)

var (
	ErrNotFound = errors.New("not found")
	ErrDenied   = errors.New("user agent does not match key")
)

// Download is an opened artifact ready to be served. The caller must Close it.
type Download struct {
	File     *os.File
	Artifact session.Artifact
	Device   device.Class
}

// Close closes the underlying file.
func (d *Download) Close() error {
	return d.File.Close()
}

// ContentDisposition returns the attachment header for the requesting device.
func (d *Download) ContentDisposition() string {
	return filename.ContentDisposition(d.Artifact.Name, d.Device.StrictFilenames())
}

// ETag returns a strong entity tag derived from the content digest.
func (d *Download) ETag() string {
	if d.Artifact.Digest == "" {
		return ""
	}
	return `"` + d.Artifact.Digest + `"`
}

// ModTime returns the upload time of the artifact.
func (d *Download) ModTime() time.Time {
	return d.Artifact.Uploaded
}

// ContentType returns the stored content type, defaulting to octet-stream.
func (d *Download) ContentType() string {
	if d.Artifact.MIMEType == "" {
		return "application/octet-stream"
	}
	return d.Artifact.MIMEType
}

// Gate checks device requests against the key's pairing agent.
type Gate struct {
	sessions *session.Store
	logger   *slog.Logger
}

// NewGate creates a Gate over sessions.
func NewGate(sessions *session.Store, logger *slog.Logger) *Gate {
	return &Gate{sessions: sessions, logger: logger}
}

// authorize runs fn for the key's entry if agent matches the pairing agent.
// The entry is touched before fn runs.
func (g *Gate) authorize(key, agent string, fn func(*session.Entry) error) error {
	err := g.sessions.Update(key, func(e *session.Entry) error {
		if e.Agent != agent {
			g.logger.Warn("user agent does not match key",
				"key", key,
				"agent", agent,
				"expected", e.Agent,
			)
			return ErrDenied
		}
		e.Touch()
		return fn(e)
	})
	if errors.Is(err, session.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Open returns the named artifact, or the most recent one when name is empty.
// The file is opened while the key is locked, so a concurrent replacement
// cannot remove it before it is served.
func (g *Gate) Open(key, agent, name string) (*Download, error) {
	var d *Download
	err := g.authorize(key, agent, func(e *session.Entry) error {
		a, ok := e.FindArtifact(name)
		if !ok {
			return ErrNotFound
		}
		f, err := os.Open(a.Path)
		if err != nil {
			g.logger.Error("stored artifact is unreadable", "key", key, "file", a.Name, "error", err)
			return fmt.Errorf("%w: %s", ErrNotFound, a.Name)
		}
		d = &Download{File: f, Artifact: a, Device: e.Device}
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("sending file", "key", key, "file", d.Artifact.Name, "device", d.Device, "size", d.Artifact.Size)
	return d, nil
}

// Status returns a snapshot of the key for its pairing device.
func (g *Gate) Status(key, agent string) (session.Snapshot, error) {
	var snap session.Snapshot
	err := g.authorize(key, agent, func(e *session.Entry) error {
		snap = e.Snapshot()
		return nil
	})
	return snap, err
}

// Clear deletes every artifact on the key. Returns the cleared artifacts.
func (g *Gate) Clear(key, agent string) ([]session.Artifact, error) {
	var cleared []session.Artifact
	err := g.authorize(key, agent, func(e *session.Entry) error {
		cleared = e.Artifacts()
		e.ClearArtifacts()
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("artifacts cleared", "key", key, "count", len(cleared))
	return cleared, nil
}
