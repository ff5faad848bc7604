// ABOUTME: Upload orchestration: validation, conversion and artifact registration
// ABOUTME: Runs each submission under the key's lock and owns the spooled files

package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/2389/bookdrop/internal/convert"
	"github.com/2389/bookdrop/internal/device"
	"github.com/2389/bookdrop/internal/filename"
	"github.com/2389/bookdrop/internal/session"
)

var (
	ErrInvalidFileType = errors.New("invalid file type")
	ErrEmptySubmission = errors.New("no file or url submitted")
	ErrTooManyFiles    = errors.New("too many files")
	ErrFileTooLarge    = errors.New("file too large")
	ErrInvalidURL      = errors.New("invalid url")
)

// ErrUnknownKey is returned when the submission names no live key.
var ErrUnknownKey = session.ErrUnknownKey

// File is one received file, already spooled into the scratch directory.
type File struct {
	Name         string // client-supplied file name
	DeclaredType string // Content-Type of the multipart part
	Path         string
	Size         int64
}

// Request is one browser submission.
type Request struct {
	Key   string
	Files []File
	URL   string
	Flags map[string]bool // conversion opt-ins by profile name
}

// Item is the outcome for one submitted file.
type Item struct {
	Original string // name as submitted
	Name     string // display name on the key
	Size     int64
	Tool     string // converter that ran, if any
	Replaced bool   // an artifact with the same name was replaced
	Err      error
}

// Result summarizes a processed submission.
type Result struct {
	Key      string
	Device   device.Class
	Stored   []Item
	Failed   []Item
	URL      string
	URLAdded bool
	Evicted  []session.Artifact
}

// Summary renders the result as a message for the uploader.
func (r *Result) Summary() string {
	var lines []string
	for _, it := range r.Stored {
		line := "Uploaded " + it.Name
		if it.Tool != "" {
			line = fmt.Sprintf("Converted %s to %s with %s", it.Original, it.Name, it.Tool)
		}
		if it.Replaced {
			line += " (replaced previous file)"
		}
		lines = append(lines, line)
	}
	for _, a := range r.Evicted {
		lines = append(lines, "Removed "+a.Name+" to make room")
	}
	if r.URL != "" {
		if r.URLAdded {
			lines = append(lines, "Added URL "+r.URL)
		} else {
			lines = append(lines, "URL already shared: "+r.URL)
		}
	}
	for _, it := range r.Failed {
		lines = append(lines, fmt.Sprintf("Failed %s: %v", it.Original, it.Err))
	}
	return strings.Join(lines, "\n")
}

// Config holds upload limits.
type Config struct {
	MaxFiles    int
	MaxFileSize int64
}

// Service processes submissions against a session store.
type Service struct {
	sessions *session.Store
	runner   *convert.Runner
	profiles []*convert.Profile
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an upload Service.
func NewService(sessions *session.Store, runner *convert.Runner, profiles []*convert.Profile, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		sessions: sessions,
		runner:   runner,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle processes req. Every spooled file in req is consumed: registered on
// the key or deleted. The Result is returned alongside a non-nil error when
// some work was done before failing, so callers can report per-file errors.
func (s *Service) Handle(ctx context.Context, req Request) (*Result, error) {
	pending := make(map[string]bool, len(req.Files))
	for _, f := range req.Files {
		pending[f.Path] = true
	}
	defer func() {
		for path := range pending {
			s.discard(req.Key, path)
		}
	}()

	if s.cfg.MaxFiles > 0 && len(req.Files) > s.cfg.MaxFiles {
		return nil, fmt.Errorf("%w: %d submitted, at most %d allowed", ErrTooManyFiles, len(req.Files), s.cfg.MaxFiles)
	}

	result := &Result{Key: req.Key}
	err := s.sessions.Update(req.Key, func(e *session.Entry) error {
		result.Device = e.Device

		for _, f := range req.Files {
			item, artifact, err := s.processFile(ctx, e, req.Flags, f)
			delete(pending, f.Path)
			if err != nil {
				item.Err = err
				result.Failed = append(result.Failed, item)
				s.logger.Warn("file rejected", "key", e.Key, "file", item.Name, "tool", item.Tool, "error", err)
				continue
			}

			for _, d := range e.AddArtifact(artifact) {
				if d.Name == artifact.Name {
					item.Replaced = true
				} else {
					result.Evicted = append(result.Evicted, d)
				}
			}
			result.Stored = append(result.Stored, item)

			s.logger.Info("file stored",
				"key", e.Key,
				"file", item.Name,
				"size", item.Size,
				"tool", item.Tool,
				"replaced", item.Replaced,
			)
		}

		if raw := strings.TrimSpace(req.URL); raw != "" {
			u, err := parseURL(raw)
			if err != nil {
				result.Failed = append(result.Failed, Item{Original: raw, Err: err})
			} else {
				result.URL = u
				result.URLAdded = e.AddURL(u)
				s.logger.Info("url recorded", "key", e.Key, "url", u, "new", result.URLAdded)
			}
		}

		e.Touch()

		if len(result.Stored) == 0 && result.URL == "" {
			if len(result.Failed) == 0 {
				return ErrEmptySubmission
			}
			errs := make([]error, 0, len(result.Failed))
			for _, it := range result.Failed {
				errs = append(errs, it.Err)
			}
			return errors.Join(errs...)
		}
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		s.logger.Warn("upload to unknown key", "key", req.Key)
		return nil, ErrUnknownKey
	}
	return result, err
}

// processFile validates, converts and digests one file. It consumes f.Path:
// on success the returned artifact owns the stored file, on failure every
// file derived from f has been removed.
func (s *Service) processFile(ctx context.Context, e *session.Entry, flags map[string]bool, f File) (Item, session.Artifact, error) {
	name := filename.Normalize(f.Name)
	item := Item{Original: f.Name, Name: name, Size: f.Size}

	if s.cfg.MaxFileSize > 0 && f.Size > s.cfg.MaxFileSize {
		s.discard(e.Key, f.Path)
		return item, session.Artifact{}, fmt.Errorf("%w: %d bytes, at most %d allowed", ErrFileTooLarge, f.Size, s.cfg.MaxFileSize)
	}

	mimeType, err := detectType(f.Path, name, f.DeclaredType)
	if err != nil {
		s.discard(e.Key, f.Path)
		return item, session.Artifact{}, err
	}

	path := f.Path
	if p := convert.Select(s.profiles, e.Device, func(n string) bool { return flags[n] }, mimeType); p != nil {
		out, err := s.runner.Convert(ctx, p, f.Path, p.OutputPath(f.Path))
		if err != nil {
			item.Tool = p.Name
			return item, session.Artifact{}, err
		}
		s.discard(e.Key, f.Path)
		path = out
		item.Tool = p.Name
		item.Name = p.DisplayName(name)
		mimeType = p.OutputType
	}

	size, digest, err := digestFile(path)
	if err != nil {
		s.discard(e.Key, path)
		return item, session.Artifact{}, fmt.Errorf("reading stored file: %w", err)
	}
	item.Size = size

	return item, session.Artifact{
		Name:     item.Name,
		Path:     path,
		MIMEType: mimeType,
		Size:     size,
		Digest:   digest,
		Tool:     item.Tool,
		Uploaded: s.now(),
	}, nil
}

// digestFile returns the size and hex BLAKE3 digest of the file at path.
func digestFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func parseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}

func (s *Service) discard(key, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove upload file", "key", key, "path", path, "error", err)
	}
}
