// ABOUTME: Shared fixtures for upload tests
// ABOUTME: Builds minimal EPUB, PDF and text payloads and a wired Service

package upload

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/bookdrop/internal/convert"
	"github.com/2389/bookdrop/internal/session"
)

const (
	koboAgent    = "Mozilla/5.0 (Linux; U; Android 2.0; en-us;) AppleWebKit/538.1 (KHTML, like Gecko) Version/4.0 Mobile Safari/538.1 (Kobo Touch 0377/4.20.14622)"
	desktopAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
)

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

// epubBytes returns a minimal EPUB container whose first entry is the
// uncompressed mimetype file.
func epubBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	require.NoError(t, err)
	_, err = io.WriteString(w, "application/epub+zip")
	require.NoError(t, err)
	w, err = zw.Create("META-INF/container.xml")
	require.NoError(t, err)
	_, err = io.WriteString(w, `<?xml version="1.0"?><container version="1.0"></container>`)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

var spoolSeq atomic.Int64

// spool writes content into dir the way the HTTP layer does and returns the File.
func spool(t *testing.T, dir, name string, content []byte) File {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("spool-%d%s", spoolSeq.Add(1), filepath.Ext(name)))
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return File{Name: name, Path: path, Size: int64(len(content))}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTool writes an executable shell script and returns its path.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

type harness struct {
	sessions *session.Store
	service  *Service
	scratch  string
}

func newHarness(t *testing.T, tools convert.Tools, cfg Config) *harness {
	t.Helper()
	if tools.Kepubify == "" {
		tools.Kepubify = writeTool(t, `cp "$5" "$4"`)
	}
	if tools.Kindlegen == "" {
		tools.Kindlegen = "bookdrop-missing-kindlegen"
	}
	if tools.PDFCropMargins == "" {
		tools.PDFCropMargins = "bookdrop-missing-pdfcropmargins"
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = 12
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 1 << 20
	}

	sessions := session.NewStore(session.Config{
		InactivityTimeout: time.Hour,
		AbsoluteTimeout:   time.Hour,
		MaxArtifacts:      12,
		MaxKeys:           100,
	}, testLogger())
	t.Cleanup(sessions.Close)

	runner := convert.NewRunner(2, time.Minute, testLogger())
	return &harness{
		sessions: sessions,
		service:  NewService(sessions, runner, convert.Profiles(tools), cfg, testLogger()),
		scratch:  t.TempDir(),
	}
}

func (h *harness) newKey(t *testing.T, agent string) string {
	t.Helper()
	key, err := h.sessions.Create(agent)
	require.NoError(t, err)
	return key
}

func (h *harness) artifacts(t *testing.T, key string) []session.Artifact {
	t.Helper()
	snap, err := h.sessions.Get(key)
	require.NoError(t, err)
	return snap.Artifacts
}
