// ABOUTME: Tests for upload processing
// ABOUTME: Covers validation, conversion, replacement, URLs and temp file ownership

package upload

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/bookdrop/internal/convert"
	"github.com/2389/bookdrop/internal/device"
)

func TestHandle_StoresFile(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, desktopAgent)
	f := spool(t, h.scratch, "notes.txt", []byte("some plain notes\n"))

	res, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{f}})
	require.NoError(t, err)
	require.Len(t, res.Stored, 1)
	assert.Empty(t, res.Failed)
	assert.Equal(t, device.Other, res.Device)
	assert.Equal(t, "notes.txt", res.Stored[0].Name)

	arts := h.artifacts(t, key)
	require.Len(t, arts, 1)
	assert.Equal(t, f.Path, arts[0].Path)
	assert.Equal(t, "text/plain", arts[0].MIMEType)
	assert.Equal(t, int64(17), arts[0].Size)
	assert.Len(t, arts[0].Digest, 64)
	assert.FileExists(t, arts[0].Path)
}

func TestHandle_NormalizesDisplayName(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, desktopAgent)
	f := spool(t, h.scratch, `C:\Users\me\My  Book?.pdf`, pdfBytes)

	res, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{f}})
	require.NoError(t, err)
	require.Len(t, res.Stored, 1)
	assert.Equal(t, "My Book_.pdf", res.Stored[0].Name)
}

func TestHandle_UnknownKeyDiscardsFiles(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	f := spool(t, h.scratch, "paper.pdf", pdfBytes)

	_, err := h.service.Handle(context.Background(), Request{Key: "ZZZZ", Files: []File{f}})
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.NoFileExists(t, f.Path)
}

func TestHandle_InvalidFileType(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, desktopAgent)

	good := spool(t, h.scratch, "paper.pdf", pdfBytes)
	_, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{good}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		content []byte
	}{
		{"book.epub", pdfBytes},
		{"virus.exe", pdfBytes},
		{"noextension", pdfBytes},
		{"paper.pdf", epubBytes(t)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := spool(t, h.scratch, tt.name, tt.content)
			res, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{f}})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFileType)
			require.NotNil(t, res)
			require.Len(t, res.Failed, 1)
			assert.NoFileExists(t, f.Path)

			arts := h.artifacts(t, key)
			require.Len(t, arts, 1, "previous artifact must be untouched")
			assert.Equal(t, good.Path, arts[0].Path)
			assert.FileExists(t, good.Path)
		})
	}
}

func TestHandle_DeclaredTypeOnlyForGenericContent(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, desktopAgent)
	binary := []byte{0x13, 0x37, 0x00, 0x42, 0x99, 0x88, 0x00, 0x01}

	f := spool(t, h.scratch, "scan.pdf", binary)
	f.DeclaredType = "application/pdf; charset=binary"
	_, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{f}})
	require.NoError(t, err)

	f = spool(t, h.scratch, "scan2.pdf", binary)
	f.DeclaredType = "image/png"
	_, err = h.service.Handle(context.Background(), Request{Key: key, Files: []File{f}})
	assert.ErrorIs(t, err, ErrInvalidFileType)

	f = spool(t, h.scratch, "book.epub", pdfBytes)
	f.DeclaredType = "application/epub+zip"
	_, err = h.service.Handle(context.Background(), Request{Key: key, Files: []File{f}})
	assert.ErrorIs(t, err, ErrInvalidFileType, "sniffed type wins over the declared one")
}

func TestHandle_KepubifyForKobo(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, koboAgent)
	f := spool(t, h.scratch, "book.epub", epubBytes(t))

	res, err := h.service.Handle(context.Background(), Request{
		Key:   key,
		Files: []File{f},
		Flags: map[string]bool{convert.Kepubify: true},
	})
	require.NoError(t, err)
	require.Len(t, res.Stored, 1)
	assert.Equal(t, "book.kepub.epub", res.Stored[0].Name)
	assert.Equal(t, convert.Kepubify, res.Stored[0].Tool)
	assert.Contains(t, res.Summary(), "Converted book.epub to book.kepub.epub with kepubify")

	arts := h.artifacts(t, key)
	require.Len(t, arts, 1)
	assert.Equal(t, "book.kepub.epub", arts[0].Name)
	assert.True(t, strings.HasSuffix(arts[0].Path, ".kepub.epub"))
	assert.FileExists(t, arts[0].Path)
	assert.NoFileExists(t, f.Path, "input is removed after conversion")
}

func TestHandle_NoConversionWithoutOptIn(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, koboAgent)
	f := spool(t, h.scratch, "book.epub", epubBytes(t))

	res, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{f}})
	require.NoError(t, err)
	require.Len(t, res.Stored, 1)
	assert.Equal(t, "book.epub", res.Stored[0].Name)
	assert.Empty(t, res.Stored[0].Tool)
}

func TestHandle_NoConversionForOtherDevices(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, desktopAgent)
	f := spool(t, h.scratch, "book.epub", epubBytes(t))

	res, err := h.service.Handle(context.Background(), Request{
		Key:   key,
		Files: []File{f},
		Flags: map[string]bool{convert.Kepubify: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "book.epub", res.Stored[0].Name)
}

func TestHandle_ConversionFailureKeepsPreviousArtifact(t *testing.T) {
	failing := writeTool(t, `echo "unable to open $5" >&2
exit 2`)
	h := newHarness(t, convert.Tools{Kepubify: failing}, Config{})
	key := h.newKey(t, koboAgent)

	prev := spool(t, h.scratch, "first.epub", epubBytes(t))
	_, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{prev}})
	require.NoError(t, err)

	f := spool(t, h.scratch, "second.epub", epubBytes(t))
	res, err := h.service.Handle(context.Background(), Request{
		Key:   key,
		Files: []File{f},
		Flags: map[string]bool{convert.Kepubify: true},
	})
	require.Error(t, err)

	var convErr *convert.ConversionError
	require.True(t, errors.As(err, &convErr))
	assert.Equal(t, 2, convErr.ExitCode)
	assert.Equal(t, "unable to open <input>", convErr.Diagnostic)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, convert.Kepubify, res.Failed[0].Tool)

	assert.NoFileExists(t, f.Path)
	arts := h.artifacts(t, key)
	require.Len(t, arts, 1)
	assert.Equal(t, prev.Path, arts[0].Path)
	assert.FileExists(t, prev.Path)
}

func TestHandle_ReplacesSameNameAndDeletesOldFile(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, desktopAgent)

	first := spool(t, h.scratch, "paper.pdf", pdfBytes)
	_, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{first}})
	require.NoError(t, err)

	second := spool(t, h.scratch, "paper.pdf", pdfBytes)
	res, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{second}})
	require.NoError(t, err)
	assert.True(t, res.Stored[0].Replaced)

	assert.NoFileExists(t, first.Path)
	arts := h.artifacts(t, key)
	require.Len(t, arts, 1)
	assert.Equal(t, second.Path, arts[0].Path)
}

func TestHandle_TooManyFiles(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{MaxFiles: 1})
	key := h.newKey(t, desktopAgent)
	a := spool(t, h.scratch, "a.pdf", pdfBytes)
	b := spool(t, h.scratch, "b.pdf", pdfBytes)

	_, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{a, b}})
	assert.ErrorIs(t, err, ErrTooManyFiles)
	assert.NoFileExists(t, a.Path)
	assert.NoFileExists(t, b.Path)
	assert.Empty(t, h.artifacts(t, key))
}

func TestHandle_FileTooLargeIsPerFile(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{MaxFileSize: 64})
	key := h.newKey(t, desktopAgent)
	small := spool(t, h.scratch, "small.txt", []byte("tiny"))
	big := spool(t, h.scratch, "big.txt", []byte(strings.Repeat("x", 65)))

	res, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{small, big}})
	require.NoError(t, err)
	require.Len(t, res.Stored, 1)
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[0].Err, ErrFileTooLarge)
	assert.NoFileExists(t, big.Path)
	assert.Contains(t, res.Summary(), "Failed big.txt")
}

func TestHandle_URL(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, desktopAgent)

	res, err := h.service.Handle(context.Background(), Request{Key: key, URL: " https://example.com/article "})
	require.NoError(t, err)
	assert.True(t, res.URLAdded)
	assert.Equal(t, "https://example.com/article", res.URL)

	res, err = h.service.Handle(context.Background(), Request{Key: key, URL: "https://example.com/article"})
	require.NoError(t, err)
	assert.False(t, res.URLAdded)
	assert.Contains(t, res.Summary(), "already shared")

	_, err = h.service.Handle(context.Background(), Request{Key: key, URL: "javascript:alert(1)"})
	assert.ErrorIs(t, err, ErrInvalidURL)

	snap, err := h.sessions.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/article"}, snap.URLs)
}

func TestHandle_URLRecordedWhenFileFails(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, desktopAgent)
	bad := spool(t, h.scratch, "bad.epub", pdfBytes)

	res, err := h.service.Handle(context.Background(), Request{Key: key, Files: []File{bad}, URL: "http://example.org/"})
	require.NoError(t, err)
	assert.True(t, res.URLAdded)
	require.Len(t, res.Failed, 1)
}

func TestHandle_EmptySubmission(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, desktopAgent)

	_, err := h.service.Handle(context.Background(), Request{Key: key})
	assert.ErrorIs(t, err, ErrEmptySubmission)
}

func TestHandle_TouchesKey(t *testing.T) {
	h := newHarness(t, convert.Tools{}, Config{})
	key := h.newKey(t, desktopAgent)
	before, err := h.sessions.Get(key)
	require.NoError(t, err)

	_, err = h.service.Handle(context.Background(), Request{Key: key, URL: "https://example.com"})
	require.NoError(t, err)

	after, err := h.sessions.Get(key)
	require.NoError(t, err)
	assert.False(t, after.LastActivity.Before(before.LastActivity))
}

func TestAllowedExtensions(t *testing.T) {
	assert.Equal(t,
		[]string{".azw", ".azw3", ".cbr", ".cbz", ".epub", ".kepub", ".mobi", ".pdf", ".txt"},
		AllowedExtensions())
}
