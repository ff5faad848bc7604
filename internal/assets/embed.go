// Package assets serves the embedded web pages: the download page shown on
// e-readers and the upload page shown everywhere else.
package assets

import (
	"bytes"
	"embed"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"
)

//go:embed all:static
var staticFS embed.FS

// Page names.
const (
	DownloadPage = "download.html"
	UploadPage   = "upload.html"
)

// mimeFromExt returns the MIME type for a file extension.
// Falls back to the Go standard library's MIME type database,
// then to "application/octet-stream" if unknown.
func mimeFromExt(ext string) string {
	switch ext {
	case ".js":
		return "application/javascript"
	case ".css":
		return "text/css; charset=utf-8"
	case ".html":
		return "text/html; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
		return "application/octet-stream"
	}
}

// Page returns the contents of an embedded page.
func Page(name string) ([]byte, error) {
	return fs.ReadFile(staticFS, path.Join("static", name))
}

// PageFor picks the page for a visitor: e-readers receive the download
// page, everything else the upload page.
func PageFor(ereader bool) string {
	if ereader {
		return DownloadPage
	}
	return UploadPage
}

// acceptPlaceholder marks where the upload page lists the file extensions
// its picker offers.
const acceptPlaceholder = "{{accept}}"

// Render returns an embedded page with the accepted extensions filled in.
func Render(name string, accept []string) ([]byte, error) {
	data, err := Page(name)
	if err != nil {
		return nil, err
	}
	return bytes.ReplaceAll(data, []byte(acceptPlaceholder), []byte(strings.Join(accept, ","))), nil
}

// ServePage writes a rendered page. E-reader browsers cache aggressively,
// so pages are never cached.
func ServePage(w http.ResponseWriter, name string, accept []string) {
	data, err := Render(name, accept)
	if err != nil {
		http.NotFound(w, nil)
		return
	}
	w.Header().Set("Content-Type", mimeFromExt(".html"))
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

// FileServer returns an http.Handler that serves embedded assets from static/.
// The handler expects paths relative to the static root (strip /static/ before calling).
func FileServer() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic("assets: failed to create sub filesystem: " + err.Error())
	}
	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ext := strings.ToLower(path.Ext(r.URL.Path))
		if ext != "" {
			w.Header().Set("Content-Type", mimeFromExt(ext))
		}
		w.Header().Set("Cache-Control", "no-cache")
		fileServer.ServeHTTP(w, r)
	})
}
